// Package tools exposes the read-only EVM operations as named, described
// tools that the agent can plan against. The registry keeps a stable tool
// catalogue for prompt construction, while EVMToolset binds each tool to a
// chain client and an explorer-backed ABI source.
package tools
