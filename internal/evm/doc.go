// Package evm houses blockchain connectivity utilities: a read-only client
// interface over EVM compatible networks, address and transaction hash
// validation, and multi-chain configuration helpers. The concrete go-ethereum
// backed implementation lives in the ethereum subpackage, and the provider
// subpackage maps configured chain names to ready clients.
package evm
