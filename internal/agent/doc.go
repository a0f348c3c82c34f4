// Package agent contains the core orchestrator responsible for answering
// natural-language questions about EVM chains. It drives the reasoning loop:
// the language model plans tool-call programs, the sandbox executes them, and
// the observations are fed back until a final reply is produced.
package agent
