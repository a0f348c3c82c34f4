// Package sandbox interprets the small tool-call programs emitted by the
// language model. A program is an ordered list of named tool invocations
// whose results can be bound to variables and referenced by later steps,
// with the variable namespace persisting across agent turns.
package sandbox
