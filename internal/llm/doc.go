// Package llm defines the provider-neutral contract for language model
// inference: a request carrying the question, memory, tool catalogue and
// observations, and a structured response holding either a tool-call plan
// or a final reply. Concrete providers live in the subpackages.
package llm
