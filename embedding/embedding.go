// Package embedding maps text to dense (and optionally sparse) vectors,
// batched (§4.C).
package embedding

import "context"

// Result is one embedding outcome: a dense vector and an optional sparse
// companion (e.g. BM25-style term weights keyed by a hashed vocabulary
// position), per §4.C.
type Result struct {
	Dense  []float32
	Sparse map[uint32]float32
}

// Model is the Embedding Model contract. Implementations MUST honor the
// empty-input rules in §4.C: Embed("") returns a zero vector of Dimension;
// EmbedMany(nil) returns an empty slice; empty strings inside a non-empty
// batch are preserved positionally as zero vectors.
type Model interface {
	Dimension() int
	Embed(ctx context.Context, text string) (Result, error)
	EmbedMany(ctx context.Context, texts []string) ([]Result, error)
}

// ZeroVector returns the configured-dimension zero vector used for empty
// input, per §4.C.
func ZeroVector(dim int) []float32 {
	return make([]float32, dim)
}

// Select picks a model by credential availability: a remote API when an
// API key is configured, a local model otherwise (§4.C, "run-time property
// of the context").
func Select(apiKey string, remote Model, local Model) Model {
	if apiKey != "" && remote != nil {
		return remote
	}
	return local
}
