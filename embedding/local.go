package embedding

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"
)

// Local is the no-credentials-configured fallback model (§4.C). It has no
// ecosystem counterpart in the retrieved pack — no local-inference library
// appears anywhere in the corpus — so it is a deliberate stdlib-only
// component: a deterministic bag-of-hashed-tokens projection, useful for
// local development and tests where no embedding API key is present, not a
// production-quality embedding.
type Local struct {
	dim int
}

// NewLocal builds a Local model producing vectors of the given dimension.
func NewLocal(dim int) *Local {
	return &Local{dim: dim}
}

func (l *Local) Dimension() int { return l.dim }

func (l *Local) Embed(ctx context.Context, text string) (Result, error) {
	results, err := l.EmbedMany(ctx, []string{text})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

func (l *Local) EmbedMany(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) == 0 {
		return []Result{}, nil
	}
	out := make([]Result, len(texts))
	for i, t := range texts {
		if t == "" {
			out[i] = Result{Dense: ZeroVector(l.dim)}
			continue
		}
		out[i] = Result{Dense: l.project(t)}
	}
	return out, nil
}

func (l *Local) project(text string) []float32 {
	vec := make([]float32, l.dim)
	for _, tok := range strings.Fields(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(l.dim))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}

// bucketIndex hashes a token to a stable uint32 bucket for the sparse
// companion vector, used by BM25-style sources that want a sparse
// representation without a full vocabulary table.
func bucketIndex(tok string, buckets uint32) uint32 {
	var b [4]byte
	h := fnv.New32a()
	h.Write([]byte(tok))
	binary.BigEndian.PutUint32(b[:], h.Sum32()%buckets)
	return binary.BigEndian.Uint32(b[:])
}
