package embedding

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// RemoteConfig configures a resty-backed remote embedding client, grounded
// on the teacher's resty-over-HTTP client idiom (new client per adapter,
// base URL + bearer auth set once at construction).
type RemoteConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Dim            int
	SparseEnabled  bool
}

// Remote calls a hosted embedding API (e.g. an OpenAI-compatible
// endpoint) for dense vectors, with an optional sparse companion request.
type Remote struct {
	client *resty.Client
	cfg    RemoteConfig
}

// NewRemote builds a Remote model from cfg.
func NewRemote(cfg RemoteConfig) *Remote {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &Remote{client: client, cfg: cfg}
}

func (r *Remote) Dimension() int { return r.cfg.Dim }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponseItem struct {
	Embedding []float32          `json:"embedding"`
	Sparse    map[uint32]float32 `json:"sparse,omitempty"`
}

type embedResponse struct {
	Data []embedResponseItem `json:"data"`
}

func (r *Remote) Embed(ctx context.Context, text string) (Result, error) {
	results, err := r.EmbedMany(ctx, []string{text})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// EmbedMany preserves positional alignment (§4.C): empty strings in the
// batch are never sent to the API, they're substituted with the zero
// vector at the same index in the response.
func (r *Remote) EmbedMany(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) == 0 {
		return []Result{}, nil
	}

	nonEmptyIdx := make([]int, 0, len(texts))
	nonEmpty := make([]string, 0, len(texts))
	for i, t := range texts {
		if t != "" {
			nonEmptyIdx = append(nonEmptyIdx, i)
			nonEmpty = append(nonEmpty, t)
		}
	}

	out := make([]Result, len(texts))
	for i := range out {
		out[i] = Result{Dense: ZeroVector(r.cfg.Dim)}
	}
	if len(nonEmpty) == 0 {
		return out, nil
	}

	var parsed embedResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: r.cfg.Model, Input: nonEmpty}).
		SetResult(&parsed).
		Post("/embeddings")
	if err != nil {
		return nil, fmt.Errorf("remote embed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("remote embed: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(parsed.Data) != len(nonEmpty) {
		return nil, fmt.Errorf("remote embed: expected %d vectors, got %d", len(nonEmpty), len(parsed.Data))
	}

	for i, item := range parsed.Data {
		dest := nonEmptyIdx[i]
		res := Result{Dense: item.Embedding}
		if r.cfg.SparseEnabled {
			res.Sparse = item.Sparse
		}
		out[dest] = res
	}
	return out, nil
}
