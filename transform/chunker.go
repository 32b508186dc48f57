// Package transform holds the built-in transformers the DAG router can
// resolve by name (§4.F). The chunker is the spec's "notable instance": it
// converts a file entity to text, splits it, and emits a parent record
// plus ordered chunk records.
package transform

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"syncmesh.dev/engine/entity"
)

// Chunk-size bounds from §4.F: chunk size is bounded by
// MAX_CHUNK_SIZE - METADATA_OVERHEAD - SAFETY_MARGIN.
const (
	MaxChunkSize     = 8191
	MetadataOverhead = 1200
	SafetyMargin     = 250
	SafeChunkSize    = MaxChunkSize - MetadataOverhead - SafetyMargin

	chunkOverlapTokens = 100
)

// DocumentConverter converts a non-markdown file's bytes at localPath into
// plain text. Implementations wrap whatever document-conversion library is
// available (pandoc-shaped tools, office-format parsers); the chunker
// itself is converter-agnostic.
type DocumentConverter interface {
	Convert(ctx context.Context, localPath string) (string, error)
}

// Chunker converts file entities into a parent record plus ordered chunk
// records, per §4.F. On every exit path — success or error — it removes
// the entity's local file, per §3's ownership rule ("Local file
// materializations ... MUST be deleted on all exit paths from the
// chunker").
type Chunker struct {
	Converter DocumentConverter
	Log       *logrus.Entry
}

// NewChunker builds a Chunker. converter may be nil if only markdown files
// will ever be chunked.
func NewChunker(converter DocumentConverter, log *logrus.Entry) *Chunker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Chunker{Converter: converter, Log: log}
}

// Transform is the dagrouter.Transformer-shaped entry point: a file entity
// in, a parent entity plus N ordered chunk entities out.
func (c *Chunker) Transform(ctx context.Context, e *entity.Entity) (out []*entity.Entity, err error) {
	localPath, _ := e.Fields["local_path"].(string)
	defer func() {
		if localPath != "" {
			if rmErr := os.Remove(localPath); rmErr != nil && !os.IsNotExist(rmErr) {
				c.Log.WithField("entity_id", e.EntityID).WithError(rmErr).Warn("chunker: failed to remove local file")
			}
		}
	}()

	if localPath == "" {
		return nil, fmt.Errorf("chunker: entity %s has no local_path", e.EntityID)
	}

	text, err := c.textOf(ctx, localPath, e)
	if err != nil {
		return nil, fmt.Errorf("chunker: extract text: %w", err)
	}

	parent := &entity.Entity{
		EntityID:       e.EntityID,
		Type:           e.Type + "_parent",
		ParentEntityID: e.EntityID,
		Breadcrumbs:    e.Breadcrumbs,
		Fields: map[string]interface{}{
			"name":      e.Fields["name"],
			"mime_type": e.Fields["mime_type"],
			"size":      e.Fields["size"],
		},
	}
	out = append(out, parent)

	chunks := chunkText(text, SafeChunkSize)
	for i, body := range chunks {
		out = append(out, &entity.Entity{
			EntityID:       fmt.Sprintf("%s-chunk-%d", e.EntityID, i),
			Type:           e.Type + "_chunk",
			ParentEntityID: e.EntityID,
			Breadcrumbs:    e.Breadcrumbs,
			Fields: map[string]interface{}{
				"title":      e.Fields["name"],
				"body":       body,
				"chunk_index": i,
				"chunk_count": len(chunks),
			},
		})
	}
	return out, nil
}

// textOf reads markdown and .txt files directly, matching the teacher corpus's pattern of
// direct-reading text formats and delegating everything else to a
// converter (§4.F "a converter for other types").
func (c *Chunker) textOf(ctx context.Context, localPath string, e *entity.Entity) (string, error) {
	if strings.EqualFold(filepath.Ext(localPath), ".md") || strings.EqualFold(filepath.Ext(localPath), ".txt") {
		f, err := os.Open(localPath)
		if err != nil {
			return "", err
		}
		defer f.Close()
		var sb strings.Builder
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			sb.WriteString(scanner.Text())
			sb.WriteByte('\n')
		}
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return sb.String(), nil
	}

	if c.Converter == nil {
		return "", fmt.Errorf("no document converter configured for %s", localPath)
	}
	return c.Converter.Convert(ctx, localPath)
}

// chunkText splits text by a structural pass on newline boundaries (see
// splitRecursive) with fallback to fixed-size token chunking, per §4.F.
func chunkText(text string, maxTokens int) []string {
	if text == "" {
		return nil
	}
	paragraphs := splitRecursive(text)
	var chunks []string
	for _, p := range paragraphs {
		chunks = append(chunks, fixedSizeFallback(p, maxTokens)...)
	}
	return chunks
}

// splitRecursive splits structurally, preferring the largest delimiter
// that yields more than one non-blank part, then falling back to smaller
// ones: three newlines, then blank lines, then single newlines. It splits
// one level only and does not split on sentence punctuation.
func splitRecursive(text string) []string {
	delimiters := []string{"\n\n\n", "\n\n", "\n"}
	for _, d := range delimiters {
		if strings.Contains(text, d) {
			parts := strings.Split(text, d)
			var out []string
			for _, p := range parts {
				if strings.TrimSpace(p) != "" {
					out = append(out, p)
				}
			}
			if len(out) > 1 {
				return out
			}
		}
	}
	return []string{text}
}

// fixedSizeFallback token-chunks a paragraph that is still larger than
// maxTokens after structural splitting, with a small overlap for context.
func fixedSizeFallback(text string, maxTokens int) []string {
	tokens := strings.Fields(text)
	if countTokens(text) <= maxTokens {
		return []string{text}
	}

	var out []string
	step := maxTokens - chunkOverlapTokens
	if step <= 0 {
		step = maxTokens
	}
	for start := 0; start < len(tokens); start += step {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, strings.Join(tokens[start:end], " "))
		if end == len(tokens) {
			break
		}
	}
	return out
}

// countTokens approximates token count as whitespace-separated words —
// adequate for bounding chunk size without pulling in a vendor-specific
// tokenizer.
func countTokens(text string) int {
	return len(strings.Fields(text))
}
