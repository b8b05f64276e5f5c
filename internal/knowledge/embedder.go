package knowledge

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"unicode"
)

const (
	embeddingDim     = 512
	defaultChunkSize = 800
)

// Document is a chunk of a portfolio document paired with its embedding vector.
type Document struct {
	Filename  string    `json:"filename"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}

// Embedder indexes the portfolio documents (résumé, case studies, notes) and
// answers similarity queries with local hash embeddings.
type Embedder struct {
	logger  *slog.Logger
	chunker chunker

	mu   sync.RWMutex
	docs []Document
}

// NewEmbedder returns an empty index. A nil logger falls back to slog.Default.
func NewEmbedder(logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{logger: logger, chunker: chunker{maxLen: defaultChunkSize}}
}

// Index loads and embeds all .txt, .md and .pdf files from dir, replacing any
// previous index. A missing or empty directory leaves the index empty.
func (e *Embedder) Index(dir string) error {
	passages, err := loadPassages(dir, e.chunker)
	if err != nil {
		return fmt.Errorf("knowledge: index %q: %w", dir, err)
	}

	docs := make([]Document, len(passages))
	for i, p := range passages {
		docs[i] = Document{Filename: p.source, Text: p.body, Embedding: vectorize(p.body)}
	}

	e.mu.Lock()
	e.docs = docs
	e.mu.Unlock()

	if len(docs) == 0 {
		e.logger.Info("knowledge_index_empty", "dir", dir)
		return nil
	}
	e.logger.Info("knowledge_indexed", "dir", dir, "chunks", len(docs))
	return nil
}

// Len reports the number of indexed chunks.
func (e *Embedder) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

// Search returns the topK most relevant chunks for query, best first.
func (e *Embedder) Search(query string, topK int) ([]Document, error) {
	e.mu.RLock()
	docs := e.docs
	e.mu.RUnlock()

	if len(docs) == 0 || topK <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	q := vectorize(query)
	scores := make([]float32, len(docs))
	order := make([]int, len(docs))
	for i, doc := range docs {
		scores[i] = dot(q, doc.Embedding)
		order[i] = i
	}
	// Stable so equally scored chunks keep index (file name) order.
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(scores[b], scores[a]) })

	out := make([]Document, min(topK, len(docs)))
	for i := range out {
		out[i] = docs[order[i]]
	}
	return out, nil
}

// Excerpts formats the topK chunks for query as "[filename] text" blocks.
func (e *Embedder) Excerpts(query string, topK int) ([]string, error) {
	docs, err := e.Search(query, topK)
	if err != nil {
		return nil, err
	}

	excerpts := make([]string, 0, len(docs))
	for _, doc := range docs {
		excerpts = append(excerpts, "["+doc.Filename+"] "+doc.Text)
	}
	return excerpts, nil
}

// terms lowercases text and splits it on anything that is not a letter or a
// digit.
func terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// vectorize hashes the terms of text into a unit-length bag-of-words vector,
// so the dot product of two vectors is their cosine similarity.
func vectorize(text string) []float32 {
	vec := make([]float32, embeddingDim)
	h := fnv.New64a()
	for _, t := range terms(text) {
		h.Reset()
		h.Write([]byte(t))
		vec[h.Sum64()%embeddingDim]++
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// dot scores two vectors of equal length. Mismatched lengths score zero.
func dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
