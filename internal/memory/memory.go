// Package memory is the optional vector index over conversation
// summaries. Embeddings are best-effort: a missing or failing embedder
// degrades every caller to non-semantic behavior, never to an error.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"nexus/internal/models"
	"nexus/internal/store"
)

const (
	similarityThreshold = 0.6
	topK                = 3
)

// Embedder produces a fixed-dimension vector for a text. It is an
// external collaborator; implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Memory wraps the store's embedding column with attach/query operations.
type Memory struct {
	store    *store.Store
	embedder Embedder
	log      *zap.SugaredLogger
}

func New(s *store.Store, e Embedder, log *zap.SugaredLogger) *Memory {
	return &Memory{store: s, embedder: e, log: log}
}

// AttachEmbedding embeds summary and stores the vector on the
// conversation row. Every failure is swallowed after a log line: the
// conversation is already durable, the vector is an optional index.
func (m *Memory) AttachEmbedding(ctx context.Context, convID int64, summary string) {
	if m.embedder == nil {
		return
	}
	vec, err := m.embedder.Embed(ctx, summary)
	if err != nil {
		if m.log != nil {
			m.log.Warnw("memory: embed failed", "conversation_id", convID, "err", err)
		}
		return
	}
	if err := m.store.SetConversationEmbedding(convID, vec); err != nil && m.log != nil {
		m.log.Warnw("memory: store embedding failed", "conversation_id", convID, "err", err)
	}
}

// Query embeds the query text and returns a short text block of the most
// similar stored summaries for userID, or "" when nothing clears the
// similarity threshold or any step fails.
func (m *Memory) Query(ctx context.Context, userID, query string) string {
	if m.embedder == nil {
		return ""
	}
	qvec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return ""
	}

	convs, err := m.store.ConversationsForEmbeddingSearch(userID)
	if err != nil {
		return ""
	}

	type scored struct {
		conv models.Conversation
		sim  float64
	}
	var hits []scored
	for _, c := range convs {
		sim := cosine(qvec, c.Embedding)
		if sim >= similarityThreshold {
			hits = append(hits, scored{conv: c, sim: sim})
		}
	}
	if len(hits) == 0 {
		return ""
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "- [%s] %s\n", h.conv.CreatedAt.Format("2006-01-02"), h.conv.Summary)
	}
	return b.String()
}

// cosine returns the cosine similarity of a and b, 0 on dimension
// mismatch or zero-length vectors.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ─── HTTP embedder ──────────────────────────────────────────────────────

// httpClient is a package var so tests can swap the transport.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// HTTPEmbedder implements Embedder against an OpenAI-compatible
// embeddings endpoint.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
}

func NewHTTPEmbedder(baseURL, apiKey string) *HTTPEmbedder {
	return &HTTPEmbedder{baseURL: baseURL, apiKey: apiKey, model: "text-embedding-3-small"}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("memory: marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("memory: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory: embed call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory: unexpected status %d", resp.StatusCode)
	}
	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("memory: decode response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("memory: empty embedding response")
	}
	return parsed.Data[0].Embedding, nil
}

// SetHTTPClientForTest overrides the package-wide transport. Only call
// from tests.
func SetHTTPClientForTest(c *http.Client) {
	httpClient = c
}
