package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Snippet is one hybrid-search hit returned by the vector index.
type Snippet struct {
	ArticleID string  `json:"article_id"`
	Title     string  `json:"title"`
	Date      string  `json:"date"`
	Summary   string  `json:"summary"`
	Source    string  `json:"source"`
	Score     float64 `json:"score"`
}

// VectorIndex defines the vector store operations the pipeline needs:
// indexing enriched articles and hybrid (keyword + vector) retrieval.
type VectorIndex interface {
	// Index upserts an enriched article into the vector store.
	Index(ctx context.Context, article *Article) error

	// HybridSearch retrieves up to limit snippets for a query. Alpha
	// balances vector against keyword scoring (0 = keyword only,
	// 1 = vector only).
	HybridSearch(ctx context.Context, query string, limit int, alpha float64) ([]Snippet, error)
}

// VectorClient implements VectorIndex against the vector store's REST API.
type VectorClient struct {
	baseURL string
	client  *http.Client
}

// NewVectorClient creates a vector index client.
func NewVectorClient(baseURL string) *VectorClient {
	return &VectorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Index upserts an article object keyed by its document id.
func (c *VectorClient) Index(ctx context.Context, article *Article) error {
	body := map[string]interface{}{
		"id":      article.ID,
		"title":   article.Title,
		"date":    article.Date,
		"source":  article.Source,
		"summary": article.Summary,
		"content": article.Content,
	}
	if article.Classification != nil {
		body["classification"] = article.Classification.Label
	}

	status, _, err := c.do(ctx, http.MethodPut, "/objects/"+article.ID, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("vector index rejected article %s: status %d", article.ID, status)
	}
	return nil
}

// HybridSearch runs a hybrid query and decodes the hit list.
func (c *VectorClient) HybridSearch(ctx context.Context, query string, limit int, alpha float64) ([]Snippet, error) {
	body := map[string]interface{}{
		"query": query,
		"limit": limit,
		"alpha": alpha,
	}

	status, data, err := c.do(ctx, http.MethodPost, "/search/hybrid", body)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("hybrid search failed: status %d", status)
	}

	var result struct {
		Hits []Snippet `json:"hits"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode search result: %w", err)
	}
	return result.Hits, nil
}

// do executes one JSON request against the vector store.
func (c *VectorClient) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("vector store request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
