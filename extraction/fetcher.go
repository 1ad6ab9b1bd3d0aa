// Package extraction implements the scraping worker: it walks a source's
// date-keyed listing pages backwards from a base date to a cutoff date,
// collects article teasers with one of three traversal strategies
// (pagination, load-more, single page), fetches article bodies and bulk
// upserts the results into the document store.
package extraction

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

// Fetcher retrieves one page of HTML.
type Fetcher interface {
	Get(ctx context.Context, url string) (string, error)
}

// Renderer retrieves a page with dynamic content loaded. A non-empty button
// selector asks the render service to click the load-more element until the
// listing stops growing.
type Renderer interface {
	Render(ctx context.Context, url, buttonSelector string) (string, error)
}

// HTTPFetcher fetches pages with plain GET requests. Sites that require
// scripting fall back to the renderer.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given per-request timeout
// (default 10s).
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Get fetches one page.
func (f *HTTPFetcher) Get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build page request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch of %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", url, err)
	}
	return string(body), nil
}

// RenderClient talks to the browser render service used for load-more
// listings and script-heavy article pages.
type RenderClient struct {
	url    string
	client *http.Client
}

// NewRenderClient creates a render service client (default timeout 60s).
func NewRenderClient(url string, timeout time.Duration) *RenderClient {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &RenderClient{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type renderRequest struct {
	URL            string `json:"url"`
	ButtonSelector string `json:"button_selector,omitempty"`
}

type renderResponse struct {
	HTML string `json:"html"`
}

// Render asks the render service for the fully loaded page.
func (r *RenderClient) Render(ctx context.Context, url, buttonSelector string) (string, error) {
	payload, err := json.Marshal(renderRequest{URL: url, ButtonSelector: buttonSelector})
	if err != nil {
		return "", fmt.Errorf("failed to marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/render", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("render request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read render response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("render of %s returned status %d", url, resp.StatusCode)
	}

	var parsed renderResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode render response: %w", err)
	}
	return parsed.HTML, nil
}
