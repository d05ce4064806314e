package audio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	cidpkg "linguacast/internal/cid"
)

// HTTPFetcher dereferences payload URLs over HTTP. It is the default
// ChunkFetcher for chunks delivered by object-store pointer.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with a bounded per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch downloads the payload behind the ref.
func (f *HTTPFetcher) Fetch(ctx context.Context, payloadRef string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payloadRef, nil)
	if err != nil {
		return nil, fmt.Errorf("building payload request: %w", err)
	}
	cidpkg.AddHeaderFromContext(req.Header, ctx)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching payload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payload fetch failed: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

var _ ChunkFetcher = (*HTTPFetcher)(nil)
