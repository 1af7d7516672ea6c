package documents

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPFetcher downloads documents from the remote document source.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPFetcher builds a fetcher. baseURL is used for documents that only
// carry an id.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, sourceLocator string, documentID string, creds Credentials) ([]byte, error) {
	target := strings.TrimSpace(sourceLocator)
	if target == "" {
		if f.BaseURL == "" {
			return nil, fmt.Errorf("%w: no document source url", ErrNotFetchable)
		}
		target = f.BaseURL + "/documents/" + url.PathEscape(documentID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch document %s: %w", documentID, err)
	}
	if !creds.Empty() {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch document %s: %w", documentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch document %s: source returned status %d", documentID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch document %s: read: %w", documentID, err)
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("fetch document %s: exceeds %d bytes", documentID, maxDocumentBytes)
	}
	return data, nil
}
