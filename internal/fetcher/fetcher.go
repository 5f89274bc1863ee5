package fetcher

import (
	"context"
	"net/http"
)

// Fetcher retrieves a remote document for an extractor.
type Fetcher interface {
	// Get fetches the URL with the extra request headers and returns the
	// response body.
	Get(ctx context.Context, url string, header http.Header) ([]byte, error)
}
