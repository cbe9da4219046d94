package ota

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/nugget/envnode/internal/httpkit"
)

// Download is an open image stream.
type Download struct {
	Body   io.ReadCloser
	Length int64 // UnknownLength if not declared
}

// Source opens image streams.
type Source interface {
	Open(ctx context.Context, url string) (*Download, error)
}

// HTTPSource fetches images with GET.
type HTTPSource struct {
	Client *http.Client
}

// NewHTTPSource returns a source using client, or an httpkit default
// client when client is nil.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = httpkit.NewClient()
	}
	return &HTTPSource{Client: client}
}

// StatusError is returned when the server answers with a status other
// than 200.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP GET failed: status %d", e.Code)
	}
	return fmt.Sprintf("HTTP GET failed: status %d: %s", e.Code, e.Body)
}

// Open issues the request and returns the body on a 200 response.
func (s *HTTPSource) Open(ctx context.Context, url string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 256)
		return nil, &StatusError{Code: resp.StatusCode, Body: body}
	}

	length := resp.ContentLength
	if length < 0 {
		length = UnknownLength
	}
	return &Download{Body: resp.Body, Length: length}, nil
}
