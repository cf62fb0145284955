package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxHTTPBlob caps how much of a response body Fetch will read.
const maxHTTPBlob = 1 << 30

// HTTP stores blobs on a plain HTTP blob endpoint: GET fetches, PUT
// publishes, and 404 means not found.
type HTTP struct {
	client  *http.Client
	baseURL string
	prefix  string
	token   string
}

func NewHTTP(cfg Config) (*HTTP, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q must be an http or https URL", cfg.Endpoint)
	}
	return &HTTP{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.Endpoint, "/"),
		prefix:  cfg.Prefix,
		token:   cfg.Token,
	}, nil
}

func (h *HTTP) Name() string { return string(KindHTTP) }

func (h *HTTP) url(key string) string {
	return h.baseURL + "/" + objectKey(h.prefix, key)
}

func (h *HTTP) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.url(key), body)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	return req, nil
}

func (h *HTTP) Fetch(ctx context.Context, key string) ([]byte, error) {
	req, err := h.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("unexpected status fetching %s: %s", key, resp.Status)
	}

	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBlob+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(blob) > maxHTTPBlob {
		return nil, fmt.Errorf("response for %s exceeds %d bytes", key, maxHTTPBlob)
	}
	if resp.ContentLength >= 0 && int64(len(blob)) != resp.ContentLength {
		return nil, fmt.Errorf("short response for %s: got %d of %d bytes", key, len(blob), resp.ContentLength)
	}
	return blob, nil
}

func (h *HTTP) Publish(ctx context.Context, key string, blob []byte) error {
	req, err := h.newRequest(ctx, http.MethodPut, key, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(blob))

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status publishing %s: %s", key, resp.Status)
	}
	return nil
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
