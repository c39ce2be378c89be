// Package restclient is a small path-based client for the REST service
// under test. It supports JSON GETs and multipart file uploads, which is
// all the suite's assertions need.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/crawlspace/testenv/internal/logging"
)

// Client targets one REST service instance.
type Client struct {
	base      string
	httpc     *http.Client
	closeOnce sync.Once
}

// New creates a client for a service listening on the loopback interface at
// the given port.
func New(port int) *Client {
	return NewForBase(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// NewForBase creates a client for an arbitrary base URL.
func NewForBase(base string) *Client {
	return &Client{
		base: base,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Get issues a GET against path and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	return c.execute(req, out)
}

// Upload POSTs the given content as a multipart file field to path, with
// optional query parameters, and decodes the JSON response into out.
func (c *Client) Upload(ctx context.Context, path, filename string, content io.Reader, params map[string]string, out any) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}

	target := c.base + path
	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		target += "?" + values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	return c.execute(req, out)
}

func (c *Client) execute(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	logging.Component("rest").Debug("rest response",
		"path", req.URL.Path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rest service responded %d to %s %s", resp.StatusCode, req.Method, req.URL.Path)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
	}
	return nil
}

// Close releases the client's connections; calling it twice is safe.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.httpc.CloseIdleConnections()
	})
}
