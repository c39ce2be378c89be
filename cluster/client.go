// Package cluster acquires a live search-cluster handle for an integration
// run, reusing a reachable cluster when one is configured or already
// listening and provisioning an ephemeral container otherwise.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crawlspace/testenv/endpoint"
	"github.com/crawlspace/testenv/internal/logging"
)

// Info is the cluster liveness probe result.
type Info struct {
	ClusterName string
	Version     string
}

// Profile captures the behavior differences between cluster versions,
// negotiated exactly once per suite right after connecting. It is immutable
// after negotiation; later operations consume it instead of toggling state
// on the shared client.
type Profile struct {
	MajorVersion      int
	TotalHitsAsObject bool
	DefaultDocType    string
}

// SearchResult is the outcome of one search call.
type SearchResult struct {
	TotalHits int64
	Raw       json.RawMessage
}

// SearchClient is the surface the provisioner and the suite need from a
// cluster client. Implementations must be safe for concurrent use; tests
// run in parallel against the one handle a run owns.
type SearchClient interface {
	Info(ctx context.Context) (Info, error)
	Negotiate(ctx context.Context) (Profile, error)
	Search(ctx context.Context, index, query string) (SearchResult, error)
	Refresh(ctx context.Context, index string) error
	Close() error
}

// Client is a thin HTTP client for the search cluster. It implements only
// the contract the suite relies on; the full wire protocol stays with the
// system under test.
type Client struct {
	ep    endpoint.Endpoint
	httpc *http.Client

	mu      sync.RWMutex
	profile *Profile

	closeOnce sync.Once
}

// NewClient creates a client for the given endpoint. The endpoint must have
// been validated by the resolver.
func NewClient(ep endpoint.Endpoint) *Client {
	return &Client{
		ep: ep,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewSearchClient is NewClient with the interface return type the
// provisioner wants for its factory hook.
func NewSearchClient(ep endpoint.Endpoint) SearchClient {
	return NewClient(ep)
}

// Endpoint returns the endpoint this client talks to.
func (c *Client) Endpoint() endpoint.Endpoint {
	return c.ep
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.ep.URL()+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ep.Username != "" {
		req.SetBasicAuth(c.ep.Username, c.ep.Password)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cluster responded %d to %s %s: %s", resp.StatusCode, method, path, truncate(data))
	}
	return data, nil
}

// Info probes the cluster root endpoint. A transport error here means the
// cluster is unreachable.
func (c *Client) Info(ctx context.Context) (Info, error) {
	data, err := c.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return Info{}, err
	}

	var payload struct {
		ClusterName string `json:"cluster_name"`
		Version     struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Info{}, fmt.Errorf("decoding cluster info: %w", err)
	}
	return Info{ClusterName: payload.ClusterName, Version: payload.Version.Number}, nil
}

// Negotiate probes the cluster and derives the immutable behavior profile
// for its version. Called once per suite by the provisioner.
func (c *Client) Negotiate(ctx context.Context) (Profile, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return Profile{}, err
	}
	profile := profileForVersion(info.Version)

	c.mu.Lock()
	c.profile = &profile
	c.mu.Unlock()

	logging.Component("cluster").Debug("negotiated cluster behavior",
		"version", info.Version, "docType", profile.DefaultDocType)
	return profile, nil
}

// Profile returns the negotiated behavior profile, or the zero profile when
// Negotiate has not run.
func (c *Client) Profile() Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile == nil {
		return Profile{}
	}
	return *c.profile
}

// Search runs the given query body against an index and reports the total
// hit count plus the raw response for callers that need more.
func (c *Client) Search(ctx context.Context, index, query string) (SearchResult, error) {
	var body io.Reader
	if query != "" {
		body = strings.NewReader(query)
	}
	data, err := c.do(ctx, http.MethodPost, "/"+index+"/_search", body)
	if err != nil {
		return SearchResult{}, err
	}

	total, err := parseTotalHits(data)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{TotalHits: total, Raw: data}, nil
}

// Refresh makes pending writes visible to search. An empty index refreshes
// everything.
func (c *Client) Refresh(ctx context.Context, index string) error {
	path := "/_refresh"
	if index != "" {
		path = "/" + index + "/_refresh"
	}
	_, err := c.do(ctx, http.MethodPost, path, nil)
	return err
}

// Close releases the client's connections. Calling it more than once is
// safe; teardown runs it from several failure paths.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.httpc.CloseIdleConnections()
	})
	return nil
}

// parseTotalHits accepts both the modern object form of hits.total
// ({"value": N, "relation": ...}) and the bare number older clusters
// report.
func parseTotalHits(data []byte) (int64, error) {
	var envelope struct {
		Hits struct {
			Total json.RawMessage `json:"total"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return 0, fmt.Errorf("decoding search response: %w", err)
	}
	if len(envelope.Hits.Total) == 0 {
		return 0, fmt.Errorf("search response has no hits.total")
	}

	var object struct {
		Value int64 `json:"value"`
	}
	if err := json.Unmarshal(envelope.Hits.Total, &object); err == nil {
		return object.Value, nil
	}
	var n int64
	if err := json.Unmarshal(envelope.Hits.Total, &n); err != nil {
		return 0, fmt.Errorf("decoding hits.total: %w", err)
	}
	return n, nil
}

func profileForVersion(version string) Profile {
	major := 0
	if i := strings.IndexByte(version, '.'); i > 0 {
		major, _ = strconv.Atoi(version[:i])
	}
	profile := Profile{MajorVersion: major}
	if major >= 7 {
		profile.TotalHitsAsObject = true
		profile.DefaultDocType = "_doc"
	} else {
		profile.DefaultDocType = "doc"
	}
	return profile
}

func truncate(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
