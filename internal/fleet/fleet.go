// Package fleet provides HTTP clients for the two collaborators the
// coordinator calls out to: the rescale executor and the shard advisor.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/autoshard/internal/cluster"
)

var (
	// ErrNoEndpoint is returned when a client is built without a URL.
	ErrNoEndpoint = errors.New("endpoint URL is required")
	// ErrBadRecommendation is returned when the advisor answers with a
	// shard count below one.
	ErrBadRecommendation = errors.New("advisor returned an invalid shard count")
)

// executeGrace is added to the request's delay and timeout to bound the HTTP
// call when the executor does not answer.
const executeGrace = 5 * time.Second

// HTTPExecutor starts a rescale by POSTing the RescaleRequest to a
// fleet-manager endpoint and decoding its ExecutionResult.
type HTTPExecutor struct {
	client *http.Client
	url    string
}

// NewHTTPExecutor creates an executor posting to url. A nil client uses a
// client without its own timeout; calls are bounded by the request options.
func NewHTTPExecutor(url string, client *http.Client) (*HTTPExecutor, error) {
	if url == "" {
		return nil, ErrNoEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPExecutor{url: url, client: client}, nil
}

// Start implements cluster.RescaleExecutor. When the request carries a
// timeout the call is cancelled after delay + timeout + a grace period.
func (e *HTTPExecutor) Start(ctx context.Context, req cluster.RescaleRequest) (cluster.ExecutionResult, error) {
	if t := req.Options.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Options.Delay()+t+executeGrace)
		defer cancel()
	}

	var result cluster.ExecutionResult
	if err := cluster.PostJSONWithClient(ctx, e.client, e.url, nil, req, &result); err != nil {
		return cluster.ExecutionResult{}, fmt.Errorf("rescale executor: %w", err)
	}
	return result, nil
}

// Recommendation is the advisor endpoint's response body.
type Recommendation struct {
	Shards int `json:"shards"`
}

// HTTPAdvisor fetches a recommended total shard count from an HTTP endpoint,
// authenticating with a bearer token.
type HTTPAdvisor struct {
	client *http.Client
	url    string
	token  string
}

// NewHTTPAdvisor creates an advisor querying url. token may be empty for
// endpoints that need no credentials.
func NewHTTPAdvisor(url, token string, client *http.Client) (*HTTPAdvisor, error) {
	if url == "" {
		return nil, ErrNoEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPAdvisor{url: url, token: token, client: client}, nil
}

// RecommendedShardCount implements cluster.ShardAdvisor.
func (a *HTTPAdvisor) RecommendedShardCount(ctx context.Context) (int, error) {
	var header http.Header
	if a.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + a.token}}
	}

	var rec Recommendation
	if err := cluster.GetJSONWithClient(ctx, a.client, a.url, header, &rec); err != nil {
		return 0, fmt.Errorf("shard advisor: %w", err)
	}
	if rec.Shards < 1 {
		return 0, fmt.Errorf("%w: %d", ErrBadRecommendation, rec.Shards)
	}
	return rec.Shards, nil
}

var (
	_ cluster.RescaleExecutor = (*HTTPExecutor)(nil)
	_ cluster.ShardAdvisor    = (*HTTPAdvisor)(nil)
)
