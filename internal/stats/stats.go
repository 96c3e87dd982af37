// Package stats probes the public data.gov.sg datasets the advisor cites.
// Responses are fetched and discarded; they never feed the chat.
package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Endpoint is a named upstream dataset.
type Endpoint struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// DefaultEndpoints are the CPF datasets referenced by the data-source banner.
var DefaultEndpoints = []Endpoint{
	{
		Name: "Number of CPF Members & Net Balances by Age Group & Gender as at End of Year",
		URL:  "https://api-production.data.gov.sg/v2/public/api/collections/46/metadata",
	},
	{
		Name: "Retirement withdrawals, Annual",
		URL:  "https://api-production.data.gov.sg/v2/public/api/collections/43/metadata",
	},
	{
		Name: "Full Retirement Sum",
		URL:  "https://data.gov.sg/api/action/datastore_search?resource_id=d_b212dff55c98a4c0b3d3d850bf744ad7",
	},
	{
		Name: "Yearly amount of monthly payout under Retirement Sum Scheme",
		URL:  "https://data.gov.sg/api/action/datastore_search?resource_id=d_c055f39619d2e8a8e0ddf87823b1066d",
	},
}

// DefaultConcurrency bounds how many endpoints are fetched at once.
const DefaultConcurrency = 4

// Result is the outcome of probing one endpoint.
type Result struct {
	Endpoint
	Status   int           `json:"status"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// OK returns true for a 2xx response.
func (r Result) OK() bool {
	return r.Error == "" && r.Status >= 200 && r.Status < 300
}

// Prober fetches every endpoint concurrently.
type Prober struct {
	client      *http.Client
	endpoints   []Endpoint
	concurrency int
	logger      *slog.Logger
}

// NewProber creates a prober. A nil endpoints slice uses DefaultEndpoints.
func NewProber(endpoints []Endpoint, timeout time.Duration, logger *slog.Logger) *Prober {
	if endpoints == nil {
		endpoints = DefaultEndpoints
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		client:      &http.Client{Timeout: timeout},
		endpoints:   endpoints,
		concurrency: DefaultConcurrency,
		logger:      logger,
	}
}

// SetConcurrency changes how many endpoints are fetched at once. Values below 1 are ignored.
func (p *Prober) SetConcurrency(n int) {
	if n > 0 {
		p.concurrency = n
	}
}

// Probe GETs all endpoints, at most concurrency at a time, and returns one Result per endpoint, in endpoint order.
// Individual failures are reported in the results, never as an error.
func (p *Prober) Probe(ctx context.Context) []Result {
	results := make([]Result, len(p.endpoints))

	// Failures land in results, so one bad endpoint never cancels the others.
	var eg errgroup.Group
	eg.SetLimit(p.concurrency)
	for i, ep := range p.endpoints {
		eg.Go(func() error {
			results[i] = p.fetch(ctx, ep)
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

// AllOK returns true when every result succeeded.
func AllOK(results []Result) bool {
	for _, r := range results {
		if !r.OK() {
			return false
		}
	}
	return true
}

func (p *Prober) fetch(ctx context.Context, ep Endpoint) (res Result) {
	res.Endpoint = ep
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		res.Error = fmt.Sprintf("build request: %v", err)
		return res
	}

	resp, err := p.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		p.logger.Warn("Upstream dataset probe failed", "name", ep.Name, "error", err)
		return res
	}
	defer func() { _ = resp.Body.Close() }()

	res.Status = resp.StatusCode
	res.Bytes, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		res.Error = fmt.Sprintf("read body: %v", err)
	}
	p.logger.Debug("Upstream dataset probed", "name", ep.Name, "status", res.Status, "bytes", res.Bytes)
	return res
}
