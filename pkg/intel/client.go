// Package intel looks up URL reputation against a configured blocklist
// service. The lookup is strictly best-effort: the phishing detector consults
// it inside its own deadline, and any failure or budget overrun reads as
// "not listed". A positive answer raises a hard rule, so precision matters
// more than recall here.
package intel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/SafePayLabs/vigil/pkg/httputil"
)

// per-lookup budget inside the detector deadline.
const lookupBudget = 60 * time.Millisecond

// Client queries a reputation endpoint: GET <endpoint>?url=<u> returning
// {"listed": bool}. Results are cached for the process lifetime; blocklist
// membership changes far slower than request traffic.
type Client struct {
	endpoint string
	apiKey   string
	sem      *httputil.Semaphore
	cache    sync.Map // url -> bool
}

// New creates a client. An empty endpoint yields a disabled client.
func New(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		sem:      httputil.NewSemaphore(16),
	}
}

// Enabled reports whether lookups are configured.
func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// Listed reports whether the URL is on the blocklist. Unknown and failed
// lookups are not listed.
func (c *Client) Listed(ctx context.Context, rawURL string) bool {
	if !c.Enabled() || rawURL == "" {
		return false
	}
	if cached, ok := c.cache.Load(rawURL); ok {
		return cached.(bool)
	}
	if !c.sem.TryAcquire() {
		return false
	}
	defer c.sem.Release()

	ctx, cancel := context.WithTimeout(ctx, lookupBudget)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+"?url="+url.QueryEscape(rawURL), nil)
	if err != nil {
		return false
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := httputil.Client(httputil.TierFast).Do(req)
	if err != nil {
		return false
	}
	defer httputil.DrainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return false
	}

	body, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
	if err != nil {
		return false
	}
	var out struct {
		Listed bool `json:"listed"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false
	}
	c.cache.Store(rawURL, out.Listed)
	return out.Listed
}
