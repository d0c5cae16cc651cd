// Package geo resolves provider addresses to a coarse location using the
// ip-api.com JSON endpoint.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/open-website-status/internal/job"
)

// DefaultBaseURL is the public ip-api.com JSON endpoint.
const DefaultBaseURL = "http://ip-api.com/json/"

const maxResponseBodySize = 64 << 10

// ErrLookupFailed is returned when the service reports a failed lookup.
var ErrLookupFailed = errors.New("ip lookup failed")

// Client looks addresses up against an ip-api compatible endpoint.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a Client. An empty baseURL selects DefaultBaseURL and a
// non-positive timeout disables the per-lookup deadline.
func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, timeout: timeout, httpClient: httpClient}
}

type lookupResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	CountryCode string `json:"countryCode"`
	Region      string `json:"region"`
	ISP         string `json:"isp"`
}

// Locate returns the location of address. An empty address asks the service
// for the location of the caller, which is the hub's own public address.
func (c *Client) Locate(ctx context.Context, address string) (job.Geo, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	endpoint := c.baseURL + url.PathEscape(address) + "?fields=status,message,countryCode,region,isp"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return job.Geo{}, fmt.Errorf("build lookup request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return job.Geo{}, fmt.Errorf("lookup %q: %w", address, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return job.Geo{}, fmt.Errorf("lookup %q: unexpected status %d", address, resp.StatusCode)
	}
	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(&body); err != nil {
		return job.Geo{}, fmt.Errorf("decode lookup response: %w", err)
	}
	if body.Status != "success" {
		return job.Geo{}, fmt.Errorf("%w: %s", ErrLookupFailed, body.Message)
	}
	return job.Geo{
		CountryCode: strings.ToLower(body.CountryCode),
		RegionCode:  strings.ToLower(body.Region),
		ISPName:     body.ISP,
	}, nil
}
