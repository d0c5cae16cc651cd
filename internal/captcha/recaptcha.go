// Package captcha verifies reCAPTCHA responses submitted with website queries.
package captcha

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
)

// DefaultVerifyURL is Google's reCAPTCHA siteverify endpoint.
const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// ErrMissingSecret is returned when no site secret is configured.
var ErrMissingSecret = errors.New("captcha secret not configured")

// Verifier posts responses to a siteverify endpoint.
type Verifier struct {
	secret     string
	verifyURL  string
	timeout    time.Duration
	httpClient *http.Client
}

// NewVerifier creates a Verifier. An empty secret is accepted so the hub can
// start without one; every verification then fails with ErrMissingSecret.
func NewVerifier(secret, verifyURL string, timeout time.Duration, httpClient *http.Client) *Verifier {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Verifier{secret: secret, verifyURL: verifyURL, timeout: timeout, httpClient: httpClient}
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify reports whether response is a valid CAPTCHA solution.
func (v *Verifier) Verify(ctx context.Context, response, remoteAddr string) (bool, error) {
	if v.secret == "" {
		return false, ErrMissingSecret
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	form := url.Values{"secret": {v.secret}, "response": {response}}
	if remoteAddr != "" {
		form.Set("remoteip", remoteAddr)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("verify captcha: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verify captcha: unexpected status %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return false, fmt.Errorf("decode verify response: %w", err)
	}
	return body.Success, nil
}
