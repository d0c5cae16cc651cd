package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/probe"
)

// JobRequest is the payload of accept-job, reject-job and cancel-job.
type JobRequest struct {
	JobID string
}

// CompleteJobRequest is the payload of complete-job.
type CompleteJobRequest struct {
	JobID  string
	Result job.Result
}

// QueryWebsiteRequest is the payload of query-website.
type QueryWebsiteRequest struct {
	Target          probe.Target
	CaptchaResponse string
	Subscribe       bool
}

// QueryAPIRequest is the payload of query-api.
type QueryAPIRequest struct {
	Token     string
	Target    probe.Target
	Subscribe bool
}

// GetQueryRequest is the payload of get-query.
type GetQueryRequest struct {
	QueryID   string
	Subscribe bool
}

// GetHostnameQueriesRequest is the payload of get-hostname-queries.
type GetHostnameQueriesRequest struct {
	Hostname  string
	Subscribe bool
}

// DecodeJobRequest validates an accept, reject or cancel payload.
func DecodeJobRequest(data []byte) (JobRequest, error) {
	var w struct {
		JobID *string `json:"jobId"`
	}
	if err := decodeStrict(data, &w); err != nil {
		return JobRequest{}, err
	}
	if w.JobID == nil || *w.JobID == "" {
		return JobRequest{}, fmt.Errorf("jobId: %w", ErrSchemaMismatch)
	}
	return JobRequest{JobID: *w.JobID}, nil
}

// DecodeCompleteJobRequest validates a complete-job payload, result included.
func DecodeCompleteJobRequest(data []byte) (CompleteJobRequest, error) {
	var w struct {
		JobID  *string         `json:"jobId"`
		Result json.RawMessage `json:"result"`
	}
	if err := decodeStrict(data, &w); err != nil {
		return CompleteJobRequest{}, err
	}
	if w.JobID == nil || *w.JobID == "" {
		return CompleteJobRequest{}, fmt.Errorf("jobId: %w", ErrSchemaMismatch)
	}
	result, err := job.UnmarshalResult(w.Result)
	if err != nil {
		return CompleteJobRequest{}, fmt.Errorf("result: %w", ErrSchemaMismatch)
	}
	return CompleteJobRequest{JobID: *w.JobID, Result: result}, nil
}

type targetWire struct {
	Protocol *probe.Protocol `json:"protocol"`
	Hostname *string         `json:"hostname"`
	Port     *int            `json:"port"`
	Pathname *string         `json:"pathname"`
	Search   *string         `json:"search"`
}

func (w targetWire) target() (probe.Target, error) {
	if w.Protocol == nil || !w.Protocol.Valid() {
		return probe.Target{}, fmt.Errorf("protocol: %w", ErrSchemaMismatch)
	}
	if w.Hostname == nil || probe.NormalizeHostname(*w.Hostname) == "" {
		return probe.Target{}, fmt.Errorf("hostname: %w", ErrSchemaMismatch)
	}
	if w.Pathname == nil || w.Search == nil {
		return probe.Target{}, fmt.Errorf("pathname and search: %w", ErrSchemaMismatch)
	}
	if w.Port != nil && (*w.Port < 1 || *w.Port > 65535) {
		return probe.Target{}, fmt.Errorf("port: %w", ErrSchemaMismatch)
	}
	return probe.Target{
		Protocol: *w.Protocol,
		Hostname: probe.NormalizeHostname(*w.Hostname),
		Port:     w.Port,
		Pathname: *w.Pathname,
		Search:   *w.Search,
	}, nil
}

// DecodeQueryWebsiteRequest validates a query-website payload.
func DecodeQueryWebsiteRequest(data []byte) (QueryWebsiteRequest, error) {
	var w struct {
		targetWire
		CaptchaResponse *string `json:"captchaResponse"`
		Subscribe       *bool   `json:"subscribe"`
	}
	if err := decodeStrict(data, &w); err != nil {
		return QueryWebsiteRequest{}, err
	}
	target, err := w.target()
	if err != nil {
		return QueryWebsiteRequest{}, err
	}
	if w.CaptchaResponse == nil {
		return QueryWebsiteRequest{}, fmt.Errorf("captchaResponse: %w", ErrSchemaMismatch)
	}
	return QueryWebsiteRequest{Target: target, CaptchaResponse: *w.CaptchaResponse, Subscribe: flag(w.Subscribe)}, nil
}

// DecodeQueryAPIRequest validates a query-api payload.
func DecodeQueryAPIRequest(data []byte) (QueryAPIRequest, error) {
	var w struct {
		targetWire
		Token     *string `json:"token"`
		Subscribe *bool   `json:"subscribe"`
	}
	if err := decodeStrict(data, &w); err != nil {
		return QueryAPIRequest{}, err
	}
	target, err := w.target()
	if err != nil {
		return QueryAPIRequest{}, err
	}
	if w.Token == nil || *w.Token == "" {
		return QueryAPIRequest{}, fmt.Errorf("token: %w", ErrSchemaMismatch)
	}
	return QueryAPIRequest{Token: *w.Token, Target: target, Subscribe: flag(w.Subscribe)}, nil
}

// DecodeGetQueryRequest validates a get-query payload.
func DecodeGetQueryRequest(data []byte) (GetQueryRequest, error) {
	var w struct {
		QueryID   *string `json:"queryId"`
		Subscribe *bool   `json:"subscribe"`
	}
	if err := decodeStrict(data, &w); err != nil {
		return GetQueryRequest{}, err
	}
	if w.QueryID == nil || *w.QueryID == "" {
		return GetQueryRequest{}, fmt.Errorf("queryId: %w", ErrSchemaMismatch)
	}
	return GetQueryRequest{QueryID: *w.QueryID, Subscribe: flag(w.Subscribe)}, nil
}

// DecodeGetHostnameQueriesRequest validates a get-hostname-queries payload.
func DecodeGetHostnameQueriesRequest(data []byte) (GetHostnameQueriesRequest, error) {
	var w struct {
		Hostname  *string `json:"hostname"`
		Subscribe *bool   `json:"subscribe"`
	}
	if err := decodeStrict(data, &w); err != nil {
		return GetHostnameQueriesRequest{}, err
	}
	if w.Hostname == nil || probe.NormalizeHostname(*w.Hostname) == "" {
		return GetHostnameQueriesRequest{}, fmt.Errorf("hostname: %w", ErrSchemaMismatch)
	}
	return GetHostnameQueriesRequest{Hostname: probe.NormalizeHostname(*w.Hostname), Subscribe: flag(w.Subscribe)}, nil
}

func flag(b *bool) bool {
	return b != nil && *b
}
