package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// ResultKind discriminates the result variants a provider may report.
type ResultKind string

// Result kinds.
const (
	ResultSuccess ResultKind = "success"
	ResultTimeout ResultKind = "timeout"
	ResultError   ResultKind = "error"
)

// Result is the outcome of a completed probe.
type Result interface {
	Kind() ResultKind
	isResult()
}

// Success is a probe that received an HTTP response. ExecutionTime is in milliseconds.
type Success struct {
	HTTPCode      int
	ExecutionTime float64
}

// Timeout is a probe that gave up waiting. ExecutionTime is in milliseconds.
type Timeout struct {
	ExecutionTime float64
}

// Failure is a probe that failed before any response, e.g. DNS or TLS errors.
type Failure struct {
	ErrorCode string
}

func (Success) Kind() ResultKind { return ResultSuccess }
func (Timeout) Kind() ResultKind { return ResultTimeout }
func (Failure) Kind() ResultKind { return ResultError }

func (Success) isResult() {}
func (Timeout) isResult() {}
func (Failure) isResult() {}

// ErrMalformedResult is returned when a result payload does not match any variant.
var ErrMalformedResult = errors.New("malformed job result")

type successWire struct {
	State         ResultKind `json:"state"`
	HTTPCode      int        `json:"httpCode"`
	ExecutionTime float64    `json:"executionTime"`
}

type timeoutWire struct {
	State         ResultKind `json:"state"`
	ExecutionTime float64    `json:"executionTime"`
}

type failureWire struct {
	State     ResultKind `json:"state"`
	ErrorCode string     `json:"errorCode"`
}

// MarshalResult encodes r in the wire shape shared by providers, callers and storage.
func MarshalResult(r Result) ([]byte, error) {
	var v any
	switch res := r.(type) {
	case Success:
		v = successWire{State: ResultSuccess, HTTPCode: res.HTTPCode, ExecutionTime: res.ExecutionTime}
	case Timeout:
		v = timeoutWire{State: ResultTimeout, ExecutionTime: res.ExecutionTime}
	case Failure:
		v = failureWire{State: ResultError, ErrorCode: res.ErrorCode}
	default:
		return nil, fmt.Errorf("marshal %T: %w", r, ErrMalformedResult)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// UnmarshalResult decodes and validates a result. Unknown fields, missing
// fields and wrongly typed fields are all rejected.
func UnmarshalResult(data []byte) (Result, error) {
	var head struct {
		State *ResultKind `json:"state"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.State == nil {
		return nil, ErrMalformedResult
	}
	switch *head.State {
	case ResultSuccess:
		var w struct {
			State         ResultKind `json:"state"`
			HTTPCode      *float64   `json:"httpCode"`
			ExecutionTime *float64   `json:"executionTime"`
		}
		if err := decodeStrict(data, &w); err != nil || w.HTTPCode == nil || w.ExecutionTime == nil {
			return nil, ErrMalformedResult
		}
		code := *w.HTTPCode
		if code != math.Trunc(code) || code < 100 || code > 999 || *w.ExecutionTime < 0 {
			return nil, ErrMalformedResult
		}
		return Success{HTTPCode: int(code), ExecutionTime: *w.ExecutionTime}, nil
	case ResultTimeout:
		var w struct {
			State         ResultKind `json:"state"`
			ExecutionTime *float64   `json:"executionTime"`
		}
		if err := decodeStrict(data, &w); err != nil || w.ExecutionTime == nil || *w.ExecutionTime < 0 {
			return nil, ErrMalformedResult
		}
		return Timeout{ExecutionTime: *w.ExecutionTime}, nil
	case ResultError:
		var w struct {
			State     ResultKind `json:"state"`
			ErrorCode *string    `json:"errorCode"`
		}
		if err := decodeStrict(data, &w); err != nil || w.ErrorCode == nil {
			return nil, ErrMalformedResult
		}
		return Failure{ErrorCode: *w.ErrorCode}, nil
	default:
		return nil, ErrMalformedResult
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	// encoding/json matches keys case-insensitively; the wire format does not.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	t := reflect.TypeOf(v).Elem()
	known := make(map[string]struct{}, t.NumField())
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		known[name] = struct{}{}
	}
	for key := range raw {
		if _, ok := known[key]; !ok {
			return fmt.Errorf("decode result: unexpected key %q", key)
		}
	}
	return nil
}
