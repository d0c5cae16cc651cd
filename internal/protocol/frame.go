package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Event names.
const (
	EventAcceptJob   = "accept-job"
	EventRejectJob   = "reject-job"
	EventCancelJob   = "cancel-job"
	EventCompleteJob = "complete-job"
	EventDispatchJob = "dispatch-job"

	EventQueryWebsite       = "query-website"
	EventQueryAPI           = "query-api"
	EventGetQuery           = "get-query"
	EventGetHostnameQueries = "get-hostname-queries"

	EventJobCreate               = "job-create"
	EventJobModify               = "job-modify"
	EventJobDelete               = "job-delete"
	EventJobList                 = "job-list"
	EventQueryCreate             = "query-create"
	EventConnectedProvidersCount = "connected-providers-count"
)

// ErrSchemaMismatch is returned for any payload that fails structural validation.
var ErrSchemaMismatch = errors.New("request does not match schema")

// Request is an inbound frame.
type Request struct {
	ID    *uint64         `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Ack answers a Request that carried an id.
type Ack struct {
	Ack   uint64  `json:"ack"`
	Error *string `json:"error"`
	Data  any     `json:"data"`
}

// Push is a server initiated frame.
type Push struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ParseRequest decodes one inbound frame. Only the envelope is checked here;
// payloads are validated by the Decode* functions.
func ParseRequest(frame []byte) (Request, error) {
	var req Request
	if err := decodeStrict(frame, &req); err != nil {
		return Request{}, err
	}
	if req.Event == "" {
		return Request{}, fmt.Errorf("missing event: %w", ErrSchemaMismatch)
	}
	return req, nil
}

// NewAck builds an acknowledgement. An empty errMsg means success.
func NewAck(id uint64, errMsg string, data any) Ack {
	ack := Ack{Ack: id, Data: data}
	if errMsg != "" {
		ack.Error = &errMsg
		ack.Data = nil
	}
	return ack
}

// Encode marshals a frame for the wire.
func Encode(frame any) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

func decodeStrict(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty payload: %w", ErrSchemaMismatch)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
	}
	if dec.More() {
		return fmt.Errorf("trailing data: %w", ErrSchemaMismatch)
	}
	return exactKeys(data, v)
}

// exactKeys rejects object keys that encoding/json only matched to a field of
// v by ignoring case.
func exactKeys(data []byte, v any) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
	}
	known := fieldNames(reflect.TypeOf(v).Elem(), make(map[string]struct{}))
	for key := range raw {
		if _, ok := known[key]; !ok {
			return fmt.Errorf("unknown field %q: %w", key, ErrSchemaMismatch)
		}
	}
	return nil
}

// fieldNames collects the JSON names of t's fields, descending into embedded structs.
func fieldNames(t reflect.Type, names map[string]struct{}) map[string]struct{} {
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			fieldNames(f.Type, names)
			continue
		}
		switch name {
		case "-":
		case "":
			names[f.Name] = struct{}{}
		default:
			names[name] = struct{}{}
		}
	}
	return names
}
