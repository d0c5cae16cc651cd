package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/open-website-status/internal/job"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageProviderConnected    Stage = "PROVIDER_CONNECTED"
	StageProviderDisconnected Stage = "PROVIDER_DISCONNECTED"
	StageQueryDispatched      Stage = "QUERY_DISPATCHED"
	StageJobCreated           Stage = "JOB_CREATED"
	StageJobTransition        Stage = "JOB_TRANSITION"
	StageJobRecovered         Stage = "JOB_RECOVERED"
	StageJobRemoved           Stage = "JOB_REMOVED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for completed probes.
const (
	Status1xx   StatusClass = "1xx"
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step in the life of a provider, query or job.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time `json:"ts"`
	Stage Stage     `json:"stage"`

	ProviderID string `json:"providerId,omitempty"`
	QueryID    string `json:"queryId,omitempty"`
	JobID      string `json:"jobId,omitempty"`
	// Hostname scopes query and job events to the probed site.
	Hostname string `json:"hostname,omitempty"`

	// From and To are set on transitions and recoveries.
	From  job.State `json:"from,omitempty"`
	To    job.State `json:"to,omitempty"`
	Event job.Event `json:"event,omitempty"`

	// Result and StatusClass describe the outcome of completed jobs.
	Result      job.ResultKind `json:"result,omitempty"`
	StatusClass StatusClass    `json:"statusClass,omitempty"`
	// Dur is the probe execution time for completions and the fan-out time
	// for dispatches.
	Dur time.Duration `json:"durMs,omitempty"`
	// Jobs is the fan-out size of a dispatch.
	Jobs int `json:"jobs,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageProviderConnected, StageProviderDisconnected:
		if e.ProviderID == "" {
			return errors.New("provider events require provider id")
		}
	case StageQueryDispatched:
		if e.QueryID == "" {
			return errors.New("dispatch requires query id")
		}
		if e.Jobs < 0 {
			return errors.New("jobs must be >= 0")
		}
	case StageJobCreated, StageJobRemoved:
		if e.JobID == "" {
			return errors.New("job events require job id")
		}
	case StageJobTransition, StageJobRecovered:
		if e.JobID == "" {
			return errors.New("job events require job id")
		}
		if !e.To.Valid() {
			return fmt.Errorf("transition target %q is not a job state", e.To)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for completed probes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 100 && code < 200:
		return Status1xx
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// Outcome fills the result fields of e from a completion result.
func (e Event) Outcome(r job.Result) Event {
	if r == nil {
		return e
	}
	e.Result = r.Kind()
	switch res := r.(type) {
	case job.Success:
		e.StatusClass = ClassifyStatus(res.HTTPCode)
		e.Dur = millis(res.ExecutionTime)
	case job.Timeout:
		e.Dur = millis(res.ExecutionTime)
	case job.Failure:
		e.Note = res.ErrorCode
	}
	return e
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
