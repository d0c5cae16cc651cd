// Package job defines the probe job value and the rules that move it between
// states. It has no dependencies on storage or transport.
package job

import (
	"errors"
	"time"
)

// State is the discriminant of a Job's status.
type State string

// Job states.
const (
	StateDispatched State = "dispatched"
	StateAccepted   State = "accepted"
	StateRejected   State = "rejected"
	StateCanceled   State = "canceled"
	StateCompleted  State = "completed"
)

// Valid reports whether s names a known state.
func (s State) Valid() bool {
	switch s {
	case StateDispatched, StateAccepted, StateRejected, StateCanceled, StateCompleted:
		return true
	default:
		return false
	}
}

// Terminal reports whether no event can move a job out of s.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCompleted
}

// Geo is the provider location captured when the job was dispatched.
type Geo struct {
	CountryCode string `json:"countryCode"`
	RegionCode  string `json:"regionCode"`
	ISPName     string `json:"ispName"`
}

// Status holds the fields that only exist in one state.
type Status interface {
	State() State
	isStatus()
}

// Dispatched is the initial status.
type Dispatched struct{}

// Accepted means the provider took the job and is probing.
type Accepted struct {
	AcceptedAt time.Time
}

// Rejected means the provider declined the job or vanished before accepting.
type Rejected struct {
	RejectedAt time.Time
}

// Canceled means an accepted job was abandoned. A late result may still arrive.
type Canceled struct {
	AcceptedAt time.Time
	CanceledAt time.Time
}

// Completed carries the probe result.
type Completed struct {
	AcceptedAt  time.Time
	CompletedAt time.Time
	Result      Result
}

func (Dispatched) State() State { return StateDispatched }
func (Accepted) State() State   { return StateAccepted }
func (Rejected) State() State   { return StateRejected }
func (Canceled) State() State   { return StateCanceled }
func (Completed) State() State  { return StateCompleted }

func (Dispatched) isStatus() {}
func (Accepted) isStatus()   {}
func (Rejected) isStatus()   {}
func (Canceled) isStatus()   {}
func (Completed) isStatus()  {}

// Job is one provider's unit of work for one query. ID, QueryID, ProviderID,
// DispatchedAt and Geo never change after creation.
type Job struct {
	ID           string
	QueryID      string
	ProviderID   string
	DispatchedAt time.Time
	Geo          Geo
	Status       Status
}

// New builds a job in the dispatched state.
func New(id, queryID, providerID string, dispatchedAt time.Time, geo Geo) Job {
	return Job{
		ID:           id,
		QueryID:      queryID,
		ProviderID:   providerID,
		DispatchedAt: dispatchedAt,
		Geo:          geo,
		Status:       Dispatched{},
	}
}

// State returns the job's current state. A job without a status is dispatched.
func (j Job) State() State {
	if j.Status == nil {
		return StateDispatched
	}
	return j.Status.State()
}

// ErrInvalidTransition is returned when an event is not allowed in the job's state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// ErrMissingResult is returned when completing a job without a result.
var ErrMissingResult = errors.New("job result is required")
