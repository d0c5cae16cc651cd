package job

import (
	"fmt"
	"time"
)

// Event is a signal that may move a job to another state.
type Event string

// Job events. Disconnect is raised by the hub, never by a provider request.
const (
	EventAccept     Event = "accept"
	EventReject     Event = "reject"
	EventCancel     Event = "cancel"
	EventComplete   Event = "complete"
	EventDisconnect Event = "disconnect"
)

// Apply returns the job that results from ev. The input job is not modified.
// result is only read for EventComplete.
func Apply(j Job, ev Event, at time.Time, result Result) (Job, error) {
	switch ev {
	case EventAccept:
		return Accept(j, at)
	case EventReject:
		return Reject(j, at)
	case EventCancel:
		return Cancel(j, at)
	case EventComplete:
		return Complete(j, at, result)
	case EventDisconnect:
		return Disconnect(j, at)
	default:
		return j, fmt.Errorf("unknown event %q: %w", ev, ErrInvalidTransition)
	}
}

// Accept moves a dispatched job to accepted.
func Accept(j Job, at time.Time) (Job, error) {
	if _, ok := j.status().(Dispatched); !ok {
		return j, invalid(j, EventAccept)
	}
	return j.with(Accepted{AcceptedAt: at}), nil
}

// Reject moves a dispatched job to rejected.
func Reject(j Job, at time.Time) (Job, error) {
	if _, ok := j.status().(Dispatched); !ok {
		return j, invalid(j, EventReject)
	}
	return j.with(Rejected{RejectedAt: at}), nil
}

// Cancel moves an accepted job to canceled.
func Cancel(j Job, at time.Time) (Job, error) {
	accepted, ok := j.status().(Accepted)
	if !ok {
		return j, invalid(j, EventCancel)
	}
	return j.with(Canceled{AcceptedAt: accepted.AcceptedAt, CanceledAt: at}), nil
}

// Complete records a result on an accepted or canceled job. Completing a
// canceled job is how a probe that was already in flight reports back.
func Complete(j Job, at time.Time, result Result) (Job, error) {
	if result == nil {
		return j, ErrMissingResult
	}
	var acceptedAt time.Time
	switch s := j.status().(type) {
	case Accepted:
		acceptedAt = s.AcceptedAt
	case Canceled:
		acceptedAt = s.AcceptedAt
	default:
		return j, invalid(j, EventComplete)
	}
	return j.with(Completed{AcceptedAt: acceptedAt, CompletedAt: at, Result: result}), nil
}

// Disconnect applies the automatic transition for a provider that went away:
// dispatched jobs are rejected and accepted jobs are canceled.
func Disconnect(j Job, at time.Time) (Job, error) {
	switch j.status().(type) {
	case Dispatched:
		return Reject(j, at)
	case Accepted:
		return Cancel(j, at)
	default:
		return j, invalid(j, EventDisconnect)
	}
}

// Recoverable reports whether a disconnect would change the job.
func Recoverable(s State) bool {
	return s == StateDispatched || s == StateAccepted
}

func (j Job) status() Status {
	if j.Status == nil {
		return Dispatched{}
	}
	return j.Status
}

func (j Job) with(s Status) Job {
	j.Status = s
	return j
}

func invalid(j Job, ev Event) error {
	return fmt.Errorf("%s job %s from %s: %w", ev, j.ID, j.State(), ErrInvalidTransition)
}
