package protocol

import (
	"encoding/json"
	"time"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/probe"
)

// TimeLayout is the timestamp format of every outbound message.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// DispatchJob is pushed to a provider when it is given a job.
type DispatchJob struct {
	JobID    string         `json:"jobId"`
	QueryID  string         `json:"queryId"`
	Protocol probe.Protocol `json:"protocol"`
	Hostname string         `json:"hostname"`
	Port     *int           `json:"port"`
	Pathname string         `json:"pathname"`
	Search   string         `json:"search"`
}

// NewDispatchJob converts an assignment to its wire form.
func NewDispatchJob(a probe.Assignment) DispatchJob {
	return DispatchJob{
		JobID:    a.JobID,
		QueryID:  a.QueryID,
		Protocol: a.Target.Protocol,
		Hostname: a.Target.Hostname,
		Port:     a.Target.Port,
		Pathname: a.Target.Pathname,
		Search:   a.Target.Search,
	}
}

// QueryMessage is the caller-facing view of a query.
type QueryMessage struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Protocol  probe.Protocol `json:"protocol"`
	Hostname  string         `json:"hostname"`
	Port      *int           `json:"port"`
	Pathname  string         `json:"pathname"`
	Search    string         `json:"search"`
}

// NewQueryMessage converts a query. The submitting API client is not exposed.
func NewQueryMessage(q probe.Query) QueryMessage {
	return QueryMessage{
		ID:        q.ID,
		Timestamp: formatTime(q.CreatedAt),
		Protocol:  q.Target.Protocol,
		Hostname:  q.Target.Hostname,
		Port:      q.Target.Port,
		Pathname:  q.Target.Pathname,
		Search:    q.Target.Search,
	}
}

// JobMessage is the caller-facing view of a job. The owning provider is not
// exposed; callers only see where the probe ran from.
type JobMessage struct {
	ID                string          `json:"id"`
	QueryID           string          `json:"queryId"`
	JobState          job.State       `json:"jobState"`
	DispatchTimestamp string          `json:"dispatchTimestamp"`
	CountryCode       string          `json:"countryCode"`
	RegionCode        string          `json:"regionCode"`
	ISPName           string          `json:"ispName"`
	AcceptTimestamp   string          `json:"acceptTimestamp,omitempty"`
	RejectTimestamp   string          `json:"rejectTimestamp,omitempty"`
	CancelTimestamp   string          `json:"cancelTimestamp,omitempty"`
	CompleteTimestamp string          `json:"completeTimestamp,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
}

// NewJobMessage converts a job, including only the fields of its state.
func NewJobMessage(j job.Job) (JobMessage, error) {
	msg := JobMessage{
		ID:                j.ID,
		QueryID:           j.QueryID,
		JobState:          j.State(),
		DispatchTimestamp: formatTime(j.DispatchedAt),
		CountryCode:       j.Geo.CountryCode,
		RegionCode:        j.Geo.RegionCode,
		ISPName:           j.Geo.ISPName,
	}
	switch s := j.Status.(type) {
	case job.Accepted:
		msg.AcceptTimestamp = formatTime(s.AcceptedAt)
	case job.Rejected:
		msg.RejectTimestamp = formatTime(s.RejectedAt)
	case job.Canceled:
		msg.AcceptTimestamp = formatTime(s.AcceptedAt)
		msg.CancelTimestamp = formatTime(s.CanceledAt)
	case job.Completed:
		msg.AcceptTimestamp = formatTime(s.AcceptedAt)
		msg.CompleteTimestamp = formatTime(s.CompletedAt)
		raw, err := job.MarshalResult(s.Result)
		if err != nil {
			return JobMessage{}, err
		}
		msg.Result = raw
	}
	return msg, nil
}

// JobDelete announces a removed job.
type JobDelete struct {
	JobID   string `json:"jobId"`
	QueryID string `json:"queryId"`
}

// JobList is the full set of jobs for one query.
type JobList struct {
	QueryID string       `json:"queryId"`
	Jobs    []JobMessage `json:"jobs"`
}

// NewJobList converts every job of a query.
func NewJobList(queryID string, jobs []job.Job) (JobList, error) {
	list := JobList{QueryID: queryID, Jobs: make([]JobMessage, 0, len(jobs))}
	for _, j := range jobs {
		msg, err := NewJobMessage(j)
		if err != nil {
			return JobList{}, err
		}
		list.Jobs = append(list.Jobs, msg)
	}
	return list, nil
}

// HostnameQueries answers get-hostname-queries.
type HostnameQueries struct {
	Hostname string         `json:"hostname"`
	Queries  []QueryMessage `json:"queries"`
}

// ProvidersCount reports how many providers are connected.
type ProvidersCount struct {
	Count int `json:"count"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}
