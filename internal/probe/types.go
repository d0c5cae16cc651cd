package probe

import (
	"strconv"
	"strings"
	"time"
)

// Protocol is the URL scheme of a query.
type Protocol string

// Supported protocols.
const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// Valid reports whether p is http or https.
func (p Protocol) Valid() bool {
	return p == ProtocolHTTP || p == ProtocolHTTPS
}

// Target is the URL a query checks, split into its parts.
type Target struct {
	Protocol Protocol
	Hostname string
	Port     *int
	Pathname string
	Search   string
}

// URL renders the target back into a URL string.
func (t Target) URL() string {
	var b strings.Builder
	b.WriteString(string(t.Protocol))
	b.WriteString("://")
	b.WriteString(t.Hostname)
	if t.Port != nil {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(*t.Port))
	}
	b.WriteString(t.Pathname)
	b.WriteString(t.Search)
	return b.String()
}

// Query is a request to check one URL. It is never modified after creation.
type Query struct {
	ID          string
	CreatedAt   time.Time
	Target      Target
	APIClientID string // empty for website submissions
}

// Provider is a registered probing agent.
type Provider struct {
	ID        string
	UserID    string
	Token     string
	Name      string
	CreatedAt time.Time
}

// APIClient is a registered programmatic submitter.
type APIClient struct {
	ID        string
	UserID    string
	Token     string
	Name      string
	CreatedAt time.Time
}

// NormalizeHostname lowercases a hostname so topics and lookups agree.
func NormalizeHostname(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// Assignment is the work order pushed to a provider for one job.
type Assignment struct {
	JobID   string
	QueryID string
	Target  Target
}
