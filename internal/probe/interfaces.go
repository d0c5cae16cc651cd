package probe

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/open-website-status/internal/job"
)

var (
	// ErrNotFound is returned by a Store when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned by ReplaceJob when the persisted job is no
	// longer in the expected state.
	ErrStateConflict = errors.New("job state changed concurrently")
	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the document store behind the hub.
type Store interface {
	FindProviderByToken(ctx context.Context, token string) (Provider, error)
	FindAPIClientByToken(ctx context.Context, token string) (APIClient, error)

	CreateQuery(ctx context.Context, q Query) error
	FindQueryByID(ctx context.Context, id string) (Query, error)
	FindQueriesByHostname(ctx context.Context, hostname string) ([]Query, error)

	CreateJob(ctx context.Context, j job.Job) error
	// ReplaceJob overwrites the job only if its persisted state is still expected.
	ReplaceJob(ctx context.Context, j job.Job, expected job.State) error
	FindJobByID(ctx context.Context, id string) (job.Job, error)
	FindJobsByProviderID(ctx context.Context, providerID string) ([]job.Job, error)
	FindJobsByQueryID(ctx context.Context, queryID string) ([]job.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// Geolocator resolves the location of a network address.
type Geolocator interface {
	Locate(ctx context.Context, address string) (job.Geo, error)
}

// CaptchaVerifier checks a CAPTCHA response token.
type CaptchaVerifier interface {
	Verify(ctx context.Context, response, remoteAddr string) (bool, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
