package repository

import (
	"context"
	"errors"

	"observatory-jobs/core/models"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("repository: job not found")
	// ErrAlreadyExists is returned by Put when the key is taken.
	ErrAlreadyExists = errors.New("repository: job already exists")
)

// DefaultPageSize bounds a single query round trip.
const DefaultPageSize = 100

// PageRequest asks for at most Limit jobs following the cursor After, which
// is the Next value of a previous page. Zero Limit means DefaultPageSize.
type PageRequest struct {
	Limit int
	After string
}

// Page is one slice of an ordered result. Next is empty on the last page.
type Page struct {
	Jobs []*models.Job
	Next string
}

// JobStore is an ordered key-value table keyed by (site, job id) with two
// independently maintained status indexes.
type JobStore interface {
	// Put writes a new record. It fails with ErrAlreadyExists if the key is taken.
	Put(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, key models.JobKey) (*models.Job, error)
	// UpdateStatus atomically rewrites one index's tag on one existing record.
	// A nil eta leaves secondsUntilComplete untouched.
	UpdateStatus(ctx context.Context, key models.JobKey, idx models.StatusIndex, tag string, eta *int) (*models.Job, error)
	Delete(ctx context.Context, key models.JobKey) error
	// QueryFrom returns the site's jobs whose id is >= floor, ascending.
	QueryFrom(ctx context.Context, site, floor string, page PageRequest) (Page, error)
	// QueryBefore returns the site's jobs whose id is < before, ascending.
	QueryBefore(ctx context.Context, site, before string, page PageRequest) (Page, error)
	// QueryByStatus returns the site's jobs whose tag on idx starts with prefix.
	QueryByStatus(ctx context.Context, site string, idx models.StatusIndex, prefix string, page PageRequest) (Page, error)
}

// BatchDeleter is implemented by stores that can remove many keys per round
// trip. Failed holds the keys that were not removed.
type BatchDeleter interface {
	DeleteMany(ctx context.Context, keys []models.JobKey) (failed []models.JobKey, err error)
}

// ChangeHandler receives feed records in delivery order.
type ChangeHandler func(ctx context.Context, records []models.ChangeRecord) error

// ChangeFeed delivers store mutations. Subscribe blocks until ctx is done or
// the feed fails.
type ChangeFeed interface {
	Subscribe(ctx context.Context, handle ChangeHandler) error
}

// ConnectionStore is the registry of websocket connections to broadcast to.
type ConnectionStore interface {
	Add(ctx context.Context, connectionID string) error
	Remove(ctx context.Context, connectionID string) error
	List(ctx context.Context) ([]string, error)
}

func pageLimit(p PageRequest) int {
	if p.Limit <= 0 {
		return DefaultPageSize
	}
	return p.Limit
}
