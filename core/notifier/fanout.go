package notifier

import (
	"context"
	"errors"
	"fmt"

	"observatory-jobs/core/models"
	"observatory-jobs/logging"

	"golang.org/x/sync/errgroup"
)

// Target is a named Publisher.
type Target struct {
	Name string
	Publisher
}

// Fanout publishes every envelope to all targets concurrently. Every target
// is attempted and all failures are joined into the returned error.
type Fanout struct {
	targets []Target
	logger  logging.Logger
}

// NewFanout creates a fan-out over targets.
func NewFanout(logger logging.Logger, targets ...Target) *Fanout {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Fanout{targets: targets, logger: logger}
}

// Len is the number of targets.
func (f *Fanout) Len() int { return len(f.targets) }

func (f *Fanout) Publish(ctx context.Context, env models.Envelope) error {
	var g errgroup.Group
	errs := make([]error, len(f.targets))
	for i, t := range f.targets {
		i, t := i, t
		g.Go(func() error {
			if err := t.Publish(ctx, env); err != nil {
				f.logger.Warn(ctx, "broadcast target failed", "target", t.Name, "site", env.Site, "error", err)
				errs[i] = fmt.Errorf("%s: %w", t.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
