// Package notifier republishes the current state of every changed job.
package notifier

import (
	"context"
	"errors"
	"time"

	"observatory-jobs/core/apperr"
	"observatory-jobs/core/models"
	"observatory-jobs/core/repository"
	"observatory-jobs/logging"
)

//go:generate mockgen -destination=../../mocks/mock_publisher.go -package=mocks observatory-jobs/core/notifier Publisher

// Publisher delivers an envelope to a broadcast channel.
type Publisher interface {
	Publish(ctx context.Context, env models.Envelope) error
}

// Reader is the part of the job store the notifier needs.
type Reader interface {
	Get(ctx context.Context, key models.JobKey) (*models.Job, error)
}

// Notifier turns change records into job snapshots on a Publisher.
type Notifier struct {
	store          Reader
	pub            Publisher
	storeTimeout   time.Duration
	publishTimeout time.Duration
	logger         logging.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTimeouts bounds each store read and each publish.
func WithTimeouts(store, publish time.Duration) Option {
	return func(n *Notifier) {
		n.storeTimeout = store
		n.publishTimeout = publish
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option { return func(n *Notifier) { n.logger = l } }

// New creates a notifier reading from store and publishing to pub.
func New(store Reader, pub Publisher, opts ...Option) *Notifier {
	n := &Notifier{store: store, pub: pub, logger: logging.Nop()}
	for _, o := range opts {
		o(n)
	}
	return n
}

// HandleBatch processes records in order. Each key is re-read and, if it
// still exists, published; a deleted key produces nothing. A failure on one
// key does not stop the rest; the failed keys are returned in a
// *apperr.BatchError.
func (n *Notifier) HandleBatch(ctx context.Context, records []models.ChangeRecord) error {
	batch := &apperr.BatchError{Kind: apperr.KindUpstream, Op: "notify"}
	for _, rec := range records {
		if err := n.handle(ctx, rec); err != nil {
			batch.Add(rec.Key.String(), err)
			n.logger.Warn(ctx, "job change not broadcast", "key", rec.Key.String(), "error", err)
		}
	}
	return batch.ErrOrNil()
}

func (n *Notifier) handle(ctx context.Context, rec models.ChangeRecord) error {
	rctx, cancel := withTimeout(ctx, n.storeTimeout)
	job, err := n.store.Get(rctx, rec.Key)
	cancel()
	if errors.Is(err, repository.ErrNotFound) {
		n.logger.Debug(ctx, "changed job no longer exists", "key", rec.Key.String(), "change", string(rec.Type))
		return nil
	}
	if err != nil {
		return apperr.Storage("notify: read job", err)
	}

	pctx, cancel := withTimeout(ctx, n.publishTimeout)
	defer cancel()
	err = n.pub.Publish(pctx, models.Envelope{Topic: models.TopicJobs, Site: job.Site, Data: job})
	if err != nil {
		return apperr.Upstream("notify: publish", err)
	}
	return nil
}

// Run consumes feed until ctx is done. Per-key failures are logged and do
// not end the subscription.
func (n *Notifier) Run(ctx context.Context, feed repository.ChangeFeed) error {
	n.logger.Info(ctx, "change notifier started")
	err := feed.Subscribe(ctx, func(ctx context.Context, records []models.ChangeRecord) error {
		var be *apperr.BatchError
		if err := n.HandleBatch(ctx, records); errors.As(err, &be) {
			n.logger.Error(ctx, "change batch partially broadcast",
				"records", len(records), "failed", len(be.Failed), "failed_keys", be.Failed)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Backoff is the capped exponential wait between feed resubscriptions.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Supervise keeps the notifier subscribed until ctx is done. A feed that
// fails or ends is resubscribed after b.Delay(attempt); a subscription that
// stayed up for at least b.Max resets the attempt count.
func (n *Notifier) Supervise(ctx context.Context, feed repository.ChangeFeed, b Backoff) {
	attempt := 0
	for {
		started := time.Now()
		err := n.Run(ctx, feed)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= b.Max {
			attempt = 0
		}
		attempt++
		wait := b.Delay(attempt)
		n.logger.Error(ctx, "change feed stopped, resubscribing", "error", err, "attempt", attempt, "wait", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
