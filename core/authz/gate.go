// Package authz decides who may issue commands to a site.
package authz

import (
	"context"
	"time"

	"observatory-jobs/core/apperr"
	"observatory-jobs/core/models"
	"observatory-jobs/logging"
)

//go:generate mockgen -destination=../../mocks/mock_reservation_source.go -package=mocks observatory-jobs/core/authz ReservationSource

// ReservationSource lists the reservations active at a site at an instant.
type ReservationSource interface {
	ActiveReservations(ctx context.Context, site string, at time.Time) ([]models.Reservation, error)
}

// Gate admits a caller when the site is unreserved, when the caller holds one
// of the active reservations, or when the caller has a privileged role.
type Gate struct {
	source     ReservationSource
	privileged []string
	timeout    time.Duration
	now        func() time.Time
	logger     logging.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// WithTimeout bounds each reservation lookup.
func WithTimeout(d time.Duration) Option { return func(g *Gate) { g.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option { return func(g *Gate) { g.logger = l } }

// NewGate creates a gate. Identities holding any of privilegedRoles bypass
// reservations.
func NewGate(source ReservationSource, privilegedRoles []string, opts ...Option) *Gate {
	g := &Gate{
		source:     source,
		privileged: privilegedRoles,
		now:        time.Now,
		logger:     logging.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// MayIssueCommands reports whether id may issue commands at site right now.
// A failed lookup is returned as an upstream error, never as a decision.
func (g *Gate) MayIssueCommands(ctx context.Context, id models.Identity, site string) (bool, error) {
	for _, role := range g.privileged {
		if id.HasRole(role) {
			return true, nil
		}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	reservations, err := g.source.ActiveReservations(ctx, site, g.now().UTC())
	if err != nil {
		return false, apperr.Upstream("reservation lookup", err)
	}
	if len(reservations) == 0 {
		return true, nil
	}
	for _, r := range reservations {
		if id.UserID != "" && r.CreatorID == id.UserID {
			return true, nil
		}
	}
	g.logger.Info(ctx, "command blocked by reservation",
		"site", site, "user_id", id.UserID, "reservations", len(reservations))
	return false, nil
}
