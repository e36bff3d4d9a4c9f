package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"observatory-jobs/core/models"
	"observatory-jobs/logging"

	"github.com/lib/pq"
)

// PostgresFeed turns the NOTIFY messages of the jobs trigger into change
// records.
type PostgresFeed struct {
	dsn     string
	channel string
	logger  logging.Logger
	seq     uint64
}

// NewPostgresFeed creates a feed listening on channel.
func NewPostgresFeed(dsn, channel string, logger logging.Logger) *PostgresFeed {
	if logger == nil {
		logger = logging.Nop()
	}
	return &PostgresFeed{dsn: dsn, channel: channel, logger: logger}
}

type notifyPayload struct {
	Op   string `json:"op"`
	Site string `json:"site"`
	ULID string `json:"ulid"`
}

func (f *PostgresFeed) Subscribe(ctx context.Context, handle ChangeHandler) error {
	listener := pq.NewListener(f.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			f.logger.Warn(ctx, "postgres listener event", "event", int(ev), "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(f.channel); err != nil {
		return err
	}
	f.logger.Info(ctx, "listening for job changes", "channel", f.channel)

	idle := time.NewTicker(90 * time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			// nil after a reconnect; anything sent meanwhile is lost
			if n == nil {
				f.logger.Warn(ctx, "postgres listener reconnected, changes may have been missed")
				continue
			}
			rec, ok := f.decode(n.Extra)
			if !ok {
				f.logger.Warn(ctx, "unreadable job change notification", "payload", n.Extra)
				continue
			}
			if err := handle(ctx, []models.ChangeRecord{rec}); err != nil {
				return err
			}
		case <-idle.C:
			go listener.Ping()
		}
	}
}

func (f *PostgresFeed) decode(payload string) (models.ChangeRecord, bool) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Site == "" || p.ULID == "" {
		return models.ChangeRecord{}, false
	}
	f.seq++
	return models.ChangeRecord{
		Type:     changeTypeFromOp(p.Op),
		Key:      models.JobKey{Site: p.Site, JobID: p.ULID},
		Sequence: strconv.FormatUint(f.seq, 10),
	}, true
}

func changeTypeFromOp(op string) models.ChangeType {
	switch op {
	case "INSERT":
		return models.ChangeInsert
	case "DELETE":
		return models.ChangeRemove
	default:
		return models.ChangeModify
	}
}
