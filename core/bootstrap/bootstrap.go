// Package bootstrap assembles the job engine and its broadcast pipeline from
// configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"observatory-jobs/api/ws"
	"observatory-jobs/config"
	"observatory-jobs/core/authz"
	"observatory-jobs/core/notifier"
	"observatory-jobs/core/queue"
	"observatory-jobs/core/repository"
	"observatory-jobs/logging"
	awsprovider "observatory-jobs/providers/aws"
	"observatory-jobs/providers/calendar"
	redispub "observatory-jobs/providers/redis"

	goredis "github.com/redis/go-redis/v9"
)

// App holds everything the server and the CLI run on.
type App struct {
	Config      *config.Config
	Logger      logging.Logger
	Store       repository.JobStore
	Feed        repository.ChangeFeed
	Connections repository.ConnectionStore
	Engine      *queue.Engine
	Notifier    *notifier.Notifier
	// Hub is nil unless the self-hosted websocket broadcast is enabled.
	Hub *ws.Hub
	// Redis is nil unless REDIS_ADDR is set.
	Redis goredis.UniversalClient

	closers []func() error
}

// New builds an App. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.L()
	}
	app := &App{Config: cfg, Logger: logger}

	var awsClient *awsprovider.Client
	if cfg.StoreBackend == config.BackendDynamoDB || cfg.WebsocketURL != "" {
		c, err := awsprovider.NewClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			return nil, fmt.Errorf("aws client: %w", err)
		}
		awsClient = c
	}

	if err := app.openStore(ctx, awsClient); err != nil {
		app.Close()
		return nil, err
	}

	source := calendar.NewClient(cfg.ReservationURL, cfg.ReservationTimeout)
	gate := authz.NewGate(source, cfg.PrivilegedRoles,
		authz.WithTimeout(cfg.ReservationTimeout),
		authz.WithLogger(logger.With("component", "gate")),
	)
	app.Engine = queue.NewEngine(app.Store, gate,
		queue.Config{StoreTimeout: cfg.StoreTimeout},
		queue.WithLogger(logger.With("component", "queue")),
	)

	fanout := notifier.NewFanout(logger, app.targets(awsClient)...)
	if fanout.Len() == 0 {
		logger.Warn(ctx, "no broadcast targets configured, job changes will not be published")
	}
	app.Notifier = notifier.New(app.Store, fanout,
		notifier.WithTimeouts(cfg.StoreTimeout, cfg.PublishTimeout),
		notifier.WithLogger(logger.With("component", "notifier")),
	)
	return app, nil
}

func (a *App) openStore(ctx context.Context, awsClient *awsprovider.Client) error {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		a.Store = repository.NewDynamoStore(awsClient.DynamoDB, repository.DynamoTable{
			Name:         cfg.JobsTable,
			PrimaryIndex: cfg.PrimaryStatusIndex,
			ReplicaIndex: cfg.ReplicaStatusIndex,
		})
		a.Feed = awsprovider.NewStreamPoller(awsClient.Streams, awsClient.DynamoDB, cfg.JobsTable,
			cfg.StreamPollInterval, a.Logger.With("component", "streams"))
		a.Connections = repository.NewConnectionRepository(awsClient.DynamoDB, cfg.ConnectionsTable)

	case config.BackendPostgres:
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		store := repository.NewPostgresStore(db, cfg.NotifyChannel)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.Store = store
		a.Feed = repository.NewPostgresFeed(cfg.DatabaseURL, cfg.NotifyChannel, a.Logger.With("component", "listener"))
		a.Connections = repository.NewMemoryConnections()

	default:
		store := repository.NewMemoryStore()
		a.Store = store
		a.Feed = store
		a.Connections = repository.NewMemoryConnections()
	}
	a.Logger.Info(ctx, "job store ready", "backend", cfg.StoreBackend)
	return nil
}

func (a *App) targets(awsClient *awsprovider.Client) []notifier.Target {
	cfg := a.Config
	var targets []notifier.Target

	if cfg.WebsocketURL != "" && awsClient != nil {
		targets = append(targets, notifier.Target{
			Name: "apigateway",
			Publisher: awsprovider.NewWebsocketPublisher(awsClient.Management(cfg.WebsocketURL),
				a.Connections, a.Logger.With("component", "apigateway")),
		})
	}
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.Redis = client
		a.closers = append(a.closers, client.Close)
		targets = append(targets, notifier.Target{
			Name:      "redis",
			Publisher: redispub.NewPublisher(client, cfg.RedisChannelPrefix, a.Logger.With("component", "redis")),
		})
	}
	if cfg.EnableWebsocketHub {
		a.Hub = ws.NewHub(a.Logger.With("component", "hub"))
		a.closers = append(a.closers, func() error { a.Hub.Close(); return nil })
		targets = append(targets, notifier.Target{Name: "hub", Publisher: a.Hub})
	}
	return targets
}

// Close releases every connection the App opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
