// Package redis broadcasts job envelopes over Redis pub/sub. Each site has
// its own channel, {prefix}:{site}.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"observatory-jobs/core/models"
	"observatory-jobs/logging"

	"github.com/redis/go-redis/v9"
)

// publisher is the part of redis.Cmdable the Publisher needs.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher implements notifier.Publisher on Redis PUBLISH.
type Publisher struct {
	client publisher
	prefix string
	logger logging.Logger
}

// NewPublisher creates a publisher. The caller owns the client lifecycle.
func NewPublisher(client publisher, prefix string, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Publisher{client: client, prefix: prefix, logger: logger}
}

// Channel returns the channel name for site.
func Channel(prefix, site string) string { return prefix + ":" + site }

func (p *Publisher) Publish(ctx context.Context, env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	n, err := p.client.Publish(ctx, Channel(p.prefix, env.Site), data).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	p.logger.Debug(ctx, "job broadcast on redis", "site", env.Site, "receivers", n)
	return nil
}

// Watch calls fn for every envelope published for site, or for every site
// when site is empty, until ctx is done.
func Watch(ctx context.Context, client redis.UniversalClient, prefix, site string, fn func(models.Envelope)) error {
	var sub *redis.PubSub
	if site == "" {
		sub = client.PSubscribe(ctx, Channel(prefix, "*"))
	} else {
		sub = client.Subscribe(ctx, Channel(prefix, site))
	}
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env models.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			fn(env)
		}
	}
}
