package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"observatory-jobs/core/models"
	"observatory-jobs/core/repository"
	"observatory-jobs/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
)

// ManagementAPI posts to API Gateway websocket connections.
type ManagementAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, opts ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// WebsocketPublisher sends every envelope to every registered connection.
// Connections the gateway reports as gone are removed from the registry.
type WebsocketPublisher struct {
	api    ManagementAPI
	conns  repository.ConnectionStore
	logger logging.Logger
}

// NewWebsocketPublisher creates a publisher
func NewWebsocketPublisher(api ManagementAPI, conns repository.ConnectionStore, logger logging.Logger) *WebsocketPublisher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &WebsocketPublisher{api: api, conns: conns, logger: logger}
}

func (p *WebsocketPublisher) Publish(ctx context.Context, env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ids, err := p.conns.List(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}

	failed := 0
	for _, id := range ids {
		_, err := p.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
			ConnectionId: aws.String(id),
			Data:         data,
		})
		if err == nil {
			continue
		}
		var gone *types.GoneException
		if errors.As(err, &gone) {
			if rerr := p.conns.Remove(ctx, id); rerr != nil {
				p.logger.Warn(ctx, "could not remove stale connection", "connection_id", id, "error", rerr)
			}
			continue
		}
		failed++
		p.logger.Warn(ctx, "post to connection failed", "connection_id", id, "error", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d connections failed", failed, len(ids))
	}
	return nil
}
