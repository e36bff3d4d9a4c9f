package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
)

// Client is the AWS provider client
type Client struct {
	DynamoDB *dynamodb.Client
	Streams  *dynamodbstreams.Client
	cfg      aws.Config
}

// NewClient creates a new AWS client. A non-empty endpoint overrides the
// DynamoDB and DynamoDB Streams endpoints, e.g. for DynamoDB Local.
func NewClient(ctx context.Context, region, endpoint string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}

	return &Client{
		DynamoDB: dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		Streams: dynamodbstreams.NewFromConfig(cfg, func(o *dynamodbstreams.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		cfg: cfg,
	}, nil
}

// Management returns an API Gateway management client for the websocket API
// at url, e.g. https://abc123.execute-api.us-east-1.amazonaws.com/dev.
func (c *Client) Management(url string) *apigatewaymanagementapi.Client {
	return apigatewaymanagementapi.NewFromConfig(c.cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(url)
	})
}
