package repository

import (
	"context"

	"observatory-jobs/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ConnectionRepository keeps websocket connection ids in a DynamoDB table
// keyed by ConnectionID.
type ConnectionRepository struct {
	client DynamoAPI
	table  string
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(client DynamoAPI, table string) *ConnectionRepository {
	return &ConnectionRepository{client: client, table: table}
}

// Add registers a connection
func (r *ConnectionRepository) Add(ctx context.Context, connectionID string) error {
	item, err := attributevalue.MarshalMap(models.Connection{ConnectionID: connectionID})
	if err != nil {
		return err
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      item,
	})
	return err
}

// Remove forgets a connection
func (r *ConnectionRepository) Remove(ctx context.Context, connectionID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			"ConnectionID": &types.AttributeValueMemberS{Value: connectionID},
		},
	})
	return err
}

// List returns every registered connection id
func (r *ConnectionRepository) List(ctx context.Context) ([]string, error) {
	var (
		ids   []string
		start map[string]types.AttributeValue
	)
	for {
		out, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(r.table),
			ProjectionExpression: aws.String("ConnectionID"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return nil, err
		}
		var conns []models.Connection
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &conns); err != nil {
			return nil, err
		}
		for _, c := range conns {
			ids = append(ids, c.ConnectionID)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return ids, nil
		}
		start = out.LastEvaluatedKey
	}
}
