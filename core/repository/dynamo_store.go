package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"observatory-jobs/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// maxBatchWrite is the BatchWriteItem request limit.
const maxBatchWrite = 25

// DynamoAPI is the subset of the DynamoDB client the stores use.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoTable names the table and its two status indexes.
type DynamoTable struct {
	Name         string
	PrimaryIndex string
	ReplicaIndex string
}

func (t DynamoTable) indexName(idx models.StatusIndex) string {
	if idx == models.ReplicaIndex {
		return t.ReplicaIndex
	}
	return t.PrimaryIndex
}

// DynamoStore is the production JobStore. The table is keyed by site (hash)
// and ulid (range); each status index is a GSI on site + its tag attribute.
type DynamoStore struct {
	client DynamoAPI
	table  DynamoTable
}

// NewDynamoStore creates a store over an existing table.
func NewDynamoStore(client DynamoAPI, table DynamoTable) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) Put(ctx context.Context, job *models.Job) error {
	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.Key(), err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table.Name),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(ulid)"),
	})
	if isConditionFailed(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *DynamoStore) Get(ctx context.Context, key models.JobKey) (*models.Job, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table.Name),
		Key:            dynamoKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return decodeJob(out.Item)
}

func (s *DynamoStore) UpdateStatus(ctx context.Context, key models.JobKey, idx models.StatusIndex, tag string, eta *int) (*models.Job, error) {
	expr := "SET #tag = :tag"
	values := map[string]types.AttributeValue{
		":tag": &types.AttributeValueMemberS{Value: tag},
	}
	if eta != nil {
		expr += ", secondsUntilComplete = :eta"
		values[":eta"] = &types.AttributeValueMemberN{Value: fmt.Sprint(*eta)}
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table.Name),
		Key:                       dynamoKey(key),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(ulid)"),
		ExpressionAttributeNames:  map[string]string{"#tag": idx.Attribute()},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(out.Attributes)
}

func (s *DynamoStore) Delete(ctx context.Context, key models.JobKey) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table.Name),
		Key:       dynamoKey(key),
	})
	return err
}

// DeleteMany removes keys with BatchWriteItem, 25 at a time. Keys the service
// leaves unprocessed, or that belong to a chunk whose request failed, are
// returned as failed.
func (s *DynamoStore) DeleteMany(ctx context.Context, keys []models.JobKey) ([]models.JobKey, error) {
	var (
		failed  []models.JobKey
		lastErr error
	)
	for start := 0; start < len(keys); start += maxBatchWrite {
		end := start + maxBatchWrite
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		reqs := make([]types.WriteRequest, 0, len(chunk))
		for _, k := range chunk {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: dynamoKey(k)},
			})
		}
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table.Name: reqs},
		})
		if err != nil {
			failed = append(failed, chunk...)
			lastErr = err
			continue
		}
		for _, r := range out.UnprocessedItems[s.table.Name] {
			if r.DeleteRequest == nil {
				continue
			}
			var k models.JobKey
			if err := attributevalue.UnmarshalMap(r.DeleteRequest.Key, &k); err == nil {
				failed = append(failed, k)
			}
		}
	}
	if len(failed) > 0 && lastErr == nil {
		lastErr = fmt.Errorf("%d deletes left unprocessed", len(failed))
	}
	return failed, lastErr
}

func (s *DynamoStore) QueryFrom(ctx context.Context, site, floor string, page PageRequest) (Page, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table.Name),
		KeyConditionExpression: aws.String("#site = :site AND ulid >= :floor"),
		ExpressionAttributeNames: map[string]string{
			"#site": "site",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":site":  &types.AttributeValueMemberS{Value: site},
			":floor": &types.AttributeValueMemberS{Value: floor},
		},
		ConsistentRead: aws.Bool(true),
	}
	return s.query(ctx, in, page)
}

func (s *DynamoStore) QueryBefore(ctx context.Context, site, before string, page PageRequest) (Page, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table.Name),
		KeyConditionExpression: aws.String("#site = :site AND ulid < :before"),
		ExpressionAttributeNames: map[string]string{
			"#site": "site",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":site":   &types.AttributeValueMemberS{Value: site},
			":before": &types.AttributeValueMemberS{Value: before},
		},
		ConsistentRead: aws.Bool(true),
	}
	return s.query(ctx, in, page)
}

func (s *DynamoStore) QueryByStatus(ctx context.Context, site string, idx models.StatusIndex, prefix string, page PageRequest) (Page, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table.Name),
		IndexName:              aws.String(s.table.indexName(idx)),
		KeyConditionExpression: aws.String("#site = :site AND begins_with(#tag, :prefix)"),
		ExpressionAttributeNames: map[string]string{
			"#site": "site",
			"#tag":  idx.Attribute(),
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":site":   &types.AttributeValueMemberS{Value: site},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	}
	return s.query(ctx, in, page)
}

func (s *DynamoStore) query(ctx context.Context, in *dynamodb.QueryInput, page PageRequest) (Page, error) {
	in.Limit = aws.Int32(int32(pageLimit(page)))
	if page.After != "" {
		start, err := decodeCursor(page.After)
		if err != nil {
			return Page{}, err
		}
		in.ExclusiveStartKey = start
	}

	out, err := s.client.Query(ctx, in)
	if err != nil {
		return Page{}, err
	}

	var result Page
	for _, item := range out.Items {
		job, err := decodeJob(item)
		if err != nil {
			return Page{}, err
		}
		result.Jobs = append(result.Jobs, job)
	}
	if len(out.LastEvaluatedKey) > 0 {
		if result.Next, err = encodeCursor(out.LastEvaluatedKey); err != nil {
			return Page{}, err
		}
	}
	return result, nil
}

func dynamoKey(key models.JobKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"site": &types.AttributeValueMemberS{Value: key.Site},
		"ulid": &types.AttributeValueMemberS{Value: key.JobID},
	}
}

func decodeJob(item map[string]types.AttributeValue) (*models.Job, error) {
	var job models.Job
	if err := attributevalue.UnmarshalMap(item, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return job.Normalize(), nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// Cursors carry a LastEvaluatedKey, whose attributes are all strings here.
func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	var flat map[string]string
	if err := attributevalue.UnmarshalMap(key, &flat); err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var flat map[string]string
	if err := json.Unmarshal(b, &flat); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return attributevalue.MarshalMap(flat)
}
