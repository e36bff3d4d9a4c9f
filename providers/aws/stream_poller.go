package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"observatory-jobs/core/models"
	"observatory-jobs/core/repository"
	"observatory-jobs/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"golang.org/x/sync/errgroup"
)

// StreamsAPI is the subset of the DynamoDB Streams client the poller uses.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, opts ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, opts ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, opts ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// TableDescriber finds the stream attached to a table.
type TableDescriber interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// StreamPoller is a repository.ChangeFeed over the jobs table's DynamoDB
// stream. Each open shard is polled by its own goroutine; handler calls are
// serialized.
type StreamPoller struct {
	streams  StreamsAPI
	tables   TableDescriber
	table    string
	interval time.Duration
	refresh  time.Duration
	logger   logging.Logger
}

// NewStreamPoller creates a poller for table's stream. interval is the idle
// wait between GetRecords calls on a quiet shard.
func NewStreamPoller(streams StreamsAPI, tables TableDescriber, table string, interval time.Duration, logger logging.Logger) *StreamPoller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &StreamPoller{
		streams:  streams,
		tables:   tables,
		table:    table,
		interval: interval,
		refresh:  time.Minute,
		logger:   logger,
	}
}

var _ repository.ChangeFeed = (*StreamPoller)(nil)

func (p *StreamPoller) Subscribe(ctx context.Context, handle repository.ChangeHandler) error {
	arn, err := p.streamArn(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	deliver := func(recs []models.ChangeRecord) error {
		mu.Lock()
		defer mu.Unlock()
		return handle(gctx, recs)
	}

	g.Go(func() error {
		seen := make(map[string]bool)
		first := true
		ticker := time.NewTicker(p.refresh)
		defer ticker.Stop()
		for {
			shards, err := p.shards(gctx, arn)
			if err != nil {
				return err
			}
			for _, s := range shards {
				id := aws.ToString(s.ShardId)
				if seen[id] {
					continue
				}
				seen[id] = true
				closed := s.SequenceNumberRange != nil && s.SequenceNumberRange.EndingSequenceNumber != nil
				if first && closed {
					continue
				}
				// shards found after start are read from their beginning
				start := types.ShardIteratorTypeTrimHorizon
				if first {
					start = types.ShardIteratorTypeLatest
				}
				g.Go(func() error { return p.pollShard(gctx, arn, id, start, deliver) })
			}
			first = false

			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

func (p *StreamPoller) streamArn(ctx context.Context) (string, error) {
	out, err := p.tables.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(p.table)})
	if err != nil {
		return "", fmt.Errorf("describe table %s: %w", p.table, err)
	}
	if out.Table == nil || out.Table.LatestStreamArn == nil {
		return "", fmt.Errorf("table %s has no stream enabled", p.table)
	}
	return aws.ToString(out.Table.LatestStreamArn), nil
}

func (p *StreamPoller) shards(ctx context.Context, arn string) ([]types.Shard, error) {
	var (
		all   []types.Shard
		after *string
	)
	for {
		out, err := p.streams.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(arn),
			ExclusiveStartShardId: after,
		})
		if err != nil {
			return nil, fmt.Errorf("describe stream: %w", err)
		}
		if out.StreamDescription == nil {
			return all, nil
		}
		all = append(all, out.StreamDescription.Shards...)
		after = out.StreamDescription.LastEvaluatedShardId
		if after == nil {
			return all, nil
		}
	}
}

func (p *StreamPoller) pollShard(ctx context.Context, arn, shardID string, start types.ShardIteratorType, deliver func([]models.ChangeRecord) error) error {
	iter, err := p.iterator(ctx, arn, shardID, start, "")
	if err != nil {
		return err
	}
	p.logger.Debug(ctx, "polling stream shard", "shard", shardID)

	var lastSeq string
	for iter != nil {
		out, err := p.streams.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{ShardIterator: iter})
		var expired *types.ExpiredIteratorException
		if errors.As(err, &expired) {
			if lastSeq != "" {
				iter, err = p.iterator(ctx, arn, shardID, types.ShardIteratorTypeAfterSequenceNumber, lastSeq)
			} else {
				iter, err = p.iterator(ctx, arn, shardID, types.ShardIteratorTypeLatest, "")
			}
			if err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("get records on %s: %w", shardID, err)
		}

		recs := ChangesFromStream(out.Records)
		if len(recs) > 0 {
			lastSeq = recs[len(recs)-1].Sequence
			if err := deliver(recs); err != nil {
				return err
			}
		}
		iter = out.NextShardIterator

		if len(out.Records) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.interval):
			}
		}
	}
	p.logger.Debug(ctx, "stream shard closed", "shard", shardID)
	return nil
}

func (p *StreamPoller) iterator(ctx context.Context, arn, shardID string, kind types.ShardIteratorType, seq string) (*string, error) {
	in := &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(arn),
		ShardId:           aws.String(shardID),
		ShardIteratorType: kind,
	}
	if seq != "" {
		in.SequenceNumber = aws.String(seq)
	}
	out, err := p.streams.GetShardIterator(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("shard iterator %s: %w", shardID, err)
	}
	return out.ShardIterator, nil
}

// ChangesFromStream converts stream records to change records. Records that
// do not carry a site/ulid key are dropped.
func ChangesFromStream(records []types.Record) []models.ChangeRecord {
	out := make([]models.ChangeRecord, 0, len(records))
	for _, r := range records {
		if r.Dynamodb == nil {
			continue
		}
		site, ok1 := stringAttr(r.Dynamodb.Keys, "site")
		id, ok2 := stringAttr(r.Dynamodb.Keys, "ulid")
		if !ok1 || !ok2 {
			continue
		}
		out = append(out, models.ChangeRecord{
			Type:     changeType(r.EventName),
			Key:      models.JobKey{Site: site, JobID: id},
			Sequence: aws.ToString(r.Dynamodb.SequenceNumber),
		})
	}
	return out
}

func stringAttr(m map[string]types.AttributeValue, name string) (string, bool) {
	v, ok := m[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}

func changeType(op types.OperationType) models.ChangeType {
	switch op {
	case types.OperationTypeInsert:
		return models.ChangeInsert
	case types.OperationTypeRemove:
		return models.ChangeRemove
	default:
		return models.ChangeModify
	}
}
