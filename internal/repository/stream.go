package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	streamsav "github.com/aws/aws-sdk-go-v2/feature/dynamodbstreams/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"go.uber.org/zap"

	"github.com/cattybeo/inventory-dashboard/internal/domain"
)

// ChangeEvent mirrors one committed change on the products table. OldValue is
// nil for inserts, NewValue is nil for removes.
type ChangeEvent struct {
	EventType string          `json:"event_type"` // INSERT, MODIFY, REMOVE
	NewValue  *domain.Product `json:"new_value,omitempty"`
	OldValue  *domain.Product `json:"old_value,omitempty"`
}

type ChangeHandler func(ChangeEvent)

var errStreamDisabled = errors.New("stream not enabled on table")

type changeSubscription struct {
	filter  string // "" or "*" delivers everything
	handler ChangeHandler
}

// StreamSubscriber tails the products table's DynamoDB stream and fans each
// committed change out to registered handlers. It keeps polling through
// transient failures: a broken shard iterator is re-acquired after a backoff,
// and new shards are picked up on the next discovery pass, so subscribers ride
// out reconnects without resubscribing.
type StreamSubscriber struct {
	db      *dynamodb.Client
	streams *dynamodbstreams.Client
	table   string
	logger  *zap.Logger

	pollInterval time.Duration
	errorBackoff time.Duration

	mu   sync.RWMutex
	subs []changeSubscription
}

func NewStreamSubscriber(db *dynamodb.Client, streams *dynamodbstreams.Client, table string, logger *zap.Logger) *StreamSubscriber {
	return &StreamSubscriber{
		db:           db,
		streams:      streams,
		table:        table,
		logger:       logger,
		pollInterval: time.Second,
		errorBackoff: 5 * time.Second,
	}
}

// Subscribe registers handler for changes whose event type matches filter
// (INSERT, MODIFY, REMOVE, or "*" for all).
func (s *StreamSubscriber) Subscribe(filter string, handler ChangeHandler) {
	s.mu.Lock()
	s.subs = append(s.subs, changeSubscription{filter: filter, handler: handler})
	s.mu.Unlock()
}

// Run blocks, tailing the stream until ctx is cancelled.
func (s *StreamSubscriber) Run(ctx context.Context) {
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		arn, err := s.streamArn(ctx)
		if err != nil {
			s.logger.Warn("stream discovery failed", zap.Error(err))
			if !s.sleep(ctx, s.errorBackoff) {
				return
			}
			continue
		}

		shards, err := s.openShards(ctx, arn)
		if err != nil {
			s.logger.Warn("shard listing failed", zap.Error(err))
			if !s.sleep(ctx, s.errorBackoff) {
				return
			}
			continue
		}

		for _, shardID := range shards {
			if seen[shardID] {
				continue
			}
			seen[shardID] = true
			wg.Add(1)
			go func(shardID string) {
				defer wg.Done()
				s.consumeShard(ctx, arn, shardID)
			}(shardID)
		}

		if !s.sleep(ctx, s.errorBackoff) {
			return
		}
	}
}

func (s *StreamSubscriber) streamArn(ctx context.Context) (string, error) {
	out, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return "", err
	}
	if out.Table.LatestStreamArn == nil {
		return "", errStreamDisabled
	}
	return *out.Table.LatestStreamArn, nil
}

func (s *StreamSubscriber) openShards(ctx context.Context, arn string) ([]string, error) {
	var shards []string
	var lastShardID *string

	for {
		out, err := s.streams.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(arn),
			ExclusiveStartShardId: lastShardID,
		})
		if err != nil {
			return nil, err
		}
		for _, shard := range out.StreamDescription.Shards {
			// A nil ending sequence number marks an open shard.
			if shard.SequenceNumberRange.EndingSequenceNumber == nil {
				shards = append(shards, *shard.ShardId)
			}
		}
		lastShardID = out.StreamDescription.LastEvaluatedShardId
		if lastShardID == nil {
			return shards, nil
		}
	}
}

func (s *StreamSubscriber) consumeShard(ctx context.Context, arn, shardID string) {
	iterator, err := s.shardIterator(ctx, arn, shardID)
	if err != nil {
		s.logger.Warn("shard iterator failed",
			zap.String("shard", shardID), zap.Error(err))
		return
	}

	for iterator != "" {
		if ctx.Err() != nil {
			return
		}

		out, err := s.streams.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
			ShardIterator: aws.String(iterator),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("get records failed, re-acquiring iterator",
				zap.String("shard", shardID), zap.Error(err))
			if !s.sleep(ctx, s.errorBackoff) {
				return
			}
			iterator, err = s.shardIterator(ctx, arn, shardID)
			if err != nil {
				s.logger.Warn("shard iterator failed",
					zap.String("shard", shardID), zap.Error(err))
				return
			}
			continue
		}

		for _, record := range out.Records {
			s.deliver(record)
		}

		if out.NextShardIterator == nil {
			// Shard closed; the discovery loop picks up its children.
			return
		}
		iterator = *out.NextShardIterator

		if len(out.Records) == 0 && !s.sleep(ctx, s.pollInterval) {
			return
		}
	}
}

func (s *StreamSubscriber) shardIterator(ctx context.Context, arn, shardID string) (string, error) {
	out, err := s.streams.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(arn),
		ShardId:           aws.String(shardID),
		ShardIteratorType: streamtypes.ShardIteratorTypeLatest,
	})
	if err != nil {
		return "", err
	}
	return *out.ShardIterator, nil
}

func (s *StreamSubscriber) deliver(record streamtypes.Record) {
	event := ChangeEvent{EventType: string(record.EventName)}

	if record.Dynamodb != nil {
		if len(record.Dynamodb.NewImage) > 0 {
			var p domain.Product
			if err := streamsav.UnmarshalMap(record.Dynamodb.NewImage, &p); err != nil {
				s.logger.Warn("failed to unmarshal stream image", zap.Error(err))
			} else {
				event.NewValue = &p
			}
		}
		if len(record.Dynamodb.OldImage) > 0 {
			var p domain.Product
			if err := streamsav.UnmarshalMap(record.Dynamodb.OldImage, &p); err != nil {
				s.logger.Warn("failed to unmarshal stream image", zap.Error(err))
			} else {
				event.OldValue = &p
			}
		}
	}

	s.mu.RLock()
	subs := append([]changeSubscription(nil), s.subs...)
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != "" && sub.filter != "*" && sub.filter != event.EventType {
			continue
		}
		s.invoke(sub.handler, event)
	}
}

func (s *StreamSubscriber) invoke(h ChangeHandler, event ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("change handler panicked", zap.Any("panic", r))
		}
	}()
	h(event)
}

func (s *StreamSubscriber) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
