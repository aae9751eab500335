// Package broker implements the durable chunk queue on redis streams. Chunk
// messages are added with XADD, handed to workers through a consumer group
// with XREADGROUP and acknowledged with XACK once the chunk is terminal.
// Messages whose consumer died are reclaimed with XAUTOCLAIM after the
// visibility timeout, and messages that keep failing are moved to a dead
// letter stream once MaxAttempts deliveries have been used up.
package broker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/configuration"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/metrics"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/resilience"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/util"
)

const (
	jobIdKey      = "job_id"
	chunkIndexKey = "chunk_index"
	attemptKey    = "attempt"
	reasonKey     = "reason"

	enqueueBatchSize = 500
)

// ChunkMessage tells a worker to process one chunk of one job.
type ChunkMessage struct {
	JobId      string
	ChunkIndex int
	// Delivery attempt this message represents, starting at 1
	Attempt int
}

// Message is a claimed ChunkMessage together with the stream entry id needed
// to acknowledge it.
type Message struct {
	Id string
	ChunkMessage
}

type ChunkQueue interface {
	Enqueue(ctx context.Context, messages []*ChunkMessage) error
	// Claim returns up to count messages for the given consumer, blocking up
	// to the configured block interval when the queue is empty. Periodically
	// it first reclaims messages whose consumer went away.
	Claim(ctx context.Context, consumer string, count int) ([]*Message, error)
	Ack(ctx context.Context, message *Message) error
	// Nack returns the message to the queue for another attempt, or moves it
	// to the dead letter stream once all attempts are used up. It reports
	// whether the message was requeued.
	Nack(ctx context.Context, message *Message, reason string) (bool, error)
	// DeadLetter moves the message to the dead letter stream unconditionally.
	DeadLetter(ctx context.Context, message *Message, reason string) error
}

// RedisChunkQueue is an implementation of ChunkQueue backed by a redis
// stream, guarded by a circuit breaker.
type RedisChunkQueue struct {
	db          redis.UniversalClient
	config      configuration.BrokerConfig
	maxAttempts int
	breaker     *resilience.CircuitBreaker
	metrics     *metrics.Metrics
	clock       clock.PassiveClock

	mu            sync.Mutex
	nextClaimScan time.Time
}

func NewChunkQueue(
	ctx context.Context,
	db redis.UniversalClient,
	config configuration.BrokerConfig,
	maxAttempts int,
	breaker *resilience.CircuitBreaker,
	m *metrics.Metrics,
) (*RedisChunkQueue, error) {
	q := &RedisChunkQueue{
		db:          db,
		config:      config,
		maxAttempts: maxAttempts,
		breaker:     breaker,
		metrics:     m,
		clock:       clock.RealClock{},
	}
	if err := q.createConsumerGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// createConsumerGroup creates the stream and consumer group if they do not
// exist yet. Redis reports an existing group as a BUSYGROUP error, which is
// fine here.
func (q *RedisChunkQueue) createConsumerGroup(ctx context.Context) error {
	err := q.db.XGroupCreateMkStream(ctx, q.config.StreamName, q.config.ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "error creating consumer group %s on stream %s", q.config.ConsumerGroup, q.config.StreamName)
	}
	return nil
}

func (q *RedisChunkQueue) Enqueue(ctx context.Context, messages []*ChunkMessage) error {
	if len(messages) == 0 {
		return nil
	}
	for _, batch := range util.Batch(messages, enqueueBatchSize) {
		if err := q.breaker.Allow(); err != nil {
			return err
		}
		pipe := q.db.Pipeline()
		for _, message := range batch {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: q.config.StreamName,
				Values: encode(message),
			})
		}
		_, err := pipe.Exec(ctx)
		q.record(err)
		if err != nil {
			q.metrics.RecordBrokerError(metrics.BrokerOperationEnqueue)
			return errors.Wrap(err, "error enqueueing chunk messages")
		}
	}
	return nil
}

func (q *RedisChunkQueue) Claim(ctx context.Context, consumer string, count int) ([]*Message, error) {
	if q.shouldScanForStale() {
		reclaimed, err := q.claimStale(ctx, consumer, count)
		if err != nil {
			log.WithError(err).Warn("Error reclaiming stale chunk messages")
			q.metrics.RecordBrokerError(metrics.BrokerOperationClaim)
		} else if len(reclaimed) > 0 {
			return reclaimed, nil
		}
	}

	if err := q.breaker.Allow(); err != nil {
		return nil, err
	}
	streams, err := q.db.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.config.ConsumerGroup,
		Consumer: consumer,
		Streams:  []string{q.config.StreamName, ">"},
		Count:    int64(count),
		Block:    q.config.BlockInterval,
	}).Result()
	if errors.Is(err, redis.Nil) {
		// Nothing to do right now.
		q.breaker.RecordSuccess()
		return nil, nil
	}
	q.record(err)
	if err != nil {
		q.metrics.RecordBrokerError(metrics.BrokerOperationClaim)
		return nil, errors.Wrap(err, "error claiming chunk messages")
	}

	var claimed []*Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			claimed = append(claimed, q.decodeOrDrop(ctx, entry)...)
		}
	}
	return claimed, nil
}

// claimStale reassigns messages that have been pending longer than the
// visibility timeout, e.g. because the worker holding them crashed.
func (q *RedisChunkQueue) claimStale(ctx context.Context, consumer string, count int) ([]*Message, error) {
	if err := q.breaker.Allow(); err != nil {
		return nil, err
	}
	entries, _, err := q.db.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.config.StreamName,
		Group:    q.config.ConsumerGroup,
		Consumer: consumer,
		MinIdle:  q.config.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	q.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "error running XAUTOCLAIM")
	}
	if len(entries) > 0 {
		log.Infof("Reclaimed %d chunk message(s) whose consumer went away", len(entries))
	}
	var claimed []*Message
	for _, entry := range entries {
		claimed = append(claimed, q.decodeOrDrop(ctx, entry)...)
	}
	return claimed, nil
}

func (q *RedisChunkQueue) shouldScanForStale() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	if now.Before(q.nextClaimScan) {
		return false
	}
	q.nextClaimScan = now.Add(q.config.ClaimInterval)
	return true
}

func (q *RedisChunkQueue) Ack(ctx context.Context, message *Message) error {
	if err := q.breaker.Allow(); err != nil {
		return err
	}
	pipe := q.db.TxPipeline()
	pipe.XAck(ctx, q.config.StreamName, q.config.ConsumerGroup, message.Id)
	pipe.XDel(ctx, q.config.StreamName, message.Id)
	_, err := pipe.Exec(ctx)
	q.record(err)
	if err != nil {
		q.metrics.RecordBrokerError(metrics.BrokerOperationAck)
		return errors.Wrap(err, "error acking chunk message")
	}
	return nil
}

func (q *RedisChunkQueue) Nack(ctx context.Context, message *Message, reason string) (bool, error) {
	if message.Attempt >= q.maxAttempts {
		return false, q.DeadLetter(ctx, message, reason)
	}
	if err := q.breaker.Allow(); err != nil {
		return false, err
	}
	next := message.ChunkMessage
	next.Attempt++
	pipe := q.db.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.config.StreamName,
		Values: encode(&next),
	})
	pipe.XAck(ctx, q.config.StreamName, q.config.ConsumerGroup, message.Id)
	pipe.XDel(ctx, q.config.StreamName, message.Id)
	_, err := pipe.Exec(ctx)
	q.record(err)
	if err != nil {
		q.metrics.RecordBrokerError(metrics.BrokerOperationNack)
		return false, errors.Wrap(err, "error requeueing chunk message")
	}
	log.WithFields(log.Fields{"jobId": message.JobId, "chunkIndex": message.ChunkIndex}).
		Warnf("Requeued chunk for attempt %d of %d: %s", next.Attempt, q.maxAttempts, reason)
	return true, nil
}

func (q *RedisChunkQueue) DeadLetter(ctx context.Context, message *Message, reason string) error {
	if err := q.breaker.Allow(); err != nil {
		return err
	}
	values := encode(&message.ChunkMessage)
	values[reasonKey] = reason
	pipe := q.db.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.config.DeadLetterStreamName,
		Values: values,
	})
	pipe.XAck(ctx, q.config.StreamName, q.config.ConsumerGroup, message.Id)
	pipe.XDel(ctx, q.config.StreamName, message.Id)
	_, err := pipe.Exec(ctx)
	q.record(err)
	if err != nil {
		q.metrics.RecordBrokerError(metrics.BrokerOperationDeadLetter)
		return errors.Wrap(err, "error dead lettering chunk message")
	}
	log.WithFields(log.Fields{"jobId": message.JobId, "chunkIndex": message.ChunkIndex}).
		Errorf("Chunk dead lettered after %d attempt(s): %s", message.Attempt, reason)
	return nil
}

// Check implements health.Checker. It pings redis directly; breaker state is
// reported separately so that a probe does not consume the half-open slot.
func (q *RedisChunkQueue) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return q.db.Ping(ctx).Err()
}

func (q *RedisChunkQueue) BreakerState() resilience.BreakerState {
	return q.breaker.State()
}

func (q *RedisChunkQueue) record(err error) {
	if err == nil || errors.Is(err, redis.Nil) {
		q.breaker.RecordSuccess()
		return
	}
	if ingesterrors.IsRetryableRedisError(err) {
		q.breaker.RecordFailure()
	} else {
		q.breaker.RecordSuccess()
	}
}

// decodeOrDrop decodes a stream entry, acking and dropping entries that do
// not hold a well formed chunk message so they cannot wedge the queue.
func (q *RedisChunkQueue) decodeOrDrop(ctx context.Context, entry redis.XMessage) []*Message {
	message, err := decode(entry)
	if err != nil {
		log.WithError(err).Errorf("Dropping malformed chunk message %s", entry.ID)
		if ackErr := q.Ack(ctx, &Message{Id: entry.ID}); ackErr != nil {
			log.WithError(ackErr).Errorf("Error acking malformed chunk message %s", entry.ID)
		}
		return nil
	}
	return []*Message{message}
}

func encode(message *ChunkMessage) map[string]interface{} {
	return map[string]interface{}{
		jobIdKey:      message.JobId,
		chunkIndexKey: message.ChunkIndex,
		attemptKey:    message.Attempt,
	}
}

func decode(entry redis.XMessage) (*Message, error) {
	jobId, ok := entry.Values[jobIdKey].(string)
	if !ok || jobId == "" {
		return nil, errors.Errorf("chunk message %s has no job id", entry.ID)
	}
	chunkIndex, err := intValue(entry, chunkIndexKey)
	if err != nil {
		return nil, err
	}
	attempt, err := intValue(entry, attemptKey)
	if err != nil {
		return nil, err
	}
	return &Message{
		Id: entry.ID,
		ChunkMessage: ChunkMessage{
			JobId:      jobId,
			ChunkIndex: chunkIndex,
			Attempt:    attempt,
		},
	}, nil
}

// intValue reads an integer field from a stream entry. Redis hands all
// stream values back as strings.
func intValue(entry redis.XMessage, key string) (int, error) {
	s, ok := entry.Values[key].(string)
	if !ok {
		return 0, errors.Errorf("chunk message %s has no %s", entry.ID, key)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "chunk message %s has a malformed %s", entry.ID, key)
	}
	return n, nil
}
