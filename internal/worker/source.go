// Package worker pulls job assignments from a queue and runs them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/simrunner/internal/jobs"
)

// Envelope is the queue message format: a job and its assignment.
type Envelope struct {
	Job        jobs.Job        `json:"job"`
	Assignment jobs.Assignment `json:"assignment"`
}

// Message is one claimed queue entry.
type Message struct {
	Raw string
}

// Decode parses the message into an Envelope.
func (m *Message) Decode() (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(m.Raw), &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Job.ID == "" {
		return env, errors.New("envelope has no job id")
	}
	if env.Job.Type == "" {
		return env, errors.New("envelope has no job type")
	}
	if env.Assignment.JobID == "" {
		env.Assignment.JobID = env.Job.ID
	}
	if env.Assignment.JobID != env.Job.ID {
		return env, fmt.Errorf("assignment %s is for job %s, not %s", env.Assignment.ID, env.Assignment.JobID, env.Job.ID)
	}
	return env, nil
}

// Source hands out assignments. Claim returns (nil, nil) when nothing
// arrived within wait.
type Source interface {
	Claim(ctx context.Context, wait time.Duration) (*Message, error)
	Ack(ctx context.Context, m *Message) error
}

// listClient is the subset of the Redis client used by RedisSource.
type listClient interface {
	BRPopLPush(ctx context.Context, source, destination string, timeout time.Duration) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPopLPush(ctx context.Context, source, destination string) *redis.StringCmd
}

// RedisSource is a reliable queue on Redis lists.
// Claim moves an entry from the queue list to this consumer's processing
// list and Ack removes it from there, so entries held by a crashed worker
// can be requeued with RequeueStale.
type RedisSource struct {
	rdb           listClient
	queueKey      string
	processingKey string
}

var _ Source = (*RedisSource)(nil)

// NewRedisSource creates a source reading queueKey. consumer names this
// worker's processing list.
func NewRedisSource(rdb *redis.Client, queueKey, consumer string) *RedisSource {
	return newRedisSource(rdb, queueKey, consumer)
}

func newRedisSource(rdb listClient, queueKey, consumer string) *RedisSource {
	return &RedisSource{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: queueKey + ":processing:" + consumer,
	}
}

// Enqueue pushes an envelope onto the queue.
func (s *RedisSource) Enqueue(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return s.rdb.LPush(ctx, s.queueKey, string(data)).Err()
}

// Claim implements Source.
func (s *RedisSource) Claim(ctx context.Context, wait time.Duration) (*Message, error) {
	raw, err := s.rdb.BRPopLPush(ctx, s.queueKey, s.processingKey, wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", s.queueKey, err)
	}
	return &Message{Raw: raw}, nil
}

// Ack implements Source.
func (s *RedisSource) Ack(ctx context.Context, m *Message) error {
	if err := s.rdb.LRem(ctx, s.processingKey, 1, m.Raw).Err(); err != nil {
		return fmt.Errorf("ack on %s: %w", s.processingKey, err)
	}
	return nil
}

// RequeueStale moves up to max entries from this consumer's processing list
// back onto the queue. It is run at start-up, before any claim.
func (s *RedisSource) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for moved < max {
		_, err := s.rdb.RPopLPush(ctx, s.processingKey, s.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("requeue from %s: %w", s.processingKey, err)
		}
		moved++
	}
	return moved, nil
}
