package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/wcygan/content-approval/types"
)

const (
	instancePrefix = "approval:instance:"
	eventsPrefix   = "approval:events:"
	activeSetKey   = "approval:active"
)

// RedisStorage is a redis-backed Storage. Snapshots are JSON blobs,
// transition logs are hashes keyed by Seq (HSETNX gives the atomic
// insert-if-absent the log append requires), and the active set is a
// redis set scanned on recovery.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions configures the redis connection.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage connects to redis and verifies the connection.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("storage: connect to redis: %w", err)
	}
	return &RedisStorage{client: client}, nil
}

// SaveInstance upserts the snapshot and maintains the active set.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.InstanceSnapshot) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("storage: marshal instance %s: %w", inst.WorkflowID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, instancePrefix+inst.WorkflowID, data, 0)
	if inst.Completed {
		pipe.SRem(ctx, activeSetKey, inst.WorkflowID)
	} else {
		pipe.SAdd(ctx, activeSetKey, inst.WorkflowID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storage: save instance %s: %w", inst.WorkflowID, err)
	}
	return nil
}

// GetInstance retrieves a snapshot by workflow ID.
func (s *RedisStorage) GetInstance(ctx context.Context, workflowID string) (types.InstanceSnapshot, error) {
	data, err := s.client.Get(ctx, instancePrefix+workflowID).Bytes()
	if err == redis.Nil {
		return types.InstanceSnapshot{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, workflowID)
	}
	if err != nil {
		return types.InstanceSnapshot{}, fmt.Errorf("storage: get instance %s: %w", workflowID, err)
	}
	var inst types.InstanceSnapshot
	if err := json.Unmarshal(data, &inst); err != nil {
		return types.InstanceSnapshot{}, fmt.Errorf("storage: unmarshal instance %s: %w", workflowID, err)
	}
	return inst, nil
}

// AppendEvent records a transition with HSETNX; a false reply means the
// (workflow, seq) pair was already written.
func (s *RedisStorage) AppendEvent(ctx context.Context, ev types.TransitionEvent) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("storage: marshal event %s/%d: %w", ev.WorkflowID, ev.Seq, err)
	}
	inserted, err := s.client.HSetNX(ctx, eventsPrefix+ev.WorkflowID, strconv.FormatInt(ev.Seq, 10), data).Result()
	if err != nil {
		return false, fmt.Errorf("storage: append event %s/%d: %w", ev.WorkflowID, ev.Seq, err)
	}
	return inserted, nil
}

// ListEvents returns the transition log ordered by Seq.
func (s *RedisStorage) ListEvents(ctx context.Context, workflowID string) ([]types.TransitionEvent, error) {
	fields, err := s.client.HGetAll(ctx, eventsPrefix+workflowID).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: list events %s: %w", workflowID, err)
	}
	out := make([]types.TransitionEvent, 0, len(fields))
	for _, raw := range fields {
		var ev types.TransitionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("storage: unmarshal event for %s: %w", workflowID, err)
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ListActive returns snapshots for every workflow in the active set.
func (s *RedisStorage) ListActive(ctx context.Context) ([]types.InstanceSnapshot, error) {
	ids, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: list active: %w", err)
	}
	sort.Strings(ids)
	out := make([]types.InstanceSnapshot, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}
