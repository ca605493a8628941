package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/rendis/leadflow/pkg/schema"
)

// RedisStore implements Store on Redis. Runs are JSON strings, events are one
// list per run and a sorted set indexes runs by creation time.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the expiration for run records and their events.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore connects to Redis at address.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, opts...)
}

// NewRedisStoreFromClient creates a store from an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "leadflow:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) runKey(id string) string    { return s.prefix + "run:" + id }
func (s *RedisStore) eventsKey(id string) string { return s.prefix + "events:" + id }
func (s *RedisStore) seqKey(id string) string    { return s.prefix + "seq:" + id }
func (s *RedisStore) indexKey() string           { return s.prefix + "runs" }
func (s *RedisStore) eventIDKey() string         { return s.prefix + "event_id" }

// Migrate checks connectivity; Redis has no schema.
func (s *RedisStore) Migrate(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- Runs ---

func (s *RedisStore) CreateRun(ctx context.Context, run *Run) error {
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.runKey(run.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	return s.client.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  float64(run.CreatedAt.UnixNano()),
		Member: run.ID,
	}).Err()
}

func (s *RedisStore) GetRun(ctx context.Context, id string) (*Run, error) {
	val, err := s.client.Get(ctx, s.runKey(id)).Result()
	if err == backend.Nil {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run Run
	if err := json.Unmarshal([]byte(val), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *RedisStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.ExecutionTotal != nil {
		run.ExecutionTotal = *update.ExecutionTotal
	}
	if update.ResultCount != nil {
		run.ResultCount = *update.ResultCount
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return s.client.SetArgs(ctx, s.runKey(id), data, backend.SetArgs{KeepTTL: true}).Err()
}

// ListRuns returns runs newest first. Index entries whose record expired are pruned.
func (s *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var runs []*Run
	skipped := 0
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if schema.CodeOf(err) == schema.ErrCodeNotFound {
			_ = s.client.ZRem(ctx, s.indexKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		runs = append(runs, run)
		if filter.Limit > 0 && len(runs) >= filter.Limit {
			break
		}
	}
	return runs, nil
}

func (s *RedisStore) DeleteRun(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	del := pipe.Del(ctx, s.runKey(id))
	pipe.Del(ctx, s.eventsKey(id), s.seqKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if del.Val() == 0 {
		return storeNotFound("run", id)
	}
	return nil
}

// --- Events ---

func (s *RedisStore) AppendEvent(ctx context.Context, event *Event) error {
	exists, err := s.client.Exists(ctx, s.runKey(event.RunID)).Result()
	if err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if exists == 0 {
		return storeNotFound("run", event.RunID)
	}

	seq, err := s.client.Incr(ctx, s.seqKey(event.RunID)).Result()
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	id, err := s.client.Incr(ctx, s.eventIDKey()).Result()
	if err != nil {
		return fmt.Errorf("get event id: %w", err)
	}
	event.ID = id
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.eventsKey(event.RunID), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.eventsKey(event.RunID), s.ttl)
		pipe.Expire(ctx, s.seqKey(event.RunID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *RedisStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	// Sequences start at 1 and map to list index sequence-1.
	vals, err := s.client.LRange(ctx, s.eventsKey(runID), since, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return decodeEvents(vals)
}

func (s *RedisStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	runIDs := []string{filter.RunID}
	if filter.RunID == "" {
		ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runIDs = ids
	}

	var out []*Event
	for _, id := range runIDs {
		events, err := s.GetEvents(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if e.Type != eventType {
				continue
			}
			if filter.StepKey != "" && e.StepKey != filter.StepKey {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			out = append(out, e)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func decodeEvents(vals []string) ([]*Event, error) {
	events := make([]*Event, 0, len(vals))
	for i, v := range vals {
		var e Event
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event %d: %w", i, err)
		}
		events = append(events, &e)
	}
	return events, nil
}

var _ Store = (*RedisStore)(nil)
