package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/consultation-queue/internal/appointment"
)

// RedisStore keeps one hash per practitioner and day, field = appointment id,
// value = JSON entry. Keys expire a day and a half after their last write.
// Consultation lengths live in a capped list per practitioner, in
// milliseconds, newest first.
type RedisStore struct {
	client      redis.Cmdable
	ttl         time.Duration
	observedTTL time.Duration
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, ttl: 36 * time.Hour, observedTTL: 7 * 24 * time.Hour}
}

func storeKey(practitionerID uuid.UUID, date string) string {
	return "queue:" + practitionerID.String() + ":" + date
}

func observedKey(practitionerID uuid.UUID) string {
	return "consultations:" + practitionerID.String()
}

func (s *RedisStore) List(ctx context.Context, practitionerID uuid.UUID, date string) ([]Entry, error) {
	raw, err := s.client.HGetAll(ctx, storeKey(practitionerID, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hgetall: %w", appointment.ErrStoreUnavailable, err)
	}

	entries := make([]Entry, 0, len(raw))
	for field, value := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(value), &e); err != nil {
			return nil, fmt.Errorf("decode queue entry %s: %w", field, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Save(ctx context.Context, practitionerID uuid.UUID, date string, upsert []Entry, remove []uuid.UUID) error {
	key := storeKey(practitionerID, date)

	values := make([]any, 0, 2*len(upsert))
	for _, e := range upsert {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode queue entry %s: %w", e.AppointmentID, err)
		}
		values = append(values, e.AppointmentID.String(), data)
	}

	fields := make([]string, 0, len(remove))
	for _, id := range remove {
		fields = append(fields, id.String())
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(fields) > 0 {
			pipe.HDel(ctx, key, fields...)
		}
		if len(values) > 0 {
			pipe.HSet(ctx, key, values...)
		}
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save queue: %w", appointment.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Observe(ctx context.Context, practitionerID uuid.UUID, d time.Duration) error {
	key := observedKey(practitionerID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, d.Milliseconds())
		pipe.LTrim(ctx, key, 0, observedWindow-1)
		pipe.Expire(ctx, key, s.observedTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: record consultation: %w", appointment.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Observed(ctx context.Context, practitionerID uuid.UUID) ([]time.Duration, error) {
	raw, err := s.client.LRange(ctx, observedKey(practitionerID), 0, observedWindow-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: lrange: %w", appointment.ErrStoreUnavailable, err)
	}

	out := make([]time.Duration, 0, len(raw))
	for _, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode consultation length %q: %w", v, err)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, nil
}

// MemoryStore is the single-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	queues   map[string]map[uuid.UUID]Entry
	observed map[uuid.UUID][]time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:   make(map[string]map[uuid.UUID]Entry),
		observed: make(map[uuid.UUID][]time.Duration),
	}
}

func (s *MemoryStore) List(_ context.Context, practitionerID uuid.UUID, date string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := s.queues[storeKey(practitionerID, date)]
	entries := make([]Entry, 0, len(q))
	for _, e := range q {
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *MemoryStore) Save(_ context.Context, practitionerID uuid.UUID, date string, upsert []Entry, remove []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(practitionerID, date)
	q := s.queues[key]
	if q == nil {
		q = make(map[uuid.UUID]Entry)
		s.queues[key] = q
	}

	for _, id := range remove {
		delete(q, id)
	}
	for _, e := range upsert {
		q[e.AppointmentID] = e
	}
	if len(q) == 0 {
		delete(s.queues, key)
	}
	return nil
}

func (s *MemoryStore) Observe(_ context.Context, practitionerID uuid.UUID, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append([]time.Duration{d}, s.observed[practitionerID]...)
	if len(h) > observedWindow {
		h = h[:observedWindow]
	}
	s.observed[practitionerID] = h
	return nil
}

func (s *MemoryStore) Observed(_ context.Context, practitionerID uuid.UUID) ([]time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]time.Duration(nil), s.observed[practitionerID]...), nil
}
