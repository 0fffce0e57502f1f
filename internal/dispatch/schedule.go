package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is an armed offer timer: when Deadline passes, the offer to
// DriverID expires and dispatch resumes at Round. An empty DriverID means
// a plain retry with no offer outstanding.
type Entry struct {
	RideID   string
	DriverID string
	Round    int
	Deadline time.Time
}

// Schedule persists armed timers so they survive a restart.
type Schedule interface {
	Save(ctx context.Context, e Entry) error
	Delete(ctx context.Context, rideID string) error
	Pending(ctx context.Context) ([]Entry, error)
}

// RedisSchedule keeps deadlines in a sorted set and the entry fields in a
// hash per ride.
type RedisSchedule struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSchedule(rdb *redis.Client, prefix string) *RedisSchedule {
	if prefix == "" {
		prefix = "dispatch"
	}
	return &RedisSchedule{rdb: rdb, prefix: prefix, ttl: 24 * time.Hour}
}

func (s *RedisSchedule) deadlinesKey() string { return s.prefix + ":deadlines" }

func (s *RedisSchedule) entryKey(rideID string) string { return s.prefix + ":offer:" + rideID }

func (s *RedisSchedule) Save(ctx context.Context, e Entry) error {
	key := s.entryKey(e.RideID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"driver_id", e.DriverID,
			"round", e.Round,
			"deadline", e.Deadline.UnixMilli(),
		)
		pipe.Expire(ctx, key, s.ttl)
		pipe.ZAdd(ctx, s.deadlinesKey(), redis.Z{Score: float64(e.Deadline.UnixMilli()), Member: e.RideID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save schedule entry: %w", err)
	}
	return nil
}

func (s *RedisSchedule) Delete(ctx context.Context, rideID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(rideID))
		pipe.ZRem(ctx, s.deadlinesKey(), rideID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete schedule entry: %w", err)
	}
	return nil
}

// Pending returns every stored entry ordered by deadline. Members whose
// hash has expired are pruned.
func (s *RedisSchedule) Pending(ctx context.Context) ([]Entry, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, s.deadlinesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read deadlines: %w", err)
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		rideID, ok := z.Member.(string)
		if !ok {
			continue
		}
		fields, err := s.rdb.HGetAll(ctx, s.entryKey(rideID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read entry %s: %w", rideID, err)
		}
		if len(fields) == 0 {
			_ = s.rdb.ZRem(ctx, s.deadlinesKey(), rideID).Err()
			continue
		}
		e := Entry{RideID: rideID, DriverID: fields["driver_id"], Deadline: time.UnixMilli(int64(z.Score))}
		if v, err := strconv.Atoi(fields["round"]); err == nil {
			e.Round = v
		}
		out = append(out, e)
	}
	return out, nil
}
