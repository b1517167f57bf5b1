// Package reconcile keeps a Redis-backed ledger of applications that were
// persisted but never acknowledged by the broker, and replays them on a
// schedule.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-applications-backend/internal/domain"
	"github.com/tbourn/go-applications-backend/internal/services"
)

// DefaultKey is the Redis list holding pending events.
const DefaultKey = "applications:unpublished"

// Publisher republishes a pending application.
type Publisher interface {
	Publish(ctx context.Context, app domain.Application) (int, error)
}

// Ledger is a FIFO of PublishEvents stored in one Redis list. New entries are
// pushed on the left and drained from the right.
type Ledger struct {
	rdb *redis.Client
	key string
}

// NewLedger returns a Ledger on key, or DefaultKey when key is empty.
func NewLedger(rdb *redis.Client, key string) *Ledger {
	if key == "" {
		key = DefaultKey
	}
	return &Ledger{rdb: rdb, key: key}
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Key returns the Redis list name.
func (l *Ledger) Key() string { return l.key }

// Record stores the event of a persisted-not-published submission. Published
// submissions are ignored.
func (l *Ledger) Record(ctx context.Context, sub services.Submission) error {
	if sub.Published() {
		return nil
	}
	b, err := domain.NewPublishEvent(sub.Application).Encode()
	if err != nil {
		return err
	}
	return l.rdb.LPush(ctx, l.key, b).Err()
}

// Report implements services.OutcomeSink. A failed write is logged; the
// submission itself already succeeded.
func (l *Ledger) Report(ctx context.Context, sub services.Submission) {
	if err := l.Record(ctx, sub); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Int64("application_id", sub.Application.ID).
			Msg("recording unpublished application")
	}
}

// Pending returns the number of events waiting to be republished.
func (l *Ledger) Pending(ctx context.Context) (int64, error) {
	return l.rdb.LLen(ctx, l.key).Result()
}

// Drain republishes up to max events, oldest first. An entry stays in the
// list until the broker acknowledges it, so a failed, timed-out or
// interrupted publish leaves it at the tail for the next drain; delivery is
// at-least-once. Drain stops on the first publish failure, keeping order.
// Undecodable entries are dropped and logged.
func (l *Ledger) Drain(ctx context.Context, p Publisher, max int) (int, error) {
	log := zerolog.Ctx(ctx)
	done := 0
	for max <= 0 || done < max {
		raw, err := l.rdb.LIndex(ctx, l.key, -1).Result()
		if errors.Is(err, redis.Nil) {
			return done, nil
		}
		if err != nil {
			return done, err
		}

		var ev domain.PublishEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			log.Error().Err(err).Str("entry", raw).Msg("dropping undecodable ledger entry")
			if err := l.remove(ctx, raw); err != nil {
				return done, err
			}
			continue
		}
		if _, err := p.Publish(ctx, ev.Application()); err != nil {
			return done, err
		}
		done++
		if err := l.remove(ctx, raw); err != nil {
			log.Error().Err(err).Int64("application_id", ev.ID).Msg("removing republished ledger entry")
			return done, err
		}
	}
	return done, nil
}

// removeTimeout bounds the removal of an acknowledged entry.
const removeTimeout = 5 * time.Second

// remove deletes the tail-most copy of raw. It outlives ctx's cancellation so
// an event the broker already took is not replayed just because the drain
// ran out of time.
func (l *Ledger) remove(ctx context.Context, raw string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()
	return l.rdb.LRem(ctx, l.key, -1, raw).Err()
}
