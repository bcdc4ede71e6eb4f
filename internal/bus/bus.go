// Package bus is the single owner of per-user cache keys. Invalidate drops
// every key in every tier, bumps the user's generation and signals local and
// remote subscribers. Notifications carry no record data; receivers re-read
// the durable store.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/cache"
	"github.com/PortNumber53/subsync/internal/logger"
	"github.com/PortNumber53/subsync/internal/metrics"
	"github.com/PortNumber53/subsync/internal/models"
)

// DefaultChannel is the Redis Pub/Sub channel shared by all processes.
const DefaultChannel = "subsync:invalidations"

// KeyKind names one family of per-user cache entries.
type KeyKind string

const (
	// KindStatus holds the CacheEntry served by GetStatus.
	KindStatus KeyKind = "status"
)

var keyKinds = []KeyKind{KindStatus}

// Key returns the cache key of the given kind for user.
func Key(kind KeyKind, user string) string {
	return string(kind) + ":" + models.NormalizeUserKey(user)
}

// Keys enumerates every cache key that may hold state for user.
func Keys(user string) []string {
	keys := make([]string, len(keyKinds))
	for i, kind := range keyKinds {
		keys[i] = Key(kind, user)
	}
	return keys
}

// Bus fans invalidations out to cache tiers and subscribers.
type Bus struct {
	tiers   []cache.Tier
	rdb     redis.UniversalClient
	channel string
	origin  string
	log     *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	subs   map[uint64]func(models.Notification)
	nextID uint64
	gens   map[string]uint64

	readyOnce sync.Once
	ready     chan struct{}

	// retryDelay is the first resubscribe backoff; it doubles up to maxRetryDelay.
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

// New builds a bus over the given tiers. rdb may be nil, in which case
// notifications stay in-process.
func New(tiers []cache.Tier, rdb redis.UniversalClient, log *zap.Logger) *Bus {
	return &Bus{
		tiers:   tiers,
		rdb:     rdb,
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		log:     logger.Component(log, "bus"),
		now:     time.Now,
		subs:    make(map[uint64]func(models.Notification)),
		gens:    make(map[string]uint64),
		ready:   make(chan struct{}),

		retryDelay:    time.Second,
		maxRetryDelay: 30 * time.Second,
	}
}

// Origin identifies this bus instance in published notifications.
func (b *Bus) Origin() string { return b.origin }

// Tiers returns the cache tiers in lookup order.
func (b *Bus) Tiers() []cache.Tier { return b.tiers }

// Generation returns the user's invalidation counter. A reader captures it
// before a store read and only fills caches if it is unchanged afterwards.
func (b *Bus) Generation(user string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gens[models.NormalizeUserKey(user)]
}

func (b *Bus) bump(user string) {
	b.mu.Lock()
	b.gens[user]++
	b.mu.Unlock()
}

// Subscribe registers fn for every notification, local or remote. The
// returned func removes the subscription.
func (b *Bus) Subscribe(fn func(models.Notification)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Invalidate drops all of user's cache keys, then notifies subscribers here
// and in other processes. Tier and publish failures are returned joined, but
// never stop the remaining steps.
func (b *Bus) Invalidate(ctx context.Context, user, reason string, immediate bool) error {
	user = models.NormalizeUserKey(user)
	n := models.Notification{
		UserKey:   user,
		Reason:    reason,
		Immediate: immediate,
		Origin:    b.origin,
		SentAt:    b.now().UTC(),
	}

	errs := b.drop(ctx, user)
	metrics.Invalidations.WithLabelValues("local").Inc()
	b.dispatch(n)

	if b.rdb != nil {
		raw, err := json.Marshal(n)
		if err == nil {
			err = b.rdb.Publish(ctx, b.channel, raw).Err()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("bus: publish invalidation for %s: %w", user, err))
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		b.log.Warn("invalidation incomplete", zap.String("user", user), zap.Error(err))
		return err
	}
	return nil
}

func (b *Bus) drop(ctx context.Context, user string) []error {
	b.bump(user)
	keys := Keys(user)
	var errs []error
	for _, tier := range b.tiers {
		if err := tier.Delete(ctx, keys...); err != nil {
			errs = append(errs, fmt.Errorf("bus: drop %s tier: %w", tier.Name(), err))
		}
	}
	return errs
}

func (b *Bus) dispatch(n models.Notification) {
	b.mu.RLock()
	fns := make([]func(models.Notification), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(n)
	}
}

// Ready is closed once Run has subscribed to the Redis channel.
func (b *Bus) Ready() <-chan struct{} { return b.ready }

// Run listens for notifications published by other processes until ctx is
// done. Without a Redis client it returns immediately. A failed subscribe is
// retried with backoff, so a process that boots while Redis is down starts
// receiving invalidations once it recovers.
func (b *Bus) Run(ctx context.Context) error {
	if b.rdb == nil {
		b.readyOnce.Do(func() { close(b.ready) })
		return nil
	}

	delay := b.retryDelay
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			delay = b.retryDelay
			continue
		}
		b.log.Warn("invalidation listener down, resubscribing",
			zap.String("channel", b.channel), zap.Duration("backoff", delay), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay *= 2
		if delay > b.maxRetryDelay {
			delay = b.maxRetryDelay
		}
	}
}

// listen runs one subscription. It returns nil when the message channel
// closes and an error when the subscribe itself fails.
func (b *Bus) listen(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.Info("listening for remote invalidations", zap.String("channel", b.channel), zap.String("origin", b.origin))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handleRemote(ctx, msg.Payload)
		}
	}
}

func (b *Bus) handleRemote(ctx context.Context, payload string) {
	var n models.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		b.log.Warn("dropping malformed notification", zap.Error(err))
		return
	}
	if n.Origin == b.origin || n.UserKey == "" {
		return
	}
	n.UserKey = models.NormalizeUserKey(n.UserKey)

	if errs := b.drop(ctx, n.UserKey); len(errs) > 0 {
		b.log.Warn("remote invalidation incomplete", zap.String("user", n.UserKey), zap.Error(errors.Join(errs...)))
	}
	metrics.Invalidations.WithLabelValues("remote").Inc()
	b.dispatch(n)
}
