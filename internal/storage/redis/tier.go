// Package redis provides a Redis backed cold tier for the multi-layer cache.
package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/circuit"
	"github.com/tiercache/tiercache/internal/codec"
	"github.com/tiercache/tiercache/internal/policy"
	cacheerrors "github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/retry"
	"github.com/tiercache/tiercache/pkg/types"
)

const (
	component = "redis"
	scanCount = 500
)

// Config configures a Redis backed cold tier
type Config struct {
	Addr           string
	Password       string
	DB             int
	Prefix         string
	PoolSize       int
	DialTimeout    time.Duration
	RequestTimeout time.Duration

	MaxSize int
	Policy  policy.EvictionPolicy
	Codec   codec.Codec
	Logger  *zap.Logger
	Breaker *circuit.Config
	Retry   *retry.Config // nil disables retries
}

// Tier stores each entry as a Redis string <prefix><key> holding the codec
// bytes, with the entry's TTL as native key expiry. The index of live keys
// is rebuilt with SCAN at startup and enforces capacity.
type Tier struct {
	client  *redis.Client
	owned   bool
	prefix  string
	timeout time.Duration

	maxSize int
	codec   codec.Codec
	logger  *zap.Logger
	breaker *circuit.CircuitBreaker
	retryer *retry.Retryer
	now     func() time.Time

	mu     sync.RWMutex
	index  map[string]int64 // key -> deadline, 0 when never or unknown
	closed bool

	trackMu sync.Mutex
	tracker policy.Tracker

	hits, misses, errs atomic.Uint64

	sets, deletes, clears, evictions, expirations, compactions uint64
}

// New connects to Redis and opens the tier. The client is closed with the
// tier.
func New(ctx context.Context, cfg Config) (*Tier, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, cacheerrors.Wrap(cacheerrors.ErrCodeRemoteUnavailable, "failed to connect to Redis", err).
			WithComponent(component).WithDetail("addr", cfg.Addr)
	}

	t, err := NewWithClient(ctx, client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// NewWithClient opens the tier on an existing client, which the caller
// keeps ownership of.
func NewWithClient(ctx context.Context, client *redis.Client, cfg Config) (*Tier, error) {
	if cfg.MaxSize <= 0 {
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeCapacityInvalid, "max size must be greater than 0").
			WithComponent(component).WithDetail("max_size", cfg.MaxSize)
	}
	if cfg.Policy == "" {
		cfg.Policy = policy.FIFO
	}
	tracker, err := policy.New(cfg.Policy)
	if err != nil {
		return nil, cacheerrors.Wrap(cacheerrors.ErrCodeInvalidConfig, "unknown eviction policy", err).
			WithComponent(component)
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	breaker := circuit.DefaultConfig()
	if cfg.Breaker != nil {
		breaker = *cfg.Breaker
	}
	breaker.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, redis.Nil) }

	t := &Tier{
		client:  client,
		prefix:  cfg.Prefix,
		timeout: cfg.RequestTimeout,
		maxSize: cfg.MaxSize,
		codec:   cfg.Codec,
		logger:  cfg.Logger,
		breaker: circuit.NewCircuitBreaker("redis:"+client.Options().Addr, breaker),
		now:     time.Now,
		index:   make(map[string]int64),
		tracker: tracker,
	}
	if cfg.Retry != nil {
		t.retryer = newRetryer(*cfg.Retry, cfg.Logger)
	}
	if err := t.load(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tier) load(ctx context.Context) error {
	keys, err := t.scan(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		t.addLocked(k[len(t.prefix):], 0)
	}
	evicted := 0
	for len(t.index) > t.maxSize {
		if err := t.evictLocked(ctx); err != nil {
			return err
		}
		evicted++
	}
	t.logger.Info("redis tier loaded",
		zap.String("prefix", t.prefix),
		zap.Int("entries", len(t.index)),
		zap.Int("evicted", evicted))
	return nil
}

// scan returns every Redis key under the prefix.
func (t *Tier) scan(ctx context.Context) ([]string, error) {
	var keys []string
	err := t.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		iter := t.client.Scan(ctx, 0, escapeGlob(t.prefix)+"*", scanCount).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	if err != nil {
		return nil, t.wrap(err, "scan", "")
	}
	return keys, nil
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func (t *Tier) call(fn func(context.Context) error) error {
	attempt := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		return t.breaker.ExecuteWithContext(ctx, fn)
	}
	if t.retryer == nil {
		return attempt(context.Background())
	}
	return t.retryer.DoWithContext(context.Background(), attempt)
}

func newRetryer(cfg retry.Config, logger *zap.Logger) *retry.Retryer {
	cfg.IsRetryable = func(err error) bool {
		return !errors.Is(err, redis.Nil) &&
			!errors.Is(err, circuit.ErrOpenState) &&
			!errors.Is(err, circuit.ErrTooManyRequests) &&
			!errors.Is(err, context.Canceled)
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying redis command",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return retry.New(cfg)
}

func (t *Tier) wrap(err error, op, key string) error {
	code := cacheerrors.ErrCodeRemoteOperation
	if errors.Is(err, circuit.ErrOpenState) || errors.Is(err, circuit.ErrTooManyRequests) {
		code = cacheerrors.ErrCodeRemoteUnavailable
	}
	return cacheerrors.Wrap(code, op+" failed", err).
		WithComponent(component).WithOperation(op).WithKey(key)
}

func (t *Tier) redisKey(key string) string { return t.prefix + key }

func (t *Tier) Name() string { return component }

func (t *Tier) Get(key string) (types.Value, bool) {
	v, _, ok := t.GetWithTTL(key)
	return v, ok
}

// GetWithTTL reads the value and its remaining native TTL in one round trip.
func (t *Tier) GetWithTTL(key string) (types.Value, time.Duration, bool) {
	t.mu.RLock()
	_, ok := t.index[key]
	closed := t.closed
	t.mu.RUnlock()
	if !ok || closed {
		t.misses.Add(1)
		return nil, 0, false
	}

	var (
		data []byte
		left time.Duration
	)
	err := t.call(func(ctx context.Context) error {
		pipe := t.client.Pipeline()
		get := pipe.Get(ctx, t.redisKey(key))
		ttl := pipe.PTTL(ctx, t.redisKey(key))
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var err error
		if data, err = get.Bytes(); err != nil {
			return err
		}
		left = ttl.Val()
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			t.forget(key, true)
		} else {
			t.errs.Add(1)
			t.logger.Debug("redis get failed", zap.String("key", key), zap.Error(err))
		}
		t.misses.Add(1)
		return nil, 0, false
	}

	v, err := t.codec.Unmarshal(data)
	if err != nil {
		t.errs.Add(1)
		t.logger.Debug("discarding undecodable value", zap.String("key", key), zap.Error(err))
		t.mu.Lock()
		_ = t.removeLocked(key, "get")
		t.mu.Unlock()
		t.misses.Add(1)
		return nil, 0, false
	}

	// PTTL reports negative values for keys without expiry
	if left < 0 {
		left = 0
	}
	t.trackMu.Lock()
	t.tracker.Touch(key)
	t.trackMu.Unlock()
	t.hits.Add(1)
	return v, left, true
}

// forget drops key after Redis expired or lost it.
func (t *Tier) forget(key string, expired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[key]; !ok {
		return
	}
	t.forgetLocked(key)
	if expired {
		t.expirations++
	}
}

func (t *Tier) Set(key string, value types.Value, ttl time.Duration) error {
	data, err := t.codec.Marshal(value)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return stopped("set")
	}
	if _, exists := t.index[key]; !exists && len(t.index) >= t.maxSize {
		if err := t.evictLocked(context.Background()); err != nil {
			return err
		}
	}

	err = t.call(func(ctx context.Context) error {
		return t.client.Set(ctx, t.redisKey(key), data, ttl).Err()
	})
	if err != nil {
		t.errs.Add(1)
		return t.wrap(err, "set", key)
	}

	t.addLocked(key, types.Deadline(t.now(), ttl))
	t.sets++
	return nil
}

func (t *Tier) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return stopped("delete")
	}
	t.deletes++
	if _, ok := t.index[key]; !ok {
		return nil
	}
	return t.removeLocked(key, "delete")
}

// Clear deletes every key under the prefix, indexed or not. Other keys in
// the database are left alone.
func (t *Tier) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return stopped("clear")
	}
	t.clears++

	keys, err := t.scan(context.Background())
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += scanCount {
		batch := keys[start:min(start+scanCount, len(keys))]
		err := t.call(func(ctx context.Context) error {
			return t.client.Del(ctx, batch...).Err()
		})
		if err != nil {
			t.errs.Add(1)
			return t.wrap(err, "clear", "")
		}
	}

	for key := range t.index {
		t.forgetLocked(key)
	}
	return nil
}

// Compact reconciles the index with Redis: keys that expired or vanished
// are forgotten and prefixed keys the index does not know are deleted.
func (t *Tier) Compact() error {
	keys, err := t.scan(context.Background())
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return stopped("compact")
	}

	live := make(map[string]struct{}, len(keys))
	var orphans []string
	for _, k := range keys {
		key := k[len(t.prefix):]
		if _, ok := t.index[key]; ok {
			live[key] = struct{}{}
		} else {
			orphans = append(orphans, k)
		}
	}
	for key := range t.index {
		if _, ok := live[key]; !ok {
			t.forgetLocked(key)
		}
	}
	if len(orphans) > 0 {
		err := t.call(func(ctx context.Context) error {
			return t.client.Del(ctx, orphans...).Err()
		})
		if err != nil {
			t.errs.Add(1)
			return t.wrap(err, "compact", "")
		}
	}

	t.compactions++
	t.logger.Debug("compaction finished",
		zap.Int("entries", len(t.index)),
		zap.Int("orphans_removed", len(orphans)))
	return nil
}

// PurgeExpired forgets index entries whose deadline passed. Redis has
// already dropped the keys themselves.
func (t *Tier) PurgeExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	purged := 0
	for key, deadline := range t.index {
		if _, expired := types.Remaining(now, deadline); expired {
			t.forgetLocked(key)
			t.expirations++
			purged++
		}
	}
	return purged
}

func (t *Tier) evictLocked(ctx context.Context) error {
	t.trackMu.Lock()
	victim, ok := t.tracker.Victim()
	t.trackMu.Unlock()
	if !ok {
		return cacheerrors.NewError(cacheerrors.ErrCodeIndexInconsistent, "index is full but nothing is tracked").
			WithComponent(component).WithOperation("evict")
	}
	if err := t.removeLocked(victim, "evict"); err != nil {
		return err
	}
	t.evictions++
	return nil
}

func (t *Tier) removeLocked(key, op string) error {
	err := t.call(func(ctx context.Context) error {
		return t.client.Del(ctx, t.redisKey(key)).Err()
	})
	if err != nil {
		t.errs.Add(1)
		return t.wrap(err, op, key)
	}
	t.forgetLocked(key)
	return nil
}

func (t *Tier) addLocked(key string, deadline int64) {
	t.index[key] = deadline
	t.trackMu.Lock()
	t.tracker.Add(key)
	t.trackMu.Unlock()
}

func (t *Tier) forgetLocked(key string) {
	delete(t.index, key)
	t.trackMu.Lock()
	t.tracker.Remove(key)
	t.trackMu.Unlock()
}

func (t *Tier) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}

func (t *Tier) MaxSize() int { return t.maxSize }

// Breaker exposes the circuit breaker state for diagnostics.
func (t *Tier) Breaker() circuit.Stats { return t.breaker.Stats() }

func (t *Tier) Stats() types.TierStats {
	t.mu.RLock()
	st := types.TierStats{
		Name:        component,
		Sets:        t.sets,
		Deletes:     t.deletes,
		Clears:      t.clears,
		Evictions:   t.evictions,
		Expirations: t.expirations,
		Compactions: t.compactions,
		Entries:     len(t.index),
		MaxEntries:  t.maxSize,
	}
	t.mu.RUnlock()

	st.Hits = t.hits.Load()
	st.Misses = t.misses.Load()
	st.Errors = t.errs.Load()
	st.Finalize()
	return st
}

// Close stops the tier and closes the client if the tier created it.
func (t *Tier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.owned {
		return t.client.Close()
	}
	return nil
}

func stopped(op string) error {
	return cacheerrors.NewError(cacheerrors.ErrCodeComponentStopped, "tier is closed").
		WithComponent(component).WithOperation(op)
}
