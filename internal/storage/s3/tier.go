package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/circuit"
	"github.com/tiercache/tiercache/internal/codec"
	"github.com/tiercache/tiercache/internal/policy"
	cacheerrors "github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/retry"
	"github.com/tiercache/tiercache/pkg/types"
)

const component = "s3"

// API is the subset of *s3.Client the tier uses.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures an S3 backed cold tier
type Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	RequestTimeout  time.Duration

	MaxSize     int
	Policy      policy.EvictionPolicy
	Compression bool
	Codec       codec.Codec
	Logger      *zap.Logger
	Breaker     *circuit.Config
	Retry       *retry.Config // nil disables retries
}

// Tier stores one object per key under a bucket prefix. Objects hold the
// same record format as the file tier. The in-memory index is rebuilt from a
// listing at startup and is authoritative for Size and capacity; mutations
// hold mu across the remote call so index and bucket stay in step.
type Tier struct {
	client  API
	bucket  string
	prefix  string
	timeout time.Duration

	maxSize  int
	compress bool
	codec    codec.Codec
	logger   *zap.Logger
	breaker  *circuit.CircuitBreaker
	retryer  *retry.Retryer
	now      func() time.Time

	mu     sync.RWMutex
	index  map[string]*item
	bytes  int64
	closed bool

	trackMu sync.Mutex
	tracker policy.Tracker

	hits, misses, errs atomic.Uint64

	sets, deletes, clears, evictions, expirations, compactions uint64
}

type item struct {
	size      int64
	expiresAt int64 // 0 when unknown or never
}

// New loads the AWS configuration and opens the tier.
func New(ctx context.Context, cfg Config) (*Tier, error) {
	if cfg.Bucket == "" {
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent(component)
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, cacheerrors.Wrap(cacheerrors.ErrCodeInvalidConfig, "failed to load AWS config", err).
			WithComponent(component)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithClient(ctx, client, cfg)
}

// NewWithClient opens the tier on an existing client and rebuilds the index
// from the objects under the prefix.
func NewWithClient(ctx context.Context, client API, cfg Config) (*Tier, error) {
	if cfg.Bucket == "" {
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent(component)
	}
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
		cfg.RequestTimeout = 5 * time.Second
	}
	breaker := circuit.DefaultConfig()
	if cfg.Breaker != nil {
		breaker = *cfg.Breaker
	}
	breaker.IsSuccessful = func(err error) bool { return err == nil || isNotFound(err) }

	t := &Tier{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		timeout:  cfg.RequestTimeout,
		maxSize:  cfg.MaxSize,
		compress: cfg.Compression,
		codec:    cfg.Codec,
		logger:   cfg.Logger,
		breaker:  circuit.NewCircuitBreaker("s3:"+cfg.Bucket, breaker),
		now:      time.Now,
		index:    make(map[string]*item),
		tracker:  tracker,
	}
	if cfg.Retry != nil {
		t.retryer = newRetryer(*cfg.Retry, cfg.Logger, isNotFound)
	}
	if err := t.load(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// load indexes the objects under the prefix, oldest first, and evicts any
// excess over capacity.
func (t *Tier) load(ctx context.Context) error {
	objects, err := t.list(ctx)
	if err != nil {
		return err
	}
	sort.Slice(objects, func(i, j int) bool {
		return aws.ToTime(objects[i].LastModified).Before(aws.ToTime(objects[j].LastModified))
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, obj := range objects {
		key, ok := t.keyOf(aws.ToString(obj.Key))
		if !ok {
			continue
		}
		t.addLocked(key, &item{size: aws.ToInt64(obj.Size)})
	}
	evicted := 0
	for len(t.index) > t.maxSize {
		if err := t.evictLocked(ctx); err != nil {
			return err
		}
		evicted++
	}
	t.logger.Info("s3 tier loaded",
		zap.String("bucket", t.bucket),
		zap.String("prefix", t.prefix),
		zap.Int("entries", len(t.index)),
		zap.Int("evicted", evicted))
	return nil
}

func (t *Tier) list(ctx context.Context) ([]s3types.Object, error) {
	var objects []s3types.Object
	p := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(t.prefix),
	})
	for p.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := t.call(ctx, func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, t.wrap(err, "list", "")
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

// objectKey maps a cache key to its object name. Escaping keeps distinct
// keys distinct, so unlike the file tier there are no collisions.
func (t *Tier) objectKey(key string) string {
	return t.prefix + url.PathEscape(key)
}

func (t *Tier) keyOf(objectKey string) (string, bool) {
	if !strings.HasPrefix(objectKey, t.prefix) {
		return "", false
	}
	key, err := url.PathUnescape(objectKey[len(t.prefix):])
	if err != nil {
		return "", false
	}
	return key, true
}

// call runs fn through the breaker with the per-request timeout, retrying
// transient failures when a retry policy is configured.
func (t *Tier) call(ctx context.Context, fn func(context.Context) error) error {
	attempt := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		return t.breaker.ExecuteWithContext(ctx, fn)
	}
	if t.retryer == nil {
		return attempt(ctx)
	}
	return t.retryer.DoWithContext(ctx, attempt)
}

// newRetryer retries everything except answers (miss) and the breaker
// refusing the call.
func newRetryer(cfg retry.Config, logger *zap.Logger, isAnswer func(error) bool) *retry.Retryer {
	cfg.IsRetryable = func(err error) bool {
		return !isAnswer(err) &&
			!errors.Is(err, circuit.ErrOpenState) &&
			!errors.Is(err, circuit.ErrTooManyRequests) &&
			!errors.Is(err, context.Canceled)
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying request",
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
		WithComponent(component).WithOperation(op).WithKey(key).
		WithDetail("bucket", t.bucket)
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (t *Tier) Name() string { return component }

func (t *Tier) Get(key string) (types.Value, bool) {
	v, _, ok := t.GetWithTTL(key)
	return v, ok
}

// GetWithTTL fetches the object for an indexed key. Unindexed keys are
// misses without a request.
func (t *Tier) GetWithTTL(key string) (types.Value, time.Duration, bool) {
	now := t.now()

	t.mu.RLock()
	it, ok := t.index[key]
	closed := t.closed
	t.mu.RUnlock()
	if !ok || closed {
		t.misses.Add(1)
		return nil, 0, false
	}
	if _, expired := types.Remaining(now, it.expiresAt); expired {
		t.dropIfSame(key, it, true, true)
		t.misses.Add(1)
		return nil, 0, false
	}

	var data []byte
	err := t.call(context.Background(), func(ctx context.Context) error {
		out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(t.objectKey(key)),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			t.dropIfSame(key, it, false, false)
		} else {
			t.errs.Add(1)
			t.logger.Debug("s3 get failed", zap.String("key", key), zap.Error(err))
		}
		t.misses.Add(1)
		return nil, 0, false
	}

	rec, err := codec.DecodeRecord(data)
	if err != nil || rec.Key != key {
		t.errs.Add(1)
		t.logger.Debug("discarding corrupt object", zap.String("key", key), zap.Error(err))
		t.dropIfSame(key, it, true, false)
		t.misses.Add(1)
		return nil, 0, false
	}
	left, expired := types.Remaining(now, rec.ExpiresAt)
	if expired {
		t.dropIfSame(key, it, true, true)
		t.misses.Add(1)
		return nil, 0, false
	}
	v, err := t.codec.Unmarshal(rec.Value)
	if err != nil {
		t.errs.Add(1)
		t.dropIfSame(key, it, true, false)
		t.misses.Add(1)
		return nil, 0, false
	}

	t.trackMu.Lock()
	t.tracker.Touch(key)
	t.trackMu.Unlock()
	t.hits.Add(1)
	return v, left, true
}

func (t *Tier) dropIfSame(key string, it *item, removeObject, expired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.index[key] != it {
		return
	}
	if removeObject {
		if err := t.deleteObject(context.Background(), key); err != nil {
			t.logger.Warn("failed to remove object", zap.String("key", key), zap.Error(err))
			return
		}
	}
	t.forgetLocked(key, it)
	if expired {
		t.expirations++
	}
}

func (t *Tier) Set(key string, value types.Value, ttl time.Duration) error {
	data, err := t.codec.Marshal(value)
	if err != nil {
		return err
	}
	now := t.now()
	deadline := types.Deadline(now, ttl)
	blob, err := codec.EncodeRecord(codec.NewRecord(key, data, now, deadline), t.compress)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return stopped("set")
	}
	old, exists := t.index[key]
	if !exists && len(t.index) >= t.maxSize {
		if err := t.evictLocked(context.Background()); err != nil {
			return err
		}
	}

	err = t.call(context.Background(), func(ctx context.Context) error {
		_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(t.bucket),
			Key:           aws.String(t.objectKey(key)),
			Body:          bytes.NewReader(blob),
			ContentLength: aws.Int64(int64(len(blob))),
			ContentType:   aws.String(contentType(t.compress)),
		})
		return err
	})
	if err != nil {
		t.errs.Add(1)
		return t.wrap(err, "set", key)
	}

	if exists {
		t.bytes -= old.size
	}
	t.addLocked(key, &item{size: int64(len(blob)), expiresAt: deadline})
	t.sets++
	return nil
}

func contentType(compressed bool) string {
	if compressed {
		return "application/gzip"
	}
	return "application/json"
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
	return t.removeLocked(context.Background(), key, "delete")
}

// Clear deletes every indexed object. Objects that cannot be deleted stay
// indexed and the first error is returned.
func (t *Tier) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return stopped("clear")
	}
	t.clears++

	var firstErr error
	for key := range t.index {
		if err := t.removeLocked(context.Background(), key, "clear"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Compact reconciles the index with the bucket: expired entries are deleted,
// index entries without an object are forgotten and objects under the
// prefix that the index does not know are removed.
func (t *Tier) Compact() error {
	ctx := context.Background()
	objects, err := t.list(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return stopped("compact")
	}

	remote := make(map[string]struct{}, len(objects))
	orphans := 0
	for _, obj := range objects {
		key, ok := t.keyOf(aws.ToString(obj.Key))
		if ok {
			if _, indexed := t.index[key]; indexed {
				remote[key] = struct{}{}
				continue
			}
		}
		err := t.call(ctx, func(ctx context.Context) error {
			_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(t.bucket),
				Key:    obj.Key,
			})
			return err
		})
		if err == nil {
			orphans++
		}
	}

	now := t.now()
	for key, it := range t.index {
		if _, ok := remote[key]; !ok {
			t.forgetLocked(key, it)
			continue
		}
		if _, expired := types.Remaining(now, it.expiresAt); expired {
			if t.removeLocked(ctx, key, "compact") == nil {
				t.expirations++
			}
		}
	}

	t.compactions++
	t.logger.Debug("compaction finished",
		zap.Int("entries", len(t.index)),
		zap.Int("orphans_removed", orphans))
	return nil
}

// PurgeExpired deletes entries whose known deadline passed.
func (t *Tier) PurgeExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	purged := 0
	for key, it := range t.index {
		if _, expired := types.Remaining(now, it.expiresAt); !expired {
			continue
		}
		if t.removeLocked(context.Background(), key, "purge") == nil {
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
	if err := t.removeLocked(ctx, victim, "evict"); err != nil {
		return err
	}
	t.evictions++
	return nil
}

func (t *Tier) deleteObject(ctx context.Context, key string) error {
	return t.call(ctx, func(ctx context.Context) error {
		_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(t.objectKey(key)),
		})
		return err
	})
}

// removeLocked deletes key's object and forgets it. A missing object counts
// as removed.
func (t *Tier) removeLocked(ctx context.Context, key, op string) error {
	it, ok := t.index[key]
	if !ok {
		return nil
	}
	if err := t.deleteObject(ctx, key); err != nil && !isNotFound(err) {
		t.errs.Add(1)
		return t.wrap(err, op, key)
	}
	t.forgetLocked(key, it)
	return nil
}

func (t *Tier) addLocked(key string, it *item) {
	t.index[key] = it
	t.bytes += it.size
	t.trackMu.Lock()
	t.tracker.Add(key)
	t.trackMu.Unlock()
}

func (t *Tier) forgetLocked(key string, it *item) {
	delete(t.index, key)
	t.bytes -= it.size
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
		Bytes:       t.bytes,
	}
	t.mu.RUnlock()

	st.Hits = t.hits.Load()
	st.Misses = t.misses.Load()
	st.Errors = t.errs.Load()
	st.Finalize()
	return st
}

// Close stops the tier. Objects stay in the bucket.
func (t *Tier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func stopped(op string) error {
	return cacheerrors.NewError(cacheerrors.ErrCodeComponentStopped, "tier is closed").
		WithComponent(component).WithOperation(op)
}
