package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/internal/circuit"
	"github.com/tiercache/tiercache/internal/policy"
	cacheerrors "github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/retry"
)

type fakeObject struct {
	data     []byte
	modified time.Time
}

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	clock   time.Time
	failPut error
	failAll error
	gets    int
	puts    int

	// flakyPuts fails that many PutObject calls before succeeding
	flakyPuts int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject), clock: time.Unix(1700000000, 0)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failAll != nil {
		return nil, f.failAll
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.puts++
	if f.failPut != nil {
		return nil, f.failPut
	}
	if f.flakyPuts > 0 {
		f.flakyPuts--
		return nil, errors.New("connection reset by peer")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.clock = f.clock.Add(time.Second)
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, modified: f.clock}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		obj := f.objects[k]
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}
	return out, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTestTier(t *testing.T, client API, maxSize int) *Tier {
	t.Helper()
	tier, err := NewWithClient(context.Background(), client, Config{
		Bucket:  "cache-bucket",
		Prefix:  "tc/",
		MaxSize: maxSize,
	})
	require.NoError(t, err)
	return tier
}

func TestNewWithClient_Validation(t *testing.T) {
	_, err := NewWithClient(context.Background(), newFakeS3(), Config{MaxSize: 1})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidConfig))

	_, err = NewWithClient(context.Background(), newFakeS3(), Config{Bucket: "b"})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeCapacityInvalid))

	_, err = NewWithClient(context.Background(), newFakeS3(), Config{Bucket: "b", MaxSize: 1, Policy: "mru"})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidConfig))
}

func TestTier_RoundTrip(t *testing.T) {
	fake := newFakeS3()
	tier := newTestTier(t, fake, 10)

	require.NoError(t, tier.Set("user:1", map[string]interface{}{"name": "ada"}, 0))
	v, ok := tier.Get("user:1")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"name": "ada"}, v)
	assert.Equal(t, []string{"tc/user:1"}, fake.keys())

	_, ok = tier.Get("missing")
	assert.False(t, ok)

	st := tier.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, "s3", st.Name)
}

func TestTier_KeysAreEscaped(t *testing.T) {
	fake := newFakeS3()
	tier := newTestTier(t, fake, 10)

	require.NoError(t, tier.Set("a/b c", "x", 0))
	require.NoError(t, tier.Set("a:b_c", "y", 0))
	assert.Equal(t, 2, tier.Size())

	v, ok := tier.Get("a/b c")
	require.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestTier_CapacityEvictsVictim(t *testing.T) {
	fake := newFakeS3()
	tier := newTestTier(t, fake, 2)

	require.NoError(t, tier.Set("a", 1.0, 0))
	require.NoError(t, tier.Set("b", 2.0, 0))
	require.NoError(t, tier.Set("c", 3.0, 0))

	assert.Equal(t, 2, tier.Size())
	assert.Equal(t, []string{"tc/b", "tc/c"}, fake.keys())
	assert.Equal(t, uint64(1), tier.Stats().Evictions)
}

func TestTier_ReopenRebuildsIndex(t *testing.T) {
	fake := newFakeS3()
	tier := newTestTier(t, fake, 10)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tier.Set(k, k, 0))
	}
	require.NoError(t, tier.Close())

	reopened := newTestTier(t, fake, 2)
	assert.Equal(t, 2, reopened.Size())
	_, ok := reopened.Get("a")
	assert.False(t, ok, "oldest object should be evicted on load")
	v, ok := reopened.Get("c")
	require.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestTier_TTL(t *testing.T) {
	fake := newFakeS3()
	tier := newTestTier(t, fake, 10)
	now := time.Now()
	tier.now = func() time.Time { return now }

	require.NoError(t, tier.Set("k", "v", time.Minute))
	v, left, ok := tier.GetWithTTL("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, time.Minute, left)

	now = now.Add(2 * time.Minute)
	_, ok = tier.Get("k")
	assert.False(t, ok)
	assert.Empty(t, fake.keys())
	assert.Equal(t, uint64(1), tier.Stats().Expirations)
}

func TestTier_PurgeExpired(t *testing.T) {
	fake := newFakeS3()
	tier := newTestTier(t, fake, 10)
	now := time.Now()
	tier.now = func() time.Time { return now }

	require.NoError(t, tier.Set("short", 1.0, time.Second))
	require.NoError(t, tier.Set("long", 2.0, 0))
	now = now.Add(time.Minute)

	assert.Equal(t, 1, tier.PurgeExpired())
	assert.Equal(t, []string{"tc/long"}, fake.keys())
}

func TestTier_DeleteAndClear(t *testing.T) {
	fake := newFakeS3()
	fake.objects["other/keep"] = fakeObject{data: []byte("x")}
	tier := newTestTier(t, fake, 10)

	require.NoError(t, tier.Set("a", 1.0, 0))
	require.NoError(t, tier.Set("b", 2.0, 0))
	require.NoError(t, tier.Delete("a"))
	require.NoError(t, tier.Delete("a"))
	assert.Equal(t, 1, tier.Size())

	require.NoError(t, tier.Clear())
	require.NoError(t, tier.Clear())
	assert.Equal(t, 0, tier.Size())
	assert.Equal(t, []string{"other/keep"}, fake.keys())
}

func TestTier_MissingObjectIsMiss(t *testing.T) {
	fake := newFakeS3()
	tier := newTestTier(t, fake, 10)
	require.NoError(t, tier.Set("a", 1.0, 0))

	fake.mu.Lock()
	delete(fake.objects, "tc/a")
	fake.mu.Unlock()

	_, ok := tier.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, tier.Size())
}

func TestTier_CorruptObjectIsDropped(t *testing.T) {
	fake := newFakeS3()
	tier := newTestTier(t, fake, 10)
	require.NoError(t, tier.Set("a", 1.0, 0))

	fake.mu.Lock()
	fake.objects["tc/a"] = fakeObject{data: []byte("not a record")}
	fake.mu.Unlock()

	_, ok := tier.Get("a")
	assert.False(t, ok)
	assert.Empty(t, fake.keys())
	assert.Equal(t, uint64(1), tier.Stats().Errors)
}

func TestTier_Compact(t *testing.T) {
	fake := newFakeS3()
	tier := newTestTier(t, fake, 10)
	require.NoError(t, tier.Set("a", 1.0, 0))
	require.NoError(t, tier.Set("b", 2.0, 0))

	fake.mu.Lock()
	delete(fake.objects, "tc/b")
	fake.objects["tc/orphan"] = fakeObject{data: []byte("x")}
	fake.mu.Unlock()

	require.NoError(t, tier.Compact())
	assert.Equal(t, 1, tier.Size())
	assert.Equal(t, []string{"tc/a"}, fake.keys())
	assert.Equal(t, uint64(1), tier.Stats().Compactions)
}

func TestTier_SetFailureKeepsIndex(t *testing.T) {
	fake := newFakeS3()
	tier := newTestTier(t, fake, 10)
	require.NoError(t, tier.Set("a", 1.0, 0))

	fake.failPut = errors.New("throttled")
	err := tier.Set("b", 2.0, 0)
	require.Error(t, err)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeRemoteOperation))
	assert.Equal(t, 1, tier.Size())
}

func TestTier_BreakerOpens(t *testing.T) {
	fake := newFakeS3()
	tier, err := NewWithClient(context.Background(), fake, Config{
		Bucket:  "cache-bucket",
		MaxSize: 10,
		Breaker: &circuit.Config{FailureThreshold: 2, Timeout: time.Hour},
	})
	require.NoError(t, err)

	fake.failPut = errors.New("connection reset")
	require.Error(t, tier.Set("a", 1.0, 0))
	require.Error(t, tier.Set("a", 1.0, 0))

	err = tier.Set("a", 1.0, 0)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeRemoteUnavailable))
	assert.Equal(t, circuit.StateOpen.String(), tier.Breaker().State)
}

func TestTier_NotFoundDoesNotTripBreaker(t *testing.T) {
	fake := newFakeS3()
	tier, err := NewWithClient(context.Background(), fake, Config{
		Bucket:  "cache-bucket",
		MaxSize: 10,
		Policy:  policy.LRU,
		Breaker: &circuit.Config{FailureThreshold: 1, Timeout: time.Hour},
	})
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tier.Set(k, k, 0))
		fake.mu.Lock()
		delete(fake.objects, k)
		fake.mu.Unlock()
		_, ok := tier.Get(k)
		assert.False(t, ok)
	}
	assert.Equal(t, circuit.StateClosed.String(), tier.Breaker().State)
}

func TestTier_Closed(t *testing.T) {
	tier := newTestTier(t, newFakeS3(), 10)
	require.NoError(t, tier.Set("a", 1.0, 0))
	require.NoError(t, tier.Close())

	_, ok := tier.Get("a")
	assert.False(t, ok)
	assert.True(t, cacheerrors.IsCode(tier.Set("b", 1.0, 0), cacheerrors.ErrCodeComponentStopped))
	assert.True(t, cacheerrors.IsCode(tier.Delete("a"), cacheerrors.ErrCodeComponentStopped))
}

func retryingTier(t *testing.T, client API, attempts int) *Tier {
	t.Helper()
	rc := retry.DefaultConfig()
	rc.MaxAttempts = attempts
	rc.InitialDelay = time.Millisecond
	rc.Jitter = false
	tier, err := NewWithClient(context.Background(), client, Config{
		Bucket:  "cache-bucket",
		Prefix:  "tc/",
		MaxSize: 10,
		Retry:   &rc,
	})
	require.NoError(t, err)
	return tier
}

func TestTier_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.flakyPuts = 2
	tier := retryingTier(t, fake, 3)

	require.NoError(t, tier.Set("a", "v", 0))
	assert.Equal(t, 3, fake.puts)

	got, ok := tier.Get("a")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestTier_RetriesGiveUp(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.flakyPuts = 5
	tier := retryingTier(t, fake, 2)

	err := tier.Set("a", "v", 0)
	require.Error(t, err)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeRemoteOperation))
	assert.Equal(t, 2, fake.puts)
	assert.Zero(t, tier.Size())
}

func TestTier_MissIsNotRetried(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	tier := retryingTier(t, fake, 3)
	require.NoError(t, tier.Set("a", "v", 0))

	// drop the object behind the tier's back
	fake.mu.Lock()
	fake.objects = make(map[string]fakeObject)
	fake.gets = 0
	fake.mu.Unlock()

	_, ok := tier.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, fake.gets)
}
