package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/pkg/errors"
)

func TestJSON_RoundTrip(t *testing.T) {
	t.Parallel()

	value := map[string]any{
		"name":  "ada",
		"age":   float64(36),
		"tags":  []any{"x", "y"},
		"admin": true,
		"meta":  map[string]any{"nested": nil},
	}

	data, err := Default.Marshal(value)
	require.NoError(t, err)

	got, err := Default.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, value, got)
	assert.Equal(t, "json", Default.Name())
}

func TestJSON_Errors(t *testing.T) {
	t.Parallel()

	_, err := Default.Marshal(make(chan int))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSerialize))

	_, err = Default.Unmarshal([]byte("{not json"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDeserialize))
}

func TestRecord_EncodeDecode(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	rec := NewRecord("u:1", []byte(`{"name":"ada"}`), now, now.Add(time.Minute).UnixNano())

	for _, compress := range []bool{false, true} {
		data, err := EncodeRecord(rec, compress)
		require.NoError(t, err)
		if compress {
			assert.Equal(t, gzipMagic, data[:2])
		} else {
			assert.Equal(t, byte('{'), data[0])
		}

		got, err := DecodeRecord(data)
		require.NoError(t, err)
		assert.Equal(t, rec.Key, got.Key)
		assert.Equal(t, rec.Value, got.Value)
		assert.Equal(t, rec.ExpiresAt, got.ExpiresAt)
		assert.True(t, rec.StoredAt.Equal(got.StoredAt))
	}
}

func TestRecord_Expired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	assert.False(t, NewRecord("k", nil, now, 0).Expired(now.Add(time.Hour)))
	assert.False(t, NewRecord("k", nil, now, now.Add(time.Second).UnixNano()).Expired(now))
	assert.True(t, NewRecord("k", nil, now, now.Add(time.Second).UnixNano()).Expired(now.Add(time.Second)))
}

func TestDecodeRecord_Corrupt(t *testing.T) {
	t.Parallel()

	rec := NewRecord("k", []byte("1"), time.Now(), 0)
	rec.Checksum = "deadbeef"
	tampered, err := EncodeRecord(rec, false)
	require.NoError(t, err)

	tests := map[string][]byte{
		"garbage":           []byte("not a record"),
		"truncated gzip":    {0x1f, 0x8b, 0x08},
		"missing key":       []byte(`{"value":"MQ==","checksum":"x"}`),
		"checksum mismatch": tampered,
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord(data)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeDeserialize))
		})
	}
}
