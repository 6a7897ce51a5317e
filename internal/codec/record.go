package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tiercache/tiercache/pkg/errors"
)

// Record is the unit persisted per key by the cold tiers.
type Record struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt int64     `json:"expires_at,omitempty"` // unix nanos, 0 = never
	Checksum  string    `json:"checksum"`
}

// NewRecord builds a record for key holding encoded value bytes.
func NewRecord(key string, value []byte, now time.Time, expiresAt int64) *Record {
	return &Record{
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: expiresAt,
		Checksum:  checksum(value),
	}
}

// Expired reports whether the record's deadline has passed.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != 0 && now.UnixNano() >= r.ExpiresAt
}

// Verify checks the value against the stored checksum.
func (r *Record) Verify() error {
	if checksum(r.Value) != r.Checksum {
		return errors.NewError(errors.ErrCodeDeserialize, "checksum mismatch").
			WithComponent("codec").WithKey(r.Key)
	}
	return nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// EncodeRecord serializes r, gzip-compressing the output when compress is set.
func EncodeRecord(r *Record, compress bool) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerialize, "failed to encode record", err).
			WithComponent("codec").WithKey(r.Key)
	}
	if !compress {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerialize, "failed to compress record", err).
			WithComponent("codec").WithKey(r.Key)
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerialize, "failed to compress record", err).
			WithComponent("codec").WithKey(r.Key)
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses data produced by EncodeRecord, compressed or not,
// and verifies the checksum.
func DecodeRecord(data []byte) (*Record, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeDeserialize, "invalid gzip header", err).
				WithComponent("codec")
		}
		defer func() { _ = zr.Close() }()

		plain, err := io.ReadAll(zr)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeDeserialize, "failed to decompress record", err).
				WithComponent("codec")
		}
		data = plain
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDeserialize, "failed to decode record", err).
			WithComponent("codec")
	}
	if r.Key == "" {
		return nil, errors.NewError(errors.ErrCodeDeserialize, "record has no key").
			WithComponent("codec")
	}
	if err := r.Verify(); err != nil {
		return nil, err
	}
	return &r, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String implements fmt.Stringer for log fields.
func (r *Record) String() string {
	return fmt.Sprintf("record{key=%q bytes=%d stored=%s}", r.Key, len(r.Value), r.StoredAt.Format(time.RFC3339))
}
