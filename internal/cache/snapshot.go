package cache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Warm tier snapshot layout, little endian:
//
//	magic "TCW2" | version uint32 | count uint32
//	count × (uvarint keyLen | key | varint expiresAt | uvarint valueLen | value)
//	xxhash64 of everything above, uint64
//
// The file is always rewritten whole.
const (
	snapshotMagic   = "TCW2"
	snapshotVersion = uint32(1)

	snapshotHeaderSize  = 12
	snapshotTrailerSize = 8
)

// snapshotEntry is one serialized warm tier entry. After decodeSnapshot the
// value slice aliases the decoded buffer.
type snapshotEntry struct {
	key       string
	expiresAt int64
	value     []byte
}

// snapshotWriter serializes entries in the order given.
type snapshotWriter struct {
	entries []snapshotEntry
}

var _ io.WriterTo = (*snapshotWriter)(nil)

func (s *snapshotWriter) WriteTo(w io.Writer) (nn int64, err error) {
	digest := xxhash.New()
	out := writerFunc(func(p []byte) (int, error) {
		n, err := w.Write(p)
		nn += int64(n)
		_, _ = digest.Write(p[:n])
		return n, err
	})

	var header [snapshotHeaderSize]byte
	copy(header[:4], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:8], snapshotVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(s.entries)))
	if _, err = out.Write(header[:]); err != nil {
		return
	}

	var scratch [binary.MaxVarintLen64]byte
	for _, e := range s.entries {
		n := binary.PutUvarint(scratch[:], uint64(len(e.key)))
		if _, err = out.Write(scratch[:n]); err != nil {
			return
		}
		if _, err = io.WriteString(out, e.key); err != nil {
			return
		}
		n = binary.PutVarint(scratch[:], e.expiresAt)
		if _, err = out.Write(scratch[:n]); err != nil {
			return
		}
		n = binary.PutUvarint(scratch[:], uint64(len(e.value)))
		if _, err = out.Write(scratch[:n]); err != nil {
			return
		}
		if _, err = out.Write(e.value); err != nil {
			return
		}
	}

	var trailer [snapshotTrailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:], digest.Sum64())
	n, err := w.Write(trailer[:])
	nn += int64(n)
	return
}

// decodeSnapshot parses a snapshot. Returned values alias data.
func decodeSnapshot(data []byte) ([]snapshotEntry, error) {
	if len(data) < snapshotHeaderSize+snapshotTrailerSize {
		return nil, fmt.Errorf("snapshot truncated: %d bytes", len(data))
	}
	if string(data[:4]) != snapshotMagic {
		return nil, fmt.Errorf("bad snapshot magic %q", data[:4])
	}
	bodyEnd := len(data) - snapshotTrailerSize
	if want, got := binary.LittleEndian.Uint64(data[bodyEnd:]), xxhash.Sum64(data[:bodyEnd]); want != got {
		return nil, fmt.Errorf("snapshot checksum mismatch: stored %x, computed %x", want, got)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", v)
	}
	count := binary.LittleEndian.Uint32(data[8:12])

	body := data[snapshotHeaderSize:bodyEnd]
	// every entry needs at least three length bytes
	if uint64(count)*3 > uint64(len(body)) {
		return nil, fmt.Errorf("snapshot entry count %d exceeds body size %d", count, len(body))
	}

	entries := make([]snapshotEntry, 0, count)
	off := 0
	readLen := func(what string) (int, error) {
		v, n := binary.Uvarint(body[off:])
		if n <= 0 {
			return 0, fmt.Errorf("bad %s length at offset %d", what, off)
		}
		off += n
		if v > uint64(len(body)-off) {
			return 0, fmt.Errorf("%s length %d overruns snapshot at offset %d", what, v, off)
		}
		return int(v), nil
	}

	for i := uint32(0); i < count; i++ {
		keyLen, err := readLen("key")
		if err != nil {
			return nil, err
		}
		key := string(body[off : off+keyLen])
		off += keyLen

		expiresAt, n := binary.Varint(body[off:])
		if n <= 0 {
			return nil, fmt.Errorf("bad expiry for key %q", key)
		}
		off += n

		valLen, err := readLen("value")
		if err != nil {
			return nil, err
		}
		entries = append(entries, snapshotEntry{
			key:       key,
			expiresAt: expiresAt,
			value:     body[off : off+valLen : off+valLen],
		})
		off += valLen
	}
	if off != len(body) {
		return nil, fmt.Errorf("snapshot has %d trailing bytes", len(body)-off)
	}
	return entries, nil
}

// writeFileAtomic writes path through a fsynced temporary file and a rename,
// so readers see either the old content or the new content.
func writeFileAtomic(path string, src io.WriterTo) (int64, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return 0, err
	}

	cleanup := func(err error) (int64, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, err
	}

	bw := bufio.NewWriterSize(f, 64<<10)
	n, err := src.WriteTo(bw)
	if err != nil {
		return cleanup(err)
	}
	if err := bw.Flush(); err != nil {
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// bytesWriterTo adapts a byte slice to io.WriterTo.
type bytesWriterTo []byte

func (b bytesWriterTo) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b)
	return int64(n), err
}
