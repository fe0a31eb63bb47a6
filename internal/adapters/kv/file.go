package kv

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/dalebradshaw/healthsync/internal/ports"
)

const recordHeaderLen = 8

// ErrCorruptRecord is returned when a stored file fails its length or checksum
// check.
var ErrCorruptRecord = errors.New("kv: corrupt record")

// FileKV stores one file per key under dir. Writes go to a temp file that is
// fsynced and renamed over the old one, so readers only ever observe complete
// values.
type FileKV struct {
	mu  sync.Mutex
	dir string
}

func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f := &FileKV{dir: dir}
	if err := f.sweepTemp(); err != nil {
		return nil, err
	}
	return f, nil
}

// sweepTemp drops temp files left behind by a crash between write and rename.
func (f *FileKV) sweepTemp() error {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.tmp"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (f *FileKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(key)
}

func (f *FileKV) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(key, value)
}

func (f *FileKV) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.readLocked(key)
	if err != nil && !errors.Is(err, ports.ErrKeyNotFound) {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return f.writeLocked(key, next)
}

func (f *FileKV) Close() error { return nil }

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key))+".kv")
}

func (f *FileKV) readLocked(key string) ([]byte, error) {
	raw, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ports.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(raw) < recordHeaderLen {
		return nil, fmt.Errorf("%w: %q short header", ErrCorruptRecord, key)
	}

	// record format: [4 bytes len][4 bytes crc32][len bytes value]
	length := binary.BigEndian.Uint32(raw[0:4])
	sum := binary.BigEndian.Uint32(raw[4:8])
	body := raw[recordHeaderLen:]
	if uint32(len(body)) != length {
		return nil, fmt.Errorf("%w: %q length %d want %d", ErrCorruptRecord, key, len(body), length)
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: %q checksum mismatch", ErrCorruptRecord, key)
	}
	return body, nil
}

func (f *FileKV) writeLocked(key string, value []byte) error {
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(value)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(value))

	final := f.path(key)
	tmp := final + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(hdr[:]); err != nil {
		file.Close()
		return err
	}
	if _, err := file.Write(value); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return err
	}
	return syncDir(f.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// some filesystems refuse fsync on directories; the rename already happened
	_ = d.Sync()
	return nil
}

var _ ports.KV = (*FileKV)(nil)
