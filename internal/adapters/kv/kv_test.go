package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dalebradshaw/healthsync/internal/ports"
)

type opener func(t *testing.T, dir string) ports.KV

func backends() map[string]opener {
	return map[string]opener{
		"badger": func(t *testing.T, dir string) ports.KV {
			kv, err := NewBadgerKV(dir)
			require.NoError(t, err)
			return kv
		},
		"sqlite": func(t *testing.T, dir string) ports.KV {
			kv, err := NewSQLiteKV(filepath.Join(dir, "kv.db"))
			require.NoError(t, err)
			return kv
		},
		"file": func(t *testing.T, dir string) ports.KV {
			kv, err := NewFileKV(dir)
			require.NoError(t, err)
			return kv
		},
	}
}

func TestKVContract(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t, t.TempDir())
			defer store.Close()

			_, err := store.Get(ctx, "missing")
			require.ErrorIs(t, err, ports.ErrKeyNotFound)

			require.NoError(t, store.Set(ctx, "anchor:heartRate", []byte("A1")))
			got, err := store.Get(ctx, "anchor:heartRate")
			require.NoError(t, err)
			require.Equal(t, []byte("A1"), got)

			require.NoError(t, store.Update(ctx, "counter", func(cur []byte) ([]byte, error) {
				require.Nil(t, cur)
				return []byte("1"), nil
			}))
			require.NoError(t, store.Update(ctx, "counter", func(cur []byte) ([]byte, error) {
				require.Equal(t, []byte("1"), cur)
				return []byte("2"), nil
			}))

			boom := errors.New("boom")
			err = store.Update(ctx, "counter", func(cur []byte) ([]byte, error) {
				return []byte("3"), boom
			})
			require.ErrorIs(t, err, boom)

			got, err = store.Get(ctx, "counter")
			require.NoError(t, err)
			require.Equal(t, []byte("2"), got, "aborted update must not write")
		})
	}
}

func TestKVSurvivesReopen(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			first := open(t, dir)
			require.NoError(t, first.Set(ctx, "uploadQueue", []byte("snapshot-v1")))
			require.NoError(t, first.Close())

			second := open(t, dir)
			defer second.Close()
			got, err := second.Get(ctx, "uploadQueue")
			require.NoError(t, err)
			require.Equal(t, []byte("snapshot-v1"), got)
		})
	}
}

func TestFileKVDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileKV(dir)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "anchor:hrv", []byte("token")))

	path := store.path("anchor:hrv")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = store.Get(ctx, "anchor:hrv")
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestFileKVSweepsTempFiles(t *testing.T) {
	dir := t.TempDir()
	leftover := filepath.Join(dir, "deadbeef.kv.tmp")
	require.NoError(t, os.WriteFile(leftover, []byte{0x01}, 0o644))

	_, err := NewFileKV(dir)
	require.NoError(t, err)

	_, err = os.Stat(leftover)
	require.True(t, errors.Is(err, os.ErrNotExist), "temp file should be removed on open")
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("etcd", t.TempDir())
	require.Error(t, err)
}
