package artifact

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFSStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blob := []byte("release archive bytes")
	require.NoError(t, s.Put(ctx, "run-1", bytes.NewReader(blob), int64(len(blob))))

	rc, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	info, err := s.Stat(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(len(blob)), info.Size)
}

func TestFSStore_MissingKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "never-published")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Stat(ctx, "never-published")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFSStore_ArtifactsAreImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "run-1", strings.NewReader("original"), -1))
	err := s.Put(ctx, "run-1", strings.NewReader("overwrite attempt"), -1)
	require.ErrorIs(t, err, ErrAlreadyExists)

	rc, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "original", string(got))
}

// Two jobs consuming the same artifact key must observe byte-identical
// binaries: publish once, fetch concurrently, compare.
func TestFSStore_ConcurrentReadersSeeIdenticalBytes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blob := bytes.Repeat([]byte("mesh-node binary "), 4096)
	require.NoError(t, s.Put(ctx, "run-42", bytes.NewReader(blob), int64(len(blob))))

	const readers = 8
	results := make([][]byte, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc, err := s.Get(ctx, "run-42")
			if err != nil {
				return
			}
			defer rc.Close()
			results[i], _ = io.ReadAll(rc)
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.Equal(t, blob, results[i], "reader %d observed different bytes", i)
	}
}

func TestFSStore_NestedKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "diag/run-1/client-linux-logs.tar.gz", strings.NewReader("bundle"), -1))
	rc, err := s.Get(ctx, "diag/run-1/client-linux-logs.tar.gz")
	require.NoError(t, err)
	rc.Close()

	require.Error(t, s.Put(ctx, "../outside", strings.NewReader("x"), -1))
	require.Error(t, s.Put(ctx, "", strings.NewReader("x"), -1))
}
