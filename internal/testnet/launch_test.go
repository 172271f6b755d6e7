package testnet

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vk/meshci/internal/archive"
	"github.com/vk/meshci/internal/artifact"
)

// The bootstrap stand-in writes a join record per node and then idles so the
// process-group teardown has something to kill. Flag order matches what
// Launch passes.
const fakeBootstrap = `#!/bin/sh
count=$4
logdir=$6
i=1
while [ "$i" -le "$count" ]; do
  mkdir -p "$logdir/node-$i"
  echo "joined the network" > "$logdir/node-$i/node.log"
  i=$((i+1))
done
exec sleep 30
`

const fakeNode = `#!/bin/sh
mkdir -p "$2"
echo "joined the network" > "$2/node.log"
exec sleep 30
`

// fakeBuildArchive packs stand-in binaries into the store under the given key.
func fakeBuildArchive(t *testing.T, key string) artifact.Store {
	t.Helper()
	binDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(binDir, DefaultBootstrapBin), []byte(fakeBootstrap), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, DefaultNodeBin), []byte(fakeNode), 0o755))

	var buf bytes.Buffer
	require.NoError(t, archive.CreateDir(&buf, binDir))

	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(t.Context(), key, &buf, int64(buf.Len())))
	return store
}

func TestLaunchConvergeChurnShutdown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh stand-in binaries")
	}

	store := fakeBuildArchive(t, "build/run-1")
	network, err := Launch(t.Context(), Options{
		ArchiveKey:   "build/run-1",
		Store:        store,
		WorkDir:      t.TempDir(),
		NodeCount:    4,
		JoinInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = network.Shutdown(t.Context()) })

	require.NoError(t, network.AwaitConvergence(t.Context(), 20*time.Millisecond, 5*time.Second))
	require.Equal(t, 4, network.TargetCount())

	require.NoError(t, network.AddNodes(t.Context(), 2, 10*time.Millisecond))
	require.Equal(t, 6, network.TargetCount())
	require.NoError(t, network.AwaitConvergence(t.Context(), 20*time.Millisecond, 5*time.Second))

	require.NoError(t, network.Shutdown(t.Context()))
	require.Zero(t, network.LiveCount())
}

func TestLaunchFailsWithoutArchive(t *testing.T) {
	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = Launch(t.Context(), Options{
		ArchiveKey: "no-such-build",
		Store:      store,
		WorkDir:    t.TempDir(),
	})
	require.ErrorIs(t, err, artifact.ErrNotFound)
}
