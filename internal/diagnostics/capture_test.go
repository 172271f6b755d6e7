package diagnostics

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/meshci/internal/archive"
	"github.com/vk/meshci/internal/artifact"
	"github.com/vk/meshci/internal/scheduler"
	"github.com/vk/meshci/internal/testnet"
)

func writeLog(t *testing.T, root, node, content string) {
	t.Helper()
	dir := filepath.Join(root, node)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node.log"), []byte(content), 0o644))
}

func TestCaptureUploadsSummaryAndBundle(t *testing.T) {
	logDir := t.TempDir()
	writeLog(t, logDir, "node-1", "joined the network\n")
	writeLog(t, logDir, "node-2", "joined the network\nleft the network\n")

	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	jc := &scheduler.JobContext{RunID: "run-42", JobName: "e2e-churn", Store: store, WorkDir: t.TempDir()}
	testnet.Bind(jc, testnet.Observe(logDir, 15))

	runCapture(t.Context(), jc, &Input{Suite: "churn", Platform: "linux"})

	rc, err := store.Get(t.Context(), "diag/run-42/churn-linux-summary.txt")
	require.NoError(t, err)
	summary, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Contains(t, string(summary), "suite:     churn")
	require.Contains(t, string(summary), "joined:    2/15")
	require.Contains(t, string(summary), "departed:  node-2")
	require.Contains(t, string(summary), "node-1/node.log")

	rc, err = store.Get(t.Context(), "diag/run-42/churn-linux-logs.tar.gz")
	require.NoError(t, err)
	defer rc.Close()
	dest := t.TempDir()
	require.NoError(t, archive.Extract(rc, dest))
	require.FileExists(t, filepath.Join(dest, "node-2", "node.log"))
}

func TestCaptureWithoutLogDirDoesNothing(t *testing.T) {
	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	jc := &scheduler.JobContext{RunID: "run-1", Store: store, WorkDir: t.TempDir()}

	runCapture(t.Context(), jc, &Input{Suite: "e2e"})

	_, err = store.Stat(t.Context(), "diag/run-1/e2e-linux-summary.txt")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

type brokenStore struct{}

func (brokenStore) Put(context.Context, string, io.Reader, int64) error {
	return errors.New("bucket unreachable")
}

func (brokenStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("bucket unreachable")
}

func (brokenStore) Stat(context.Context, string) (artifact.Info, error) {
	return artifact.Info{}, errors.New("bucket unreachable")
}

func TestCaptureSwallowsStoreFailures(t *testing.T) {
	logDir := t.TempDir()
	writeLog(t, logDir, "node-1", "joined the network\n")

	jc := &scheduler.JobContext{RunID: "run-1", Store: brokenStore{}, WorkDir: t.TempDir()}
	testnet.Bind(jc, testnet.Observe(logDir, 1))

	reg := scheduler.New()
	(&Module{}).Register(reg)
	h, ok := reg.Handler("diagnostics")
	require.True(t, ok)
	require.NoError(t, h.Fn(t.Context(), jc, &Input{Suite: "e2e"}))
}
