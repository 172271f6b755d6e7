package buildpipe

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/meshci/internal/archive"
	"github.com/vk/meshci/internal/artifact"
	"github.com/vk/meshci/internal/scheduler"
	"github.com/vk/meshci/internal/step"
)

func newJC(t *testing.T) *scheduler.JobContext {
	t.Helper()
	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return &scheduler.JobContext{RunID: "run-7", JobName: "build", Store: store, WorkDir: t.TempDir()}
}

func TestExecRunsInWorkDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}
	jc := newJC(t)
	err := runExec(t.Context(), jc, &ExecInput{Run: []string{"sh", "-c", "pwd > where.txt"}})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(jc.WorkDir, "where.txt"))
	require.NoError(t, err)
	require.Equal(t, jc.WorkDir+"\n", string(got))
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	err := runExec(t.Context(), newJC(t), &ExecInput{})
	require.ErrorContains(t, err, "non-empty run command")
}

func TestBuildStopsAtFirstFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}
	jc := newJC(t)
	err := runBuild(t.Context(), jc, &BuildInput{Commands: [][]string{
		{"sh", "-c", "touch first"},
		{"sh", "-c", "exit 9"},
		{"sh", "-c", "touch third"},
	}})
	require.ErrorContains(t, err, "build command 2")

	var exitErr *step.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 9, exitErr.ExitCode)

	require.FileExists(t, filepath.Join(jc.WorkDir, "first"))
	require.NoFileExists(t, filepath.Join(jc.WorkDir, "third"))
}

func TestPublishDefaultsAndFanOut(t *testing.T) {
	jc := newJC(t)
	require.NoError(t, os.WriteFile(filepath.Join(jc.WorkDir, "mesh-node"), []byte("node-bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jc.WorkDir, "mesh-testnet"), []byte("bootstrap-bin"), 0o755))

	require.NoError(t, runPublish(t.Context(), jc, &PublishInput{}))

	// A consumer fetches by run ID and gets both binaries back, executable.
	rc, err := jc.Store.Get(t.Context(), "run-7")
	require.NoError(t, err)
	defer rc.Close()
	dest := t.TempDir()
	require.NoError(t, archive.Extract(rc, dest))

	info, err := os.Stat(filepath.Join(dest, "mesh-node"))
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		require.NotZero(t, info.Mode()&0o100)
	}
	require.FileExists(t, filepath.Join(dest, "mesh-testnet"))
}

func TestPublishRefusesKeyCollision(t *testing.T) {
	jc := newJC(t)
	require.NoError(t, os.WriteFile(filepath.Join(jc.WorkDir, "mesh-node"), []byte("a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jc.WorkDir, "mesh-testnet"), []byte("b"), 0o755))

	require.NoError(t, runPublish(t.Context(), jc, &PublishInput{Key: "builds/v1"}))
	err := runPublish(t.Context(), jc, &PublishInput{Key: "builds/v1"})
	require.ErrorIs(t, err, artifact.ErrAlreadyExists)
}

func TestPublishFailsOnMissingBinary(t *testing.T) {
	jc := newJC(t)
	err := runPublish(t.Context(), jc, &PublishInput{})
	require.ErrorContains(t, err, "packing build archive")
}

func TestModuleRegistersAllHandlers(t *testing.T) {
	reg := scheduler.New()
	(&Module{}).Register(reg)
	for _, name := range []string{"exec", "build", "publish"} {
		_, ok := reg.Handler(name)
		require.True(t, ok, name)
	}
}
