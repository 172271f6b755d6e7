package harness

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vk/meshci/internal/archive"
	"github.com/vk/meshci/internal/artifact"
	"github.com/vk/meshci/internal/scheduler"
	"github.com/vk/meshci/internal/testnet"
)

func TestSuiteRequiresNetwork(t *testing.T) {
	jc := &scheduler.JobContext{RunID: "r1", WorkDir: t.TempDir()}
	err := runSuite(t.Context(), jc, &SuiteInput{Run: []string{"true"}})
	require.ErrorContains(t, err, "requires a running testnet")
}

func TestSuiteRequiresCommand(t *testing.T) {
	jc := &scheduler.JobContext{RunID: "r1", WorkDir: t.TempDir()}
	testnet.Bind(jc, testnet.Observe(t.TempDir(), 3))
	err := runSuite(t.Context(), jc, &SuiteInput{})
	require.ErrorContains(t, err, "non-empty run command")
}

func TestSuiteExportsNetworkEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}
	logDir := t.TempDir()
	workDir := t.TempDir()
	jc := &scheduler.JobContext{RunID: "r1", WorkDir: workDir}
	testnet.Bind(jc, testnet.Observe(logDir, 7))

	out := filepath.Join(workDir, "env.txt")
	err := runSuite(t.Context(), jc, &SuiteInput{
		Name: "env-probe",
		Run:  []string{"sh", "-c", `echo "$MESHCI_NODE_COUNT $MESHCI_LOG_DIR $EXTRA" > ` + out},
		Env:  map[string]string{"EXTRA": "custom"},
	})
	require.NoError(t, err)

	got, readErr := os.ReadFile(out)
	require.NoError(t, readErr)
	require.Equal(t, "7 "+logDir+" custom\n", string(got))
}

func TestSuiteWrapsFailureWithName(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}
	jc := &scheduler.JobContext{RunID: "r1", WorkDir: t.TempDir()}
	testnet.Bind(jc, testnet.Observe(t.TempDir(), 3))

	err := runSuite(t.Context(), jc, &SuiteInput{
		Name: "e2e-data",
		Run:  []string{"sh", "-c", "echo boom >&2; exit 3"},
	})
	require.ErrorContains(t, err, `suite "e2e-data"`)
	require.ErrorContains(t, err, "boom")
}

func TestSuiteRejectsBadTimeout(t *testing.T) {
	jc := &scheduler.JobContext{RunID: "r1", WorkDir: t.TempDir()}
	testnet.Bind(jc, testnet.Observe(t.TempDir(), 3))
	err := runSuite(t.Context(), jc, &SuiteInput{Run: []string{"true"}, Timeout: "soon"})
	require.ErrorContains(t, err, "invalid timeout")
}

func TestSuiteHonorsTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}
	jc := &scheduler.JobContext{RunID: "r1", WorkDir: t.TempDir()}
	testnet.Bind(jc, testnet.Observe(t.TempDir(), 3))

	start := time.Now()
	err := runSuite(t.Context(), jc, &SuiteInput{
		Name:    "hung",
		Run:     []string{"sleep", "30"},
		Timeout: "50ms",
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestChurnRequiresNetwork(t *testing.T) {
	jc := &scheduler.JobContext{RunID: "r1", WorkDir: t.TempDir()}
	err := runChurn(t.Context(), jc, &ChurnInput{})
	require.ErrorContains(t, err, "requires a running testnet")
}

func TestChurnRejectsBadCeiling(t *testing.T) {
	jc := &scheduler.JobContext{RunID: "r1", WorkDir: t.TempDir()}
	testnet.Bind(jc, testnet.Observe(t.TempDir(), 3))
	err := runChurn(t.Context(), jc, &ChurnInput{ConvergenceCeiling: "soon"})
	require.ErrorContains(t, err, "invalid convergence_ceiling")
}

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

// launchFakeNetwork stands up a real network using sh stand-ins for the two
// binaries, so the churn path from launch to re-convergence runs for real.
func launchFakeNetwork(t *testing.T, nodeCount int) *testnet.Network {
	t.Helper()
	binDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(binDir, testnet.DefaultBootstrapBin), []byte(fakeBootstrap), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, testnet.DefaultNodeBin), []byte(fakeNode), 0o755))

	var buf bytes.Buffer
	require.NoError(t, archive.CreateDir(&buf, binDir))
	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(t.Context(), "build", &buf, int64(buf.Len())))

	network, err := testnet.Launch(t.Context(), testnet.Options{
		ArchiveKey:   "build",
		Store:        store,
		WorkDir:      t.TempDir(),
		NodeCount:    nodeCount,
		JoinInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = network.Shutdown(t.Context()) })
	return network
}

func TestChurnGrowsNetworkAndDetectsNoDepartures(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh stand-in binaries")
	}
	network := launchFakeNetwork(t, 3)
	require.NoError(t, network.AwaitConvergence(t.Context(), 20*time.Millisecond, 5*time.Second))

	jc := &scheduler.JobContext{RunID: "r1", WorkDir: t.TempDir()}
	testnet.Bind(jc, network)

	err := runChurn(t.Context(), jc, &ChurnInput{
		ExtraNodes:         2,
		StaggerMS:          10,
		PollIntervalMS:     20,
		ConvergenceCeiling: "5s",
	})
	require.NoError(t, err)
	require.Equal(t, 5, network.TargetCount())
}

func TestChurnFailsOnDeparture(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh stand-in binaries")
	}
	network := launchFakeNetwork(t, 3)
	require.NoError(t, network.AwaitConvergence(t.Context(), 20*time.Millisecond, 5*time.Second))

	// One of the original members drops out mid-churn.
	leaverLog := filepath.Join(network.LogSource().Dir(), "node-2", "node.log")
	f, err := os.OpenFile(leaverLog, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("left the network\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	jc := &scheduler.JobContext{RunID: "r1", WorkDir: t.TempDir()}
	testnet.Bind(jc, network)

	err = runChurn(t.Context(), jc, &ChurnInput{
		ExtraNodes:         1,
		StaggerMS:          10,
		PollIntervalMS:     20,
		ConvergenceCeiling: "5s",
	})
	require.ErrorContains(t, err, "left the network during churn")
	require.ErrorContains(t, err, "node-2")
}
