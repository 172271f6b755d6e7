package testnet

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vk/meshci/internal/waituntil"
)

func writeNodeLog(t *testing.T, root, node, name, content string) {
	t.Helper()
	dir := filepath.Join(root, node)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestJoinedCountCountsEachNodeOnce(t *testing.T) {
	root := t.TempDir()
	writeNodeLog(t, root, "node-1", "node.log", "starting up\nnode joined the network\n")
	writeNodeLog(t, root, "node-1", "node.log.1", "earlier: joined the network again\n")
	writeNodeLog(t, root, "node-2", "node.log", "Joined The Network at epoch 3\n")
	writeNodeLog(t, root, "node-3", "node.log", "still bootstrapping\n")

	ls := NewLogSource(root)
	joined, err := ls.JoinedCount()
	require.NoError(t, err)
	require.Equal(t, 2, joined)
}

func TestJoinedCountMissingDirIsZero(t *testing.T) {
	ls := NewLogSource(filepath.Join(t.TempDir(), "not-created-yet"))
	joined, err := ls.JoinedCount()
	require.NoError(t, err)
	require.Zero(t, joined)
}

func TestDeparturesAreSortedByNode(t *testing.T) {
	root := t.TempDir()
	writeNodeLog(t, root, "node-9", "node.log", "joined the network\nleft the network\n")
	writeNodeLog(t, root, "node-2", "node.log", "joined the network\nnode left the network early\n")
	writeNodeLog(t, root, "node-5", "node.log", "joined the network\n")

	ls := NewLogSource(root)
	gone, err := ls.Departures()
	require.NoError(t, err)
	require.Equal(t, []string{"node-2", "node-9"}, gone)
}

// testNetwork builds a network handle over a fabricated log tree without
// launching any processes.
func testNetwork(t *testing.T, target int) (*Network, string) {
	t.Helper()
	logDir := t.TempDir()
	return &Network{
		logs:   NewLogSource(logDir),
		target: target,
	}, logDir
}

func TestAwaitConvergenceSucceedsOnceAllNodesJoin(t *testing.T) {
	n, logDir := testNetwork(t, 15)

	for i := 0; i < 14; i++ {
		writeNodeLog(t, logDir, fmt.Sprintf("node-%02d", i), "node.log", "joined the network\n")
	}

	// The last node joins while the wait is polling. No require helpers off
	// the test goroutine.
	go func() {
		time.Sleep(30 * time.Millisecond)
		dir := filepath.Join(logDir, "node-14")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return
		}
		_ = os.WriteFile(filepath.Join(dir, "node.log"), []byte("joined the network\n"), 0o644)
	}()

	err := n.AwaitConvergence(t.Context(), 10*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
}

func TestAwaitConvergenceTimesOutWithPartialCount(t *testing.T) {
	n, logDir := testNetwork(t, 15)
	for i := 0; i < 14; i++ {
		writeNodeLog(t, logDir, fmt.Sprintf("node-%02d", i), "node.log", "joined the network\n")
	}

	err := n.AwaitConvergence(t.Context(), 10*time.Millisecond, 100*time.Millisecond)
	require.Error(t, err)

	var timeout *waituntil.TimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, "14/15 nodes joined", timeout.LastDetail)
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.withDefaults()
	require.Equal(t, 15, o.NodeCount)
	require.Equal(t, 30000*time.Millisecond, o.JoinInterval)
	require.Equal(t, "mesh-node", o.NodeBin)
	require.Equal(t, "mesh-testnet", o.BootstrapBin)
}

func TestShutdownWithNoProcessesIsClean(t *testing.T) {
	n, _ := testNetwork(t, 3)
	require.NoError(t, n.Shutdown(t.Context()))
	require.Zero(t, n.LiveCount())
}

func TestAddNodesRejectsNonPositiveCount(t *testing.T) {
	n, _ := testNetwork(t, 3)
	err := n.AddNodes(t.Context(), 0, time.Second)
	require.ErrorContains(t, err, "must be positive")
}
