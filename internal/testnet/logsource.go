package testnet

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Membership markers emitted by the node binary's structured log stream.
// The poller and the churn check grep for these, never for anything fancier.
const (
	JoinedMarker = "joined the network"
	LeftMarker   = "left the network"
)

// LogSource is the opaque handle to one network instance's join/leave log
// tree. Each node writes its log under its own subdirectory; the node's
// identity is the subdirectory name. Components receive a LogSource instead
// of a hardcoded path, so several network instances can share a host.
type LogSource struct {
	dir string
}

// NewLogSource wraps an existing log directory.
func NewLogSource(dir string) *LogSource {
	return &LogSource{dir: dir}
}

// Dir returns the root of the log tree, for diagnostics bundling.
func (ls *LogSource) Dir() string {
	return ls.dir
}

// JoinedCount returns the number of distinct nodes whose logs record a join.
// A missing log directory means zero joins, not an error: the bootstrap
// creates the tree asynchronously after launch.
func (ls *LogSource) JoinedCount() (int, error) {
	nodes, err := ls.scan(JoinedMarker)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// Departures returns the identities of nodes whose logs record a departure,
// sorted for stable assertions.
func (ls *LogSource) Departures() ([]string, error) {
	nodes, err := ls.scan(LeftMarker)
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)
	return nodes, nil
}

// scan walks the log tree and returns the distinct node identities whose log
// lines contain the marker, matched case-insensitively.
func (ls *LogSource) scan(marker string) ([]string, error) {
	if _, err := os.Stat(ls.dir); os.IsNotExist(err) {
		return nil, nil
	}

	matched := make(map[string]struct{})
	err := filepath.Walk(ls.dir, func(p string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(ls.dir, p)
		if err != nil {
			return err
		}
		node := nodeIdentity(rel)
		if _, done := matched[node]; done {
			return nil
		}

		ok, err := fileContains(p, marker)
		if err != nil {
			return err
		}
		if ok {
			matched[node] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning join log: %w", err)
	}

	nodes := make([]string, 0, len(matched))
	for n := range matched {
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// nodeIdentity maps a log file's relative path to the owning node: the top
// path element, or the file name for flat layouts.
func nodeIdentity(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return parts[0]
}

func fileContains(path, marker string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	marker = strings.ToLower(marker)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.Contains(strings.ToLower(scanner.Text()), marker) {
			return true, nil
		}
	}
	return false, scanner.Err()
}
