// Package testnet stands up the ephemeral multi-node network a test job runs
// against: it fetches the build archive, launches the bootstrap binary, and
// polls the join log until the network converges or a hard ceiling passes.
package testnet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vk/meshci/internal/artifact"
	"github.com/vk/meshci/internal/archive"
	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/waituntil"
)

// Defaults match the project's standard testnet shape.
const (
	DefaultNodeCount    = 15
	DefaultJoinInterval = 30000 * time.Millisecond
	DefaultPollInterval = 10 * time.Second
	DefaultCeiling      = 5 * time.Minute

	DefaultNodeBin      = "mesh-node"
	DefaultBootstrapBin = "mesh-testnet"
)

// Options configures a network launch.
type Options struct {
	// ArchiveKey addresses the build archive in the artifact store.
	ArchiveKey string
	Store      artifact.Store
	// WorkDir is a private directory for the unpacked binaries and logs.
	WorkDir string

	NodeCount    int
	JoinInterval time.Duration
	// NodeBin and BootstrapBin are the archive-relative binary names.
	NodeBin      string
	BootstrapBin string
	// Verbosity is handed to every launched process as its log filter.
	Verbosity string
}

func (o *Options) withDefaults() {
	if o.NodeCount <= 0 {
		o.NodeCount = DefaultNodeCount
	}
	if o.JoinInterval <= 0 {
		o.JoinInterval = DefaultJoinInterval
	}
	if o.NodeBin == "" {
		o.NodeBin = DefaultNodeBin
	}
	if o.BootstrapBin == "" {
		o.BootstrapBin = DefaultBootstrapBin
	}
}

// proc is one managed external process and its reap state.
type proc struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *proc) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Network is one ephemeral running node set, owned exclusively by the job
// that launched it and torn down best-effort at job end.
type Network struct {
	opts   Options
	binDir string
	logs   *LogSource

	mu     sync.Mutex
	procs  []*proc
	target int
	nextID int
}

// Launch fetches the build archive, unpacks it, marks the binaries
// executable, and starts the bootstrap process, which spawns the nodes
// staggered by the join interval. It returns as soon as the bootstrap is
// running; convergence is a separate, explicitly bounded wait.
func Launch(ctx context.Context, opts Options) (*Network, error) {
	opts.withDefaults()
	logger := ctxlog.FromContext(ctx)

	if opts.Store == nil || opts.ArchiveKey == "" {
		return nil, fmt.Errorf("testnet launch requires an artifact store and archive key")
	}
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("testnet launch requires a work directory")
	}

	binDir := filepath.Join(opts.WorkDir, "bin")
	logDir := filepath.Join(opts.WorkDir, "logs")
	for _, d := range []string{binDir, logDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("preparing testnet dirs: %w", err)
		}
	}

	rc, err := opts.Store.Get(ctx, opts.ArchiveKey)
	if err != nil {
		return nil, fmt.Errorf("fetching build archive %q: %w", opts.ArchiveKey, err)
	}
	defer rc.Close()
	if err := archive.Extract(rc, binDir); err != nil {
		return nil, fmt.Errorf("unpacking build archive: %w", err)
	}

	nodePath := filepath.Join(binDir, opts.NodeBin)
	bootstrapPath := filepath.Join(binDir, opts.BootstrapBin)
	for _, bin := range []string{nodePath, bootstrapPath} {
		if err := os.Chmod(bin, 0o755); err != nil {
			return nil, fmt.Errorf("marking %s executable: %w", bin, err)
		}
	}

	n := &Network{
		opts:   opts,
		binDir: binDir,
		logs:   NewLogSource(logDir),
		target: opts.NodeCount,
	}

	// The bootstrap expects the node binary beside itself, which the
	// archive layout already guarantees; its children must not die with the
	// step that started them, so no CommandContext here.
	cmd := exec.Command(bootstrapPath,
		"--interval", strconv.FormatInt(opts.JoinInterval.Milliseconds(), 10),
		"--node-count", strconv.Itoa(opts.NodeCount),
		"--log-dir", logDir,
	)
	cmd.Dir = binDir
	cmd.Env = processEnv(opts.Verbosity)
	configureProcess(cmd)

	logger.Info("Launching testnet bootstrap.",
		"nodes", opts.NodeCount,
		"join_interval", opts.JoinInterval,
		"log_dir", logDir)
	if err := n.start("bootstrap", cmd); err != nil {
		return nil, fmt.Errorf("starting bootstrap: %w", err)
	}
	return n, nil
}

func processEnv(verbosity string) []string {
	env := os.Environ()
	if verbosity != "" {
		env = append(env, "MESH_NODE_LOG="+verbosity)
	}
	return env
}

func (n *Network) start(name string, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	p := &proc{name: name, cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()

	n.mu.Lock()
	n.procs = append(n.procs, p)
	n.mu.Unlock()
	return nil
}

// Observe returns a handle over the log tree of a network launched elsewhere,
// tracking the given target count. The handle manages no processes; it only
// reads joins and departures.
func Observe(logDir string, target int) *Network {
	return &Network{
		logs:   NewLogSource(logDir),
		target: target,
	}
}

// LogSource returns the handle to this instance's join/leave log tree.
func (n *Network) LogSource() *LogSource {
	return n.logs
}

// TargetCount is the number of nodes the network is currently expected to
// converge to, including any added by churn.
func (n *Network) TargetCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.target
}

// AwaitConvergence polls the join log at a fixed interval until the target
// node count has joined, or fails with a typed timeout carrying the partial
// join count once the ceiling passes.
func (n *Network) AwaitConvergence(ctx context.Context, poll, ceiling time.Duration) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	logger := ctxlog.FromContext(ctx)
	target := n.TargetCount()

	pred := func(ctx context.Context) (bool, string, error) {
		joined, err := n.logs.JoinedCount()
		if err != nil {
			return false, "", err
		}
		detail := fmt.Sprintf("%d/%d nodes joined", joined, target)
		logger.Debug("Convergence poll.", "joined", joined, "target", target)
		return joined >= target, detail, nil
	}

	if err := waituntil.WaitUntil(ctx, "node convergence", pred, poll, ceiling); err != nil {
		return err
	}
	logger.Info("Network converged.", "nodes", target)
	return nil
}

// AddNodes launches extra node processes staggered by the join interval,
// raising the convergence target accordingly. This is the churn test's
// membership-growth lever.
func (n *Network) AddNodes(ctx context.Context, count int, stagger time.Duration) error {
	if count <= 0 {
		return fmt.Errorf("node count to add must be positive, got %d", count)
	}
	if stagger <= 0 {
		stagger = n.opts.JoinInterval
	}
	logger := ctxlog.FromContext(ctx)

	for i := 0; i < count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(stagger):
			}
		}

		n.mu.Lock()
		n.nextID++
		name := fmt.Sprintf("churn-node-%d", n.nextID)
		n.mu.Unlock()

		cmd := exec.Command(filepath.Join(n.binDir, n.opts.NodeBin),
			"--log-dir", filepath.Join(n.logs.Dir(), name),
		)
		cmd.Dir = n.binDir
		cmd.Env = processEnv(n.opts.Verbosity)
		configureProcess(cmd)

		logger.Info("Launching churn node.", "node", name)
		if err := n.start(name, cmd); err != nil {
			return fmt.Errorf("starting churn node %s: %w", name, err)
		}

		n.mu.Lock()
		n.target++
		n.mu.Unlock()
	}
	return nil
}

// LiveCount reports how many managed processes are still running. Logged at
// job end as a liveness postcondition.
func (n *Network) LiveCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	live := 0
	for _, p := range n.procs {
		if p.alive() {
			live++
		}
	}
	return live
}

// Shutdown force-kills every managed process group. Callers treat a failure
// here as advisory; the job's status is already determined by then.
func (n *Network) Shutdown(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	n.mu.Lock()
	procs := make([]*proc, len(n.procs))
	copy(procs, n.procs)
	n.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if !p.alive() {
			continue
		}
		logger.Debug("Killing testnet process.", "process", p.name)
		if err := terminateProcess(p.cmd); err != nil {
			errs = append(errs, fmt.Errorf("kill %s: %w", p.name, err))
			continue
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("reaping %s: %w", p.name, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}
