// Package diagnostics snapshots a failed job's testnet state so it can be
// inspected after the workers and their scratch directories are gone. Every
// failure in here is advisory: a broken capture never changes a job's
// verdict.
package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/vk/meshci/internal/archive"
	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/scheduler"
	"github.com/vk/meshci/internal/testnet"
)

// Input is the decoded arguments of a diagnostics step.
type Input struct {
	Suite    string `hcl:"suite"`
	Platform string `hcl:"platform,optional"`
	// LogDir overrides the captured directory; defaults to the job's testnet
	// log tree.
	LogDir string `hcl:"log_dir,optional"`
}

// Module registers the diagnostics step handler.
type Module struct{}

func (m *Module) Register(r *scheduler.Registry) {
	r.RegisterHandler("diagnostics", &scheduler.Handler{
		NewInput: func() any { return new(Input) },
		Fn: func(ctx context.Context, jc *scheduler.JobContext, input any) error {
			runCapture(ctx, jc, input.(*Input))
			return nil
		},
	})
}

func runCapture(ctx context.Context, jc *scheduler.JobContext, in *Input) {
	logger := ctxlog.FromContext(ctx)

	platform := in.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	keyBase := fmt.Sprintf("diag/%s/%s-%s", jc.RunID, in.Suite, platform)

	logDir := in.LogDir
	var network *testnet.Network
	if n, ok := testnet.FromJob(jc); ok {
		network = n
		if logDir == "" {
			logDir = n.LogSource().Dir()
		}
	}
	if logDir == "" {
		logger.Warn("Nothing to capture: no testnet log directory for this job.")
		return
	}

	summary := renderSummary(jc, network, logDir, in.Suite, platform)
	summaryKey := keyBase + "-summary.txt"
	if err := jc.Store.Put(ctx, summaryKey, bytes.NewReader(summary), int64(len(summary))); err != nil {
		logger.Warn("Diagnostics summary upload failed.", "key", summaryKey, "error", err)
	} else {
		logger.Info("Diagnostics summary uploaded.", "key", summaryKey)
	}

	var bundle bytes.Buffer
	if err := archive.CreateDir(&bundle, logDir); err != nil {
		logger.Warn("Diagnostics log bundling failed.", "log_dir", logDir, "error", err)
		return
	}
	bundleKey := keyBase + "-logs.tar.gz"
	if err := jc.Store.Put(ctx, bundleKey, &bundle, int64(bundle.Len())); err != nil {
		logger.Warn("Diagnostics log upload failed.", "key", bundleKey, "error", err)
		return
	}
	logger.Info("Diagnostics log bundle uploaded.", "key", bundleKey)
}

// renderSummary produces the human-first capture report: what ran, how the
// membership looked, and where each node's logs sit in the bundle.
func renderSummary(jc *scheduler.JobContext, network *testnet.Network, logDir, suite, platform string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "meshci diagnostics capture\n")
	fmt.Fprintf(&b, "run:       %s\n", jc.RunID)
	fmt.Fprintf(&b, "job:       %s\n", jc.JobName)
	fmt.Fprintf(&b, "suite:     %s\n", suite)
	fmt.Fprintf(&b, "platform:  %s\n", platform)
	fmt.Fprintf(&b, "captured:  %s\n", time.Now().UTC().Format(time.RFC3339))
	if jc.Event != nil {
		fmt.Fprintf(&b, "ref:       %s\n", jc.Event.Ref)
	}

	logs := testnet.NewLogSource(logDir)
	if joined, err := logs.JoinedCount(); err == nil {
		b.WriteString("\nmembership:\n")
		if network != nil {
			fmt.Fprintf(&b, "  joined:    %d/%d\n", joined, network.TargetCount())
			fmt.Fprintf(&b, "  processes: %d live\n", network.LiveCount())
		} else {
			fmt.Fprintf(&b, "  joined:    %d\n", joined)
		}
	}
	if gone, err := logs.Departures(); err == nil && len(gone) > 0 {
		fmt.Fprintf(&b, "  departed:  %s\n", strings.Join(gone, ", "))
	}

	if results := jc.Results(); len(results) > 0 {
		b.WriteString("\nsteps so far:\n")
		for _, r := range results {
			verdict := "ok"
			switch {
			case r.Skipped:
				verdict = "skipped"
			case r.Failed && r.Advisory:
				verdict = "failed (advisory)"
			case r.Failed:
				verdict = "failed"
			}
			fmt.Fprintf(&b, "  %-20s %-18s %s\n", r.Step, verdict, r.Duration.Round(time.Millisecond))
			if r.Error != "" {
				fmt.Fprintf(&b, "    error: %s\n", r.Error)
			}
		}
	}

	b.WriteString("\nlog files:\n")
	walkErr := filepath.WalkDir(logDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(logDir, path)
		if relErr != nil {
			return relErr
		}
		size := int64(0)
		if info, infoErr := d.Info(); infoErr == nil {
			size = info.Size()
		}
		fmt.Fprintf(&b, "  %-40s %d bytes\n", filepath.ToSlash(rel), size)
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		fmt.Fprintf(&b, "  (listing incomplete: %v)\n", walkErr)
	}
	return []byte(b.String())
}
