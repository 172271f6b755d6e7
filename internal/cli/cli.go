// Package cli parses command-line arguments into an app configuration.
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/meshci/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("meshci", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
meshci - merge-gate CI orchestrator for distributed-network test pipelines.

Usage:
  meshci [options] [WORKFLOW_PATH]

Arguments:
  WORKFLOW_PATH
    Path to a single .hcl workflow file or a directory containing .hcl files.

Modes:
  With --listen, meshci serves webhook events over HTTP.
  Without it, meshci submits the event described by --ref/--message/--owner,
  waits for the gate, and exits 0 only if the gate succeeded.

Options:
`)
		flagSet.PrintDefaults()
	}

	workflowFlag := flagSet.String("workflow-path", "", "Path to the workflow file or directory.")
	wFlag := flagSet.String("w", "", "Path to the workflow file or directory (shorthand).")
	workflowName := flagSet.String("workflow", "", "Workflow name when the path defines several.")
	listenFlag := flagSet.String("listen", "", "Address for the HTTP event server, e.g. :8080. Empty runs one-shot.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 4, "Number of concurrent job workers per run.")
	workDirFlag := flagSet.String("workdir", "", "Root scratch directory. Empty uses a temp directory.")

	eventFlag := flagSet.String("event", "push", "One-shot event kind: 'push' or 'pull_request'.")
	refFlag := flagSet.String("ref", "", "One-shot event ref, e.g. main.")
	messageFlag := flagSet.String("message", "", "One-shot head commit message.")
	ownerFlag := flagSet.String("owner", "", "One-shot repository owner.")
	prFlag := flagSet.Int("pr", 0, "One-shot pull request number.")

	artifactDirFlag := flagSet.String("artifact-dir", "", "Directory for the filesystem artifact store.")
	s3EndpointFlag := flagSet.String("s3-endpoint", "", "S3-compatible endpoint for the artifact store. Overrides --artifact-dir.")
	s3AccessFlag := flagSet.String("s3-access-key", "", "S3 access key.")
	s3SecretFlag := flagSet.String("s3-secret-key", "", "S3 secret key.")
	s3BucketFlag := flagSet.String("s3-bucket", "meshci-artifacts", "S3 bucket for build archives and diagnostics.")
	s3RegionFlag := flagSet.String("s3-region", "", "S3 region.")
	s3SSLFlag := flagSet.Bool("s3-ssl", true, "Use TLS for the S3 endpoint.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *workflowFlag != "" {
		path = *workflowFlag
	} else if *wFlag != "" {
		path = *wFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Workflow path determined.", "path", path)

	if path == "" {
		slog.Debug("No workflow path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	eventKind := strings.ToLower(*eventFlag)
	if eventKind != "push" && eventKind != "pull_request" {
		return nil, false, &ExitError{Code: 2, Message: "invalid event: must be 'push' or 'pull_request'"}
	}
	if eventKind == "pull_request" && *prFlag <= 0 && *listenFlag == "" {
		return nil, false, &ExitError{Code: 2, Message: "pull_request events need --pr"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		WorkflowPath: path,
		Workflow:     *workflowName,
		ListenAddr:   *listenFlag,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
		WorkerCount:  *workersFlag,
		WorkDir:      *workDirFlag,
		EventKind:    eventKind,
		Ref:          *refFlag,
		Message:      *messageFlag,
		Owner:        *ownerFlag,
		PRNumber:     *prFlag,
		ArtifactDir:  *artifactDirFlag,
		S3Endpoint:   *s3EndpointFlag,
		S3AccessKey:  *s3AccessFlag,
		S3SecretKey:  *s3SecretFlag,
		S3Bucket:     *s3BucketFlag,
		S3Region:     *s3RegionFlag,
		S3UseSSL:     *s3SSLFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
