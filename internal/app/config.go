package app

import "errors"

// Config holds everything an App instance needs to run.
type Config struct {
	// WorkflowPath is a .hcl workflow file or a directory of them.
	WorkflowPath string
	// Workflow selects one by name when the path defines several. Empty is
	// valid only when exactly one workflow is defined.
	Workflow string

	LogFormat   string
	LogLevel    string
	WorkerCount int
	// WorkDir is the root scratch directory; each run gets a subdirectory.
	WorkDir string

	// ListenAddr switches on server mode. Empty means one-shot mode: submit
	// the event below, wait for the gate, exit accordingly.
	ListenAddr string

	// One-shot event.
	EventKind string
	Ref       string
	Message   string
	Owner     string
	PRNumber  int

	// ArtifactDir selects the filesystem store. The S3 settings select the
	// object store instead; they win when both are set.
	ArtifactDir string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.WorkflowPath == "" {
		return nil, errors.New("WorkflowPath is a required configuration field and cannot be empty")
	}
	if cfg.ListenAddr == "" && cfg.Ref == "" {
		return nil, errors.New("one-shot mode needs an event ref; pass --listen to run as a server instead")
	}
	return &cfg, nil
}
