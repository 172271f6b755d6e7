package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/meshci/internal/pipeline"
)

func TestNewConfig_RequiresWorkflowPath(t *testing.T) {
	_, err := NewConfig(Config{Ref: "main"})
	require.ErrorContains(t, err, "WorkflowPath")
}

func TestNewConfig_OneShotNeedsRef(t *testing.T) {
	_, err := NewConfig(Config{WorkflowPath: "ci.hcl"})
	require.ErrorContains(t, err, "event ref")

	cfg, err := NewConfig(Config{WorkflowPath: "ci.hcl", ListenAddr: ":8080"})
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
}

func TestSelectWorkflow(t *testing.T) {
	a := &pipeline.Workflow{Name: "merge-gate"}
	b := &pipeline.Workflow{Name: "nightly"}

	got, err := selectWorkflow([]*pipeline.Workflow{a}, "")
	require.NoError(t, err)
	require.Same(t, a, got)

	_, err = selectWorkflow([]*pipeline.Workflow{a, b}, "")
	require.ErrorContains(t, err, "select one with --workflow")

	got, err = selectWorkflow([]*pipeline.Workflow{a, b}, "nightly")
	require.NoError(t, err)
	require.Same(t, b, got)

	_, err = selectWorkflow([]*pipeline.Workflow{a, b}, "absent")
	require.ErrorContains(t, err, `workflow "absent" is not defined`)
}
