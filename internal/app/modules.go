package app

import (
	"github.com/vk/meshci/internal/buildpipe"
	"github.com/vk/meshci/internal/diagnostics"
	"github.com/vk/meshci/internal/harness"
	"github.com/vk/meshci/internal/release"
	"github.com/vk/meshci/internal/scheduler"
	"github.com/vk/meshci/internal/testnet"
)

// coreModules is the default step-handler set: everything a merge-gate
// workflow can reference out of the box.
var coreModules = []scheduler.Module{
	&buildpipe.Module{},
	&testnet.Module{},
	&harness.Module{},
	&diagnostics.Module{},
	&release.Module{},
}
