// Package sandbox executes user commands under resource limits and a
// wall-clock timeout.
//
// Two backends exist: a native subprocess with rlimits, and a hardened
// container. Both deliver output through a LogFunc callback and return a
// final exit code, so the package never touches persistence and tests can
// substitute an in-memory sink.
package sandbox

import (
	"context"

	"github.com/fairyhunter13/distbuild/internal/config"
	"github.com/fairyhunter13/distbuild/internal/domain"
)

// Reserved exit codes. Everything else is the user process's exit status.
const (
	ExitTimeout           = 124
	ExitContainerUnusable = 126
)

// Limits bound the resources available to the sandboxed process.
type Limits struct {
	CPUSeconds  int
	MemoryBytes int64
	Pids        int
	Nofile      int
}

// Spec describes one command execution.
type Spec struct {
	Sandbox        domain.SandboxType
	Command        string
	TimeoutSeconds int
	Image          string
	Limits         Limits
}

// LogFunc receives ordered output records. Implementations must be safe for
// concurrent calls because the stdout and stderr pumps run in parallel.
type LogFunc func(stream, text string)

// Runner executes a Spec to completion and returns the exit code.
type Runner interface {
	Run(ctx context.Context, spec Spec, onLog LogFunc) (int, error)
}

// New selects the backend for the spec's sandbox type.
func New(cfg config.Config, spec Spec) Runner {
	if spec.Sandbox == domain.SandboxContainer {
		return NewDockerRunner(cfg)
	}
	return NewLocalRunner()
}

// LimitsFromConfig builds executor limits from worker configuration.
func LimitsFromConfig(cfg config.Config) Limits {
	return Limits{
		CPUSeconds:  cfg.SandboxCPUSeconds,
		MemoryBytes: cfg.SandboxMemoryBytes,
		Pids:        cfg.SandboxPids,
		Nofile:      cfg.SandboxNofile,
	}
}
