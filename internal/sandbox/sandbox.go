package sandbox

import (
	"context"
	"time"
)

// LaunchSpec fully describes one sandboxed invocation. It is built fresh for
// every run and never shared between runs.
type LaunchSpec struct {
	Image   string
	Command []string // discrete argv, no shell
	// SourceDir is the host directory holding the code. It is mounted
	// read-only at WorkDir inside the sandbox.
	SourceDir string
	WorkDir   string
	// MemoryBytes caps container memory (swap included). Zero means the
	// runtime default, which callers should never rely on.
	MemoryBytes int64
	// Timeout is the hard wall-clock deadline for the whole run.
	Timeout time.Duration
	// NetworkEnabled is left false by every current caller; the field exists
	// so the policy is stated on the spec rather than buried in the provider.
	NetworkEnabled bool
}

// Invocation is the provider's structured account of one finished launch.
type Invocation struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// OOMKilled reports the runtime's own kill-reason signal. Callers should
	// trust it over matching stderr text.
	OOMKilled bool
	// TimedOut reports that the wall-clock deadline fired and the process
	// group was destroyed. Stdout/Stderr hold whatever was captured before.
	TimedOut bool
	Duration time.Duration
}

// Provider launches one isolated process group per Invoke call and blocks
// until it exits or the deadline fires. A non-nil error means the provider
// itself could not be driven; a program that ran and failed is still an
// Invocation, not an error.
type Provider interface {
	Invoke(ctx context.Context, spec LaunchSpec) (*Invocation, error)
	EnsureImage(ctx context.Context, image string) error
}
