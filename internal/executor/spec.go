package executor

import (
	"strings"
	"time"

	"runbox/internal/languages"
	"runbox/internal/sandbox"
)

// Containers always see the source tree at this path, matching the read-only
// mount the provider sets up.
const containerWorkDir = "/app"

const (
	DefaultMemoryMB  = 128
	DefaultTimeout   = 10 * time.Second
	DefaultBatchSize = 5
)

// Limits are the process-wide resource ceilings applied to every run. They
// come from configuration, never from callers, so a request cannot inflate
// its own budget.
type Limits struct {
	MemoryMB int
	Timeout  time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MemoryMB <= 0 {
		l.MemoryMB = DefaultMemoryMB
	}
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	return l
}

// BuildLaunchSpec translates a language, an entry filename, and a source root
// into a concrete invocation descriptor. Pure: no I/O, no side effects, and a
// fresh spec every call.
func BuildLaunchSpec(lang languages.Language, entry, sourceRoot string, limits Limits) sandbox.LaunchSpec {
	command := make([]string, len(lang.Config.RunCommand))
	for i, arg := range lang.Config.RunCommand {
		command[i] = strings.ReplaceAll(arg, "{entry}", entry)
	}

	return sandbox.LaunchSpec{
		Image:       lang.Config.Image,
		Command:     command,
		SourceDir:   sourceRoot,
		WorkDir:     containerWorkDir,
		MemoryBytes: int64(limits.MemoryMB) << 20,
		Timeout:     limits.Timeout,
	}
}
