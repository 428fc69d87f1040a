package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"runbox/internal/languages"
	"runbox/internal/metrics"
	"runbox/internal/sandbox"
)

// Classification is the closed set of outcomes reported for every run.
type Classification string

const (
	ClassSuccess             Classification = "success"
	ClassRuntimeError        Classification = "runtime_error"
	ClassTimedOut            Classification = "timed_out"
	ClassResourceKilled      Classification = "resource_killed"
	ClassUnsupportedLanguage Classification = "unsupported_language"
	ClassEntryNotFound       Classification = "entry_not_found"
	ClassInternalFailure     Classification = "internal_failure"
)

// Sentinel exit codes for runs that never produced a real process exit status.
// These match the wire contract of the service this replaces.
const (
	exitTimedOut            = -1
	exitUnsupportedLanguage = -2
	exitEntryNotFound       = -3
	exitInternalFailure     = -3
	exitResourceKilled      = 137
)

// SourceUnit is one runnable unit: either inline code to be staged, or an
// entry file inside an existing directory. Values are built with
// InlineSource/DirectorySource and not modified afterwards.
type SourceUnit struct {
	Language string
	// Code holds inline source text. Ignored when RootDir is set.
	Code string
	// Entry is the entry file path relative to RootDir.
	Entry string
	// RootDir, when non-empty, selects the directory form: Entry is executed
	// from this directory instead of staging Code.
	RootDir string
}

func InlineSource(language, code string) SourceUnit {
	return SourceUnit{Language: language, Code: code}
}

func DirectorySource(language, entry, rootDir string) SourceUnit {
	return SourceUnit{Language: language, Entry: entry, RootDir: rootDir}
}

// Outcome is the single result of one run. Exactly one Outcome is produced
// per Run call; failures are classifications, never propagated errors.
type Outcome struct {
	Classification Classification `json:"status"`
	Stdout         string         `json:"output"`
	Stderr         string         `json:"error"`
	ExitCode       int            `json:"exit_code"`
	DurationMs     int64          `json:"duration_ms"`
}

// Executor owns the lifecycle of sandboxed runs: staging, spec building,
// provider invocation, and outcome classification.
type Executor struct {
	registry *languages.Registry
	provider sandbox.Provider
	limits   Limits
	logger   *zerolog.Logger
}

func NewExecutor(registry *languages.Registry, provider sandbox.Provider, limits Limits, logger *zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		provider: provider,
		limits:   limits.withDefaults(),
		logger:   logger,
	}
}

// Run executes one SourceUnit and always returns a classified Outcome. It
// never panics past its own boundary and never leaves a sandbox running after
// it returns.
func (e *Executor) Run(ctx context.Context, unit SourceUnit) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = e.internalFailure(fmt.Sprintf("execution panicked: %v", r))
		}
		metrics.ExecutionsTotal.WithLabelValues(unit.Language, string(out.Classification)).Inc()
		metrics.ExecutionDuration.WithLabelValues(unit.Language).Observe(float64(out.DurationMs))
	}()

	// Language lookup comes before any staging or provider call, so an
	// unsupported language costs nothing.
	lang, err := e.registry.Get(unit.Language)
	if err != nil {
		return Outcome{
			Classification: ClassUnsupportedLanguage,
			Stderr:         fmt.Sprintf("Unsupported language: %s", unit.Language),
			ExitCode:       exitUnsupportedLanguage,
		}
	}

	sourceDir := unit.RootDir
	entry := unit.Entry

	if unit.RootDir == "" {
		dir, err := os.MkdirTemp("", "runbox-*")
		if err != nil {
			return e.internalFailure(fmt.Sprintf("create staging dir: %v", err))
		}
		// Staging is run-scoped: gone on every exit path, timeout included.
		defer os.RemoveAll(dir)

		entry = lang.Config.SourceFile
		if err := os.WriteFile(filepath.Join(dir, entry), []byte(unit.Code), 0o644); err != nil {
			return e.internalFailure(fmt.Sprintf("stage source: %v", err))
		}
		sourceDir = dir
	} else if !entryExists(unit.RootDir, unit.Entry) {
		// Checked host-side: the runtime provider has no view of our
		// filesystem layout, and the caller's claim is not trusted.
		return Outcome{
			Classification: ClassEntryNotFound,
			Stderr:         fmt.Sprintf("Entry file not found: %s", unit.Entry),
			ExitCode:       exitEntryNotFound,
		}
	}

	spec := BuildLaunchSpec(lang, entry, sourceDir, e.limits)

	inv, err := e.provider.Invoke(ctx, spec)
	if err != nil {
		return e.internalFailure(fmt.Sprintf("sandbox unavailable: %v", err))
	}

	out = e.classify(inv)
	e.logger.Debug().
		Str("language", unit.Language).
		Str("status", string(out.Classification)).
		Int("exit_code", out.ExitCode).
		Int64("duration_ms", out.DurationMs).
		Msg("run classified")
	return out
}

// RunDir executes an entry file from an already-extracted directory. It is a
// thin adapter over Run so directory and inline runs share one classification
// path, including the resource-kill stderr rewrite.
func (e *Executor) RunDir(ctx context.Context, language, entry, rootDir string) Outcome {
	return e.Run(ctx, DirectorySource(language, entry, rootDir))
}

func (e *Executor) classify(inv *sandbox.Invocation) Outcome {
	durationMs := inv.Duration.Milliseconds()

	if inv.TimedOut {
		return Outcome{
			Classification: ClassTimedOut,
			Stdout:         inv.Stdout,
			Stderr:         inv.Stderr,
			ExitCode:       exitTimedOut,
			DurationMs:     durationMs,
		}
	}

	// The runtime's own kill signal is authoritative; exit 137 and the
	// "Killed"/"OOM" markers are fallbacks for providers that lose the flag.
	// The text markers are case-sensitive and heuristic: a program that
	// prints them itself will be misclassified.
	if inv.OOMKilled || inv.ExitCode == exitResourceKilled ||
		strings.Contains(inv.Stderr, "Killed") || strings.Contains(inv.Stderr, "OOM") {
		return Outcome{
			Classification: ClassResourceKilled,
			Stderr:         fmt.Sprintf("Process killed (likely out of memory > %dm).", e.limits.MemoryMB),
			ExitCode:       exitResourceKilled,
			DurationMs:     durationMs,
		}
	}

	// A language-level MemoryError means the program observed its own
	// allocation failure; its diagnostic and exit code pass through.
	if strings.Contains(inv.Stderr, "MemoryError") {
		return Outcome{
			Classification: ClassRuntimeError,
			Stderr:         inv.Stderr,
			ExitCode:       inv.ExitCode,
			DurationMs:     durationMs,
		}
	}

	classification := ClassSuccess
	if inv.ExitCode != 0 {
		classification = ClassRuntimeError
	}

	return Outcome{
		Classification: classification,
		Stdout:         inv.Stdout,
		Stderr:         inv.Stderr,
		ExitCode:       inv.ExitCode,
		DurationMs:     durationMs,
	}
}

func (e *Executor) internalFailure(diagnostic string) Outcome {
	e.logger.Error().Str("reason", diagnostic).Msg("internal execution failure")
	return Outcome{
		Classification: ClassInternalFailure,
		Stderr:         fmt.Sprintf("Executor error: %s", diagnostic),
		ExitCode:       exitInternalFailure,
	}
}

// entryExists reports whether entry names a regular file inside root. Paths
// that escape root are treated as missing rather than resolved.
func entryExists(root, entry string) bool {
	if entry == "" || !filepath.IsLocal(entry) {
		return false
	}
	info, err := os.Stat(filepath.Join(root, entry))
	return err == nil && info.Mode().IsRegular()
}
