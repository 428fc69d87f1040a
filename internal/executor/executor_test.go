package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"runbox/internal/languages"
	"runbox/internal/sandbox"
)

type stubProvider struct {
	mu       sync.Mutex
	invokeFn func(ctx context.Context, spec sandbox.LaunchSpec) (*sandbox.Invocation, error)
	calls    []sandbox.LaunchSpec
}

func (s *stubProvider) Invoke(ctx context.Context, spec sandbox.LaunchSpec) (*sandbox.Invocation, error) {
	s.mu.Lock()
	s.calls = append(s.calls, spec)
	s.mu.Unlock()
	if s.invokeFn != nil {
		return s.invokeFn(ctx, spec)
	}
	return &sandbox.Invocation{}, nil
}

func (s *stubProvider) EnsureImage(ctx context.Context, image string) error {
	return nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubProvider) lastSpec() sandbox.LaunchSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return sandbox.LaunchSpec{}
	}
	return s.calls[len(s.calls)-1]
}

func newTestExecutor(provider sandbox.Provider) *Executor {
	logger := zerolog.Nop()
	return NewExecutor(languages.NewRegistry(), provider, Limits{}, &logger)
}

func TestRunUnsupportedLanguageNeverInvokesProvider(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{}
	e := newTestExecutor(provider)

	out := e.Run(context.Background(), InlineSource("ruby", "puts 1"))

	if out.Classification != ClassUnsupportedLanguage {
		t.Fatalf("classification = %q, want %q", out.Classification, ClassUnsupportedLanguage)
	}
	if out.ExitCode != -2 {
		t.Errorf("exit code = %d, want -2", out.ExitCode)
	}
	if out.Stderr != "Unsupported language: ruby" {
		t.Errorf("stderr = %q", out.Stderr)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider invoked %d times, want 0", provider.callCount())
	}
}

func TestRunStagesInlineCodeAndCleansUp(t *testing.T) {
	t.Parallel()

	code := "print('staged')"
	var stagedDir string
	provider := &stubProvider{
		invokeFn: func(ctx context.Context, spec sandbox.LaunchSpec) (*sandbox.Invocation, error) {
			stagedDir = spec.SourceDir
			data, err := os.ReadFile(filepath.Join(spec.SourceDir, "user_code.py"))
			if err != nil {
				t.Errorf("staged file unreadable during run: %v", err)
			} else if string(data) != code {
				t.Errorf("staged content = %q, want %q", data, code)
			}
			return &sandbox.Invocation{ExitCode: 0}, nil
		},
	}
	e := newTestExecutor(provider)

	out := e.Run(context.Background(), InlineSource("python", code))
	if out.Classification != ClassSuccess {
		t.Fatalf("classification = %q, want success", out.Classification)
	}

	if stagedDir == "" {
		t.Fatalf("provider never saw a source dir")
	}
	if _, err := os.Stat(stagedDir); !os.IsNotExist(err) {
		t.Errorf("staging dir %s still exists after run", stagedDir)
	}
}

func TestRunBuildsCommandFromLanguageTemplate(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{}
	e := newTestExecutor(provider)

	e.Run(context.Background(), InlineSource("node", "console.log(1)"))

	spec := provider.lastSpec()
	if spec.Image != "node:20-slim" {
		t.Errorf("image = %q", spec.Image)
	}
	if len(spec.Command) != 2 || spec.Command[0] != "node" || spec.Command[1] != "user_code.js" {
		t.Errorf("command = %v", spec.Command)
	}
	if spec.WorkDir != "/app" {
		t.Errorf("work dir = %q", spec.WorkDir)
	}
	if spec.MemoryBytes != 128<<20 {
		t.Errorf("memory = %d, want default 128 MiB", spec.MemoryBytes)
	}
	if spec.Timeout != 10*time.Second {
		t.Errorf("timeout = %v, want default 10s", spec.Timeout)
	}
	if spec.NetworkEnabled {
		t.Errorf("network must stay disabled")
	}
}

func TestRunClassifiesOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		inv        sandbox.Invocation
		wantClass  Classification
		wantExit   int
		wantStdout string
		wantStderr string
	}{
		{
			name:       "clean exit",
			inv:        sandbox.Invocation{Stdout: "42\n", ExitCode: 0},
			wantClass:  ClassSuccess,
			wantExit:   0,
			wantStdout: "42\n",
		},
		{
			name:       "nonzero exit",
			inv:        sandbox.Invocation{Stdout: "partial\n", Stderr: "Traceback: oops\n", ExitCode: 1},
			wantClass:  ClassRuntimeError,
			wantExit:   1,
			wantStdout: "partial\n",
			wantStderr: "Traceback: oops\n",
		},
		{
			name:       "deadline kill keeps partial output",
			inv:        sandbox.Invocation{Stdout: "tick\ntick\n", TimedOut: true, ExitCode: -1},
			wantClass:  ClassTimedOut,
			wantExit:   -1,
			wantStdout: "tick\ntick\n",
		},
		{
			name:       "oom flag from runtime",
			inv:        sandbox.Invocation{Stdout: "will be dropped", OOMKilled: true, ExitCode: 137},
			wantClass:  ClassResourceKilled,
			wantExit:   137,
			wantStderr: "Process killed (likely out of memory > 128m).",
		},
		{
			name:       "exit 137 without flag",
			inv:        sandbox.Invocation{ExitCode: 137},
			wantClass:  ClassResourceKilled,
			wantExit:   137,
			wantStderr: "Process killed (likely out of memory > 128m).",
		},
		{
			name:       "killed marker in stderr",
			inv:        sandbox.Invocation{Stderr: "Killed\n", ExitCode: 1},
			wantClass:  ClassResourceKilled,
			wantExit:   137,
			wantStderr: "Process killed (likely out of memory > 128m).",
		},
		{
			name:       "language-level MemoryError passes through",
			inv:        sandbox.Invocation{Stdout: "dropped", Stderr: "MemoryError: allocation failed\n", ExitCode: 1},
			wantClass:  ClassRuntimeError,
			wantExit:   1,
			wantStderr: "MemoryError: allocation failed\n",
		},
		{
			name:       "kill wins over MemoryError",
			inv:        sandbox.Invocation{Stderr: "MemoryError\nKilled\n", OOMKilled: true, ExitCode: 137},
			wantClass:  ClassResourceKilled,
			wantExit:   137,
			wantStderr: "Process killed (likely out of memory > 128m).",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			provider := &stubProvider{
				invokeFn: func(ctx context.Context, spec sandbox.LaunchSpec) (*sandbox.Invocation, error) {
					inv := tc.inv
					return &inv, nil
				},
			}
			e := newTestExecutor(provider)

			out := e.Run(context.Background(), InlineSource("python", "x = 1"))

			if out.Classification != tc.wantClass {
				t.Errorf("classification = %q, want %q", out.Classification, tc.wantClass)
			}
			if out.ExitCode != tc.wantExit {
				t.Errorf("exit code = %d, want %d", out.ExitCode, tc.wantExit)
			}
			if out.Stdout != tc.wantStdout {
				t.Errorf("stdout = %q, want %q", out.Stdout, tc.wantStdout)
			}
			if out.Stderr != tc.wantStderr {
				t.Errorf("stderr = %q, want %q", out.Stderr, tc.wantStderr)
			}
		})
	}
}

func TestRunProviderErrorIsInternalFailure(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{
		invokeFn: func(ctx context.Context, spec sandbox.LaunchSpec) (*sandbox.Invocation, error) {
			return nil, errors.New("daemon unreachable")
		},
	}
	e := newTestExecutor(provider)

	out := e.Run(context.Background(), InlineSource("python", "x = 1"))

	if out.Classification != ClassInternalFailure {
		t.Fatalf("classification = %q, want %q", out.Classification, ClassInternalFailure)
	}
	if out.ExitCode != -3 {
		t.Errorf("exit code = %d, want -3", out.ExitCode)
	}
	if !strings.HasPrefix(out.Stderr, "Executor error: ") {
		t.Errorf("stderr = %q, want Executor error prefix", out.Stderr)
	}
}

func TestRunRecoversFromProviderPanic(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{
		invokeFn: func(ctx context.Context, spec sandbox.LaunchSpec) (*sandbox.Invocation, error) {
			panic("provider bug")
		},
	}
	e := newTestExecutor(provider)

	out := e.Run(context.Background(), InlineSource("python", "x = 1"))

	if out.Classification != ClassInternalFailure {
		t.Fatalf("classification = %q, want %q", out.Classification, ClassInternalFailure)
	}
	if !strings.Contains(out.Stderr, "provider bug") {
		t.Errorf("stderr = %q, want panic value included", out.Stderr)
	}
}

func TestRunRepeatedInlineRunsAreIndependent(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{
		invokeFn: func(ctx context.Context, spec sandbox.LaunchSpec) (*sandbox.Invocation, error) {
			data, err := os.ReadFile(filepath.Join(spec.SourceDir, "user_code.py"))
			if err != nil {
				return nil, err
			}
			return &sandbox.Invocation{Stdout: string(data), ExitCode: 0}, nil
		},
	}
	e := newTestExecutor(provider)

	unit := InlineSource("python", "print('again')")
	first := e.Run(context.Background(), unit)
	second := e.Run(context.Background(), unit)

	if first.Classification != second.Classification || first.ExitCode != second.ExitCode {
		t.Errorf("runs diverged: %+v vs %+v", first, second)
	}
	if first.Stdout != second.Stdout {
		t.Errorf("stdout diverged: %q vs %q", first.Stdout, second.Stdout)
	}

	// Each run stages into its own directory; nothing from the first run
	// is visible to the second.
	specs := provider.calls
	if len(specs) != 2 {
		t.Fatalf("provider invoked %d times, want 2", len(specs))
	}
	if specs[0].SourceDir == specs[1].SourceDir {
		t.Errorf("runs shared staging dir %q", specs[0].SourceDir)
	}
}

func TestRunDirMissingEntryNeverInvokesProvider(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{}
	e := newTestExecutor(provider)

	out := e.RunDir(context.Background(), "python", "nope.py", t.TempDir())

	if out.Classification != ClassEntryNotFound {
		t.Fatalf("classification = %q, want %q", out.Classification, ClassEntryNotFound)
	}
	if out.ExitCode != -3 {
		t.Errorf("exit code = %d, want -3", out.ExitCode)
	}
	if out.Stderr != "Entry file not found: nope.py" {
		t.Errorf("stderr = %q", out.Stderr)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider invoked %d times, want 0", provider.callCount())
	}
}

func TestRunDirRejectsEscapingEntry(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.py"), []byte("print(1)"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, entry := range []string{"../main.py", "../../etc/passwd", "/etc/passwd", ""} {
		provider := &stubProvider{}
		e := newTestExecutor(provider)

		out := e.RunDir(context.Background(), "python", entry, root)
		if out.Classification != ClassEntryNotFound {
			t.Errorf("entry %q: classification = %q, want %q", entry, out.Classification, ClassEntryNotFound)
		}
		if provider.callCount() != 0 {
			t.Errorf("entry %q: provider invoked", entry)
		}
	}
}

func TestRunDirExecutesEntryFromRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "main.py"), []byte("print(1)"), 0o644); err != nil {
		t.Fatal(err)
	}

	provider := &stubProvider{}
	e := newTestExecutor(provider)

	out := e.RunDir(context.Background(), "python", "sub/main.py", root)
	if out.Classification != ClassSuccess {
		t.Fatalf("classification = %q, want success", out.Classification)
	}

	spec := provider.lastSpec()
	if spec.SourceDir != root {
		t.Errorf("source dir = %q, want %q", spec.SourceDir, root)
	}
	if len(spec.Command) != 2 || spec.Command[1] != "sub/main.py" {
		t.Errorf("command = %v, want entry substituted", spec.Command)
	}
}
