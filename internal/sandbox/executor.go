// Package sandbox runs untrusted delivered code in an isolated child process.
//
// The child is a python interpreter executing a generated harness that applies
// OS resource limits, rebinds a denylist of dangerous os-module primitives to
// a blocker that prints a marker and exits, and then execs the delivery inside
// a restricted global namespace. The parent enforces a wall-clock timeout
// independent of the in-process CPU limit so I/O-bound hangs are also caught,
// strips the environment down to an allow-list, and caps captured output.
//
// Execute never returns a Go error: every outcome is normalized into Result.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// ViolationMarker is printed to stderr by the harness when delivered code
	// reaches a denylisted primitive.
	ViolationMarker = "SANDBOX_SECURITY_VIOLATION"
	// runtimeErrorMarker prefixes in-harness exception reports.
	runtimeErrorMarker = "RUNTIME_ERROR"

	defaultWallClock = 7 * time.Second
	defaultCPULimit  = 5 // seconds
	defaultMemLimit  = 256 * 1024 * 1024
	defaultOutputCap = 10000
)

// ErrTimedOut is the user-visible message for wall-clock expiry.
const ErrTimedOut = "Execution timed out"

// denylist names the os-module primitives the harness rebinds: process
// spawning, deletion/rename, signaling, and permission changes.
var denylist = []string{
	"system", "popen", "spawn", "execl", "execle", "execlp", "execlpe",
	"execv", "execve", "execvp", "execvpe", "fork", "kill", "chmod",
	"chown", "remove", "unlink", "rmdir", "rename", "symlink",
}

// executableIndicators mark content worth running: plain prose is skipped.
var executableIndicators = []string{"def ", "import ", "print(", "class ", "if __name__ =="}

// Result is the normalized outcome of one sandbox run.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Executor launches sandboxed runs. The zero value is not usable; call New.
type Executor struct {
	pythonBin string
	wallClock time.Duration
	cpuLimit  int
	memLimit  int64
	outputCap int
}

// Option configures the Executor.
type Option func(*Executor)

func WithPython(bin string) Option {
	return func(e *Executor) {
		if bin != "" {
			e.pythonBin = bin
		}
	}
}

func WithWallClock(d time.Duration) Option {
	return func(e *Executor) { e.wallClock = d }
}

func WithOutputCap(n int) Option {
	return func(e *Executor) { e.outputCap = n }
}

func New(opts ...Option) *Executor {
	e := &Executor{
		pythonBin: "python3",
		wallClock: defaultWallClock,
		cpuLimit:  defaultCPULimit,
		memLimit:  defaultMemLimit,
		outputCap: defaultOutputCap,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsExecutable reports whether content looks like runnable code rather than a
// prose deliverable.
func IsExecutable(content string) bool {
	for _, ind := range executableIndicators {
		if strings.Contains(content, ind) {
			return true
		}
	}
	return false
}

// Execute runs content in the sandbox and maps every outcome to a Result.
func (e *Executor) Execute(ctx context.Context, content string) Result {
	harness := e.buildHarness(content)

	tmp, err := os.CreateTemp("", "hale-sandbox-*.py")
	if err != nil {
		return Result{Error: fmt.Sprintf("Sandbox system error: %v", err)}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(harness); err != nil {
		tmp.Close()
		return Result{Error: fmt.Sprintf("Sandbox system error: %v", err)}
	}
	if err := tmp.Close(); err != nil {
		return Result{Error: fmt.Sprintf("Sandbox system error: %v", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.wallClock)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.pythonBin, tmp.Name())
	// The child sees only path-resolution variables. Ambient secrets in the
	// daemon's environment must not be inheritable by delivered code.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"PYTHONPATH=" + os.Getenv("PYTHONPATH"),
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	out := truncate(stdout.String(), e.outputCap)
	errOut := truncate(stderr.String(), e.outputCap)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{Error: ErrTimedOut}
	}

	if runErr == nil {
		return Result{Success: true, Output: out}
	}

	if strings.Contains(errOut, ViolationMarker) {
		return Result{Error: "Security violation: Blocked system call attempted."}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		msg := strings.TrimSpace(errOut)
		if msg == "" {
			msg = "Process exited with non-zero status"
		}
		return Result{Error: msg}
	}

	// python missing, fork failure, or similar launch problem.
	return Result{Error: fmt.Sprintf("Sandbox system error: %v", runErr)}
}

// buildHarness wraps the delivered content. strconv.Quote escapes with
// \n, \t, \xNN and \uNNNN sequences, all of which python string literals
// accept, so the Go-quoted content is a valid python double-quoted string.
func (e *Executor) buildHarness(content string) string {
	var b strings.Builder
	b.WriteString("import sys\nimport os\n\n")

	fmt.Fprintf(&b, `try:
    import resource
    _mem = %d
    resource.setrlimit(resource.RLIMIT_AS, (_mem, _mem))
    resource.setrlimit(resource.RLIMIT_CPU, (%d, %d))
except Exception:
    pass

`, e.memLimit, e.cpuLimit, e.cpuLimit)

	fmt.Fprintf(&b, `def _blocked(*args, **kwargs):
    print("%s: Restricted system call blocked.", file=sys.stderr)
    os._exit(1)

for _name in [%s]:
    if hasattr(os, _name):
        setattr(os, _name, _blocked)

`, ViolationMarker, pythonNameList(denylist))

	fmt.Fprintf(&b, `try:
    _code = compile(%s, "<delivery>", "exec")
    exec(_code, {"__builtins__": __builtins__, "os": os, "sys": sys})
except Exception as e:
    print("%s: %%s: %%s" %% (type(e).__name__, e), file=sys.stderr)
    sys.exit(1)
`, strconv.Quote(content), runtimeErrorMarker)

	return b.String()
}

func pythonNameList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = strconv.Quote(n)
	}
	return strings.Join(quoted, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
