// Package invoker runs the external codex binary for a single turn and
// parses its structured output. Exactly one process per call; the call
// blocks until the process exits or the configured timeout kills it.
package invoker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sjoeboo/codexrelay/internal/logging"
)

// diagnosticLimit bounds the captured output carried on a failure.
const diagnosticLimit = 3500

// Policy is the environment policy passed through to codex verbatim.
// The relay does not interpret it.
type Policy struct {
	// SandboxMode e.g. "workspace-write" or "danger-full-access"
	SandboxMode string

	// ApprovalPolicy e.g. "on-request" or "never"
	ApprovalPolicy string

	// BypassLevel escalates: 0 = none, 1 = config-flag overrides
	// (sandbox danger-full-access, approval never), 2 = the full
	// bypass flag disabling both sandboxing and approval.
	BypassLevel int
}

// Request is one turn to execute.
type Request struct {
	// Prompt is the user's message
	Prompt string

	// CWD is the working directory for the process
	CWD string

	// ResumeSessionID selects "resume" form when non-empty, otherwise
	// a new session is started
	ResumeSessionID string
}

// Result is a successfully parsed turn.
type Result struct {
	// SessionID is the new or continued session identifier
	SessionID string

	// Reply is the assistant's textual answer
	Reply string
}

// FailureKind classifies invocation failures.
type FailureKind int

const (
	// FailSpawn: the binary could not be started at all
	FailSpawn FailureKind = iota

	// FailExit: the process exited non-zero
	FailExit

	// FailUnparsable: the process exited zero but produced no usable
	// structured output
	FailUnparsable

	// FailTimeout: the configured bound expired and the process was
	// killed
	FailTimeout
)

// Failure is a typed invocation failure carrying captured diagnostics.
type Failure struct {
	Kind       FailureKind
	Message    string
	Diagnostic string // tail of the combined process output
}

func (f *Failure) Error() string {
	if f.Diagnostic == "" {
		return f.Message
	}
	return f.Message + ": " + f.Diagnostic
}

// Runner invokes a fixed codex binary under a fixed policy.
type Runner struct {
	bin     string
	policy  Policy
	timeout time.Duration // zero = unbounded
	log     *slog.Logger
}

// New creates a Runner. timeout zero disables the per-call bound.
func New(bin string, policy Policy, timeout time.Duration) *Runner {
	return &Runner{
		bin:     bin,
		policy:  policy,
		timeout: timeout,
		log:     logging.ForComponent(logging.CompInvoker),
	}
}

// Bin returns the resolved binary path.
func (r *Runner) Bin() string {
	return r.bin
}

// Run executes one turn. On success the returned Result carries the
// session id and reply text; every failure path returns a *Failure so
// the caller can show the user what actually happened.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	args := r.buildArgs(req)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Dir = req.CWD
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Do not wait forever on inherited pipes after the kill
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	r.log.Info("invoking codex",
		"cwd", req.CWD,
		"resume", req.ResumeSessionID,
		"bypass_level", r.policy.BypassLevel)

	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		r.log.Warn("invocation timed out", "elapsed", elapsed)
		return Result{}, &Failure{
			Kind:       FailTimeout,
			Message:    fmt.Sprintf("codex timed out after %s", elapsed.Round(time.Second)),
			Diagnostic: tail(stdout.String()+"\n"+stderr.String(), diagnosticLimit),
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, &Failure{
				Kind:       FailExit,
				Message:    fmt.Sprintf("codex exited with status %d", exitErr.ExitCode()),
				Diagnostic: tail(stdout.String()+"\n"+stderr.String(), diagnosticLimit),
			}
		}
		return Result{}, &Failure{
			Kind:    FailSpawn,
			Message: fmt.Sprintf("cannot start codex (%s): %v", r.bin, err),
		}
	}

	res, ok := parseExecOutput(stdout.Bytes())
	if !ok {
		return Result{}, &Failure{
			Kind:       FailUnparsable,
			Message:    "codex produced no parsable reply",
			Diagnostic: tail(stdout.String()+"\n"+stderr.String(), diagnosticLimit),
		}
	}

	r.log.Info("invocation complete", "session", res.SessionID, "elapsed", elapsed)
	return res, nil
}

// buildArgs assembles the codex exec argument list for one turn.
func (r *Runner) buildArgs(req Request) []string {
	var configFlags []string
	if r.policy.BypassLevel == 1 {
		sandbox := r.policy.SandboxMode
		if sandbox == "" {
			sandbox = "danger-full-access"
		}
		approval := r.policy.ApprovalPolicy
		if approval == "" {
			approval = "never"
		}
		configFlags = append(configFlags,
			"-c", "sandbox_mode="+tomlString(sandbox),
			"-c", "approval_policy="+tomlString(approval),
		)
	}

	execFlags := []string{"--json", "--skip-git-repo-check"}
	if r.policy.BypassLevel >= 2 {
		execFlags = append(execFlags, "--dangerously-bypass-approvals-and-sandbox")
	}

	args := []string{"exec"}
	if req.ResumeSessionID != "" {
		args = append(args, "resume")
		args = append(args, configFlags...)
		args = append(args, execFlags...)
		args = append(args, req.ResumeSessionID, req.Prompt)
		return args
	}
	args = append(args, configFlags...)
	args = append(args, execFlags...)
	args = append(args, req.Prompt)
	return args
}

// execEvent is one line of codex exec --json output.
type execEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Item     struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// parseExecOutput extracts the thread id and the agent messages from the
// event stream. ok is false when either is missing.
func parseExecOutput(stdout []byte) (Result, bool) {
	var res Result
	var replies []string

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var evt execEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "thread.started":
			res.SessionID = evt.ThreadID
		case "item.completed":
			if evt.Item.Type == "agent_message" && evt.Item.Text != "" {
				replies = append(replies, evt.Item.Text)
			}
		}
	}

	res.Reply = strings.TrimSpace(strings.Join(replies, "\n\n"))
	if res.Reply == "" {
		return Result{}, false
	}
	return res, true
}

// tomlString quotes a value for a -c config override.
func tomlString(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// tail returns the last max runes of s, prefixed when truncated.
func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return "…" + string(runes[len(runes)-max:])
}

// ResolveBin picks the codex executable: the configured path, then PATH,
// then the desktop app bundle, then a bare "codex" for a late failure
// with a clear message.
func ResolveBin(configured string) string {
	if configured != "" {
		return configured
	}
	if found, err := exec.LookPath("codex"); err == nil {
		return found
	}
	appPath := "/Applications/Codex.app/Contents/Resources/codex"
	if _, err := os.Stat(appPath); err == nil {
		return appPath
	}
	return "codex"
}
