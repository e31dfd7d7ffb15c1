package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentbridge/bridge/internal/task"
)

// Characters that are never legitimate in a prompt handed to a subprocess.
// Rejected before any invocation happens.
const shellMetaChars = ";&|<>`$"

// ErrCommandNotAllowed is returned when the configured agent command is not
// on the allow-list.
var ErrCommandNotAllowed = errors.New("command not on the allow-list")

// SubprocessOptions configures the sandboxed agent subprocess.
type SubprocessOptions struct {
	// Command is the agent binary; its basename must appear in Allowed.
	Command string
	// BaseArgs precede the per-task arguments.
	BaseArgs []string
	// SandboxRoot is the only directory tree tasks may touch.
	SandboxRoot string
	// Allowed lists permitted command basenames.
	Allowed []string
}

// Subprocess launches the agent as a sandboxed child process per task. One
// process per task; the submission timeout bounds the process lifetime.
type Subprocess struct {
	command     string
	baseArgs    []string
	sandboxRoot string
	allowed     map[string]bool

	mu      sync.Mutex
	running map[string]*runningTask
}

type runningTask struct {
	cancel    context.CancelFunc
	cancelled bool
}

// NewSubprocess validates the options and returns the executor.
func NewSubprocess(opts SubprocessOptions) (*Subprocess, error) {
	if opts.Command == "" {
		return nil, errors.New("executor command is required")
	}
	allowed := make(map[string]bool, len(opts.Allowed))
	for _, c := range opts.Allowed {
		allowed[c] = true
	}
	if !allowed[filepath.Base(opts.Command)] {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotAllowed, opts.Command)
	}
	if _, err := exec.LookPath(opts.Command); err != nil {
		slog.Warn("executor command not found on PATH", "command", opts.Command, "error", err)
	}
	return &Subprocess{
		command:     opts.Command,
		baseArgs:    opts.BaseArgs,
		sandboxRoot: filepath.Clean(opts.SandboxRoot),
		allowed:     allowed,
		running:     make(map[string]*runningTask),
	}, nil
}

// Execute runs one task to its single terminal result. Prompts carrying
// shell metacharacters are refused before the process starts.
func (s *Subprocess) Execute(ctx context.Context, sub *task.Submission) Result {
	start := time.Now()

	if strings.ContainsAny(sub.Prompt, shellMetaChars) {
		return Result{
			Status:     task.StatusFailed,
			Error:      "Invalid characters in prompt",
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	workDir, err := s.workDirFor(sub)
	if err != nil {
		return Result{
			Status:     task.StatusFailed,
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(sub.TimeoutSeconds)*time.Second)
	defer cancel()

	rt := &runningTask{cancel: cancel}
	s.mu.Lock()
	s.running[sub.TaskID] = rt
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, sub.TaskID)
		s.mu.Unlock()
	}()

	args := append(append([]string{}, s.baseArgs...), "--kind", sub.Kind)
	for _, f := range contextFiles(sub) {
		args = append(args, "--file", f)
	}

	cmd := exec.CommandContext(runCtx, s.command, args...)
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(sub.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// A grandchild inheriting the stdout pipe would otherwise keep Run
	// blocked after the direct child is killed on cancel or timeout.
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	duration := time.Since(start).Milliseconds()

	s.mu.Lock()
	wasCancelled := rt.cancelled
	s.mu.Unlock()

	switch {
	case wasCancelled:
		return Result{Status: task.StatusCancelled, DurationMS: duration}
	case runCtx.Err() == context.DeadlineExceeded:
		return Result{
			Status:     task.StatusTimeout,
			Error:      fmt.Sprintf("executor exceeded %ds", sub.TimeoutSeconds),
			DurationMS: duration,
		}
	case runErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return Result{Status: task.StatusFailed, Error: msg, DurationMS: duration}
	default:
		return Result{Status: task.StatusCompleted, Output: stdout.String(), DurationMS: duration}
	}
}

// Cancel stops a running task's process. Returns false when the task is not
// currently running.
func (s *Subprocess) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.running[taskID]
	if !ok {
		return false
	}
	rt.cancelled = true
	rt.cancel()
	return true
}

// workDirFor resolves the task working directory, enforcing sandbox
// containment a second time at the execution boundary.
func (s *Subprocess) workDirFor(sub *task.Submission) (string, error) {
	if sub.Context == nil || sub.Context.WorkingDir == "" {
		return s.sandboxRoot, nil
	}
	dir := sub.Context.WorkingDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.sandboxRoot, dir)
	}
	dir = filepath.Clean(dir)
	if dir != s.sandboxRoot && !strings.HasPrefix(dir, s.sandboxRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("working directory %s escapes sandbox root", sub.Context.WorkingDir)
	}
	return dir, nil
}

func contextFiles(sub *task.Submission) []string {
	if sub.Context == nil {
		return nil
	}
	return sub.Context.Files
}
