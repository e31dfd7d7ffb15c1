// Package task defines the canonical task submission, the terminal record
// types, and the bounded registry that owns both.
package task

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Status is the terminal state of a task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Kinds accepted on submission. Anything else is rejected at validation.
var knownKinds = map[string]bool{
	"prompt":      true,
	"code-review": true,
	"translation": true,
	"summarize":   true,
	"research":    true,
}

// Kinds returns the accepted task kinds in a stable order.
func Kinds() []string {
	return []string{"prompt", "code-review", "translation", "summarize", "research"}
}

const (
	MaxTaskIDLen    = 128
	MaxPromptBytes  = 100_000
	MaxContextFiles = 100

	DefaultTimeoutSeconds = 300
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 3600
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Context carries the optional execution context hints supplied by the caller.
type Context struct {
	WorkingDir string   `json:"working_dir,omitempty"`
	Files      []string `json:"files,omitempty"`
}

// Submission is the canonical task, identical across REST, JSON-RPC and
// WebSocket surfaces. Immutable after admission.
type Submission struct {
	TaskID         string   `json:"task_id"`
	Kind           string   `json:"kind"`
	Prompt         string   `json:"prompt"`
	ClientIdentity string   `json:"client_identity,omitempty"`
	Context        *Context `json:"context,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	EscrowRef      string   `json:"escrow_ref,omitempty"`
}

// Completed is the terminal record kept in the registry until its TTL
// elapses or it is evicted.
type Completed struct {
	TaskID     string    `json:"task_id"`
	Status     Status    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ValidationError reports a single field violation. The HTTP layer surfaces
// these with the path and reason intact.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewTaskID generates a collision-resistant identifier for submissions that
// arrive without one.
func NewTaskID() string {
	var b [4]byte
	rand.Read(b[:])
	return fmt.Sprintf("task-%d-%s", time.Now().UnixNano(), hex.EncodeToString(b[:]))
}

// Normalize validates the submission in place, filling defaults. sandboxRoot
// is the canonical root any working-directory hint must live under; empty
// disables the containment check.
func (s *Submission) Normalize(sandboxRoot string) error {
	if s.TaskID == "" {
		s.TaskID = NewTaskID()
	}
	if len(s.TaskID) > MaxTaskIDLen || !taskIDPattern.MatchString(s.TaskID) {
		return &ValidationError{Field: "task_id", Reason: "must match [A-Za-z0-9._-]+ and be at most 128 characters"}
	}
	if !knownKinds[s.Kind] {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", s.Kind)}
	}
	if s.Prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if len(s.Prompt) > MaxPromptBytes {
		return &ValidationError{Field: "prompt", Reason: fmt.Sprintf("exceeds %d bytes", MaxPromptBytes)}
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if s.TimeoutSeconds < MinTimeoutSeconds || s.TimeoutSeconds > MaxTimeoutSeconds {
		return &ValidationError{Field: "timeout_seconds", Reason: fmt.Sprintf("must be between %d and %d", MinTimeoutSeconds, MaxTimeoutSeconds)}
	}
	if s.EscrowRef != "" {
		if _, ok := new(big.Int).SetString(s.EscrowRef, 10); !ok {
			return &ValidationError{Field: "escrow_ref", Reason: "must be a decimal-encoded integer"}
		}
	}
	if s.Context != nil {
		if len(s.Context.Files) > MaxContextFiles {
			return &ValidationError{Field: "context.files", Reason: fmt.Sprintf("at most %d entries", MaxContextFiles)}
		}
		if s.Context.WorkingDir != "" && sandboxRoot != "" {
			if !pathWithin(sandboxRoot, s.Context.WorkingDir) {
				return &ValidationError{Field: "context.working_dir", Reason: "must be inside the sandbox root"}
			}
		}
	}
	return nil
}

// pathWithin reports whether p canonicalizes to root or a descendant of it.
func pathWithin(root, p string) bool {
	root = filepath.Clean(root)
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}
