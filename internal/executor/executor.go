// Package executor runs admitted tasks against the locally-operated agent.
// The bridge consumes the Executor interface; the shipped implementation is
// a sandboxed subprocess.
package executor

import (
	"context"

	"github.com/agentbridge/bridge/internal/task"
)

// Result is the executor's single terminal outcome for a task.
type Result struct {
	Status     task.Status
	Output     string
	Error      string
	DurationMS int64
}

// Executor is the collaborator the dispatcher drives. Execute must honor the
// submission's timeout itself and produce exactly one terminal result; Cancel
// reports whether a running task was found and told to stop.
type Executor interface {
	Execute(ctx context.Context, sub *task.Submission) Result
	Cancel(taskID string) bool
}
