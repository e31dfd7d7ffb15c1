package executor

import (
	"context"
	"sync"
	"time"

	"github.com/agentbridge/bridge/internal/task"
)

// Mock is a scriptable executor for tests. By default it echoes the prompt
// back as output.
type Mock struct {
	mu sync.Mutex

	// Fn, when set, produces the result. Otherwise the prompt is echoed.
	Fn func(sub *task.Submission) Result
	// Delay holds Execute before producing the result, unless cancelled.
	Delay time.Duration

	Executed  []string
	Cancelled []string
}

func (m *Mock) Execute(ctx context.Context, sub *task.Submission) Result {
	m.mu.Lock()
	m.Executed = append(m.Executed, sub.TaskID)
	fn := m.Fn
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{Status: task.StatusCancelled}
		}
	}
	if fn != nil {
		return fn(sub)
	}
	return Result{Status: task.StatusCompleted, Output: sub.Prompt, DurationMS: delay.Milliseconds()}
}

func (m *Mock) Cancel(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, taskID)
	return true
}
