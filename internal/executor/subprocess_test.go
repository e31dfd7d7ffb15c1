package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/internal/task"
)

// agentScript writes an executable stand-in for the agent binary. The
// executor always passes --kind (and --file) flags, so plain coreutils won't
// do.
func agentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newEchoExecutor(t *testing.T) *Subprocess {
	t.Helper()
	s, err := NewSubprocess(SubprocessOptions{
		Command:     agentScript(t, "cat"),
		SandboxRoot: t.TempDir(),
		Allowed:     []string{"agent"},
	})
	require.NoError(t, err)
	return s
}

func TestNewSubprocessAllowList(t *testing.T) {
	_, err := NewSubprocess(SubprocessOptions{
		Command:     "/bin/sh",
		SandboxRoot: t.TempDir(),
		Allowed:     []string{"agent"},
	})
	assert.ErrorIs(t, err, ErrCommandNotAllowed)

	// The basename is what is matched, not the full path.
	script := agentScript(t, "cat")
	_, err = NewSubprocess(SubprocessOptions{
		Command:     script,
		SandboxRoot: t.TempDir(),
		Allowed:     []string{"agent"},
	})
	assert.NoError(t, err)

	_, err = NewSubprocess(SubprocessOptions{SandboxRoot: t.TempDir()})
	assert.Error(t, err)
}

func TestExecuteRejectsShellMetacharacters(t *testing.T) {
	s := newEchoExecutor(t)

	for _, prompt := range []string{
		"ls; rm -rf /",
		"a && b",
		"cat < /etc/passwd",
		"echo `id`",
		"pay $100",
		"a | b",
	} {
		res := s.Execute(context.Background(), &task.Submission{
			TaskID: task.NewTaskID(), Kind: "prompt", Prompt: prompt, TimeoutSeconds: 5,
		})
		assert.Equal(t, task.StatusFailed, res.Status, "prompt %q", prompt)
		assert.Equal(t, "Invalid characters in prompt", res.Error)
	}
}

func TestExecuteEchoesPrompt(t *testing.T) {
	s := newEchoExecutor(t)

	res := s.Execute(context.Background(), &task.Submission{
		TaskID: "echo-1", Kind: "prompt", Prompt: "hello bridge", TimeoutSeconds: 10,
	})
	require.Equal(t, task.StatusCompleted, res.Status, "error: %s", res.Error)
	assert.Equal(t, "hello bridge", res.Output)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))
}

func TestExecuteSurfacesStderrOnFailure(t *testing.T) {
	s, err := NewSubprocess(SubprocessOptions{
		Command:     agentScript(t, "echo boom >&2; exit 3"),
		SandboxRoot: t.TempDir(),
		Allowed:     []string{"agent"},
	})
	require.NoError(t, err)

	res := s.Execute(context.Background(), &task.Submission{
		TaskID: "fail-1", Kind: "prompt", Prompt: "x", TimeoutSeconds: 5,
	})
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, "boom", res.Error)
}

func TestExecuteTimeout(t *testing.T) {
	s, err := NewSubprocess(SubprocessOptions{
		Command:     agentScript(t, "sleep 30"),
		SandboxRoot: t.TempDir(),
		Allowed:     []string{"agent"},
	})
	require.NoError(t, err)

	res := s.Execute(context.Background(), &task.Submission{
		TaskID: "slow", Kind: "prompt", Prompt: "x", TimeoutSeconds: 1,
	})
	assert.Equal(t, task.StatusTimeout, res.Status)
	assert.Contains(t, res.Error, "1s")
}

func TestCancelRunningTask(t *testing.T) {
	s, err := NewSubprocess(SubprocessOptions{
		Command:     agentScript(t, "sleep 30"),
		SandboxRoot: t.TempDir(),
		Allowed:     []string{"agent"},
	})
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() {
		done <- s.Execute(context.Background(), &task.Submission{
			TaskID: "c1", Kind: "prompt", Prompt: "x", TimeoutSeconds: 60,
		})
	}()

	// Wait for the task to register itself.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.running["c1"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, s.Cancel("c1"))

	select {
	case res := <-done:
		assert.Equal(t, task.StatusCancelled, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled task never returned")
	}

	assert.False(t, s.Cancel("c1"), "second cancel finds nothing running")
}

func TestCancelUnknownTask(t *testing.T) {
	s := newEchoExecutor(t)
	assert.False(t, s.Cancel("never-admitted"))
}

func TestWorkDirContainment(t *testing.T) {
	s := newEchoExecutor(t)

	res := s.Execute(context.Background(), &task.Submission{
		TaskID: "esc", Kind: "prompt", Prompt: "x", TimeoutSeconds: 5,
		Context: &task.Context{WorkingDir: "../../etc"},
	})
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "escapes sandbox root")
}

func TestMockExecutor(t *testing.T) {
	m := &Mock{}
	res := m.Execute(context.Background(), &task.Submission{TaskID: "m1", Prompt: "ping"})
	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, "ping", res.Output)
	assert.Equal(t, []string{"m1"}, m.Executed)
}
