package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/KafClaw/arbiter/internal/recovery"
	"github.com/KafClaw/arbiter/internal/router"
)

// Task is the work handed to an executor.
type Task struct {
	ID      string          `json:"id"`
	Prompt  string          `json:"prompt,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecResult is what an executor reports for one successful run.
// LatencyMs is measured by the engine when left at zero.
type ExecResult struct {
	Output    string `json:"output,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Tokens    int64  `json:"tokens,omitempty"`
}

// Executor runs a task on one agent.
type Executor interface {
	Execute(ctx context.Context, agentID string, task Task) (ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, agentID string, task Task) (ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, agentID string, task Task) (ExecResult, error) {
	return f(ctx, agentID, task)
}

const maxErrOutput = 512

// CommandExecutor runs each agent's configured shell command with the task
// JSON on stdin. Stdout becomes the output.
type CommandExecutor struct {
	commands map[string]string
	Timeout  time.Duration
	Dir      string
}

// NewCommandExecutor builds an executor from the agents that carry a command.
func NewCommandExecutor(agents []router.AgentInfo, timeout time.Duration) *CommandExecutor {
	e := &CommandExecutor{commands: make(map[string]string), Timeout: timeout}
	for _, a := range agents {
		if a.Command != "" {
			e.commands[a.ID] = a.Command
		}
	}
	return e
}

func (e *CommandExecutor) Execute(ctx context.Context, agentID string, task Task) (ExecResult, error) {
	command, ok := e.commands[agentID]
	if !ok {
		return ExecResult{}, recovery.WithClass(fmt.Errorf("agent %q has no command configured", agentID), recovery.Permanent)
	}
	input, err := json.Marshal(task)
	if err != nil {
		return ExecResult{}, recovery.WithClass(fmt.Errorf("encode task: %w", err), recovery.Permanent)
	}

	timeout := e.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.WaitDelay = time.Second
	if e.Dir != "" {
		cmd.Dir = e.Dir
	}
	cmd.Env = append(os.Environ(), "ARBITER_AGENT_ID="+agentID, "ARBITER_TASK_ID="+task.ID)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	res := ExecResult{Output: stdout.String(), LatencyMs: time.Since(start).Milliseconds()}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("agent %s timed out after %v: %w", agentID, timeout, context.DeadlineExceeded)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("agent %s exited with code %d: %s", agentID, exitErr.ExitCode(), tail(stderr.String()))
		}
		return res, fmt.Errorf("run agent %s: %w", agentID, err)
	}
	return res, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrOutput {
		s = "..." + s[len(s)-maxErrOutput:]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
