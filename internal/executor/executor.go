// Package executor runs project agent workloads in a sandboxed child
// process and streams their output back to the caller.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pilotlynx/pilotlynx/internal/bus"
	"github.com/pilotlynx/pilotlynx/internal/config"
)

// Request is one agent invocation.
type Request struct {
	Prompt   string
	Project  *Project
	MaxTurns int
	// OnText receives streamed text fragments as the agent produces them.
	// May be nil.
	OnText func(text string)
}

// streamEvent is one JSONL line on the runtime's stdout. The runtime emits
// {"type":"text","text":...} fragments, {"type":"command",...} requests for
// each bash command it wants to run, and a single {"type":"result",...}
// terminator.
type streamEvent struct {
	Type         string  `json:"type"`
	Text         string  `json:"text,omitempty"`
	ID           string  `json:"id,omitempty"`
	Command      string  `json:"command,omitempty"`
	Success      bool    `json:"success,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	NumTurns     int     `json:"numTurns,omitempty"`
	Model        string  `json:"model,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// promptEvent is the first JSONL line written to the runtime's stdin.
type promptEvent struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// verdictEvent answers a command event on the runtime's stdin. The runtime
// blocks each bash command until its verdict arrives and surfaces Reason to
// the agent when denied.
type verdictEvent struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Executor launches the agent runtime for relay runs.
type Executor struct {
	cfg     config.AgentConfig
	sandbox bool
}

// New creates an executor. Fails when the config requires a kernel sandbox
// the host cannot provide.
func New(cfg config.AgentConfig) (*Executor, error) {
	if err := CheckSandbox(cfg.RequireKernelSandbox); err != nil {
		return nil, err
	}
	e := &Executor{cfg: cfg, sandbox: KernelSandboxAvailable()}
	if !e.sandbox {
		slog.Warn("kernel sandbox unavailable, relying on command guard only")
	}
	return e, nil
}

// Execute runs the agent runtime to completion. Cancelling ctx aborts the
// run; the configured default timeout applies on top. The returned result
// always carries DurationMs and, on success, a git diff stat when the
// project directory changed.
func (e *Executor) Execute(ctx context.Context, req Request) bus.RunResult {
	started := time.Now()

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = e.cfg.MaxTurns
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.DefaultTimeoutMs)*time.Millisecond)
	defer cancel()

	argv := []string{
		e.cfg.Runtime,
		"--project", req.Project.Dir,
		"--max-turns", strconv.Itoa(maxTurns),
		"--output-format", "stream-json",
	}
	if e.sandbox {
		argv = sandboxArgv(req.Project.Dir, req.Project.ExtraRead, e.cfg.NetworkIsolation, argv)
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = req.Project.Dir
	cmd.Env = childEnv(req.Project.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return failed(started, fmt.Sprintf("stdin pipe: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failed(started, fmt.Sprintf("stdout pipe: %v", err))
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return failed(started, fmt.Sprintf("start agent runtime: %v", err))
	}

	in := json.NewEncoder(stdin)
	if err := in.Encode(promptEvent{Type: "prompt", Prompt: req.Prompt}); err != nil {
		slog.Debug("failed to write prompt", "project", req.Project.Name, "error", err)
	}

	// The guard is the fallback policy layer: every bash command the runtime
	// proposes is approved or denied here, whether or not bwrap is present.
	guard := NewBashGuard(req.Project.Dir, req.Project.ExtraRead)

	var (
		text    strings.Builder
		result  *streamEvent
		scanErr error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Debug("unparseable runtime output line", "project", req.Project.Name)
			continue
		}
		switch ev.Type {
		case "text":
			text.WriteString(ev.Text)
			if req.OnText != nil {
				req.OnText(ev.Text)
			}
		case "command":
			verdict := verdictEvent{Type: "verdict", ID: ev.ID, Allow: true}
			if err := guard.Check(ev.Command); err != nil {
				verdict.Allow = false
				verdict.Reason = err.Error()
				slog.Info("command denied", "project", req.Project.Name, "reason", err)
			}
			if err := in.Encode(verdict); err != nil {
				slog.Debug("failed to write verdict", "project", req.Project.Name, "error", err)
			}
		case "result":
			r := ev
			result = &r
		}
	}
	scanErr = scanner.Err()
	stdin.Close()

	waitErr := cmd.Wait()
	durationMs := time.Since(started).Milliseconds()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return bus.RunResult{
			Text:       text.String(),
			DurationMs: durationMs,
			Error:      fmt.Sprintf("run timed out after %dms", e.cfg.DefaultTimeoutMs),
		}
	case errors.Is(ctx.Err(), context.Canceled):
		return bus.RunResult{
			Text:       text.String(),
			DurationMs: durationMs,
			Error:      "run aborted",
		}
	}

	if result == nil {
		reason := "agent runtime exited without a result"
		if waitErr != nil {
			reason = fmt.Sprintf("agent runtime failed: %v", waitErr)
		} else if scanErr != nil {
			reason = fmt.Sprintf("read agent output: %v", scanErr)
		}
		return bus.RunResult{Text: text.String(), DurationMs: durationMs, Error: reason}
	}

	out := bus.RunResult{
		Success:      result.Success && waitErr == nil,
		Text:         text.String(),
		CostUSD:      result.CostUSD,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		DurationMs:   durationMs,
		NumTurns:     result.NumTurns,
		Model:        result.Model,
		Error:        result.Error,
	}
	if out.Success {
		out.GitDiffStat = gitDiffStat(req.Project.Dir)
	}
	return out
}

// childEnv builds the child environment: a minimal base plus the project's
// own variables. The relay's secrets never reach the child.
func childEnv(projectEnv map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=" + os.Getenv("LANG"),
	}
	for key, value := range projectEnv {
		env = append(env, key+"="+value)
	}
	return env
}

func failed(started time.Time, reason string) bus.RunResult {
	return bus.RunResult{DurationMs: time.Since(started).Milliseconds(), Error: reason}
}
