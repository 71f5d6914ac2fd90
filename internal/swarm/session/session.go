// Package session runs one agent runtime subprocess and translates its
// stdout frame stream into conversation events. Each session owns exactly
// one process: spawn, input delivery, abort, graceful stop with SIGKILL
// escalation, and crash synthesis when the process dies mid-stream.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/tracing"
	"github.com/middlemanhq/middleman/pkg/runtime"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// Config describes how to launch one agent runtime.
type Config struct {
	AgentID   string
	ManagerID string
	Role      wire.AgentRole
	Cwd       string
	// Command is the runtime command line, split on whitespace before exec.
	Command         string
	Model           wire.ModelSpec
	GracefulTimeout time.Duration
}

// Hooks receive session notifications. OnEvent calls arrive on the stdout
// reader goroutine in stream order; OnExit arrives once, after the process
// is gone and crash synthesis has been emitted. Nil hooks are skipped.
type Hooks struct {
	// OnEvent delivers conversation events translated from runtime frames.
	OnEvent func(ev wire.Event)
	// OnTurnEnd fires when the runtime completes a turn. aborted tells
	// whether the turn ended under a cancellation.
	OnTurnEnd func(aborted bool)
	// OnUsage reports context window consumption updates.
	OnUsage func(usage wire.ContextUsage)
	// OnExit fires when the subprocess has exited and the stream is drained.
	OnExit func(err error)
}

type openCall struct {
	id   string
	name string
}

// Session is one running agent runtime subprocess.
type Session struct {
	cfg    Config
	hooks  Hooks
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	client *runtime.Client

	mu            sync.Mutex
	status        wire.AgentStatus
	cancelPending bool
	stopRequested bool
	openCalls     []openCall
	usage         *wire.ContextUsage

	stdinOnce sync.Once
	done      chan struct{}
	exitErr   error
}

// New creates a session in the spawning state. Call Start to launch the
// subprocess.
func New(cfg Config, hooks Hooks, log *logger.Logger) *Session {
	return &Session{
		cfg:    cfg,
		hooks:  hooks,
		logger: log.WithFields(zap.String("component", "agent-session"), zap.String("agent_id", cfg.AgentID)),
		status: wire.StatusSpawning,
		done:   make(chan struct{}),
	}
}

// Start launches the runtime subprocess in its own process group and begins
// reading its event stream. The session is idle once Start returns nil.
func (s *Session) Start(ctx context.Context) error {
	info, err := os.Stat(s.cfg.Cwd)
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %s is not a directory", s.cfg.Cwd)
	}

	parts := strings.Fields(s.cfg.Command)
	if len(parts) == 0 {
		return fmt.Errorf("runtime command is empty")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = s.cfg.Cwd
	cmd.Env = s.buildEnv()
	// New process group so Stop can take down the whole runtime tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stderr: %w", err)
	}

	client := runtime.NewClient(stdin, stdout, s.logger)
	client.SetEventHandler(s.handleFrame)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.client = client
	<-client.Start(ctx)

	s.mu.Lock()
	s.status = wire.StatusIdle
	s.mu.Unlock()

	s.logger.Info("runtime started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("cwd", s.cfg.Cwd))

	go s.drainStderr(stderr)
	go s.watch()
	return nil
}

func (s *Session) buildEnv() []string {
	env := append(os.Environ(),
		"MIDDLEMAN_AGENT_ID="+s.cfg.AgentID,
		"MIDDLEMAN_AGENT_ROLE="+string(s.cfg.Role),
		"MIDDLEMAN_MANAGER_ID="+s.cfg.ManagerID,
	)
	if s.cfg.Model.Provider != "" {
		env = append(env, "MIDDLEMAN_MODEL_PROVIDER="+s.cfg.Model.Provider)
	}
	if s.cfg.Model.ModelID != "" {
		env = append(env, "MIDDLEMAN_MODEL_ID="+s.cfg.Model.ModelID)
	}
	if s.cfg.Model.ThinkingLevel != "" {
		env = append(env, "MIDDLEMAN_MODEL_THINKING="+s.cfg.Model.ThinkingLevel)
	}
	return env
}

// Deliver writes one input to the runtime and marks the session streaming.
func (s *Session) Deliver(text string, attachments []wire.Attachment) error {
	s.mu.Lock()
	if s.status == wire.StatusTerminated {
		s.mu.Unlock()
		return fmt.Errorf("session terminated")
	}
	s.status = wire.StatusStreaming
	s.mu.Unlock()

	if err := s.client.SendInput(text, s.cfg.Cwd, attachments); err != nil {
		return fmt.Errorf("failed to deliver input: %w", err)
	}
	return nil
}

// Cancel asks the runtime to abort the in-flight turn. Idempotent; a no-op
// when the session is not streaming. The turn stays open until the runtime
// acknowledges with message_end or the process is terminated.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.status != wire.StatusStreaming || s.cancelPending {
		s.mu.Unlock()
		return nil
	}
	s.cancelPending = true
	s.mu.Unlock()

	s.logger.Debug("abort requested")
	return s.client.SendAbort()
}

// Stop shuts the runtime down: stdin close as the shutdown sentinel, then
// SIGTERM to the process group, escalating to SIGKILL when the graceful
// window (or ctx) expires. Blocks until the process is fully reaped.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()

	s.closeStdin()
	s.signalGroup(syscall.SIGTERM)

	select {
	case <-s.done:
		return nil
	case <-time.After(s.cfg.GracefulTimeout):
	case <-ctx.Done():
	}

	s.logger.Warn("graceful stop window expired, killing runtime")
	s.signalGroup(syscall.SIGKILL)
	<-s.done
	return nil
}

// Kill terminates the runtime immediately without a graceful window.
// Blocks until the process is reaped and crash synthesis has run.
func (s *Session) Kill() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()

	s.closeStdin()
	s.signalGroup(syscall.SIGKILL)
	<-s.done
}

func (s *Session) closeStdin() {
	s.stdinOnce.Do(func() {
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
	})
}

// signalGroup signals the whole process group, falling back to the main
// process when the group lookup fails.
func (s *Session) signalGroup(sig syscall.Signal) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(s.cmd.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = s.cmd.Process.Signal(sig)
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() wire.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Usage returns the last reported context window consumption, nil when the
// runtime has not reported yet.
func (s *Session) Usage() *wire.ContextUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return nil
	}
	u := *s.usage
	return &u
}

// Done is closed once the subprocess has exited and all events, including
// crash synthesis, have been emitted.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitErr returns the process exit error. Valid after Done is closed.
func (s *Session) ExitErr() error {
	return s.exitErr
}

func (s *Session) emit(ev wire.Event) {
	if s.hooks.OnEvent != nil {
		s.hooks.OnEvent(ev)
	}
}

// handleFrame translates one runtime frame into conversation events and
// advances the turn state machine. Runs on the stdout reader goroutine, so
// event order matches stream order.
func (s *Session) handleFrame(frame *runtime.EventFrame) {
	id := s.cfg.AgentID
	tracing.TraceRuntimeEvent(context.Background(), string(frame.Type), id)

	switch frame.Type {
	case runtime.EventMessageStart:
		s.emit(wire.NewRuntimeLog(id, wire.KindMessageStart, "", "", frame.Text, false))

	case runtime.EventToolExecutionStart:
		s.mu.Lock()
		s.openCalls = append(s.openCalls, openCall{id: frame.ToolCallID, name: frame.ToolName})
		s.mu.Unlock()
		s.emit(wire.NewRuntimeLog(id, wire.KindToolExecutionStart, frame.ToolName, frame.ToolCallID, frame.Text, false))

	case runtime.EventToolExecutionUpdate:
		s.emit(wire.NewRuntimeLog(id, wire.KindToolExecutionUpdate, frame.ToolName, frame.ToolCallID, frame.Text, frame.IsError))

	case runtime.EventToolExecutionEnd:
		s.mu.Lock()
		s.removeOpenCallLocked(frame.ToolCallID)
		s.mu.Unlock()
		s.emit(wire.NewRuntimeLog(id, wire.KindToolExecutionEnd, frame.ToolName, frame.ToolCallID, frame.Text, frame.IsError))

	case runtime.EventSpeakToUser:
		s.emit(wire.NewAssistantMessage(id, frame.Text))

	case runtime.EventMessageEnd:
		s.mu.Lock()
		aborted := s.cancelPending
		s.cancelPending = false
		open := s.openCalls
		s.openCalls = nil
		s.status = wire.StatusIdle
		s.mu.Unlock()

		// A cancelled turn must close its dangling tool executions
		// before the turn end lands in the history.
		if aborted {
			for _, call := range open {
				s.emit(wire.NewRuntimeLog(id, wire.KindToolExecutionEnd, call.name, call.id, "[aborted]", true))
			}
		}
		s.emit(wire.NewRuntimeLog(id, wire.KindMessageEnd, "", "", frame.Text, false))
		if s.hooks.OnTurnEnd != nil {
			s.hooks.OnTurnEnd(aborted)
		}

	case runtime.EventContextUsage:
		usage := wire.ContextUsage{UsedTokens: frame.UsedTokens, TotalTokens: frame.TotalTokens}
		s.mu.Lock()
		s.usage = &usage
		s.mu.Unlock()
		if s.hooks.OnUsage != nil {
			s.hooks.OnUsage(usage)
		}
	}
}

func (s *Session) removeOpenCallLocked(toolCallID string) {
	for i, call := range s.openCalls {
		if call.id == toolCallID {
			s.openCalls = append(s.openCalls[:i], s.openCalls[i+1:]...)
			return
		}
	}
}

func (s *Session) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.logger.Debug("runtime stderr", zap.ByteString("output", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// watch waits for the subprocess to exit, synthesizes a clean stream ending
// when it died mid-turn, and fires OnExit exactly once.
func (s *Session) watch() {
	// Drain stdout before reaping so no trailing frames are lost.
	<-s.client.Done()
	err := s.cmd.Wait()

	s.mu.Lock()
	wasStreaming := s.status == wire.StatusStreaming
	stopRequested := s.stopRequested
	open := s.openCalls
	s.openCalls = nil
	s.cancelPending = false
	s.status = wire.StatusTerminated
	s.mu.Unlock()

	code := exitCode(err)
	s.logger.Info("runtime exited",
		zap.Int("exit_code", code),
		zap.Bool("was_streaming", wasStreaming),
		zap.Bool("stop_requested", stopRequested),
		zap.Error(err))

	if wasStreaming {
		for _, call := range open {
			s.emit(wire.NewRuntimeLog(s.cfg.AgentID, wire.KindToolExecutionEnd, call.name, call.id, "[aborted]", true))
		}
		if stopRequested {
			s.emit(wire.NewSystemMessage(s.cfg.AgentID, "Agent terminated: runtime stopped"))
		} else {
			s.emit(wire.NewSystemMessage(s.cfg.AgentID, fmt.Sprintf("Agent terminated unexpectedly (exit code %d)", code)))
		}
	}

	s.exitErr = err
	close(s.done)
	if s.hooks.OnExit != nil {
		s.hooks.OnExit(err)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return waitStatus.ExitStatus()
		}
	}
	return 1
}
