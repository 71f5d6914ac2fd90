// Package main implements a mock agent runtime that speaks the daemon's
// stdio protocol: input frames on stdin, event frames on stdout. It plays
// back simulated turns for development and e2e tests without spending
// model tokens.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/middlemanhq/middleman/pkg/runtime"
)

func main() {
	r := newMockRuntime(os.Stdout, resolveModel(os.Args))
	go r.run()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			Abort bool `json:"abort"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if probe.Abort {
			r.requestAbort()
			continue
		}

		var in runtime.InputFrame
		if err := json.Unmarshal(line, &in); err != nil {
			continue
		}
		r.turns <- in
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-runtime: scanner error: %v\n", err)
		os.Exit(1)
	}
	// Stdin closed: the daemon is shutting the session down.
}

// resolveModel picks the delay profile. The daemon exports the agent's
// model id in the environment; a --model flag wins when present.
func resolveModel(args []string) string {
	if m := parseModelFromArgs(args); m != "" {
		return m
	}
	if m := os.Getenv("MIDDLEMAN_MODEL_ID"); m != "" {
		return m
	}
	return "mock-default"
}

// parseModelFromArgs extracts the --model value from the given args slice.
func parseModelFromArgs(args []string) string {
	for i, arg := range args[1:] {
		if arg == "--model" && i+1 < len(args)-1 {
			return args[i+2]
		}
		if strings.HasPrefix(arg, "--model=") {
			return strings.TrimPrefix(arg, "--model=")
		}
	}
	return ""
}

// delayRange returns min/max frame delay in milliseconds for a model name.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 10, 50
	case "mock-slow":
		return 500, 3000
	default:
		return 100, 500
	}
}

type mockRuntime struct {
	enc   *json.Encoder
	model string

	turns chan runtime.InputFrame
	abort chan struct{}

	toolSeq    int
	usedTokens int
}

func newMockRuntime(out io.Writer, model string) *mockRuntime {
	return &mockRuntime{
		enc:   json.NewEncoder(out),
		model: model,
		turns: make(chan runtime.InputFrame, 16),
		abort: make(chan struct{}, 1),
	}
}

// requestAbort flags the in-flight turn for cancellation. A second abort
// while one is pending is a no-op.
func (r *mockRuntime) requestAbort() {
	select {
	case r.abort <- struct{}{}:
	default:
	}
}

func (r *mockRuntime) run() {
	for in := range r.turns {
		r.playTurn(in)
	}
}

func (r *mockRuntime) emit(f runtime.EventFrame) {
	_ = r.enc.Encode(f)
}

// pause sleeps for ms unless an abort arrives first.
func (r *mockRuntime) pause(ms int) bool {
	select {
	case <-r.abort:
		return true
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return false
	}
}

func (r *mockRuntime) randomPause() bool {
	lo, hi := delayRange(r.model)
	return r.pause(lo + rand.Intn(hi-lo+1))
}

func (r *mockRuntime) nextToolID() string {
	r.toolSeq++
	return fmt.Sprintf("tool-%d-%d", os.Getpid(), r.toolSeq)
}

// playTurn emits one full turn for an input frame. Every turn opens with
// message_start and closes with message_end; an abort mid-turn closes any
// open tool call and marks the end frame [aborted].
func (r *mockRuntime) playTurn(in runtime.InputFrame) {
	// Drop a stale abort left over from the gap between turns.
	select {
	case <-r.abort:
	default:
	}

	r.emit(runtime.EventFrame{Type: runtime.EventMessageStart})

	prompt := strings.TrimSpace(in.Text)
	var aborted bool
	switch {
	case strings.EqualFold(prompt, "/crash"):
		fmt.Fprintln(os.Stderr, "mock-runtime: simulated crash")
		os.Exit(3)
	case strings.EqualFold(prompt, "/error"):
		aborted = r.playError()
	case strings.EqualFold(prompt, "/tool") || strings.HasPrefix(strings.ToLower(prompt), "/tool "):
		aborted = r.playTool(prompt)
	case strings.HasPrefix(strings.ToLower(prompt), "/slow"):
		aborted = r.playSlow(prompt)
	default:
		aborted = r.playChat(in)
	}

	if aborted {
		r.emit(runtime.EventFrame{Type: runtime.EventMessageEnd, Text: "[aborted]"})
		return
	}

	r.usedTokens += 900 + rand.Intn(300)
	r.emit(runtime.EventFrame{
		Type:        runtime.EventContextUsage,
		UsedTokens:  r.usedTokens,
		TotalTokens: 200000,
	})
	r.emit(runtime.EventFrame{Type: runtime.EventMessageEnd})
}

// playChat streams a short canned reply that echoes the prompt.
func (r *mockRuntime) playChat(in runtime.InputFrame) bool {
	if r.randomPause() {
		return true
	}
	reply := "Mock reply to: " + strings.TrimSpace(in.Text)
	if n := len(in.Attachments); n > 0 {
		reply += fmt.Sprintf(" (received %d attachment(s))", n)
	}
	r.emit(runtime.EventFrame{Type: runtime.EventSpeakToUser, Text: reply})

	if r.randomPause() {
		return true
	}
	r.emit(runtime.EventFrame{Type: runtime.EventSpeakToUser, Text: "Done."})
	return false
}

// playTool runs one simulated shell tool call: start, update, end, then a
// closing remark. The argument after "/tool" becomes the command line.
func (r *mockRuntime) playTool(prompt string) bool {
	command := strings.TrimSpace(strings.TrimPrefix(prompt, "/tool"))
	if command == "" {
		command = "ls -la"
	}

	id := r.nextToolID()
	r.emit(runtime.EventFrame{
		Type:       runtime.EventToolExecutionStart,
		ToolName:   "shell",
		ToolCallID: id,
		Text:       command,
	})
	if r.randomPause() {
		r.emit(runtime.EventFrame{
			Type:       runtime.EventToolExecutionEnd,
			ToolCallID: id,
			IsError:    true,
			Text:       "[aborted]",
		})
		return true
	}
	r.emit(runtime.EventFrame{
		Type:       runtime.EventToolExecutionUpdate,
		ToolCallID: id,
		Text:       "total 0",
	})
	if r.randomPause() {
		r.emit(runtime.EventFrame{
			Type:       runtime.EventToolExecutionEnd,
			ToolCallID: id,
			IsError:    true,
			Text:       "[aborted]",
		})
		return true
	}
	r.emit(runtime.EventFrame{Type: runtime.EventToolExecutionEnd, ToolCallID: id, Text: "exit 0"})

	if r.randomPause() {
		return true
	}
	r.emit(runtime.EventFrame{Type: runtime.EventSpeakToUser, Text: "Ran `" + command + "`."})
	return false
}

// playError reports a failed tool call and a recovery message.
func (r *mockRuntime) playError() bool {
	id := r.nextToolID()
	r.emit(runtime.EventFrame{
		Type:       runtime.EventToolExecutionStart,
		ToolName:   "shell",
		ToolCallID: id,
		Text:       "false",
	})
	if r.randomPause() {
		r.emit(runtime.EventFrame{
			Type:       runtime.EventToolExecutionEnd,
			ToolCallID: id,
			IsError:    true,
			Text:       "[aborted]",
		})
		return true
	}
	r.emit(runtime.EventFrame{
		Type:       runtime.EventToolExecutionEnd,
		ToolCallID: id,
		IsError:    true,
		Text:       "exit 1",
	})
	if r.randomPause() {
		return true
	}
	r.emit(runtime.EventFrame{Type: runtime.EventSpeakToUser, Text: "The command failed, as requested."})
	return false
}

// playSlow stretches a turn out so steering and cancellation can be
// exercised by hand: "/slow 30s" speaks once per second for the duration.
func (r *mockRuntime) playSlow(prompt string) bool {
	arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(prompt, "/slow"), " "))
	total, err := time.ParseDuration(arg)
	if err != nil || total <= 0 {
		total = 10 * time.Second
	}

	steps := int(total / time.Second)
	if steps < 1 {
		steps = 1
	}
	for i := 1; i <= steps; i++ {
		if r.pause(1000) {
			return true
		}
		r.emit(runtime.EventFrame{
			Type: runtime.EventSpeakToUser,
			Text: fmt.Sprintf("Still working (%d/%d)...", i, steps),
		})
	}
	return false
}
