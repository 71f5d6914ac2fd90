package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/middlemanhq/middleman/pkg/runtime"
)

func TestParseModelFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "no flag returns empty",
			args: []string{"mock-runtime"},
			want: "",
		},
		{
			name: "separate flag and value",
			args: []string{"mock-runtime", "--model", "mock-slow"},
			want: "mock-slow",
		},
		{
			name: "equals syntax",
			args: []string{"mock-runtime", "--model=mock-fast"},
			want: "mock-fast",
		},
		{
			name: "flag with other args before",
			args: []string{"mock-runtime", "--verbose", "--model", "mock-slow"},
			want: "mock-slow",
		},
		{
			name: "dangling flag without value",
			args: []string{"mock-runtime", "--model"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseModelFromArgs(tt.args)
			if got != tt.want {
				t.Errorf("parseModelFromArgs(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestDelayRange(t *testing.T) {
	tests := []struct {
		model  string
		wantLo int
		wantHi int
	}{
		{"mock-fast", 10, 50},
		{"mock-slow", 500, 3000},
		{"mock-default", 100, 500},
		{"unknown-model", 100, 500},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			lo, hi := delayRange(tt.model)
			if lo != tt.wantLo || hi != tt.wantHi {
				t.Errorf("delayRange(%q) = (%d, %d), want (%d, %d)", tt.model, lo, hi, tt.wantLo, tt.wantHi)
			}
		})
	}
}

func decodeFrames(t *testing.T, data []byte) []runtime.EventFrame {
	t.Helper()
	var frames []runtime.EventFrame
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var f runtime.EventFrame
		if err := json.Unmarshal(line, &f); err != nil {
			t.Fatalf("invalid frame %q: %v", line, err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestPlayTurnFraming(t *testing.T) {
	var buf bytes.Buffer
	r := newMockRuntime(&buf, "mock-fast")

	r.playTurn(runtime.InputFrame{Text: "hello there"})

	frames := decodeFrames(t, buf.Bytes())
	if len(frames) < 4 {
		t.Fatalf("expected at least 4 frames, got %d", len(frames))
	}
	if frames[0].Type != runtime.EventMessageStart {
		t.Errorf("first frame = %q, want message_start", frames[0].Type)
	}
	last := frames[len(frames)-1]
	if last.Type != runtime.EventMessageEnd {
		t.Errorf("last frame = %q, want message_end", last.Type)
	}
	if last.Aborted() {
		t.Errorf("clean turn ended aborted: %+v", last)
	}

	var spoke, usage bool
	for _, f := range frames {
		if f.Type == runtime.EventSpeakToUser && bytes.Contains([]byte(f.Text), []byte("hello there")) {
			spoke = true
		}
		if f.Type == runtime.EventContextUsage && f.UsedTokens > 0 && f.TotalTokens > 0 {
			usage = true
		}
	}
	if !spoke {
		t.Error("no speak_to_user frame echoed the prompt")
	}
	if !usage {
		t.Error("no context_usage frame before message_end")
	}
}

func TestToolTurnClosesCall(t *testing.T) {
	var buf bytes.Buffer
	r := newMockRuntime(&buf, "mock-fast")

	r.playTurn(runtime.InputFrame{Text: "/tool echo hi"})

	frames := decodeFrames(t, buf.Bytes())
	var startID, endID string
	for _, f := range frames {
		switch f.Type {
		case runtime.EventToolExecutionStart:
			startID = f.ToolCallID
			if f.ToolName != "shell" {
				t.Errorf("tool name = %q, want shell", f.ToolName)
			}
		case runtime.EventToolExecutionEnd:
			endID = f.ToolCallID
			if f.IsError {
				t.Errorf("clean tool run flagged as error: %+v", f)
			}
		}
	}
	if startID == "" || startID != endID {
		t.Errorf("tool call not closed: start %q, end %q", startID, endID)
	}
}

func TestAbortMarksTurnAborted(t *testing.T) {
	var buf bytes.Buffer
	r := newMockRuntime(&buf, "mock-slow")

	done := make(chan struct{})
	go func() {
		r.playTurn(runtime.InputFrame{Text: "/slow 30s"})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	r.requestAbort()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("aborted turn did not finish")
	}

	frames := decodeFrames(t, buf.Bytes())
	last := frames[len(frames)-1]
	if last.Type != runtime.EventMessageEnd || !last.Aborted() {
		t.Errorf("last frame = %+v, want aborted message_end", last)
	}
}

func TestStaleAbortDoesNotCancelNextTurn(t *testing.T) {
	var buf bytes.Buffer
	r := newMockRuntime(&buf, "mock-fast")

	// Abort with no turn in flight, then play a full turn.
	r.requestAbort()
	r.playTurn(runtime.InputFrame{Text: "hi"})

	frames := decodeFrames(t, buf.Bytes())
	last := frames[len(frames)-1]
	if last.Aborted() {
		t.Errorf("stale abort cancelled a fresh turn: %+v", last)
	}
}
