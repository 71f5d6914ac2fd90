package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// EventHandler handles event frames streamed by the runtime.
type EventHandler func(frame *EventFrame)

// Client drives one agent runtime over its stdio pipes. It reads streaming
// JSON events from stdout and writes input frames to stdin. The caller owns
// the pipes; the client never closes them.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	eventHandler EventHandler

	writeMu sync.Mutex
	mu      sync.RWMutex
	done    chan struct{}
	readErr error
}

// NewClient creates a runtime client over the given pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "runtime-client")),
		done:   make(chan struct{}),
	}
}

// SetEventHandler sets the handler for streamed event frames. Must be set
// before Start.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop is ready.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Done is closed when the stdout stream ends, either because the process
// exited or because its pipe was closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the loop, nil on clean EOF.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readErr
}

// SendInput writes an input frame, starting a new turn.
func (c *Client) SendInput(text, cwd string, attachments []wire.Attachment) error {
	if attachments == nil {
		attachments = []wire.Attachment{}
	}
	return c.send(InputFrame{Text: text, Attachments: attachments, Cwd: cwd})
}

// SendAbort asks the runtime to cancel the in-flight turn.
func (c *Client) SendAbort() error {
	return c.send(AbortFrame{Abort: true})
}

func (c *Client) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.done)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large frames (tool output, inline attachments)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		c.logger.Error("runtime stream read error", zap.Error(err))
	}
}

// handleLine parses and dispatches one stdout line. Malformed or unknown
// frames are dropped; a noisy runtime must never kill the session.
func (c *Client) handleLine(line []byte) {
	frame, err := Parse(line)
	if err != nil {
		c.logger.Warn("dropping malformed runtime frame",
			zap.Error(err),
			zap.ByteString("line", line))
		return
	}
	if !frame.IsValid() {
		c.logger.Warn("dropping unknown runtime frame",
			zap.String("type", string(frame.Type)))
		return
	}

	c.mu.RLock()
	handler := c.eventHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(frame)
	}
}
