package websocket

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// legacyCodeKinds maps the error codes old clients used to correlate
// uncorrelated error frames back to the command kind that produced them.
var legacyCodeKinds = map[string]wire.MessageType{
	wire.ErrorCodeCreateManagerFailed: wire.TypeCreateManager,
	wire.ErrorCodeDeleteManagerFailed: wire.TypeDeleteManager,
	wire.ErrorCodeStopAllAgentsFailed: wire.TypeStopAllAgents,
	wire.ErrorCodeInvalidDirectory:    wire.TypeValidateDirectory,
}

// pendingRequest is one in-flight RPC awaiting its response frame.
type pendingRequest struct {
	kind      wire.MessageType
	requestID string
	timer     *time.Timer
	settled   bool
}

// requestTracker owns the pending RPCs of a single connection. Each tracked
// request gets a deadline: when it passes, the tracker emits a timeout
// error through onExpire and the real response, should it still arrive, is
// dropped as late. Settling is exactly-once, so a request produces exactly
// one terminal frame no matter how the handler and the deadline race.
type requestTracker struct {
	timeout  time.Duration
	legacy   bool
	onExpire func(kind wire.MessageType, requestID string)
	logger   *logger.Logger

	mu      sync.Mutex
	pending []*pendingRequest
	closed  bool
}

func newRequestTracker(timeout time.Duration, legacy bool, onExpire func(kind wire.MessageType, requestID string), log *logger.Logger) *requestTracker {
	return &requestTracker{
		timeout:  timeout,
		legacy:   legacy,
		onExpire: onExpire,
		logger:   log,
	}
}

// begin registers one request and arms its deadline.
func (t *requestTracker) begin(kind wire.MessageType, requestID string) *pendingRequest {
	p := &pendingRequest{kind: kind, requestID: requestID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		p.settled = true
		return p
	}
	t.pending = append(t.pending, p)
	p.timer = time.AfterFunc(t.timeout, func() { t.expire(p) })
	return p
}

// settle marks a request answered. False means the deadline beat the
// handler and the response must be dropped.
func (t *requestTracker) settle(p *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	p.timer.Stop()
	t.removeLocked(p)
	return true
}

func (t *requestTracker) expire(p *pendingRequest) {
	t.mu.Lock()
	if p.settled || t.closed {
		t.mu.Unlock()
		return
	}
	p.settled = true
	t.removeLocked(p)
	t.mu.Unlock()

	t.logger.Warn("rpc deadline passed",
		zap.String("command", string(p.kind)),
		zap.String("request_id", p.requestID),
		zap.Duration("timeout", t.timeout))
	t.onExpire(p.kind, p.requestID)
}

// claimOrphan attributes an error frame that carries no requestId to the
// oldest pending request whose command kind matches the error code. This is
// the pre-typed-protocol client heuristic; it only runs when the
// compatibility flag enables it, and only requests that actually carried a
// requestId are candidates.
func (t *requestTracker) claimOrphan(code string) string {
	if !t.legacy {
		return ""
	}
	kind, ok := legacyCodeKinds[code]
	if !ok {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pending {
		if p.kind == kind && p.requestID != "" {
			p.settled = true
			p.timer.Stop()
			t.removeLocked(p)
			return p.requestID
		}
	}
	return ""
}

// close settles everything without firing timeouts. Called when the
// connection goes away.
func (t *requestTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, p := range t.pending {
		p.settled = true
		p.timer.Stop()
	}
	t.pending = nil
}

func (t *requestTracker) removeLocked(target *pendingRequest) {
	for i, p := range t.pending {
		if p == target {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}
