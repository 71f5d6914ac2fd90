// Package websocket is the daemon's control plane: it upgrades UI
// connections, attaches them to agent event streams and executes the
// RPC-style commands defined in pkg/wire.
package websocket

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/config"
	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/dirsvc"
	"github.com/middlemanhq/middleman/internal/swarm"
	"github.com/middlemanhq/middleman/internal/tracing"
	"github.com/middlemanhq/middleman/pkg/wire"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin guards against cross-site WebSocket hijacking: browsers send
// the page origin, and a page on some other site must not be able to drive
// the daemon even though it can reach 127.0.0.1.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no origin.
		return true
	}

	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if !strings.Contains(host, "]") || idx > strings.Index(host, "]") {
			host = host[:idx]
		}
	}
	return originURL.Hostname() == host
}

// Gateway wires WebSocket clients to the swarm manager and the directory
// service.
type Gateway struct {
	swarm  *swarm.Manager
	dirs   *dirsvc.Service
	hub    *Hub
	logger *logger.Logger

	authToken         string
	queueSize         int
	backoffMillis     int
	rpcTimeout        time.Duration
	legacyCorrelation bool
}

// NewGateway builds the gateway. authToken may be empty, which disables
// the token check (used by tests).
func NewGateway(cfg *config.Config, swarmMgr *swarm.Manager, dirs *dirsvc.Service, hub *Hub, authToken string, log *logger.Logger) *Gateway {
	return &Gateway{
		swarm:             swarmMgr,
		dirs:              dirs,
		hub:               hub,
		logger:            log.WithFields(zap.String("component", "gateway")),
		authToken:         authToken,
		queueSize:         cfg.Swarm.SubscriberQueueSize,
		backoffMillis:     cfg.Gateway.ReconnectBackoffMillis,
		rpcTimeout:        cfg.Swarm.RPCTimeout(),
		legacyCorrelation: cfg.Gateway.LegacyErrorCorrelation,
	}
}

// SetupRoutes registers the WebSocket endpoint.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.handleConnection)
}

// handleConnection authenticates and upgrades one UI connection, then runs
// its read loop until the peer goes away.
func (g *Gateway) handleConnection(c *gin.Context) {
	if !g.authorized(c.Request) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, g.hub, g.queueSize, g.logger)
	g.hub.register(client)

	tracker := newRequestTracker(g.rpcTimeout, g.legacyCorrelation, func(kind wire.MessageType, requestID string) {
		g.send(client, wire.NewErrorEvent(wire.ErrorCodeRPCTimeout, "request timed out", requestID))
	}, g.logger)
	defer tracker.close()

	dispatcher := g.newDispatcher(client, tracker)
	go client.writePump()
	client.readPump(c.Request.Context(), func(ctx context.Context, raw []byte) {
		kind, _ := wire.Peek(raw)
		sctx, span := tracing.TraceRPCRequest(ctx, string(kind), peekRequestID(raw), client.ID)
		err := dispatcher.Dispatch(sctx, raw)
		tracing.TraceRPCResult(span, "", err)
		span.End()
		if err != nil {
			g.logger.Debug("command failed",
				zap.String("subscriber_id", client.ID), zap.Error(err))
			g.sendError(client, tracker, err)
		}
	})
}

// peekRequestID extracts the optional correlation id without a full decode.
func peekRequestID(raw []byte) string {
	var probe struct {
		RequestID string `json:"requestId"`
	}
	if err := wire.Decode(raw, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}

// authorized checks the token from the query string or the Authorization
// header against the daemon's local token.
func (g *Gateway) authorized(r *http.Request) bool {
	if g.authToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.authToken)) == 1
}
