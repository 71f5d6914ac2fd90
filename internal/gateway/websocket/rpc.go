package websocket

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/swarm"
	"github.com/middlemanhq/middleman/internal/swarm/history"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// newDispatcher builds the command table for one client.
//
// Commands that affect the client's stream (subscribe, user_message) or
// carry no requestId run inline on the read loop, so their per-connection
// order is the order the client sent them. Commands correlated by requestId
// run on their own goroutine through the request tracker: a directory
// picker can sit open for minutes without blocking the connection, every
// request is bounded by the RPC timeout, and late results are dropped.
func (g *Gateway) newDispatcher(c *Client, tr *requestTracker) *wire.Dispatcher {
	d := wire.NewDispatcher()
	d.RegisterFunc(wire.TypeSubscribe, func(ctx context.Context, raw []byte) error {
		return g.handleSubscribe(ctx, c, raw)
	})
	d.RegisterFunc(wire.TypeUserMessage, func(ctx context.Context, raw []byte) error {
		return g.handleUserMessage(ctx, c, raw)
	})
	d.RegisterFunc(wire.TypeKillAgent, func(ctx context.Context, raw []byte) error {
		return g.handleKillAgent(ctx, raw)
	})
	d.RegisterFunc(wire.TypeCreateManager, func(ctx context.Context, raw []byte) error {
		return g.handleCreateManager(ctx, c, tr, raw)
	})
	d.RegisterFunc(wire.TypeDeleteManager, func(ctx context.Context, raw []byte) error {
		return g.handleDeleteManager(ctx, c, tr, raw)
	})
	d.RegisterFunc(wire.TypeStopAllAgents, func(ctx context.Context, raw []byte) error {
		return g.handleStopAllAgents(ctx, c, tr, raw)
	})
	d.RegisterFunc(wire.TypeListDirectories, func(ctx context.Context, raw []byte) error {
		return g.handleListDirectories(ctx, c, tr, raw)
	})
	d.RegisterFunc(wire.TypeValidateDirectory, func(ctx context.Context, raw []byte) error {
		return g.handleValidateDirectory(ctx, c, tr, raw)
	})
	d.RegisterFunc(wire.TypePickDirectory, func(ctx context.Context, raw []byte) error {
		return g.handlePickDirectory(ctx, c, tr, raw)
	})
	d.RegisterFunc(wire.TypePing, func(ctx context.Context, raw []byte) error {
		g.send(c, wire.NewPong())
		return nil
	})
	return d
}

// handleSubscribe resolves the target agent and attaches the client to its
// stream. The replay snapshot and the attach happen in one step on the
// swarm loop, so no event is lost or duplicated around the history cut.
func (g *Gateway) handleSubscribe(ctx context.Context, c *Client, raw []byte) error {
	var cmd wire.Subscribe
	if err := wire.Decode(raw, &cmd); err != nil {
		return wire.NewProtocolError(wire.ErrorCodeBadRequest, err.Error())
	}

	rctx, cancel := g.rpcCtx(ctx)
	defer cancel()

	agentID := cmd.AgentID
	if agentID == "" {
		primary, err := g.swarm.PrimaryAgentID(rctx)
		if err != nil {
			return g.requestErr(err, "")
		}
		if primary == nil {
			// Nothing to stream yet. Acknowledge the subscription so the
			// client can render an empty state and wait for agents_snapshot.
			g.send(c, wire.NewReady(c.ID, nil, g.backoffMillis))
			return nil
		}
		agentID = *primary
	}

	err := g.swarm.SubscribeReplay(rctx, agentID, func(snap history.Snapshot) {
		ready, rerr := wire.Encode(wire.NewReady(c.ID, &agentID, g.backoffMillis))
		hist, herr := wire.Encode(wire.NewConversationHistory(agentID, snap.Conversation, snap.Activity))
		if rerr != nil || herr != nil {
			g.logger.Error("failed to encode replay frames",
				zap.String("agent_id", agentID), zap.NamedError("ready", rerr), zap.NamedError("history", herr))
			return
		}
		c.Attach(agentID, ready, hist)
	})
	return g.requestErr(err, "")
}

func (g *Gateway) handleUserMessage(ctx context.Context, c *Client, raw []byte) error {
	var cmd wire.UserMessage
	if err := wire.Decode(raw, &cmd); err != nil {
		return wire.NewProtocolError(wire.ErrorCodeBadRequest, err.Error())
	}

	agentID := cmd.AgentID
	if agentID == "" {
		agentID = c.CurrentAgent()
	}

	rctx, cancel := g.rpcCtx(ctx)
	defer cancel()

	_, err := g.swarm.HandleInput(rctx, swarm.Input{
		AgentID:     agentID,
		Text:        cmd.Text,
		Attachments: cmd.Attachments,
		Delivery:    cmd.Delivery,
		Source: &wire.SourceContext{
			Channel:   wire.ChannelWeb,
			ChannelID: c.ID,
		},
	})
	return g.requestErr(err, "")
}

func (g *Gateway) handleKillAgent(ctx context.Context, raw []byte) error {
	var cmd wire.KillAgent
	if err := wire.Decode(raw, &cmd); err != nil {
		return wire.NewProtocolError(wire.ErrorCodeBadRequest, err.Error())
	}

	rctx, cancel := g.rpcCtx(ctx)
	defer cancel()
	return g.requestErr(g.swarm.KillAgent(rctx, cmd.AgentID), "")
}

func (g *Gateway) handleCreateManager(ctx context.Context, c *Client, tr *requestTracker, raw []byte) error {
	var cmd wire.CreateManager
	if err := wire.Decode(raw, &cmd); err != nil {
		return wire.NewProtocolError(wire.ErrorCodeBadRequest, err.Error())
	}
	g.runTracked(ctx, c, tr, wire.TypeCreateManager, cmd.RequestID, func(rctx context.Context) (interface{}, error) {
		desc, err := g.swarm.CreateManager(rctx, cmd.Name, cmd.Cwd, cmd.Model)
		if err != nil {
			return nil, err
		}
		return wire.NewManagerCreated(cmd.RequestID, desc), nil
	})
	return nil
}

func (g *Gateway) handleDeleteManager(ctx context.Context, c *Client, tr *requestTracker, raw []byte) error {
	var cmd wire.DeleteManager
	if err := wire.Decode(raw, &cmd); err != nil {
		return wire.NewProtocolError(wire.ErrorCodeBadRequest, err.Error())
	}
	g.runTracked(ctx, c, tr, wire.TypeDeleteManager, cmd.RequestID, func(rctx context.Context) (interface{}, error) {
		if err := g.swarm.DeleteManager(rctx, cmd.ManagerID); err != nil {
			return nil, err
		}
		return wire.NewManagerDeleted(cmd.RequestID, cmd.ManagerID), nil
	})
	return nil
}

func (g *Gateway) handleStopAllAgents(ctx context.Context, c *Client, tr *requestTracker, raw []byte) error {
	var cmd wire.StopAllAgents
	if err := wire.Decode(raw, &cmd); err != nil {
		return wire.NewProtocolError(wire.ErrorCodeBadRequest, err.Error())
	}
	g.runTracked(ctx, c, tr, wire.TypeStopAllAgents, cmd.RequestID, func(rctx context.Context) (interface{}, error) {
		outcome, err := g.swarm.StopAllAgents(rctx, cmd.ManagerID)
		if err != nil {
			return nil, err
		}
		return wire.NewStopAllAgentsResult(cmd.RequestID, cmd.ManagerID, outcome.StoppedWorkerIDs, outcome.ManagerStopped), nil
	})
	return nil
}

func (g *Gateway) handleListDirectories(ctx context.Context, c *Client, tr *requestTracker, raw []byte) error {
	var cmd wire.ListDirectories
	if err := wire.Decode(raw, &cmd); err != nil {
		return wire.NewProtocolError(wire.ErrorCodeBadRequest, err.Error())
	}
	g.runTracked(ctx, c, tr, wire.TypeListDirectories, cmd.RequestID, func(context.Context) (interface{}, error) {
		path, entries, err := g.dirs.List(cmd.Path)
		if err != nil {
			return nil, err
		}
		return wire.NewDirectoriesListed(cmd.RequestID, path, entries), nil
	})
	return nil
}

func (g *Gateway) handleValidateDirectory(ctx context.Context, c *Client, tr *requestTracker, raw []byte) error {
	var cmd wire.ValidateDirectory
	if err := wire.Decode(raw, &cmd); err != nil {
		return wire.NewProtocolError(wire.ErrorCodeBadRequest, err.Error())
	}
	g.runTracked(ctx, c, tr, wire.TypeValidateDirectory, cmd.RequestID, func(context.Context) (interface{}, error) {
		valid, reason := g.dirs.Validate(cmd.Path)
		return wire.NewDirectoryValidated(cmd.RequestID, cmd.Path, valid, reason), nil
	})
	return nil
}

func (g *Gateway) handlePickDirectory(ctx context.Context, c *Client, tr *requestTracker, raw []byte) error {
	var cmd wire.PickDirectory
	if err := wire.Decode(raw, &cmd); err != nil {
		return wire.NewProtocolError(wire.ErrorCodeBadRequest, err.Error())
	}
	g.runTracked(ctx, c, tr, wire.TypePickDirectory, cmd.RequestID, func(rctx context.Context) (interface{}, error) {
		path, cancelled := g.dirs.Pick(rctx, cmd.DefaultPath)
		return wire.NewDirectoryPicked(cmd.RequestID, path, cancelled), nil
	})
	return nil
}

// runTracked executes one correlated RPC off the read loop. The tracker
// emits the timeout error if the deadline wins; a handler result arriving
// after that is logged and dropped rather than sent as a duplicate.
func (g *Gateway) runTracked(ctx context.Context, c *Client, tr *requestTracker, kind wire.MessageType, requestID string, fn func(context.Context) (interface{}, error)) {
	p := tr.begin(kind, requestID)
	go func() {
		rctx, cancel := g.rpcCtx(ctx)
		defer cancel()

		resp, err := fn(rctx)
		if !tr.settle(p) {
			g.logger.Warn("dropping late rpc response",
				zap.String("command", string(kind)),
				zap.String("request_id", requestID))
			return
		}
		if err != nil {
			g.sendError(c, tr, g.requestErr(err, requestID))
			return
		}
		g.send(c, resp)
	}()
}

// rpcCtx bounds one command against the configured RPC timeout.
func (g *Gateway) rpcCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.rpcTimeout)
}

// requestErr normalizes swarm and directory errors into protocol errors
// carrying the request id, so the client can correlate the failure.
func (g *Gateway) requestErr(err error, requestID string) error {
	if err == nil {
		return nil
	}
	var pe *wire.ProtocolError
	if errors.As(err, &pe) {
		return pe.WithRequestID(requestID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wire.NewProtocolError(wire.ErrorCodeRPCTimeout, "request timed out").WithRequestID(requestID)
	}
	return wire.NewProtocolError(wire.ErrorCodeBadRequest, err.Error()).WithRequestID(requestID)
}

// sendError emits one error frame. Under the legacy correlation flag an
// error without a requestId is pinned to the oldest pending request its
// code points at, so old clients do not hang until the timeout.
func (g *Gateway) sendError(c *Client, tr *requestTracker, err error) {
	ev := wire.ErrorEventFrom(err)
	if ev.RequestID == "" && tr != nil {
		ev.RequestID = tr.claimOrphan(ev.Code)
	}
	g.send(c, ev)
}

// send encodes a server event and queues it on the client.
func (g *Gateway) send(c *Client, v interface{}) {
	data, err := wire.Encode(v)
	if err != nil {
		g.logger.Error("failed to encode server event", zap.Error(err))
		return
	}
	c.EnqueueControl(data)
}
