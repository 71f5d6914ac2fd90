package wire

import "context"

// Handler processes one decoded client frame.
type Handler interface {
	Handle(ctx context.Context, raw []byte) error
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, raw []byte) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, raw []byte) error {
	return f(ctx, raw)
}

// Dispatcher routes frames to handlers registered per message type.
// Registration happens before the connection serves traffic; Dispatch may
// then be called from the connection's read loop.
type Dispatcher struct {
	handlers map[MessageType]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[MessageType]Handler),
	}
}

// Register registers a handler for a message type.
func (d *Dispatcher) Register(t MessageType, handler Handler) {
	d.handlers[t] = handler
}

// RegisterFunc registers a handler function for a message type.
func (d *Dispatcher) RegisterFunc(t MessageType, handler HandlerFunc) {
	d.handlers[t] = handler
}

// Dispatch decodes the frame's type and routes it to the matching handler.
// Unknown types and frames without a type yield a ProtocolError.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	t, err := Peek(raw)
	if err != nil {
		return NewProtocolError(ErrorCodeBadRequest, err.Error())
	}
	handler, ok := d.handlers[t]
	if !ok {
		return NewProtocolError(ErrorCodeUnknownType, "unknown message type: "+string(t))
	}
	return handler.Handle(ctx, raw)
}

// HasHandler returns true if a handler is registered for the type.
func (d *Dispatcher) HasHandler(t MessageType) bool {
	_, ok := d.handlers[t]
	return ok
}
