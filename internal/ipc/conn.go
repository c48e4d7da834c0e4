package ipc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Wire is the framed transport under a Conn. *websocket.Conn satisfies it;
// tests substitute an in-memory implementation.
type Wire interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

// Conn wraps one plugin connection with a write mutex and a stable id for
// log correlation. A single Conn may carry traffic for exactly one plugin
// once registration binds it.
type Conn struct {
	id      string
	wire    Wire
	logger  *zap.Logger
	writeMu sync.Mutex // serializes frame writes
	closeMu sync.Mutex
	closed  bool
}

// NewConn wraps a wire. The connection id is generated, not negotiated; it
// never leaves the gateway process.
func NewConn(wire Wire, logger *zap.Logger) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		wire:   wire,
		logger: logger,
	}
}

// ID returns the process-local connection id.
func (c *Conn) ID() string {
	return c.id
}

// Send writes one envelope to the peer.
func (c *Conn) Send(envelope *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.wire.WriteJSON(envelope); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

// SendMessage marshals payload and writes it as an envelope of the given type.
func (c *Conn) SendMessage(messageType MessageType, payload interface{}) error {
	envelope, err := NewEnvelope(messageType, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", messageType, err)
	}
	return c.Send(envelope)
}

// ReadEnvelope blocks until the next inbound frame. Only the connection's
// read loop may call it.
func (c *Conn) ReadEnvelope() (*Envelope, error) {
	var envelope Envelope
	if err := c.wire.ReadJSON(&envelope); err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	return &envelope, nil
}

// Close shuts the underlying wire. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.wire.Close()
}
