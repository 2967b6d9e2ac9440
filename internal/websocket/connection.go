package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pigeon/pkg/types"
)

// Connection implements interfaces.Emitter over a gorilla socket
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte        // FUNCTIONAL DISCOVERY: buffer absorbs fan-out bursts
	writeTimeout time.Duration      // Per frame write deadline
	ctx          context.Context    // For cancellation
	cancel       context.CancelFunc // For cleanup
	closeOnce    sync.Once          // Ensure single close
	done         chan struct{}      // Closed when the writer exits
}

// NewConnection creates a new WebSocket connection wrapper
func NewConnection(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *Connection {
	if buffer <= 0 {
		buffer = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	// Start the single writer goroutine
	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races.
// writeCh is never closed; senders select on ctx instead.
func (c *Connection) writeLoop() {
	defer close(c.done)
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Emit writes one event frame. Frames of successive calls leave in call order.
func (c *Connection) Emit(event string, payload any) error {
	return c.WriteJSON(types.OutboundFrame{Event: event, Data: payload})
}

// WriteJSON queues v for the writer with timeout and error handling
func (c *Connection) WriteJSON(v any) error {
	// Check if connection is closed
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	// TECHNICAL DISCOVERY: a full buffer means a stalled client; give up after
	// one write timeout instead of blocking the outbound cascade forever
	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Done is closed once the connection can no longer write
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Pending returns the number of frames not yet written
func (c *Connection) Pending() int {
	return len(c.writeCh)
}
