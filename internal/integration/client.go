package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pigeon/pkg/types"
)

// Frame is one server to client frame
type Frame struct {
	Event string        `json:"event"`
	Data  types.Payload `json:"data"`
}

// TestClient is a websocket client that collects every frame it reads
type TestClient struct {
	Name string

	conn    *websocket.Conn
	frames  chan Frame
	closing chan struct{}
	done    chan struct{}
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	skipped []Frame
}

// Dial connects a client to the /ws endpoint of addr
func Dial(ctx context.Context, name, addr string, cfg Config, log *slog.Logger) (*TestClient, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s: %w", name, err)
	}
	c := &TestClient{
		Name:    name,
		conn:    conn,
		frames:  make(chan Frame, 256),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		timeout: cfg.Timeout,
		log:     log,
	}
	go c.readLoop(cfg.Debug)
	return c, nil
}

func (c *TestClient) readLoop(debug bool) {
	defer close(c.done)
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		if debug {
			c.log.Debug("Frame", "client", c.Name, "event", f.Event, "data", f.Data)
		}
		select {
		case c.frames <- f:
		case <-c.closing:
			return
		}
	}
}

// Send writes one request frame
func (c *TestClient) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(types.Envelope{Event: event, Data: raw})
}

// Await returns the next frame named event. Frames read meanwhile are kept
// for Skipped.
func (c *TestClient) Await(event string) (Frame, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case f := <-c.frames:
			if f.Event == event {
				return f, nil
			}
			c.mu.Lock()
			c.skipped = append(c.skipped, f)
			c.mu.Unlock()
		case <-c.done:
			return Frame{}, fmt.Errorf("%s: connection closed waiting for %s", c.Name, event)
		case <-timer.C:
			return Frame{}, fmt.Errorf("%s: timed out waiting for %s", c.Name, event)
		}
	}
}

// Request sends event and awaits the reply of the same name
func (c *TestClient) Request(event string, data any) (types.Payload, error) {
	if err := c.Send(event, data); err != nil {
		return nil, err
	}
	f, err := c.Await(event)
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

// Skipped returns the names of frames passed over by Await
func (c *TestClient) Skipped() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.skipped))
	for _, f := range c.skipped {
		out = append(out, f.Event)
	}
	return out
}

// Close closes the socket and waits for the reader
func (c *TestClient) Close() error {
	close(c.closing)
	err := c.conn.Close()
	<-c.done
	return err
}
