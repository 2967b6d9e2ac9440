package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

// Test WebSocket upgrader for creating test connections
var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var _ interfaces.Emitter = (*Connection)(nil)

type received struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func TestConnection_EmitKeepsOrder(t *testing.T) {
	req := require.New(t)
	wsConn, frames := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn, 10, time.Second)
	defer conn.Close()

	// When many frames are emitted in a row
	for i := 0; i < 50; i++ {
		req.NoError(conn.Emit("tick", types.Payload{"n": i}))
	}

	// Then the peer reads them in the same order
	for i := 0; i < 50; i++ {
		f := <-frames
		req.Equal("tick", f.Event)
		req.EqualValues(i, f.Data["n"])
	}
}

func TestConnection_WriteJSONInvalidData(t *testing.T) {
	req := require.New(t)
	wsConn, _ := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn, 0, 0)
	defer conn.Close()

	err := conn.WriteJSON(map[string]any{"ch": make(chan int)})
	req.ErrorIs(err, ErrInvalidJSON)
	req.Equal(100, cap(conn.writeCh))
}

func TestConnection_CloseIdempotentAndWriteAfterClose(t *testing.T) {
	req := require.New(t)
	wsConn, _ := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn, 10, time.Second)

	req.NoError(conn.Close())
	req.NotPanics(func() { _ = conn.Close() })

	req.ErrorIs(conn.Emit("late", types.Payload{}), ErrConnectionClosed)
	req.ErrorIs(conn.Emit("late", types.Payload{}), interfaces.ErrConnectionClosed)
	select {
	case <-conn.done:
	case <-time.After(time.Second):
		req.Fail("writer goroutine did not exit")
	}
}

func TestConnection_ConcurrentEmits(t *testing.T) {
	req := require.New(t)
	wsConn, frames := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn, 100, time.Second)
	defer conn.Close()

	const writers, each = 10, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_ = conn.Emit(fmt.Sprintf("w%d", w), types.Payload{"n": i})
			}
		}(w)
	}
	wg.Wait()

	// Each writer's frames stay in its own order
	last := map[string]float64{}
	for i := 0; i < writers*each; i++ {
		f := <-frames
		n := f.Data["n"].(float64)
		if prev, ok := last[f.Event]; ok {
			req.Greater(n, prev)
		}
		last[f.Event] = n
	}
	req.Len(last, writers)
}

// createTestWebSocketConnection dials a server that decodes every frame it reads
func createTestWebSocketConnection(t *testing.T) (*websocket.Conn, <-chan received) {
	frames := make(chan received, 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f received
			if json.Unmarshal(data, &f) == nil {
				frames <- f
			}
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, frames
}
