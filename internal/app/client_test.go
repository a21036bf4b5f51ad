package app

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// frame is one outbound event as a client sees it.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// testClient is a websocket client that collects every frame it receives.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan frame
	done   chan struct{}
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)

	c := &testClient{
		t:      t,
		conn:   conn,
		frames: make(chan frame, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) readLoop() {
	defer close(c.done)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		c.frames <- f
	}
}

func (c *testClient) send(event string, data interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

// waitFor skips frames until one named event arrives and decodes its data
// into out.
func (c *testClient) waitFor(event string, out interface{}) {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if f.Event != event {
				continue
			}
			if out != nil {
				require.NoError(c.t, json.Unmarshal(f.Data, out))
			}
			return
		case <-c.done:
			c.t.Fatalf("connection closed while waiting for %s", event)
		case <-timeout:
			c.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func (c *testClient) join(name string) {
	c.t.Helper()
	c.send("join_chat", map[string]string{"username": name})
	c.waitFor("rooms_updated", nil)
}

func (c *testClient) closed() bool {
	select {
	case <-c.done:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}
