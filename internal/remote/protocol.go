// Package remote carries the gateway contract over a websocket. Frames are
// msgpack-encoded binary messages: the client sends requests tagged with a
// monotonic id, the server acks each with a result frame and streams
// subscription updates tagged with the id of the subscribe request that
// opened them.
package remote

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	opRead             = "read"
	opWrite            = "write"
	opPush             = "push"
	opDelete           = "delete"
	opSubscribe        = "subscribe"
	opSubscribeQuery   = "subscribeQuery"
	opUnsubscribe      = "unsubscribe"
	opOnDisconnect     = "onDisconnect"
	opCancelDisconnect = "cancelDisconnect"

	opResult = "result"
	opUpdate = "update"
)

type wireSnapshot struct {
	Key   string `msgpack:"key"`
	Value any    `msgpack:"value"`
}

// frame is the single wire unit, both directions. Fields beyond ID and Op
// are populated per operation.
type frame struct {
	ID        uint64         `msgpack:"id,omitempty"`
	Op        string         `msgpack:"op"`
	Path      string         `msgpack:"path,omitempty"`
	Value     any            `msgpack:"value,omitempty"`
	OrderBy   string         `msgpack:"orderBy,omitempty"`
	LimitLast int            `msgpack:"limitLast,omitempty"`
	Sub       uint64         `msgpack:"sub,omitempty"`
	Key       string         `msgpack:"key,omitempty"`
	Snapshots []wireSnapshot `msgpack:"snapshots,omitempty"`
	Err       string         `msgpack:"err,omitempty"`
}

// wireConn abstracts the websocket for tests.
type wireConn interface {
	Close() error
	WriteFrame(f *frame) error
	ReadFrame(f *frame) error
}

// wsConn frames msgpack over a gorilla websocket. The write mutex is
// required: subscription updates and request acks come from different
// goroutines and gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteFrame(f *frame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) ReadFrame(f *frame) error {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, f)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
