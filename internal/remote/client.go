package remote

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
)

// Client implements gateway.Gateway over a websocket, so the session,
// directory, stream and wellbeing layers run unchanged against a remote
// hub.
type Client struct {
	conn wireConn
	done chan struct{}

	mu        sync.Mutex
	nextID    uint64
	pending   map[uint64]chan *frame
	subs      map[uint64]func(any)
	querySubs map[uint64]func([]gateway.Snapshot)
	closed    bool

	// queue holds update frames for the dispatch goroutine. Callbacks run
	// there, not on the read pump, so a callback may issue further gateway
	// calls without starving the pump of the acks they wait on.
	queue  []*frame
	queued *sync.Cond
}

// Dial connects to a hub sync endpoint. The token must have been issued
// by the hub's auth service.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return newClient(newWSConn(conn)), nil
}

func newClient(conn wireConn) *Client {
	c := &Client{
		conn:      conn,
		done:      make(chan struct{}),
		pending:   make(map[uint64]chan *frame),
		subs:      make(map[uint64]func(any)),
		querySubs: make(map[uint64]func([]gateway.Snapshot)),
	}
	c.queued = sync.NewCond(&c.mu)
	go c.run()
	go c.dispatch()
	return c
}

func (c *Client) run() {
	for {
		var f frame
		if err := c.conn.ReadFrame(&f); err != nil {
			c.teardown()
			return
		}
		c.route(&f)
	}
}

func (c *Client) route(f *frame) {
	switch f.Op {
	case opResult:
		c.mu.Lock()
		ch := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	case opUpdate:
		c.mu.Lock()
		if !c.closed {
			c.queue = append(c.queue, f)
			c.queued.Signal()
		}
		c.mu.Unlock()
	}
}

// dispatch delivers queued updates in arrival order, one at a time.
func (c *Client) dispatch() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.queued.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		fn := c.subs[f.Sub]
		qfn := c.querySubs[f.Sub]
		c.mu.Unlock()

		if fn != nil {
			fn(f.Value)
		}
		if qfn != nil {
			snaps := make([]gateway.Snapshot, 0, len(f.Snapshots))
			for _, s := range f.Snapshots {
				snaps = append(snaps, gateway.Snapshot{Key: s.Key, Value: s.Value})
			}
			qfn(snaps)
		}
	}
}

// call sends a request frame and blocks for its ack.
func (c *Client) call(ctx context.Context, f *frame) (*frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, gateway.ErrClosed
	}
	c.nextID++
	f.ID = c.nextID
	ch := make(chan *frame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.conn.WriteFrame(f); err != nil {
		c.forget(f.ID)
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Err != "" {
			return nil, errors.New(reply.Err)
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(f.ID)
		return nil, ctx.Err()
	case <-c.done:
		return nil, gateway.ErrClosed
	}
}

func (c *Client) Read(ctx context.Context, path string) (any, error) {
	reply, err := c.call(ctx, &frame{Op: opRead, Path: path})
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

func (c *Client) Write(ctx context.Context, path string, value any) error {
	_, err := c.call(ctx, &frame{Op: opWrite, Path: path, Value: value})
	return err
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	reply, err := c.call(ctx, &frame{Op: opPush, Path: path, Value: value})
	if err != nil {
		return "", err
	}
	return reply.Key, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, &frame{Op: opDelete, Path: path})
	return err
}

func (c *Client) Subscribe(path string, fn func(any)) (gateway.UnsubscribeFunc, error) {
	id, err := c.open(&frame{Op: opSubscribe, Path: path}, func(id uint64) {
		c.subs[id] = fn
	})
	if err != nil {
		return nil, err
	}
	return c.closeSub(id), nil
}

func (c *Client) SubscribeQuery(path string, q gateway.Query, fn func([]gateway.Snapshot)) (gateway.UnsubscribeFunc, error) {
	id, err := c.open(&frame{Op: opSubscribeQuery, Path: path, OrderBy: q.OrderBy, LimitLast: q.LimitLast}, func(id uint64) {
		c.querySubs[id] = fn
	})
	if err != nil {
		return nil, err
	}
	return c.closeSub(id), nil
}

// open allocates a request id, registers the callback under it before the
// frame leaves so the server's immediate first update cannot be lost, and
// waits for the ack.
func (c *Client) open(f *frame, register func(id uint64)) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, gateway.ErrClosed
	}
	c.nextID++
	f.ID = c.nextID
	register(f.ID)
	ch := make(chan *frame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.conn.WriteFrame(f); err != nil {
		c.dropSub(f.ID)
		return 0, err
	}

	select {
	case reply := <-ch:
		if reply.Err != "" {
			c.dropSub(f.ID)
			return 0, errors.New(reply.Err)
		}
		return f.ID, nil
	case <-c.done:
		return 0, gateway.ErrClosed
	}
}

func (c *Client) dropSub(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.subs, id)
	delete(c.querySubs, id)
	c.mu.Unlock()
}

func (c *Client) closeSub(id uint64) gateway.UnsubscribeFunc {
	return func() {
		c.mu.Lock()
		_, live := c.subs[id]
		if _, ok := c.querySubs[id]; ok {
			live = true
		}
		delete(c.subs, id)
		delete(c.querySubs, id)
		closed := c.closed
		c.mu.Unlock()

		if live && !closed {
			_ = c.conn.WriteFrame(&frame{Op: opUnsubscribe, Sub: id})
		}
	}
}

func (c *Client) OnDisconnect(ctx context.Context, path string, value any) (gateway.UnsubscribeFunc, error) {
	reply, err := c.call(ctx, &frame{Op: opOnDisconnect, Path: path, Value: value})
	if err != nil {
		return nil, err
	}
	id := reply.ID
	return func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			_ = c.conn.WriteFrame(&frame{Op: opCancelDisconnect, Sub: id})
		}
	}, nil
}

func (c *Client) Close() error {
	c.teardown()
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.subs = make(map[uint64]func(any))
	c.querySubs = make(map[uint64]func([]gateway.Snapshot))
	c.queue = nil
	c.queued.Broadcast()
	c.mu.Unlock()

	close(c.done)
	_ = c.conn.Close()
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
