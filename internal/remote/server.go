package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
)

const outboundBuffer = 256

// Server exposes a gateway over websocket connections. Each connection
// gets its own subscription set and on-disconnect registrations; the
// registrations are applied when the socket drops without a prior cancel,
// which is how presence falls back to offline on an unclean exit.
type Server struct {
	store gateway.Gateway
}

func NewServer(store gateway.Gateway) *Server {
	return &Server{store: store}
}

// Handle serves one authenticated connection until the socket drops or
// ctx ends. uid is only used for log correlation; authorization happened
// at the upgrade.
func (s *Server) Handle(ctx context.Context, ws *websocket.Conn, uid string) error {
	return s.handle(ctx, newWSConn(ws), uid)
}

type disconnectIntent struct {
	path  string
	value any
}

// session is the per-connection state. All maps are touched only from
// mainLoop and the post-teardown sweep, so no lock guards them.
type session struct {
	store    gateway.Gateway
	conn     wireConn
	uid      string
	inbound  chan *frame
	outbound chan *frame
	errorCh  chan error

	unsubs  map[uint64]gateway.UnsubscribeFunc
	intents map[uint64]disconnectIntent
}

func (s *Server) handle(ctx context.Context, conn wireConn, uid string) error {
	sess := &session{
		store:    s.store,
		conn:     conn,
		uid:      uid,
		inbound:  make(chan *frame),
		outbound: make(chan *frame, outboundBuffer),
		errorCh:  make(chan error, 2),
		unsubs:   make(map[uint64]gateway.UnsubscribeFunc),
		intents:  make(map[uint64]disconnectIntent),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		sess.errorCh <- sess.pumpFrames(ctx)
		cancel()
	})
	wg.Go(func() {
		sess.errorCh <- sess.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-sess.errorCh:
	case <-ctx.Done():
	}
	conn.Close()
	wg.Wait()
	sess.sweep()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (sess *session) pumpFrames(ctx context.Context) error {
	for {
		var f frame
		if err := sess.conn.ReadFrame(&f); err != nil {
			return err
		}
		select {
		case sess.inbound <- &f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (sess *session) mainLoop(ctx context.Context) error {
	for {
		select {
		case f := <-sess.inbound:
			if err := sess.process(ctx, f); err != nil {
				return err
			}
		case f := <-sess.outbound:
			if err := sess.conn.WriteFrame(f); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// sweep runs after both pumps have stopped: cancel every live
// subscription and apply the surviving on-disconnect intents.
func (sess *session) sweep() {
	for _, unsub := range sess.unsubs {
		unsub()
	}
	for _, intent := range sess.intents {
		if err := sess.store.Write(context.Background(), intent.path, intent.value); err != nil {
			slog.Warn("on-disconnect write failed", "uid", sess.uid, "path", intent.path, "error", err)
		}
	}
}

func (sess *session) process(ctx context.Context, f *frame) error {
	switch f.Op {
	case opRead:
		v, err := sess.store.Read(ctx, f.Path)
		return sess.ack(&frame{ID: f.ID, Op: opResult, Value: v, Err: errString(err)})
	case opWrite:
		err := sess.store.Write(ctx, f.Path, f.Value)
		return sess.ack(&frame{ID: f.ID, Op: opResult, Err: errString(err)})
	case opPush:
		key, err := sess.store.Push(ctx, f.Path, f.Value)
		return sess.ack(&frame{ID: f.ID, Op: opResult, Key: key, Err: errString(err)})
	case opDelete:
		err := sess.store.Delete(ctx, f.Path)
		return sess.ack(&frame{ID: f.ID, Op: opResult, Err: errString(err)})
	case opSubscribe:
		sub := f.ID
		unsub, err := sess.store.Subscribe(f.Path, func(v any) {
			sess.offer(&frame{Op: opUpdate, Sub: sub, Value: v})
		})
		if err == nil {
			sess.unsubs[sub] = unsub
		}
		return sess.ack(&frame{ID: f.ID, Op: opResult, Err: errString(err)})
	case opSubscribeQuery:
		sub := f.ID
		q := gateway.Query{OrderBy: f.OrderBy, LimitLast: f.LimitLast}
		unsub, err := sess.store.SubscribeQuery(f.Path, q, func(snaps []gateway.Snapshot) {
			wire := make([]wireSnapshot, 0, len(snaps))
			for _, s := range snaps {
				wire = append(wire, wireSnapshot{Key: s.Key, Value: s.Value})
			}
			sess.offer(&frame{Op: opUpdate, Sub: sub, Snapshots: wire})
		})
		if err == nil {
			sess.unsubs[sub] = unsub
		}
		return sess.ack(&frame{ID: f.ID, Op: opResult, Err: errString(err)})
	case opUnsubscribe:
		if unsub, ok := sess.unsubs[f.Sub]; ok {
			delete(sess.unsubs, f.Sub)
			unsub()
		}
		return nil
	case opOnDisconnect:
		sess.intents[f.ID] = disconnectIntent{path: f.Path, value: f.Value}
		return sess.ack(&frame{ID: f.ID, Op: opResult})
	case opCancelDisconnect:
		delete(sess.intents, f.Sub)
		return nil
	default:
		return sess.ack(&frame{ID: f.ID, Op: opResult, Err: "unknown operation: " + f.Op})
	}
}

// ack queues a reply on the same ordered channel as updates. A fresh
// subscription's initial value is queued during process, so it can reach
// the client just before the ack; the client registers its callback
// before sending, so neither order loses it.
//
// Results are never dropped: a lost ack would strand the caller on its
// context. ack runs on the mainLoop goroutine, the sole reader of
// outbound and the sole socket writer, so on a full buffer it flushes
// queued frames straight to the socket until the ack fits.
func (sess *session) ack(f *frame) error {
	for {
		select {
		case sess.outbound <- f:
			return nil
		case queued := <-sess.outbound:
			if err := sess.conn.WriteFrame(queued); err != nil {
				return err
			}
		}
	}
}

// offer queues without blocking: subscription callbacks may not stall the
// store. When the socket cannot drain the buffer the frame is dropped and
// a later update carries the newer state.
func (sess *session) offer(f *frame) {
	select {
	case sess.outbound <- f:
	default:
		slog.Warn("outbound buffer full, dropping frame", "uid", sess.uid, "op", f.Op)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
