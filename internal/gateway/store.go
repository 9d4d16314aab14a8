package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type subscriber struct {
	path  []string
	fn    func(any)
	query *Query
	qfn   func([]Snapshot)
}

type disconnectAction struct {
	path  []string
	value any
}

// Store is the hub-local Gateway: a path tree guarded by a mutex with
// subscriber fan-out. Callbacks are collected under the lock and invoked
// after it is released, in emit order. Optionally write-through persisted
// to bbolt (see bbolt.go).
type Store struct {
	root   map[string]any
	subs   map[int]*subscriber
	disc   map[int]disconnectAction
	nextID int
	closed bool

	persist *bboltPersistence

	mu sync.Mutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		root: make(map[string]any),
		subs: make(map[int]*subscriber),
		disc: make(map[int]disconnectAction),
	}
}

// Open creates a store persisted to the bbolt file at dbPath, loading any
// previously stored records into the tree.
func Open(dbPath string) (*Store, error) {
	s := New()
	p, err := openBboltPersistence(dbPath)
	if err != nil {
		return nil, err
	}
	root, err := p.loadAll()
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	s.root = root
	s.persist = p
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.subs = make(map[int]*subscriber)
	s.disc = make(map[int]disconnectAction)
	p := s.persist
	s.mu.Unlock()

	if p != nil {
		return p.Close()
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return clone(s.getNode(parts)), nil
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	norm, err := normalize(value)
	if err != nil {
		return err
	}
	return s.apply(ctx, path, norm)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.apply(ctx, path, nil)
}

func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	norm, err := normalize(value)
	if err != nil {
		return "", err
	}
	key := uuid.NewString()
	if err := s.apply(ctx, path+"/"+key, norm); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Subscribe(path string, fn func(any)) (UnsubscribeFunc, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = &subscriber{path: parts, fn: fn}
	initial := clone(s.getNode(parts))
	s.mu.Unlock()

	// Initial delivery with the current value.
	fn(initial)

	return s.unsubscribeFunc(id), nil
}

func (s *Store) SubscribeQuery(path string, q Query, fn func([]Snapshot)) (UnsubscribeFunc, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = &subscriber{path: parts, query: &q, qfn: fn}
	initial := s.queryView(parts, q)
	s.mu.Unlock()

	fn(initial)

	return s.unsubscribeFunc(id), nil
}

func (s *Store) OnDisconnect(ctx context.Context, path string, value any) (UnsubscribeFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	norm, err := normalize(value)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	s.disc[id] = disconnectAction{path: parts, value: norm}

	return func() {
		s.mu.Lock()
		delete(s.disc, id)
		s.mu.Unlock()
	}, nil
}

// FireDisconnects applies every registered on-disconnect write, simulating
// an unclean drop of the client. The in-process equivalent of the remote
// server noticing a closed socket.
func (s *Store) FireDisconnects() {
	s.mu.Lock()
	actions := make([]disconnectAction, 0, len(s.disc))
	for _, a := range s.disc {
		actions = append(actions, a)
	}
	s.disc = make(map[int]disconnectAction)
	s.mu.Unlock()

	for _, a := range actions {
		var notify []func()
		s.mu.Lock()
		if !s.closed {
			s.setNode(a.path, a.value)
			_ = s.persistPath(a.path)
			notify = s.pendingNotifications(a.path)
		}
		s.mu.Unlock()
		for _, fn := range notify {
			fn()
		}
	}
}

func (s *Store) unsubscribeFunc(id int) UnsubscribeFunc {
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// apply mutates the tree at path and fans out to affected subscribers.
func (s *Store) apply(ctx context.Context, path string, norm any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.setNode(parts, norm)
	perr := s.persistPath(parts)
	notify := s.pendingNotifications(parts)
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return perr
}

// pendingNotifications collects callbacks for every subscriber whose path
// overlaps the written path. Payloads are computed under the lock so each
// subscriber observes a consistent snapshot; invocation happens outside it.
func (s *Store) pendingNotifications(written []string) []func() {
	var notify []func()
	for _, sub := range s.subs {
		if !isPrefix(sub.path, written) && !isPrefix(written, sub.path) {
			continue
		}
		sub := sub
		if sub.query != nil {
			snaps := s.queryView(sub.path, *sub.query)
			notify = append(notify, func() { sub.qfn(snaps) })
			continue
		}
		value := clone(s.getNode(sub.path))
		notify = append(notify, func() { sub.fn(value) })
	}
	return notify
}

func (s *Store) getNode(parts []string) any {
	var node any = s.root
	for _, p := range parts {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = m[p]
		if !ok {
			return nil
		}
	}
	return node
}

func (s *Store) setNode(parts []string, value any) {
	node := s.root
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			// Overwrites a leaf if one is in the way of a deeper write.
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}

	last := parts[len(parts)-1]
	if value == nil {
		delete(node, last)
		return
	}
	node[last] = value
}

// queryView returns the last q.LimitLast children at parts ordered by
// q.OrderBy ascending, key as tie-breaker. Must be called under the lock.
func (s *Store) queryView(parts []string, q Query) []Snapshot {
	m, ok := s.getNode(parts).(map[string]any)
	if !ok {
		return nil
	}

	snaps := make([]Snapshot, 0, len(m))
	for k, v := range m {
		snaps = append(snaps, Snapshot{Key: k, Value: clone(v)})
	}
	sort.Slice(snaps, func(i, j int) bool {
		a := childField(snaps[i].Value, q.OrderBy)
		b := childField(snaps[j].Value, q.OrderBy)
		if a != b {
			return a < b
		}
		return snaps[i].Key < snaps[j].Key
	})

	if q.LimitLast > 0 && len(snaps) > q.LimitLast {
		snaps = snaps[len(snaps)-q.LimitLast:]
	}
	return snaps
}

// persistPath writes through the top-level record containing parts.
// Must be called under the lock.
func (s *Store) persistPath(parts []string) error {
	if s.persist == nil {
		return nil
	}
	if len(parts) == 1 {
		children, _ := s.getNode(parts).(map[string]any)
		return s.persist.saveCollection(parts[0], children)
	}
	return s.persist.saveRecord(parts[0], parts[1], s.getNode(parts[:2]))
}

// clone deep-copies a tree value so subscribers cannot mutate the store.
func clone(v any) any {
	switch n := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, c := range n {
			out[k] = clone(c)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, c := range n {
			out[i] = clone(c)
		}
		return out
	default:
		return v
	}
}
