// Package gateway exposes the path-addressed realtime store the client
// layers synchronize against: one-shot reads, full-overwrite writes,
// push-with-generated-key appends, live subscriptions and on-disconnect
// registrations. The Store type is the hub-local implementation; the
// remote package provides the same contract over a websocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrClosed      = errors.New("gateway is closed")
	ErrInvalidPath = errors.New("invalid path")
)

// Snapshot is one child record of a queried collection.
type Snapshot struct {
	Key   string
	Value any
}

// Query selects the last LimitLast children of a collection ordered by an
// int64 field of each child. Snapshots are delivered in ascending order.
type Query struct {
	OrderBy   string
	LimitLast int
}

type UnsubscribeFunc func()

// Gateway is the remote data store contract. No multi-path atomicity is
// offered; every call stands alone.
type Gateway interface {
	// Read returns the value at path, or nil if nothing is stored there.
	Read(ctx context.Context, path string) (any, error)
	// Write overwrites the value at path. A nil value deletes the subtree.
	Write(ctx context.Context, path string, value any) error
	// Push appends value under path with a store-generated key and returns it.
	Push(ctx context.Context, path string, value any) (string, error)
	// Delete removes the subtree at path.
	Delete(ctx context.Context, path string) error
	// Subscribe delivers the current value at path immediately and again on
	// every change until the returned function is called. Callbacks must not
	// block; they are invoked in emit order.
	Subscribe(path string, fn func(value any)) (UnsubscribeFunc, error)
	// SubscribeQuery is Subscribe over an ordered, limited view of a collection.
	SubscribeQuery(path string, q Query, fn func([]Snapshot)) (UnsubscribeFunc, error)
	// OnDisconnect registers a write applied by the store if this client
	// drops without cancelling the registration first.
	OnDisconnect(ctx context.Context, path string, value any) (UnsubscribeFunc, error)
	Close() error
}

// Decode converts a tree value (as returned by Read or a subscription) into
// a typed struct via a msgpack round-trip. Values arrive as generic maps
// regardless of whether the store is in-process or remote, so this is the
// one decoding path for both.
func Decode(v any, out any) error {
	if v == nil {
		return errors.New("cannot decode nil value")
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode tree value: %w", err)
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode tree value: %w", err)
	}
	return nil
}

// normalize flattens an arbitrary written value into the generic tree form
// (map[string]any branches, primitive leaves) so partial-path writes merge
// with whole-record writes.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	var out any
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	return out, nil
}

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, ErrInvalidPath
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// isPrefix reports whether a is a prefix of b (or equal).
func isPrefix(a, b []string) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// asInt64 coerces the numeric types msgpack may produce into int64.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// childField extracts an int64 field from a child branch, 0 when absent.
func childField(child any, field string) int64 {
	m, ok := child.(map[string]any)
	if !ok {
		return 0
	}
	n, _ := asInt64(m[field])
	return n
}
