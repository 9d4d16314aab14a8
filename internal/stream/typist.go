package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Typist debounces the typing indicator: Touch on every keystroke sets
// the flag and re-arms an idle timer that clears it.
type Typist struct {
	sync  *Sync
	idle  time.Duration
	timer *time.Timer
	mu    sync.Mutex
}

func (s *Sync) NewTypist() *Typist {
	return &Typist{
		sync: s,
		idle: TypingIdleTimeout,
	}
}

// Touch marks the user as typing and re-arms the idle timer.
func (t *Typist) Touch(ctx context.Context) error {
	if err := t.sync.SetTyping(ctx, true); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() {
		if err := t.sync.SetTyping(context.Background(), false); err != nil {
			slog.Warn("failed to clear typing flag", "chat_id", t.sync.chatID, "error", err)
		}
	})
	return nil
}

// Stop cancels the timer and clears the flag immediately.
func (t *Typist) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	return t.sync.SetTyping(ctx, false)
}
