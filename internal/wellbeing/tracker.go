// Package wellbeing tracks session usage for the signed-in user: minute
// ticks accumulate and persist today's usage, a parallel check surfaces
// break reminders, and a reactive check fires a one-time notification
// when usage crosses the daily limit.
package wellbeing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
	"github.com/hehehe1cracka/empathic-space-hub/internal/models"
)

const (
	// TickPeriod drives both the usage counter and the reminder check.
	TickPeriod = time.Minute
	// BreakAfter is the minimum session time and minimum gap between
	// break reminders.
	BreakAfter = 30 * time.Minute
)

// Notifier receives the tracker's side effects. Implementations must not
// block; they run on the tracker's tick goroutine.
type Notifier interface {
	BreakReminder()
	LimitReached()
}

// Tracker is the per-session state machine: Inactive until Start,
// Tracking until Stop. Timer callbacks are guarded on an active uid, not
// just cancelled at teardown, so a straggling tick after sign-out can
// never write under a stale user.
type Tracker struct {
	gw       gateway.Gateway
	notifier Notifier

	uid             string
	sessionStart    time.Time
	lastReminder    time.Time
	reminderVisible bool
	limitNotified   bool
	todayUsage      int
	dailyLimit      int

	profileUnsub gateway.UnsubscribeFunc
	cancelRun    context.CancelFunc

	now  func() time.Time
	tick time.Duration
	mu   sync.Mutex
}

func New(gw gateway.Gateway, notifier Notifier) *Tracker {
	return &Tracker{
		gw:       gw,
		notifier: notifier,
		now:      time.Now,
		tick:     TickPeriod,
	}
}

// Start transitions to Tracking for uid: session clock reset, profile
// subscription for the reactive limit check, and the two independent
// minute timers.
func (t *Tracker) Start(ctx context.Context, uid string) error {
	t.Stop()

	now := t.now()
	t.mu.Lock()
	t.uid = uid
	t.sessionStart = now
	t.lastReminder = now
	t.reminderVisible = false
	t.limitNotified = false
	t.todayUsage = 0
	t.dailyLimit = 0
	t.mu.Unlock()

	unsub, err := t.gw.Subscribe("users/"+uid, t.onProfile)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.profileUnsub = unsub
	t.cancelRun = cancel
	t.mu.Unlock()

	go t.run(runCtx)
	return nil
}

// Stop cancels timers and the profile subscription and returns to Inactive.
func (t *Tracker) Stop() {
	t.mu.Lock()
	unsub := t.profileUnsub
	cancel := t.cancelRun
	t.profileUnsub = nil
	t.cancelRun = nil
	t.uid = ""
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
}

// Active reports whether a session is being tracked.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uid != ""
}

// ReminderVisible reports whether a break reminder is currently surfaced.
func (t *Tracker) ReminderVisible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reminderVisible
}

// DismissBreakReminder hides the reminder without touching timer state.
func (t *Tracker) DismissBreakReminder() {
	t.mu.Lock()
	t.reminderVisible = false
	t.mu.Unlock()
}

// ResetDailyUsage zeroes the counter locally and persists it. Invoked by
// an external daily-rollover trigger; no scheduler lives here.
func (t *Tracker) ResetDailyUsage(ctx context.Context) error {
	t.mu.Lock()
	uid := t.uid
	t.todayUsage = 0
	t.limitNotified = false
	t.mu.Unlock()

	if uid == "" {
		return nil
	}
	return t.gw.Write(ctx, "users/"+uid+"/todayUsageMin", 0)
}

func (t *Tracker) run(ctx context.Context) {
	usage := time.NewTicker(t.tick)
	defer usage.Stop()
	reminder := time.NewTicker(t.tick)
	defer reminder.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-usage.C:
			t.usageTick(ctx)
		case <-reminder.C:
			t.reminderTick()
		}
	}
}

// usageTick advances the local counter and persists it. On a failed write
// the local counter keeps its value; the next tick persists the larger
// total, so the store catches up without an explicit retry.
func (t *Tracker) usageTick(ctx context.Context) {
	t.mu.Lock()
	uid := t.uid
	if uid == "" {
		t.mu.Unlock()
		return
	}
	t.todayUsage++
	usage := t.todayUsage
	t.mu.Unlock()

	if err := t.gw.Write(ctx, "users/"+uid+"/todayUsageMin", usage); err != nil {
		slog.Warn("usage persist failed, will retry at next tick", "uid", uid, "error", err)
		t.checkLimit()
	}
}

// reminderTick surfaces a break reminder when the session has run at
// least BreakAfter and the previous reminder is at least BreakAfter old.
func (t *Tracker) reminderTick() {
	now := t.now()

	t.mu.Lock()
	if t.uid == "" {
		t.mu.Unlock()
		return
	}
	due := now.Sub(t.sessionStart) >= BreakAfter && now.Sub(t.lastReminder) >= BreakAfter
	if due {
		t.reminderVisible = true
		t.lastReminder = now
	}
	t.mu.Unlock()

	if due && t.notifier != nil {
		t.notifier.BreakReminder()
	}
}

// onProfile mirrors the remote usage/limit values and re-evaluates the
// limit crossing on every change.
func (t *Tracker) onProfile(v any) {
	if v == nil {
		return
	}
	var profile models.User
	if err := gateway.Decode(v, &profile); err != nil {
		slog.Error("failed to decode profile in tracker", "error", err)
		return
	}

	t.mu.Lock()
	if t.uid == "" {
		t.mu.Unlock()
		return
	}
	// The store is the source of truth; a remote reset or a concurrent
	// device's write replaces the local counter wholesale.
	t.todayUsage = profile.TodayUsageMin
	t.dailyLimit = profile.DailyLimitMin
	t.mu.Unlock()

	t.checkLimit()
}

// checkLimit fires the limit notification exactly once per upward
// crossing. A reset below the limit re-arms it.
func (t *Tracker) checkLimit() {
	t.mu.Lock()
	fire := false
	if t.dailyLimit > 0 && t.todayUsage >= t.dailyLimit {
		if !t.limitNotified {
			t.limitNotified = true
			fire = true
		}
	} else {
		t.limitNotified = false
	}
	t.mu.Unlock()

	if fire && t.notifier != nil {
		t.notifier.LimitReached()
	}
}
