// Package session owns the current-user signal: it follows the identity
// provider's auth state, mirrors presence into the store, keeps a live
// profile snapshot and exposes the sign-up/sign-in/sign-out and
// profile-update operations everything else gates on.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hehehe1cracka/empathic-space-hub/internal/auth"
	"github.com/hehehe1cracka/empathic-space-hub/internal/content"
	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
	"github.com/hehehe1cracka/empathic-space-hub/internal/models"
)

// DefaultDailyLimitMin is the usage limit written into fresh profiles.
const DefaultDailyLimitMin = 120

// ProfileUpdate carries the fields UpdateProfile may change. Nil fields
// are left at their last locally-known value.
type ProfileUpdate struct {
	DisplayName   *string
	AvatarURL     *string
	SafetyMode    *bool
	DailyLimitMin *int
	Push          *models.PushSubscription
}

type Manager struct {
	auth *auth.Service
	gw   gateway.Gateway

	uid       string
	profile   *models.User
	observers map[int]chan *models.User
	nextID    int

	authUnsub    func()
	profileUnsub gateway.UnsubscribeFunc
	discCancels  []gateway.UnsubscribeFunc

	ctx context.Context
	now func() time.Time

	mu sync.Mutex
}

func NewManager(authSvc *auth.Service, gw gateway.Gateway) *Manager {
	return &Manager{
		auth:      authSvc,
		gw:        gw,
		observers: make(map[int]chan *models.User),
		now:       time.Now,
	}
}

// Start subscribes to the identity provider's auth state. The subscription
// fires immediately, so a session already signed in is picked up here.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	m.authUnsub = m.auth.SubscribeAuthState(m.onAuthState)
}

// Stop tears down the auth subscription and any active session state.
func (m *Manager) Stop() {
	if m.authUnsub != nil {
		m.authUnsub()
		m.authUnsub = nil
	}
	m.teardownSession()
	m.publish(nil)
}

// ObserveCurrentUser returns a stream of profile snapshots: the current
// one immediately, nil while signed out, and an update on every remote
// profile change. The returned function cancels the stream.
func (m *Manager) ObserveCurrentUser() (<-chan *models.User, func()) {
	ch := make(chan *models.User, 8)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = ch
	current := m.profile
	m.mu.Unlock()

	offer(ch, cloneProfile(current))

	return ch, func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Profile returns the last locally-known profile snapshot, or nil.
func (m *Manager) Profile() *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneProfile(m.profile)
}

// UID returns the current user id, or "".
func (m *Manager) UID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uid
}

// SignUp creates the provider account, names it, and writes the initial
// profile record. The two writes are independent; a crash in between
// leaves an account with no profile.
func (m *Manager) SignUp(ctx context.Context, email, password, displayName string) error {
	displayName = content.Sanitize(displayName)
	if err := content.ValidateDisplayName(displayName); err != nil {
		return err
	}

	id, err := m.auth.CreateAccount(email, password)
	if err != nil {
		return err
	}
	if err := m.auth.UpdateDisplayName(id.UID, displayName); err != nil {
		return err
	}

	profile := defaultProfile(id.UID, email, displayName)
	if err := m.gw.Write(ctx, "users/"+id.UID, profile); err != nil {
		return fmt.Errorf("account created but profile write failed: %w", err)
	}
	return nil
}

// SignIn delegates to the identity provider.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	_, err := m.auth.SignIn(email, password)
	return err
}

// SignInWithProvider performs an external-provider sign-in and lazily
// creates a profile record on first login. Check-then-write: two devices
// racing the first login can both write; last write wins.
func (m *Manager) SignInWithProvider(ctx context.Context) error {
	id, err := m.auth.SignInExternal()
	if err != nil {
		return err
	}

	existing, err := m.gw.Read(ctx, "users/"+id.UID)
	if err != nil {
		return fmt.Errorf("failed to check for existing profile: %w", err)
	}
	if existing == nil {
		name := id.DisplayName
		if name == "" {
			name = id.Email
		}
		profile := defaultProfile(id.UID, id.Email, name)
		profile.AvatarURL = id.AvatarURL
		if err := m.gw.Write(ctx, "users/"+id.UID, profile); err != nil {
			return fmt.Errorf("failed to create profile: %w", err)
		}
	}
	return nil
}

// Logout writes offline presence best-effort, then signs out regardless.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	uid := m.uid
	m.mu.Unlock()

	if uid != "" {
		if err := m.gw.Write(ctx, "users/"+uid+"/status", string(models.StatusOffline)); err != nil {
			slog.Warn("offline status write failed during logout", "uid", uid, "error", err)
		}
		if err := m.gw.Write(ctx, "users/"+uid+"/lastSeen", m.now().Unix()); err != nil {
			slog.Warn("last-seen write failed during logout", "uid", uid, "error", err)
		}
	}

	m.auth.SignOut()
}

// UpdateProfile merges the given fields over the last locally-known
// snapshot and writes the full record. Last write wins; a concurrent
// remote update since the snapshot is silently overwritten.
func (m *Manager) UpdateProfile(ctx context.Context, update ProfileUpdate) error {
	m.mu.Lock()
	if m.profile == nil {
		m.mu.Unlock()
		return fmt.Errorf("no profile to update")
	}
	merged := *m.profile
	m.mu.Unlock()

	if update.DisplayName != nil {
		name := content.Sanitize(*update.DisplayName)
		if err := content.ValidateDisplayName(name); err != nil {
			return err
		}
		merged.DisplayName = name
		if err := m.auth.UpdateDisplayName(merged.ID, name); err != nil {
			slog.Warn("provider display-name update failed", "uid", merged.ID, "error", err)
		}
	}
	if update.AvatarURL != nil {
		merged.AvatarURL = *update.AvatarURL
	}
	if update.SafetyMode != nil {
		merged.SafetyMode = *update.SafetyMode
	}
	if update.DailyLimitMin != nil {
		merged.DailyLimitMin = *update.DailyLimitMin
	}
	if update.Push != nil {
		merged.Push = update.Push
	}

	return m.gw.Write(ctx, "users/"+merged.ID, merged)
}

// onAuthState reacts to identity-provider transitions. On sign-in it runs
// the best-effort ordered sequence: presence online, on-disconnect
// registration, live profile subscription.
func (m *Manager) onAuthState(id *auth.Identity) {
	m.teardownSession()

	if id == nil {
		m.publish(nil)
		return
	}

	m.mu.Lock()
	m.uid = id.UID
	m.mu.Unlock()

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if err := m.gw.Write(ctx, "users/"+id.UID+"/status", string(models.StatusOnline)); err != nil {
		slog.Warn("online status write failed", "uid", id.UID, "error", err)
	}
	if err := m.gw.Write(ctx, "users/"+id.UID+"/lastSeen", int64(0)); err != nil {
		slog.Warn("last-seen reset failed", "uid", id.UID, "error", err)
	}

	var cancels []gateway.UnsubscribeFunc
	if cancel, err := m.gw.OnDisconnect(ctx, "users/"+id.UID+"/status", string(models.StatusOffline)); err == nil {
		cancels = append(cancels, cancel)
	} else {
		slog.Warn("on-disconnect registration failed", "uid", id.UID, "error", err)
	}
	// The registered value is captured here, so after an unclean drop
	// lastSeen reports the sign-in time, not the drop time.
	if cancel, err := m.gw.OnDisconnect(ctx, "users/"+id.UID+"/lastSeen", m.now().Unix()); err == nil {
		cancels = append(cancels, cancel)
	}

	unsub, err := m.gw.Subscribe("users/"+id.UID, m.onProfile)
	if err != nil {
		slog.Error("profile subscription failed", "uid", id.UID, "error", err)
	}

	m.mu.Lock()
	m.discCancels = cancels
	m.profileUnsub = unsub
	m.mu.Unlock()
}

func (m *Manager) onProfile(v any) {
	if v == nil {
		return
	}
	var profile models.User
	if err := gateway.Decode(v, &profile); err != nil {
		slog.Error("failed to decode profile record", "error", err)
		return
	}

	m.mu.Lock()
	if m.uid == "" || profile.ID != m.uid {
		// Stale delivery after sign-out or a user switch.
		m.mu.Unlock()
		return
	}
	m.profile = &profile
	m.mu.Unlock()

	m.publish(&profile)
}

func (m *Manager) teardownSession() {
	m.mu.Lock()
	unsub := m.profileUnsub
	cancels := m.discCancels
	m.profileUnsub = nil
	m.discCancels = nil
	m.uid = ""
	m.profile = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, cancel := range cancels {
		cancel()
	}
}

func (m *Manager) publish(u *models.User) {
	m.mu.Lock()
	chans := make([]chan *models.User, 0, len(m.observers))
	for _, ch := range m.observers {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		offer(ch, cloneProfile(u))
	}
}

// offer delivers without blocking, dropping the oldest buffered snapshot
// when the observer is not keeping up.
func offer(ch chan *models.User, u *models.User) {
	select {
	case ch <- u:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

func cloneProfile(u *models.User) *models.User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Push != nil {
		p := *u.Push
		c.Push = &p
	}
	return &c
}

func defaultProfile(uid, email, displayName string) models.User {
	return models.User{
		ID:            uid,
		DisplayName:   displayName,
		Email:         email,
		Status:        models.StatusOnline,
		DailyLimitMin: DefaultDailyLimitMin,
		TodayUsageMin: 0,
		SafetyMode:    false,
	}
}
