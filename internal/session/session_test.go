package session

import (
	"context"
	"testing"

	"github.com/hehehe1cracka/empathic-space-hub/internal/auth"
	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
	"github.com/hehehe1cracka/empathic-space-hub/internal/models"
)

func newTestManager(t *testing.T) (*Manager, *gateway.Store, *auth.Service) {
	t.Helper()
	ctx := context.Background()
	store := gateway.New()
	t.Cleanup(func() { _ = store.Close() })
	authSvc := auth.NewService(ctx, auth.Config{})
	m := NewManager(authSvc, store)
	m.Start(ctx)
	t.Cleanup(m.Stop)
	return m, store, authSvc
}

func drain(ch <-chan *models.User) *models.User {
	var last *models.User
	for {
		select {
		case u := <-ch:
			last = u
		default:
			return last
		}
	}
}

func TestManager_SignUp(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.SignUp(ctx, "alice@example.com", "password123", "Alice"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	uid := m.UID()
	if uid == "" {
		t.Fatal("expected a current uid after sign-up")
	}

	v, err := store.Read(ctx, "users/"+uid)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var profile models.User
	if err := gateway.Decode(v, &profile); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if profile.DisplayName != "Alice" {
		t.Errorf("expected display name Alice, got %q", profile.DisplayName)
	}
	if profile.DailyLimitMin != DefaultDailyLimitMin {
		t.Errorf("expected default daily limit %d, got %d", DefaultDailyLimitMin, profile.DailyLimitMin)
	}
	if profile.TodayUsageMin != 0 {
		t.Errorf("expected zero usage, got %d", profile.TodayUsageMin)
	}
	if profile.SafetyMode {
		t.Error("expected safety mode off by default")
	}
	if profile.Status != models.StatusOnline {
		t.Errorf("expected online status after sign-up, got %s", profile.Status)
	}
}

func TestManager_ObserveCurrentUser(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	ch, cancel := m.ObserveCurrentUser()
	defer cancel()

	// Signed out: immediate nil.
	if u := <-ch; u != nil {
		t.Fatalf("expected nil while signed out, got %+v", u)
	}

	if err := m.SignUp(ctx, "alice@example.com", "password123", "Alice"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	u := drain(ch)
	if u == nil || u.DisplayName != "Alice" {
		t.Fatalf("expected profile delivery after sign-up, got %+v", u)
	}

	// A remote profile mutation is mirrored into the stream.
	if err := store.Write(ctx, "users/"+u.ID+"/safetyMode", true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	u = drain(ch)
	if u == nil || !u.SafetyMode {
		t.Fatalf("expected safety mode update, got %+v", u)
	}

	m.Logout(ctx)
	if u := drain(ch); u != nil {
		t.Fatalf("expected nil after logout, got %+v", u)
	}
}

func TestManager_PresenceLifecycle(t *testing.T) {
	m, store, authSvc := newTestManager(t)
	ctx := context.Background()

	if err := m.SignUp(ctx, "alice@example.com", "password123", "Alice"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	uid := m.UID()

	t.Run("logout writes offline and last-seen", func(t *testing.T) {
		m.Logout(ctx)

		v, _ := store.Read(ctx, "users/"+uid)
		var profile models.User
		if err := gateway.Decode(v, &profile); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if profile.Status != models.StatusOffline {
			t.Errorf("expected offline after logout, got %s", profile.Status)
		}
		if profile.LastSeen == 0 {
			t.Error("expected last-seen timestamp after logout")
		}
	})

	t.Run("unclean drop fires on-disconnect actions", func(t *testing.T) {
		if _, err := authSvc.SignIn("alice@example.com", "password123"); err != nil {
			t.Fatalf("SignIn failed: %v", err)
		}

		v, _ := store.Read(ctx, "users/"+uid+"/status")
		if v != string(models.StatusOnline) {
			t.Fatalf("expected online after sign-in, got %v", v)
		}

		store.FireDisconnects()
		v, _ = store.Read(ctx, "users/"+uid+"/status")
		if v != string(models.StatusOffline) {
			t.Errorf("expected offline after simulated drop, got %v", v)
		}
	})

	t.Run("clean logout cancels on-disconnect actions", func(t *testing.T) {
		if _, err := authSvc.SignIn("alice@example.com", "password123"); err != nil {
			t.Fatalf("SignIn failed: %v", err)
		}
		m.Logout(ctx)

		// Bring status back online by hand; a leftover action would clobber it.
		if err := store.Write(ctx, "users/"+uid+"/status", string(models.StatusOnline)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		store.FireDisconnects()
		v, _ := store.Read(ctx, "users/"+uid+"/status")
		if v != string(models.StatusOnline) {
			t.Error("cancelled on-disconnect action still fired after clean logout")
		}
	})
}

func TestManager_SignInWithProvider(t *testing.T) {
	m, store, authSvc := newTestManager(t)
	ctx := context.Background()

	authSvc.External = func() (auth.Identity, error) {
		return auth.Identity{UID: "ext-1", Email: "carol@provider.example", DisplayName: "Carol"}, nil
	}

	if err := m.SignInWithProvider(ctx); err != nil {
		t.Fatalf("SignInWithProvider failed: %v", err)
	}

	v, _ := store.Read(ctx, "users/ext-1")
	var profile models.User
	if err := gateway.Decode(v, &profile); err != nil {
		t.Fatalf("expected lazily created profile: %v", err)
	}
	if profile.DisplayName != "Carol" || profile.DailyLimitMin != DefaultDailyLimitMin {
		t.Errorf("unexpected lazy profile: %+v", profile)
	}

	// Second sign-in must not reset an existing profile.
	if err := store.Write(ctx, "users/ext-1/dailyLimitMin", 60); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	m.Logout(ctx)
	if err := m.SignInWithProvider(ctx); err != nil {
		t.Fatalf("second SignInWithProvider failed: %v", err)
	}
	v, _ = store.Read(ctx, "users/ext-1/dailyLimitMin")
	var limit int
	if err := gateway.Decode(v, &limit); err != nil || limit != 60 {
		t.Errorf("expected limit 60 preserved, got %v", v)
	}
}

func TestManager_UpdateProfile(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.SignUp(ctx, "alice@example.com", "password123", "Alice"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	uid := m.UID()

	// Without a profile snapshot there is nothing to merge over.
	m2 := NewManager(auth.NewService(ctx, auth.Config{}), store)
	if err := m2.UpdateProfile(ctx, ProfileUpdate{}); err == nil {
		t.Error("expected error with no profile snapshot")
	}

	name := "Alice A."
	limit := 90
	if err := m.UpdateProfile(ctx, ProfileUpdate{DisplayName: &name, DailyLimitMin: &limit}); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}

	v, _ := store.Read(ctx, "users/"+uid)
	var profile models.User
	if err := gateway.Decode(v, &profile); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if profile.DisplayName != "Alice A." {
		t.Errorf("expected updated name, got %q", profile.DisplayName)
	}
	if profile.DailyLimitMin != 90 {
		t.Errorf("expected updated limit, got %d", profile.DailyLimitMin)
	}
	// Untouched fields survive the merge.
	if profile.Email != "alice@example.com" {
		t.Errorf("email lost in merge: %+v", profile)
	}

	badName := "<script>"
	if err := m.UpdateProfile(ctx, ProfileUpdate{DisplayName: &badName}); err == nil {
		t.Error("expected validation error for markup-only display name")
	}
}
