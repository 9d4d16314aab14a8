// Package auth is the identity provider: account creation, password and
// external-provider sign-in, the current-identity signal the rest of the
// client gates on, and bearer tokens for the HTTP layer.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	minPasswordLength  = 8
)

var (
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrNoExternalProvider = errors.New("no external provider configured")

	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Identity is the opaque authenticated-user record handed to consumers.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	AvatarURL   string
}

type account struct {
	UID          string
	Email        string
	DisplayName  string
	AvatarURL    string
	PasswordHash string
	External     bool
}

type Config struct {
	TokenExpiry time.Duration
}

func (c *Config) validate() {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
}

// Service keeps accounts and live bearer tokens in memory and publishes
// auth-state changes to registered listeners. One current session at a
// time, matching a single client process.
type Service struct {
	Config

	accounts   *geche.Locker[string, *account] // keyed by email
	emailByUID *geche.Locker[string, string]
	liveTokens geche.Geche[string, string]

	// External performs the provider-delegated sign-in when set.
	External func() (Identity, error)

	current   *Identity
	listeners map[int]func(*Identity)
	nextID    int
	mu        sync.Mutex
}

func NewService(ctx context.Context, config Config) *Service {
	config.validate()
	return &Service{
		Config:     config,
		accounts:   geche.NewLocker[string, *account](geche.NewMapCache[string, *account]()),
		emailByUID: geche.NewLocker[string, string](geche.NewMapCache[string, string]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		listeners:  make(map[int]func(*Identity)),
	}
}

// CreateAccount registers a new email/password account and signs it in.
func (s *Service) CreateAccount(email, password string) (Identity, error) {
	if !emailRegex.MatchString(email) {
		return Identity{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return Identity{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to hash password: %w", err)
	}

	tx := s.accounts.Lock()
	if _, err := tx.Get(email); err == nil {
		tx.Unlock()
		return Identity{}, ErrAccountExists
	}
	acc := &account{
		UID:          uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
	}
	tx.Set(email, acc)
	tx.Unlock()

	idx := s.emailByUID.Lock()
	idx.Set(acc.UID, email)
	idx.Unlock()

	id := identityOf(acc)
	s.setCurrent(&id)
	return id, nil
}

// SignIn authenticates an email/password account and makes it current.
func (s *Service) SignIn(email, password string) (Identity, error) {
	tx := s.accounts.Lock()
	acc, err := tx.Get(email)
	tx.Unlock()
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if acc.External {
		return Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	id := identityOf(acc)
	s.setCurrent(&id)
	return id, nil
}

// SignInExternal delegates to the configured provider hook and lazily
// creates an account record on first sign-in. Repeat sign-ins for the
// same email resolve to the stored account, so a hook that carries no
// UID still yields a stable identity.
func (s *Service) SignInExternal() (Identity, error) {
	if s.External == nil {
		return Identity{}, ErrNoExternalProvider
	}
	id, err := s.External()
	if err != nil {
		return Identity{}, fmt.Errorf("external sign-in failed: %w", err)
	}
	if id.UID == "" {
		id.UID = uuid.NewString()
	}

	tx := s.accounts.Lock()
	acc, err := tx.Get(id.Email)
	if err != nil {
		acc = &account{
			UID:         id.UID,
			Email:       id.Email,
			DisplayName: id.DisplayName,
			AvatarURL:   id.AvatarURL,
			External:    true,
		}
		tx.Set(id.Email, acc)
		idx := s.emailByUID.Lock()
		idx.Set(id.UID, id.Email)
		idx.Unlock()
	}
	tx.Unlock()

	id = identityOf(acc)
	s.setCurrent(&id)
	return id, nil
}

// SignOut clears the current identity and notifies listeners.
func (s *Service) SignOut() {
	s.setCurrent(nil)
}

// UpdateDisplayName changes the display name on the provider account.
func (s *Service) UpdateDisplayName(uid, name string) error {
	idx := s.emailByUID.Lock()
	email, err := idx.Get(uid)
	idx.Unlock()
	if err != nil {
		return fmt.Errorf("unknown account %s", uid)
	}

	tx := s.accounts.Lock()
	acc, err := tx.Get(email)
	if err != nil {
		tx.Unlock()
		return fmt.Errorf("unknown account %s", uid)
	}
	acc.DisplayName = name
	tx.Unlock()

	s.mu.Lock()
	if s.current != nil && s.current.UID == uid {
		s.current.DisplayName = name
	}
	s.mu.Unlock()
	return nil
}

// CurrentIdentity returns the signed-in identity, or nil.
func (s *Service) CurrentIdentity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	id := *s.current
	return &id
}

// SubscribeAuthState registers fn for auth-state changes. It fires
// immediately with the current state and on every sign-in and sign-out
// until the returned function is called.
func (s *Service) SubscribeAuthState(fn func(*Identity)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	var current *Identity
	if s.current != nil {
		c := *s.current
		current = &c
	}
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// IssueToken mints a bearer token for uid, valid for the configured expiry.
func (s *Service) IssueToken(uid string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.StdEncoding.EncodeToString(b)
	s.liveTokens.Set(token, uid)
	return token, nil
}

// UserIDForToken resolves a live bearer token to its user id.
func (s *Service) UserIDForToken(token string) (string, error) {
	return s.liveTokens.Get(token)
}

func (s *Service) RevokeToken(token string) error {
	return s.liveTokens.Del(token)
}

func (s *Service) setCurrent(id *Identity) {
	s.mu.Lock()
	s.current = id
	fns := make([]func(*Identity), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if id != nil {
		slog.Debug("auth state changed", "uid", id.UID)
	} else {
		slog.Debug("auth state changed", "uid", "")
	}

	for _, fn := range fns {
		var copied *Identity
		if id != nil {
			c := *id
			copied = &c
		}
		fn(copied)
	}
}

func identityOf(acc *account) Identity {
	return Identity{
		UID:         acc.UID,
		Email:       acc.Email,
		DisplayName: acc.DisplayName,
		AvatarURL:   acc.AvatarURL,
	}
}
