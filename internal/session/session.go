// Package session owns the authenticated identity for the wallet.
//
// Exactly one session is live at a time. Login drives the external
// authentication flow, rebinds every remote-call channel to the new identity
// before the session becomes visible, then fetches the user profile. Logout
// invalidates the remote session and signals dependents to discard any
// workflow state that assumed the old identity.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNotAuthenticated = errors.New("session: not authenticated")
	ErrLoginFailed      = errors.New("session: login failed")
	ErrProfileNotFound  = errors.New("session: profile not found")
)

// Identity is the opaque credential handle for an authenticated user.
// The credential itself never leaves this package in serialized form.
type Identity struct {
	Principal  string // Stable public identifier, key for derivation/registration
	credential string // Opaque bearer credential for remote calls
}

// NewIdentity builds an identity from a principal and its credential.
func NewIdentity(principal, credential string) *Identity {
	return &Identity{Principal: principal, credential: credential}
}

// Credential returns the opaque credential for attaching to remote calls.
func (id *Identity) Credential() string {
	if id == nil {
		return ""
	}
	return id.credential
}

// Profile is the user record held by the remote profile service.
type Profile struct {
	PrincipalID       string    `json:"principalId"`
	RegisteredAddress string    `json:"registeredAddress,omitempty"`
	DisplayName       string    `json:"displayName,omitempty"`
	CreatedAt         time.Time `json:"createdAt,omitempty"`
}

// Session is the live authenticated state. Owned exclusively by the Manager;
// other components read snapshots and never mutate them.
type Session struct {
	Identity  *Identity `json:"-"`
	Principal string    `json:"principal"`
	Profile   *Profile  `json:"profile,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthService is the external authentication collaborator.
type AuthService interface {
	// BeginLogin drives the external authentication flow and blocks until
	// it resolves. On success it returns the new identity.
	BeginLogin(ctx context.Context) (*Identity, error)
	// IsAuthenticated reports whether the identity is still valid remotely.
	IsAuthenticated(ctx context.Context, id *Identity) (bool, error)
	// Logout invalidates the remote authentication session.
	Logout(ctx context.Context, id *Identity) error
}

// ProfileService fetches the user record for an identity.
// Returns ErrProfileNotFound for first-time users.
type ProfileService interface {
	GetProfile(ctx context.Context, id *Identity) (*Profile, error)
}

// Binder is implemented by remote-call clients whose requests must be
// attributed to the current identity. Rebinding happens atomically with the
// session update: there is no window where a stale identity is used after
// Login returns.
type Binder interface {
	BindIdentity(id *Identity)
}

// Manager owns login/logout transitions and the current session.
type Manager struct {
	auth     AuthService
	profiles ProfileService
	logger   *slog.Logger

	mu      sync.RWMutex
	current *Session
	binders []Binder
	hooks   []func()
}

// NewManager creates a session manager.
func NewManager(auth AuthService, profiles ProfileService, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{auth: auth, profiles: profiles, logger: logger}
}

// RegisterBinder registers a remote-call client for identity attribution.
// Must be called during wiring, before the first Login.
func (m *Manager) RegisterBinder(b Binder) {
	m.mu.Lock()
	m.binders = append(m.binders, b)
	m.mu.Unlock()
}

// OnInvalidate registers a hook fired after logout (or credential
// revocation) clears the session. Dependents use it to discard in-flight
// workflow state tied to the old identity.
func (m *Manager) OnInvalidate(fn func()) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Login runs the external authentication flow. On success the new session
// fully supersedes any prior one before Login returns: binders are rebound
// and the session swapped under one lock. The profile fetch happens after
// the swap; a missing profile leaves the session authenticated without one
// (first-time users are provisioned later).
func (m *Manager) Login(ctx context.Context) (*Session, error) {
	id, err := m.auth.BeginLogin(ctx)
	if err != nil {
		return nil, errors.Join(ErrLoginFailed, err)
	}

	sess := &Session{
		Identity:  id,
		Principal: id.Principal,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	for _, b := range m.binders {
		b.BindIdentity(id)
	}
	m.current = sess
	m.mu.Unlock()

	m.logger.Info("session established", "principal", id.Principal)

	profile, err := m.profiles.GetProfile(ctx, id)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		// First login; the profile is created during provisioning.
	case err != nil:
		m.logger.Warn("profile fetch failed", "principal", id.Principal, "error", err)
	default:
		m.attachProfile(id, profile)
	}

	return m.snapshot(), nil
}

// attachProfile sets the profile only if the session still belongs to id.
func (m *Manager) attachProfile(id *Identity, profile *Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Identity == id {
		m.current.Profile = profile
	}
}

// Logout invalidates the remote session, clears local state, unbinds remote
// channels, and fires invalidation hooks.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	for _, b := range m.binders {
		b.BindIdentity(nil)
	}
	hooks := make([]func(), len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	if sess == nil {
		return ErrNotAuthenticated
	}

	if err := m.auth.Logout(ctx, sess.Identity); err != nil {
		// Local state is already cleared; the remote session will expire on
		// its own. Report but do not resurrect the session.
		m.logger.Warn("remote logout failed", "principal", sess.Principal, "error", err)
	}

	for _, fn := range hooks {
		fn()
	}

	m.logger.Info("session cleared", "principal", sess.Principal)
	return nil
}

// Current returns a snapshot of the live session, or false when
// unauthenticated. Never blocks on remote calls.
func (m *Manager) Current() (*Session, bool) {
	s := m.snapshot()
	return s, s != nil
}

func (m *Manager) snapshot() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	if m.current.Profile != nil {
		p := *m.current.Profile
		cp.Profile = &p
	}
	return &cp
}

// SetProfile replaces the profile on the current session if it belongs to
// principal. Used after provisioning registers a receiving address.
func (m *Manager) SetProfile(principal string, profile *Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Principal == principal {
		m.current.Profile = profile
	}
}
