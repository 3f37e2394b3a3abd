// Package provisioning establishes the per-principal receiving address.
//
// Provisioning is idempotent: if the profile already carries a registered
// address it is returned as-is, otherwise the address is derived by the
// remote signer and registered on the profile. Concurrent requests for the
// same principal coalesce into a single derivation.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sendguard/sendguard/internal/metrics"
	"github.com/sendguard/sendguard/internal/session"
)

var (
	ErrNotAuthenticated = errors.New("provisioning: not authenticated")
	ErrDeriveFailed     = errors.New("provisioning: address derivation failed")
	ErrRegisterFailed   = errors.New("provisioning: address registration failed")
)

// Step names reported through ProgressFunc, in order.
const (
	StepDeriving    = "deriving_address"
	StepRegistering = "registering_address"
	StepReady       = "ready"
)

// ProgressFunc receives step transitions during a provisioning run.
// Callers use it to surface intermediate state; it must not block.
type ProgressFunc func(principal, step string)

// Deriver derives the receiving address for a principal from the remote
// signing service. Derivation for a given principal is deterministic.
type Deriver interface {
	DeriveAddress(ctx context.Context, id *session.Identity) (string, error)
}

// Registry persists the derived address on the principal's profile.
type Registry interface {
	RegisterAddress(ctx context.Context, id *session.Identity, address string) (*session.Profile, error)
}

// Provisioner coordinates address derivation and registration.
type Provisioner struct {
	deriver  Deriver
	registry Registry
	sessions *session.Manager
	logger   *slog.Logger
	progress ProgressFunc

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]string // principal -> registered address
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Provisioner) { p.progress = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) { p.logger = logger }
}

// New creates a provisioner.
func New(deriver Deriver, registry Registry, sessions *session.Manager, opts ...Option) *Provisioner {
	p := &Provisioner{
		deriver:  deriver,
		registry: registry,
		sessions: sessions,
		logger:   slog.Default(),
		cache:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if sessions != nil {
		sessions.OnInvalidate(p.reset)
	}
	return p
}

// EnsureReceivingAddress returns the principal's registered receiving
// address, provisioning one if none exists. Safe to call repeatedly and
// concurrently; at most one derivation runs per principal at a time and
// every waiter observes its result.
func (p *Provisioner) EnsureReceivingAddress(ctx context.Context) (string, error) {
	sess, ok := p.sessions.Current()
	if !ok {
		return "", ErrNotAuthenticated
	}

	// Fast path: already registered on the profile or provisioned earlier
	// in this session.
	if sess.Profile != nil && sess.Profile.RegisteredAddress != "" {
		return sess.Profile.RegisteredAddress, nil
	}
	p.mu.RLock()
	cached, hit := p.cache[sess.Principal]
	p.mu.RUnlock()
	if hit {
		return cached, nil
	}

	v, err, _ := p.group.Do(sess.Principal, func() (interface{}, error) {
		return p.provision(ctx, sess.Identity, sess.Principal)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Provisioner) provision(ctx context.Context, id *session.Identity, principal string) (string, error) {
	// Re-check under the flight: a concurrent call may have finished while
	// this one was queued.
	p.mu.RLock()
	cached, hit := p.cache[principal]
	p.mu.RUnlock()
	if hit {
		return cached, nil
	}

	p.report(principal, StepDeriving)
	address, err := p.deriver.DeriveAddress(ctx, id)
	if err != nil {
		metrics.ProvisioningTotal.WithLabelValues("derive_error").Inc()
		return "", fmt.Errorf("%w: %v", ErrDeriveFailed, err)
	}

	p.report(principal, StepRegistering)
	profile, err := p.registry.RegisterAddress(ctx, id, address)
	if err != nil {
		metrics.ProvisioningTotal.WithLabelValues("register_error").Inc()
		return "", fmt.Errorf("%w: %v", ErrRegisterFailed, err)
	}

	p.mu.Lock()
	p.cache[principal] = address
	p.mu.Unlock()
	p.sessions.SetProfile(principal, profile)

	p.report(principal, StepReady)
	metrics.ProvisioningTotal.WithLabelValues("provisioned").Inc()
	p.logger.Info("receiving address provisioned", "principal", principal, "address", address)
	return address, nil
}

func (p *Provisioner) report(principal, step string) {
	if p.progress != nil {
		p.progress(principal, step)
	}
}

// reset drops the session-scoped cache. Wired to session invalidation.
func (p *Provisioner) reset() {
	p.mu.Lock()
	p.cache = make(map[string]string)
	p.mu.Unlock()
}
