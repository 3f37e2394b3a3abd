package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sendguard/sendguard/internal/session"
)

type mockDeriver struct {
	address string
	err     error
	calls   atomic.Int64
	// gate, when set, blocks derivation until released. Used to pile up
	// concurrent callers.
	gate chan struct{}
}

func (m *mockDeriver) DeriveAddress(ctx context.Context, id *session.Identity) (string, error) {
	m.calls.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	if m.err != nil {
		return "", m.err
	}
	return m.address, nil
}

type mockRegistry struct {
	err   error
	calls atomic.Int64
}

func (m *mockRegistry) RegisterAddress(ctx context.Context, id *session.Identity, address string) (*session.Profile, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &session.Profile{PrincipalID: id.Principal, RegisteredAddress: address}, nil
}

type stubAuth struct{ id *session.Identity }

func (s *stubAuth) BeginLogin(ctx context.Context) (*session.Identity, error) { return s.id, nil }
func (s *stubAuth) IsAuthenticated(ctx context.Context, id *session.Identity) (bool, error) {
	return true, nil
}
func (s *stubAuth) Logout(ctx context.Context, id *session.Identity) error { return nil }

type stubProfiles struct{ profile *session.Profile }

func (s *stubProfiles) GetProfile(ctx context.Context, id *session.Identity) (*session.Profile, error) {
	if s.profile == nil {
		return nil, session.ErrProfileNotFound
	}
	return s.profile, nil
}

func loggedInManager(t *testing.T, profile *session.Profile) *session.Manager {
	t.Helper()
	id := session.NewIdentity("principal-1", "cred-1")
	mgr := session.NewManager(&stubAuth{id: id}, &stubProfiles{profile: profile}, nil)
	if _, err := mgr.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	return mgr
}

func TestEnsureRequiresSession(t *testing.T) {
	mgr := session.NewManager(&stubAuth{}, &stubProfiles{}, nil)
	p := New(&mockDeriver{}, &mockRegistry{}, mgr)

	if _, err := p.EnsureReceivingAddress(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestEnsureShortCircuitsOnRegisteredProfile(t *testing.T) {
	mgr := loggedInManager(t, &session.Profile{
		PrincipalID:       "principal-1",
		RegisteredAddress: "bc1qregistered",
	})
	deriver := &mockDeriver{address: "bc1qshouldnotderive"}
	p := New(deriver, &mockRegistry{}, mgr)

	addr, err := p.EnsureReceivingAddress(context.Background())
	if err != nil {
		t.Fatalf("EnsureReceivingAddress failed: %v", err)
	}
	if addr != "bc1qregistered" {
		t.Errorf("expected registered address, got %s", addr)
	}
	if deriver.calls.Load() != 0 {
		t.Errorf("expected no derivation for registered profile, got %d calls", deriver.calls.Load())
	}
}

func TestEnsureProvisionsAndReportsProgress(t *testing.T) {
	mgr := loggedInManager(t, nil)
	deriver := &mockDeriver{address: "bc1qnew"}
	registry := &mockRegistry{}

	var mu sync.Mutex
	var steps []string
	p := New(deriver, registry, mgr, WithProgress(func(principal, step string) {
		mu.Lock()
		steps = append(steps, step)
		mu.Unlock()
	}))

	addr, err := p.EnsureReceivingAddress(context.Background())
	if err != nil {
		t.Fatalf("EnsureReceivingAddress failed: %v", err)
	}
	if addr != "bc1qnew" {
		t.Errorf("expected bc1qnew, got %s", addr)
	}

	want := []string{StepDeriving, StepRegistering, StepReady}
	mu.Lock()
	defer mu.Unlock()
	if len(steps) != len(want) {
		t.Fatalf("expected steps %v, got %v", want, steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], steps[i])
		}
	}

	// Provisioning attached the updated profile to the session.
	sess, _ := mgr.Current()
	if sess.Profile == nil || sess.Profile.RegisteredAddress != "bc1qnew" {
		t.Errorf("expected profile updated with new address, got %+v", sess.Profile)
	}
}

func TestEnsureIdempotent(t *testing.T) {
	mgr := loggedInManager(t, nil)
	deriver := &mockDeriver{address: "bc1qnew"}
	registry := &mockRegistry{}
	p := New(deriver, registry, mgr)

	for range 3 {
		addr, err := p.EnsureReceivingAddress(context.Background())
		if err != nil {
			t.Fatalf("EnsureReceivingAddress failed: %v", err)
		}
		if addr != "bc1qnew" {
			t.Errorf("expected bc1qnew, got %s", addr)
		}
	}

	if got := deriver.calls.Load(); got != 1 {
		t.Errorf("expected 1 derivation, got %d", got)
	}
	if got := registry.calls.Load(); got != 1 {
		t.Errorf("expected 1 registration, got %d", got)
	}
}

func TestConcurrentCallsCoalesce(t *testing.T) {
	mgr := loggedInManager(t, nil)
	deriver := &mockDeriver{address: "bc1qnew", gate: make(chan struct{})}
	registry := &mockRegistry{}
	p := New(deriver, registry, mgr)

	const callers = 8
	results := make(chan string, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := p.EnsureReceivingAddress(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- addr
		}()
	}

	close(deriver.gate)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
	count := 0
	for addr := range results {
		count++
		if addr != "bc1qnew" {
			t.Errorf("expected bc1qnew, got %s", addr)
		}
	}
	if count != callers {
		t.Fatalf("expected %d results, got %d", callers, count)
	}
	if got := deriver.calls.Load(); got != 1 {
		t.Errorf("expected a single coalesced derivation, got %d", got)
	}
}

func TestDeriveFailureSurfacesError(t *testing.T) {
	mgr := loggedInManager(t, nil)
	deriver := &mockDeriver{err: fmt.Errorf("signer offline")}
	p := New(deriver, &mockRegistry{}, mgr)

	if _, err := p.EnsureReceivingAddress(context.Background()); !errors.Is(err, ErrDeriveFailed) {
		t.Fatalf("expected ErrDeriveFailed, got %v", err)
	}

	// A later call retries from scratch.
	deriver.err = nil
	deriver.address = "bc1qrecovered"
	addr, err := p.EnsureReceivingAddress(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if addr != "bc1qrecovered" {
		t.Errorf("expected bc1qrecovered, got %s", addr)
	}
}

func TestRegisterFailureSurfacesError(t *testing.T) {
	mgr := loggedInManager(t, nil)
	registry := &mockRegistry{err: fmt.Errorf("registry down")}
	p := New(&mockDeriver{address: "bc1qnew"}, registry, mgr)

	if _, err := p.EnsureReceivingAddress(context.Background()); !errors.Is(err, ErrRegisterFailed) {
		t.Fatalf("expected ErrRegisterFailed, got %v", err)
	}
}

func TestCacheClearedOnLogout(t *testing.T) {
	mgr := loggedInManager(t, nil)
	deriver := &mockDeriver{address: "bc1qnew"}
	p := New(deriver, &mockRegistry{}, mgr)

	if _, err := p.EnsureReceivingAddress(context.Background()); err != nil {
		t.Fatalf("EnsureReceivingAddress failed: %v", err)
	}
	if err := mgr.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := mgr.Login(context.Background()); err != nil {
		t.Fatalf("relogin failed: %v", err)
	}

	if _, err := p.EnsureReceivingAddress(context.Background()); err != nil {
		t.Fatalf("EnsureReceivingAddress after relogin failed: %v", err)
	}
	if got := deriver.calls.Load(); got != 2 {
		t.Errorf("expected fresh derivation after logout, got %d calls", got)
	}
}
