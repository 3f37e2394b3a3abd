package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPAuthService talks to the external authentication service.
type HTTPAuthService struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAuthService creates an auth client for the given base URL.
func NewHTTPAuthService(baseURL string) *HTTPAuthService {
	return &HTTPAuthService{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

var _ AuthService = (*HTTPAuthService)(nil)

// BeginLogin drives the remote authentication flow and blocks until it
// resolves. The service holds the request open while the user approves.
func (s *HTTPAuthService) BeginLogin(ctx context.Context) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/login", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var result struct {
		Principal  string `json:"principal"`
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	if result.Principal == "" || result.Credential == "" {
		return nil, fmt.Errorf("auth service returned incomplete identity")
	}

	return NewIdentity(result.Principal, result.Credential), nil
}

// IsAuthenticated checks the identity against the auth service.
func (s *HTTPAuthService) IsAuthenticated(ctx context.Context, id *Identity) (bool, error) {
	if id == nil {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/session", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+id.Credential())

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		return false, nil
	default:
		return false, fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}
}

// Logout invalidates the remote session.
func (s *HTTPAuthService) Logout(ctx context.Context, id *Identity) error {
	if id == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/logout", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+id.Credential())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}
	return nil
}

// HTTPProfileService talks to the remote profile registry.
type HTTPProfileService struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProfileService creates a profile client for the given base URL.
func NewHTTPProfileService(baseURL string) *HTTPProfileService {
	return &HTTPProfileService{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

var _ ProfileService = (*HTTPProfileService)(nil)

// GetProfile fetches the user record for the identity.
func (s *HTTPProfileService) GetProfile(ctx context.Context, id *Identity) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/profiles/"+id.Principal, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+id.Credential())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrProfileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile service returned status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &profile, nil
}

// UpsertProfile creates or updates the user record. Called after
// provisioning registers a receiving address.
func (s *HTTPProfileService) UpsertProfile(ctx context.Context, id *Identity, profile *Profile) error {
	body, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/profiles/"+id.Principal, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+id.Credential())
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("profile service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("profile service returned status %d", resp.StatusCode)
	}
	return nil
}
