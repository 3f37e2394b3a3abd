package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sendguard/sendguard/internal/session"
)

// HTTPDeriver derives addresses from the remote threshold-signing service.
type HTTPDeriver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDeriver creates a deriver client for the given base URL.
func NewHTTPDeriver(baseURL string) *HTTPDeriver {
	return &HTTPDeriver{
		baseURL: baseURL,
		client: &http.Client{
			// Threshold key derivation is slow on first call.
			Timeout: 60 * time.Second,
		},
	}
}

var _ Deriver = (*HTTPDeriver)(nil)

// DeriveAddress asks the signing service for the principal's receiving
// address. Derivation is deterministic per principal.
func (d *HTTPDeriver) DeriveAddress(ctx context.Context, id *session.Identity) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/derive", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+id.Credential())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("derivation service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("derivation service returned status %d", resp.StatusCode)
	}

	var result struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode derivation response: %w", err)
	}
	if result.Address == "" {
		return "", fmt.Errorf("derivation service returned empty address")
	}
	return result.Address, nil
}

// HTTPRegistry registers addresses on the remote profile registry.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRegistry creates a registry client for the given base URL.
func NewHTTPRegistry(baseURL string) *HTTPRegistry {
	return &HTTPRegistry{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

var _ Registry = (*HTTPRegistry)(nil)

// RegisterAddress records the derived address on the principal's profile
// and returns the updated profile.
func (r *HTTPRegistry) RegisterAddress(ctx context.Context, id *session.Identity, address string) (*session.Profile, error) {
	body, err := json.Marshal(map[string]string{"address": address})
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/profiles/"+id.Principal+"/address", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+id.Credential())
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var profile session.Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode registration response: %w", err)
	}
	return &profile, nil
}
