package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"keypool/internal/config"
	"keypool/internal/model"
)

// ErrInvalidKey means the provider rejected the credential outright.
// Not retryable; surfaced to the user who added the key.
var ErrInvalidKey = errors.New("provider rejected credential")

// ErrProviderUnreachable means the validation or probe request could not
// complete against the provider. Transient; retryable.
var ErrProviderUnreachable = errors.New("provider unreachable")

// HTTPClient defines the interface for making HTTP requests.
// This allows for mocking in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober issues synthetic requests against providers to validate
// credentials and to test live keys out-of-band. Probes never consume
// quota counters.
type Prober struct {
	monitor *Monitor
	client  HTTPClient
	timeout time.Duration
}

// NewProber creates a Prober bound to the monitor. A nil client falls
// back to a default http.Client.
func NewProber(monitor *Monitor, client HTTPClient, cfg config.HealthConfig) *Prober {
	timeout := time.Duration(cfg.ProbeTimeoutSec) * time.Second
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Prober{monitor: monitor, client: client, timeout: timeout}
}

// Validate performs the lightweight live check used before persisting a
// new credential: one model-listing request with the candidate secret.
// Returns the observed latency in milliseconds.
func (p *Prober) Validate(ctx context.Context, secret string, spec *config.ProviderSpec) (int64, error) {
	return p.request(ctx, secret, spec)
}

// Probe tests one live credential and folds the result into its health
// exactly like a real call outcome. Each probe is bounded by its own
// timeout; an expired probe is recorded as a failure.
func (p *Prober) Probe(ctx context.Context, cred *model.Credential, spec *config.ProviderSpec) (int64, error) {
	latency, err := p.request(ctx, cred.Secret, spec)

	p.monitor.mu.Lock()
	rec := p.monitor.recordLocked(cred.ID)
	p.monitor.applyLocked(rec, err == nil, latency)
	rec.lastTestedAt = p.monitor.now()
	snapshot := *rec
	p.monitor.mu.Unlock()

	p.monitor.persist(cred.ID, &snapshot)
	p.monitor.appendLog(cred, "", err == nil, latency, true)

	return latency, err
}

// request issues one GET against the provider's model-listing endpoint
// and classifies the outcome.
func (p *Prober) request(ctx context.Context, secret string, spec *config.ProviderSpec) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := strings.TrimSuffix(spec.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create probe request: %w", err)
	}
	setAuthHeader(req, secret, spec)

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return latency, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return latency, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return latency, fmt.Errorf("%w: status %d", ErrInvalidKey, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return latency, fmt.Errorf("%w: status %d: %s", ErrProviderUnreachable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// setAuthHeader attaches the secret in the provider's expected place.
func setAuthHeader(req *http.Request, secret string, spec *config.ProviderSpec) {
	switch spec.AuthScheme {
	case "x-api-key":
		req.Header.Set("x-api-key", secret)
	case "query":
		q := req.URL.Query()
		q.Set("key", secret)
		req.URL.RawQuery = q.Encode()
	default:
		req.Header.Set("Authorization", "Bearer "+secret)
	}
}
