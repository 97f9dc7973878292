// Package credstore owns credential identity and activation state.
// Usage counters and health belong to their own components; the store
// only merges their read views for display.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"keypool/internal/config"
	"keypool/internal/db"
	"keypool/internal/health"
	"keypool/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrCredentialNotFound is returned for operations on an unknown
// credential ID.
var ErrCredentialNotFound = errors.New("credential not found")

// ErrUnknownProvider is returned when adding a key for a provider that
// is not in the catalog.
var ErrUnknownProvider = errors.New("unknown provider")

// Validator performs a live check of a candidate secret before it is
// persisted.
type Validator interface {
	Validate(ctx context.Context, secret string, spec *config.ProviderSpec) (int64, error)
}

// UsageView is the slice of the usage ledger the store needs for
// display.
type UsageView interface {
	Remaining(cred *model.Credential, modelName string) (used, quota int)
	Breakdown(cred *model.Credential) []model.ModelUsageBreakdown
}

// HealthView is the slice of the health monitor the store needs for
// display and seeding.
type HealthView interface {
	Snapshot(credID uint) health.View
	Seed(credID uint)
}

// Store manages the credential pool.
type Store struct {
	db        db.Service
	cfg       *config.Config
	validator Validator
	usage     UsageView
	health    HealthView
	logger    *slog.Logger
}

// NewStore creates a credential store.
func NewStore(dbService db.Service, cfg *config.Config, validator Validator, usage UsageView, healthView HealthView, log *slog.Logger) *Store {
	return &Store{
		db:        dbService,
		cfg:       cfg,
		validator: validator,
		usage:     usage,
		health:    healthView,
		logger:    log.With("component", "credstore"),
	}
}

// Add registers a new credential. Unless skipValidation is set, the
// secret is live-checked against the provider first; skipValidation
// exists so an operator can force-add a key that is valid but currently
// exhausted upstream, where the validation probe would reject it.
func (s *Store) Add(ctx context.Context, provider, secret, nickname, owner string, skipValidation bool) (*model.CredentialView, error) {
	spec := s.cfg.Provider(provider)
	if spec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	if !skipValidation {
		if _, err := s.validator.Validate(ctx, secret, spec); err != nil {
			s.logger.Warn("Credential validation failed", "provider", spec.Name, "error", err)
			return nil, err
		}
	}

	cred := &model.Credential{
		PublicID: uuid.NewString(),
		Provider: spec.Name,
		OwnerID:  owner,
		Nickname: nickname,
		Secret:   secret,
		Active:   true,
	}
	if err := s.db.CreateCredential(cred); err != nil {
		return nil, err
	}

	// Fresh keys start at full health with zero usage.
	s.health.Seed(cred.ID)

	s.logger.Info("Credential added",
		"provider", spec.Name,
		"credential_id", cred.PublicID,
		"key_suffix", cred.SecretSuffix(),
		"validated", !skipValidation,
	)
	return s.view(cred), nil
}

// Deactivate soft-deletes a credential: it is excluded from selection
// but retained with its usage and health history. This is a one-way
// transition; Reactivate is a separate administrative operation, never
// an implicit toggle.
func (s *Store) Deactivate(publicID string) error {
	return s.setActive(publicID, false)
}

// Reactivate returns a previously deactivated credential to the pool.
func (s *Store) Reactivate(publicID string) error {
	return s.setActive(publicID, true)
}

func (s *Store) setActive(publicID string, active bool) error {
	err := s.db.SetCredentialActive(publicID, active)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, publicID)
	}
	if err != nil {
		return err
	}
	s.logger.Info("Credential activation changed", "credential_id", publicID, "active", active)
	return nil
}

// Get returns the raw credential for an ID. Used by the API layer to
// resolve probe and report targets.
func (s *Store) Get(publicID string) (*model.Credential, error) {
	cred, err := s.db.GetCredentialByPublicID(publicID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, publicID)
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// List returns display views for an owner's credentials (all owners when
// empty), with merged usage and health and the secret masked.
func (s *Store) List(owner string) ([]model.CredentialView, error) {
	creds, err := s.db.ListCredentials(owner)
	if err != nil {
		return nil, err
	}

	views := make([]model.CredentialView, 0, len(creds))
	for i := range creds {
		views = append(views, *s.view(&creds[i]))
	}
	return views, nil
}

// ActiveCredentials exposes the router's candidate set.
func (s *Store) ActiveCredentials(provider string) ([]model.Credential, error) {
	return s.db.ListActiveCredentials(provider)
}

func (s *Store) view(cred *model.Credential) *model.CredentialView {
	used, quota := s.usage.Remaining(cred, "")
	h := s.health.Snapshot(cred.ID)
	return &model.CredentialView{
		PublicID:     cred.PublicID,
		Provider:     cred.Provider,
		OwnerID:      cred.OwnerID,
		Nickname:     cred.Nickname,
		SecretSuffix: cred.SecretSuffix(),
		Active:       cred.Active,
		CreatedAt:    cred.CreatedAt,
		UsedToday:    used,
		DailyQuota:   quota,
		HealthScore:  h.Score,
		HealthStatus: h.LastStatus,
		AvgLatencyMs: h.AvgLatencyMs,
		Models:       s.usage.Breakdown(cred),
	}
}
