// Package router picks the single best eligible credential for an
// outgoing AI request. Selection is a pure computation over a snapshot
// of quota and health state, recomputed on every call; admission control
// stays with the usage ledger's Reserve.
package router

import (
	"errors"

	"keypool/internal/config"
	"keypool/internal/model"
)

// ErrNoEligibleKey means every matching credential is inactive or out of
// quota. Callers must treat this as "no capacity", not a transient
// fault; the router never retries it.
var ErrNoEligibleKey = errors.New("no eligible credential")

// CredentialSource yields active credentials, optionally scoped to one
// provider.
type CredentialSource interface {
	ActiveCredentials(provider string) ([]model.Credential, error)
}

// QuotaSource reports a credential's counter state.
type QuotaSource interface {
	Remaining(cred *model.Credential, modelName string) (used, quota int)
}

// HealthSource reports a credential's health inputs to the score.
type HealthSource interface {
	Score(credID uint) float64
	AvgLatency(credID uint) float64
}

// Selector routes requests to credentials.
type Selector struct {
	creds  CredentialSource
	quota  QuotaSource
	health HealthSource
	cfg    *config.Config
}

// NewSelector creates a Selector over the given state sources.
func NewSelector(creds CredentialSource, quota QuotaSource, health HealthSource, cfg *config.Config) *Selector {
	return &Selector{creds: creds, quota: quota, health: health, cfg: cfg}
}

// Score is the selection formula: health dominates, keys nearing
// exhaustion are pushed down so load spreads, and slow keys pay a small
// latency penalty. The dashboard's best-key recommendation calls this
// same function; there is no second copy of the formula.
func Score(health float64, used, quota int, avgLatencyMs float64) float64 {
	s := health - avgLatencyMs/100
	if quota > 0 {
		s -= float64(used) / float64(quota) * 20
	}
	return s
}

// SelectBest returns the best eligible credential for the provider (or
// any provider when empty) and model (or umbrella-only when empty).
// It does not reserve quota; the caller must Reserve after the provider
// call attempt and reselect once if that reservation loses a race.
func (s *Selector) SelectBest(provider, modelName string) (*model.Credential, error) {
	creds, err := s.creds.ActiveCredentials(provider)
	if err != nil {
		return nil, err
	}

	var best *model.Credential
	var bestScore, bestLatency float64

	for i := range creds {
		cred := &creds[i]

		spec := s.cfg.Provider(cred.Provider)
		if spec == nil {
			continue
		}
		if modelName != "" && !spec.HasModel(modelName) {
			continue
		}

		// Both gates must have headroom: the umbrella counter and, for
		// model-scoped requests, the model counter independently.
		used, quota := s.quota.Remaining(cred, "")
		if used >= quota {
			continue
		}
		if modelName != "" {
			mUsed, mQuota := s.quota.Remaining(cred, modelName)
			if mUsed >= mQuota {
				continue
			}
		}

		healthScore := s.health.Score(cred.ID)
		latency := s.health.AvgLatency(cred.ID)
		score := Score(healthScore, used, quota, latency)

		if best == nil || better(score, latency, cred, bestScore, bestLatency, best) {
			best = cred
			bestScore = score
			bestLatency = latency
		}
	}

	if best == nil {
		return nil, ErrNoEligibleKey
	}
	return best, nil
}

// better implements the deterministic ordering: highest score, then
// lowest average latency, then oldest credential.
func better(score, latency float64, cred *model.Credential, bestScore, bestLatency float64, best *model.Credential) bool {
	if score != bestScore {
		return score > bestScore
	}
	if latency != bestLatency {
		return latency < bestLatency
	}
	return cred.CreatedAt.Before(best.CreatedAt)
}
