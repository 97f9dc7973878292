// Package dashboard builds the read-only reporting projection over the
// credential store, usage ledger and health monitor. It performs no
// writes and degrades field-by-field when a sub-query fails.
package dashboard

import (
	"log/slog"
	"sort"
	"time"

	"keypool/internal/config"
	"keypool/internal/model"
	"keypool/internal/router"
)

// Quota status thresholds over pool usage percent.
const (
	warningPercent  = 70
	criticalPercent = 90
)

// CredentialSource yields the active pool.
type CredentialSource interface {
	ActiveCredentials(provider string) ([]model.Credential, error)
}

// QuotaSource reports counters and the reset boundary.
type QuotaSource interface {
	Remaining(cred *model.Credential, modelName string) (used, quota int)
	NextReset(t time.Time) time.Duration
}

// HealthSource reports health inputs.
type HealthSource interface {
	Score(credID uint) float64
	AvgLatency(credID uint) float64
}

// Aggregator composes the dashboard snapshot.
type Aggregator struct {
	creds  CredentialSource
	quota  QuotaSource
	health HealthSource
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an Aggregator.
func NewAggregator(creds CredentialSource, quota QuotaSource, health HealthSource, cfg *config.Config, log *slog.Logger) *Aggregator {
	return &Aggregator{
		creds:  creds,
		quota:  quota,
		health: health,
		cfg:    cfg,
		logger: log.With("component", "dashboard"),
		now:    time.Now,
	}
}

// Snapshot rolls the pool into provider-level and pool-level summaries
// plus a best-key recommendation. A failing sub-query adds a warning and
// leaves its fields zero; the rest of the snapshot still renders.
func (a *Aggregator) Snapshot() *model.DashboardSnapshot {
	snap := &model.DashboardSnapshot{}
	now := a.now()

	snap.Pool.NextDailyResetHours = a.quota.NextReset(now).Hours()

	creds, err := a.creds.ActiveCredentials("")
	if err != nil {
		a.logger.Warn("Dashboard credential query failed", "error", err)
		snap.Warnings = append(snap.Warnings, "credential pool unavailable")
		snap.Pool.QuotaStatus = quotaStatus(0)
		return snap
	}

	type rollup struct {
		keys     int
		used     int
		capacity int
		health   float64
	}
	byProvider := make(map[string]*rollup)

	var best *model.BestKey
	for i := range creds {
		cred := &creds[i]
		used, quota := a.quota.Remaining(cred, "")
		healthScore := a.health.Score(cred.ID)
		latency := a.health.AvgLatency(cred.ID)

		r := byProvider[cred.Provider]
		if r == nil {
			r = &rollup{}
			byProvider[cred.Provider] = r
		}
		r.keys++
		r.used += used
		r.capacity += quota
		r.health += healthScore

		snap.Pool.UsedToday += used
		snap.Pool.TotalDailyCapacity += quota

		// Same formula and tie-breaks as the router, applied across all
		// providers: this is a read-only echo of SelectBest.
		if used < quota {
			score := router.Score(healthScore, used, quota, latency)
			if best == nil || score > best.Score ||
				(score == best.Score && latency < best.AvgLatencyMs) {
				best = &model.BestKey{
					PublicID:     cred.PublicID,
					Provider:     cred.Provider,
					Nickname:     cred.Nickname,
					Score:        score,
					HealthScore:  healthScore,
					AvgLatencyMs: latency,
				}
			}
		}
	}

	snap.Pool.RemainingToday = snap.Pool.TotalDailyCapacity - snap.Pool.UsedToday
	if snap.Pool.TotalDailyCapacity > 0 {
		snap.Pool.UsagePercent = float64(snap.Pool.UsedToday) / float64(snap.Pool.TotalDailyCapacity) * 100
	}
	snap.Pool.QuotaStatus = quotaStatus(snap.Pool.UsagePercent)
	snap.BestKey = best

	for provider, r := range byProvider {
		pr := model.ProviderRollup{
			Provider:      provider,
			KeysCount:     r.keys,
			UsedToday:     r.used,
			DailyCapacity: r.capacity,
			AvgHealth:     r.health / float64(r.keys),
		}
		if r.capacity > 0 {
			pr.UsagePercent = float64(r.used) / float64(r.capacity) * 100
		}
		snap.Providers = append(snap.Providers, pr)
	}
	sort.Slice(snap.Providers, func(i, j int) bool {
		return snap.Providers[i].Provider < snap.Providers[j].Provider
	})

	return snap
}

func quotaStatus(usagePercent float64) string {
	switch {
	case usagePercent >= criticalPercent:
		return "critical"
	case usagePercent >= warningPercent:
		return "warning"
	default:
		return "healthy"
	}
}
