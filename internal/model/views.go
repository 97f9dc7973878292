package model

import "time"

// CredentialView is the display shape of a credential: identity plus
// merged usage and health, never the raw secret.
type CredentialView struct {
	PublicID     string                `json:"id"`
	Provider     string                `json:"provider"`
	OwnerID      string                `json:"owner_id"`
	Nickname     string                `json:"nickname"`
	SecretSuffix string                `json:"secret_suffix"`
	Active       bool                  `json:"active"`
	CreatedAt    time.Time             `json:"created_at"`
	UsedToday    int                   `json:"used_today"`
	DailyQuota   int                   `json:"daily_quota"`
	HealthScore  float64               `json:"health_score"`
	HealthStatus string                `json:"health_status"`
	AvgLatencyMs float64               `json:"avg_latency_ms"`
	Models       []ModelUsageBreakdown `json:"models,omitempty"`
}

// ModelUsageBreakdown is the per-model usage view of a credential.
type ModelUsageBreakdown struct {
	Model         string  `json:"model"`
	RequestsToday int     `json:"requests_today"`
	DailyQuota    int     `json:"daily_quota"`
	Percentage    float64 `json:"percentage"`
}

// PoolSummary is the pool-wide dashboard rollup.
type PoolSummary struct {
	UsedToday           int     `json:"used_today"`
	RemainingToday      int     `json:"remaining_today"`
	TotalDailyCapacity  int     `json:"total_daily_capacity"`
	UsagePercent        float64 `json:"usage_percent"`
	QuotaStatus         string  `json:"quota_status"`
	NextDailyResetHours float64 `json:"next_daily_reset_hours"`
}

// ProviderRollup aggregates a provider's member credentials.
type ProviderRollup struct {
	Provider      string  `json:"provider"`
	KeysCount     int     `json:"keys_count"`
	UsedToday     int     `json:"used_today"`
	DailyCapacity int     `json:"daily_capacity"`
	AvgHealth     float64 `json:"avg_health"`
	UsagePercent  float64 `json:"usage_percent"`
}

// BestKey is the operator-facing echo of the router's choice.
type BestKey struct {
	PublicID     string  `json:"id"`
	Provider     string  `json:"provider"`
	Nickname     string  `json:"nickname"`
	Score        float64 `json:"score"`
	HealthScore  float64 `json:"health_score"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// DashboardSnapshot is the full dashboard read model. Warnings lists
// sub-queries that failed; the remaining fields are still populated.
type DashboardSnapshot struct {
	Pool      PoolSummary      `json:"pool"`
	Providers []ProviderRollup `json:"providers"`
	BestKey   *BestKey         `json:"best_key,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// RequestLogView is one recent-activity entry.
type RequestLogView struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	Success   bool      `json:"success"`
	LatencyMs int64     `json:"latency_ms"`
	Probe     bool      `json:"probe"`
	Timestamp time.Time `json:"timestamp"`
}
