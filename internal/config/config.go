package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// AdminConfig holds configuration for the admin API.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// ProviderSpec describes one AI vendor in the catalog. Providers are
// configuration, not code: adding a vendor means adding an entry here.
type ProviderSpec struct {
	Name        string         `yaml:"name"`
	BaseURL     string         `yaml:"base_url"`
	AuthScheme  string         `yaml:"auth_scheme"` // bearer | x-api-key | query
	Models      []string       `yaml:"models"`
	DailyQuota  int            `yaml:"daily_quota"`
	ModelQuotas map[string]int `yaml:"model_quotas"`
}

// HealthConfig holds the tunables for the credential health monitor.
type HealthConfig struct {
	SuccessStep      float64 `yaml:"success_step"`
	FailureStep      float64 `yaml:"failure_step"`
	LatencyAlpha     float64 `yaml:"latency_alpha"`
	DecayHalfLifeMin int     `yaml:"decay_half_life_minutes"`
	ProbeTimeoutSec  int     `yaml:"probe_timeout_seconds"`
}

// QuotaConfig holds the tunables for the usage ledger.
type QuotaConfig struct {
	// ResetHourUTC is the fixed daily epoch at which all counters roll
	// over, so every key resets in lockstep.
	ResetHourUTC int `yaml:"reset_hour_utc"`
}

// Config holds the configuration for the key pool gateway.
type Config struct {
	Database  DatabaseConfig `yaml:"database"`
	Admin     AdminConfig    `yaml:"admin"`
	Providers []ProviderSpec `yaml:"providers"`
	Health    HealthConfig   `yaml:"health"`
	Quota     QuotaConfig    `yaml:"quota"`
	Port      int            `yaml:"port"`
	Debug     bool           `yaml:"debug"`
}

// Provider returns the catalog entry for a provider name, or nil if the
// provider is not configured. Lookup is case-insensitive.
func (c *Config) Provider(name string) *ProviderSpec {
	for i := range c.Providers {
		if strings.EqualFold(c.Providers[i].Name, name) {
			return &c.Providers[i]
		}
	}
	return nil
}

// QuotaFor returns the daily quota for a provider's model, falling back
// to the provider's umbrella quota when no model-specific quota is set.
// An empty model selects the umbrella quota.
func (p *ProviderSpec) QuotaFor(model string) int {
	if model != "" {
		if q, ok := p.ModelQuotas[model]; ok {
			return q
		}
	}
	return p.DailyQuota
}

// HasModel reports whether the provider's catalog lists the model.
func (p *ProviderSpec) HasModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// LoadConfig reads and parses the configuration file. It returns the config and a potential warning message.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warnings []string

	data, err := os.ReadFile(path)
	if err == nil {
		// File exists, so unmarshal it
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		// An error other than "not found" occurred
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// If file does not exist, we continue with an empty config and rely on environment variables.

	// Set default values
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Health.SuccessStep == 0 {
		config.Health.SuccessStep = 2
	}
	if config.Health.FailureStep == 0 {
		config.Health.FailureStep = 15
	}
	if config.Health.LatencyAlpha == 0 {
		config.Health.LatencyAlpha = 0.3
	}
	if config.Health.DecayHalfLifeMin == 0 {
		config.Health.DecayHalfLifeMin = 360
	}
	if config.Health.ProbeTimeoutSec == 0 {
		config.Health.ProbeTimeoutSec = 10
		warnings = append(warnings, "health.probe_timeout_seconds not set, using default value of 10")
	}
	for i := range config.Providers {
		if config.Providers[i].DailyQuota == 0 {
			config.Providers[i].DailyQuota = 1000
			warnings = append(warnings, fmt.Sprintf("provider %q daily_quota not set, using default value of 1000", config.Providers[i].Name))
		}
		if config.Providers[i].AuthScheme == "" {
			config.Providers[i].AuthScheme = "bearer"
		}
	}

	// Override with environment variables if they exist
	if dsn := os.Getenv("KEYPOOL_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if dbType := os.Getenv("KEYPOOL_DATABASE_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if port := os.Getenv("KEYPOOL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if password := os.Getenv("KEYPOOL_ADMIN_PASSWORD"); password != "" {
		config.Admin.Password = password
	}
	if debug := os.Getenv("KEYPOOL_DEBUG"); debug != "" {
		config.Debug = (debug == "true")
	}
	if hour := os.Getenv("KEYPOOL_RESET_HOUR_UTC"); hour != "" {
		if h, err := strconv.Atoi(hour); err == nil {
			config.Quota.ResetHourUTC = h
		}
	}

	// Final validation after overrides
	if config.Database.Type == "" || config.Database.DSN == "" {
		return nil, "", fmt.Errorf("database type and dsn must be configured in config.yaml or via environment variables")
	}
	if config.Quota.ResetHourUTC < 0 || config.Quota.ResetHourUTC > 23 {
		return nil, "", fmt.Errorf("quota.reset_hour_utc must be between 0 and 23, got %d", config.Quota.ResetHourUTC)
	}

	return &config, strings.Join(warnings, "; "), nil
}
