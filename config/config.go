// Package config loads the sync runtime's own process-level settings
// (worker concurrency, progress publish cadence, token refresh window)
// through viper, carrying forward the teacher's Validator idiom for
// failing fast on a bad deployment's environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SyncConfig carries the sync runtime's own tunables (§4.H, §4.D, §4.I):
// worker concurrency, the token manager's proactive refresh window, and
// the progress publisher's rate limits. Loaded through viper from
// environment variables only; no config file or flag is bound. main.go
// applies MaxWorkers, DrainTimeout, DatabaseURL and RedisURL.
// TokenRefreshWindow, PublishThreshold, StatusInterval and StateRateLimit
// are loaded but not passed on: the token manager and the progress tracker
// use their own fixed constants, which equal these defaults.
type SyncConfig struct {
	MaxWorkers         int
	DrainTimeout       time.Duration
	TokenRefreshWindow time.Duration
	PublishThreshold   int
	StatusInterval     int
	StateRateLimit     time.Duration
	DatabaseURL        string
	RedisURL           string
}

// LoadSyncConfig reads <prefix>_* environment settings via viper (main.go
// passes "ENGINE"), matching the defaults
// named throughout §4 (25-minute refresh window, threshold 3, interval
// 50). prefix lets multiple sync engine processes share one environment
// without colliding.
func LoadSyncConfig(prefix string) (*SyncConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()

	v.SetDefault("max_workers", 10)
	v.SetDefault("drain_timeout", "2m")
	v.SetDefault("token_refresh_window", "25m")
	v.SetDefault("publish_threshold", 3)
	v.SetDefault("status_interval", 50)
	v.SetDefault("state_rate_limit", "500ms")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "redis://localhost:6379/0")

	cfg := &SyncConfig{
		MaxWorkers:         v.GetInt("max_workers"),
		DrainTimeout:       v.GetDuration("drain_timeout"),
		TokenRefreshWindow: v.GetDuration("token_refresh_window"),
		PublishThreshold:   v.GetInt("publish_threshold"),
		StatusInterval:     v.GetInt("status_interval"),
		StateRateLimit:     v.GetDuration("state_rate_limit"),
		DatabaseURL:        v.GetString("database_url"),
		RedisURL:           v.GetString("redis_url"),
	}

	validator := NewValidator()
	validator.RequirePositiveInt("MaxWorkers", cfg.MaxWorkers)
	validator.RequirePositiveInt("PublishThreshold", cfg.PublishThreshold)
	validator.RequirePositiveInt("StatusInterval", cfg.StatusInterval)
	if err := validator.Validate(); err != nil {
		return nil, fmt.Errorf("load sync config: %w", err)
	}
	return cfg, nil
}

// Validator accumulates configuration validation errors so LoadSyncConfig
// can report every violation at once instead of failing on the first.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{
		errors: make([]string, 0),
	}
}

// RequirePositiveInt validates that an integer field is positive
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// IsValid returns true if there are no validation errors
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// ErrorString returns all validation errors as a single string
func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

// Validate runs validation and returns error if invalid
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}
