// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from a .env file (if present), then config.yaml in
// the working directory, then environment variables — later sources win.
// The result is an immutable snapshot: hot reloads build a whole new Config
// and swap it in only after validation succeeds.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/Switchdotnew/switch-router-sub001/internal/breaker"
	"github.com/Switchdotnew/switch-router-sub001/internal/credentials"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/internal/proxy"
)

// Config is the top-level configuration snapshot.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Timeout TimeoutConfig `mapstructure:"timeout"`
	Routing RoutingConfig `mapstructure:"routing"`

	// Pools and Models define the dispatch topology.
	Pools  []PoolConfig           `mapstructure:"pools"`
	Models map[string]ModelConfig `mapstructure:"models"`

	// CredentialStores is decoded separately: the YAML accepts both an
	// object keyed by store name and an array of objects with embedded
	// id/name fields.
	CredentialStores []credentials.StoreConfig `mapstructure:"-"`

	// Redis configures the reload channel and the provider rate limiter.
	Redis RedisConfig `mapstructure:"-"`

	// Env is "test" or "production" (APP_ENV).
	Env string `mapstructure:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`

	// AdminKeys are the accepted x-api-key values (from ADMIN_API_KEY,
	// comma-separated). Empty disables auth.
	AdminKeys []string `mapstructure:"-"`

	CORSOrigins []string `mapstructure:"corsOrigins"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// TimeoutConfig holds request-level timeouts in milliseconds.
type TimeoutConfig struct {
	RequestMs int `mapstructure:"request"`
	StreamMs  int `mapstructure:"stream"`
}

func (t TimeoutConfig) Request() time.Duration {
	if t.RequestMs <= 0 {
		return 0
	}
	return time.Duration(t.RequestMs) * time.Millisecond
}

func (t TimeoutConfig) Stream() time.Duration {
	if t.StreamMs <= 0 {
		return 0
	}
	return time.Duration(t.StreamMs) * time.Millisecond
}

// RoutingConfig tunes the dispatch engine: default breaker thresholds and
// the health check scheduler.
type RoutingConfig struct {
	CircuitBreaker BreakerConfig     `mapstructure:"circuitBreaker"`
	HealthCheck    HealthCheckConfig `mapstructure:"healthCheck"`
}

// BreakerConfig mirrors breaker.Config with millisecond integers, matching
// the provider-level timeout fields.
type BreakerConfig struct {
	Enabled              *bool    `mapstructure:"enabled"`
	FailureThreshold     int      `mapstructure:"failureThreshold"`
	ResetTimeoutMs       int      `mapstructure:"resetTimeout"`
	MonitoringWindowMs   int      `mapstructure:"monitoringWindow"`
	MinRequestsThreshold int      `mapstructure:"minRequestsThreshold"`
	ErrorThresholdPct    float64  `mapstructure:"errorThresholdPercentage"`
	PermanentEnabled     *bool    `mapstructure:"permanentFailureEnabled"`
	ErrorPatterns        []string `mapstructure:"errorPatterns"`
	BaseTimeoutMs        int      `mapstructure:"permanentBaseTimeout"`
	TimeoutMultiplier    float64  `mapstructure:"timeoutMultiplier"`
	MaxBackoffMultiplier int      `mapstructure:"maxBackoffMultiplier"`
}

// ToBreaker converts to the breaker package's config.
func (b BreakerConfig) ToBreaker() breaker.Config {
	cfg := breaker.Config{
		Enabled:           b.Enabled == nil || *b.Enabled,
		FailureThreshold:  b.FailureThreshold,
		ResetTimeout:      time.Duration(b.ResetTimeoutMs) * time.Millisecond,
		MonitoringWindow:  time.Duration(b.MonitoringWindowMs) * time.Millisecond,
		MinRequests:       b.MinRequestsThreshold,
		ErrorThresholdPct: b.ErrorThresholdPct,
	}
	cfg.Permanent = breaker.PermanentConfig{
		Enabled:              b.PermanentEnabled == nil || *b.PermanentEnabled,
		ErrorPatterns:        b.ErrorPatterns,
		BaseTimeout:          time.Duration(b.BaseTimeoutMs) * time.Millisecond,
		TimeoutMultiplier:    b.TimeoutMultiplier,
		MaxBackoffMultiplier: b.MaxBackoffMultiplier,
	}
	return cfg
}

// HealthCheckConfig tunes the background prober, milliseconds again.
type HealthCheckConfig struct {
	MaxConcurrentChecks     int   `mapstructure:"maxConcurrentChecks"`
	PrimaryIntervalMs       int   `mapstructure:"primaryInterval"`
	FallbackIntervalMs      int   `mapstructure:"fallbackInterval"`
	FailedIntervalMs        int   `mapstructure:"failedInterval"`
	MaxRetries              int   `mapstructure:"maxRetries"`
	RetryDelayMs            int   `mapstructure:"retryDelay"`
	EnablePrioritization    *bool `mapstructure:"enablePrioritization"`
	EnableAdaptiveIntervals *bool `mapstructure:"enableAdaptiveIntervals"`
	DefaultTimeoutMs        int   `mapstructure:"timeout"`
}

// ToScheduler converts to the proxy scheduler's config.
func (h HealthCheckConfig) ToScheduler() proxy.SchedulerConfig {
	return proxy.SchedulerConfig{
		MaxConcurrentChecks:     h.MaxConcurrentChecks,
		PrimaryInterval:         time.Duration(h.PrimaryIntervalMs) * time.Millisecond,
		FallbackInterval:        time.Duration(h.FallbackIntervalMs) * time.Millisecond,
		FailedInterval:          time.Duration(h.FailedIntervalMs) * time.Millisecond,
		MaxRetries:              h.MaxRetries,
		RetryDelay:              time.Duration(h.RetryDelayMs) * time.Millisecond,
		EnablePrioritization:    h.EnablePrioritization == nil || *h.EnablePrioritization,
		EnableAdaptiveIntervals: h.EnableAdaptiveIntervals == nil || *h.EnableAdaptiveIntervals,
		DefaultTimeout:          time.Duration(h.DefaultTimeoutMs) * time.Millisecond,
	}
}

// PoolConfig describes one provider pool.
type PoolConfig struct {
	ID                  string              `mapstructure:"id"`
	Name                string              `mapstructure:"name"`
	Providers           []*providers.Config `mapstructure:"providers"`
	FallbackPoolIDs     []string            `mapstructure:"fallbackPoolIds"`
	Strategy            string              `mapstructure:"loadBalancingStrategy"`
	CircuitBreaker      *BreakerConfig      `mapstructure:"circuitBreaker"`
	MinHealthyProviders int                 `mapstructure:"minHealthyProviders"`
	ResponseTimeMs      int                 `mapstructure:"healthyResponseTime"`
	ErrorRate           float64             `mapstructure:"healthyErrorRate"`
}

// ModelConfig maps a public model name to its primary pool.
type ModelConfig struct {
	PrimaryPoolID     string         `mapstructure:"primaryPoolId"`
	DefaultParameters map[string]any `mapstructure:"defaultParameters"`
}

// RedisConfig holds Redis connection settings for optional components.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables Redis-backed
	// features (rate limiting, config reload).
	URL string

	// InstanceID names this gateway instance on the reload channel.
	InstanceID string

	// ReloadEnabled subscribes to the config reload channel (CONFIG_RELOAD).
	ReloadEnabled bool
}

// ToRouterConfig assembles the dispatch engine configuration.
func (c *Config) ToRouterConfig() proxy.RouterConfig {
	defaultBreaker := c.Routing.CircuitBreaker.ToBreaker()

	pools := make([]proxy.PoolConfig, 0, len(c.Pools))
	for _, p := range c.Pools {
		cb := defaultBreaker
		if p.CircuitBreaker != nil {
			cb = p.CircuitBreaker.ToBreaker()
		}
		pools = append(pools, proxy.PoolConfig{
			ID:                  p.ID,
			Name:                p.Name,
			Providers:           p.Providers,
			FallbackPoolIDs:     p.FallbackPoolIDs,
			Strategy:            p.Strategy,
			CircuitBreaker:      cb,
			MinHealthyProviders: p.MinHealthyProviders,
			Thresholds: proxy.HealthThresholds{
				ResponseTime: time.Duration(p.ResponseTimeMs) * time.Millisecond,
				ErrorRate:    p.ErrorRate,
			},
		})
	}

	models := make(map[string]proxy.ModelConfig, len(c.Models))
	for name, m := range c.Models {
		models[name] = proxy.ModelConfig{
			PrimaryPoolID:     m.PrimaryPoolID,
			DefaultParameters: m.DefaultParameters,
		}
	}

	return proxy.RouterConfig{
		Pools:     pools,
		Models:    models,
		Breaker:   defaultBreaker,
		Scheduler: c.Routing.HealthCheck.ToScheduler(),
	}
}

// Load reads the configuration snapshot from .env, the YAML file named by
// CONFIG_PATH (default config.yaml), and the environment.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit YAML path, for tests and reloads.
func LoadFile(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	stores, err := parseCredentialStores(v.Get("credentialStores"))
	if err != nil {
		return nil, err
	}
	cfg.CredentialStores = stores

	// Environment overrides.
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("config: PORT %q is not a number", port)
		}
		cfg.Server.Port = p
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = strings.ToLower(level)
	}
	if keys := os.Getenv("ADMIN_API_KEY"); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Server.AdminKeys = append(cfg.Server.AdminKeys, k)
			}
		}
	}
	cfg.Env = os.Getenv("APP_ENV")
	if cfg.Env == "" {
		cfg.Env = "production"
	}
	cfg.Redis = RedisConfig{
		URL:           os.Getenv("REDIS_URL"),
		InstanceID:    os.Getenv("INSTANCE_ID"),
		ReloadEnabled: os.Getenv("CONFIG_RELOAD") == "true",
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseCredentialStores accepts either an object keyed by store name or an
// array of objects with embedded id/name fields.
func parseCredentialStores(raw any) ([]credentials.StoreConfig, error) {
	if raw == nil {
		return nil, nil
	}

	switch val := raw.(type) {
	case map[string]any:
		out := make([]credentials.StoreConfig, 0, len(val))
		for name, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config: credential store %q must be an object", name)
			}
			sc, err := storeFromMap(m)
			if err != nil {
				return nil, fmt.Errorf("config: credential store %q: %w", name, err)
			}
			sc.Name = name
			out = append(out, sc)
		}
		return out, nil

	case []any:
		out := make([]credentials.StoreConfig, 0, len(val))
		for i, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config: credential store #%d must be an object", i)
			}
			sc, err := storeFromMap(m)
			if err != nil {
				return nil, fmt.Errorf("config: credential store #%d: %w", i, err)
			}
			out = append(out, sc)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("config: credentialStores must be an object or an array")
	}
}

func storeFromMap(m map[string]any) (credentials.StoreConfig, error) {
	sc := credentials.StoreConfig{}

	for key, value := range m {
		switch strings.ToLower(key) {
		case "id":
			switch id := value.(type) {
			case int:
				sc.ID = id
			case float64:
				sc.ID = int(id)
			case string:
				n, err := strconv.Atoi(id)
				if err != nil {
					return sc, fmt.Errorf("id %q is not a number", id)
				}
				sc.ID = n
			}
		case "name":
			sc.Name, _ = value.(string)
		case "type":
			sc.Type, _ = value.(string)
		case "source":
			sc.Source, _ = value.(string)
		case "cachettl":
			switch ttl := value.(type) {
			case int:
				sc.CacheTTL = time.Duration(ttl) * time.Millisecond
			case float64:
				sc.CacheTTL = time.Duration(ttl) * time.Millisecond
			}
		case "config":
			inner, ok := value.(map[string]any)
			if !ok {
				return sc, fmt.Errorf("config section must be an object")
			}
			sc.Config = make(map[string]string, len(inner))
			for k, v := range inner {
				sc.Config[k] = fmt.Sprintf("%v", v)
			}
		}
	}

	if sc.Type == "" {
		return sc, fmt.Errorf("type is required")
	}
	return sc, nil
}

// Validate checks all semantic constraints, collecting one error per
// offender so operators see every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: server.port %d outside 1-65535", c.Server.Port))
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: invalid log.level %q; must be one of: debug, info, warn, error", c.Log.Level))
	}

	poolIDs := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("config: pool with empty id"))
			continue
		}
		if poolIDs[p.ID] {
			errs = append(errs, fmt.Errorf("config: duplicate pool id %q", p.ID))
		}
		poolIDs[p.ID] = true
		if len(p.Providers) == 0 {
			errs = append(errs, fmt.Errorf("config: pool %s has no providers", p.ID))
		}
	}

	storeNames := make(map[string]bool, len(c.CredentialStores))
	storeIDs := make(map[int]bool)
	for _, s := range c.CredentialStores {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("config: credential store with empty name"))
			continue
		}
		if storeNames[s.Name] {
			errs = append(errs, fmt.Errorf("config: duplicate credential store name %q", s.Name))
		}
		storeNames[s.Name] = true
		if s.ID != 0 {
			if storeIDs[s.ID] {
				errs = append(errs, fmt.Errorf("config: duplicate credential store id %d", s.ID))
			}
			storeIDs[s.ID] = true
		}
	}

	storeRefKnown := func(ref string) bool {
		if storeNames[ref] {
			return true
		}
		if id, err := strconv.Atoi(ref); err == nil {
			return storeIDs[id]
		}
		return false
	}

	for _, p := range c.Pools {
		for _, fb := range p.FallbackPoolIDs {
			if !poolIDs[fb] {
				errs = append(errs, fmt.Errorf("config: pool %s references unknown fallback pool %q", p.ID, fb))
			}
		}
		for _, pc := range p.Providers {
			if pc.CredentialsRef != "" && !storeRefKnown(pc.CredentialsRef) {
				errs = append(errs, fmt.Errorf("config: pool %s provider %s references unknown credential store %q", p.ID, pc.Name, pc.CredentialsRef))
			}
		}
	}

	for model, m := range c.Models {
		if m.PrimaryPoolID == "" {
			errs = append(errs, fmt.Errorf("config: model %s has no primaryPoolId", model))
			continue
		}
		if !poolIDs[m.PrimaryPoolID] {
			errs = append(errs, fmt.Errorf("config: model %s references unknown pool %q", model, m.PrimaryPoolID))
		}
	}

	return errors.Join(errs...)
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
