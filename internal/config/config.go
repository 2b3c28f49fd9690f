package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen            string   `yaml:"listen"`
	ReadTimeoutMs     int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int      `yaml:"write_timeout_ms"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
	TrustedProxyCIDRs []*net.IPNet
}

type SecretCfg struct {
	// Key signs CSRF tokens, PoW challenge tokens, and fingerprints.
	// Overridden by CSRF_SECRET_KEY. Empty + Strict=false means an ephemeral
	// per-process secret: tokens will not validate across restarts.
	Key    string `yaml:"key"`
	Strict bool   `yaml:"strict"`
}

type CsrfCfg struct {
	TTLSec            int `yaml:"ttl_sec"`
	IssuanceCeiling   int `yaml:"issuance_ceiling"`
	IssuanceWindowSec int `yaml:"issuance_window_sec"`
}

type PowCfg struct {
	DefaultDifficulty int `yaml:"default_difficulty"`
	TTLSec            int `yaml:"ttl_sec"`
}

type CaptchaCfg struct {
	SiteKey   string `yaml:"site_key"`
	SecretKey string `yaml:"secret_key"`
	VerifyURL string `yaml:"verify_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
	// EscalateAfter is the per-fingerprint gate-failure count that starts
	// requiring a captcha response (0 = use default).
	EscalateAfter int `yaml:"escalate_after"`
}

type WindowCfg struct {
	MaxAttempts int `yaml:"max_attempts"`
	WindowSec   int `yaml:"window_sec"`
}

type RateLimitCfg struct {
	// Actions maps an action name to its AND-combined windows. Missing
	// actions fall back to the "default" entry.
	Actions           map[string][]WindowCfg `yaml:"actions"`
	SweepIntervalSec  int                    `yaml:"sweep_interval_sec"`
	WhitelistSkipsPow bool                   `yaml:"whitelist_skips_pow"`
}

type StoreCfg struct {
	Backend  string `yaml:"backend"` // memory | redis
	RedisURL string `yaml:"redis_url"`
}

type RouteCfg struct {
	Pattern    string `yaml:"pattern"`
	Action     string `yaml:"action"`
	Csrf       bool   `yaml:"csrf"`
	Pow        bool   `yaml:"pow"`
	Difficulty int    `yaml:"difficulty"`
	Re         *regexp.Regexp
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type Config struct {
	Server    ServerCfg    `yaml:"server"`
	Secret    SecretCfg    `yaml:"secret"`
	Csrf      CsrfCfg      `yaml:"csrf"`
	Pow       PowCfg       `yaml:"pow"`
	Captcha   CaptchaCfg   `yaml:"captcha"`
	RateLimit RateLimitCfg `yaml:"ratelimit"`
	Store     StoreCfg     `yaml:"store"`
	Routes    []RouteCfg   `yaml:"routes"`
	Logging   LoggingCfg   `yaml:"logging"`
}

// DefaultWindows is the built-in per-action table. Product policy, not
// protocol necessity: ratelimit.actions in the config file overrides any of it.
func DefaultWindows() map[string][]WindowCfg {
	return map[string][]WindowCfg{
		"register":       {{MaxAttempts: 1, WindowSec: 60}, {MaxAttempts: 3, WindowSec: 3600}, {MaxAttempts: 10, WindowSec: 86400}},
		"login":          {{MaxAttempts: 5, WindowSec: 60}, {MaxAttempts: 20, WindowSec: 3600}, {MaxAttempts: 100, WindowSec: 86400}},
		"password_reset": {{MaxAttempts: 2, WindowSec: 60}, {MaxAttempts: 5, WindowSec: 3600}, {MaxAttempts: 20, WindowSec: 86400}},
		"contact":        {{MaxAttempts: 2, WindowSec: 60}, {MaxAttempts: 10, WindowSec: 3600}, {MaxAttempts: 30, WindowSec: 86400}},
		"default":        {{MaxAttempts: 10, WindowSec: 60}, {MaxAttempts: 100, WindowSec: 3600}, {MaxAttempts: 500, WindowSec: 86400}},
	}
}

func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 5000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 10000
	}
	if c.Csrf.TTLSec == 0 {
		c.Csrf.TTLSec = 3600
	}
	if c.Csrf.IssuanceCeiling == 0 {
		c.Csrf.IssuanceCeiling = 10
	}
	if c.Csrf.IssuanceWindowSec == 0 {
		c.Csrf.IssuanceWindowSec = 3600
	}
	if c.Pow.DefaultDifficulty == 0 {
		c.Pow.DefaultDifficulty = 4
	}
	if c.Pow.TTLSec == 0 {
		c.Pow.TTLSec = 300
	}
	if c.Captcha.VerifyURL == "" {
		c.Captcha.VerifyURL = "https://api.hcaptcha.com/siteverify"
	}
	if c.Captcha.TimeoutMs == 0 {
		c.Captcha.TimeoutMs = 10000
	}
	if c.Captcha.EscalateAfter == 0 {
		c.Captcha.EscalateAfter = 5
	}
	if c.RateLimit.SweepIntervalSec == 0 {
		c.RateLimit.SweepIntervalSec = 300
	}
	// Merge file-provided actions over the default table.
	merged := DefaultWindows()
	for action, windows := range c.RateLimit.Actions {
		merged[action] = windows
	}
	c.RateLimit.Actions = merged
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CSRF_SECRET_KEY"); v != "" {
		c.Secret.Key = v
	}
	if v := os.Getenv("HCAPTCHA_SITE_KEY"); v != "" {
		c.Captcha.SiteKey = v
	}
	if v := os.Getenv("HCAPTCHA_SECRET_KEY"); v != "" {
		c.Captcha.SecretKey = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
		c.Store.Backend = "redis"
	}
}

func (c *Config) compile() error {
	for i := range c.Server.TrustedProxies {
		_, n, err := net.ParseCIDR(c.Server.TrustedProxies[i])
		if err != nil {
			return fmt.Errorf("invalid trusted proxy CIDR %q: %w", c.Server.TrustedProxies[i], err)
		}
		c.Server.TrustedProxyCIDRs = append(c.Server.TrustedProxyCIDRs, n)
	}
	for i := range c.Routes {
		re, err := regexp.Compile(c.Routes[i].Pattern)
		if err != nil {
			return fmt.Errorf("invalid route pattern %q: %w", c.Routes[i].Pattern, err)
		}
		c.Routes[i].Re = re
		if c.Routes[i].Difficulty == 0 {
			c.Routes[i].Difficulty = c.Pow.DefaultDifficulty
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Secret.Strict && c.Secret.Key == "" {
		return errors.New("secret.key (or CSRF_SECRET_KEY) required when secret.strict is set")
	}
	if c.Csrf.TTLSec <= 0 {
		return errors.New("csrf.ttl_sec must be positive")
	}
	if c.Csrf.IssuanceCeiling <= 0 {
		return errors.New("csrf.issuance_ceiling must be positive")
	}
	if c.Pow.DefaultDifficulty < 3 || c.Pow.DefaultDifficulty > 6 {
		return errors.New("pow.default_difficulty must be in [3,6]")
	}
	if c.Pow.TTLSec <= 0 || c.Pow.TTLSec > 600 {
		return errors.New("pow.ttl_sec must be in (0, 600]")
	}
	if (c.Captcha.SiteKey == "") != (c.Captcha.SecretKey == "") {
		return errors.New("captcha.site_key and captcha.secret_key must be set together")
	}
	for action, windows := range c.RateLimit.Actions {
		if len(windows) == 0 {
			return fmt.Errorf("ratelimit.actions[%s] has no windows", action)
		}
		for _, w := range windows {
			if w.MaxAttempts <= 0 || w.WindowSec <= 0 {
				return fmt.Errorf("ratelimit.actions[%s] has a non-positive window", action)
			}
		}
	}
	if c.Store.Backend != "memory" && c.Store.Backend != "redis" {
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.RedisURL == "" {
		return errors.New("store.redis_url (or REDIS_URL) required for the redis backend")
	}
	for i := range c.Routes {
		if c.Routes[i].Action == "" {
			return fmt.Errorf("routes[%d] missing action", i)
		}
		if c.Routes[i].Pow && (c.Routes[i].Difficulty < 3 || c.Routes[i].Difficulty > 6) {
			return fmt.Errorf("routes[%d] difficulty must be in [3,6]", i)
		}
	}
	return nil
}

func (c *Config) CsrfTTL() time.Duration {
	return time.Duration(c.Csrf.TTLSec) * time.Second
}

func (c *Config) IssuanceWindow() time.Duration {
	return time.Duration(c.Csrf.IssuanceWindowSec) * time.Second
}

func (c *Config) PowTTL() time.Duration {
	return time.Duration(c.Pow.TTLSec) * time.Second
}

func (c *Config) CaptchaTimeout() time.Duration {
	return time.Duration(c.Captcha.TimeoutMs) * time.Millisecond
}

// CaptchaEnabled reports whether the fallback is configured at all. Absence
// of keys is a valid state, not an error.
func (c *Config) CaptchaEnabled() bool {
	return c.Captcha.SiteKey != "" && c.Captcha.SecretKey != ""
}
