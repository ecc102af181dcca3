package rolesync

import (
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rcourtman/pulse-rolesync/internal/discord"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
)

// DiscordConfig holds the community platform application settings.
type DiscordConfig struct {
	APIBaseURL   string `env:"API_BASE_URL" envDefault:"https://discord.com/api/v10"`
	AuthURL      string `env:"AUTH_URL" envDefault:"https://discord.com/oauth2/authorize"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURI  string `env:"REDIRECT_URI"`
	BotToken     string `env:"BOT_TOKEN"`
	GuildID      string `env:"GUILD_ID"`
	RoleFree     string `env:"ROLE_FREE"`
	RoleStarter  string `env:"ROLE_STARTER"`
	RolePro      string `env:"ROLE_PRO"`
	RoleEmpire   string `env:"ROLE_EMPIRE"`
}

// Config holds all configuration for the role sync service.
type Config struct {
	BindAddress string `env:"ROLESYNC_BIND_ADDRESS" envDefault:"0.0.0.0"`
	Port        int    `env:"ROLESYNC_PORT" envDefault:"8480"`
	DataDir     string `env:"ROLESYNC_DATA_DIR" envDefault:"/data"`
	AdminKey    string `env:"ROLESYNC_ADMIN_KEY"`
	BaseURL     string `env:"ROLESYNC_BASE_URL"`
	LogLevel    string `env:"ROLESYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"ROLESYNC_LOG_FORMAT" envDefault:"auto"`

	// AutoJoin adds linked identities that are not yet guild members.
	AutoJoin    bool   `env:"ROLESYNC_AUTO_JOIN" envDefault:"true"`
	TokenKey    string `env:"ROLESYNC_TOKEN_KEY"`
	StateSecret string `env:"ROLESYNC_STATE_SECRET"`

	// SweepInterval of zero disables the periodic sweep.
	SweepInterval    time.Duration `env:"ROLESYNC_SWEEP_INTERVAL" envDefault:"6h"`
	SweepConcurrency int           `env:"ROLESYNC_SWEEP_CONCURRENCY" envDefault:"4"`
	MaxRetryAfter    time.Duration `env:"ROLESYNC_MAX_RETRY_AFTER" envDefault:"60s"`
	MaxAttempts      int           `env:"ROLESYNC_MAX_ATTEMPTS" envDefault:"3"`
	PublicMetrics    bool          `env:"ROLESYNC_PUBLIC_METRICS" envDefault:"false"`
	PublicStatus     bool          `env:"ROLESYNC_PUBLIC_STATUS" envDefault:"false"`

	Discord DiscordConfig `envPrefix:"DISCORD_"`

	StripeWebhookSecret string   `env:"STRIPE_WEBHOOK_SECRET"`
	StripePricePlanList []string `env:"STRIPE_PRICE_PLANS" envSeparator:","`

	// PricePlans maps a Stripe price ID to a plan. Built by validate.
	PricePlans map[string]roles.Plan `env:"-"`
}

// RegistryDir returns the directory holding the link registry database.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.DataDir, "rolesync")
}

// RoleConfig returns the plan to role mapping.
func (c *Config) RoleConfig() roles.Config {
	return roles.Config{
		Free:    c.Discord.RoleFree,
		Starter: c.Discord.RoleStarter,
		Pro:     c.Discord.RolePro,
		Empire:  c.Discord.RoleEmpire,
	}
}

// TokenURL returns the OAuth2 token endpoint on the platform API.
func (c *Config) TokenURL() string {
	return strings.TrimRight(c.Discord.APIBaseURL, "/") + "/oauth2/token"
}

// ClientConfig returns the platform client settings.
func (c *Config) ClientConfig(httpClient *http.Client, version string) discord.Config {
	return discord.Config{
		BaseURL:       c.Discord.APIBaseURL,
		BotToken:      c.Discord.BotToken,
		UserAgent:     fmt.Sprintf("DiscordBot (https://github.com/rcourtman/pulse-rolesync, %s)", version),
		HTTPClient:    httpClient,
		MaxAttempts:   c.MaxAttempts,
		MaxRetryAfter: c.MaxRetryAfter,
	}
}

// LoadConfig loads service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate role sync config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigFrom parses configuration from the given environment instead of
// the process environment.
func LoadConfigFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate role sync config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.AdminKey = strings.TrimSpace(c.AdminKey)
	c.BaseURL = strings.TrimSpace(c.BaseURL)

	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"ROLESYNC_ADMIN_KEY", c.AdminKey},
		{"ROLESYNC_BASE_URL", c.BaseURL},
		{"ROLESYNC_TOKEN_KEY", c.TokenKey},
		{"ROLESYNC_STATE_SECRET", c.StateSecret},
		{"DISCORD_CLIENT_ID", c.Discord.ClientID},
		{"DISCORD_CLIENT_SECRET", c.Discord.ClientSecret},
		{"DISCORD_BOT_TOKEN", c.Discord.BotToken},
		{"DISCORD_GUILD_ID", c.Discord.GuildID},
		{"DISCORD_ROLE_FREE", c.Discord.RoleFree},
		{"DISCORD_ROLE_STARTER", c.Discord.RoleStarter},
		{"DISCORD_ROLE_PRO", c.Discord.RolePro},
		{"DISCORD_ROLE_EMPIRE", c.Discord.RoleEmpire},
		{"STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ROLESYNC_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("ROLESYNC_SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("ROLESYNC_SWEEP_CONCURRENCY must be at least 1, got %d", c.SweepConcurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("ROLESYNC_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.MaxRetryAfter <= 0 {
		return fmt.Errorf("ROLESYNC_MAX_RETRY_AFTER must be greater than 0, got %s", c.MaxRetryAfter)
	}
	if len(c.TokenKey) < 16 {
		return fmt.Errorf("ROLESYNC_TOKEN_KEY must be at least 16 characters")
	}
	if len(c.StateSecret) < 32 {
		return fmt.Errorf("ROLESYNC_STATE_SECRET must be at least 32 characters")
	}

	if err := validateHTTPURL("ROLESYNC_BASE_URL", c.BaseURL); err != nil {
		return err
	}
	if err := validateHTTPURL("DISCORD_API_BASE_URL", c.Discord.APIBaseURL); err != nil {
		return err
	}
	if c.Discord.RedirectURI == "" {
		c.Discord.RedirectURI = strings.TrimRight(c.BaseURL, "/") + "/api/link/callback"
	}
	if err := validateHTTPURL("DISCORD_REDIRECT_URI", c.Discord.RedirectURI); err != nil {
		return err
	}

	// Role map violations are startup-fatal.
	if err := c.RoleConfig().Validate(); err != nil {
		return err
	}

	pricePlans, err := parsePricePlans(c.StripePricePlanList)
	if err != nil {
		return err
	}
	c.PricePlans = pricePlans
	return nil
}

func validateHTTPURL(name, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", name)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}

// parsePricePlans parses "price_id=plan" entries.
func parsePricePlans(entries []string) (map[string]roles.Plan, error) {
	out := make(map[string]roles.Plan, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		priceID, planName, ok := strings.Cut(entry, "=")
		priceID = strings.TrimSpace(priceID)
		if !ok || priceID == "" {
			return nil, fmt.Errorf("STRIPE_PRICE_PLANS entry %q must be price_id=plan", entry)
		}
		plan, err := roles.ParsePlan(planName)
		if err != nil {
			return nil, fmt.Errorf("STRIPE_PRICE_PLANS entry %q: %w", entry, err)
		}
		out[priceID] = plan
	}
	return out, nil
}
