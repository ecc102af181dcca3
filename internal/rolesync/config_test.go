package rolesync

import (
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv() map[string]string {
	return map[string]string{
		"ROLESYNC_ADMIN_KEY":    "test-admin-key",
		"ROLESYNC_BASE_URL":     "https://roles.example.com",
		"ROLESYNC_TOKEN_KEY":    "0123456789abcdef0123",
		"ROLESYNC_STATE_SECRET": "state-secret-state-secret-state-secret",
		"DISCORD_CLIENT_ID":     "1100000000000000001",
		"DISCORD_CLIENT_SECRET": "client-secret",
		"DISCORD_BOT_TOKEN":     "bot-token",
		"DISCORD_GUILD_ID":      "1200000000000000001",
		"DISCORD_ROLE_FREE":     "1300000000000000001",
		"DISCORD_ROLE_STARTER":  "1300000000000000002",
		"DISCORD_ROLE_PRO":      "1300000000000000003",
		"DISCORD_ROLE_EMPIRE":   "1300000000000000004",
		"STRIPE_WEBHOOK_SECRET": "whsec_test",
	}
}

func withEnv(overrides map[string]string) map[string]string {
	env := validEnv()
	for k, v := range overrides {
		if v == "" {
			delete(env, k)
			continue
		}
		env[k] = v
	}
	return env
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfigFrom(validEnv())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, 8480, cfg.Port)
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, "/data/rolesync", cfg.RegistryDir())
	assert.True(t, cfg.AutoJoin)
	assert.Equal(t, 6*time.Hour, cfg.SweepInterval)
	assert.Equal(t, 4, cfg.SweepConcurrency)
	assert.Equal(t, 60*time.Second, cfg.MaxRetryAfter)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.False(t, cfg.PublicMetrics)
	assert.False(t, cfg.PublicStatus)
	assert.Equal(t, "https://discord.com/api/v10", cfg.Discord.APIBaseURL)
	assert.Equal(t, "https://discord.com/api/v10/oauth2/token", cfg.TokenURL())
	assert.Equal(t, "https://roles.example.com/api/link/callback", cfg.Discord.RedirectURI)
	assert.Empty(t, cfg.PricePlans)

	rc := cfg.RoleConfig()
	assert.Equal(t, "1300000000000000003", rc.Pro)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	_, err := LoadConfigFrom(map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required environment variables")
	for _, name := range []string{"ROLESYNC_ADMIN_KEY", "DISCORD_BOT_TOKEN", "DISCORD_ROLE_EMPIRE", "STRIPE_WEBHOOK_SECRET"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"port", map[string]string{"ROLESYNC_PORT": "70000"}, "ROLESYNC_PORT"},
		{"sweep concurrency", map[string]string{"ROLESYNC_SWEEP_CONCURRENCY": "0"}, "ROLESYNC_SWEEP_CONCURRENCY"},
		{"attempts", map[string]string{"ROLESYNC_MAX_ATTEMPTS": "0"}, "ROLESYNC_MAX_ATTEMPTS"},
		{"short token key", map[string]string{"ROLESYNC_TOKEN_KEY": "short"}, "ROLESYNC_TOKEN_KEY"},
		{"short state secret", map[string]string{"ROLESYNC_STATE_SECRET": "short"}, "ROLESYNC_STATE_SECRET"},
		{"base url scheme", map[string]string{"ROLESYNC_BASE_URL": "ftp://roles.example.com"}, "ROLESYNC_BASE_URL"},
		{"redirect host", map[string]string{"DISCORD_REDIRECT_URI": "https://"}, "DISCORD_REDIRECT_URI"},
		{"duplicate role", map[string]string{"DISCORD_ROLE_PRO": "1300000000000000002"}, "role"},
		{"non-numeric role", map[string]string{"DISCORD_ROLE_FREE": "everyone"}, "role"},
		{"bad price plan", map[string]string{"STRIPE_PRICE_PLANS": "price_1=platinum"}, "STRIPE_PRICE_PLANS"},
		{"price plan without separator", map[string]string{"STRIPE_PRICE_PLANS": "price_1"}, "price_id=plan"},
		{"unparseable duration", map[string]string{"ROLESYNC_SWEEP_INTERVAL": "often"}, "parse env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFrom(withEnv(tt.env))
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.wantErr))
		})
	}
}

func TestLoadConfigPricePlans(t *testing.T) {
	cfg, err := LoadConfigFrom(withEnv(map[string]string{
		"STRIPE_PRICE_PLANS": "price_starter=starter, price_pro=PRO,,price_empire=empire",
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]roles.Plan{
		"price_starter": roles.PlanStarter,
		"price_pro":     roles.PlanPro,
		"price_empire":  roles.PlanEmpire,
	}, cfg.PricePlans)
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfigFrom(withEnv(map[string]string{
		"ROLESYNC_AUTO_JOIN":      "false",
		"ROLESYNC_SWEEP_INTERVAL": "0s",
		"ROLESYNC_ADMIN_KEY":      "  padded-key  ",
		"DISCORD_REDIRECT_URI":    "https://app.example.com/discord/callback",
		"DISCORD_API_BASE_URL":    "http://127.0.0.1:9999/api/",
	}))
	require.NoError(t, err)
	assert.False(t, cfg.AutoJoin)
	assert.Zero(t, cfg.SweepInterval)
	assert.Equal(t, "padded-key", cfg.AdminKey)
	assert.Equal(t, "https://app.example.com/discord/callback", cfg.Discord.RedirectURI)
	assert.Equal(t, "http://127.0.0.1:9999/api/oauth2/token", cfg.TokenURL())

	dc := cfg.ClientConfig(nil, "1.2.3")
	assert.Equal(t, "bot-token", dc.BotToken)
	assert.Contains(t, dc.UserAgent, "1.2.3")
	assert.Equal(t, 3, dc.MaxAttempts)
}
