package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plasma.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "redis", cfg.Bus.Backend)
	assert.Equal(t, 6379, cfg.Bus.Redis.Port)
	assert.Equal(t, 200, cfg.Worker.MaxTokens)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval.Duration)
	assert.Equal(t, time.Second, cfg.Router.HeartbeatInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Monitor.StaleAfter.Duration)
	assert.Equal(t, 10*time.Second, cfg.Monitor.ReportInterval.Duration)
	assert.False(t, cfg.Router.StrictRouting)
	assert.ElementsMatch(t, []string{"chatgpt", "grok", "judge"}, cfg.AgentNames())
}

func TestLoadFile(t *testing.T) {
	for _, key := range []string{"PLASMA_BUS", "NATS_URL", "PLASMA_POLL_INTERVAL", "PLASMA_MAX_TOKENS", "XAI_MODEL", "OPENAI_MODEL"} {
		t.Setenv(key, "")
	}
	path := writeFile(t, `
[bus]
backend = "nats"

[bus.nats]
url = "nats://broker:4222"

[worker]
poll_interval = "250ms"
max_tokens = 64
claim = true

[telemetry]
endpoint = "localhost:4317"
protocol = "grpc"

[agents.claude]
provider = "anthropic"
model = "claude-3-5-haiku-latest"

[agents.grok]
provider = "xai"
model = "grok-3"
rate_per_minute = 30
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats", cfg.Bus.Backend)
	assert.Equal(t, "nats://broker:4222", cfg.Bus.NATS.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval.Duration)
	assert.Equal(t, 64, cfg.Worker.MaxTokens)
	assert.True(t, cfg.Worker.Claim)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, "anthropic", cfg.Agent("claude").Provider)
	assert.Equal(t, "grok-3", cfg.Agent("grok").Model)
	assert.Equal(t, 30, cfg.Agent("grok").RatePerMinute)
	// Defaults survive for agents the file does not mention.
	assert.Equal(t, "openai", cfg.Agent("chatgpt").Provider)
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := writeFile(t, `
[router]
heartbeat_intervall = "1s"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_intervall")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"PLASMA_BUS":                "memory",
		"REDIS_HOST":                "redis.internal",
		"REDIS_PORT":                "6380",
		"FUSION_OFFLINE":            "1",
		"PLASMA_MAX_TOKENS":         "321",
		"PLASMA_STALE_AFTER":        "5",
		"PLASMA_POLL_INTERVAL":      "100ms",
		"PLASMA_HEARTBEAT_INTERVAL": "2s",
		"PLASMA_STRICT_ROUTING":     "true",
		"OPENAI_MODEL":              "gpt-4o-mini",
		"XAI_MODEL":                 "grok-beta",
	}))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, "redis.internal", cfg.Bus.Redis.Host)
	assert.Equal(t, 6380, cfg.Bus.Redis.Port)
	assert.True(t, cfg.Worker.Offline)
	assert.Equal(t, 321, cfg.Worker.MaxTokens)
	assert.Equal(t, 5*time.Second, cfg.Monitor.StaleAfter.Duration)
	assert.Equal(t, 100*time.Millisecond, cfg.Worker.PollInterval.Duration)
	assert.Equal(t, 2*time.Second, cfg.Router.HeartbeatInterval.Duration)
	assert.True(t, cfg.Router.StrictRouting)
	assert.Equal(t, "gpt-4o-mini", cfg.Agent("chatgpt").Model)
	assert.Equal(t, "gpt-4o-mini", cfg.Agent("judge").Model)
	assert.Equal(t, "grok-beta", cfg.Agent("grok").Model)
}

func TestApplyEnv_BadValues(t *testing.T) {
	for key, val := range map[string]string{
		"REDIS_PORT":         "six",
		"PLASMA_MAX_TOKENS":  "lots",
		"PLASMA_STALE_AFTER": "soon",
	} {
		cfg := Default()
		err := cfg.ApplyEnv(envMap(map[string]string{key: val}))
		assert.Error(t, err, key)
	}
}

func TestApplyEnv_OfflineOnlyWhenOne(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{"FUSION_OFFLINE": "0"})))
	assert.False(t, cfg.Worker.Offline)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Bus.Backend = "kafka" }},
		{"port", func(c *Config) { c.Bus.Redis.Port = 70000 }},
		{"buffer", func(c *Config) { c.Bus.BufferSize = 0 }},
		{"heartbeat", func(c *Config) { c.Router.HeartbeatInterval.Duration = 0 }},
		{"poll", func(c *Config) { c.Worker.PollInterval.Duration = -time.Second }},
		{"tokens", func(c *Config) { c.Worker.MaxTokens = 0 }},
		{"stale", func(c *Config) { c.Monitor.StaleAfter.Duration = 0 }},
		{"timeout", func(c *Config) { c.Client.Timeout.Duration = 0 }},
		{"journal", func(c *Config) { c.Journal.Format = "csv" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"agent provider", func(c *Config) { c.Agents["x"] = AgentConfig{} }},
		{"agent name", func(c *Config) { c.Agents["bad name"] = AgentConfig{Provider: "openai"} }},
		{"negative agent rate", func(c *Config) { c.Agents["grok"] = AgentConfig{Provider: "xai", RatePerMinute: -1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAgentFallback(t *testing.T) {
	a := Default().Agent("unknown")
	assert.Equal(t, "openai", a.Provider)
	assert.NotEmpty(t, a.Model)
}
