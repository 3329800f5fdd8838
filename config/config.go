// Package config loads plasma process configuration from a TOML file and
// environment overrides.
//
// Precedence, lowest first: built-in defaults, the TOML file, environment
// variables. Every process (router, worker, monitor, client) reads the
// same file and uses the sections it needs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML strings such as "1s" or "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full plasma configuration.
type Config struct {
	Bus       BusConfig              `toml:"bus"`
	Router    RouterConfig           `toml:"router"`
	Worker    WorkerConfig           `toml:"worker"`
	Monitor   MonitorConfig          `toml:"monitor"`
	Client    ClientConfig           `toml:"client"`
	Journal   JournalConfig          `toml:"journal"`
	Log       LogConfig              `toml:"log"`
	Telemetry TelemetryConfig        `toml:"telemetry"`
	Agents    map[string]AgentConfig `toml:"agents"`
}

// BusConfig selects the message bus backend.
type BusConfig struct {
	// Backend is one of redis, nats, memory.
	Backend    string      `toml:"backend"`
	BufferSize int         `toml:"buffer_size"`
	Redis      RedisConfig `toml:"redis"`
	NATS       NATSConfig  `toml:"nats"`

	// ConnectAttempts bounds the initial connection retries.
	ConnectAttempts int `toml:"connect_attempts"`
}

// RedisConfig addresses a Redis broker.
type RedisConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// NATSConfig addresses a NATS server.
type NATSConfig struct {
	URL    string `toml:"url"`
	Bucket string `toml:"bucket"`
}

// RouterConfig controls the inbox router.
type RouterConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`

	// StrictRouting answers tasks for unknown agents with an error result
	// instead of dropping them silently.
	StrictRouting bool `toml:"strict_routing"`
}

// WorkerConfig holds defaults shared by every agent worker.
type WorkerConfig struct {
	PollInterval Duration `toml:"poll_interval"`
	MaxTokens    int      `toml:"max_tokens"`

	// Offline replaces every completion with a deterministic echo.
	Offline bool `toml:"offline"`

	// QueueGroup makes workers of the same agent share tasks.
	QueueGroup bool `toml:"queue_group"`

	// Claim records each task in the state store and answers it only if
	// no other worker already has.
	Claim bool `toml:"claim"`
}

// AgentConfig binds an agent name to a completion provider.
type AgentConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	BaseURL   string `toml:"base_url"`
	MaxTokens int    `toml:"max_tokens"`

	// Preamble is prepended to every prompt this agent receives.
	Preamble string `toml:"preamble"`

	// RatePerMinute caps calls to the agent's provider; zero is no cap.
	// Workers sharing a provider halve it together on a 429.
	RatePerMinute int `toml:"rate_per_minute"`
}

// MonitorConfig controls the heartbeat monitor.
type MonitorConfig struct {
	StaleAfter     Duration `toml:"stale_after"`
	ReportInterval Duration `toml:"report_interval"`
}

// ClientConfig controls submit and pipeline calls.
type ClientConfig struct {
	Timeout      Duration `toml:"timeout"`
	PipelineFile string   `toml:"pipeline_file"`
}

// JournalConfig controls message persistence.
type JournalConfig struct {
	// Path of the journal; empty disables it.
	Path string `toml:"path"`

	// Format is jsonl or sqlite.
	Format string `toml:"format"`

	// Index, when set, is a directory for a full-text index of entries.
	Index string `toml:"index"`
}

// TelemetryConfig controls span export. Tracing is off unless an
// endpoint is set here or in OTEL_EXPORTER_OTLP_ENDPOINT.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"`

	// Protocol is grpc or http.
	Protocol string `toml:"protocol"`
	Insecure bool   `toml:"insecure"`

	// Debug records prompts and answers on spans.
	Debug bool `toml:"debug"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Backend:         "redis",
			BufferSize:      256,
			Redis:           RedisConfig{Host: "localhost", Port: 6379},
			NATS:            NATSConfig{URL: "nats://localhost:4222", Bucket: "plasma-state"},
			ConnectAttempts: 5,
		},
		Router: RouterConfig{
			HeartbeatInterval: Duration{time.Second},
		},
		Worker: WorkerConfig{
			PollInterval: Duration{time.Second},
			MaxTokens:    200,
		},
		Monitor: MonitorConfig{
			StaleAfter:     Duration{30 * time.Second},
			ReportInterval: Duration{10 * time.Second},
		},
		Client: ClientConfig{
			Timeout: Duration{60 * time.Second},
		},
		Journal: JournalConfig{Format: "jsonl"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Agents: map[string]AgentConfig{
			"chatgpt": {Provider: "openai", Model: "gpt-4o"},
			"grok":    {Provider: "xai", Model: "grok-2-latest", MaxTokens: 512},
			"judge":   {Provider: "openai", Model: "gpt-4o", MaxTokens: 500, Preamble: JudgePreamble},
		},
	}
}

// JudgePreamble frames the judge agent's review of earlier answers.
const JudgePreamble = `You are the Judge Agent. Analyze the following AI output:
- Score accuracy (0-10)
- Score depth (0-10)
- Score clarity (0-10)
- Identify hallucination likelihood (low, medium, high)
- Decide if follow-up is needed
- Suggest which agent should follow if needed
- Provide a one-sentence verdict

TASK DATA:
`

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	// Agent entries in the file replace defaults of the same name only.
	defaults := c.Agents
	c.Agents = nil

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	merged := make(map[string]AgentConfig, len(defaults)+len(c.Agents))
	for name, a := range defaults {
		merged[name] = a
	}
	for name, a := range c.Agents {
		merged[name] = a
	}
	c.Agents = merged
	return nil
}

// Agent returns the configuration for name, falling back to an OpenAI
// agent when name is not configured.
func (c *Config) Agent(name string) AgentConfig {
	if a, ok := c.Agents[name]; ok {
		return a
	}
	return AgentConfig{Provider: "openai", Model: "gpt-4o-mini"}
}

// AgentNames returns the configured agent names.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	return names
}

// Validate rejects configurations no process could run with.
func (c *Config) Validate() error {
	switch c.Bus.Backend {
	case "redis", "nats", "memory":
	default:
		return fmt.Errorf("bus.backend: unknown backend %q", c.Bus.Backend)
	}
	if c.Bus.Redis.Port <= 0 || c.Bus.Redis.Port > 65535 {
		return fmt.Errorf("bus.redis.port: %d out of range", c.Bus.Redis.Port)
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus.buffer_size must be positive")
	}
	if c.Router.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("router.heartbeat_interval must be positive")
	}
	if c.Worker.PollInterval.Duration <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Worker.MaxTokens <= 0 {
		return fmt.Errorf("worker.max_tokens must be positive")
	}
	if c.Monitor.StaleAfter.Duration <= 0 {
		return fmt.Errorf("monitor.stale_after must be positive")
	}
	if c.Client.Timeout.Duration <= 0 {
		return fmt.Errorf("client.timeout must be positive")
	}
	switch c.Journal.Format {
	case "jsonl", "sqlite":
	default:
		return fmt.Errorf("journal.format: unknown format %q", c.Journal.Format)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol: unknown protocol %q", c.Telemetry.Protocol)
	}
	for name, a := range c.Agents {
		if name == "" || strings.ContainsAny(name, " \t") {
			return fmt.Errorf("agents: invalid agent name %q", name)
		}
		if a.Provider == "" {
			return fmt.Errorf("agents.%s.provider is required", name)
		}
		if a.RatePerMinute < 0 {
			return fmt.Errorf("agents.%s.rate_per_minute must not be negative", name)
		}
	}
	return nil
}
