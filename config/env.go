package config

import (
	"fmt"
	"strconv"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from environment variables. The variable names
// are shared with non-Go plasma components.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	// Durations accept "1s" style values or bare seconds.
	duration := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
			return nil
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: not a duration: %q", key, v)
		}
		dst.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}

	str("PLASMA_BUS", &c.Bus.Backend)
	str("REDIS_HOST", &c.Bus.Redis.Host)
	str("REDIS_PASSWORD", &c.Bus.Redis.Password)
	str("NATS_URL", &c.Bus.NATS.URL)
	str("PLASMA_LOG_LEVEL", &c.Log.Level)
	str("PLASMA_LOG_FORMAT", &c.Log.Format)
	str("PLASMA_JOURNAL", &c.Journal.Path)
	str("PLASMA_PIPELINE", &c.Client.PipelineFile)

	for _, f := range []struct {
		key string
		dst *int
	}{
		{"REDIS_PORT", &c.Bus.Redis.Port},
		{"PLASMA_MAX_TOKENS", &c.Worker.MaxTokens},
	} {
		if err := integer(f.key, f.dst); err != nil {
			return err
		}
	}

	for _, f := range []struct {
		key string
		dst *Duration
	}{
		{"PLASMA_STALE_AFTER", &c.Monitor.StaleAfter},
		{"PLASMA_POLL_INTERVAL", &c.Worker.PollInterval},
		{"PLASMA_HEARTBEAT_INTERVAL", &c.Router.HeartbeatInterval},
		{"PLASMA_TIMEOUT", &c.Client.Timeout},
	} {
		if err := duration(f.key, f.dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("FUSION_OFFLINE"); ok {
		c.Worker.Offline = v == "1" || v == "true"
	}
	if v, ok := lookup("PLASMA_STRICT_ROUTING"); ok {
		c.Router.StrictRouting = v == "1" || v == "true"
	}

	// Model overrides follow the names used by existing agent scripts.
	c.overrideModel(lookup, "OPENAI_MODEL", "chatgpt", "judge")
	c.overrideModel(lookup, "XAI_MODEL", "grok")
	return nil
}

func (c *Config) overrideModel(lookup LookupFunc, key string, agents ...string) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return
	}
	for _, name := range agents {
		if a, ok := c.Agents[name]; ok {
			a.Model = v
			c.Agents[name] = a
		}
	}
}
