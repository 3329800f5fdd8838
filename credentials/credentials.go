// Package credentials resolves completion-provider API keys for plasma
// agents.
//
// Keys come from a credentials.toml file with one section per provider
// and an optional generic [llm] section, falling back to the environment
// variables the agent scripts have always used (OPENAI_API_KEY,
// XAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY).
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Credentials holds API keys by provider.
type Credentials struct {
	// LLM is the generic key used when no provider section matches.
	LLM *ProviderCreds

	providers map[string]*ProviderCreds
	lookupEnv func(string) (string, bool)
}

// ProviderCreds holds credentials for a single provider.
type ProviderCreds struct {
	APIKey string `toml:"api_key"`
}

// aliases maps agent-facing names to provider names.
var aliases = map[string]string{
	"chatgpt": "openai",
	"grok":    "xai",
	"gemini":  "google",
	"claude":  "anthropic",
}

// Canonical returns the provider name for p, resolving aliases such as
// grok -> xai.
func Canonical(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if c, ok := aliases[p]; ok {
		return c
	}
	return p
}

// StandardPaths returns the credential file locations in priority order.
func StandardPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "plasma", "credentials.toml"),
			filepath.Join(home, ".plasma", "credentials.toml"),
		)
	}
	return paths
}

// Load loads credentials from the first available standard location.
// A missing file is not an error: the result then reads only the
// environment.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return FromEnv(), "", nil
}

// FromEnv returns credentials backed only by environment variables.
func FromEnv() *Credentials {
	return &Credentials{providers: make(map[string]*ProviderCreds)}
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions unless the file is owner read-only.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var sections map[string]ProviderCreds
	if _, err := toml.DecodeFile(path, &sections); err != nil {
		return nil, fmt.Errorf("credentials %s: %w", path, err)
	}

	creds := FromEnv()
	for name, section := range sections {
		if section.APIKey == "" {
			continue
		}
		pc := &ProviderCreds{APIKey: section.APIKey}
		if name == "llm" {
			creds.LLM = pc
			continue
		}
		creds.providers[Canonical(name)] = pc
	}
	return creds, nil
}

// GetAPIKey returns the API key for a provider or agent alias.
// Priority: [provider] section > [llm] section > environment variable.
func (c *Credentials) GetAPIKey(provider string) string {
	provider = Canonical(provider)
	if c != nil {
		if pc, ok := c.providers[provider]; ok {
			return pc.APIKey
		}
		if c.LLM != nil && c.LLM.APIKey != "" {
			return c.LLM.APIKey
		}
	}

	lookup := os.LookupEnv
	if c != nil && c.lookupEnv != nil {
		lookup = c.lookupEnv
	}
	v, _ := lookup(EnvVar(provider))
	return v
}

// Providers lists the providers with a key in the file.
func (c *Credentials) Providers() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnvVar returns the environment variable holding provider's key.
func EnvVar(provider string) string {
	switch Canonical(provider) {
	case "openai":
		return "OPENAI_API_KEY"
	case "xai":
		return "XAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(Canonical(provider), "-", "_")) + "_API_KEY"
	}
}
