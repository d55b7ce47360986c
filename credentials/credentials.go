// Package credentials supplies the process-level model API key used when
// neither a stored credential nor workspace settings configure one.
//
// Keys come from credentials.toml, searched in StandardPaths order, and
// then from the provider's conventional environment variable:
//
//	[llm]
//	api_key = "..."          # any provider
//
//	[anthropic]
//	api_key = "..."
//
//	[ollama]
//	api_base = "http://gpu-box:11434/v1"
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when the file is readable by group or others.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Credentials holds per-provider sections from credentials.toml.
type Credentials struct {
	// LLM is the generic section used when no provider section matches.
	LLM *ProviderCreds

	providers map[string]*ProviderCreds
}

// ProviderCreds holds one provider's section.
type ProviderCreds struct {
	APIKey  string `toml:"api_key"`
	APIBase string `toml:"api_base"`
}

// StandardPaths returns credential file locations in priority order.
func StandardPaths() []string {
	paths := []string{"credentials.toml"}
	if dir := os.Getenv("TASKENGINE_CREDENTIALS_DIR"); dir != "" {
		paths = append(paths, filepath.Join(dir, "credentials.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskengine", "credentials.toml"))
	}
	paths = append(paths, "/etc/taskengine/credentials.toml")
	return paths
}

// Load reads the first existing file from StandardPaths. A missing file
// is not an error; the returned Credentials then only consults the
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
	return &Credentials{providers: map[string]*ProviderCreds{}}, "", nil
}

// LoadFile reads one credentials file. On Unix the file must not be
// accessible by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (group/other bits must be clear)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var sections map[string]ProviderCreds
	if _, err := toml.DecodeFile(path, &sections); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	creds := &Credentials{providers: make(map[string]*ProviderCreds, len(sections))}
	for name, section := range sections {
		if section.APIKey == "" && section.APIBase == "" {
			continue
		}
		s := section
		if name == "llm" {
			creds.LLM = &s
			continue
		}
		creds.providers[normalize(name)] = &s
	}
	return creds, nil
}

func normalize(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "gemini" {
		return "google"
	}
	return strings.ReplaceAll(p, "-", "")
}

func (c *Credentials) section(provider string) *ProviderCreds {
	if c == nil {
		return nil
	}
	return c.providers[normalize(provider)]
}

// GetAPIKey returns the key for provider.
// Priority: [provider] section, [llm] section, environment variable.
func (c *Credentials) GetAPIKey(provider string) string {
	if s := c.section(provider); s != nil && s.APIKey != "" {
		return s.APIKey
	}
	if c != nil && c.LLM != nil && c.LLM.APIKey != "" {
		return c.LLM.APIKey
	}
	if env := EnvVarForProvider(provider); env != "" {
		return os.Getenv(env)
	}
	return ""
}

// GetAPIBase returns a configured base URL override for provider, or "".
func (c *Credentials) GetAPIBase(provider string) string {
	if s := c.section(provider); s != nil && s.APIBase != "" {
		return s.APIBase
	}
	if c != nil && c.LLM != nil {
		return c.LLM.APIBase
	}
	return ""
}

// Providers lists the provider sections present in the file.
func (c *Credentials) Providers() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	return names
}

// EnvVarForProvider returns the conventional API key variable for a
// provider. Ollama runs keyless and has none.
func EnvVarForProvider(provider string) string {
	switch normalize(provider) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai", "openaicompat":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "ollama":
		return ""
	default:
		return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(provider), "-", "_")) + "_API_KEY"
	}
}
