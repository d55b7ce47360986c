package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/taskengine/credentials"
	"github.com/vinayprograms/taskengine/llm"
	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/vault"
	"github.com/vinayprograms/taskengine/workspace"
)

// CredentialService is the credentials.service value of the model credential.
const CredentialService = "llm"

// App setting keys read by the second resolution tier.
const (
	SettingProvider = "llm_provider"
	SettingModel    = "llm_model"
	SettingAPIKey   = "llm_api_key"
	SettingAPIBase  = "llm_api_base"
)

// Settings is a resolved model configuration.
type Settings struct {
	Provider string
	Model    string
	APIKey   string
	APIBase  string
}

// IsConfigured reports whether a model call can be attempted.
func (s Settings) IsConfigured() bool {
	return s.APIKey != "" || !llm.RequiresKey(s.Provider)
}

// ModelString returns "provider/model".
func (s Settings) ModelString() string {
	return s.Provider + "/" + s.Model
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Store workspace.Store

	// Vault opens the llm credential. Nil skips the first tier.
	Vault *vault.Vault

	// Credentials supplies the process-level key for the last tier.
	// Nil falls back to environment variables only.
	Credentials *credentials.Credentials

	// DefaultModel is "provider/model" or a bare model name.
	// Default: "openai/gpt-4o"
	DefaultModel string

	// CacheTTL bounds how long a resolution is reused.
	// Default: 60 seconds
	CacheTTL time.Duration

	Logger *logging.Logger
}

// Resolver finds the model configuration: the newest llm credential, then
// app settings for whatever is still missing, then the process default.
// Results are cached for CacheTTL.
type Resolver struct {
	store        workspace.Store
	vault        *vault.Vault
	creds        *credentials.Credentials
	defaultModel string
	ttl          time.Duration
	logger       *logging.Logger
	now          func() time.Time

	mu       sync.RWMutex
	cached   *Settings
	cachedAt time.Time
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{
		store:        cfg.Store,
		vault:        cfg.Vault,
		creds:        cfg.Credentials,
		defaultModel: cfg.DefaultModel,
		ttl:          cfg.CacheTTL,
		logger:       cfg.Logger,
		now:          time.Now,
	}
	if r.defaultModel == "" {
		r.defaultModel = "openai/gpt-4o"
	}
	if r.ttl <= 0 {
		r.ttl = 60 * time.Second
	}
	if r.logger == nil {
		r.logger = logging.New()
	}
	r.logger = r.logger.WithComponent("llm-settings")
	return r
}

// Resolve returns the current configuration, from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context) (Settings, error) {
	if s, ok := r.fresh(); ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil && r.now().Sub(r.cachedAt) < r.ttl {
		return *r.cached, nil
	}
	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}

	s := r.resolve(ctx)
	r.cached = &s
	r.cachedAt = r.now()
	return s, nil
}

func (r *Resolver) fresh() (Settings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cached != nil && r.now().Sub(r.cachedAt) < r.ttl {
		return *r.cached, true
	}
	return Settings{}, false
}

// Invalidate drops the cached configuration.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
	r.cachedAt = time.Time{}
}

func (r *Resolver) resolve(ctx context.Context) Settings {
	var s Settings
	r.fromCredential(ctx, &s)

	if s.Provider == "" || s.Model == "" {
		r.fromSettings(ctx, &s)
	}

	if s.Provider == "" || s.Model == "" {
		provider, model, ok := strings.Cut(r.defaultModel, "/")
		if !ok {
			provider, model = "openai", r.defaultModel
		}
		s.Provider, s.Model = provider, model
	}

	if s.APIKey == "" {
		s.APIKey = r.creds.GetAPIKey(s.Provider)
	}
	if s.APIBase == "" {
		s.APIBase = r.creds.GetAPIBase(s.Provider)
	}
	return s
}

func (r *Resolver) fromCredential(ctx context.Context, s *Settings) {
	if r.vault == nil {
		return
	}
	cred, err := r.store.LatestCredential(ctx, CredentialService)
	if err != nil {
		return
	}
	config, err := r.vault.Decrypt(cred.ConfigEncrypted)
	if err != nil {
		r.logger.Warn("llm credential unreadable", map[string]interface{}{"credential": cred.ID, "error": err.Error()})
		return
	}
	s.Provider = stringField(config, "provider")
	s.Model = stringField(config, "model")
	s.APIKey = stringField(config, "api_key")
	s.APIBase = stringField(config, "api_base")
}

func (r *Resolver) fromSettings(ctx context.Context, s *Settings) {
	values, err := r.store.Settings(ctx, SettingProvider, SettingModel, SettingAPIKey, SettingAPIBase)
	if err != nil {
		r.logger.Warn("could not read llm settings, using process default", map[string]interface{}{"error": err.Error()})
		return
	}
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(values[key])
		}
	}
	fill(&s.Provider, SettingProvider)
	fill(&s.Model, SettingModel)
	fill(&s.APIKey, SettingAPIKey)
	fill(&s.APIBase, SettingAPIBase)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
