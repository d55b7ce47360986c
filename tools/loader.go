package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/ratelimit"
	"github.com/vinayprograms/taskengine/vault"
	"github.com/vinayprograms/taskengine/workspace"
)

var errNoCredential = errors.New("no credential")

// Scope is the per-task context every loaded tool closes over.
type Scope struct {
	OwnerID string
	TaskID  string

	// AllowedToolIDs restricts loading to these definition ids. Empty
	// means every active definition visible to the owner.
	AllowedToolIDs []string

	// MinimalMode loads only search_knowledge_base and append_text_to_page.
	MinimalMode bool

	CanWrite   bool
	PageAccess string
	PageIDs    []string
}

// PageAllowed reports whether the scope may touch node id.
func (s Scope) PageAllowed(id string) bool {
	if s.PageAccess != workspace.PageAccessSelected {
		return true
	}
	for _, p := range s.PageIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Loader turns stored tool definitions into a Set for one task.
type Loader struct {
	store    workspace.Store
	vault    *vault.Vault
	limiter  ratelimit.Limiter
	client   *http.Client
	timeout  time.Duration
	logger   *logging.Logger
	toolkits map[string]Toolkit
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLimiter budgets HTTP tool calls.
func WithLimiter(l ratelimit.Limiter) LoaderOption {
	return func(ld *Loader) { ld.limiter = l }
}

// WithHTTPClient sets the client used by HTTP tools and remote toolkits.
func WithHTTPClient(c *http.Client) LoaderOption {
	return func(ld *Loader) { ld.client = c }
}

// WithHTTPTimeout bounds each HTTP tool call.
func WithHTTPTimeout(d time.Duration) LoaderOption {
	return func(ld *Loader) { ld.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// WithToolkit registers or replaces a platform toolkit.
func WithToolkit(name string, k Toolkit) LoaderOption {
	return func(ld *Loader) { ld.toolkits[name] = k }
}

// NewLoader creates a loader with the email, gmail and mcp toolkits.
// v may be nil when no credentials are configured.
func NewLoader(store workspace.Store, v *vault.Vault, opts ...LoaderOption) *Loader {
	l := &Loader{
		store:   store,
		vault:   v,
		timeout: DefaultHTTPTimeout,
		logger:  logging.Nop(),
		toolkits: map[string]Toolkit{
			ToolkitEmail: NewEmailToolkit(store, nil),
			ToolkitGmail: &GmailToolkit{},
			ToolkitMCP:   MCPToolkit{},
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithComponent("tools")
	return l
}

// Load builds the tool set for scope. Definitions that cannot be built are
// logged and skipped. Mutating tools are dropped when the scope cannot
// write. This applies to the minimal pair too, leaving only search.
func (l *Loader) Load(ctx context.Context, scope Scope) (*Set, error) {
	if scope.MinimalMode {
		set := NewSet(
			Builtin(SearchKnowledgeBase, l.store, scope),
			Builtin(AppendTextToPage, l.store, scope),
		)
		if !scope.CanWrite {
			set = set.ReadOnly()
		}
		return set, nil
	}

	defs, err := l.store.ToolDefinitions(ctx, scope.OwnerID, scope.AllowedToolIDs)
	if err != nil {
		return nil, fmt.Errorf("load tool definitions: %w", err)
	}

	set := NewSet()
	for _, d := range defs {
		switch d.Type {
		case workspace.ToolBuiltin:
			t := Builtin(d.Name, l.store, scope)
			if t == nil {
				l.logger.Warn("unknown builtin tool", map[string]interface{}{"tool": d.Name})
				continue
			}
			set.Add(t)

		case workspace.ToolHTTP:
			cfg, err := ParseHTTPConfig(d.Name, d.Config)
			if err != nil {
				l.logger.Warn("skipping http tool", map[string]interface{}{"tool": d.Name, "error": err.Error()})
				continue
			}
			if d.Description != "" {
				if _, explicit := d.Config["description"]; !explicit {
					cfg.Description = d.Description
				}
			}
			var cred CredentialFunc
			if d.CredentialID != "" {
				id := d.CredentialID
				cred = func(ctx context.Context) (map[string]any, error) { return l.credentialByID(ctx, id) }
			}
			set.Add(NewHTTPTool(d.Name, cfg, cred, l.client, l.timeout, l.limiter))

		case workspace.ToolPlatform:
			l.loadPlatform(ctx, set, d, scope)

		default:
			l.logger.Debug("skipping tool type", map[string]interface{}{"tool": d.Name, "type": d.Type})
		}
	}

	if !scope.CanWrite {
		set = set.ReadOnly()
	}
	return set, nil
}

func (l *Loader) loadPlatform(ctx context.Context, set *Set, d workspace.ToolDefinition, scope Scope) {
	cfg := ParsePlatformConfig(d.Config)
	if cfg.Toolkit == "" {
		l.logger.Warn("platform tool has no toolkit", map[string]interface{}{"tool": d.Name})
		return
	}
	kit, ok := l.toolkits[cfg.Toolkit]
	if !ok {
		l.logger.Warn("unknown toolkit", map[string]interface{}{"tool": d.Name, "toolkit": cfg.Toolkit})
		return
	}

	cred, err := l.platformCredential(ctx, d, cfg, scope)
	if errors.Is(err, errNoCredential) {
		l.logger.Info("no credential for platform tool, skipping", map[string]interface{}{
			"tool":    d.Name,
			"service": cfg.CredentialService,
		})
		return
	}
	if err != nil {
		l.logger.Warn("platform credential unavailable", map[string]interface{}{"tool": d.Name, "error": err.Error()})
		return
	}

	built, err := kit.Tools(ctx, ToolkitEnv{
		Store:      l.store,
		Scope:      scope,
		Config:     cfg,
		Credential: cred,
		HTTPClient: l.client,
		Logger:     l.logger,
		OnClose:    set.OnClose,
	})
	if err != nil {
		l.logger.Warn("platform toolkit failed", map[string]interface{}{
			"tool":    d.Name,
			"toolkit": cfg.Toolkit,
			"error":   err.Error(),
		})
		return
	}

	if cfg.ToolName == "" {
		for _, t := range built {
			set.Add(t)
		}
		return
	}
	for _, t := range built {
		if t.Name() == cfg.ToolName {
			set.Add(t)
			return
		}
	}
	l.logger.Warn("unknown toolkit tool", map[string]interface{}{
		"tool":      d.Name,
		"toolkit":   cfg.Toolkit,
		"tool_name": cfg.ToolName,
	})
}

// platformCredential resolves the definition's own credential first, then
// the owner's newest credential for the configured service.
func (l *Loader) platformCredential(ctx context.Context, d workspace.ToolDefinition, cfg PlatformConfig, scope Scope) (map[string]any, error) {
	if d.CredentialID != "" {
		return l.credentialByID(ctx, d.CredentialID)
	}
	if cfg.CredentialService == "" {
		return nil, nil
	}
	creds, err := l.store.CredentialsByService(ctx, cfg.CredentialService, scope.OwnerID)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, errNoCredential
	}
	return l.vault.Decrypt(creds[0].ConfigEncrypted)
}

func (l *Loader) credentialByID(ctx context.Context, id string) (map[string]any, error) {
	c, err := l.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.vault.Decrypt(c.ConfigEncrypted)
}
