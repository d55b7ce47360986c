package tools

import (
	"context"
	"net/http"

	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/workspace"
)

// Platform toolkit names.
const (
	ToolkitEmail = "email"
	ToolkitGmail = "gmail"
	ToolkitMCP   = "mcp"
)

// PlatformConfig is the config column of a platform tool definition.
type PlatformConfig struct {
	Toolkit           string
	ToolName          string
	CredentialService string
	AuthType          string
	AuthKwarg         string
	Raw               map[string]any
}

// ParsePlatformConfig reads a platform tool config.
func ParsePlatformConfig(cfg map[string]any) PlatformConfig {
	c := PlatformConfig{Raw: cfg}
	c.Toolkit, _ = cfg["toolkit"].(string)
	c.ToolName, _ = cfg["tool_name"].(string)
	c.CredentialService, _ = cfg["credential_service"].(string)
	if auth, ok := cfg["auth"].(map[string]any); ok {
		c.AuthType, _ = auth["type"].(string)
		c.AuthKwarg, _ = auth["kwarg"].(string)
	}
	if c.Raw == nil {
		c.Raw = map[string]any{}
	}
	return c
}

// ToolkitEnv is what a toolkit sees when it builds its tools.
type ToolkitEnv struct {
	Store  workspace.Store
	Scope  Scope
	Config PlatformConfig

	// Credential holds the decrypted credential fields, or nil.
	Credential map[string]any

	HTTPClient *http.Client
	Logger     *logging.Logger

	// OnClose registers cleanup to run when the tool set is closed.
	OnClose func(func() error)
}

// Toolkit is a platform integration that contributes one or more tools.
type Toolkit interface {
	Tools(ctx context.Context, env ToolkitEnv) ([]Tool, error)
}

// ToolkitFunc adapts a function to Toolkit.
type ToolkitFunc func(ctx context.Context, env ToolkitEnv) ([]Tool, error)

func (f ToolkitFunc) Tools(ctx context.Context, env ToolkitEnv) ([]Tool, error) {
	return f(ctx, env)
}

// credentialString returns the first non-empty string field among keys.
func credentialString(cred map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := cred[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
