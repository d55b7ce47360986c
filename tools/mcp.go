package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const mcpTimeout = 30 * time.Second

// ClientName and ClientVersion identify the engine to remote MCP servers.
var (
	ClientName    = "taskengine"
	ClientVersion = "dev"
)

// MCPToolkit exposes every tool of a remote MCP server reachable over
// streamable HTTP at config.url.
type MCPToolkit struct{}

func (MCPToolkit) Tools(ctx context.Context, env ToolkitEnv) ([]Tool, error) {
	url, _ := env.Config.Raw["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("mcp: url is required")
	}

	headers := map[string]string{}
	if env.Config.AuthType == "token" {
		key := env.Config.AuthKwarg
		token := credentialString(env.Credential, key, "token", "access_token", "api_key")
		if token == "" {
			return nil, fmt.Errorf("mcp: credential has no token")
		}
		headers["Authorization"] = "Bearer " + token
	}

	opts := []transport.StreamableHTTPCOption{transport.WithHTTPTimeout(mcpTimeout)}
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}
	if env.HTTPClient != nil {
		opts = append(opts, transport.WithHTTPBasicClient(env.HTTPClient))
	}
	c, err := client.NewStreamableHttpClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp: start: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: ClientName, Version: ClientVersion}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp: initialize: %w", err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp: list tools: %w", err)
	}
	if env.OnClose != nil {
		env.OnClose(c.Close)
	}

	out := make([]Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		out = append(out, newMCPTool(c, t))
	}
	return out, nil
}

type mcpTool struct {
	client   *client.Client
	name     string
	desc     string
	params   map[string]any
	readOnly bool
}

func newMCPTool(c *client.Client, t mcp.Tool) *mcpTool {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if raw, err := json.Marshal(t.InputSchema); err == nil {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil && m != nil {
			params = m
		}
	}
	return &mcpTool{
		client:   c,
		name:     t.Name,
		desc:     t.Description,
		params:   params,
		readOnly: t.Annotations.ReadOnlyHint != nil && *t.Annotations.ReadOnlyHint,
	}
}

func (t *mcpTool) Name() string               { return t.name }
func (t *mcpTool) Description() string        { return t.desc }
func (t *mcpTool) Parameters() map[string]any { return t.params }

// Mutates is false only for tools the server marks read-only.
func (t *mcpTool) Mutates() bool { return !t.readOnly }

func (t *mcpTool) Execute(ctx context.Context, args Args) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = map[string]any(args)

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return fmt.Sprintf("MCP call failed: %v", err), nil
	}

	var parts []string
	for _, c := range res.Content {
		if text, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, text.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "Error: " + text, nil
	}
	return text, nil
}
