package tools

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/vinayprograms/taskengine/vault"
	"github.com/vinayprograms/taskengine/workspace"
)

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}
	return v
}

// seedLoader stores the built-ins plus one tool of each configured kind.
func seedLoader(t *testing.T, ws *workspace.MemoryStore) map[string]string {
	t.Helper()
	if n, err := SeedBuiltins(context.Background(), ws); err != nil || n != 6 {
		t.Fatalf("SeedBuiltins = %d, %v", n, err)
	}
	ids := map[string]string{}
	add := func(d workspace.ToolDefinition) {
		d.IsActive = true
		ids[d.Name] = ws.PutToolDefinition(d)
	}
	add(workspace.ToolDefinition{Name: "weather", Type: workspace.ToolHTTP, Config: map[string]any{"url": "http://example.invalid/weather"}})
	add(workspace.ToolDefinition{Name: "post_webhook", Type: workspace.ToolHTTP, Config: map[string]any{"url": "http://example.invalid/hook", "method": "POST"}})
	add(workspace.ToolDefinition{Name: "mailer", Type: workspace.ToolPlatform, Config: map[string]any{"toolkit": "email"}})
	add(workspace.ToolDefinition{Name: "gmail", Type: workspace.ToolPlatform, Config: map[string]any{"toolkit": "gmail", "credential_service": "gmail"}})
	add(workspace.ToolDefinition{Name: "fax", Type: workspace.ToolPlatform, Config: map[string]any{"toolkit": "fax"}})
	add(workspace.ToolDefinition{Name: "teleport", Type: workspace.ToolBuiltin})
	add(workspace.ToolDefinition{Name: "broken_http", Type: workspace.ToolHTTP, Config: map[string]any{}})
	add(workspace.ToolDefinition{Name: "private", OwnerID: "other-owner", Type: workspace.ToolHTTP, Config: map[string]any{"url": "http://example.invalid"}})
	return ids
}

func TestSeedBuiltins_Idempotent(t *testing.T) {
	ws := newWorkspace(t)
	ctx := context.Background()
	if n, _ := SeedBuiltins(ctx, ws); n != 6 {
		t.Fatalf("first seed added %d", n)
	}
	if n, _ := SeedBuiltins(ctx, ws); n != 0 {
		t.Errorf("second seed added %d", n)
	}
}

func TestLoader_MinimalMode(t *testing.T) {
	ws := newWorkspace(t)
	ids := seedLoader(t, ws)
	l := NewLoader(ws, nil)

	tests := []struct {
		name  string
		scope Scope
		want  []string
	}{
		{
			name:  "writable",
			scope: Scope{OwnerID: testOwner, MinimalMode: true, CanWrite: true},
			want:  []string{AppendTextToPage, SearchKnowledgeBase},
		},
		{
			name:  "ignores allowed ids",
			scope: Scope{OwnerID: testOwner, MinimalMode: true, CanWrite: true, AllowedToolIDs: []string{ids["weather"], ids["mailer"]}},
			want:  []string{AppendTextToPage, SearchKnowledgeBase},
		},
		{
			name:  "read-only drops append",
			scope: Scope{OwnerID: testOwner, MinimalMode: true},
			want:  []string{SearchKnowledgeBase},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := l.Load(context.Background(), tt.scope)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if got := set.Names(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("minimal set = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoader_AllVisible(t *testing.T) {
	ws := newWorkspace(t)
	seedLoader(t, ws)
	l := NewLoader(ws, newVault(t))

	set, err := l.Load(context.Background(), writeScope())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []string{
		AppendTextToPage, CreateNode, FindEntities, GetCommunications,
		"post_webhook", SearchKnowledgeBase, "send_email", UpdateNodeProperties, "weather",
	}
	if got := set.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("set = %v\nwant %v", got, want)
	}
}

func TestLoader_ReadOnlyDropsWriteTools(t *testing.T) {
	ws := newWorkspace(t)
	seedLoader(t, ws)
	l := NewLoader(ws, nil)

	sc := writeScope()
	sc.CanWrite = false
	set, err := l.Load(context.Background(), sc)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []string{FindEntities, GetCommunications, SearchKnowledgeBase, "weather"}
	if got := set.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("read-only set = %v, want %v", got, want)
	}
}

func TestLoader_AllowedToolIDs(t *testing.T) {
	ws := newWorkspace(t)
	ids := seedLoader(t, ws)
	l := NewLoader(ws, nil)

	sc := writeScope()
	sc.AllowedToolIDs = []string{ids["weather"], ids["teleport"]}
	set, err := l.Load(context.Background(), sc)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := set.Names(); !reflect.DeepEqual(got, []string{"weather"}) {
		t.Errorf("set = %v", got)
	}
}

func TestLoader_ToolNameSelection(t *testing.T) {
	ws := newWorkspace(t)
	a := ws.PutToolDefinition(workspace.ToolDefinition{Name: "only_send", Type: workspace.ToolPlatform, IsActive: true,
		Config: map[string]any{"toolkit": "email", "tool_name": "send_email"}})
	b := ws.PutToolDefinition(workspace.ToolDefinition{Name: "missing", Type: workspace.ToolPlatform, IsActive: true,
		Config: map[string]any{"toolkit": "email", "tool_name": "fax_email"}})
	l := NewLoader(ws, nil)

	sc := writeScope()
	sc.AllowedToolIDs = []string{a, b}
	set, err := l.Load(context.Background(), sc)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := set.Names(); !reflect.DeepEqual(got, []string{"send_email"}) {
		t.Errorf("set = %v", got)
	}
}

func TestLoader_HTTPCredential(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		io.WriteString(w, "sunny")
	}))
	defer srv.Close()

	ws := newWorkspace(t)
	v := newVault(t)
	sealed, err := v.Encrypt(map[string]any{"api_key": "k-42"})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	credID := ws.PutCredential(workspace.Credential{OwnerID: testOwner, Service: "weather", ConfigEncrypted: sealed, IsActive: true})
	ws.PutToolDefinition(workspace.ToolDefinition{
		Name: "weather", Type: workspace.ToolHTTP, IsActive: true, CredentialID: credID,
		Config: map[string]any{
			"url":              srv.URL,
			"headers_template": map[string]any{"X-Api-Key": "{{credential.api_key}}"},
		},
	})

	set, err := NewLoader(ws, v, WithHTTPClient(srv.Client())).Load(context.Background(), writeScope())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	out := run(t, set.Get("weather"), Args{"input_text": "Berlin"})
	if out != "sunny" || gotKey != "k-42" {
		t.Errorf("out=%q key=%q", out, gotKey)
	}

	// Without the vault key the credential cannot be opened.
	set, _ = NewLoader(ws, nil, WithHTTPClient(srv.Client())).Load(context.Background(), writeScope())
	if out := run(t, set.Get("weather"), Args{}); out != "Error loading credential: "+vault.ErrNoKey.Error() {
		t.Errorf("out = %q", out)
	}
}

func TestScope_PageAllowed(t *testing.T) {
	all := Scope{PageAccess: workspace.PageAccessAll}
	if !all.PageAllowed("x") {
		t.Error("all access should allow any page")
	}
	sel := Scope{PageAccess: workspace.PageAccessSelected, PageIDs: []string{"a"}}
	if !sel.PageAllowed("a") || sel.PageAllowed("b") {
		t.Error("selected access should allow only listed pages")
	}
}
