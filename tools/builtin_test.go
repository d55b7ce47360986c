package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/taskengine/workspace"
)

const testOwner = "owner-a"

func newWorkspace(t *testing.T) *workspace.MemoryStore {
	t.Helper()
	ws, err := workspace.NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeScope() Scope {
	return Scope{OwnerID: testOwner, TaskID: "task-1", CanWrite: true, PageAccess: workspace.PageAccessAll}
}

func run(t *testing.T, tool Tool, args Args) string {
	t.Helper()
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("%s returned error: %v", tool.Name(), err)
	}
	return out
}

func TestBuiltin_UnknownName(t *testing.T) {
	if Builtin("drop_tables", newWorkspace(t), writeScope()) != nil {
		t.Error("expected nil for unknown builtin")
	}
}

func TestBuiltin_Mutates(t *testing.T) {
	ws := newWorkspace(t)
	tests := map[string]bool{
		SearchKnowledgeBase:  false,
		FindEntities:         false,
		GetCommunications:    false,
		CreateNode:           true,
		UpdateNodeProperties: true,
		AppendTextToPage:     true,
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			tool := Builtin(name, ws, writeScope())
			if tool == nil {
				t.Fatalf("builtin %s missing", name)
			}
			if got := Mutates(tool); got != want {
				t.Errorf("Mutates(%s) = %v, want %v", name, got, want)
			}
			if tool.Parameters()["type"] != "object" {
				t.Errorf("%s parameters should be an object schema", name)
			}
		})
	}
}

func TestSearchKnowledgeBase(t *testing.T) {
	ws := newWorkspace(t)
	ws.PutNode(workspace.Node{
		OwnerID: testOwner, Type: workspace.NodePage, Title: "Budget review",
		Content: []workspace.Block{workspace.NewParagraphBlock("quarterly budget figures")},
	})
	ws.PutNode(workspace.Node{OwnerID: "someone-else", Type: workspace.NodePage, Title: "Budget secrets"})

	tool := Builtin(SearchKnowledgeBase, ws, writeScope())

	out := run(t, tool, Args{"query": "budget"})
	if !strings.HasPrefix(out, "Found 1 results:") {
		t.Fatalf("unexpected output: %q", out)
	}
	if !strings.Contains(out, `[page] "Budget review"`) {
		t.Errorf("missing hit line: %q", out)
	}
	if strings.Contains(out, "secrets") {
		t.Errorf("search leaked another owner's node: %q", out)
	}

	if out := run(t, tool, Args{"query": "zebra"}); out != "No results found." {
		t.Errorf("got %q", out)
	}

	noOwner := Builtin(SearchKnowledgeBase, ws, Scope{})
	if out := run(t, noOwner, Args{"query": "budget"}); out != "Error: owner_id is required to search." {
		t.Errorf("got %q", out)
	}
}

func TestFindEntities(t *testing.T) {
	ws := newWorkspace(t)
	ctx := context.Background()
	ws.CreateEntity(ctx, workspace.Entity{DisplayName: "Alice Smith", Type: workspace.EntityPerson, ResolutionKeys: []string{"alice@example.com"}})
	ws.CreateEntity(ctx, workspace.Entity{DisplayName: "Acme", Type: workspace.EntityOrg})

	tool := Builtin(FindEntities, ws, writeScope())

	tests := []struct {
		name string
		args Args
		want []string
	}{
		{"by name", Args{"name": "alice"}, []string{"Found 1 entities:", "- Alice Smith (person) id=", " email=alice@example.com"}},
		{"by type", Args{"entity_type": "org"}, []string{"Found 1 entities:", "- Acme (org)"}},
		{"invalid type ignored", Args{"entity_type": "robot"}, []string{"Found 2 entities:"}},
		{"none", Args{"name": "zed"}, []string{"No entities found."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := run(t, tool, tt.args)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %q missing %q", out, w)
				}
			}
		})
	}

	if out := run(t, tool, Args{"entity_type": "org"}); strings.Contains(out, "email=") {
		t.Errorf("org without address should not show email: %q", out)
	}
}

func TestGetCommunications(t *testing.T) {
	ws := newWorkspace(t)
	ctx := context.Background()
	alice, _ := ws.CreateEntity(ctx, workspace.Entity{DisplayName: "Alice"})
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ws.InsertCommunication(ctx, workspace.Communication{
		Channel: "email", Direction: "inbound", FromEntityID: alice,
		Subject: "Invoice", ContentText: strings.Repeat("x", 400), Timestamp: ts,
	})
	ws.InsertCommunication(ctx, workspace.Communication{
		Channel: "webhook", Direction: "inbound", Timestamp: ts.Add(time.Minute),
	})

	tool := Builtin(GetCommunications, ws, writeScope())

	out := run(t, tool, Args{"entity_id": alice})
	want := "Found 1 communications:\n- [email/inbound] From: Alice | Subject: Invoice\n  " +
		strings.Repeat("x", 300) + "\n  Time: 2026-03-01T09:00:00Z"
	if out != want {
		t.Errorf("got %q\nwant %q", out, want)
	}

	out = run(t, tool, Args{"channel": "webhook"})
	if !strings.Contains(out, "From: Unknown | Subject: (no subject)\n  (empty)") {
		t.Errorf("unexpected placeholders: %q", out)
	}

	if out := run(t, tool, Args{"channel": "carrier-pigeon"}); !strings.HasPrefix(out, "Found 2 communications:") {
		t.Errorf("invalid channel should be ignored: %q", out)
	}
	if out := run(t, tool, Args{"entity_id": "nobody"}); out != "No communications found." {
		t.Errorf("got %q", out)
	}
}

func TestCreateNode(t *testing.T) {
	ws := newWorkspace(t)
	parent, _ := ws.PutNode(workspace.Node{OwnerID: testOwner, Type: workspace.NodePage, Title: "Projects"})
	tool := Builtin(CreateNode, ws, writeScope())

	out := run(t, tool, Args{
		"title":      "Call Bob",
		"node_type":  "spreadsheet",
		"parent_id":  parent,
		"properties": `{"status": "todo"}`,
	})
	if !strings.HasPrefix(out, `Created page "Call Bob" with id=`) {
		t.Fatalf("unexpected output: %q", out)
	}
	id := strings.TrimPrefix(out, `Created page "Call Bob" with id=`)

	n, err := ws.GetNode(context.Background(), id)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if n.ParentID != parent {
		t.Errorf("ParentID = %q, want %q", n.ParentID, parent)
	}
	if n.Properties["status"] != "todo" || n.Properties["source"] != "agent" {
		t.Errorf("Properties = %v", n.Properties)
	}
	revs := ws.Revisions(id)
	if len(revs) != 1 || revs[0].Actor != workspace.AgentActor("task-1") {
		t.Errorf("expected one agent-attributed revision, got %+v", revs)
	}

	t.Run("bad properties json", func(t *testing.T) {
		out := run(t, tool, Args{"title": "Loose", "properties": "{not json"})
		id := out[strings.LastIndex(out, "=")+1:]
		n, err := ws.GetNode(context.Background(), id)
		if err != nil {
			t.Fatalf("GetNode failed for %q: %v", out, err)
		}
		if len(n.Properties) != 1 || n.Properties["source"] != "agent" {
			t.Errorf("Properties = %v", n.Properties)
		}
	})

	t.Run("missing parent", func(t *testing.T) {
		out := run(t, tool, Args{"title": "Orphan", "parent_id": "missing"})
		if out != "Error: parent page not found or access denied." {
			t.Errorf("got %q", out)
		}
	})

	t.Run("no owner", func(t *testing.T) {
		out := run(t, Builtin(CreateNode, ws, Scope{CanWrite: true}), Args{"title": "x"})
		if out != "Error: owner_id is required to create a node." {
			t.Errorf("got %q", out)
		}
	})

	t.Run("read only", func(t *testing.T) {
		sc := writeScope()
		sc.CanWrite = false
		if out := run(t, Builtin(CreateNode, ws, sc), Args{"title": "x"}); out != readOnlyMessage {
			t.Errorf("got %q", out)
		}
	})
}

func TestUpdateNodeProperties(t *testing.T) {
	ws := newWorkspace(t)
	id, _ := ws.PutNode(workspace.Node{
		OwnerID: testOwner, Type: workspace.NodePage, Title: "Task",
		Properties: map[string]any{"status": "todo", "priority": "high"},
	})
	foreign, _ := ws.PutNode(workspace.Node{OwnerID: "other", Type: workspace.NodePage, Title: "Theirs"})
	tool := Builtin(UpdateNodeProperties, ws, writeScope())

	out := run(t, tool, Args{"node_id": id, "properties": `{"status":"done"}`})
	if out != `Updated node `+id+` with {"status":"done"}` {
		t.Errorf("got %q", out)
	}
	n, _ := ws.GetNode(context.Background(), id)
	if n.Properties["status"] != "done" || n.Properties["priority"] != "high" {
		t.Errorf("merge lost keys: %v", n.Properties)
	}

	if out := run(t, tool, Args{"node_id": id, "properties": "nope"}); out != "Error: properties must be valid JSON." {
		t.Errorf("got %q", out)
	}
	if out := run(t, tool, Args{"node_id": foreign, "properties": `{"a":1}`}); out != "Node "+foreign+" not found or not updated." {
		t.Errorf("got %q", out)
	}
}

func TestAppendTextToPage(t *testing.T) {
	ws := newWorkspace(t)
	page, _ := ws.PutNode(workspace.Node{
		OwnerID: testOwner, Type: workspace.NodePage, Title: "Notes",
		Content: []workspace.Block{workspace.NewParagraphBlock("first")},
	})
	row, _ := ws.PutNode(workspace.Node{OwnerID: testOwner, Type: workspace.NodeDatabaseRow, Title: "Row"})
	tool := Builtin(AppendTextToPage, ws, writeScope())

	if out := run(t, tool, Args{"node_id": page, "text": "  second  "}); out != "Appended text to page "+page {
		t.Fatalf("got %q", out)
	}
	n, _ := ws.GetNode(context.Background(), page)
	if got := workspace.BlocksText(n.Content); !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Errorf("content = %q", got)
	}
	if !strings.Contains(n.SearchText, "second") {
		t.Errorf("search text not refreshed: %q", n.SearchText)
	}

	tests := []struct {
		name string
		args Args
		want string
	}{
		{"empty text", Args{"node_id": page, "text": "   "}, "Error: text cannot be empty."},
		{"missing page", Args{"node_id": "nope", "text": "x"}, "Error: page not found or access denied."},
		{"wrong type", Args{"node_id": row, "text": "x"}, "Error: node " + row + " is type 'database_row', expected 'page'."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out := run(t, tool, tt.args); out != tt.want {
				t.Errorf("got %q, want %q", out, tt.want)
			}
		})
	}
}

func TestSelectedPageAccess(t *testing.T) {
	ws := newWorkspace(t)
	allowed, _ := ws.PutNode(workspace.Node{OwnerID: testOwner, Type: workspace.NodePage, Title: "Allowed"})
	hidden, _ := ws.PutNode(workspace.Node{OwnerID: testOwner, Type: workspace.NodePage, Title: "Hidden"})

	sc := writeScope()
	sc.PageAccess = workspace.PageAccessSelected
	sc.PageIDs = []string{allowed}

	appendTool := Builtin(AppendTextToPage, ws, sc)
	if out := run(t, appendTool, Args{"node_id": hidden, "text": "x"}); out != "Error: page not found or access denied." {
		t.Errorf("append outside selection: %q", out)
	}
	if out := run(t, appendTool, Args{"node_id": allowed, "text": "x"}); out != "Appended text to page "+allowed {
		t.Errorf("append inside selection: %q", out)
	}

	update := Builtin(UpdateNodeProperties, ws, sc)
	if out := run(t, update, Args{"node_id": hidden, "properties": `{"a":1}`}); out != "Node "+hidden+" not found or not updated." {
		t.Errorf("update outside selection: %q", out)
	}

	create := Builtin(CreateNode, ws, sc)
	if out := run(t, create, Args{"title": "Child", "parent_id": hidden}); out != "Error: parent page not found or access denied." {
		t.Errorf("create under hidden parent: %q", out)
	}
}
