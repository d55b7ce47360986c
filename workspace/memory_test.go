package workspace

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemory(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := NewMemoryStore(WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

const owner = "owner-a"

func TestCreateNodeDefaultsAndAttribution(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()

	id, err := s.CreateNode(ctx, AgentActor("task-1"), Node{
		OwnerID:    owner,
		Type:       "spreadsheet",
		Title:      "Trip",
		Properties: map[string]any{"source": "agent"},
	})
	if err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}

	n, err := s.GetNode(ctx, id)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if n.Type != NodePage {
		t.Errorf("Expected unknown type to fall back to page, got %s", n.Type)
	}
	if n.Properties["source"] != "agent" {
		t.Errorf("Expected properties preserved, got %v", n.Properties)
	}

	revs := s.Revisions(id)
	if len(revs) != 1 {
		t.Fatalf("Expected 1 revision, got %d", len(revs))
	}
	if revs[0].Actor != (Actor{Type: "agent", ID: "task-1"}) {
		t.Errorf("Expected agent attribution, got %+v", revs[0].Actor)
	}
}

func TestCreateNodeRequiresOwner(t *testing.T) {
	s, _ := newMemory(t)
	if _, err := s.CreateNode(context.Background(), Actor{}, Node{Title: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestGetOwnedNode(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	id, _ := s.PutNode(Node{OwnerID: owner, Type: NodePage, Title: "Mine"})

	if _, err := s.GetOwnedNode(ctx, id, owner); err != nil {
		t.Errorf("Expected owner to see node, got %v", err)
	}
	if _, err := s.GetOwnedNode(ctx, id, "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for other owner, got %v", err)
	}
	if _, err := s.GetNode(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMergeNodeProperties(t *testing.T) {
	s, clock := newMemory(t)
	ctx := context.Background()
	id, _ := s.PutNode(Node{OwnerID: owner, Type: NodePage, Title: "P", Properties: map[string]any{"a": "1", "b": "2"}})

	clock.Advance(time.Minute)
	if err := s.MergeNodeProperties(ctx, Actor{}, id, map[string]any{"b": "3", "c": "4"}); err != nil {
		t.Fatalf("MergeNodeProperties failed: %v", err)
	}
	n, _ := s.GetNode(ctx, id)
	want := map[string]any{"a": "1", "b": "3", "c": "4"}
	for k, v := range want {
		if n.Properties[k] != v {
			t.Errorf("Expected %s=%v, got %v", k, v, n.Properties[k])
		}
	}
	if !n.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("Expected updated_at bumped, got %v", n.UpdatedAt)
	}

	if err := s.MergeNodeProperties(ctx, Actor{}, "missing", map[string]any{"x": 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestReturnedNodesAreCopies(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	id, _ := s.PutNode(Node{OwnerID: owner, Type: NodePage, Title: "P", Properties: map[string]any{"k": "v"}})

	n, _ := s.GetNode(ctx, id)
	n.Properties["k"] = "mutated"

	again, _ := s.GetNode(ctx, id)
	if again.Properties["k"] != "v" {
		t.Errorf("Expected stored node untouched, got %v", again.Properties["k"])
	}
}

func TestSetNodeContentReindexes(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	id, _ := s.PutNode(Node{OwnerID: owner, Type: NodePage, Title: "Journal"})

	hits, _ := s.SearchNodes(ctx, owner, "marmalade", 10)
	if len(hits) != 0 {
		t.Fatalf("Expected no hits before append, got %d", len(hits))
	}

	err := s.SetNodeContent(ctx, AgentActor("task-9"), id, owner, []Block{NewParagraphBlock("orange marmalade recipe")})
	if err != nil {
		t.Fatalf("SetNodeContent failed: %v", err)
	}
	n, _ := s.GetNode(ctx, id)
	if n.SearchText != "Journal orange marmalade recipe" {
		t.Errorf("Unexpected search text %q", n.SearchText)
	}

	hits, err = s.SearchNodes(ctx, owner, "marmalade", 10)
	if err != nil {
		t.Fatalf("SearchNodes failed: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != id {
		t.Fatalf("Expected hit on %s, got %+v", id, hits)
	}
	if !strings.Contains(hits[0].Snippet, "**marmalade**") {
		t.Errorf("Expected highlighted snippet, got %q", hits[0].Snippet)
	}

	if err := s.SetNodeContent(ctx, Actor{}, id, "intruder", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for other owner, got %v", err)
	}
}

func TestSearchNodesScopesOwnerAndCarriesParent(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	parent, _ := s.PutNode(Node{OwnerID: owner, Type: NodeDatabase, Title: "Recipes"})
	child, _ := s.PutNode(Node{OwnerID: owner, ParentID: parent, Type: NodeDatabaseRow, Title: "Sourdough starter"})
	s.PutNode(Node{OwnerID: "owner-b", Type: NodePage, Title: "Sourdough notes"})

	hits, err := s.SearchNodes(ctx, owner, "sourdough", 10)
	if err != nil {
		t.Fatalf("SearchNodes failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Expected 1 owner-scoped hit, got %+v", hits)
	}
	if hits[0].ID != child || hits[0].ParentID != parent {
		t.Errorf("Expected child with parent, got %+v", hits[0])
	}

	if hits, _ := s.SearchNodes(ctx, owner, "   ", 10); hits != nil {
		t.Errorf("Expected nil for blank query, got %v", hits)
	}
}

func TestRecentNodes(t *testing.T) {
	s, clock := newMemory(t)
	ctx := context.Background()

	first, _ := s.PutNode(Node{OwnerID: owner, Type: NodePage, Title: "first"})
	clock.Advance(time.Second)
	second, _ := s.PutNode(Node{OwnerID: owner, Type: NodeDatabase, Title: "second"})
	s.PutNode(Node{OwnerID: owner, ParentID: second, Type: NodeDatabaseRow, Title: "row"})
	third, _ := s.PutNode(Node{OwnerID: owner, Type: NodePage, Title: "third"})
	s.PutNode(Node{OwnerID: "other", Type: NodePage, Title: "theirs"})

	got, err := s.RecentNodes(ctx, owner, 5)
	if err != nil {
		t.Fatalf("RecentNodes failed: %v", err)
	}
	var ids []string
	for _, n := range got {
		ids = append(ids, n.ID)
	}
	want := []string{third, second, first}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, ids)
	}

	got, _ = s.RecentNodes(ctx, owner, 1)
	if len(got) != 1 || got[0].ID != third {
		t.Errorf("Expected limit applied, got %+v", got)
	}
}

func TestCreateEdgeIdempotent(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	a, _ := s.PutNode(Node{OwnerID: owner, Title: "a", Type: NodePage})
	b, _ := s.PutNode(Node{OwnerID: owner, Title: "b", Type: NodePage})

	for i := 0; i < 2; i++ {
		if err := s.CreateEdge(ctx, a, b, "MENTIONS"); err != nil {
			t.Fatalf("CreateEdge failed: %v", err)
		}
	}
	if got := s.Edges(a, "MENTIONS"); len(got) != 1 || got[0] != b {
		t.Errorf("Expected single edge to %s, got %v", b, got)
	}
	if err := s.CreateEdge(ctx, a, "missing", "MENTIONS"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestFindEntities(t *testing.T) {
	s, clock := newMemory(t)
	ctx := context.Background()
	alice, _ := s.CreateEntity(ctx, Entity{DisplayName: "Alice Smith", ResolutionKeys: []string{"alice@example.com"}})
	clock.Advance(time.Second)
	acme, _ := s.CreateEntity(ctx, Entity{DisplayName: "Acme Corp", Type: EntityOrg})
	clock.Advance(time.Second)
	s.CreateEntity(ctx, Entity{DisplayName: "Deploy Bot", Type: EntityBot})

	tests := []struct {
		name   string
		filter EntityFilter
		want   []string
	}{
		{"name is case-insensitive substring", EntityFilter{Name: "SMITH"}, []string{alice}},
		{"type filter", EntityFilter{Type: EntityOrg}, []string{acme}},
		{"name and type", EntityFilter{Name: "a", Type: EntityPerson}, []string{alice}},
		{"limit keeps newest", EntityFilter{Limit: 1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FindEntities(ctx, tt.filter)
			if err != nil {
				t.Fatalf("FindEntities failed: %v", err)
			}
			if tt.want == nil {
				if len(got) != 1 || got[0].DisplayName != "Deploy Bot" {
					t.Errorf("Expected newest entity only, got %+v", got)
				}
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d entities, got %+v", len(tt.want), got)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("Expected %s at %d, got %s", id, i, got[i].ID)
				}
			}
		})
	}

	e, err := s.EntityByResolutionKey(ctx, "alice@example.com")
	if err != nil || e.ID != alice {
		t.Errorf("Expected alice by key, got %+v (%v)", e, err)
	}
	if e.Email() != "alice@example.com" {
		t.Errorf("Expected email, got %q", e.Email())
	}
	if _, err := s.EntityByResolutionKey(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCommunications(t *testing.T) {
	s, clock := newMemory(t)
	ctx := context.Background()
	alice, _ := s.CreateEntity(ctx, Entity{DisplayName: "Alice"})

	if _, err := s.InsertCommunication(ctx, Communication{Channel: "fax", Direction: "inbound"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for bad channel, got %v", err)
	}

	s.InsertCommunication(ctx, Communication{Channel: "email", Direction: "inbound", FromEntityID: alice, Subject: "old"})
	clock.Advance(time.Minute)
	s.InsertCommunication(ctx, Communication{Channel: "slack", Direction: "inbound", Subject: "anon"})
	clock.Advance(time.Minute)
	s.InsertCommunication(ctx, Communication{Channel: "email", Direction: "outbound", FromEntityID: alice, Subject: "new"})

	all, _ := s.Communications(ctx, CommunicationFilter{})
	if len(all) != 3 || all[0].Subject != "new" || all[2].Subject != "old" {
		t.Fatalf("Expected newest first, got %+v", all)
	}
	if all[0].FromName != "Alice" {
		t.Errorf("Expected sender name joined, got %q", all[0].FromName)
	}
	if all[1].FromName != "" {
		t.Errorf("Expected unknown sender empty, got %q", all[1].FromName)
	}

	byEntity, _ := s.Communications(ctx, CommunicationFilter{EntityID: alice, Limit: 1})
	if len(byEntity) != 1 || byEntity[0].Subject != "new" {
		t.Errorf("Expected latest from alice, got %+v", byEntity)
	}
	slack, _ := s.Communications(ctx, CommunicationFilter{Channel: "slack"})
	if len(slack) != 1 || slack[0].Subject != "anon" {
		t.Errorf("Expected slack only, got %+v", slack)
	}
}

func TestConversationMessagesKeepsLatestInOrder(t *testing.T) {
	s, clock := newMemory(t)
	ctx := context.Background()
	for _, c := range []string{"one", "two", "three"} {
		if err := s.SaveMessage(ctx, Message{ConversationID: "conv", Role: RoleUser, Content: c}); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
		clock.Advance(time.Second)
	}
	s.SaveMessage(ctx, Message{ConversationID: "other", Role: RoleUser, Content: "x"})

	got, _ := s.ConversationMessages(ctx, "conv", 2)
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "three" {
		t.Errorf("Expected [two three], got %+v", got)
	}
	if err := s.SaveMessage(ctx, Message{Role: RoleUser}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestChannelMessages(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	s.SaveChannelMessage(ctx, ChannelMessage{ChannelID: "ch", AuthorName: "u", Content: "a"})
	s.SaveChannelMessage(ctx, ChannelMessage{ChannelID: "ch", AuthorName: "u", Content: "b"})
	s.SaveChannelMessage(ctx, ChannelMessage{ChannelID: "ch", MemberID: "m", AuthorName: "Scout", Content: "c", TaskID: "t"})
	got, _ := s.ChannelMessages(ctx, "ch", 30)
	if len(got) != 3 || got[2].Content != "c" || got[2].TaskID != "t" {
		t.Errorf("Unexpected channel history %+v", got)
	}
}

func TestGetMemberActiveOnly(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	active := s.PutMember(Member{OwnerID: owner, Name: "Scout", Kind: "ai", IsActive: true, ToolIDs: []string{"t1"}})
	inactive := s.PutMember(Member{OwnerID: owner, Name: "Old", Kind: "ai"})

	m, err := s.GetMember(ctx, active)
	if err != nil {
		t.Fatalf("GetMember failed: %v", err)
	}
	if m.PageAccess != PageAccessAll {
		t.Errorf("Expected default page access all, got %q", m.PageAccess)
	}
	if _, err := s.GetMember(ctx, inactive); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for inactive member, got %v", err)
	}
}

func TestToolDefinitionsScoping(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()

	inserted, _ := s.SeedToolDefinition(ctx, ToolDefinition{Name: "search_knowledge_base", Type: ToolBuiltin})
	if !inserted {
		t.Fatal("Expected first seed to insert")
	}
	again, _ := s.SeedToolDefinition(ctx, ToolDefinition{Name: "search_knowledge_base", Type: ToolBuiltin})
	if again {
		t.Error("Expected second seed to be a no-op")
	}

	mine := s.PutToolDefinition(ToolDefinition{OwnerID: owner, Name: "weather", Type: ToolHTTP, IsActive: true})
	s.PutToolDefinition(ToolDefinition{OwnerID: "owner-b", Name: "theirs", Type: ToolHTTP, IsActive: true})
	off := s.PutToolDefinition(ToolDefinition{OwnerID: owner, Name: "disabled", Type: ToolHTTP})

	all, _ := s.ToolDefinitions(ctx, owner, nil)
	var names []string
	for _, d := range all {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "search_knowledge_base,weather" {
		t.Errorf("Expected system and owned tools, got %v", names)
	}

	picked, _ := s.ToolDefinitions(ctx, owner, []string{mine, off})
	if len(picked) != 1 || picked[0].ID != mine {
		t.Errorf("Expected only active listed tool, got %+v", picked)
	}
}

func TestCredentials(t *testing.T) {
	s, clock := newMemory(t)
	ctx := context.Background()

	older := s.PutCredential(Credential{OwnerID: owner, Service: "llm", IsActive: true})
	clock.Advance(time.Minute)
	newer := s.PutCredential(Credential{OwnerID: "owner-b", Service: "llm", IsActive: true})
	clock.Advance(time.Minute)
	s.PutCredential(Credential{OwnerID: owner, Service: "llm"})

	latest, err := s.LatestCredential(ctx, "llm")
	if err != nil || latest.ID != newer {
		t.Errorf("Expected newest active credential, got %+v (%v)", latest, err)
	}
	mine, _ := s.CredentialsByService(ctx, "llm", owner)
	if len(mine) != 1 || mine[0].ID != older {
		t.Errorf("Expected owner's active credential, got %+v", mine)
	}
	if _, err := s.LatestCredential(ctx, "gmail"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSettingsAndWrites(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	s.SetSetting("smtp_host", "mail.example.com")

	got, _ := s.Settings(ctx, "smtp_host", "smtp_port")
	if len(got) != 1 || got["smtp_host"] != "mail.example.com" {
		t.Errorf("Expected only present keys, got %v", got)
	}

	s.RecordWrite(ctx, Write{TaskID: "t", TableName: "nodes", RowID: "n", Operation: "UPDATE", NewData: map[string]any{"ai_summary": "x"}})
	writes := s.Writes()
	if len(writes) != 1 || writes[0].NewData["ai_summary"] != "x" {
		t.Errorf("Unexpected writes %+v", writes)
	}
}

func TestBlocksText(t *testing.T) {
	blocks := []Block{
		NewParagraphBlock("first"),
		{
			"type":    "bulletListItem",
			"content": []any{map[string]any{"type": "text", "text": "second"}},
			"children": []any{
				map[string]any{"content": []any{map[string]any{"type": "text", "text": "nested"}}},
			},
		},
	}
	if got := BlocksText(blocks); got != "first second nested" {
		t.Errorf("Expected flattened text, got %q", got)
	}
	if got := SearchText("Title", nil); got != "Title" {
		t.Errorf("Expected title only, got %q", got)
	}
	if got := SearchText("", blocks[:1]); got != "first" {
		t.Errorf("Expected body only, got %q", got)
	}
}
