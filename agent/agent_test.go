package agent

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/vinayprograms/taskengine/engine"
	"github.com/vinayprograms/taskengine/errors"
	"github.com/vinayprograms/taskengine/llm"
	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/tasks"
	"github.com/vinayprograms/taskengine/tools"
	"github.com/vinayprograms/taskengine/workspace"
)

const testOwner = "owner-1"

type harness struct {
	ws       *workspace.MemoryStore
	tasks    *tasks.MemoryStore
	mock     *llm.MockProvider
	workflow *Workflow
	cfgs     []llm.Config
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	ws, err := workspace.NewMemoryStore()
	if err != nil {
		t.Fatalf("workspace store: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetSetting(SettingProvider, "openai")
	ws.SetSetting(SettingModel, "gpt-4o")
	ws.SetSetting(SettingAPIKey, "sk-test")

	h := &harness{ws: ws, tasks: tasks.NewMemoryStore(), mock: llm.NewMockProvider()}
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	cfg := Config{
		Workspace: ws,
		Tasks:     h.tasks,
		Resolver:  NewResolver(ResolverConfig{Store: ws, Logger: logger}),
		Loader:    tools.NewLoader(ws, nil),
		Providers: func(c llm.Config) (llm.Provider, error) {
			h.cfgs = append(h.cfgs, c)
			return h.mock, nil
		},
		Logger: logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.workflow = New(cfg)
	return h
}

func (h *harness) seedTool(name string) string {
	return h.ws.PutToolDefinition(workspace.ToolDefinition{Name: name, Type: workspace.ToolBuiltin, IsActive: true})
}

func (h *harness) run(t *testing.T, input map[string]any) (map[string]any, *tasks.Task, error) {
	t.Helper()
	id, err := h.tasks.Enqueue(context.Background(), tasks.Task{Workflow: WorkflowName, OwnerID: testOwner, Input: input})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := h.tasks.Claim(context.Background(), nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	out, runErr := h.workflow.Handle(context.Background(), engine.TaskContext{
		TaskID:   id,
		Workflow: WorkflowName,
		OwnerID:  testOwner,
		Input:    input,
	})
	task, err := h.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return out, task, runErr
}

func stepTypes(steps []tasks.TraceStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = string(s.Type)
	}
	return out
}

// === Early exits ===

func TestHandle_EmptyPrompt(t *testing.T) {
	h := newHarness(t)
	out, _, err := h.run(t, map[string]any{"prompt": "   "})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out["error"] != MsgNoPrompt {
		t.Errorf("output = %v", out)
	}
	if h.mock.CallCount() != 0 {
		t.Errorf("model called %d times", h.mock.CallCount())
	}
}

func TestHandle_NotConfigured(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	h := newHarness(t)
	h.ws.SetSetting(SettingAPIKey, "")

	out, _, err := h.run(t, map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out["error"] != MsgNotConfigured {
		t.Errorf("output = %v", out)
	}
	if len(h.cfgs) != 0 {
		t.Error("provider built without configuration")
	}
}

func TestHandle_ModelErrorPropagates(t *testing.T) {
	h := newHarness(t)
	h.mock.PushError(errors.New(errors.ErrCodeUnavailable, "upstream down"))

	_, _, err := h.run(t, map[string]any{"prompt": "hi"})
	if !errors.Is(err, errors.ErrCodeUnavailable) {
		t.Errorf("err = %v, want UNAVAILABLE", err)
	}
}

// === Loop ===

func TestHandle_ToolLoopTrace(t *testing.T) {
	h := newHarness(t)
	h.seedTool(tools.SearchKnowledgeBase)
	h.seedTool(tools.CreateNode)
	memberID := h.ws.PutMember(workspace.Member{Name: "Planner", CanWrite: true, IsActive: true})

	h.mock.Push(&llm.ChatResponse{
		Content: "Let me look that up.",
		ToolCalls: []llm.ToolCallResponse{
			{ID: "c1", Name: tools.SearchKnowledgeBase, Args: map[string]any{"query": "roadmap"}},
			{ID: "c2", Name: tools.CreateNode, Args: map[string]any{"title": "Follow up", "api_key": "sk-abcdefghijkl"}},
		},
	})
	h.mock.Push(&llm.ChatResponse{Content: "Created a follow-up page."})

	out, task, err := h.run(t, map[string]any{"prompt": "plan next steps", "member_id": memberID})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out["response"] != "Created a follow-up page." {
		t.Errorf("output = %v", out)
	}

	want := []string{"thinking", "tool_call", "tool_call", "tool_result", "tool_result", "response"}
	got := stepTypes(task.TraceLog)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	for i, s := range task.TraceLog {
		if s.Step != i+1 {
			t.Errorf("step[%d].Step = %d, want %d", i, s.Step, i+1)
		}
		if s.Timestamp.IsZero() {
			t.Errorf("step %d has no timestamp", s.Step)
		}
	}

	input, _ := task.TraceLog[2].Input.(map[string]any)
	if input["api_key"] != "***REDACTED***" {
		t.Errorf("tool_call input = %v, want api_key redacted", task.TraceLog[2].Input)
	}
	if task.TraceLog[4].DurationMs == nil {
		t.Error("tool_result has no duration")
	}
	if out, _ := task.TraceLog[4].Output.(string); !strings.HasPrefix(out, "Created page") {
		t.Errorf("create_node result = %q", out)
	}

	second := h.mock.Requests()[1]
	var toolMsgs []llm.Message
	for _, m := range second.Messages {
		if m.Role == llm.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 || toolMsgs[0].ToolCallID != "c1" || toolMsgs[1].Name != tools.CreateNode {
		t.Errorf("tool messages = %+v", toolMsgs)
	}
}

func TestHandle_StepCap(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxSteps = 3 })
	h.seedTool(tools.SearchKnowledgeBase)
	h.mock.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{
			{ID: "c", Name: tools.SearchKnowledgeBase, Args: map[string]any{"query": "again"}},
		}}, nil
	}

	out, task, err := h.run(t, map[string]any{"prompt": "loop forever"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out["error"] != "Agent stopped after 3 steps without a final response." {
		t.Errorf("output = %v", out)
	}
	if len(task.TraceLog) != 6 {
		t.Errorf("trace length = %d, want 6 (3 calls and 3 results)", len(task.TraceLog))
	}
	for _, s := range task.TraceLog {
		if s.Type == tasks.StepResponse {
			t.Error("unexpected response step")
		}
	}
	if len(h.ws.Writes()) != 0 {
		t.Error("audit row written for an unfinished run")
	}
}

func TestHandle_ReadOnlyMember(t *testing.T) {
	h := newHarness(t)
	searchID := h.seedTool(tools.SearchKnowledgeBase)
	createID := h.seedTool(tools.CreateNode)
	memberID := h.ws.PutMember(workspace.Member{
		Name:     "Librarian",
		ToolIDs:  []string{searchID, createID},
		CanWrite: false,
		IsActive: true,
	})

	h.mock.Push(&llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{
		{ID: "w", Name: tools.CreateNode, Args: map[string]any{"title": "sneaky"}},
	}})
	h.mock.Push(&llm.ChatResponse{Content: "I cannot create pages."})

	out, task, err := h.run(t, map[string]any{"prompt": "make a page", "member_id": memberID})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out["response"] != "I cannot create pages." {
		t.Errorf("output = %v", out)
	}

	first := h.mock.Requests()[0]
	if !strings.Contains(first.Messages[0].Content, "read-only access") {
		t.Error("system prompt lacks the read-only banner")
	}
	for _, d := range first.Tools {
		if d.Name == tools.CreateNode {
			t.Error("write tool offered to a read-only member")
		}
	}

	second := h.mock.Requests()[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Content != `Error: tool "create_node" is not available.` {
		t.Errorf("tool result = %q", last.Content)
	}
	if got := stepTypes(task.TraceLog); strings.Join(got, ",") != "response" {
		t.Errorf("steps = %v, want only the response", got)
	}
}

func offeredTools(req *llm.ChatRequest) string {
	var names []string
	for _, d := range req.Tools {
		names = append(names, d.Name)
	}
	return strings.Join(names, ",")
}

func TestHandle_MinimalMode(t *testing.T) {
	h := newHarness(t)
	findID := h.seedTool(tools.FindEntities)
	createID := h.seedTool(tools.CreateNode)
	memberID := h.ws.PutMember(workspace.Member{
		Name:     "Clerk",
		ToolIDs:  []string{findID, createID},
		CanWrite: true,
		IsActive: true,
	})
	h.mock.SetResponse("ok")

	if _, _, err := h.run(t, map[string]any{"prompt": "hi", "member_id": memberID, "minimal_mode": true}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := offeredTools(h.mock.LastRequest()); got != tools.SearchKnowledgeBase+","+tools.AppendTextToPage {
		t.Errorf("tools = %v", got)
	}
}

func TestHandle_MinimalModeReadOnlyMember(t *testing.T) {
	h := newHarness(t)
	memberID := h.ws.PutMember(workspace.Member{Name: "Reader", CanWrite: false, IsActive: true})

	h.mock.Push(&llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{
		{ID: "a", Name: tools.AppendTextToPage, Args: map[string]any{"node_id": "n1", "text": "note"}},
	}})
	h.mock.Push(&llm.ChatResponse{Content: "Nothing appended."})

	_, task, err := h.run(t, map[string]any{"prompt": "append a note", "member_id": memberID, "minimal_mode": true})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := offeredTools(h.mock.LastRequest()); got != tools.SearchKnowledgeBase {
		t.Errorf("tools = %v, want search only", got)
	}
	if got := stepTypes(task.TraceLog); strings.Join(got, ",") != "response" {
		t.Errorf("steps = %v, want only the response", got)
	}
}

func TestHandle_DefaultProfileToolSet(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
	}{
		{"no member", map[string]any{"prompt": "hi"}},
		{"unknown member", map[string]any{"prompt": "hi", "member_id": "00000000-0000-0000-0000-000000000000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			for _, name := range []string{
				tools.SearchKnowledgeBase, tools.FindEntities, tools.GetCommunications,
				tools.CreateNode, tools.UpdateNodeProperties, tools.AppendTextToPage,
			} {
				h.seedTool(name)
			}
			h.mock.SetResponse("ok")

			if _, _, err := h.run(t, tt.input); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if got := offeredTools(h.mock.LastRequest()); got != tools.SearchKnowledgeBase+","+tools.AppendTextToPage {
				t.Errorf("tools = %v, want the minimal pair", got)
			}
		})
	}
}

func TestLoadProfile_MemberLeavesMinimal(t *testing.T) {
	ws, err := workspace.NewMemoryStore()
	if err != nil {
		t.Fatalf("workspace store: %v", err)
	}
	defer ws.Close()
	memberID := ws.PutMember(workspace.Member{Name: "Scout", CanWrite: true, IsActive: true})

	p, err := LoadProfile(context.Background(), ws, memberID, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Minimal || p.MemberID != memberID {
		t.Errorf("profile = %+v, want the member's full configuration", p)
	}
	if d := DefaultProfile(); !d.Minimal {
		t.Error("default profile is not minimal")
	}
}

func TestHandle_MemberModelOverride(t *testing.T) {
	h := newHarness(t)
	memberID := h.ws.PutMember(workspace.Member{Name: "Writer", Model: "gpt-4o-mini", CanWrite: true, IsActive: true})
	h.mock.SetResponse("ok")
	convID := "conv-1"

	if _, _, err := h.run(t, map[string]any{"prompt": "hi", "member_id": memberID, "conversation_id": convID}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(h.cfgs) != 1 || h.cfgs[0].Model != "gpt-4o-mini" || h.cfgs[0].Provider != "openai" || h.cfgs[0].APIKey != "sk-test" {
		t.Errorf("provider config = %+v", h.cfgs)
	}
	msgs, _ := h.ws.ConversationMessages(context.Background(), convID, 0)
	if got := msgs[len(msgs)-1].Metadata["model"]; got != "gpt-4o-mini" {
		t.Errorf("reply metadata model = %v", got)
	}
}

// === Surfaces ===

func TestHandle_ConversationMode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	convID := "conv-1"
	_ = h.ws.SaveMessage(ctx, workspace.Message{ConversationID: convID, Role: workspace.RoleUser, Content: "earlier question"})
	_ = h.ws.SaveMessage(ctx, workspace.Message{ConversationID: convID, Role: workspace.RoleAssistant, Content: "earlier answer"})
	h.mock.SetResponse("new answer")

	out, _, err := h.run(t, map[string]any{"prompt": "follow up", "conversation_id": convID})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out["response"] != "new answer" {
		t.Errorf("output = %v", out)
	}

	req := h.mock.LastRequest()
	var roles []string
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Errorf("roles = %v", roles)
	}
	if req.Messages[3].Content != "follow up" {
		t.Errorf("last turn = %q", req.Messages[3].Content)
	}

	msgs, _ := h.ws.ConversationMessages(ctx, convID, 0)
	if len(msgs) != 4 {
		t.Fatalf("stored messages = %d, want 4", len(msgs))
	}
	if msgs[2].Role != workspace.RoleUser || msgs[2].Content != "follow up" {
		t.Errorf("stored prompt = %+v", msgs[2])
	}
	reply := msgs[3]
	if reply.Role != workspace.RoleAssistant || reply.Content != "new answer" || reply.Metadata["model"] != "default" {
		t.Errorf("stored reply = %+v", reply)
	}

	writes := h.ws.Writes()
	if len(writes) != 1 || writes[0].TableName != "agent_tasks" || writes[0].ActorType != "agent" {
		t.Fatalf("audit writes = %+v", writes)
	}
	if writes[0].NewData["response"] != "new answer" {
		t.Errorf("audit data = %v", writes[0].NewData)
	}
}

func TestHandle_ChannelMode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	memberID := h.ws.PutMember(workspace.Member{Name: "Scout", CanWrite: true, IsActive: true})
	chID := "chan-1"
	_ = h.ws.SaveChannelMessage(ctx, workspace.ChannelMessage{ChannelID: chID, AuthorName: "Dana", Content: "hello team"})
	_ = h.ws.SaveChannelMessage(ctx, workspace.ChannelMessage{ChannelID: chID, MemberID: memberID, AuthorName: "Scout", Content: "hi Dana"})
	_ = h.ws.SaveChannelMessage(ctx, workspace.ChannelMessage{ChannelID: chID, AuthorName: "Dana", Content: "@Scout status?"})
	h.mock.SetResponse("all green")

	if _, _, err := h.run(t, map[string]any{"prompt": "@Scout status?", "channel_id": chID, "member_id": memberID}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	req := h.mock.LastRequest()
	if len(req.Messages) != 4 {
		t.Fatalf("messages = %d, want system plus 3 posts", len(req.Messages))
	}
	if req.Messages[1].Role != llm.RoleUser || req.Messages[1].Content != "Dana: hello team" {
		t.Errorf("first post = %+v", req.Messages[1])
	}
	if req.Messages[2].Role != llm.RoleAssistant || req.Messages[2].Content != "hi Dana" {
		t.Errorf("own post = %+v", req.Messages[2])
	}

	posts, _ := h.ws.ChannelMessages(ctx, chID, 0)
	reply := posts[len(posts)-1]
	if reply.MemberID != memberID || reply.AuthorName != "Scout" || reply.Content != "all green" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestHandle_PageContext(t *testing.T) {
	h := newHarness(t)
	nodeID, _ := h.ws.PutNode(workspace.Node{
		OwnerID:    testOwner,
		Type:       workspace.NodePage,
		Title:      "Launch plan",
		SearchText: "ship in March",
		Properties: map[string]any{"status": "draft"},
	})
	h.mock.SetResponse("ok")

	input := map[string]any{"prompt": "summarize this", "node_id": nodeID}
	id, _ := h.tasks.Enqueue(context.Background(), tasks.Task{Workflow: WorkflowName, OwnerID: testOwner, Input: input})
	_, _ = h.tasks.Claim(context.Background(), nil)
	if _, err := h.workflow.Handle(context.Background(), engine.TaskContext{TaskID: id, NodeID: nodeID, OwnerID: testOwner, Input: input}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	system := h.mock.LastRequest().Messages[0].Content
	for _, want := range []string{"## Current page context", "Title: Launch plan", "Content: ship in March", `"status":"draft"`, "## Recent workspace pages", "- [page] Launch plan"} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}
