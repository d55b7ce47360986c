// Package agent runs the conversational tool-calling workflow.
//
// One run resolves a persona profile and model configuration, assembles the
// system prompt and message history, then alternates model calls and tool
// executions until the model answers without calling a tool or the step cap
// is reached. The redacted step trace, the reply and an audit row are
// persisted before the handler returns.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/taskengine/engine"
	"github.com/vinayprograms/taskengine/llm"
	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/ratelimit"
	"github.com/vinayprograms/taskengine/security"
	"github.com/vinayprograms/taskengine/tasks"
	"github.com/vinayprograms/taskengine/telemetry"
	"github.com/vinayprograms/taskengine/tools"
	"github.com/vinayprograms/taskengine/workspace"
)

// WorkflowName is the agent_tasks.workflow value this package handles.
const WorkflowName = "agent"

// Handled failure texts returned in the task output.
const (
	MsgNoPrompt      = "No prompt provided in task input."
	MsgNotConfigured = "LLM not configured. Go to Settings to add your API key."
)

// Input keys read by the agent.
const (
	InputPrompt      = "prompt"
	InputMinimalMode = "minimal_mode"
)

const auditResponseMax = 2000

// Config configures a Workflow.
type Config struct {
	Workspace workspace.Store
	Tasks     tasks.Store
	Resolver  *Resolver
	Loader    *tools.Loader

	// Models builds the provider for each run. When nil one is assembled
	// from Resolver, Providers, Limiter, MaxTokens and LLMTimeout.
	Models *ModelBuilder

	// Providers builds the model client. Default: llm.NewProvider.
	Providers ProviderFactory

	// Limiter budgets model calls. Nil means unlimited.
	Limiter ratelimit.Limiter

	Tracer *telemetry.Tracer
	Logger *logging.Logger

	// MaxSteps caps model calls per run. Default: 10
	MaxSteps int

	// MaxTokens per model call. Default: 4096
	MaxTokens int

	// LLMTimeout bounds one model attempt. Zero means none.
	LLMTimeout time.Duration

	// TraceTextMax truncates every string written to the trace.
	// Default: 4000
	TraceTextMax int

	// HistoryLimit and ChannelHistoryLimit bound replayed messages.
	// Defaults: 50 and 30
	HistoryLimit        int
	ChannelHistoryLimit int
}

// Workflow is the agent handler.
type Workflow struct {
	store     workspace.Store
	tasks     tasks.Store
	loader    *tools.Loader
	models    *ModelBuilder
	tracer    *telemetry.Tracer
	logger    *logging.Logger
	redactor  *security.Redactor

	maxSteps            int
	maxTokens           int
	historyLimit        int
	channelHistoryLimit int
}

// New creates the agent workflow.
func New(cfg Config) *Workflow {
	w := &Workflow{
		store:               cfg.Workspace,
		tasks:               cfg.Tasks,
		loader:              cfg.Loader,
		models:              cfg.Models,
		tracer:              cfg.Tracer,
		logger:              cfg.Logger,
		redactor:            security.NewRedactor(cfg.TraceTextMax),
		maxSteps:            cfg.MaxSteps,
		maxTokens:           cfg.MaxTokens,
		historyLimit:        cfg.HistoryLimit,
		channelHistoryLimit: cfg.ChannelHistoryLimit,
	}
	if w.tracer == nil {
		w.tracer = telemetry.GetTracer()
	}
	if w.logger == nil {
		w.logger = logging.New()
	}
	w.logger = w.logger.WithComponent("agent")
	if w.maxSteps <= 0 {
		w.maxSteps = 10
	}
	if w.maxTokens <= 0 {
		w.maxTokens = 4096
	}
	if w.historyLimit <= 0 {
		w.historyLimit = 50
	}
	if w.channelHistoryLimit <= 0 {
		w.channelHistoryLimit = 30
	}
	if w.loader == nil {
		w.loader = tools.NewLoader(w.store, nil)
	}
	if w.models == nil {
		resolver := cfg.Resolver
		if resolver == nil {
			resolver = NewResolver(ResolverConfig{Store: w.store, Logger: w.logger})
		}
		w.models = &ModelBuilder{
			Resolver:  resolver,
			Providers: cfg.Providers,
			Limiter:   cfg.Limiter,
			Tracer:    w.tracer,
			MaxTokens: w.maxTokens,
			Timeout:   cfg.LLMTimeout,
		}
	}
	return w
}

// Handle runs one agent task.
func (w *Workflow) Handle(ctx context.Context, tc engine.TaskContext) (map[string]any, error) {
	logger := w.logger.WithTaskID(tc.TaskID)

	prompt := strings.TrimSpace(inputString(tc.Input, InputPrompt))
	if prompt == "" {
		return map[string]any{"error": MsgNoPrompt}, nil
	}
	conversationID := inputString(tc.Input, engine.InputConversationID)
	channelID := inputString(tc.Input, engine.InputChannelID)

	pctx, span := w.tracer.StartPhaseSpan(ctx, telemetry.PhaseLoadProfile)
	profile, err := LoadProfile(pctx, w.store, inputString(tc.Input, engine.InputMemberID), logger)
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	if inputBool(tc.Input, InputMinimalMode) {
		profile.Minimal = true
	}

	pctx, span = w.tracer.StartPhaseSpan(ctx, telemetry.PhaseBuildModel)
	model, err := w.models.Build(pctx, profile.Model)
	telemetry.EndSpan(span, err)
	if IsNotConfigured(err) {
		return map[string]any{"error": MsgNotConfigured}, nil
	}
	if err != nil {
		return nil, err
	}
	defer model.Close()
	modelLabel := "default"
	if profile.Model != "" {
		modelLabel = profile.Model
	}

	pctx, span = w.tracer.StartPhaseSpan(ctx, telemetry.PhaseLoadTools)
	set, err := w.loader.Load(pctx, profile.Scope(tc.OwnerID, tc.TaskID))
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	defer set.Close()

	pctx, span = w.tracer.StartPhaseSpan(ctx, telemetry.PhaseBuildContext)
	system := SystemPrompt(profile, BuildContext(pctx, w.store, profile, tc.NodeID, tc.OwnerID))
	msgs, err := w.history(pctx, tc, profile, prompt, conversationID, channelID)
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	msgs = append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, msgs...)

	rec := NewRecorder(w.redactor)
	pctx, span = w.tracer.StartPhaseSpan(ctx, telemetry.PhaseInvoke)
	final, done, err := w.loop(pctx, model, set, msgs, rec, logger)
	telemetry.EndSpan(span, err)

	if perr := w.tasks.SetTraceLog(ctx, tc.TaskID, rec.Steps()); perr != nil {
		if err == nil {
			err = fmt.Errorf("persist trace: %w", perr)
		} else {
			logger.Warn("trace not persisted", map[string]interface{}{"error": perr.Error()})
		}
	}
	if err != nil {
		return nil, err
	}
	if !done {
		return map[string]any{"error": fmt.Sprintf("Agent stopped after %d steps without a final response.", w.maxSteps)}, nil
	}

	if err := w.saveReply(ctx, tc, profile, final, modelLabel, conversationID, channelID); err != nil {
		return nil, err
	}
	if err := w.store.RecordWrite(ctx, workspace.Write{
		TaskID:    tc.TaskID,
		TableName: "agent_tasks",
		RowID:     tc.TaskID,
		Operation: "UPDATE",
		NewData:   map[string]any{"response": truncateRunes(final, auditResponseMax)},
		ActorType: "agent",
		ActorID:   tc.TaskID,
	}); err != nil {
		return nil, fmt.Errorf("record audit write: %w", err)
	}

	return map[string]any{"response": final}, nil
}

// history assembles the turns before the model call. Conversation mode
// replays stored turns, stores the prompt and appends it. Channel mode
// replays the channel, whose last post is already the prompt.
func (w *Workflow) history(ctx context.Context, tc engine.TaskContext, p Profile, prompt, conversationID, channelID string) ([]llm.Message, error) {
	switch {
	case channelID != "":
		msgs, err := channelHistory(ctx, w.store, channelID, p.MemberID, w.channelHistoryLimit)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})
		}
		return msgs, nil

	case conversationID != "":
		msgs, err := conversationHistory(ctx, w.store, conversationID, w.historyLimit)
		if err != nil {
			return nil, err
		}
		if err := w.store.SaveMessage(ctx, workspace.Message{
			ConversationID: conversationID,
			Role:           workspace.RoleUser,
			Content:        prompt,
			TaskID:         tc.TaskID,
		}); err != nil {
			return nil, fmt.Errorf("save prompt: %w", err)
		}
		return append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt}), nil

	default:
		return []llm.Message{{Role: llm.RoleUser, Content: prompt}}, nil
	}
}

// loop calls the model until it answers without tools. done is false when
// the step cap ran out first.
func (w *Workflow) loop(ctx context.Context, provider llm.Provider, set *tools.Set, msgs []llm.Message, rec *Recorder, logger *logging.Logger) (final string, done bool, err error) {
	defs := toolDefs(set)

	for step := 0; step < w.maxSteps; step++ {
		resp, err := provider.Chat(ctx, llm.ChatRequest{Messages: msgs, Tools: defs, MaxTokens: w.maxTokens})
		if err != nil {
			return "", false, err
		}

		if len(resp.ToolCalls) == 0 {
			rec.Response(resp.Content)
			return resp.Content, true, nil
		}

		if resp.Content != "" {
			rec.Thinking(resp.Content)
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			if set.Has(call.Name) {
				rec.ToolCall(call.Name, call.Args)
			}
		}
		for _, call := range resp.ToolCalls {
			result := w.runTool(ctx, set, call, rec, logger)
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: result, ToolCallID: call.ID, Name: call.Name})
		}
	}
	return "", false, nil
}

// runTool executes one call. Unavailable tools get an error result and no
// trace steps; Go errors from a tool become "Error: ..." results.
func (w *Workflow) runTool(ctx context.Context, set *tools.Set, call llm.ToolCallResponse, rec *Recorder, logger *logging.Logger) string {
	t := set.Get(call.Name)
	if t == nil {
		logger.Warn("model called unavailable tool", map[string]interface{}{"tool": call.Name})
		return fmt.Sprintf("Error: tool %q is not available.", call.Name)
	}

	ctx, span := w.tracer.StartToolSpan(ctx, call.Name)
	logger.ToolCall(call.Name)
	start := time.Now()
	out, err := t.Execute(ctx, tools.Args(call.Args))
	elapsed := time.Since(start)
	if err != nil {
		out = "Error: " + err.Error()
	}
	logger.ToolResult(call.Name, elapsed, err)
	w.tracer.EndToolSpan(span, telemetry.ToolSpanOptions{
		Tool:   call.Name,
		Args:   w.redactor.Map(call.Args),
		Result: w.redactor.String(out),
	}, err)

	rec.ToolResult(call.Name, out, elapsed)
	return out
}

func (w *Workflow) saveReply(ctx context.Context, tc engine.TaskContext, p Profile, final, modelLabel, conversationID, channelID string) error {
	switch {
	case channelID != "":
		err := w.store.SaveChannelMessage(ctx, workspace.ChannelMessage{
			ChannelID:  channelID,
			MemberID:   p.MemberID,
			AuthorName: p.Name,
			Content:    final,
			TaskID:     tc.TaskID,
			Metadata:   map[string]any{"model": modelLabel, "task_id": tc.TaskID},
		})
		if err != nil {
			return fmt.Errorf("save channel reply: %w", err)
		}
	case conversationID != "":
		err := w.store.SaveMessage(ctx, workspace.Message{
			ConversationID: conversationID,
			Role:           workspace.RoleAssistant,
			Content:        final,
			TaskID:         tc.TaskID,
			Metadata:       map[string]any{"model": modelLabel, "task_id": tc.TaskID},
		})
		if err != nil {
			return fmt.Errorf("save reply: %w", err)
		}
	}
	return nil
}

// Register binds the agent workflow to e.
func (w *Workflow) Register(e *engine.Engine) {
	e.RegisterHandler(WorkflowName, w.Handle)
}

func toolDefs(set *tools.Set) []llm.ToolDef {
	defs := set.Definitions()
	if len(defs) == 0 {
		return nil
	}
	out := make([]llm.ToolDef, len(defs))
	for i, d := range defs {
		out[i] = llm.ToolDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

func inputString(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func inputBool(input map[string]any, key string) bool {
	switch v := input[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}
