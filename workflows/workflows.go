// Package workflows holds the single-shot node workflows and the wiring
// that binds every workflow to an engine.
package workflows

import (
	"context"
	"errors"
	"strings"

	"github.com/vinayprograms/taskengine/agent"
	"github.com/vinayprograms/taskengine/engine"
	"github.com/vinayprograms/taskengine/llm"
	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/workspace"
)

// Workflow names handled by this package.
const (
	Summarize = "summarize"
	Triage    = "triage"
)

// Handled failure texts.
const (
	MsgNoNodeID     = "No node_id provided"
	MsgNodeNotFound = "Node not found"
)

// Model input is cut to this many characters.
const maxInputChars = 4000

// Deps are the collaborators shared by every workflow.
type Deps struct {
	Workspace workspace.Store
	Models    *agent.ModelBuilder
	Logger    *logging.Logger

	// Agent is registered alongside the node workflows when set.
	Agent *agent.Workflow
}

// Register binds summarize, triage and, when configured, the agent
// workflow to e.
func Register(e *engine.Engine, d Deps) {
	if d.Logger == nil {
		d.Logger = logging.New()
	}
	e.RegisterHandler(Summarize, NewSummarizer(d).Handle)
	e.RegisterHandler(Triage, NewTriager(d).Handle)
	if d.Agent != nil {
		d.Agent.Register(e)
	}
}

// node loads the task's target node. A nil node with a nil error means the
// handler should return handled.
func node(ctx context.Context, store workspace.Store, tc engine.TaskContext) (n *workspace.Node, handled map[string]any, err error) {
	if tc.NodeID == "" {
		return nil, map[string]any{"error": MsgNoNodeID}, nil
	}
	if tc.OwnerID != "" {
		n, err = store.GetOwnedNode(ctx, tc.NodeID, tc.OwnerID)
	} else {
		n, err = store.GetNode(ctx, tc.NodeID)
	}
	if isNotFound(err) {
		return nil, map[string]any{"error": MsgNodeNotFound}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return n, nil, nil
}

// nodeText is the text a workflow reasons over.
func nodeText(n *workspace.Node) string {
	text := strings.TrimSpace(n.SearchText)
	if text == "" {
		text = strings.TrimSpace(n.Title)
	}
	return truncate(text, maxInputChars)
}

// ask runs one system + user exchange and returns the trimmed reply.
func ask(ctx context.Context, p llm.Provider, system, user string, maxTokens int) (string, error) {
	resp, err := p.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func audit(ctx context.Context, store workspace.Store, taskID, rowID, op string, data map[string]any) error {
	actor := workspace.AgentActor(taskID)
	return store.RecordWrite(ctx, workspace.Write{
		TaskID:    taskID,
		TableName: "nodes",
		RowID:     rowID,
		Operation: op,
		NewData:   data,
		ActorType: actor.Type,
		ActorID:   actor.ID,
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func isNotFound(err error) bool {
	return errors.Is(err, workspace.ErrNotFound)
}
