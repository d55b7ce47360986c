package workflows

import (
	"context"
	"fmt"

	"github.com/vinayprograms/taskengine/agent"
	"github.com/vinayprograms/taskengine/engine"
	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/workspace"
)

const (
	summarizePrompt = "You are a concise summarizer. Summarize the following content in 2-3 sentences."

	// MsgNoContent is the summary of a node without text.
	MsgNoContent = "No content to summarize."
	// MsgNoSummary replaces an empty model reply.
	MsgNoSummary = "Could not generate summary."

	summaryMaxTokens = 300
)

// Summarizer writes a short model summary into a node's ai_summary property.
type Summarizer struct {
	store  workspace.Store
	models *agent.ModelBuilder
	logger *logging.Logger
}

// NewSummarizer creates the summarize handler.
func NewSummarizer(d Deps) *Summarizer {
	logger := d.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Summarizer{store: d.Workspace, models: d.Models, logger: logger.WithComponent(Summarize)}
}

// Handle summarizes tc.NodeID.
func (s *Summarizer) Handle(ctx context.Context, tc engine.TaskContext) (map[string]any, error) {
	n, handled, err := node(ctx, s.store, tc)
	if err != nil || handled != nil {
		return handled, err
	}

	summary := MsgNoContent
	if text := nodeText(n); text != "" {
		model, err := s.models.Build(ctx, "")
		if agent.IsNotConfigured(err) {
			return map[string]any{"error": agent.MsgNotConfigured}, nil
		}
		if err != nil {
			return nil, err
		}
		defer model.Close()

		reply, err := ask(ctx, model, summarizePrompt, text, summaryMaxTokens)
		if err != nil {
			return nil, err
		}
		summary = reply
		if summary == "" {
			summary = MsgNoSummary
		}
	}

	props := map[string]any{"ai_summary": summary}
	if err := s.store.MergeNodeProperties(ctx, workspace.AgentActor(tc.TaskID), n.ID, props); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	if err := audit(ctx, s.store, tc.TaskID, n.ID, "UPDATE", props); err != nil {
		return nil, fmt.Errorf("record audit write: %w", err)
	}
	s.logger.WithTaskID(tc.TaskID).Info("node summarized", map[string]interface{}{"node_id": n.ID})
	return map[string]any{"summary": summary}, nil
}
