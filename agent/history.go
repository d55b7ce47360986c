package agent

import (
	"context"
	"fmt"

	"github.com/vinayprograms/taskengine/llm"
	"github.com/vinayprograms/taskengine/workspace"
)

// conversationHistory returns the stored user and assistant turns of a
// conversation, oldest first. System rows are not replayed.
func conversationHistory(ctx context.Context, store workspace.Store, conversationID string, limit int) ([]llm.Message, error) {
	rows, err := store.ConversationMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	msgs := make([]llm.Message, 0, len(rows))
	for _, m := range rows {
		switch m.Role {
		case workspace.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case workspace.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return msgs, nil
}

// channelHistory maps channel posts onto turns from memberID's point of
// view: its own posts are assistant turns, everyone else's are user turns
// prefixed with the author's name.
func channelHistory(ctx context.Context, store workspace.Store, channelID, memberID string, limit int) ([]llm.Message, error) {
	rows, err := store.ChannelMessages(ctx, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", channelID, err)
	}
	msgs := make([]llm.Message, 0, len(rows))
	for _, m := range rows {
		if memberID != "" && m.MemberID == memberID {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
			continue
		}
		author := m.AuthorName
		if author == "" {
			author = "Unknown"
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: author + ": " + m.Content})
	}
	return msgs, nil
}
