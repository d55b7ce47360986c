package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/taskengine/workspace"
)

// Built-in tool names.
const (
	SearchKnowledgeBase  = "search_knowledge_base"
	FindEntities         = "find_entities"
	GetCommunications    = "get_communications"
	CreateNode           = "create_node"
	UpdateNodeProperties = "update_node_properties"
	AppendTextToPage     = "append_text_to_page"
)

// commPreviewLen bounds the communication body shown to the model.
const commPreviewLen = 300

const readOnlyMessage = "Error: this member has read-only access and cannot modify the workspace."

// builtinFactory builds a built-in bound to one task's scope.
type builtinFactory func(ws workspace.Store, scope Scope) Tool

var builtinFactories = map[string]builtinFactory{
	SearchKnowledgeBase:  func(ws workspace.Store, sc Scope) Tool { return &searchTool{ws: ws, scope: sc} },
	FindEntities:         func(ws workspace.Store, sc Scope) Tool { return &findEntitiesTool{ws: ws} },
	GetCommunications:    func(ws workspace.Store, sc Scope) Tool { return &communicationsTool{ws: ws} },
	CreateNode:           func(ws workspace.Store, sc Scope) Tool { return &createNodeTool{ws: ws, scope: sc} },
	UpdateNodeProperties: func(ws workspace.Store, sc Scope) Tool { return &updatePropertiesTool{ws: ws, scope: sc} },
	AppendTextToPage:     func(ws workspace.Store, sc Scope) Tool { return &appendTextTool{ws: ws, scope: sc} },
}

// Builtin returns the named built-in bound to scope, or nil if the name is unknown.
func Builtin(name string, ws workspace.Store, scope Scope) Tool {
	f, ok := builtinFactories[name]
	if !ok {
		return nil
	}
	return f(ws, scope)
}

// --- search_knowledge_base ---

type searchTool struct {
	ws    workspace.Store
	scope Scope
}

func (t *searchTool) Name() string { return SearchKnowledgeBase }

func (t *searchTool) Description() string {
	return "Search across all pages and databases in the workspace using full-text search. " +
		"Use this to find relevant content by keywords or topics. Returns titles, types and text snippets for matching nodes."
}

func (t *searchTool) Parameters() map[string]any {
	return schema(map[string]any{
		"query": prop("string", "Search terms (natural language or keywords)"),
		"limit": prop("integer", "Max results to return (default 10)"),
	}, "query")
}

func (t *searchTool) Execute(ctx context.Context, args Args) (string, error) {
	if t.scope.OwnerID == "" {
		return "Error: owner_id is required to search.", nil
	}
	query, err := args.String("query")
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	hits, err := t.ws.SearchNodes(ctx, t.scope.OwnerID, query, args.IntOr("limit", 10))
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No results found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d results:", len(hits))
	for _, h := range hits {
		fmt.Fprintf(&b, "\n- [%s] %q (id=%s)\n  %s", h.Type, h.Title, h.ID, h.Snippet)
	}
	return b.String(), nil
}

// --- find_entities ---

type findEntitiesTool struct {
	ws workspace.Store
}

func (t *findEntitiesTool) Name() string { return FindEntities }

func (t *findEntitiesTool) Description() string {
	return "Find people, organizations, or bots in the workspace contacts. " +
		"Use this to look up contacts by name or type before sending emails or referencing them in tasks."
}

func (t *findEntitiesTool) Parameters() map[string]any {
	return schema(map[string]any{
		"name":        prop("string", "Partial name to search for. Optional."),
		"entity_type": prop("string", "Filter by 'person', 'org', or 'bot'. Optional."),
		"limit":       prop("integer", "Max results (default 10)"),
	})
}

func (t *findEntitiesTool) Execute(ctx context.Context, args Args) (string, error) {
	f := workspace.EntityFilter{
		Name:  args.StringOr("name", ""),
		Limit: args.IntOr("limit", 10),
	}
	switch et := workspace.EntityType(args.StringOr("entity_type", "")); et {
	case workspace.EntityPerson, workspace.EntityOrg, workspace.EntityBot:
		f.Type = et
	}

	entities, err := t.ws.FindEntities(ctx, f)
	if err != nil {
		return "", err
	}
	if len(entities) == 0 {
		return "No entities found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d entities:", len(entities))
	for _, e := range entities {
		fmt.Fprintf(&b, "\n- %s (%s) id=%s", e.DisplayName, e.Type, e.ID)
		if email := e.Email(); email != "" {
			b.WriteString(" email=" + email)
		}
	}
	return b.String(), nil
}

// --- get_communications ---

type communicationsTool struct {
	ws workspace.Store
}

func (t *communicationsTool) Name() string { return GetCommunications }

func (t *communicationsTool) Description() string {
	return "Fetch recent communications (emails, Slack messages, webhooks). " +
		"Use this to review conversation history with a contact or check recent inbound signals."
}

func (t *communicationsTool) Parameters() map[string]any {
	return schema(map[string]any{
		"entity_id": prop("string", "Filter by sender entity id. Optional."),
		"channel":   prop("string", "Filter by channel ('email', 'slack', 'sms', 'webhook'). Optional."),
		"limit":     prop("integer", "Max results (default 5)"),
	})
}

func (t *communicationsTool) Execute(ctx context.Context, args Args) (string, error) {
	f := workspace.CommunicationFilter{
		EntityID: args.StringOr("entity_id", ""),
		Limit:    args.IntOr("limit", 5),
	}
	if ch := args.StringOr("channel", ""); workspace.ValidChannel(ch) {
		f.Channel = ch
	}

	comms, err := t.ws.Communications(ctx, f)
	if err != nil {
		return "", err
	}
	if len(comms) == 0 {
		return "No communications found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d communications:", len(comms))
	for _, c := range comms {
		from := c.FromName
		if from == "" {
			from = "Unknown"
		}
		subject := c.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		preview := truncateRunes(c.ContentText, commPreviewLen)
		if preview == "" {
			preview = "(empty)"
		}
		fmt.Fprintf(&b, "\n- [%s/%s] From: %s | Subject: %s\n  %s\n  Time: %s",
			c.Channel, c.Direction, from, subject, preview, c.Timestamp.Format(time.RFC3339))
	}
	return b.String(), nil
}

// --- create_node ---

type createNodeTool struct {
	ws    workspace.Store
	scope Scope
}

func (t *createNodeTool) Name() string  { return CreateNode }
func (t *createNodeTool) Mutates() bool { return true }

func (t *createNodeTool) Description() string {
	return "Create a new page or task in the workspace. " +
		"Use this to generate action items, notes, or reference pages from agent analysis."
}

func (t *createNodeTool) Parameters() map[string]any {
	return schema(map[string]any{
		"title":      prop("string", "Title for the new node"),
		"node_type":  prop("string", "One of 'page', 'database', 'database_row'. Default 'page'."),
		"parent_id":  prop("string", "Id of the parent node to nest under. Optional."),
		"properties": prop("string", `JSON string of properties (e.g. '{"status": "todo", "priority": "high"}'). Optional.`),
	}, "title")
}

func (t *createNodeTool) Execute(ctx context.Context, args Args) (string, error) {
	if t.scope.OwnerID == "" {
		return "Error: owner_id is required to create a node.", nil
	}
	if !t.scope.CanWrite {
		return readOnlyMessage, nil
	}
	title, err := args.String("title")
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	nodeType := workspace.NodeType(args.StringOr("node_type", string(workspace.NodePage)))
	if !nodeType.Valid() {
		nodeType = workspace.NodePage
	}
	props, _, ok := args.Object("properties")
	if !ok || props == nil {
		props = map[string]any{}
	}
	props["source"] = "agent"

	parentID := args.StringOr("parent_id", "")
	if parentID != "" {
		if !t.scope.PageAllowed(parentID) {
			return "Error: parent page not found or access denied.", nil
		}
		if _, err := t.ws.GetOwnedNode(ctx, parentID, t.scope.OwnerID); err != nil {
			if errors.Is(err, workspace.ErrNotFound) {
				return "Error: parent page not found or access denied.", nil
			}
			return "", err
		}
	}

	id, err := t.ws.CreateNode(ctx, workspace.AgentActor(t.scope.TaskID), workspace.Node{
		OwnerID:    t.scope.OwnerID,
		ParentID:   parentID,
		Type:       nodeType,
		Title:      title,
		Properties: props,
	})
	if err != nil || id == "" {
		return "Failed to create node.", nil
	}
	return fmt.Sprintf("Created %s %q with id=%s", nodeType, title, id), nil
}

// --- update_node_properties ---

type updatePropertiesTool struct {
	ws    workspace.Store
	scope Scope
}

func (t *updatePropertiesTool) Name() string  { return UpdateNodeProperties }
func (t *updatePropertiesTool) Mutates() bool { return true }

func (t *updatePropertiesTool) Description() string {
	return "Update properties on an existing node (merge, not replace). " +
		"Use this to set status, priority, dates, or any metadata on a page or task."
}

func (t *updatePropertiesTool) Parameters() map[string]any {
	return schema(map[string]any{
		"node_id":    prop("string", "Id of the node to update"),
		"properties": prop("string", `JSON string of properties to merge (e.g. '{"status": "done"}')`),
	}, "node_id", "properties")
}

func (t *updatePropertiesTool) Execute(ctx context.Context, args Args) (string, error) {
	if !t.scope.CanWrite {
		return readOnlyMessage, nil
	}
	nodeID, err := args.String("node_id")
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	props, present, ok := args.Object("properties")
	if !present || !ok {
		return "Error: properties must be valid JSON.", nil
	}

	notFound := fmt.Sprintf("Node %s not found or not updated.", nodeID)
	if !t.scope.PageAllowed(nodeID) {
		return notFound, nil
	}
	if _, err := t.ws.GetOwnedNode(ctx, nodeID, t.scope.OwnerID); err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return notFound, nil
		}
		return "", err
	}
	if err := t.ws.MergeNodeProperties(ctx, workspace.AgentActor(t.scope.TaskID), nodeID, props); err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return notFound, nil
		}
		return "", err
	}
	rendered, _ := json.Marshal(props)
	return fmt.Sprintf("Updated node %s with %s", nodeID, rendered), nil
}

// --- append_text_to_page ---

type appendTextTool struct {
	ws    workspace.Store
	scope Scope
}

func (t *appendTextTool) Name() string  { return AppendTextToPage }
func (t *appendTextTool) Mutates() bool { return true }

func (t *appendTextTool) Description() string {
	return "Append text as a paragraph block to a page."
}

func (t *appendTextTool) Parameters() map[string]any {
	return schema(map[string]any{
		"node_id": prop("string", "Id of the target page node"),
		"text":    prop("string", "Text to append"),
	}, "node_id", "text")
}

func (t *appendTextTool) Execute(ctx context.Context, args Args) (string, error) {
	if t.scope.OwnerID == "" {
		return "Error: owner_id is required to append page text.", nil
	}
	if !t.scope.CanWrite {
		return readOnlyMessage, nil
	}
	nodeID, err := args.String("node_id")
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	text := strings.TrimSpace(args.StringOr("text", ""))
	if text == "" {
		return "Error: text cannot be empty.", nil
	}

	const denied = "Error: page not found or access denied."
	if !t.scope.PageAllowed(nodeID) {
		return denied, nil
	}
	node, err := t.ws.GetOwnedNode(ctx, nodeID, t.scope.OwnerID)
	if errors.Is(err, workspace.ErrNotFound) {
		return denied, nil
	}
	if err != nil {
		return "", err
	}
	if node.Type != workspace.NodePage {
		return fmt.Sprintf("Error: node %s is type '%s', expected 'page'.", nodeID, node.Type), nil
	}

	content := append(node.Content, workspace.NewParagraphBlock(text))
	if err := t.ws.SetNodeContent(ctx, workspace.AgentActor(t.scope.TaskID), nodeID, t.scope.OwnerID, content); err != nil {
		return "Error: append failed.", nil
	}
	return "Appended text to page " + nodeID, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
