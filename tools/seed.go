package tools

import (
	"context"
	"fmt"

	"github.com/vinayprograms/taskengine/workspace"
)

// builtinSeeds are the shared definitions every owner can see.
var builtinSeeds = []workspace.ToolDefinition{
	{Name: SearchKnowledgeBase, DisplayName: "Search Knowledge Base", Description: "Full-text search across all workspace pages and databases."},
	{Name: FindEntities, DisplayName: "Find Entities", Description: "Find people, organizations, or bots in workspace contacts."},
	{Name: GetCommunications, DisplayName: "Get Communications", Description: "Fetch recent communications (emails, Slack, webhooks)."},
	{Name: CreateNode, DisplayName: "Create Node", Description: "Create a new page, task, or database row in the workspace."},
	{Name: UpdateNodeProperties, DisplayName: "Update Node Properties", Description: "Update metadata/properties on an existing node."},
	{Name: AppendTextToPage, DisplayName: "Append Text to Page", Description: "Append a paragraph of text to an existing page."},
}

// SeedBuiltins inserts the built-in tool definitions that do not exist yet
// and returns how many were added.
func SeedBuiltins(ctx context.Context, store workspace.Store) (int, error) {
	added := 0
	for _, d := range builtinSeeds {
		d.Type = workspace.ToolBuiltin
		d.Config = map[string]any{}
		d.IsActive = true
		ok, err := store.SeedToolDefinition(ctx, d)
		if err != nil {
			return added, fmt.Errorf("seed %s: %w", d.Name, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}
