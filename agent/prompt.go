package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/taskengine/workspace"
)

// DefaultSystemPrompt is the persona used when a member sets none.
const DefaultSystemPrompt = `You are a workspace assistant. You help people organise their knowledge base, sort incoming information and act on it.

## Your capabilities
- Search the knowledge base: pages, databases and notes
- Look up contacts and their communication history
- Create pages and tasks in the workspace
- Update page properties such as status, priority and dates
- Call any external tools configured for you

## Guidelines
- Search the knowledge base before answering questions about existing content.
- Give created tasks clear titles and useful properties.
- Be brief. After acting, say what you did.
- If you are missing information, say so instead of guessing.`

const (
	contextContentMax = 2000
	recentPagesLimit  = 5
)

// PermissionBanner tells the model what it may not do. It is empty for a
// profile that can write everywhere.
func PermissionBanner(p Profile) string {
	var lines []string
	if !p.CanWrite {
		lines = append(lines,
			"You have read-only access to this workspace. Do not create pages, change properties, append text or send messages. Use only tools that read.")
	}
	if p.PageAccess == workspace.PageAccessSelected {
		if len(p.PageIDs) == 0 {
			lines = append(lines, "You have not been granted access to any pages.")
		} else {
			lines = append(lines, "You may only access these pages: "+strings.Join(p.PageIDs, ", ")+". Treat every other page as nonexistent.")
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Permissions\n" + strings.Join(lines, "\n")
}

// BuildContext describes the current node and the owner's recent pages.
// Nodes outside the profile's page scope are left out. Lookup failures drop
// their section rather than failing the run.
func BuildContext(ctx context.Context, store workspace.Store, p Profile, nodeID, ownerID string) string {
	var parts []string

	if nodeID != "" && p.PageAllowed(nodeID) {
		if n, err := store.GetOwnedNode(ctx, nodeID, ownerID); err == nil {
			props := "{}"
			if len(n.Properties) > 0 {
				if b, err := json.Marshal(n.Properties); err == nil {
					props = string(b)
				}
			}
			parts = append(parts, fmt.Sprintf("## Current page context\nTitle: %s\nContent: %s\nProperties: %s",
				n.Title, truncateRunes(n.SearchText, contextContentMax), props))
		}
	}

	if recent, err := store.RecentNodes(ctx, ownerID, recentPagesLimit); err == nil {
		var lines []string
		for _, n := range recent {
			if !p.PageAllowed(n.ID) {
				continue
			}
			lines = append(lines, fmt.Sprintf("- [%s] %s", n.Type, n.Title))
		}
		if len(lines) > 0 {
			parts = append(parts, "## Recent workspace pages\n"+strings.Join(lines, "\n"))
		}
	}

	return strings.Join(parts, "\n\n")
}

// SystemPrompt joins the persona prompt, permission banner and context.
func SystemPrompt(p Profile, context string) string {
	parts := []string{p.SystemPrompt}
	if banner := PermissionBanner(p); banner != "" {
		parts = append(parts, banner)
	}
	if context != "" {
		parts = append(parts, context)
	}
	return strings.Join(parts, "\n\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
