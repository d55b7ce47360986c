package agent

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/tools"
	"github.com/vinayprograms/taskengine/workspace"
)

// DefaultName authors channel replies when no member is configured.
const DefaultName = "Assistant"

// Profile is the persona and permission set one agent run executes under.
type Profile struct {
	MemberID     string
	Name         string
	SystemPrompt string

	// Model replaces the resolved model name; the provider and key still
	// come from the resolver.
	Model string

	ToolIDs    []string
	PageAccess string
	PageIDs    []string
	CanWrite   bool

	// Minimal restricts tools to the fixed search and append pair.
	Minimal bool
}

// DefaultProfile is used when the task names no member. It is limited to
// the minimal tool pair.
func DefaultProfile() Profile {
	return Profile{
		Name:         DefaultName,
		SystemPrompt: DefaultSystemPrompt,
		PageAccess:   workspace.PageAccessAll,
		CanWrite:     true,
		Minimal:      true,
	}
}

// LoadProfile resolves memberID to a profile. An empty id, or a member that
// is missing or inactive, yields the default profile. A resolved member
// loads its configured tools. Other store failures are returned.
func LoadProfile(ctx context.Context, store workspace.Store, memberID string, logger *logging.Logger) (Profile, error) {
	p := DefaultProfile()
	if memberID == "" {
		return p, nil
	}

	m, err := store.GetMember(ctx, memberID)
	if stderrors.Is(err, workspace.ErrNotFound) {
		if logger != nil {
			logger.Warn("member not found, using default profile", map[string]interface{}{"member": memberID})
		}
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("load member %s: %w", memberID, err)
	}

	p.MemberID = m.ID
	p.Minimal = false
	if m.Name != "" {
		p.Name = m.Name
	}
	if m.SystemPrompt != "" {
		p.SystemPrompt = m.SystemPrompt
	}
	p.Model = m.Model
	p.ToolIDs = m.ToolIDs
	p.CanWrite = m.CanWrite
	if m.PageAccess == workspace.PageAccessSelected {
		p.PageAccess = workspace.PageAccessSelected
		p.PageIDs = m.PageIDs
	}
	return p, nil
}

// Scope returns the tool loading scope of p for one task.
func (p Profile) Scope(ownerID, taskID string) tools.Scope {
	return tools.Scope{
		OwnerID:        ownerID,
		TaskID:         taskID,
		AllowedToolIDs: p.ToolIDs,
		MinimalMode:    p.Minimal,
		CanWrite:       p.CanWrite,
		PageAccess:     p.PageAccess,
		PageIDs:        p.PageIDs,
	}
}

// PageAllowed reports whether p may see node id.
func (p Profile) PageAllowed(id string) bool {
	return p.Scope("", "").PageAllowed(id)
}
