package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/taskengine/agent"
	"github.com/vinayprograms/taskengine/engine"
	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/workspace"
)

// Classifications a node can receive.
const (
	ClassTask      = "task"
	ClassNote      = "note"
	ClassReference = "reference"
	ClassSpam      = "spam"
)

// EdgeMentions links a triaged node to the reference pages it spawned.
const EdgeMentions = "MENTIONS"

const (
	classifyPrompt = "Classify the following content into exactly one category: task, note, reference, or spam. " +
		"Respond with ONLY the category word, nothing else."
	extractPrompt = "Extract named entities and dates from the following content. " +
		`Respond with ONLY a JSON object of the form {"entities": [{"name": "...", "type": "person|org"}], "dates": ["YYYY-MM-DD"]}. ` +
		"Use empty lists when nothing is found."

	classifyMaxTokens = 10
	extractMaxTokens  = 500

	triageSource = "triage"
)

// Entity is one extracted name.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Extraction is the parsed extract reply.
type Extraction struct {
	Entities []Entity `json:"entities"`
	Dates    []string `json:"dates"`
}

// Triager classifies a node, extracts entities and dates, and files
// follow-up pages under it.
type Triager struct {
	store  workspace.Store
	models *agent.ModelBuilder
	logger *logging.Logger
}

// NewTriager creates the triage handler.
func NewTriager(d Deps) *Triager {
	logger := d.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Triager{store: d.Workspace, models: d.Models, logger: logger.WithComponent(Triage)}
}

// Handle triages tc.NodeID.
func (t *Triager) Handle(ctx context.Context, tc engine.TaskContext) (map[string]any, error) {
	n, handled, err := node(ctx, t.store, tc)
	if err != nil || handled != nil {
		return handled, err
	}

	class, ext := ClassNote, Extraction{}
	if text := nodeText(n); text != "" {
		model, err := t.models.Build(ctx, "")
		if agent.IsNotConfigured(err) {
			return map[string]any{"error": agent.MsgNotConfigured}, nil
		}
		if err != nil {
			return nil, err
		}
		defer model.Close()

		reply, err := ask(ctx, model, classifyPrompt, text, classifyMaxTokens)
		if err != nil {
			return nil, err
		}
		class = ParseClassification(reply)

		reply, err = ask(ctx, model, extractPrompt, text, extractMaxTokens)
		if err != nil {
			return nil, err
		}
		ext = ParseExtraction(reply)
	}

	actor := workspace.AgentActor(tc.TaskID)
	created := []string{}

	if class == ClassTask {
		id, err := t.createChild(ctx, tc.TaskID, n, "Extracted Task", map[string]any{
			"source":         triageSource,
			"classification": class,
			"dates":          ext.Dates,
		})
		if err != nil {
			return nil, err
		}
		created = append(created, id)
	}

	for _, e := range ext.Entities {
		id, err := t.createChild(ctx, tc.TaskID, n, "Reference: "+e.Name, map[string]any{
			"source":      triageSource,
			"entity_name": e.Name,
			"entity_type": e.Type,
		})
		if err != nil {
			return nil, err
		}
		if err := t.store.CreateEdge(ctx, n.ID, id, EdgeMentions); err != nil {
			return nil, fmt.Errorf("link reference %s: %w", id, err)
		}
		created = append(created, id)
	}

	entities := make([]map[string]any, len(ext.Entities))
	for i, e := range ext.Entities {
		entities[i] = map[string]any{"name": e.Name, "type": e.Type}
	}
	if err := t.store.MergeNodeProperties(ctx, actor, n.ID, map[string]any{
		"ai_classification": class,
		"ai_entities":       entities,
		"ai_dates":          ext.Dates,
	}); err != nil {
		return nil, fmt.Errorf("write triage properties: %w", err)
	}

	t.logger.WithTaskID(tc.TaskID).Info("node triaged", map[string]interface{}{
		"node_id":        n.ID,
		"classification": class,
		"created":        len(created),
	})
	return map[string]any{
		"classification":   class,
		"entities":         entities,
		"dates":            ext.Dates,
		"created_node_ids": created,
	}, nil
}

func (t *Triager) createChild(ctx context.Context, taskID string, parent *workspace.Node, title string, props map[string]any) (string, error) {
	id, err := t.store.CreateNode(ctx, workspace.AgentActor(taskID), workspace.Node{
		OwnerID:    parent.OwnerID,
		ParentID:   parent.ID,
		Type:       workspace.NodePage,
		Title:      title,
		Properties: props,
	})
	if err != nil {
		return "", fmt.Errorf("create %q: %w", title, err)
	}
	if err := audit(ctx, t.store, taskID, id, "INSERT", map[string]any{"source": triageSource}); err != nil {
		return "", fmt.Errorf("record audit write: %w", err)
	}
	return id, nil
}

// ParseClassification maps a model reply onto a known class. Anything
// unrecognised is a note.
func ParseClassification(reply string) string {
	word := strings.ToLower(strings.TrimSpace(reply))
	word = strings.Trim(word, " .\"'`*")
	switch word {
	case ClassTask, ClassNote, ClassReference, ClassSpam:
		return word
	}
	return ClassNote
}

// ParseExtraction decodes the extract reply. Code fences and surrounding
// prose are tolerated. Malformed replies give empty lists, entities without
// a name are dropped, unknown entity types become person, and dates that
// are not YYYY-MM-DD are dropped.
func ParseExtraction(reply string) Extraction {
	out := Extraction{Entities: []Entity{}, Dates: []string{}}

	start, end := strings.Index(reply, "{"), strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return out
	}
	var raw struct {
		Entities []Entity `json:"entities"`
		Dates    []string `json:"dates"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return out
	}

	for _, e := range raw.Entities {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		if e.Type = strings.ToLower(strings.TrimSpace(e.Type)); e.Type != string(workspace.EntityOrg) {
			e.Type = string(workspace.EntityPerson)
		}
		out.Entities = append(out.Entities, e)
	}
	for _, d := range raw.Dates {
		d = strings.TrimSpace(d)
		if _, err := time.Parse(time.DateOnly, d); err == nil {
			out.Dates = append(out.Dates, d)
		}
	}
	return out
}
