package workspace

import (
	"context"
	"errors"
	"time"
)

// Errors returned by Store implementations.
var (
	ErrNotFound     = errors.New("workspace: not found")
	ErrInvalidInput = errors.New("workspace: invalid input")
)

// NodeType is the kind of a content node.
type NodeType string

const (
	NodePage        NodeType = "page"
	NodeDatabase    NodeType = "database"
	NodeDatabaseRow NodeType = "database_row"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodePage, NodeDatabase, NodeDatabaseRow:
		return true
	}
	return false
}

// Node is a page, database or database row.
type Node struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Type       NodeType       `json:"type"`
	Title      string         `json:"title"`
	Content    []Block        `json:"content"`
	Properties map[string]any `json:"properties"`
	SearchText string         `json:"search_text"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SearchHit is one knowledge-base search result.
type SearchHit struct {
	ID       string
	Title    string
	Type     NodeType
	ParentID string
	Snippet  string
	Rank     float64
}

// EntityType classifies a contact.
type EntityType string

const (
	EntityPerson EntityType = "person"
	EntityOrg    EntityType = "org"
	EntityBot    EntityType = "bot"
)

// Entity is a person, organisation or bot the workspace knows about.
type Entity struct {
	ID             string         `json:"id"`
	DisplayName    string         `json:"display_name"`
	Type           EntityType     `json:"type"`
	ResolutionKeys []string       `json:"resolution_keys"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Email returns the first resolution key that looks like an address.
func (e Entity) Email() string {
	for _, k := range e.ResolutionKeys {
		for i := 0; i < len(k); i++ {
			if k[i] == '@' {
				return k
			}
		}
	}
	return ""
}

// EntityFilter narrows FindEntities. Zero fields match everything.
type EntityFilter struct {
	Name  string
	Type  EntityType
	Limit int
}

// Communication is an inbound or outbound message from an external channel.
type Communication struct {
	ID           string         `json:"id"`
	Channel      string         `json:"channel"`
	Direction    string         `json:"direction"`
	FromEntityID string         `json:"from_entity_id,omitempty"`
	FromName     string         `json:"from_name,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	ContentText  string         `json:"content_text,omitempty"`
	RawPayload   map[string]any `json:"raw_payload"`
	Timestamp    time.Time      `json:"timestamp"`
}

// CommunicationFilter narrows Communications. Zero fields match everything.
type CommunicationFilter struct {
	EntityID string
	Channel  string
	Limit    int
}

// Channels and directions accepted by the communications table.
var (
	CommunicationChannels   = []string{"email", "slack", "sms", "webhook", "other"}
	CommunicationDirections = []string{"inbound", "outbound"}
)

// ValidChannel reports whether c is an accepted communication channel.
func ValidChannel(c string) bool { return contains(CommunicationChannels, c) }

// ValidDirection reports whether d is an accepted communication direction.
func ValidDirection(d string) bool { return contains(CommunicationDirections, d) }

// Message roles in a conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn in a conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	TaskID         string         `json:"task_id,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Page access scopes for members.
const (
	PageAccessAll      = "all"
	PageAccessSelected = "selected"
)

// Member is a human or AI participant. AI members carry a persona.
type Member struct {
	ID           string   `json:"id"`
	OwnerID      string   `json:"owner_id"`
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	SystemPrompt string   `json:"system_prompt"`
	Model        string   `json:"model"`
	ToolIDs      []string `json:"tool_ids"`
	PageAccess   string   `json:"page_access"`
	PageIDs      []string `json:"page_ids"`
	CanWrite     bool     `json:"can_write"`
	IsActive     bool     `json:"is_active"`
}

// ChannelMessage is one post in a multi-member chat channel.
type ChannelMessage struct {
	ID         string         `json:"id"`
	ChannelID  string         `json:"channel_id"`
	MemberID   string         `json:"member_id,omitempty"`
	AuthorName string         `json:"author_name"`
	Content    string         `json:"content"`
	TaskID     string         `json:"task_id,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Tool definition types.
const (
	ToolBuiltin  = "builtin"
	ToolHTTP     = "http"
	ToolPlatform = "platform"
	ToolCustom   = "custom"
)

// ToolDefinition is a stored tool configuration row.
type ToolDefinition struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id,omitempty"`
	Name         string         `json:"name"`
	DisplayName  string         `json:"display_name"`
	Description  string         `json:"description"`
	Type         string         `json:"type"`
	Config       map[string]any `json:"config"`
	CredentialID string         `json:"credential_id,omitempty"`
	IsActive     bool           `json:"is_active"`
}

// Credential is an encrypted secret bundle. ConfigEncrypted is a vault token.
type Credential struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Name            string    `json:"name"`
	Service         string    `json:"service"`
	Type            string    `json:"type"`
	ConfigEncrypted []byte    `json:"-"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Write is one audit log row.
type Write struct {
	TaskID    string         `json:"task_id,omitempty"`
	TableName string         `json:"table_name"`
	RowID     string         `json:"row_id"`
	Operation string         `json:"operation"`
	NewData   map[string]any `json:"new_data"`
	ActorType string         `json:"actor_type,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Actor attributes node mutations. The zero Actor means unattributed.
type Actor struct {
	Type string
	ID   string
}

// AgentActor attributes a mutation to the agent running taskID.
func AgentActor(taskID string) Actor {
	if taskID == "" {
		return Actor{}
	}
	return Actor{Type: "agent", ID: taskID}
}

// IsZero reports whether the actor is unattributed.
func (a Actor) IsZero() bool { return a.Type == "" && a.ID == "" }

// Store is the engine's view of the collaborator tables.
type Store interface {
	// Nodes
	GetNode(ctx context.Context, id string) (*Node, error)
	GetOwnedNode(ctx context.Context, id, ownerID string) (*Node, error)
	RecentNodes(ctx context.Context, ownerID string, limit int) ([]Node, error)
	SearchNodes(ctx context.Context, ownerID, query string, limit int) ([]SearchHit, error)
	CreateNode(ctx context.Context, actor Actor, n Node) (string, error)
	MergeNodeProperties(ctx context.Context, actor Actor, id string, props map[string]any) error
	SetNodeContent(ctx context.Context, actor Actor, id, ownerID string, content []Block) error
	CreateEdge(ctx context.Context, sourceID, targetID, edgeType string) error

	// Contacts and inbound signals
	FindEntities(ctx context.Context, f EntityFilter) ([]Entity, error)
	EntityByResolutionKey(ctx context.Context, key string) (*Entity, error)
	CreateEntity(ctx context.Context, e Entity) (string, error)
	Communications(ctx context.Context, f CommunicationFilter) ([]Communication, error)
	InsertCommunication(ctx context.Context, c Communication) (string, error)

	// Conversations and channels
	ConversationMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	SaveMessage(ctx context.Context, m Message) error
	GetMember(ctx context.Context, id string) (*Member, error)
	ChannelMessages(ctx context.Context, channelID string, limit int) ([]ChannelMessage, error)
	SaveChannelMessage(ctx context.Context, m ChannelMessage) error

	// Configuration
	ToolDefinitions(ctx context.Context, ownerID string, ids []string) ([]ToolDefinition, error)
	SeedToolDefinition(ctx context.Context, d ToolDefinition) (bool, error)
	GetCredential(ctx context.Context, id string) (*Credential, error)
	CredentialsByService(ctx context.Context, service, ownerID string) ([]Credential, error)
	LatestCredential(ctx context.Context, service string) (*Credential, error)
	Settings(ctx context.Context, keys ...string) (map[string]string, error)

	// Audit
	RecordWrite(ctx context.Context, w Write) error
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
