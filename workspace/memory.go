package workspace

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskengine/knowledge"
)

// Revision is a node snapshot recorded on every mutation.
type Revision struct {
	NodeID string
	Actor  Actor
	Title  string
	At     time.Time
}

// MemoryStore implements Store in process memory. Node search runs on a
// knowledge.Index.
type MemoryStore struct {
	mu sync.Mutex

	nodes     map[string]*Node
	edges     map[[3]string]struct{}
	revisions []Revision
	entities  map[string]*Entity
	comms     []Communication
	messages  []Message
	members   map[string]*Member
	posts     []ChannelMessage
	tools     []ToolDefinition
	creds     map[string]*Credential
	settings  map[string]string
	writes    []Write

	index *knowledge.Index
	seq   map[string]uint64
	next  uint64
	now   func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory workspace.
func NewMemoryStore(opts ...MemoryOption) (*MemoryStore, error) {
	idx, err := knowledge.New()
	if err != nil {
		return nil, err
	}
	s := &MemoryStore{
		nodes:    make(map[string]*Node),
		edges:    make(map[[3]string]struct{}),
		entities: make(map[string]*Entity),
		members:  make(map[string]*Member),
		creds:    make(map[string]*Credential),
		settings: make(map[string]string),
		index:    idx,
		seq:      make(map[string]uint64),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ Store = (*MemoryStore)(nil)

// Close releases the search index.
func (s *MemoryStore) Close() error {
	return s.index.Close()
}

// stamp records insertion order for stable newest-first listings when the
// clock does not advance between writes.
func (s *MemoryStore) stamp(id string) {
	s.next++
	s.seq[id] = s.next
}

func (s *MemoryStore) newer(a, b string, ta, tb time.Time) bool {
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return s.seq[a] > s.seq[b]
}

// cloneJSON deep-copies JSON-shaped values so callers never alias store state.
func cloneJSON[T any](v T) T {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func cloneNode(n *Node) *Node {
	c := *n
	c.Content = cloneJSON(n.Content)
	c.Properties = cloneJSON(orEmptyMap(n.Properties))
	return &c
}

func (s *MemoryStore) reindex(n *Node) error {
	return s.index.Put(knowledge.Document{
		ID:        n.ID,
		OwnerID:   n.OwnerID,
		Type:      string(n.Type),
		Title:     n.Title,
		Text:      n.SearchText,
		UpdatedAt: n.UpdatedAt,
	})
}

func (s *MemoryStore) revise(n *Node, actor Actor) {
	s.revisions = append(s.revisions, Revision{NodeID: n.ID, Actor: actor, Title: n.Title, At: s.now()})
}

// --- Seeding ---

// PutNode inserts or replaces a node as-is, assigning an id when empty.
func (s *MemoryStore) PutNode(n Node) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := s.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
	if n.SearchText == "" {
		n.SearchText = SearchText(n.Title, n.Content)
	}
	stored := cloneNode(&n)
	s.nodes[n.ID] = stored
	s.stamp(n.ID)
	return n.ID, s.reindex(stored)
}

// PutMember inserts or replaces a member, assigning an id when empty.
func (s *MemoryStore) PutMember(m Member) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.PageAccess == "" {
		m.PageAccess = PageAccessAll
	}
	s.members[m.ID] = &m
	return m.ID
}

// PutCredential inserts or replaces a credential, assigning an id when empty.
func (s *MemoryStore) PutCredential(c Credential) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	s.creds[c.ID] = &c
	s.stamp(c.ID)
	return c.ID
}

// PutToolDefinition inserts a tool definition, assigning an id when empty.
func (s *MemoryStore) PutToolDefinition(d ToolDefinition) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Config = cloneJSON(orEmptyMap(d.Config))
	s.tools = append(s.tools, d)
	return d.ID
}

// SetSetting stores an app setting.
func (s *MemoryStore) SetSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

// Writes returns a copy of the audit log in insertion order.
func (s *MemoryStore) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// Revisions returns the recorded revisions of a node in order.
func (s *MemoryStore) Revisions(nodeID string) []Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Revision
	for _, r := range s.revisions {
		if r.NodeID == nodeID {
			out = append(out, r)
		}
	}
	return out
}

// Edges returns the target ids of edges leaving sourceID with edgeType.
func (s *MemoryStore) Edges(sourceID, edgeType string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.edges {
		if k[0] == sourceID && k[2] == edgeType {
			out = append(out, k[1])
		}
	}
	sort.Strings(out)
	return out
}

// Children returns the nodes whose parent is parentID, oldest first.
func (s *MemoryStore) Children(parentID string) []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Node
	for _, n := range s.nodes {
		if n.ParentID == parentID {
			out = append(out, *cloneNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

// --- Nodes ---

// GetNode returns a node by id.
func (s *MemoryStore) GetNode(ctx context.Context, id string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNode(n), nil
}

// GetOwnedNode returns a node only if ownerID owns it.
func (s *MemoryStore) GetOwnedNode(ctx context.Context, id, ownerID string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return cloneNode(n), nil
}

// RecentNodes returns the owner's most recently updated pages and databases.
func (s *MemoryStore) RecentNodes(ctx context.Context, ownerID string, limit int) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Node
	for _, n := range s.nodes {
		if n.OwnerID == ownerID && (n.Type == NodePage || n.Type == NodeDatabase) {
			out = append(out, *cloneNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.newer(out[i].ID, out[j].ID, out[i].UpdatedAt, out[j].UpdatedAt)
	})
	if limit = clampLimit(limit, 5, 100); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchNodes ranks the owner's nodes with the knowledge index.
func (s *MemoryStore) SearchNodes(ctx context.Context, ownerID, query string, limit int) ([]SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	hits, err := s.index.Search(ownerID, query, clampLimit(limit, 10, 50))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		sh := SearchHit{ID: h.ID, Title: h.Title, Type: NodeType(h.Type), Snippet: h.Snippet, Rank: h.Score}
		if n, ok := s.nodes[h.ID]; ok {
			sh.ParentID = n.ParentID
		}
		out = append(out, sh)
	}
	return out, nil
}

// CreateNode inserts a node and returns its id.
func (s *MemoryStore) CreateNode(ctx context.Context, actor Actor, n Node) (string, error) {
	if n.OwnerID == "" {
		return "", ErrInvalidInput
	}
	if !n.Type.Valid() {
		n.Type = NodePage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ParentID != "" {
		if _, ok := s.nodes[n.ParentID]; !ok {
			return "", ErrInvalidInput
		}
	}
	now := s.now()
	n.ID = uuid.NewString()
	n.CreatedAt, n.UpdatedAt = now, now
	n.SearchText = SearchText(n.Title, n.Content)
	if n.Content == nil {
		n.Content = []Block{}
	}
	stored := cloneNode(&n)
	s.nodes[n.ID] = stored
	s.stamp(n.ID)
	s.revise(stored, actor)
	if err := s.reindex(stored); err != nil {
		return "", err
	}
	return n.ID, nil
}

// MergeNodeProperties merges props into a node's properties.
func (s *MemoryStore) MergeNodeProperties(ctx context.Context, actor Actor, id string, props map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	for k, v := range cloneJSON(orEmptyMap(props)) {
		n.Properties[k] = v
	}
	n.UpdatedAt = s.now()
	s.stamp(id)
	s.revise(n, actor)
	return nil
}

// SetNodeContent replaces the blocks of an owned node and refreshes its search text.
func (s *MemoryStore) SetNodeContent(ctx context.Context, actor Actor, id, ownerID string, content []Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.OwnerID != ownerID {
		return ErrNotFound
	}
	n.Content = cloneJSON(orEmptyBlocks(content))
	n.SearchText = SearchText(n.Title, n.Content)
	n.UpdatedAt = s.now()
	s.stamp(id)
	s.revise(n, actor)
	return s.reindex(n)
}

// CreateEdge links two nodes. Existing edges are left alone.
func (s *MemoryStore) CreateEdge(ctx context.Context, sourceID, targetID, edgeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[sourceID]; !ok {
		return ErrInvalidInput
	}
	if _, ok := s.nodes[targetID]; !ok {
		return ErrInvalidInput
	}
	s.edges[[3]string{sourceID, targetID, edgeType}] = struct{}{}
	return nil
}

// --- Entities and communications ---

// FindEntities lists contacts, newest first.
func (s *MemoryStore) FindEntities(ctx context.Context, f EntityFilter) ([]Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.ToLower(f.Name)
	var out []Entity
	for _, e := range s.entities {
		if name != "" && !strings.Contains(strings.ToLower(e.DisplayName), name) {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		out = append(out, cloneJSON(*e))
	}
	sort.Slice(out, func(i, j int) bool {
		return s.newer(out[i].ID, out[j].ID, out[i].CreatedAt, out[j].CreatedAt)
	})
	if limit := clampLimit(f.Limit, 10, 100); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EntityByResolutionKey finds the oldest entity carrying key.
func (s *MemoryStore) EntityByResolutionKey(ctx context.Context, key string) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Entity
	for _, e := range s.entities {
		if !contains(e.ResolutionKeys, key) {
			continue
		}
		if found == nil || s.newer(found.ID, e.ID, found.CreatedAt, e.CreatedAt) {
			found = e
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	c := cloneJSON(*found)
	return &c, nil
}

// CreateEntity inserts a contact and returns its id.
func (s *MemoryStore) CreateEntity(ctx context.Context, e Entity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Type == "" {
		e.Type = EntityPerson
	}
	e.ID = uuid.NewString()
	e.CreatedAt = s.now()
	e.ResolutionKeys = append([]string{}, e.ResolutionKeys...)
	e.Metadata = cloneJSON(orEmptyMap(e.Metadata))
	s.entities[e.ID] = &e
	s.stamp(e.ID)
	return e.ID, nil
}

// Communications lists recent communications, newest first.
func (s *MemoryStore) Communications(ctx context.Context, f CommunicationFilter) ([]Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Communication
	for i := len(s.comms) - 1; i >= 0; i-- {
		c := s.comms[i]
		if f.EntityID != "" && c.FromEntityID != f.EntityID {
			continue
		}
		if f.Channel != "" && c.Channel != f.Channel {
			continue
		}
		if e, ok := s.entities[c.FromEntityID]; ok {
			c.FromName = e.DisplayName
		}
		c.RawPayload = cloneJSON(c.RawPayload)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := clampLimit(f.Limit, 5, 100); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertCommunication stores an external signal and returns its id.
func (s *MemoryStore) InsertCommunication(ctx context.Context, c Communication) (string, error) {
	if !ValidChannel(c.Channel) || !ValidDirection(c.Direction) {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = uuid.NewString()
	if c.Timestamp.IsZero() {
		c.Timestamp = s.now()
	}
	c.FromName = ""
	c.RawPayload = cloneJSON(orEmptyMap(c.RawPayload))
	s.comms = append(s.comms, c)
	return c.ID, nil
}

// --- Conversations and channels ---

// ConversationMessages returns the latest limit messages, oldest first.
func (s *MemoryStore) ConversationMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			m.Metadata = cloneJSON(m.Metadata)
			out = append(out, m)
		}
	}
	if limit = clampLimit(limit, 50, 500); len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SaveMessage appends a message to a conversation.
func (s *MemoryStore) SaveMessage(ctx context.Context, m Message) error {
	if m.ConversationID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = uuid.NewString()
	m.CreatedAt = s.now()
	m.Metadata = cloneJSON(orEmptyMap(m.Metadata))
	s.messages = append(s.messages, m)
	return nil
}

// GetMember returns an active member.
func (s *MemoryStore) GetMember(ctx context.Context, id string) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok || !m.IsActive {
		return nil, ErrNotFound
	}
	c := *m
	c.ToolIDs = append([]string(nil), m.ToolIDs...)
	c.PageIDs = append([]string(nil), m.PageIDs...)
	return &c, nil
}

// ChannelMessages returns the latest limit posts of a channel, oldest first.
func (s *MemoryStore) ChannelMessages(ctx context.Context, channelID string, limit int) ([]ChannelMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChannelMessage
	for _, m := range s.posts {
		if m.ChannelID == channelID {
			m.Metadata = cloneJSON(m.Metadata)
			out = append(out, m)
		}
	}
	if limit = clampLimit(limit, 30, 200); len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SaveChannelMessage posts to a channel.
func (s *MemoryStore) SaveChannelMessage(ctx context.Context, m ChannelMessage) error {
	if m.ChannelID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = uuid.NewString()
	m.CreatedAt = s.now()
	m.Metadata = cloneJSON(orEmptyMap(m.Metadata))
	s.posts = append(s.posts, m)
	return nil
}

// --- Configuration ---

// ToolDefinitions returns active definitions: the listed ids when given,
// otherwise every system-wide and owner-scoped row.
func (s *MemoryStore) ToolDefinitions(ctx context.Context, ownerID string, ids []string) ([]ToolDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ToolDefinition
	for _, d := range s.tools {
		if !d.IsActive {
			continue
		}
		if len(ids) > 0 {
			if !contains(ids, d.ID) {
				continue
			}
		} else if d.OwnerID != "" && d.OwnerID != ownerID {
			continue
		}
		d.Config = cloneJSON(d.Config)
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SeedToolDefinition inserts d unless a row with the same owner and name
// exists. It reports whether a row was inserted.
func (s *MemoryStore) SeedToolDefinition(ctx context.Context, d ToolDefinition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tools {
		if t.OwnerID == d.OwnerID && t.Name == d.Name {
			return false, nil
		}
	}
	d.ID = uuid.NewString()
	d.IsActive = true
	d.Config = cloneJSON(orEmptyMap(d.Config))
	s.tools = append(s.tools, d)
	return true, nil
}

// GetCredential returns a credential row by id, active or not.
func (s *MemoryStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) activeCredentials(match func(*Credential) bool) []Credential {
	var out []Credential
	for _, c := range s.creds {
		if c.IsActive && match(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.newer(out[i].ID, out[j].ID, out[i].UpdatedAt, out[j].UpdatedAt)
	})
	return out
}

// CredentialsByService returns the owner's active credentials for service,
// most recently updated first.
func (s *MemoryStore) CredentialsByService(ctx context.Context, service, ownerID string) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCredentials(func(c *Credential) bool {
		return c.Service == service && c.OwnerID == ownerID
	}), nil
}

// LatestCredential returns the most recently updated active credential for
// service across all owners.
func (s *MemoryStore) LatestCredential(ctx context.Context, service string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.activeCredentials(func(c *Credential) bool { return c.Service == service })
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return &all[0], nil
}

// Settings returns the requested app settings that exist.
func (s *MemoryStore) Settings(ctx context.Context, keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.settings[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// --- Audit ---

// RecordWrite appends an audit row.
func (s *MemoryStore) RecordWrite(ctx context.Context, w Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.NewData = cloneJSON(orEmptyMap(w.NewData))
	w.CreatedAt = s.now()
	s.writes = append(s.writes, w)
	return nil
}
