package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over the collaborator tables.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// validID guards uuid casts against ids invented by a model.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

func decodeMap(b []byte) map[string]any {
	m := map[string]any{}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &m)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func decodeBlocks(b []byte) []Block {
	var blocks []Block
	if len(b) > 0 {
		_ = json.Unmarshal(b, &blocks)
	}
	return blocks
}

func decodeStrings(b []byte) []string {
	var raw []any
	if len(b) == 0 || json.Unmarshal(b, &raw) != nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// withActor runs fn in a transaction whose node mutations are attributed to actor.
func (s *PostgresStore) withActor(ctx context.Context, actor Actor, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if !actor.IsZero() {
			if _, err := tx.Exec(ctx,
				`SELECT set_config('taskengine.actor_type', $1, true), set_config('taskengine.actor_id', $2, true)`,
				actor.Type, actor.ID); err != nil {
				return fmt.Errorf("set actor: %w", err)
			}
		}
		return fn(tx)
	})
}

// --- Nodes ---

const nodeColumns = `id::text, owner_id::text, parent_id::text, type, title, content, properties, search_text, created_at, updated_at`

func scanNode(row pgx.Row) (*Node, error) {
	var (
		n        Node
		parentID *string
		nodeType string
		content  []byte
		props    []byte
	)
	err := row.Scan(&n.ID, &n.OwnerID, &parentID, &nodeType, &n.Title, &content, &props,
		&n.SearchText, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.ParentID = deref(parentID)
	n.Type = NodeType(nodeType)
	n.Content = decodeBlocks(content)
	n.Properties = decodeMap(props)
	return &n, nil
}

func (s *PostgresStore) queryNode(ctx context.Context, sql string, args ...any) (*Node, error) {
	n, err := scanNode(s.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// GetNode returns a node by id.
func (s *PostgresStore) GetNode(ctx context.Context, id string) (*Node, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	return s.queryNode(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1::uuid`, id)
}

// GetOwnedNode returns a node only if ownerID owns it.
func (s *PostgresStore) GetOwnedNode(ctx context.Context, id, ownerID string) (*Node, error) {
	if !validID(id) || !validID(ownerID) {
		return nil, ErrNotFound
	}
	return s.queryNode(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1::uuid AND owner_id = $2::uuid`, id, ownerID)
}

// RecentNodes returns the owner's most recently updated pages and databases.
func (s *PostgresStore) RecentNodes(ctx context.Context, ownerID string, limit int) ([]Node, error) {
	if !validID(ownerID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE owner_id = $1::uuid AND type IN ('page', 'database')
		ORDER BY updated_at DESC
		LIMIT $2`, ownerID, clampLimit(limit, 5, 100))
	if err != nil {
		return nil, fmt.Errorf("recent nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

const searchFTSSQL = `
SELECT n.id::text, n.title, n.type, n.parent_id::text,
       ts_headline('english', n.search_text, plainto_tsquery('english', $1),
           'StartSel=**, StopSel=**, MaxWords=50, MinWords=20') AS snippet,
       ts_rank(to_tsvector('english', n.search_text), plainto_tsquery('english', $1)) AS rank
FROM nodes n
WHERE n.owner_id = $3::uuid
  AND to_tsvector('english', n.search_text) @@ plainto_tsquery('english', $1)
ORDER BY rank DESC
LIMIT $2`

const searchTrigramSQL = `
SELECT n.id::text, n.title, n.type, n.parent_id::text,
       LEFT(n.search_text, 200) AS snippet,
       similarity(n.search_text, $1) AS rank
FROM nodes n
WHERE n.owner_id = $3::uuid
  AND n.search_text % $1
ORDER BY rank DESC
LIMIT $2`

// SearchNodes ranks the owner's nodes by full-text match, falling back to
// trigram similarity when nothing matches.
func (s *PostgresStore) SearchNodes(ctx context.Context, ownerID, query string, limit int) ([]SearchHit, error) {
	if !validID(ownerID) || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	limit = clampLimit(limit, 10, 50)

	hits, err := s.search(ctx, searchFTSSQL, query, limit, ownerID)
	if err != nil || len(hits) > 0 {
		return hits, err
	}
	return s.search(ctx, searchTrigramSQL, query, limit, ownerID)
}

func (s *PostgresStore) search(ctx context.Context, sql string, args ...any) ([]SearchHit, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var (
			h        SearchHit
			nodeType string
			parentID *string
			rank     float32
		)
		if err := rows.Scan(&h.ID, &h.Title, &nodeType, &parentID, &h.Snippet, &rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		h.Type = NodeType(nodeType)
		h.ParentID = deref(parentID)
		h.Rank = float64(rank)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// CreateNode inserts a node and returns its id.
func (s *PostgresStore) CreateNode(ctx context.Context, actor Actor, n Node) (string, error) {
	if !validID(n.OwnerID) || (n.ParentID != "" && !validID(n.ParentID)) {
		return "", ErrInvalidInput
	}
	if !n.Type.Valid() {
		n.Type = NodePage
	}
	props, err := encodeJSON(orEmptyMap(n.Properties))
	if err != nil {
		return "", err
	}
	content, err := encodeJSON(orEmptyBlocks(n.Content))
	if err != nil {
		return "", err
	}

	var id string
	err = s.withActor(ctx, actor, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO nodes (owner_id, parent_id, type, title, content, properties, search_text)
			VALUES ($1::uuid, $2::uuid, $3, $4, $5::jsonb, $6::jsonb, $7)
			RETURNING id::text`,
			n.OwnerID, nullable(n.ParentID), string(n.Type), n.Title, content, props,
			SearchText(n.Title, n.Content)).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("create node: %w", err)
	}
	return id, nil
}

// MergeNodeProperties merges props into a node's properties.
func (s *PostgresStore) MergeNodeProperties(ctx context.Context, actor Actor, id string, props map[string]any) error {
	if !validID(id) {
		return ErrNotFound
	}
	data, err := encodeJSON(orEmptyMap(props))
	if err != nil {
		return err
	}
	var affected int64
	err = s.withActor(ctx, actor, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE nodes SET properties = properties || $2::jsonb, updated_at = now()
			WHERE id = $1::uuid`, id, data)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("merge node properties: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNodeContent replaces the blocks of an owned node and refreshes its search text.
func (s *PostgresStore) SetNodeContent(ctx context.Context, actor Actor, id, ownerID string, content []Block) error {
	if !validID(id) || !validID(ownerID) {
		return ErrNotFound
	}
	data, err := encodeJSON(orEmptyBlocks(content))
	if err != nil {
		return err
	}
	var affected int64
	err = s.withActor(ctx, actor, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE nodes
			SET content = $2::jsonb,
			    search_text = btrim(title || ' ' || $4),
			    updated_at = now()
			WHERE id = $1::uuid AND owner_id = $3::uuid`, id, data, ownerID, BlocksText(content))
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set node content: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEdge links two nodes. Existing edges are left alone.
func (s *PostgresStore) CreateEdge(ctx context.Context, sourceID, targetID, edgeType string) error {
	if !validID(sourceID) || !validID(targetID) {
		return ErrInvalidInput
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO edges (source_id, target_id, type) VALUES ($1::uuid, $2::uuid, $3)
		ON CONFLICT DO NOTHING`, sourceID, targetID, edgeType)
	if err != nil {
		return fmt.Errorf("create edge: %w", err)
	}
	return nil
}

// --- Entities and communications ---

func scanEntity(row pgx.Row) (*Entity, error) {
	var (
		e         Entity
		entityTyp string
		keys      []byte
		meta      []byte
	)
	if err := row.Scan(&e.ID, &e.DisplayName, &entityTyp, &keys, &meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = EntityType(entityTyp)
	e.ResolutionKeys = decodeStrings(keys)
	e.Metadata = decodeMap(meta)
	return &e, nil
}

// FindEntities lists contacts, newest first.
func (s *PostgresStore) FindEntities(ctx context.Context, f EntityFilter) ([]Entity, error) {
	var (
		conds []string
		args  []any
	)
	if f.Name != "" {
		args = append(args, f.Name)
		conds = append(conds, fmt.Sprintf("display_name ILIKE '%%' || $%d || '%%'", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	where := "TRUE"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	args = append(args, clampLimit(f.Limit, 10, 100))

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT id::text, display_name, type, resolution_keys, metadata, created_at
		FROM entities
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("find entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// EntityByResolutionKey finds the oldest entity carrying key.
func (s *PostgresStore) EntityByResolutionKey(ctx context.Context, key string) (*Entity, error) {
	probe, err := encodeJSON([]string{key})
	if err != nil {
		return nil, err
	}
	e, err := scanEntity(s.db.QueryRow(ctx, `
		SELECT id::text, display_name, type, resolution_keys, metadata, created_at
		FROM entities
		WHERE resolution_keys @> $1::jsonb
		ORDER BY created_at ASC
		LIMIT 1`, probe))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("entity by key: %w", err)
	}
	return e, nil
}

// CreateEntity inserts a contact and returns its id.
func (s *PostgresStore) CreateEntity(ctx context.Context, e Entity) (string, error) {
	if e.Type == "" {
		e.Type = EntityPerson
	}
	keys, err := encodeJSON(orEmptyStrings(e.ResolutionKeys))
	if err != nil {
		return "", err
	}
	meta, err := encodeJSON(orEmptyMap(e.Metadata))
	if err != nil {
		return "", err
	}
	var id string
	err = s.db.QueryRow(ctx, `
		INSERT INTO entities (display_name, type, resolution_keys, metadata)
		VALUES ($1, $2, $3::jsonb, $4::jsonb)
		RETURNING id::text`, e.DisplayName, string(e.Type), keys, meta).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create entity: %w", err)
	}
	return id, nil
}

// Communications lists recent communications, newest first.
func (s *PostgresStore) Communications(ctx context.Context, f CommunicationFilter) ([]Communication, error) {
	var (
		conds []string
		args  []any
	)
	if f.EntityID != "" {
		if !validID(f.EntityID) {
			return nil, nil
		}
		args = append(args, f.EntityID)
		conds = append(conds, fmt.Sprintf("c.from_entity_id = $%d::uuid", len(args)))
	}
	if f.Channel != "" {
		args = append(args, f.Channel)
		conds = append(conds, fmt.Sprintf("c.channel = $%d", len(args)))
	}
	where := "TRUE"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	args = append(args, clampLimit(f.Limit, 5, 100))

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT c.id::text, c.channel, c.direction, c.from_entity_id::text, e.display_name,
		       c.subject, c.content_text, c.raw_payload, c.timestamp
		FROM communications c
		LEFT JOIN entities e ON e.id = c.from_entity_id
		WHERE %s
		ORDER BY c.timestamp DESC
		LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("communications: %w", err)
	}
	defer rows.Close()

	var out []Communication
	for rows.Next() {
		var (
			c                                  Communication
			fromID, fromName, subject, content *string
			raw                                []byte
		)
		if err := rows.Scan(&c.ID, &c.Channel, &c.Direction, &fromID, &fromName,
			&subject, &content, &raw, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan communication: %w", err)
		}
		c.FromEntityID = deref(fromID)
		c.FromName = deref(fromName)
		c.Subject = deref(subject)
		c.ContentText = deref(content)
		c.RawPayload = decodeMap(raw)
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertCommunication stores an external signal and returns its id.
func (s *PostgresStore) InsertCommunication(ctx context.Context, c Communication) (string, error) {
	if !ValidChannel(c.Channel) || !ValidDirection(c.Direction) {
		return "", ErrInvalidInput
	}
	raw, err := encodeJSON(orEmptyMap(c.RawPayload))
	if err != nil {
		return "", err
	}
	var id string
	err = s.db.QueryRow(ctx, `
		INSERT INTO communications (channel, direction, from_entity_id, subject, content_text, raw_payload)
		VALUES ($1, $2, $3::uuid, $4, $5, $6::jsonb)
		RETURNING id::text`,
		c.Channel, c.Direction, nullable(c.FromEntityID), nullable(c.Subject), nullable(c.ContentText), raw).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert communication: %w", err)
	}
	return id, nil
}

// --- Conversations and channels ---

// ConversationMessages returns the latest limit messages, oldest first.
func (s *PostgresStore) ConversationMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if !validID(conversationID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, role, content, task_id, metadata, created_at FROM (
			SELECT id::text, conversation_id::text, role, content, task_id::text, metadata, created_at
			FROM messages
			WHERE conversation_id = $1::uuid
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`, conversationID, clampLimit(limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("conversation messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			taskID *string
			meta   []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &taskID, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.TaskID = deref(taskID)
		m.Metadata = decodeMap(meta)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveMessage appends a message to a conversation.
func (s *PostgresStore) SaveMessage(ctx context.Context, m Message) error {
	if !validID(m.ConversationID) {
		return ErrInvalidInput
	}
	meta, err := encodeJSON(orEmptyMap(m.Metadata))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO messages (conversation_id, role, content, task_id, metadata)
		VALUES ($1::uuid, $2, $3, $4::uuid, $5::jsonb)`,
		m.ConversationID, m.Role, m.Content, nullable(m.TaskID), meta)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMember returns an active member.
func (s *PostgresStore) GetMember(ctx context.Context, id string) (*Member, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var m Member
	err := s.db.QueryRow(ctx, `
		SELECT id::text, owner_id::text, name, kind, system_prompt, model,
		       tool_ids::text[], page_access, page_ids::text[], can_write, is_active
		FROM members
		WHERE id = $1::uuid AND is_active`, id).Scan(
		&m.ID, &m.OwnerID, &m.Name, &m.Kind, &m.SystemPrompt, &m.Model,
		&m.ToolIDs, &m.PageAccess, &m.PageIDs, &m.CanWrite, &m.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return &m, nil
}

// ChannelMessages returns the latest limit posts of a channel, oldest first.
func (s *PostgresStore) ChannelMessages(ctx context.Context, channelID string, limit int) ([]ChannelMessage, error) {
	if !validID(channelID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, channel_id, member_id, author_name, content, task_id, metadata, created_at FROM (
			SELECT id::text, channel_id::text, member_id::text, author_name, content,
			       task_id::text, metadata, created_at
			FROM channel_messages
			WHERE channel_id = $1::uuid
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`, channelID, clampLimit(limit, 30, 200))
	if err != nil {
		return nil, fmt.Errorf("channel messages: %w", err)
	}
	defer rows.Close()

	var out []ChannelMessage
	for rows.Next() {
		var (
			cm               ChannelMessage
			memberID, taskID *string
			meta             []byte
		)
		if err := rows.Scan(&cm.ID, &cm.ChannelID, &memberID, &cm.AuthorName, &cm.Content,
			&taskID, &meta, &cm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel message: %w", err)
		}
		cm.MemberID = deref(memberID)
		cm.TaskID = deref(taskID)
		cm.Metadata = decodeMap(meta)
		out = append(out, cm)
	}
	return out, rows.Err()
}

// SaveChannelMessage posts to a channel.
func (s *PostgresStore) SaveChannelMessage(ctx context.Context, m ChannelMessage) error {
	if !validID(m.ChannelID) {
		return ErrInvalidInput
	}
	meta, err := encodeJSON(orEmptyMap(m.Metadata))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO channel_messages (channel_id, member_id, author_name, content, task_id, metadata)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5::uuid, $6::jsonb)`,
		m.ChannelID, nullable(m.MemberID), m.AuthorName, m.Content, nullable(m.TaskID), meta)
	if err != nil {
		return fmt.Errorf("save channel message: %w", err)
	}
	return nil
}

// --- Configuration ---

const toolColumns = `id::text, owner_id::text, name, display_name, description, type, config, credential_id::text, is_active`

// ToolDefinitions returns active definitions: the listed ids when given,
// otherwise every system-wide and owner-scoped row.
func (s *PostgresStore) ToolDefinitions(ctx context.Context, ownerID string, ids []string) ([]ToolDefinition, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(ids) > 0 {
		valid := make([]string, 0, len(ids))
		for _, id := range ids {
			if validID(id) {
				valid = append(valid, id)
			}
		}
		if len(valid) == 0 {
			return nil, nil
		}
		rows, err = s.db.Query(ctx, `SELECT `+toolColumns+` FROM tool_definitions
			WHERE id = ANY($1::uuid[]) AND is_active
			ORDER BY name`, valid)
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+toolColumns+` FROM tool_definitions
			WHERE is_active AND (owner_id IS NULL OR owner_id = $1::uuid)
			ORDER BY name`, nullable(ownerIfValid(ownerID)))
	}
	if err != nil {
		return nil, fmt.Errorf("tool definitions: %w", err)
	}
	defer rows.Close()

	var out []ToolDefinition
	for rows.Next() {
		var (
			d             ToolDefinition
			owner, credID *string
			config        []byte
		)
		if err := rows.Scan(&d.ID, &owner, &d.Name, &d.DisplayName, &d.Description, &d.Type,
			&config, &credID, &d.IsActive); err != nil {
			return nil, fmt.Errorf("scan tool definition: %w", err)
		}
		d.OwnerID = deref(owner)
		d.CredentialID = deref(credID)
		d.Config = decodeMap(config)
		out = append(out, d)
	}
	return out, rows.Err()
}

func ownerIfValid(id string) string {
	if validID(id) {
		return id
	}
	return ""
}

// SeedToolDefinition inserts d unless a row with the same owner and name
// exists. It reports whether a row was inserted.
func (s *PostgresStore) SeedToolDefinition(ctx context.Context, d ToolDefinition) (bool, error) {
	config, err := encodeJSON(orEmptyMap(d.Config))
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO tool_definitions (owner_id, name, display_name, description, type, config)
		VALUES ($1::uuid, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT DO NOTHING`,
		nullable(d.OwnerID), d.Name, d.DisplayName, d.Description, d.Type, config)
	if err != nil {
		return false, fmt.Errorf("seed tool %s: %w", d.Name, err)
	}
	return tag.RowsAffected() == 1, nil
}

const credentialColumns = `id::text, owner_id::text, name, service, type, config_encrypted, is_active, created_at, updated_at`

func scanCredential(row pgx.Row) (*Credential, error) {
	var c Credential
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Service, &c.Type, &c.ConfigEncrypted,
		&c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCredential returns a credential row by id, active or not.
func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	c, err := scanCredential(s.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// CredentialsByService returns the owner's active credentials for service,
// most recently updated first.
func (s *PostgresStore) CredentialsByService(ctx context.Context, service, ownerID string) ([]Credential, error) {
	if !validID(ownerID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE service = $1 AND owner_id = $2::uuid AND is_active
		ORDER BY updated_at DESC`, service, ownerID)
	if err != nil {
		return nil, fmt.Errorf("credentials by service: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// LatestCredential returns the most recently updated active credential for
// service across all owners.
func (s *PostgresStore) LatestCredential(ctx context.Context, service string) (*Credential, error) {
	c, err := scanCredential(s.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE service = $1 AND is_active
		ORDER BY updated_at DESC
		LIMIT 1`, service))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest credential: %w", err)
	}
	return c, nil
}

// Settings returns the requested app_settings keys that exist.
func (s *PostgresStore) Settings(ctx context.Context, keys ...string) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `SELECT key, value FROM app_settings WHERE key = ANY($1::text[])`, keys)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(keys))
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- Audit ---

// RecordWrite appends an audit row.
func (s *PostgresStore) RecordWrite(ctx context.Context, w Write) error {
	data, err := encodeJSON(orEmptyMap(w.NewData))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO writes (task_id, table_name, row_id, operation, new_data, actor_type, actor_id)
		VALUES ($1::uuid, $2, $3::uuid, $4, $5::jsonb, $6, $7::uuid)`,
		nullable(ownerIfValid(w.TaskID)), w.TableName, nullable(ownerIfValid(w.RowID)), w.Operation, data,
		nullable(w.ActorType), nullable(ownerIfValid(w.ActorID)))
	if err != nil {
		return fmt.Errorf("record write: %w", err)
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyBlocks(b []Block) []Block {
	if b == nil {
		return []Block{}
	}
	return b
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
