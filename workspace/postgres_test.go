package workspace

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestPostgresStore(t *testing.T) {
	pool := newTestPool(t)
	store := NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.NewString()
	taskID := uuid.NewString()

	t.Run("node lifecycle with attribution", func(t *testing.T) {
		id, err := store.CreateNode(ctx, AgentActor(taskID), Node{
			OwnerID:    owner,
			Type:       "bogus",
			Title:      "Garden plan",
			Properties: map[string]any{"source": "agent"},
		})
		require.NoError(t, err)

		n, err := store.GetOwnedNode(ctx, id, owner)
		require.NoError(t, err)
		assert.Equal(t, NodePage, n.Type)
		assert.Equal(t, "agent", n.Properties["source"])

		require.NoError(t, store.MergeNodeProperties(ctx, AgentActor(taskID), id, map[string]any{"status": "draft"}))
		require.NoError(t, store.SetNodeContent(ctx, AgentActor(taskID), id, owner,
			[]Block{NewParagraphBlock("plant tomatoes in april")}))

		n, err = store.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "draft", n.Properties["status"])
		assert.Equal(t, "Garden plan plant tomatoes in april", n.SearchText)
		require.Len(t, n.Content, 1)

		var actorType, actorID string
		var count int
		err = pool.QueryRow(ctx, `
			SELECT count(*), min(actor_type), min(actor_id)
			FROM node_revisions WHERE node_id = $1::uuid`, id).Scan(&count, &actorType, &actorID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
		assert.Equal(t, "agent", actorType)
		assert.Equal(t, taskID, actorID)

		_, err = store.GetOwnedNode(ctx, id, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetNode(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.MergeNodeProperties(ctx, Actor{}, uuid.NewString(), map[string]any{"x": 1}), ErrNotFound)
	})

	t.Run("search ranks and falls back to trigram", func(t *testing.T) {
		_, err := store.CreateNode(ctx, Actor{}, Node{OwnerID: owner, Type: NodePage, Title: "Quarterly budget review"})
		require.NoError(t, err)
		_, err = store.CreateNode(ctx, Actor{}, Node{OwnerID: uuid.NewString(), Type: NodePage, Title: "Budget of someone else"})
		require.NoError(t, err)

		hits, err := store.SearchNodes(ctx, owner, "budget", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "Quarterly budget review", hits[0].Title)
		assert.Contains(t, hits[0].Snippet, "**budget**")

		hits, err = store.SearchNodes(ctx, owner, "budgett review quarterly", 10)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, "Quarterly budget review", hits[0].Title)
	})

	t.Run("recent nodes", func(t *testing.T) {
		nodes, err := store.RecentNodes(ctx, owner, 1)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "Quarterly budget review", nodes[0].Title)
	})

	t.Run("edges", func(t *testing.T) {
		a, err := store.CreateNode(ctx, Actor{}, Node{OwnerID: owner, Type: NodePage, Title: "a"})
		require.NoError(t, err)
		b, err := store.CreateNode(ctx, Actor{}, Node{OwnerID: owner, ParentID: a, Type: NodePage, Title: "b"})
		require.NoError(t, err)
		require.NoError(t, store.CreateEdge(ctx, a, b, "MENTIONS"))
		require.NoError(t, store.CreateEdge(ctx, a, b, "MENTIONS"))

		var n int
		require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM edges WHERE source_id = $1::uuid`, a).Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("entities and communications", func(t *testing.T) {
		alice, err := store.CreateEntity(ctx, Entity{DisplayName: "Alice Smith", ResolutionKeys: []string{"alice@example.com"}})
		require.NoError(t, err)

		e, err := store.EntityByResolutionKey(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, alice, e.ID)
		assert.Equal(t, EntityPerson, e.Type)

		found, err := store.FindEntities(ctx, EntityFilter{Name: "smith", Type: EntityPerson})
		require.NoError(t, err)
		require.Len(t, found, 1)

		_, err = store.InsertCommunication(ctx, Communication{Channel: "email", Direction: "inbound", FromEntityID: alice, Subject: "Hi", ContentText: "hello"})
		require.NoError(t, err)
		_, err = store.InsertCommunication(ctx, Communication{Channel: "webhook", Direction: "inbound"})
		require.NoError(t, err)

		comms, err := store.Communications(ctx, CommunicationFilter{EntityID: alice})
		require.NoError(t, err)
		require.Len(t, comms, 1)
		assert.Equal(t, "Alice Smith", comms[0].FromName)

		all, err := store.Communications(ctx, CommunicationFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "webhook", all[0].Channel)
	})

	t.Run("conversation history", func(t *testing.T) {
		var conv string
		require.NoError(t, pool.QueryRow(ctx, `INSERT INTO conversations (owner_id) VALUES ($1::uuid) RETURNING id::text`, owner).Scan(&conv))
		for _, c := range []string{"one", "two", "three"} {
			require.NoError(t, store.SaveMessage(ctx, Message{ConversationID: conv, Role: RoleUser, Content: c}))
		}
		msgs, err := store.ConversationMessages(ctx, conv, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "two", msgs[0].Content)
		assert.Equal(t, "three", msgs[1].Content)
	})

	t.Run("members and channels", func(t *testing.T) {
		var member, channel string
		require.NoError(t, pool.QueryRow(ctx, `
			INSERT INTO members (owner_id, name, page_access, can_write)
			VALUES ($1::uuid, 'Scout', 'selected', false) RETURNING id::text`, owner).Scan(&member))
		require.NoError(t, pool.QueryRow(ctx, `
			INSERT INTO channels (owner_id, name) VALUES ($1::uuid, 'general') RETURNING id::text`, owner).Scan(&channel))

		m, err := store.GetMember(ctx, member)
		require.NoError(t, err)
		assert.Equal(t, "Scout", m.Name)
		assert.Equal(t, PageAccessSelected, m.PageAccess)
		assert.False(t, m.CanWrite)
		assert.Empty(t, m.ToolIDs)

		require.NoError(t, store.SaveChannelMessage(ctx, ChannelMessage{ChannelID: channel, AuthorName: "Ann", Content: "hi"}))
		require.NoError(t, store.SaveChannelMessage(ctx, ChannelMessage{ChannelID: channel, MemberID: member, AuthorName: "Scout", Content: "hello", TaskID: taskID}))
		posts, err := store.ChannelMessages(ctx, channel, 30)
		require.NoError(t, err)
		require.Len(t, posts, 2)
		assert.Equal(t, member, posts[1].MemberID)
		assert.Equal(t, taskID, posts[1].TaskID)
	})

	t.Run("tool definitions", func(t *testing.T) {
		inserted, err := store.SeedToolDefinition(ctx, ToolDefinition{Name: "find_entities", Type: ToolBuiltin})
		require.NoError(t, err)
		assert.True(t, inserted)
		inserted, err = store.SeedToolDefinition(ctx, ToolDefinition{Name: "find_entities", Type: ToolBuiltin})
		require.NoError(t, err)
		assert.False(t, inserted)

		defs, err := store.ToolDefinitions(ctx, owner, nil)
		require.NoError(t, err)
		require.Len(t, defs, 1)

		got, err := store.ToolDefinitions(ctx, owner, []string{defs[0].ID, "junk"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "find_entities", got[0].Name)
	})

	t.Run("credentials and settings", func(t *testing.T) {
		_, err := pool.Exec(ctx, `
			INSERT INTO credentials (owner_id, name, service, config_encrypted)
			VALUES ($1::uuid, 'key', 'llm', 'token'::bytea)`, owner)
		require.NoError(t, err)
		c, err := store.LatestCredential(ctx, "llm")
		require.NoError(t, err)
		assert.Equal(t, []byte("token"), c.ConfigEncrypted)

		byService, err := store.CredentialsByService(ctx, "llm", owner)
		require.NoError(t, err)
		assert.Len(t, byService, 1)

		_, err = pool.Exec(ctx, `INSERT INTO app_settings (key, value) VALUES ('smtp_host', 'mail')`)
		require.NoError(t, err)
		settings, err := store.Settings(ctx, "smtp_host", "smtp_port")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"smtp_host": "mail"}, settings)
	})

	t.Run("record write", func(t *testing.T) {
		row := uuid.NewString()
		require.NoError(t, store.RecordWrite(ctx, Write{
			TaskID: taskID, TableName: "nodes", RowID: row, Operation: "UPDATE",
			NewData: map[string]any{"ai_summary": "short"}, ActorType: "agent", ActorID: taskID,
		}))
		var summary string
		require.NoError(t, pool.QueryRow(ctx, `SELECT new_data->>'ai_summary' FROM writes WHERE row_id = $1::uuid`, row).Scan(&summary))
		assert.Equal(t, "short", summary)
	})
}
