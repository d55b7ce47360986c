package bus

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresBus(t *testing.T) {
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
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	b := NewPostgresBus(pool, DefaultConfig())
	defer b.Close()

	t.Run("Publish and receive", func(t *testing.T) {
		sub, err := b.Subscribe(SubjectNewTask)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, b.Publish(SubjectNewTask, []byte("task-42")))

		select {
		case msg := <-sub.Messages():
			assert.Equal(t, SubjectNewTask, msg.Subject)
			assert.Equal(t, "task-42", string(msg.Data))
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for notification")
		}
	})

	t.Run("Notify from SQL", func(t *testing.T) {
		sub, err := b.Subscribe(SubjectNewMessage)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		_, err = pool.Exec(ctx, "NOTIFY new_message, 'hello'")
		require.NoError(t, err)

		select {
		case msg := <-sub.Messages():
			assert.Equal(t, "hello", string(msg.Data))
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for notification")
		}
	})

	t.Run("Unsubscribe closes channel", func(t *testing.T) {
		sub, err := b.Subscribe("scratch")
		require.NoError(t, err)
		require.NoError(t, sub.Unsubscribe())

		_, ok := <-sub.Messages()
		assert.False(t, ok)
		assert.NoError(t, sub.Unsubscribe())
	})

	t.Run("Invalid subject", func(t *testing.T) {
		_, err := b.Subscribe("")
		assert.ErrorIs(t, err, ErrInvalidSubject)
	})
}
