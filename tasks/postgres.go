package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over the agent_tasks table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `id::text, owner_id::text, workflow, status, input, output, error, trace_log,
	node_id::text, conversation_id::text, member_id::text, channel_id::text,
	created_at, started_at, heartbeat_at, completed_at, updated_at`

const claimAnySQL = `
UPDATE agent_tasks
SET status = 'running', started_at = now(), heartbeat_at = now(), updated_at = now()
WHERE id = (
	SELECT id FROM agent_tasks
	WHERE status = 'pending'
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + taskColumns

const claimWorkflowsSQL = `
UPDATE agent_tasks
SET status = 'running', started_at = now(), heartbeat_at = now(), updated_at = now()
WHERE id = (
	SELECT id FROM agent_tasks
	WHERE status = 'pending' AND workflow = ANY($1::text[])
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + taskColumns

// Claim atomically moves the oldest pending task to running.
func (s *PostgresStore) Claim(ctx context.Context, workflows []string) (*Task, error) {
	var row pgx.Row
	if len(workflows) == 0 {
		row = s.db.QueryRow(ctx, claimAnySQL)
	} else {
		row = s.db.QueryRow(ctx, claimWorkflowsSQL, workflows)
	}
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// Heartbeat refreshes heartbeat_at on a running task.
func (s *PostgresStore) Heartbeat(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_tasks SET heartbeat_at = now(), updated_at = now()
		WHERE id = $1::uuid AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOr(ctx, id, ErrNotRunning)
	}
	return nil
}

// Complete moves a running task to completed.
func (s *PostgresStore) Complete(ctx context.Context, id string, output map[string]any) error {
	if output == nil {
		output = map[string]any{}
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_tasks
		SET status = 'completed', output = $2::jsonb, completed_at = now(), updated_at = now()
		WHERE id = $1::uuid AND status = 'running'`, id, string(data))
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOr(ctx, id, ErrNotRunning)
	}
	return nil
}

// Fail moves a running task to failed.
func (s *PostgresStore) Fail(ctx context.Context, id string, message string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_tasks
		SET status = 'failed', error = $2, completed_at = now(), updated_at = now()
		WHERE id = $1::uuid AND status = 'running'`, id, message)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOr(ctx, id, ErrNotRunning)
	}
	return nil
}

// SetTraceLog replaces the trace log of a task.
func (s *PostgresStore) SetTraceLog(ctx context.Context, id string, steps []TraceStep) error {
	if steps == nil {
		steps = []TraceStep{}
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode trace log: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_tasks SET trace_log = $2::jsonb, updated_at = now()
		WHERE id = $1::uuid`, id, string(data))
	if err != nil {
		return fmt.Errorf("set trace log %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ReclaimStale fails running tasks whose heartbeat is older than timeout.
func (s *PostgresStore) ReclaimStale(ctx context.Context, timeout time.Duration, message string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE agent_tasks
		SET status = 'failed', error = $2, completed_at = now(), updated_at = now()
		WHERE status = 'running'
		  AND heartbeat_at < now() - make_interval(secs => $1::double precision)
		RETURNING id::text`, timeout.Seconds(), message)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	return ids, nil
}

// Get retrieves a task by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = $1::uuid`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// Enqueue inserts a pending task. The insert trigger notifies new_task.
func (s *PostgresStore) Enqueue(ctx context.Context, task Task) (string, error) {
	if task.Workflow == "" || task.OwnerID == "" {
		return "", ErrInvalidTask
	}
	if task.Input == nil {
		task.Input = map[string]any{}
	}
	input, err := json.Marshal(task.Input)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}

	var id string
	err = s.db.QueryRow(ctx, `
		INSERT INTO agent_tasks (owner_id, workflow, status, input, node_id, conversation_id, member_id, channel_id)
		VALUES ($1::uuid, $2, 'pending', $3::jsonb, $4::uuid, $5::uuid, $6::uuid, $7::uuid)
		RETURNING id::text`,
		task.OwnerID, task.Workflow, string(input),
		nullable(task.NodeID), nullable(task.ConversationID), nullable(task.MemberID), nullable(task.ChannelID),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) missingOr(ctx context.Context, id string, err error) error {
	var exists bool
	if qerr := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agent_tasks WHERE id = $1::uuid)`, id).Scan(&exists); qerr != nil {
		return fmt.Errorf("lookup task %s: %w", id, qerr)
	}
	if !exists {
		return ErrTaskNotFound
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t                                     Task
		status                                string
		input, output, trace                  []byte
		errText, nodeID, convID, memID, chanID *string
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Workflow, &status, &input, &output, &errText, &trace,
		&nodeID, &convID, &memID, &chanID,
		&t.CreatedAt, &t.StartedAt, &t.HeartbeatAt, &t.CompletedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Input = map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &t.Input); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &t.Output); err != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
	}
	t.TraceLog = []TraceStep{}
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &t.TraceLog); err != nil {
			return nil, fmt.Errorf("decode trace log: %w", err)
		}
	}
	t.Error = deref(errText)
	t.NodeID = deref(nodeID)
	t.ConversationID = deref(convID)
	t.MemberID = deref(memID)
	t.ChannelID = deref(chanID)
	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Store = (*PostgresStore)(nil)
