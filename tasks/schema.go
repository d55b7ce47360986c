package tasks

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL for the agent_tasks table.
func Schema() string {
	return schemaSQL
}

// Migrate applies the agent_tasks schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate agent_tasks: %w", err)
	}
	return nil
}
