package data

import (
	"context"
	"embed"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/schema/*.sql
var schemaFS embed.FS

// SchemaManager applies the embedded schema files in order.
type SchemaManager struct {
	pool *pgxpool.Pool
}

// NewSchemaManager creates a schema manager bound to a pool
func NewSchemaManager(pool *pgxpool.Pool) *SchemaManager {
	return &SchemaManager{pool: pool}
}

// InitializeSchema executes every schema file in one transaction,
// sorted by name for a consistent order.
func (m *SchemaManager) InitializeSchema(ctx context.Context) error {
	entries, err := schemaFS.ReadDir("sql/schema")
	if err != nil {
		return fmt.Errorf("reading schema directory: %w", err)
	}

	fileNames := make([]string, 0, len(entries))
	for _, e := range entries {
		fileNames = append(fileNames, e.Name())
	}
	sort.Strings(fileNames)

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, fileName := range fileNames {
		content, err := schemaFS.ReadFile("sql/schema/" + fileName)
		if err != nil {
			return fmt.Errorf("reading schema file %s: %w", fileName, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("executing schema file %s: %w", fileName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}

	return nil
}

// InitializeSchema applies the schema through the repository's pool.
func (r *PostgresRepository) InitializeSchema(ctx context.Context) error {
	return NewSchemaManager(r.pool).InitializeSchema(ctx)
}
