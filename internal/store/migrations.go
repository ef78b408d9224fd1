package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"redaction-pipeline/internal/rules"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations executes the embedded SQL migrations in name order and upserts
// the built-in templates.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return s.seedTemplates(ctx)
}

func (s *Store) seedTemplates(ctx context.Context) error {
	for _, t := range rules.Builtin() {
		categories, err := json.Marshal(t.Categories)
		if err != nil {
			return fmt.Errorf("marshal template %s: %w", t.ID, err)
		}
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO templates (id, owner_id, name, description, categories)
			VALUES ($1, '', $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, description = EXCLUDED.description, categories = EXCLUDED.categories
		`, t.ID, t.Name, t.Description, categories); err != nil {
			return fmt.Errorf("seed template %s: %w", t.ID, err)
		}
	}
	return nil
}
