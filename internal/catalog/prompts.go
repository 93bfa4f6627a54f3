package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/feichai0017/dataset-kitchen/internal/models"
)

// SavePromptSet stores set under name, replacing any previous one.
func (c *Catalog) SavePromptSet(ctx context.Context, name string, set models.PromptSet) error {
	if err := models.ValidateName(name); err != nil {
		return err
	}
	body, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode prompt set: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO prompt_sets (name, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		name, string(body), c.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save prompt set: %w", err)
	}
	return nil
}

// LoadPromptSet returns the named prompt set.
func (c *Catalog) LoadPromptSet(ctx context.Context, name string) (models.PromptSet, error) {
	var body string
	err := c.db.QueryRowContext(ctx, `SELECT body FROM prompt_sets WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PromptSet{}, models.NotFound("prompt set %q not found", name)
	}
	if err != nil {
		return models.PromptSet{}, fmt.Errorf("failed to load prompt set: %w", err)
	}
	var set models.PromptSet
	if err := json.Unmarshal([]byte(body), &set); err != nil {
		return models.PromptSet{}, fmt.Errorf("corrupt prompt set %s: %w", name, err)
	}
	return set, nil
}

// PromptSets lists saved prompt set names alphabetically.
func (c *Catalog) PromptSets(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM prompt_sets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt sets: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
