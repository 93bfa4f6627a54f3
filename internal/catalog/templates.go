package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// Define registers a new template.
func (c *Catalog) Define(ctx context.Context, name string, fields []string) (models.Template, error) {
	t, err := models.NewTemplate(name, fields)
	if err != nil {
		return models.Template{}, err
	}
	t.CreatedAt = c.now()
	body, err := json.Marshal(t.Fields)
	if err != nil {
		return models.Template{}, fmt.Errorf("failed to encode fields: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.Template(ctx, t.Name); err == nil {
		return models.Template{}, models.Consistency(models.CodeDuplicateTemplate, "template %q already exists", t.Name)
	}
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO templates (name, fields, created_at) VALUES (?, ?, ?)`,
		t.Name, string(body), t.CreatedAt.UnixNano(),
	); err != nil {
		return models.Template{}, fmt.Errorf("failed to insert template: %w", err)
	}
	c.logger.Info("Defined template", logger.String("template", t.Name), logger.Strings("fields", t.Fields))
	return t, nil
}

// Template returns the named template.
func (c *Catalog) Template(ctx context.Context, name string) (models.Template, error) {
	row := c.db.QueryRowContext(ctx, `SELECT name, fields, created_at FROM templates WHERE name = ?`, name)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Template{}, models.NotFound("template %q not found", name)
	}
	return t, err
}

// Templates lists templates in definition order.
func (c *Catalog) Templates(ctx context.Context) ([]models.Template, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, fields, created_at FROM templates ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()
	var out []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *Catalog) seedTemplates(ctx context.Context) error {
	now := c.now().UnixNano()
	for _, t := range models.DefaultTemplates {
		body, err := json.Marshal(t.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode template %s: %w", t.Name, err)
		}
		if _, err := c.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO templates (name, fields, created_at) VALUES (?, ?, ?)`,
			t.Name, string(body), now,
		); err != nil {
			return fmt.Errorf("failed to seed template %s: %w", t.Name, err)
		}
	}
	return nil
}

func scanTemplate(s scanner) (models.Template, error) {
	var (
		t       models.Template
		fields  string
		created int64
	)
	if err := s.Scan(&t.Name, &fields, &created); err != nil {
		return models.Template{}, err
	}
	if err := json.Unmarshal([]byte(fields), &t.Fields); err != nil {
		return models.Template{}, fmt.Errorf("corrupt template %s: %w", t.Name, err)
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	return t, nil
}
