package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pipelex/pipelex/core"
)

// ErrPipelineNotFound is returned by GetPipeline when no row matches.
var ErrPipelineNotFound = errors.New("tracestore: pipeline not found")

// PipelineInfo is the lightweight listing shape returned by the preset and
// saved-pipeline listing endpoints (spec.md §6.1's InitResponse, §6.2's
// GET /api/pipelines).
type PipelineInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SavePipeline inserts or updates a user-saved pipeline (spec.md §6.3's
// user_pipelines table).
func (s *Store) SavePipeline(ctx context.Context, cfg core.PipelineConfig) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("tracestore: marshal pipeline config: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM user_pipelines WHERE id = ?`, cfg.ID).Scan(new(int)); err == nil {
		exists = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("tracestore: check pipeline existence: %w", err)
	}

	if exists {
		_, err = s.db.ExecContext(ctx, `
			UPDATE user_pipelines SET name = ?, description = ?, config_json = ?, updated_at = ?
			WHERE id = ?`, cfg.Name, cfg.Description, string(body), now, cfg.ID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO user_pipelines (id, name, description, config_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`, cfg.ID, cfg.Name, cfg.Description, string(body), now, now)
	}
	if err != nil {
		return fmt.Errorf("tracestore: save pipeline: %w", err)
	}
	return nil
}

// GetPipeline returns one saved pipeline's full config.
func (s *Store) GetPipeline(ctx context.Context, id string) (core.PipelineConfig, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT config_json FROM user_pipelines WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return core.PipelineConfig{}, ErrPipelineNotFound
	}
	if err != nil {
		return core.PipelineConfig{}, fmt.Errorf("tracestore: get pipeline: %w", err)
	}
	var cfg core.PipelineConfig
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return core.PipelineConfig{}, fmt.Errorf("tracestore: unmarshal pipeline config: %w", err)
	}
	return cfg, nil
}

// ListPipelines returns every saved pipeline's listing info.
func (s *Store) ListPipelines(ctx context.Context) ([]PipelineInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM user_pipelines ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("tracestore: list pipelines: %w", err)
	}
	defer rows.Close()

	var out []PipelineInfo
	for rows.Next() {
		var info PipelineInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.Description); err != nil {
			return nil, fmt.Errorf("tracestore: scan pipeline info: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeletePipeline removes a saved pipeline.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM user_pipelines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("tracestore: delete pipeline: %w", err)
	}
	return nil
}

// PipelineCount reports how many pipelines are saved, used at startup to
// decide whether to import the curated examples seed file.
func (s *Store) PipelineCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_pipelines`).Scan(&n); err != nil {
		return 0, fmt.Errorf("tracestore: count pipelines: %w", err)
	}
	return n, nil
}

// SeedFromExamples imports a curated examples.json file verbatim into an
// empty user_pipelines table, per spec.md §6.3. It is a no-op if any
// pipeline already exists.
func (s *Store) SeedFromExamples(ctx context.Context, examples []core.PipelineConfig) error {
	n, err := s.PipelineCount(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, cfg := range examples {
		if err := s.SavePipeline(ctx, cfg); err != nil {
			return fmt.Errorf("tracestore: seed pipeline %q: %w", cfg.ID, err)
		}
	}
	return nil
}
