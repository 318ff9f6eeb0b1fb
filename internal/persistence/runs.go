package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/go-drover/internal/registry"
	"github.com/basket/go-drover/internal/task"
)

// Run is one row of the run history.
type Run struct {
	RunID      string     `json:"run_id"`
	TypeName   string     `json:"type_name"`
	Abbrev     string     `json:"abbrev"`
	Generation int        `json:"generation"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}

// Generation is one row of the registry build history.
type Generation struct {
	Generation  int       `json:"generation"`
	Source      string    `json:"source"`
	Descriptors int       `json:"descriptors"`
	Skipped     int       `json:"skipped"`
	BuiltAt     time.Time `json:"built_at"`
}

// RecordRunStart inserts a run row when a worker starts.
func (s *Store) RecordRunStart(ctx context.Context, rec task.RunRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (run_id, type_name, abbrev, generation, started_at)
			VALUES (?, ?, ?, ?, ?);
		`, rec.RunID, rec.TypeName, rec.Abbrev, rec.Generation, rec.StartedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// RecordRunEnd closes a run row. Unknown run IDs are an error.
func (s *Store) RecordRunEnd(ctx context.Context, runID, outcome, detail string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs SET ended_at = ?, outcome = ?, detail = ?
			WHERE run_id = ? AND ended_at IS NULL;
		`, time.Now().UTC(), outcome, detail, runID)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %s not found or already ended", runID)
		}
		return nil
	})
}

// RecordGeneration appends a registry build.
func (s *Store) RecordGeneration(ctx context.Context, rec registry.GenerationRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO generations (generation, source, descriptors, skipped, built_at)
			VALUES (?, ?, ?, ?, ?);
		`, rec.Generation, rec.Source, rec.Descriptors, rec.Skipped, rec.BuiltAt.UTC())
		if err != nil {
			return fmt.Errorf("insert generation: %w", err)
		}
		return nil
	})
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, type_name, abbrev, generation, started_at, ended_at, COALESCE(outcome, ''), detail
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r     Run
			ended sql.NullTime
		)
		if err := rows.Scan(&r.RunID, &r.TypeName, &r.Abbrev, &r.Generation, &r.StartedAt, &ended, &r.Outcome, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListGenerations returns the most recent registry builds, newest first.
func (s *Store) ListGenerations(ctx context.Context, limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT generation, source, descriptors, skipped, built_at
		FROM generations
		ORDER BY built_at DESC, rowid DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.Generation, &g.Source, &g.Descriptors, &g.Skipped, &g.BuiltAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CloseOpenRuns marks runs left open by a previous process as cancelled.
// It returns how many rows were closed.
func (s *Store) CloseOpenRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, outcome = ?, detail = 'process exited'
		WHERE ended_at IS NULL;
	`, time.Now().UTC(), task.OutcomeCancelled)
	if err != nil {
		return 0, fmt.Errorf("close open runs: %w", err)
	}
	return res.RowsAffected()
}
