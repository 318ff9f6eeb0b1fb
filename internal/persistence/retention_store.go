package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedRuns        int64 `json:"purged_runs"`
	PurgedGenerations int64 `json:"purged_generations"`
}

// RunRetention deletes finished runs and generations older than days. Open
// runs are kept regardless of age. days <= 0 disables the purge.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE ended_at IS NOT NULL AND started_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge runs: %w", err)
	}
	result.PurgedRuns, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM generations WHERE built_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge generations: %w", err)
	}
	result.PurgedGenerations, _ = res.RowsAffected()
	return result, nil
}
