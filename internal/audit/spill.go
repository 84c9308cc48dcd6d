package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/caselaw-ai/shepard/internal/model"
)

// SpillStore buffers QueryRuns locally while the primary store is
// unreachable. Backed by an embedded sqlite file so spilled runs survive a
// process restart.
type SpillStore struct {
	db *sql.DB
}

// OpenSpill opens or creates the spill database at path. ":memory:" works
// for tests.
func OpenSpill(path string) (*SpillStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open spill store: %w", err)
	}
	// Single writer; the recorder worker owns all access.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS spilled_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		spilled_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init spill schema: %w", err)
	}
	return &SpillStore{db: db}, nil
}

// Close releases the underlying database.
func (s *SpillStore) Close() error {
	return s.db.Close()
}

// Put appends a run to the spill queue.
func (s *SpillStore) Put(ctx context.Context, run model.QueryRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("audit: marshal spilled run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spilled_runs (run_id, payload) VALUES (?, ?)`,
		run.ID.String(), string(payload))
	if err != nil {
		return fmt.Errorf("audit: spill run: %w", err)
	}
	return nil
}

// Count returns the number of spilled runs awaiting drain.
func (s *SpillStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM spilled_runs`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count spilled runs: %w", err)
	}
	return n, nil
}

// Drain hands up to limit spilled runs to fn in insertion order, deleting
// each run only after fn accepts it. The first fn error stops the drain so
// remaining runs stay queued.
func (s *SpillStore) Drain(ctx context.Context, limit int, fn func(context.Context, model.QueryRun) error) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM spilled_runs ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return 0, fmt.Errorf("audit: read spilled runs: %w", err)
	}

	type spilled struct {
		id      int64
		payload string
	}
	var batch []spilled
	for rows.Next() {
		var sp spilled
		if err := rows.Scan(&sp.id, &sp.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("audit: scan spilled run: %w", err)
		}
		batch = append(batch, sp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("audit: iterate spilled runs: %w", err)
	}

	drained := 0
	for _, sp := range batch {
		var run model.QueryRun
		if err := json.Unmarshal([]byte(sp.payload), &run); err != nil {
			// Unreadable rows are dropped rather than wedging the queue.
			s.db.ExecContext(ctx, `DELETE FROM spilled_runs WHERE id = ?`, sp.id)
			continue
		}
		if err := fn(ctx, run); err != nil {
			return drained, err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM spilled_runs WHERE id = ?`, sp.id); err != nil {
			return drained, fmt.Errorf("audit: delete drained run: %w", err)
		}
		drained++
	}
	return drained, nil
}
