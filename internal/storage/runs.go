package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/user/netdiag/internal/model"
)

// RunStorage handles diagnostic run persistence.
type RunStorage struct {
	db *DB
}

// NewRunStorage creates a new run storage handler.
func NewRunStorage(db *DB) *RunStorage {
	return &RunStorage{db: db}
}

// Save stores a run record, assigning an ID when empty.
func (s *RunStorage) Save(record *model.RunRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	o := record.Outcome

	query := `INSERT INTO diagnostic_runs
			  (id, job_id, kind, target, status, summary, latency_ms, loss_pct, error, started_at, duration_ns)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.db.WithLock(func() error {
		_, err := s.db.Exec(query,
			record.ID, record.JobID, string(record.Kind), record.Target,
			string(o.Status), o.Summary, o.LatencyMs, o.LossPct, o.Error,
			o.StartedAt.UTC(), int64(o.Duration))
		if err != nil {
			return fmt.Errorf("failed to insert run record: %w", err)
		}
		return nil
	})
}

// Recent returns up to limit records, newest first. A jobID filters to one job.
func (s *RunStorage) Recent(limit int, jobID string) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, job_id, kind, target, status, summary, latency_ms, loss_pct, error, started_at, duration_ns
			  FROM diagnostic_runs`
	args := []interface{}{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []model.RunRecord
	for rows.Next() {
		var (
			r                        model.RunRecord
			kind, status             string
			target, summary, errText sql.NullString
			latency, loss            sql.NullFloat64
			durationNs               sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.JobID, &kind, &target, &status, &summary,
			&latency, &loss, &errText, &r.Outcome.StartedAt, &durationNs); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Kind = model.DiagnosticKind(kind)
		r.Target = target.String
		r.Outcome.Status = model.OutcomeStatus(status)
		r.Outcome.Summary = summary.String
		r.Outcome.LatencyMs = latency.Float64
		r.Outcome.LossPct = loss.Float64
		r.Outcome.Error = errText.String
		r.Outcome.Duration = time.Duration(durationNs.Int64)
		records = append(records, r)
	}

	return records, rows.Err()
}

// Count returns the number of stored runs.
func (s *RunStorage) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM diagnostic_runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// PruneBefore deletes runs started before cutoff and returns how many were removed.
func (s *RunStorage) PruneBefore(cutoff time.Time) (int64, error) {
	var removed int64
	err := s.db.WithLock(func() error {
		res, err := s.db.Exec(`DELETE FROM diagnostic_runs WHERE started_at < ?`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to prune runs: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
