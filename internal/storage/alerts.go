package storage

import (
	"fmt"
	"time"

	"github.com/user/netdiag/internal/model"
)

// AlertStorage handles alert transition persistence.
type AlertStorage struct {
	db *DB
}

// NewAlertStorage creates a new alert storage handler.
func NewAlertStorage(db *DB) *AlertStorage {
	return &AlertStorage{db: db}
}

// Save stores an alert transition.
func (s *AlertStorage) Save(ev model.AlertEvent) (int64, error) {
	var id int64
	err := s.db.WithLock(func() error {
		res, err := s.db.Exec(`INSERT INTO alerts (kind, active, value, threshold, severity, message, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(ev.Kind), ev.Active, ev.Value, ev.Threshold, string(severityOf(ev)), ev.Message, ev.At.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// Recent returns up to limit alert transitions, newest first.
func (s *AlertStorage) Recent(limit int) ([]model.AlertRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`SELECT id, kind, active, value, threshold, severity, COALESCE(message, ''), timestamp
			  FROM alerts ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var records []model.AlertRecord
	for rows.Next() {
		var (
			r              model.AlertRecord
			kind, severity string
		)
		if err := rows.Scan(&r.ID, &kind, &r.Event.Active, &r.Event.Value, &r.Event.Threshold,
			&severity, &r.Event.Message, &r.Event.At); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		r.Event.Kind = model.AlertKind(kind)
		r.Event.Severity = model.AlertSeverity(severity)
		records = append(records, r)
	}
	return records, rows.Err()
}

// PruneBefore deletes alert transitions older than cutoff.
func (s *AlertStorage) PruneBefore(cutoff time.Time) (int64, error) {
	var removed int64
	err := s.db.WithLock(func() error {
		res, err := s.db.Exec(`DELETE FROM alerts WHERE timestamp < ?`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to prune alerts: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func severityOf(ev model.AlertEvent) model.AlertSeverity {
	if ev.Severity != "" {
		return ev.Severity
	}
	if !ev.Active {
		return model.SeverityInfo
	}
	return ev.Kind.Severity()
}
