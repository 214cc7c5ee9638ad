package storage

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/netdiag/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "netdiag.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunStorageSaveRecent(t *testing.T) {
	s := NewRunStorage(openTestDB(t))
	base := time.Now().Add(-time.Hour)

	for i, job := range []string{"ping", "dns", "ping"} {
		rec := &model.RunRecord{
			JobID:  job,
			Kind:   model.KindPing,
			Target: "8.8.8.8",
			Outcome: model.Outcome{
				Status:    model.OutcomeSuccess,
				LatencyMs: float64(10 + i),
				StartedAt: base.Add(time.Duration(i) * time.Minute),
				Duration:  250 * time.Millisecond,
			},
		}
		if err := s.Save(rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if rec.ID == "" {
			t.Fatal("Save should assign an id")
		}
	}

	all, err := s.Recent(10, "")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].Outcome.LatencyMs != 12 || all[0].Outcome.Duration != 250*time.Millisecond {
		t.Fatalf("newest first expected, got %+v", all[0])
	}

	pings, err := s.Recent(10, "ping")
	if err != nil || len(pings) != 2 {
		t.Fatalf("filtered Recent: %d %v", len(pings), err)
	}

	n, err := s.Count()
	if err != nil || n != 3 {
		t.Fatalf("Count: %d %v", n, err)
	}
}

func TestRunStoragePrune(t *testing.T) {
	s := NewRunStorage(openTestDB(t))
	old := &model.RunRecord{JobID: "a", Kind: model.KindDNS, Outcome: model.Outcome{
		Status: model.OutcomeFailure, StartedAt: time.Now().Add(-40 * 24 * time.Hour),
	}}
	fresh := &model.RunRecord{JobID: "a", Kind: model.KindDNS, Outcome: model.Outcome{
		Status: model.OutcomeSuccess, StartedAt: time.Now(),
	}}
	s.Save(old)
	s.Save(fresh)

	removed, err := s.PruneBefore(time.Now().Add(-30 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if n, _ := s.Count(); n != 1 {
		t.Fatalf("expected 1 remaining, got %d", n)
	}
}

func TestAlertStorage(t *testing.T) {
	s := NewAlertStorage(openTestDB(t))
	now := time.Now()

	if _, err := s.Save(model.AlertEvent{Kind: model.AlertHighLatency, Severity: model.SeverityWarning, Active: true,
		Value: 150, Threshold: 100, Message: "High latency: 150.0ms", At: now}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(model.AlertEvent{Kind: model.AlertHighLatency, Active: false, Value: 20, Threshold: 100, At: now.Add(time.Minute)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	recs, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 || recs[0].Event.Active || !recs[1].Event.Active {
		t.Fatalf("unexpected alerts: %+v", recs)
	}
	if recs[1].Event.Severity != model.SeverityWarning || recs[1].Event.Message != "High latency: 150.0ms" {
		t.Fatalf("raised alert lost severity or message: %+v", recs[1].Event)
	}
	if recs[0].Event.Severity != model.SeverityInfo {
		t.Fatalf("cleared alert without severity should be info, got %q", recs[0].Event.Severity)
	}
}

func TestOpenUpgradesAlertsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netdiag.db")
	old, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = old.Exec(`CREATE TABLE alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		active INTEGER NOT NULL,
		value REAL,
		threshold REAL,
		timestamp DATETIME NOT NULL
	)`)
	if err == nil {
		_, err = old.Exec(`INSERT INTO alerts (kind, active, value, threshold, timestamp) VALUES ('packet_loss', 1, 12, 5, ?)`, time.Now().UTC())
	}
	old.Close()
	if err != nil {
		t.Fatalf("seed old schema: %v", err)
	}

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	recs, err := NewAlertStorage(db).Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 || recs[0].Event.Severity != model.SeverityWarning || recs[0].Event.Message != "" {
		t.Fatalf("unexpected upgraded alert: %+v", recs)
	}
}
