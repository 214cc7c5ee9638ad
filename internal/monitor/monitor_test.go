package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/user/netdiag/internal/model"
	"github.com/user/netdiag/internal/probes"
)

func testConfig() Config {
	return Config{
		Interval:           time.Second,
		Targets:            []Target{{Name: "a", Address: "10.0.0.1", Kind: model.KindPing}},
		LatencyThresholdMs: 100,
		LossThresholdPct:   5,
		Hysteresis:         0.1,
		RecoverySamples:    3,
		HistorySize:        5,
	}
}

func snapshot(latency, loss float64, reachable bool) model.HealthSnapshot {
	return model.HealthSnapshot{
		Timestamp: time.Now(),
		Targets: []model.TargetHealth{
			{Name: "a", Address: "10.0.0.1", Reachable: reachable, LatencyMs: latency, LossPct: loss},
		},
	}
}

func nopRunner() probes.Runner {
	return probes.RunnerFunc(func(ctx context.Context, kind model.DiagnosticKind, target string) (model.DiagnosticResult, error) {
		return model.DiagnosticResult{Reachable: true, LatencyMs: 5}, nil
	})
}

func TestAlertActivatesAboveThreshold(t *testing.T) {
	m := New(testConfig(), nopRunner())

	if ev := m.Observe(snapshot(100, 0, true)); len(ev) != 0 {
		t.Fatalf("value equal to threshold must not alert: %+v", ev)
	}
	ev := m.Observe(snapshot(150, 0, true))
	if len(ev) != 1 || ev[0].Kind != model.AlertHighLatency || !ev[0].Active {
		t.Fatalf("expected high_latency activation, got %+v", ev)
	}
	if got := m.ActiveAlerts(); len(got) != 1 || got[0] != model.AlertHighLatency {
		t.Fatalf("active alerts: %v", got)
	}
}

func TestAlertClearsAfterRecoverySamples(t *testing.T) {
	m := New(testConfig(), nopRunner())
	m.Observe(snapshot(150, 0, true))

	// inside the hysteresis band does not count toward recovery
	m.Observe(snapshot(95, 0, true))
	m.Observe(snapshot(80, 0, true))
	m.Observe(snapshot(95, 0, true))
	m.Observe(snapshot(80, 0, true))
	if len(m.ActiveAlerts()) != 1 {
		t.Fatal("alert cleared before enough consecutive recovered samples")
	}

	m.Observe(snapshot(80, 0, true))
	ev := m.Observe(snapshot(80, 0, true))
	if len(ev) != 1 || ev[0].Active {
		t.Fatalf("expected clear event, got %+v", ev)
	}
	if len(m.ActiveAlerts()) != 0 {
		t.Fatalf("alerts still active: %v", m.ActiveAlerts())
	}
}

func TestUnreachableAlert(t *testing.T) {
	m := New(testConfig(), nopRunner())

	ev := m.Observe(snapshot(0, 100, false))
	kinds := map[model.AlertKind]bool{}
	for _, e := range ev {
		kinds[e.Kind] = e.Active
	}
	if !kinds[model.AlertUnreachable] || !kinds[model.AlertPacketLoss] {
		t.Fatalf("expected unreachable and packet_loss alerts, got %+v", ev)
	}
	if st := m.State(false); st.Health != model.HealthUnhealthy {
		t.Fatalf("health: %s", st.Health)
	}
}

func TestAlertSeverityAndMessage(t *testing.T) {
	m := New(testConfig(), nopRunner())

	ev := m.Observe(snapshot(0, 100, false))
	got := map[model.AlertKind]model.AlertEvent{}
	for _, e := range ev {
		got[e.Kind] = e
	}
	if got[model.AlertUnreachable].Severity != model.SeverityCritical {
		t.Fatalf("unreachable severity: %q", got[model.AlertUnreachable].Severity)
	}
	if e := got[model.AlertPacketLoss]; e.Severity != model.SeverityWarning || e.Message != "Packet loss: 100.0% (threshold: 5.0%)" {
		t.Fatalf("packet loss event: %+v", e)
	}

	for i := 0; i < 3; i++ {
		ev = m.Observe(snapshot(5, 0, true))
	}
	if len(ev) == 0 {
		t.Fatal("expected clear events")
	}
	for _, e := range ev {
		if e.Active || e.Severity != model.SeverityInfo {
			t.Fatalf("clear event should be info: %+v", e)
		}
	}
}

func TestWeakSignalAlert(t *testing.T) {
	cfg := testConfig()
	cfg.WifiSignalThresholdDBm = -70
	cfg.RecoverySamples = 1
	m := New(cfg, nopRunner())

	signal := func(dbm int) model.HealthSnapshot {
		snap := snapshot(5, 0, true)
		snap.Targets = append(snap.Targets, model.TargetHealth{Name: "wlan0", Address: "wlan0", Reachable: true, SignalDBm: dbm})
		return snap
	}

	if ev := m.Observe(signal(-70)); len(ev) != 0 {
		t.Fatalf("signal at threshold must not alert: %+v", ev)
	}
	ev := m.Observe(signal(-82))
	if len(ev) != 1 || ev[0].Kind != model.AlertWeakSignal || !ev[0].Active {
		t.Fatalf("expected weak_signal activation, got %+v", ev)
	}
	if ev[0].Value != -82 || ev[0].Threshold != -70 || ev[0].Severity != model.SeverityWarning {
		t.Fatalf("event should report dBm: %+v", ev[0])
	}
	if st := m.State(false); st.Health != model.HealthDegraded {
		t.Fatalf("health: %s", st.Health)
	}

	// -65 dBm is inside the 10% band above -70 dBm (clears at -63 dBm).
	if ev := m.Observe(signal(-65)); len(ev) != 0 {
		t.Fatalf("alert cleared inside hysteresis band: %+v", ev)
	}
	ev = m.Observe(signal(-55))
	if len(ev) != 1 || ev[0].Active {
		t.Fatalf("expected weak_signal to clear, got %+v", ev)
	}
}

func TestWeakSignalDisabled(t *testing.T) {
	m := New(testConfig(), nopRunner())
	snap := snapshot(5, 0, true)
	snap.Targets[0].SignalDBm = -90
	if ev := m.Observe(snap); len(ev) != 0 {
		t.Fatalf("weak_signal fired with threshold disabled: %+v", ev)
	}
}

func TestHistoryBoundedOldestEvicted(t *testing.T) {
	m := New(testConfig(), nopRunner())
	for i := 1; i <= 8; i++ {
		m.Observe(snapshot(float64(i), 0, true))
	}

	st := m.State(true)
	if len(st.History) != 5 {
		t.Fatalf("history length %d, want 5", len(st.History))
	}
	if st.History[0].Targets[0].LatencyMs != 4 || st.History[4].Targets[0].LatencyMs != 8 {
		t.Fatalf("wrong samples retained: first %v last %v",
			st.History[0].Targets[0].LatencyMs, st.History[4].Targets[0].LatencyMs)
	}
	if st.Baseline == nil || st.Baseline.Targets[0].LatencyMs != 1 {
		t.Fatalf("baseline should be the first sample: %+v", st.Baseline)
	}
	if st.Current == nil || st.Current.Targets[0].LatencyMs != 8 {
		t.Fatalf("current should be the latest sample: %+v", st.Current)
	}
}

func TestStateIsACopy(t *testing.T) {
	m := New(testConfig(), nopRunner())
	m.Observe(snapshot(10, 0, true))

	st := m.State(true)
	st.Current.Targets[0].LatencyMs = 999
	st.History[0].Targets[0].LatencyMs = 999

	again := m.State(true)
	if again.Current.Targets[0].LatencyMs != 10 || again.History[0].Targets[0].LatencyMs != 10 {
		t.Fatal("State leaked internal slices")
	}
}

func TestSampleRecordsFailures(t *testing.T) {
	runner := probes.RunnerFunc(func(ctx context.Context, kind model.DiagnosticKind, target string) (model.DiagnosticResult, error) {
		return model.DiagnosticResult{}, errors.New("no route")
	})
	m := New(testConfig(), runner)

	snap := m.Sample(context.Background())
	if len(snap.Targets) != 1 {
		t.Fatalf("targets: %+v", snap.Targets)
	}
	th := snap.Targets[0]
	if th.Reachable || th.LossPct != 100 || th.Error == "" {
		t.Fatalf("failure not recorded: %+v", th)
	}
}

func TestRunPauseResume(t *testing.T) {
	var samples atomic.Int32
	runner := probes.RunnerFunc(func(ctx context.Context, kind model.DiagnosticKind, target string) (model.DiagnosticResult, error) {
		samples.Add(1)
		return model.DiagnosticResult{Reachable: true, LatencyMs: 1}, nil
	})
	cfg := testConfig()
	cfg.Interval = 20 * time.Millisecond
	m := New(cfg, runner)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()

	waitFor(t, func() bool { return samples.Load() >= 2 })
	if !m.Active() {
		t.Fatal("monitor should be active while running")
	}

	m.Pause()
	if m.Active() {
		t.Fatal("paused monitor must not report active")
	}
	time.Sleep(50 * time.Millisecond)
	frozen := samples.Load()
	time.Sleep(100 * time.Millisecond)
	if samples.Load() != frozen {
		t.Fatal("samples taken while paused")
	}

	m.Resume()
	waitFor(t, func() bool { return samples.Load() > frozen })

	cancel()
	wg.Wait()
	if m.Active() {
		t.Fatal("monitor active after stop")
	}
}

func TestAlertCallback(t *testing.T) {
	m := New(testConfig(), nopRunner())
	var got []model.AlertEvent
	m.OnAlert(func(ev model.AlertEvent) { got = append(got, ev) })

	m.Observe(snapshot(10, 50, true))
	if len(got) != 1 || got[0].Kind != model.AlertPacketLoss {
		t.Fatalf("callback events: %+v", got)
	}
}

func TestReconfigureShrinksHistory(t *testing.T) {
	m := New(testConfig(), nopRunner())
	for i := 0; i < 5; i++ {
		m.Observe(snapshot(1, 0, true))
	}
	cfg := testConfig()
	cfg.HistorySize = 2
	m.Reconfigure(cfg)

	if n := len(m.State(true).History); n != 2 {
		t.Fatalf("history length after reconfigure: %d", n)
	}
}

// Values that straddle the threshold but never fall below the clear level
// cause at most one transition.
func TestHysteresisNoFlapProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	cfg := testConfig()
	clearLevel := cfg.LatencyThresholdMs * (1 - cfg.Hysteresis)

	properties.Property("band values flip at most once", prop.ForAll(
		func(values []float64) bool {
			m := New(cfg, nopRunner())
			transitions := 0
			for _, v := range values {
				for _, ev := range m.Observe(snapshot(v, 0, true)) {
					if ev.Kind == model.AlertHighLatency {
						transitions++
					}
				}
			}
			return transitions <= 1
		},
		gen.SliceOf(gen.Float64Range(clearLevel+0.001, cfg.LatencyThresholdMs*1.5)),
	))

	properties.Property("clearing needs consecutive recovered samples", prop.ForAll(
		func(recovered int) bool {
			m := New(cfg, nopRunner())
			m.Observe(snapshot(500, 0, true))
			for i := 0; i < recovered; i++ {
				m.Observe(snapshot(clearLevel, 0, true))
			}
			active := len(m.ActiveAlerts()) > 0
			return active == (recovered < cfg.RecoverySamples)
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
