// Package monitor samples network health and raises alerts on degradation.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/netdiag/internal/model"
	"github.com/user/netdiag/internal/probes"
	"github.com/user/netdiag/internal/util"
)

// Target is a monitored endpoint.
type Target struct {
	Name    string
	Address string
	Kind    model.DiagnosticKind
}

// Config controls sampling and alert thresholds.
type Config struct {
	Interval           time.Duration
	Targets            []Target
	LatencyThresholdMs float64
	LossThresholdPct   float64
	// WifiSignalThresholdDBm raises weak_signal when a target's signal drops
	// below it. Zero disables the alert.
	WifiSignalThresholdDBm float64
	// Hysteresis is the fractional margin below a threshold a value must
	// reach before an active alert can clear.
	Hysteresis float64
	// RecoverySamples is how many consecutive recovered samples clear an alert.
	RecoverySamples int
	HistorySize     int
}

// ConfigFrom converts the daemon's monitor settings.
func ConfigFrom(c util.MonitorConfig) Config {
	cfg := Config{
		Interval:               c.Interval,
		LatencyThresholdMs:     c.LatencyThresholdMs,
		LossThresholdPct:       c.LossThresholdPct,
		WifiSignalThresholdDBm: float64(c.WifiSignalThresholdDBm),
		Hysteresis:             c.Hysteresis,
		RecoverySamples:        c.RecoverySamples,
		HistorySize:            c.HistorySize,
	}
	for _, t := range c.Targets {
		kind, err := model.ParseDiagnosticKind(t.Kind)
		if err != nil {
			kind = model.KindPing
		}
		cfg.Targets = append(cfg.Targets, Target{Name: t.Name, Address: t.Address, Kind: kind})
	}
	return cfg
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RecoverySamples < 1 {
		c.RecoverySamples = 1
	}
	if c.HistorySize < 1 {
		c.HistorySize = 1
	}
	return c
}

// MonitorError reports a failed measurement of one target.
type MonitorError struct {
	Target string
	Err    error
}

func (e *MonitorError) Error() string {
	return fmt.Sprintf("monitor target %s: %v", e.Target, e.Err)
}

func (e *MonitorError) Unwrap() error { return e.Err }

// AlertFunc receives alert transitions.
type AlertFunc func(model.AlertEvent)

// SampleFunc receives every completed sample.
type SampleFunc func(model.HealthSnapshot)

// Monitor periodically samples targets and tracks alert state.
type Monitor struct {
	runner probes.Runner

	mu       sync.RWMutex
	cfg      Config
	baseline *model.HealthSnapshot
	current  *model.HealthSnapshot
	history  []model.HealthSnapshot
	alerts   map[model.AlertKind]*alertState
	running  bool
	paused   bool

	onAlert  AlertFunc
	onSample SampleFunc
	wake     chan struct{}
}

// New creates a monitor.
func New(cfg Config, runner probes.Runner) *Monitor {
	m := &Monitor{
		runner: runner,
		cfg:    cfg.normalized(),
		alerts: make(map[model.AlertKind]*alertState, len(model.AlertKinds)),
		wake:   make(chan struct{}, 1),
	}
	for _, kind := range model.AlertKinds {
		m.alerts[kind] = &alertState{}
	}
	return m
}

// OnAlert registers the alert transition callback.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = fn
}

// OnSample registers the per-sample callback.
func (m *Monitor) OnSample(fn SampleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSample = fn
}

// Run samples on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	util.Info("Monitor started with %d targets", len(m.Config().Targets))

	for {
		if !m.Paused() {
			m.Sample(ctx)
		}

		timer := time.NewTimer(m.Config().Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			util.Info("Monitor stopping")
			return
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Sample measures every target once and records the snapshot.
func (m *Monitor) Sample(ctx context.Context) model.HealthSnapshot {
	cfg := m.Config()
	snap := model.HealthSnapshot{
		Timestamp: time.Now(),
		Targets:   make([]model.TargetHealth, 0, len(cfg.Targets)),
	}

	for _, t := range cfg.Targets {
		if ctx.Err() != nil {
			return snap
		}
		snap.Targets = append(snap.Targets, m.measure(ctx, t, cfg.Interval))
	}

	m.Observe(snap)
	return snap
}

// measure is not preempted by the caller's cancellation; the sample budget bounds it.
func (m *Monitor) measure(ctx context.Context, t Target, budget time.Duration) model.TargetHealth {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()

	health := model.TargetHealth{Name: t.Name, Address: t.Address}
	res, err := m.runner.Run(ctx, t.Kind, t.Address)
	health.Reachable = res.Reachable
	health.LatencyMs = res.LatencyMs
	health.LossPct = res.LossPct
	health.SignalDBm = res.SignalDBm

	if err != nil {
		merr := &MonitorError{Target: t.Name, Err: err}
		util.Debug("%v", merr)
		health.Error = err.Error()
		health.Reachable = false
		if health.LossPct == 0 {
			health.LossPct = 100
		}
	}
	return health
}

// Observe records a snapshot and evaluates alerts. It returns the alert
// transitions the snapshot caused.
func (m *Monitor) Observe(snap model.HealthSnapshot) []model.AlertEvent {
	m.mu.Lock()
	if m.baseline == nil {
		b := cloneSnapshot(snap)
		m.baseline = &b
	}
	cur := cloneSnapshot(snap)
	m.current = &cur

	if len(m.history) >= m.cfg.HistorySize {
		n := copy(m.history, m.history[len(m.history)-m.cfg.HistorySize+1:])
		m.history = m.history[:n]
	}
	m.history = append(m.history, cloneSnapshot(snap))

	events := evaluate(m.cfg, m.alerts, snap)
	onAlert := m.onAlert
	onSample := m.onSample
	m.mu.Unlock()

	for _, ev := range events {
		if ev.Active {
			util.Warn("[ALERT] %s %s: %s", ev.Severity, ev.Kind, ev.Message)
		} else {
			util.Info("[ALERT] %s cleared (%.1f)", ev.Kind, ev.Value)
		}
		if onAlert != nil {
			onAlert(ev)
		}
	}
	if onSample != nil {
		onSample(snap)
	}
	return events
}

// Pause suspends sampling; state is retained.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		util.Info("Monitoring paused")
	}
	m.paused = true
}

// Resume restarts sampling at once.
func (m *Monitor) Resume() {
	m.mu.Lock()
	wasPaused := m.paused
	m.paused = false
	m.mu.Unlock()

	if wasPaused {
		util.Info("Monitoring resumed")
		m.poke()
	}
}

// Paused reports whether sampling is suspended.
func (m *Monitor) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// Active reports whether the monitor loop is running and not paused.
func (m *Monitor) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running && !m.paused
}

// Config returns the current configuration.
func (m *Monitor) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.cfg
	cfg.Targets = append([]Target(nil), m.cfg.Targets...)
	return cfg
}

// Reconfigure replaces targets and thresholds. Alert state is kept and
// re-evaluated on the next sample.
func (m *Monitor) Reconfigure(cfg Config) {
	cfg = cfg.normalized()

	m.mu.Lock()
	intervalChanged := cfg.Interval != m.cfg.Interval
	m.cfg = cfg
	if len(m.history) > cfg.HistorySize {
		m.history = append([]model.HealthSnapshot(nil), m.history[len(m.history)-cfg.HistorySize:]...)
	}
	m.mu.Unlock()

	if intervalChanged {
		m.poke()
	}
}

func (m *Monitor) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ActiveAlerts returns the active alert kinds in a stable order.
func (m *Monitor) ActiveAlerts() []model.AlertKind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return activeKinds(m.alerts)
}

// State returns a copy of the monitor state. History is included only when
// withHistory is set.
func (m *Monitor) State(withHistory bool) model.MonitorState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := model.MonitorState{
		Active:       m.running && !m.paused,
		Paused:       m.paused,
		ActiveAlerts: activeKinds(m.alerts),
		Health:       healthOf(m.current, m.alerts),
	}
	if m.baseline != nil {
		b := cloneSnapshot(*m.baseline)
		st.Baseline = &b
	}
	if m.current != nil {
		c := cloneSnapshot(*m.current)
		st.Current = &c
	}
	if withHistory {
		st.History = make([]model.HealthSnapshot, len(m.history))
		for i, h := range m.history {
			st.History[i] = cloneSnapshot(h)
		}
	}
	return st
}

func healthOf(current *model.HealthSnapshot, alerts map[model.AlertKind]*alertState) model.HealthStatus {
	if current == nil || len(current.Targets) == 0 {
		return model.HealthUnknown
	}
	reachable := 0
	for _, t := range current.Targets {
		if t.Reachable {
			reachable++
		}
	}
	if reachable == 0 {
		return model.HealthUnhealthy
	}
	for _, a := range alerts {
		if a.active {
			return model.HealthDegraded
		}
	}
	return model.HealthHealthy
}

func cloneSnapshot(s model.HealthSnapshot) model.HealthSnapshot {
	s.Targets = append([]model.TargetHealth(nil), s.Targets...)
	return s
}
