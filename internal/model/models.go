// Package model defines core data structures for netdiag.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DaemonState is the lifecycle state of the daemon service.
type DaemonState int

const (
	StateStopped DaemonState = iota
	StateStarting
	StateRunning
	StateStopping
)

var stateNames = map[DaemonState]string{
	StateStopped:  "stopped",
	StateStarting: "starting",
	StateRunning:  "running",
	StateStopping: "stopping",
}

func (s DaemonState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state as its lowercase name.
func (s DaemonState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a lowercase state name.
func (s *DaemonState) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if strings.EqualFold(name, string(text)) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown daemon state %q", string(text))
}

// DiagnosticKind names a diagnostic the runner knows how to execute.
type DiagnosticKind string

const (
	KindPing       DiagnosticKind = "ping"
	KindDNS        DiagnosticKind = "dns"
	KindTraceroute DiagnosticKind = "traceroute"
	KindSpeed      DiagnosticKind = "speed"
	KindWiFi       DiagnosticKind = "wifi"
)

// DiagnosticKinds lists every supported kind.
var DiagnosticKinds = []DiagnosticKind{KindPing, KindDNS, KindTraceroute, KindSpeed, KindWiFi}

// ParseDiagnosticKind parses a kind name, case-insensitively.
func ParseDiagnosticKind(s string) (DiagnosticKind, error) {
	k := DiagnosticKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range DiagnosticKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown diagnostic kind %q", s)
}

// OutcomeStatus is the terminal status of one job execution.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is the recorded result of one scheduled or on-demand execution.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	Summary   string        `json:"summary,omitempty"`
	LatencyMs float64       `json:"latency_ms,omitempty"`
	LossPct   float64       `json:"loss_pct,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// DiagnosticResult is what a probe returns for a single run.
type DiagnosticResult struct {
	Kind           DiagnosticKind    `json:"kind"`
	Target         string            `json:"target"`
	Summary        string            `json:"summary"`
	Reachable      bool              `json:"reachable"`
	LatencyMs      float64           `json:"latency_ms"`
	LossPct        float64           `json:"loss_pct"`
	ThroughputMbps float64           `json:"throughput_mbps,omitempty"`
	SignalDBm      int               `json:"signal_dbm,omitempty"`
	ResolvedIP     string            `json:"resolved_ip,omitempty"`
	Hops           []TraceHop        `json:"hops,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// TraceHop represents a single hop in a traceroute.
type TraceHop struct {
	HopNum    int     `json:"hop_num"`
	IP        string  `json:"ip"`
	LatencyMs float64 `json:"latency_ms"`
	Lost      bool    `json:"lost"`
}

// TargetHealth is one monitored target's measurement in a sample.
type TargetHealth struct {
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Reachable bool    `json:"reachable"`
	LatencyMs float64 `json:"latency_ms"`
	LossPct   float64 `json:"loss_pct"`
	SignalDBm int     `json:"signal_dbm,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// HealthSnapshot is one monitoring sample across all targets.
type HealthSnapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Targets   []TargetHealth `json:"targets"`
}

// MaxLatency returns the worst latency among reachable targets.
func (s HealthSnapshot) MaxLatency() float64 {
	var max float64
	for _, t := range s.Targets {
		if t.Reachable && t.LatencyMs > max {
			max = t.LatencyMs
		}
	}
	return max
}

// MaxLoss returns the worst packet loss percentage among targets.
func (s HealthSnapshot) MaxLoss() float64 {
	var max float64
	for _, t := range s.Targets {
		if t.LossPct > max {
			max = t.LossPct
		}
	}
	return max
}

// WeakestSignal returns the lowest WiFi signal among targets that report
// one. ok is false when no target measures signal.
func (s HealthSnapshot) WeakestSignal() (dbm int, ok bool) {
	for _, t := range s.Targets {
		if t.SignalDBm == 0 {
			continue
		}
		if !ok || t.SignalDBm < dbm {
			dbm, ok = t.SignalDBm, true
		}
	}
	return dbm, ok
}

// AllReachable reports whether every target answered.
func (s HealthSnapshot) AllReachable() bool {
	for _, t := range s.Targets {
		if !t.Reachable {
			return false
		}
	}
	return true
}

// HealthStatus summarizes the network condition.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// AlertKind identifies a degradation condition.
type AlertKind string

const (
	AlertHighLatency AlertKind = "high_latency"
	AlertPacketLoss  AlertKind = "packet_loss"
	AlertUnreachable AlertKind = "unreachable"
	AlertWeakSignal  AlertKind = "weak_signal"
)

// AlertKinds lists every alert kind in evaluation order.
var AlertKinds = []AlertKind{AlertHighLatency, AlertPacketLoss, AlertUnreachable, AlertWeakSignal}

// AlertSeverity grades an alert transition.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Severity returns the severity an alert of this kind is raised with.
func (k AlertKind) Severity() AlertSeverity {
	if k == AlertUnreachable {
		return SeverityCritical
	}
	return SeverityWarning
}

// AlertEvent is a transition of an alert into or out of the active set.
// Cleared transitions carry SeverityInfo.
type AlertEvent struct {
	Kind      AlertKind     `json:"kind"`
	Severity  AlertSeverity `json:"severity"`
	Active    bool          `json:"active"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Message   string        `json:"message,omitempty"`
	At        time.Time     `json:"at"`
}

// MonitorState is the monitor's externally visible state.
type MonitorState struct {
	Active       bool             `json:"active"`
	Paused       bool             `json:"paused"`
	Health       HealthStatus     `json:"health"`
	Baseline     *HealthSnapshot  `json:"baseline,omitempty"`
	Current      *HealthSnapshot  `json:"current,omitempty"`
	ActiveAlerts []AlertKind      `json:"active_alerts"`
	History      []HealthSnapshot `json:"history,omitempty"`
}

// JobStatus represents the status of a scheduled job.
type JobStatus struct {
	ID         string         `json:"id"`
	Kind       DiagnosticKind `json:"kind"`
	Target     string         `json:"target"`
	Interval   time.Duration  `json:"interval"`
	Enabled    bool           `json:"enabled"`
	Running    bool           `json:"running"`
	NextRun    time.Time      `json:"next_run"`
	LastRun    *time.Time     `json:"last_run,omitempty"`
	LastResult *Outcome       `json:"last_result,omitempty"`
	Runs       int            `json:"runs"`
	Skips      int            `json:"skips"`
}

// ServiceStatus is a point-in-time snapshot of the daemon.
type ServiceStatus struct {
	State            DaemonState `json:"state"`
	PID              int         `json:"pid"`
	StartedAt        time.Time   `json:"started_at"`
	DiagnosticsRun   uint64      `json:"diagnostics_run"`
	AlertsGenerated  uint64      `json:"alerts_generated"`
	MonitoringActive bool        `json:"monitoring_active"`
	ActiveAlerts     []AlertKind `json:"active_alerts,omitempty"`
	LastError        string      `json:"last_error,omitempty"`
	Jobs             []JobStatus `json:"jobs,omitempty"`
}

// Uptime returns the time elapsed since the service reached Starting.
func (s ServiceStatus) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() || s.State == StateStopped {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// RunRecord is a persisted job execution.
type RunRecord struct {
	ID      string         `json:"id"`
	JobID   string         `json:"job_id"`
	Kind    DiagnosticKind `json:"kind"`
	Target  string         `json:"target"`
	Outcome Outcome        `json:"outcome"`
}

// AlertRecord is a persisted alert transition.
type AlertRecord struct {
	ID    int64      `json:"id"`
	Event AlertEvent `json:"event"`
}
