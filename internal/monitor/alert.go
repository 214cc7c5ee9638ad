package monitor

import (
	"fmt"
	"time"

	"github.com/user/netdiag/internal/model"
)

type alertState struct {
	active     bool
	recovering int
}

// alertValue returns the value an alert kind compares against its threshold.
// Weak signal is compared as dBm below zero, so a larger value is worse for
// every kind.
func alertValue(kind model.AlertKind, cfg Config, snap model.HealthSnapshot) (value, threshold float64) {
	switch kind {
	case model.AlertHighLatency:
		return snap.MaxLatency(), cfg.LatencyThresholdMs
	case model.AlertPacketLoss:
		return snap.MaxLoss(), cfg.LossThresholdPct
	case model.AlertUnreachable:
		down := 0
		for _, t := range snap.Targets {
			if !t.Reachable {
				down++
			}
		}
		return float64(down), 0
	case model.AlertWeakSignal:
		if cfg.WifiSignalThresholdDBm >= 0 {
			return 0, 0
		}
		dbm, ok := snap.WeakestSignal()
		if !ok {
			return 0, -cfg.WifiSignalThresholdDBm
		}
		return -float64(dbm), -cfg.WifiSignalThresholdDBm
	}
	return 0, 0
}

// newEvent builds a transition reported in the kind's own units.
func newEvent(kind model.AlertKind, active bool, value, threshold float64, at time.Time) model.AlertEvent {
	ev := model.AlertEvent{Kind: kind, Active: active, Value: value, Threshold: threshold, At: at}
	if kind == model.AlertWeakSignal {
		ev.Value, ev.Threshold = -value, -threshold
	}

	if !active {
		ev.Severity = model.SeverityInfo
		ev.Message = fmt.Sprintf("%s cleared", kind)
		return ev
	}
	ev.Severity = kind.Severity()
	switch kind {
	case model.AlertHighLatency:
		ev.Message = fmt.Sprintf("High latency: %.1fms (threshold: %.0fms)", ev.Value, ev.Threshold)
	case model.AlertPacketLoss:
		ev.Message = fmt.Sprintf("Packet loss: %.1f%% (threshold: %.1f%%)", ev.Value, ev.Threshold)
	case model.AlertUnreachable:
		ev.Message = fmt.Sprintf("%.0f target(s) unreachable", ev.Value)
	case model.AlertWeakSignal:
		ev.Message = fmt.Sprintf("Weak WiFi signal: %.0f dBm (threshold: %.0f dBm)", ev.Value, ev.Threshold)
	}
	return ev
}

// evaluate advances every alert's state with one sample.
// An alert activates when value > threshold and clears after
// RecoverySamples consecutive samples at or below threshold*(1-Hysteresis).
func evaluate(cfg Config, alerts map[model.AlertKind]*alertState, snap model.HealthSnapshot) []model.AlertEvent {
	var events []model.AlertEvent
	at := snap.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	for _, kind := range model.AlertKinds {
		st := alerts[kind]
		value, threshold := alertValue(kind, cfg, snap)
		clearLevel := threshold * (1 - cfg.Hysteresis)

		switch {
		case !st.active && value > threshold:
			st.active = true
			st.recovering = 0
			events = append(events, newEvent(kind, true, value, threshold, at))
		case st.active && value <= clearLevel:
			st.recovering++
			if st.recovering >= cfg.RecoverySamples {
				st.active = false
				st.recovering = 0
				events = append(events, newEvent(kind, false, value, threshold, at))
			}
		case st.active:
			st.recovering = 0
		}
	}
	return events
}

func activeKinds(alerts map[model.AlertKind]*alertState) []model.AlertKind {
	kinds := []model.AlertKind{}
	for _, kind := range model.AlertKinds {
		if st := alerts[kind]; st != nil && st.active {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
