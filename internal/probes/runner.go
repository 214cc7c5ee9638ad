// Package probes executes network diagnostics.
package probes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/netdiag/internal/model"
)

// ErrUnsupported is returned for diagnostics the platform cannot perform.
var ErrUnsupported = errors.New("diagnostic not supported on this platform")

// Runner executes one diagnostic against a target. A non-nil error means the
// diagnostic failed; the result may still carry partial measurements.
type Runner interface {
	Run(ctx context.Context, kind model.DiagnosticKind, target string) (model.DiagnosticResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, kind model.DiagnosticKind, target string) (model.DiagnosticResult, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, kind model.DiagnosticKind, target string) (model.DiagnosticResult, error) {
	return f(ctx, kind, target)
}

// DefaultRunner dispatches diagnostics to the built-in probes.
type DefaultRunner struct {
	Ping  *PingProbe
	DNS   *DNSProbe
	Trace *TracerouteProbe
	Speed *SpeedProbe
	WiFi  *WiFiProbe
}

// NewDefaultRunner creates a runner with default probe settings. pingCount is
// the number of echo requests per ping diagnostic.
func NewDefaultRunner(pingCount int) *DefaultRunner {
	return &DefaultRunner{
		Ping:  NewPingProbe(pingCount, 2*time.Second),
		DNS:   NewDNSProbe(),
		Trace: NewTracerouteProbe(),
		Speed: NewSpeedProbe(),
		WiFi:  NewWiFiProbe(),
	}
}

// Run executes the diagnostic named by kind.
func (r *DefaultRunner) Run(ctx context.Context, kind model.DiagnosticKind, target string) (model.DiagnosticResult, error) {
	var (
		result model.DiagnosticResult
		err    error
	)

	switch kind {
	case model.KindPing:
		result, err = r.Ping.Run(ctx, target)
	case model.KindDNS:
		result, err = r.DNS.Run(ctx, target)
	case model.KindTraceroute:
		result, err = r.Trace.Run(ctx, target)
	case model.KindSpeed:
		result, err = r.Speed.Run(ctx, target)
	case model.KindWiFi:
		result, err = r.WiFi.Run(ctx, target)
	default:
		return model.DiagnosticResult{Kind: kind, Target: target}, fmt.Errorf("unknown diagnostic kind %q", kind)
	}

	result.Kind = kind
	result.Target = target
	return result, err
}
