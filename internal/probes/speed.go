package probes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/netdiag/internal/model"
)

// DefaultSpeedURL is downloaded when a speed diagnostic has no target.
const DefaultSpeedURL = "https://speed.cloudflare.com/__down?bytes=10000000"

// SpeedProbe measures download throughput over HTTP.
type SpeedProbe struct {
	client   *http.Client
	maxBytes int64
}

// NewSpeedProbe creates a speed probe capped at 25 MB per run.
func NewSpeedProbe() *SpeedProbe {
	return &SpeedProbe{
		client:   &http.Client{Timeout: 60 * time.Second},
		maxBytes: 25 << 20,
	}
}

// Run downloads target and reports throughput in megabits per second.
func (p *SpeedProbe) Run(ctx context.Context, target string) (model.DiagnosticResult, error) {
	result := model.DiagnosticResult{Kind: model.KindSpeed, Target: target}
	url := target
	if url == "" {
		url = DefaultSpeedURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return result, err
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("speed download: %w", err)
	}
	defer resp.Body.Close()
	firstByte := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("speed download: bad status %d", resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, p.maxBytes))
	elapsed := time.Since(start)
	if err != nil {
		return result, fmt.Errorf("speed download: %w", err)
	}

	result.Reachable = true
	result.LatencyMs = float64(firstByte.Microseconds()) / 1000.0
	if secs := elapsed.Seconds(); secs > 0 {
		result.ThroughputMbps = float64(n) * 8 / secs / 1e6
	}
	result.Summary = fmt.Sprintf("%.2f Mbps (%d bytes in %s)", result.ThroughputMbps, n, elapsed.Round(time.Millisecond))
	return result, nil
}
