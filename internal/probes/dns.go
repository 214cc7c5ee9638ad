package probes

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/user/netdiag/internal/model"
)

// DNSProbe times name resolution against a specific resolver.
type DNSProbe struct {
	Query   string
	Timeout time.Duration
}

// NewDNSProbe creates a DNS probe that resolves google.com.
func NewDNSProbe() *DNSProbe {
	return &DNSProbe{Query: "google.com", Timeout: 2 * time.Second}
}

// Run resolves the query through the resolver at target ("ip" or "ip:port").
func (p *DNSProbe) Run(ctx context.Context, target string) (model.DiagnosticResult, error) {
	result := model.DiagnosticResult{Kind: model.KindDNS, Target: target}

	resolverAddr := target
	if _, _, err := net.SplitHostPort(target); err != nil {
		resolverAddr = net.JoinHostPort(target, "53")
	}

	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: p.Timeout}
			return d.DialContext(ctx, "udp", resolverAddr)
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	ips, err := r.LookupHost(ctx, p.Query)
	elapsed := time.Since(start)
	if err != nil {
		result.LossPct = 100
		result.Summary = fmt.Sprintf("lookup of %s via %s failed", p.Query, target)
		return result, fmt.Errorf("dns lookup via %s: %w", target, err)
	}

	result.Reachable = true
	result.LatencyMs = float64(elapsed.Microseconds()) / 1000.0
	if len(ips) > 0 {
		result.ResolvedIP = ips[0]
	}
	result.Summary = fmt.Sprintf("%s -> %s in %.1f ms", p.Query, result.ResolvedIP, result.LatencyMs)
	return result, nil
}
