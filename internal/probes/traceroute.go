package probes

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/user/netdiag/internal/model"
)

// Format: " 1  192.168.0.1  1.234 ms" or " 1  *"
var hopRegex = regexp.MustCompile(`^\s*(\d+)\s+(?:(\d+\.\d+\.\d+\.\d+|[0-9a-fA-F:]+:[0-9a-fA-F:]*)\s+(\d+\.?\d*)\s*ms|\*)`)

// TracerouteProbe runs the system traceroute command.
type TracerouteProbe struct {
	maxHops int
	wait    time.Duration
	command string
}

// NewTracerouteProbe creates a new traceroute probe.
func NewTracerouteProbe() *TracerouteProbe {
	return &TracerouteProbe{
		maxHops: 30,
		wait:    2 * time.Second,
		command: "traceroute",
	}
}

// SetMaxHops sets the maximum number of hops.
func (p *TracerouteProbe) SetMaxHops(max int) {
	if max > 0 && max <= 64 {
		p.maxHops = max
	}
}

// Run traces the route to target.
func (p *TracerouteProbe) Run(ctx context.Context, target string) (model.DiagnosticResult, error) {
	result := model.DiagnosticResult{Kind: model.KindTraceroute, Target: target}

	if runtime.GOOS == "windows" {
		return result, ErrUnsupported
	}

	wait := strconv.Itoa(int(p.wait.Seconds()))
	maxHops := strconv.Itoa(p.maxHops)

	// -n numeric, -q 1 one probe per hop
	output, err := exec.CommandContext(ctx, p.command, "-n", "-q", "1", "-w", wait, "-m", maxHops, target).Output()
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		output, err = exec.CommandContext(ctx, p.command, "-n", "-I", "-q", "1", "-w", wait, "-m", maxHops, target).Output()
		if err != nil {
			return result, fmt.Errorf("traceroute failed: %w", err)
		}
	}

	hops := ParseTracerouteOutput(string(output))
	result.Hops = hops
	if len(hops) == 0 {
		return result, fmt.Errorf("traceroute to %s produced no hops", target)
	}

	last := hops[len(hops)-1]
	result.Reachable = !last.Lost
	result.LatencyMs = last.LatencyMs
	result.Summary = fmt.Sprintf("%d hops", len(hops))
	if !result.Reachable {
		result.Summary += ", destination did not answer"
	}
	return result, nil
}

// ParseTracerouteOutput parses numeric traceroute output into hops.
func ParseTracerouteOutput(output string) []model.TraceHop {
	var hops []model.TraceHop

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		matches := hopRegex.FindStringSubmatch(scanner.Text())
		if len(matches) < 2 {
			continue
		}

		hopNum, _ := strconv.Atoi(matches[1])
		hop := model.TraceHop{HopNum: hopNum, Lost: true}
		if matches[2] != "" {
			hop.IP = matches[2]
			hop.Lost = false
			hop.LatencyMs, _ = strconv.ParseFloat(matches[3], 64)
		}
		hops = append(hops, hop)
	}

	return hops
}
