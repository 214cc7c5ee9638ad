package probes

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/user/netdiag/internal/model"
)

// WirelessInfo is one interface line from the kernel wireless table.
type WirelessInfo struct {
	Interface string
	Quality   float64
	SignalDBm int
}

// WiFiProbe reports wireless link quality.
type WiFiProbe struct {
	read func() (string, error)
}

// NewWiFiProbe creates a probe reading the platform wireless table.
func NewWiFiProbe() *WiFiProbe {
	return &WiFiProbe{read: readWireless}
}

// Run reports signal for the named interface, or the first one when target is empty.
func (p *WiFiProbe) Run(ctx context.Context, target string) (model.DiagnosticResult, error) {
	result := model.DiagnosticResult{Kind: model.KindWiFi, Target: target}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	data, err := p.read()
	if err != nil {
		return result, err
	}

	infos := ParseWireless(data)
	for _, info := range infos {
		if target != "" && info.Interface != target {
			continue
		}
		result.Reachable = true
		result.SignalDBm = info.SignalDBm
		result.Details = map[string]string{
			"interface": info.Interface,
			"quality":   strconv.FormatFloat(info.Quality, 'f', 0, 64),
		}
		result.Summary = fmt.Sprintf("%s signal %d dBm, quality %.0f", info.Interface, info.SignalDBm, info.Quality)
		return result, nil
	}

	if target == "" {
		return result, fmt.Errorf("no wireless interfaces found")
	}
	return result, fmt.Errorf("wireless interface %s not found", target)
}

// ParseWireless parses the /proc/net/wireless table.
func ParseWireless(data string) []WirelessInfo {
	var infos []WirelessInfo

	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:colon])
		fields := strings.Fields(line[colon+1:])
		// status, link, level, noise, ...
		if iface == "" || len(fields) < 3 || strings.Contains(iface, "|") {
			continue
		}

		quality, err := strconv.ParseFloat(strings.TrimSuffix(fields[1], "."), 64)
		if err != nil {
			continue
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			continue
		}
		infos = append(infos, WirelessInfo{Interface: iface, Quality: quality, SignalDBm: int(level)})
	}

	return infos
}
