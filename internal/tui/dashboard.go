package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/netdiag/internal/ipc"
	"github.com/user/netdiag/internal/model"
)

// DashboardData holds one poll of the daemon.
type DashboardData struct {
	Status    ipc.StatusPayload
	Monitor   model.MonitorState
	Jobs      []model.JobStatus
	FetchedAt time.Time
}

// Dashboard renders DashboardData.
type Dashboard struct {
	Data     *DashboardData
	Width    int
	Selected int
}

const sparkRunes = "▁▂▃▄▅▆▇█"

func (d *Dashboard) sectionWidth() int {
	w := d.Width - 4
	if w < 60 {
		w = 60
	}
	return w
}

// View renders the dashboard.
func (d *Dashboard) View() string {
	var sb strings.Builder

	sb.WriteString(HeaderStyle.Width(d.sectionWidth() + 4).Render("NetDiag Dashboard"))
	sb.WriteString("\n\n")
	sb.WriteString(d.renderDaemonSection())
	sb.WriteString("\n")
	sb.WriteString(d.renderMonitorSection())
	sb.WriteString("\n")
	sb.WriteString(d.renderJobsSection())
	sb.WriteString("\n")
	sb.WriteString(HelpStyle.Render("↑/↓ select • enter run now • p pause/resume monitoring • r refresh • q quit"))

	return sb.String()
}

func (d *Dashboard) renderDaemonSection() string {
	st := d.Data.Status

	lines := []string{
		LabelStyle.Render("State:") + " " + RenderState(st.State),
		LabelStyle.Render("PID:") + " " + ValueStyle.Render(fmt.Sprintf("%d", st.PID)),
		LabelStyle.Render("Uptime:") + " " + ValueStyle.Render(FormatUptime(st.UptimeSecs)),
		LabelStyle.Render("Diagnostics run:") + " " + ValueStyle.Render(fmt.Sprintf("%d", st.DiagnosticsRun)),
		LabelStyle.Render("Alerts raised:") + " " + ValueStyle.Render(fmt.Sprintf("%d", st.AlertsGenerated)),
	}
	if st.LastError != "" {
		lines = append(lines, LabelStyle.Render("Last error:")+" "+ErrorStyle.Render(truncate(st.LastError, d.sectionWidth()-22)))
	}

	return SectionStyle.Width(d.sectionWidth()).Render(
		SectionTitleStyle.Render("Daemon") + "\n" + strings.Join(lines, "\n"))
}

func (d *Dashboard) renderMonitorSection() string {
	mon := d.Data.Monitor

	monitoring := RenderStatus(mon.Active, "active", "inactive")
	if mon.Paused {
		monitoring = WarningStyle.Render("⏸ paused")
	}

	lines := []string{
		LabelStyle.Render("Monitoring:") + " " + monitoring,
		LabelStyle.Render("Health:") + " " + RenderHealth(mon.Health),
	}

	if len(mon.ActiveAlerts) > 0 {
		kinds := make([]string, len(mon.ActiveAlerts))
		for i, k := range mon.ActiveAlerts {
			kinds[i] = string(k)
		}
		lines = append(lines, LabelStyle.Render("Active alerts:")+" "+ErrorStyle.Render(strings.Join(kinds, ", ")))
	} else {
		lines = append(lines, LabelStyle.Render("Active alerts:")+" "+DimStyle.Render("none"))
	}

	if spark := Sparkline(historyLatency(mon.History), 40); spark != "" {
		lines = append(lines, LabelStyle.Render("Latency trend:")+" "+ValueStyle.Render(spark))
	}

	if mon.Current == nil || len(mon.Current.Targets) == 0 {
		lines = append(lines, "", DimStyle.Render("No samples yet"))
	} else {
		lines = append(lines, "", fmt.Sprintf("%-18s %-16s %-22s %s", "Target", "Address", "Latency", "Loss"))
		lines = append(lines, strings.Repeat("─", 66))
		for _, t := range mon.Current.Targets {
			latency := fmt.Sprintf("%7.1f ms ", t.LatencyMs) + RenderBar(t.LatencyMs, 200, 100, 10)
			if !t.Reachable {
				latency = ErrorStyle.Render(fmt.Sprintf("%-21s", "unreachable"))
			}
			lines = append(lines, fmt.Sprintf("%-18s %-16s %s  %5.1f%%",
				truncate(t.Name, 18), truncate(t.Address, 16), latency, t.LossPct))
		}
	}

	return SectionStyle.Width(d.sectionWidth()).Render(
		SectionTitleStyle.Render("Monitor") + "\n" + strings.Join(lines, "\n"))
}

func (d *Dashboard) renderJobsSection() string {
	if len(d.Data.Jobs) == 0 {
		return SectionStyle.Width(d.sectionWidth()).Render(
			SectionTitleStyle.Render("Scheduled Jobs") + "\n" + DimStyle.Render("No jobs configured"))
	}

	var rows []string
	rows = append(rows, fmt.Sprintf("  %-16s %-11s %-18s %-9s %-10s %s", "Job", "Kind", "Target", "Every", "Next", "Last"))
	rows = append(rows, "  "+strings.Repeat("─", 76))

	now := d.Data.FetchedAt
	for i, j := range d.Data.Jobs {
		next := "-"
		if j.Enabled {
			next = FormatRelative(j.NextRun.Sub(now))
		}
		last := DimStyle.Render("never")
		if j.Running {
			last = WarningStyle.Render("running")
		} else if j.LastResult != nil {
			last = RenderOutcome(j.LastResult.Status)
		}
		if !j.Enabled {
			last = DimStyle.Render("disabled")
		}

		row := fmt.Sprintf("%-16s %-11s %-18s %-9s %-10s ",
			truncate(j.ID, 16), j.Kind, truncate(j.Target, 18), j.Interval, next)
		if i == d.Selected {
			rows = append(rows, SelectedStyle.Render("▸ "+row)+last)
		} else {
			rows = append(rows, "  "+row+last)
		}
	}

	return SectionStyle.Width(d.sectionWidth()).Render(
		SectionTitleStyle.Render("Scheduled Jobs") + "\n" + strings.Join(rows, "\n"))
}

func historyLatency(history []model.HealthSnapshot) []float64 {
	values := make([]float64, 0, len(history))
	for _, h := range history {
		values = append(values, h.MaxLatency())
	}
	return values
}

// Sparkline renders the last width values as block characters.
func Sparkline(values []float64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}

	hi := values[0]
	for _, v := range values {
		if v > hi {
			hi = v
		}
	}

	runes := []rune(sparkRunes)
	var sb strings.Builder
	for _, v := range values {
		idx := 0
		if hi > 0 {
			idx = int(v / hi * float64(len(runes)-1))
		}
		if idx < 0 {
			idx = 0
		}
		sb.WriteRune(runes[idx])
	}
	return sb.String()
}

// FormatUptime renders seconds as a compact duration.
func FormatUptime(secs int64) string {
	d := time.Duration(secs) * time.Second
	days := int(d.Hours()) / 24
	d -= time.Duration(days) * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, d.Truncate(time.Minute))
	}
	return d.String()
}

// FormatRelative renders a duration until an event.
func FormatRelative(d time.Duration) string {
	if d <= 0 {
		return "due"
	}
	return "in " + d.Truncate(time.Second).String()
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
