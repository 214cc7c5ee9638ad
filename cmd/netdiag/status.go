package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/user/netdiag/internal/ipc"
	"github.com/user/netdiag/internal/model"
	"github.com/user/netdiag/internal/tui"
)

var (
	statusJSON   bool
	historyLimit  int
	historyJob    string
	historyAlerts bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  "Show the current status of the netdiag daemon and its scheduled jobs.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		jobs, err := newClient().Jobs(ctx)
		if err != nil {
			return err
		}
		printJobs(jobs, time.Now())
		return nil
	},
}

var runNowCmd = &cobra.Command{
	Use:   "run-now JOB",
	Short: "Run a scheduled job immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
		defer cancel()
		outcome, err := newClient().RunNow(ctx, args[0])
		if err != nil {
			return err
		}
		printOutcome(args[0], *outcome)
		if outcome.Status == model.OutcomeFailure {
			return fmt.Errorf("job %s failed", args[0])
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent job executions",
	Long:  "Show recent job executions, or alert transitions with --alerts.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		if historyAlerts {
			return printAlertHistory(ctx)
		}
		resp, err := newClient().Do(ctx, ipc.Request{Type: ipc.RequestResults, Limit: historyLimit, JobID: historyJob})
		if err != nil {
			return err
		}
		if len(resp.Runs) == 0 {
			fmt.Println(tui.DimStyle.Render("No runs recorded yet"))
			return nil
		}
		for _, r := range resp.Runs {
			fmt.Printf("%s  %-16s %-11s %s  %s\n",
				r.Outcome.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.JobID, r.Kind, tui.RenderOutcome(r.Outcome.Status), outcomeDetail(r.Outcome))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status as JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().StringVar(&historyJob, "job", "", "Only show runs of this job")
	historyCmd.Flags().BoolVar(&historyAlerts, "alerts", false, "Show alert transitions instead of runs")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	client := newClient()
	st, err := client.Status(ctx)
	if errors.Is(err, ipc.ErrNotRunning) {
		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(ipc.StatusPayload{State: model.StateStopped})
		}
		fmt.Println(tui.SectionTitleStyle.Render("NetDiag Status"))
		fmt.Println()
		fmt.Println(tui.LabelStyle.Render("Daemon:") + " " + tui.ErrorStyle.Render("Stopped"))
		return nil
	}
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Println(tui.SectionTitleStyle.Render("NetDiag Status"))
	fmt.Println()
	printField("Daemon:", tui.RenderState(st.State)+tui.DimStyle.Render(fmt.Sprintf(" (PID %d)", st.PID)))
	printField("Uptime:", tui.ValueStyle.Render(tui.FormatUptime(st.UptimeSecs)))
	printField("Diagnostics run:", tui.ValueStyle.Render(fmt.Sprintf("%d", st.DiagnosticsRun)))
	printField("Monitoring:", tui.RenderStatus(st.MonitoringActive, "active", "inactive"))
	printField("Alerts raised:", tui.ValueStyle.Render(fmt.Sprintf("%d", st.AlertsGenerated)))
	if len(st.ActiveAlerts) > 0 {
		kinds := make([]string, len(st.ActiveAlerts))
		for i, k := range st.ActiveAlerts {
			kinds[i] = string(k)
		}
		printField("Active alerts:", tui.ErrorStyle.Render(strings.Join(kinds, ", ")))
	}
	if st.LastError != "" {
		printField("Last error:", tui.WarningStyle.Render(st.LastError))
	}

	if jobs, err := client.Jobs(ctx); err == nil && len(jobs) > 0 {
		fmt.Println()
		fmt.Println(tui.SectionTitleStyle.Render("Jobs"))
		printJobs(jobs, time.Now())
	}
	return nil
}

func printAlertHistory(ctx context.Context) error {
	alerts, err := newClient().Alerts(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println(tui.DimStyle.Render("No alerts recorded yet"))
		return nil
	}
	for _, a := range alerts {
		ev := a.Event
		state := tui.SuccessStyle.Render("cleared")
		if ev.Active {
			state = tui.ErrorStyle.Render("raised ")
		}
		fmt.Printf("%s  %s %-13s %s  %s\n",
			ev.At.Local().Format("2006-01-02 15:04:05"),
			tui.RenderSeverity(ev.Severity), ev.Kind, state, ev.Message)
	}
	return nil
}

func printField(label, value string) {
	fmt.Println(tui.LabelStyle.Render(label) + " " + value)
}

func printJobs(jobs []model.JobStatus, now time.Time) {
	header := lipgloss.NewStyle().Bold(true)
	fmt.Println(header.Render(fmt.Sprintf("  %-16s %-11s %-18s %-9s %-12s %s", "JOB", "KIND", "TARGET", "EVERY", "NEXT", "LAST")))
	for _, j := range jobs {
		next := "-"
		if j.Enabled {
			next = tui.FormatRelative(j.NextRun.Sub(now))
		}
		last := tui.DimStyle.Render("never")
		switch {
		case !j.Enabled:
			last = tui.DimStyle.Render("disabled")
		case j.Running:
			last = tui.WarningStyle.Render("running")
		case j.LastResult != nil:
			last = tui.RenderOutcome(j.LastResult.Status) + " " + outcomeDetail(*j.LastResult)
		}
		fmt.Printf("  %-16s %-11s %-18s %-9s %-12s %s\n", j.ID, j.Kind, j.Target, j.Interval, next, last)
	}
}

func printOutcome(job string, o model.Outcome) {
	printField("Job:", tui.ValueStyle.Render(job))
	printField("Result:", tui.RenderOutcome(o.Status))
	if o.Summary != "" {
		printField("Summary:", o.Summary)
	}
	if o.Error != "" {
		printField("Error:", tui.ErrorStyle.Render(o.Error))
	}
	printField("Duration:", o.Duration.Round(time.Millisecond).String())
}

func outcomeDetail(o model.Outcome) string {
	if o.Error != "" {
		return o.Error
	}
	return o.Summary
}
