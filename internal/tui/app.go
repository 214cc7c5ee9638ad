// Package tui provides a terminal dashboard for a running daemon.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/user/netdiag/internal/ipc"
	"github.com/user/netdiag/internal/model"
)

// Source is the daemon control surface the dashboard polls.
type Source interface {
	Status(ctx context.Context) (*ipc.StatusPayload, error)
	Monitoring(ctx context.Context) (*model.MonitorState, error)
	Jobs(ctx context.Context) ([]model.JobStatus, error)
	PauseMonitoring(ctx context.Context) error
	ResumeMonitoring(ctx context.Context) error
	RunNow(ctx context.Context, jobID string) (*model.Outcome, error)
}

// App is the dashboard application.
type App struct {
	source  Source
	refresh time.Duration
}

// NewApp creates a dashboard that polls source every refresh interval.
func NewApp(source Source, refresh time.Duration) *App {
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	return &App{source: source, refresh: refresh}
}

// Run starts the dashboard and blocks until the user quits.
func (a *App) Run() error {
	p := tea.NewProgram(newModel(a.source, a.refresh), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// requestTimeout bounds every poll and action.
const requestTimeout = 5 * time.Second

type dashModel struct {
	source  Source
	refresh time.Duration

	data     *DashboardData
	selected int
	notice   string
	spinner  spinner.Model
	busy     bool
	width    int
	height   int
	err      error
}

func newModel(source Source, refresh time.Duration) dashModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(Primary)

	return dashModel{
		source:  source,
		refresh: refresh,
		spinner: s,
		width:   80,
	}
}

// Init initializes the model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, poll(m.source, true))
}

// Update handles messages.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case dataMsg:
		m.data = msg.data
		m.err = nil
		if m.selected >= len(m.data.Jobs) {
			m.selected = max(0, len(m.data.Jobs)-1)
		}
		return m, m.next(msg.scheduled)

	case errMsg:
		m.err = msg.err
		return m, m.next(msg.scheduled)

	case tickMsg:
		return m, poll(m.source, true)

	case actionMsg:
		m.busy = false
		if msg.err != nil {
			m.notice = ErrorStyle.Render(msg.err.Error())
		} else {
			m.notice = SuccessStyle.Render(msg.text)
		}
		return m, poll(m.source, false)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// next keeps exactly one polling chain alive; out-of-band refreshes do not
// schedule another tick.
func (m dashModel) next(scheduled bool) tea.Cmd {
	if !scheduled {
		return nil
	}
	return tick(m.refresh)
}

func (m dashModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "r":
		return m, poll(m.source, false)
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.data != nil && m.selected < len(m.data.Jobs)-1 {
			m.selected++
		}
	case "p":
		if m.data == nil || m.busy {
			return m, nil
		}
		m.busy = true
		return m, toggleMonitoring(m.source, m.data.Monitor.Paused)
	case "enter":
		if m.data == nil || m.busy || len(m.data.Jobs) == 0 {
			return m, nil
		}
		m.busy = true
		id := m.data.Jobs[m.selected].ID
		m.notice = DimStyle.Render("running " + id + "...")
		return m, runNow(m.source, id)
	}
	return m, nil
}

// View renders the UI.
func (m dashModel) View() string {
	if m.data == nil {
		if m.err != nil {
			return ErrorStyle.Render("Error: "+m.err.Error()) + "\n" +
				HelpStyle.Render("Press 'r' to retry • 'q' to quit")
		}
		return LoadingStyle.Render(m.spinner.View() + " Connecting to daemon...")
	}

	d := &Dashboard{Data: m.data, Width: m.width, Selected: m.selected}
	view := d.View()
	if m.err != nil {
		view += "\n" + ErrorStyle.Render("Last refresh failed: "+m.err.Error())
	}
	if m.notice != "" {
		view += "\n" + m.notice
	}
	return view
}

// Messages
type dataMsg struct {
	data      *DashboardData
	scheduled bool
}

type errMsg struct {
	err       error
	scheduled bool
}

type tickMsg time.Time

type actionMsg struct {
	text string
	err  error
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func poll(source Source, scheduled bool) tea.Cmd {
	return func() tea.Msg {
		data, err := fetchDashboardData(source)
		if err != nil {
			return errMsg{err: err, scheduled: scheduled}
		}
		return dataMsg{data: data, scheduled: scheduled}
	}
}

func toggleMonitoring(source Source, paused bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if paused {
			return actionMsg{text: "monitoring resumed", err: source.ResumeMonitoring(ctx)}
		}
		return actionMsg{text: "monitoring paused", err: source.PauseMonitoring(ctx)}
	}
}

func runNow(source Source, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		outcome, err := source.RunNow(ctx, id)
		if err != nil {
			return actionMsg{err: fmt.Errorf("%s: %w", id, err)}
		}
		return actionMsg{text: fmt.Sprintf("%s: %s %s", id, outcome.Status, outcome.Summary)}
	}
}

func fetchDashboardData(source Source) (*DashboardData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	status, err := source.Status(ctx)
	if err != nil {
		return nil, err
	}
	data := &DashboardData{Status: *status, FetchedAt: time.Now()}

	if mon, err := source.Monitoring(ctx); err == nil {
		data.Monitor = *mon
	} else {
		data.Monitor.Health = model.HealthUnknown
	}
	if jobs, err := source.Jobs(ctx); err == nil {
		data.Jobs = jobs
	}
	return data, nil
}
