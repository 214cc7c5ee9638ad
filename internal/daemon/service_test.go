package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/user/netdiag/internal/ipc"
	"github.com/user/netdiag/internal/model"
	"github.com/user/netdiag/internal/util"
)

func testServiceConfig(t *testing.T) *util.Config {
	t.Helper()
	// Unix socket paths are length-limited, so avoid t.TempDir.
	dir, err := os.MkdirTemp("", "nd")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := util.DefaultConfigIn(dir)
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.RequestTimeout = 5 * time.Second
	cfg.DiagnosticTimeout = 5 * time.Second
	cfg.Monitor.Enabled = false
	cfg.Schedules = []util.ScheduleConfig{
		{ID: "quick", Kind: "ping", Target: "127.0.0.1", Interval: time.Hour},
	}
	return cfg
}

func startService(t *testing.T, cfg *util.Config, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithRunner(instantRunner())}, opts...)
	s := New(cfg, opts...)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestServiceLifecycle(t *testing.T) {
	cfg := testServiceConfig(t)
	s := New(cfg, WithRunner(instantRunner()))

	if s.State() != model.StateStopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != model.StateRunning {
		t.Fatalf("expected running, got %s", s.State())
	}

	data, err := os.ReadFile(cfg.PIDFile)
	if err != nil {
		t.Fatalf("read PID file: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("PID file holds %q", data)
	}

	var already *AlreadyRunningError
	if err := s.Start(); !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRunningError, got %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != model.StateStopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatal("PID file not removed")
	}
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Fatal("control socket not removed")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after stop")
	}
}

func TestServiceReplacesStalePIDFile(t *testing.T) {
	cfg := testServiceConfig(t)
	if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(deadPID)), 0644); err != nil {
		t.Fatal(err)
	}

	startService(t, cfg)

	pid, err := PIDFile{Path: cfg.PIDFile}.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected PID file to name this process, got %d", pid)
	}
}

func TestServiceControlOverIPC(t *testing.T) {
	cfg := testServiceConfig(t)
	startService(t, cfg)

	client := ipc.NewClient(cfg.SocketPath, 5*time.Second)
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	outcome, err := client.RunNow(ctx, "quick")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if outcome.Status != model.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != model.StateRunning {
		t.Fatalf("expected running, got %s", st.State)
	}
	if st.DiagnosticsRun != 1 {
		t.Fatalf("expected diagnostics_run 1, got %d", st.DiagnosticsRun)
	}
	if st.MonitoringActive {
		t.Fatal("monitoring is disabled in config")
	}
	if st.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), st.PID)
	}

	jobs, err := client.Jobs(ctx)
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "quick" || jobs[0].Runs != 1 {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}

	runs, err := client.Results(ctx, 10)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(runs) != 1 || runs[0].JobID != "quick" {
		t.Fatalf("unexpected history: %+v", runs)
	}

	alerts, err := client.Alerts(ctx, 10)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}

	var remote *ipc.RemoteError
	if _, err := client.RunNow(ctx, "missing"); !errors.As(err, &remote) {
		t.Fatalf("expected remote error for unknown job, got %v", err)
	}
}

// occupy holds the daemon's only connection slot until the test ends.
func occupy(t *testing.T, socket string) {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	busy := ipc.NewClient(socket, 2*time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for busy.IsRunning(context.Background()) {
		if time.Now().After(deadline) {
			t.Fatal("slot was never taken")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceSecondInstanceWhileBusy(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.MaxConnections = 1
	startService(t, cfg)
	occupy(t, cfg.SocketPath)

	// The PID file names another live process that owns the busy socket.
	owner := os.Getppid()
	if err := (PIDFile{Path: cfg.PIDFile}).Write(owner); err != nil {
		t.Fatal(err)
	}

	second := New(cfg, WithRunner(instantRunner()))
	err := second.Start()
	var already *AlreadyRunningError
	if !errors.As(err, &already) || already.PID != owner {
		t.Fatalf("expected AlreadyRunningError for PID %d, got %v", owner, err)
	}
	if second.State() != model.StateStopped {
		t.Fatalf("second instance state %s", second.State())
	}

	pid, err := PIDFile{Path: cfg.PIDFile}.Read()
	if err != nil || pid != owner {
		t.Fatalf("running daemon's PID file disturbed: pid=%d err=%v", pid, err)
	}
	if _, err := os.Stat(cfg.SocketPath); err != nil {
		t.Fatalf("running daemon's socket disturbed: %v", err)
	}
}

func TestServiceSocketInUseWithoutPIDFile(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.MaxConnections = 1
	startService(t, cfg)
	occupy(t, cfg.SocketPath)
	if err := os.Remove(cfg.PIDFile); err != nil {
		t.Fatal(err)
	}

	second := New(cfg, WithRunner(instantRunner()))
	var already *AlreadyRunningError
	if err := second.Start(); !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRunningError, got %v", err)
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatal("losing instance must not write a PID file")
	}
	if _, err := os.Stat(cfg.SocketPath); err != nil {
		t.Fatalf("running daemon's socket disturbed: %v", err)
	}
}

func TestServiceStartRollsBackOnListenFailure(t *testing.T) {
	cfg := testServiceConfig(t)
	good := cfg.SocketPath
	cfg.SocketPath = filepath.Join(cfg.DataDir, strings.Repeat("s", 120)+".sock")

	s := New(cfg, WithRunner(instantRunner()))
	err := s.Start()
	if err == nil {
		t.Fatal("expected Start to fail on an unusable socket path")
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %T %v", err, err)
	}
	if s.State() != model.StateStopped {
		t.Fatalf("expected stopped after failed start, got %s", s.State())
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatal("PID file left behind by failed start")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after failed start")
	}
	if s.Status().LastError == "" {
		t.Fatal("failed start should set last error")
	}

	cfg.SocketPath = good
	if err := s.Start(); err != nil {
		t.Fatalf("Start after fixing config: %v", err)
	}
	defer s.Stop()
	if s.State() != model.StateRunning {
		t.Fatalf("expected running, got %s", s.State())
	}
}

func TestServiceCountersResetOnRestart(t *testing.T) {
	cfg := testServiceConfig(t)
	s := startService(t, cfg)

	if _, err := s.RunNow(context.Background(), "quick"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if got := s.Status().DiagnosticsRun; got != 1 {
		t.Fatalf("diagnostics_run = %d, want 1", got)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := s.Status().DiagnosticsRun; got != 0 {
		t.Fatalf("diagnostics_run after restart = %d, want 0", got)
	}
}

func TestServiceMonitoringPauseResume(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.Monitor.Enabled = true
	cfg.Monitor.Interval = time.Hour
	startService(t, cfg)

	client := ipc.NewClient(cfg.SocketPath, 5*time.Second)
	ctx := context.Background()

	if err := client.PauseMonitoring(ctx); err != nil {
		t.Fatalf("PauseMonitoring: %v", err)
	}
	state, err := client.Monitoring(ctx)
	if err != nil {
		t.Fatalf("Monitoring: %v", err)
	}
	if !state.Paused || state.Active {
		t.Fatalf("expected paused monitor, got %+v", state)
	}

	if err := client.ResumeMonitoring(ctx); err != nil {
		t.Fatalf("ResumeMonitoring: %v", err)
	}
	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.MonitoringActive {
		t.Fatal("expected monitoring active after resume")
	}
}

func TestServiceStopOverIPC(t *testing.T) {
	cfg := testServiceConfig(t)
	s := startService(t, cfg)

	client := ipc.NewClient(cfg.SocketPath, 5*time.Second)
	if err := client.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}
	if s.State() != model.StateStopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}
	if client.IsRunning(context.Background()) {
		t.Fatal("client still reaches the daemon")
	}
}

func TestServiceReload(t *testing.T) {
	cfg := testServiceConfig(t)

	next := *cfg
	var loadErr error
	loader := func() (*util.Config, error) {
		if loadErr != nil {
			return nil, loadErr
		}
		c := next
		return &c, nil
	}
	s := startService(t, cfg, WithConfigLoader(loader))

	loadErr = &util.ConfigError{Field: "schedules", Msg: "broken"}
	err := s.Reload()
	var cfgErr *util.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if jobs := s.Status().Jobs; len(jobs) != 1 || jobs[0].ID != "quick" {
		t.Fatalf("invalid reload changed jobs: %+v", jobs)
	}
	if s.Status().LastError == "" {
		t.Fatal("expected last error to record the failed reload")
	}

	loadErr = nil
	next.Schedules = []util.ScheduleConfig{
		{ID: "quick", Kind: "ping", Target: "127.0.0.1", Interval: time.Hour},
		{ID: "lookup", Kind: "dns", Target: "1.1.1.1", Interval: time.Hour},
	}
	next.SocketPath = filepath.Join(cfg.DataDir, "other.sock")
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	jobs := s.Status().Jobs
	if len(jobs) != 2 || jobs[0].ID != "lookup" || jobs[1].ID != "quick" {
		t.Fatalf("unexpected jobs after reload: %+v", jobs)
	}
	if s.Config().SocketPath != cfg.SocketPath {
		t.Fatal("socket path must not change until restart")
	}
}

func TestServiceReloadWhenStopped(t *testing.T) {
	s := New(testServiceConfig(t), WithRunner(instantRunner()))
	if err := s.Reload(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestServiceRejectsUnknownRequest(t *testing.T) {
	s := New(testServiceConfig(t), WithRunner(instantRunner()))
	resp := s.HandleRequest(context.Background(), ipc.Request{Type: "bogus"})
	if resp.Type != ipc.ResponseError {
		t.Fatalf("expected error response, got %+v", resp)
	}
	resp = s.HandleRequest(context.Background(), ipc.Request{Type: ipc.RequestRunNow})
	if resp.Type != ipc.ResponseError {
		t.Fatalf("expected error for run_now without job id, got %+v", resp)
	}
}

func TestServiceHistorySource(t *testing.T) {
	cfg := testServiceConfig(t)
	s := startService(t, cfg)

	if _, err := s.RunNow(context.Background(), "quick"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	runs, err := s.RecentRuns(10, "quick")
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	alerts, err := s.RecentAlerts(10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts, got %+v", alerts)
	}
	if _, err := s.MonitorState(); err != nil {
		t.Fatalf("MonitorState: %v", err)
	}
}
