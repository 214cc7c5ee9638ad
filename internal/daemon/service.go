// Package daemon implements the background service: lifecycle, scheduling,
// single-instance guarding and platform integration.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/user/netdiag/internal/ipc"
	"github.com/user/netdiag/internal/metrics"
	"github.com/user/netdiag/internal/model"
	"github.com/user/netdiag/internal/monitor"
	"github.com/user/netdiag/internal/probes"
	"github.com/user/netdiag/internal/storage"
	"github.com/user/netdiag/internal/util"
	"github.com/user/netdiag/internal/web"
)

// Option configures a Service.
type Option func(*Service)

// WithRunner replaces the diagnostic runner.
func WithRunner(r probes.Runner) Option {
	return func(s *Service) { s.runner = r }
}

// WithConfigLoader sets how Reload obtains fresh configuration.
func WithConfigLoader(fn func() (*util.Config, error)) Option {
	return func(s *Service) { s.loader = fn }
}

// WithSignals controls whether SIGINT/SIGTERM stop the service and SIGHUP
// reloads it.
func WithSignals(enabled bool) Option {
	return func(s *Service) { s.handleSignals = enabled }
}

// Service is the network diagnostics daemon.
type Service struct {
	runner        probes.Runner
	loader        func() (*util.Config, error)
	handleSignals bool

	mu        sync.RWMutex
	cfg       *util.Config
	state     model.DaemonState
	startedAt time.Time
	lastErr   string
	done      chan struct{}

	pid       PIDFile
	scheduler *Scheduler
	monitor   *monitor.Monitor
	server    *ipc.Server
	db        *storage.DB
	runs      *storage.RunStorage
	alerts    *storage.AlertStorage

	diagnosticsRun  atomic.Uint64
	alertsGenerated atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped service.
func New(cfg *util.Config, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg,
		state: model.StateStopped,
		pid:   PIDFile{Path: cfg.PIDFile},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runner == nil {
		s.runner = probes.NewDefaultRunner(cfg.Monitor.PingCount)
	}
	if s.loader == nil {
		s.loader = func() (*util.Config, error) { return util.LoadConfig("") }
	}
	return s
}

// State returns the lifecycle state.
func (s *Service) State() model.DaemonState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Config returns the active configuration.
func (s *Service) Config() *util.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Done is closed when the service returns to Stopped after a start.
func (s *Service) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

func (s *Service) setState(state model.DaemonState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	metrics.SetState(state)
}

func (s *Service) setLastError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

// Start acquires the PID file and control socket, then launches the
// scheduler, monitor and control server. The service is Running only once
// the socket accepts connections.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.state != model.StateStopped {
		s.mu.Unlock()
		return &AlreadyRunningError{PID: os.Getpid()}
	}
	s.state = model.StateStarting
	s.startedAt = time.Now()
	s.lastErr = ""
	s.done = make(chan struct{})
	cfg := s.cfg
	s.mu.Unlock()

	s.diagnosticsRun.Store(0)
	s.alertsGenerated.Store(0)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		util.Warn("Failed to register metrics: %v", err)
	}
	metrics.SetState(model.StateStarting)
	util.Info("Daemon starting (PID %d)", os.Getpid())

	// Anything that accepts a connection on the socket is a live daemon,
	// even when it is too busy to answer a ping.
	pid, running, err := s.pid.Check(func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return ipc.NewClient(cfg.SocketPath, 2*time.Second).Answers(ctx)
	})
	if err != nil {
		return s.abortStart(&ServiceError{Op: "start", Err: err})
	}
	if running {
		return s.abortStart(&AlreadyRunningError{PID: pid})
	}

	specs, err := JobSpecsFrom(cfg.Schedules)
	if err != nil {
		return s.abortStart(&ServiceError{Op: "start", Err: err})
	}

	// The socket is bound before the PID file is touched, so a losing
	// instance never disturbs the winner's PID file.
	server := ipc.NewServer(cfg.SocketPath, s, ipc.ServerOptions{
		MaxConnections: cfg.MaxConnections,
		RequestTimeout: cfg.RequestTimeout,
		OnRequest:      func(t ipc.RequestType) { metrics.IncRequest(string(t)) },
	})
	if err := server.Listen(); err != nil {
		if errors.Is(err, ipc.ErrSocketInUse) {
			if owner, rerr := s.pid.Read(); rerr == nil {
				pid = owner
			}
			return s.abortStart(&AlreadyRunningError{PID: pid})
		}
		return s.abortStart(&ServiceError{Op: "start", Err: err})
	}

	if err := s.pid.Write(os.Getpid()); err != nil {
		server.Shutdown(context.Background())
		return s.abortStart(&ServiceError{Op: "start", Err: err})
	}

	s.openStorage(cfg)

	sched := NewScheduler(s.runner, cfg.DiagnosticTimeout)
	sched.SetRecorder(s.record)
	sched.Reload(specs)

	mon := monitor.New(monitor.ConfigFrom(cfg.Monitor), s.runner)
	mon.OnAlert(s.onAlert)
	mon.OnSample(metrics.ObserveSample)
	if !cfg.Monitor.Enabled {
		mon.Pause()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.scheduler = sched
	s.monitor = mon
	s.server = server
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(); err != nil {
			util.Error("Control server error: %v", err)
			s.setLastError(err.Error())
		}
	}()
	go func() {
		defer s.wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		mon.Run(ctx)
	}()

	if cfg.MetricsListen != "" {
		httpSrv := web.NewServer(cfg.MetricsListen, s, nil)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := httpSrv.Serve(ctx); err != nil {
				util.Warn("HTTP endpoint error: %v", err)
			}
		}()
	}

	if s.handleSignals {
		s.wg.Add(1)
		go s.watchSignals(ctx)
	}

	s.setState(model.StateRunning)
	util.Info("Daemon running: %d jobs, monitoring %v", len(specs), cfg.Monitor.Enabled)
	return nil
}

// abortStart rolls a failed start back to Stopped. It runs before the PID
// file is written, so the file is left alone.
func (s *Service) abortStart(err error) error {
	util.Error("Daemon failed to start: %v", err)

	s.mu.Lock()
	s.state = model.StateStopped
	s.lastErr = err.Error()
	done := s.done
	s.mu.Unlock()
	metrics.SetState(model.StateStopped)

	close(done)
	return err
}

func (s *Service) openStorage(cfg *util.Config) {
	if !cfg.Storage.Enabled {
		return
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		util.Warn("History storage unavailable: %v", err)
		return
	}

	runs := storage.NewRunStorage(db)
	alerts := storage.NewAlertStorage(db)
	if cfg.Storage.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.Storage.RetentionDays)
		if n, err := runs.PruneBefore(cutoff); err != nil {
			util.Warn("Failed to prune run history: %v", err)
		} else if n > 0 {
			util.Info("Pruned %d runs older than %d days", n, cfg.Storage.RetentionDays)
		}
		if _, err := alerts.PruneBefore(cutoff); err != nil {
			util.Warn("Failed to prune alert history: %v", err)
		}
	}

	s.mu.Lock()
	s.db = db
	s.runs = runs
	s.alerts = alerts
	s.mu.Unlock()
}

func (s *Service) closeStorage() {
	s.mu.Lock()
	db := s.db
	s.db, s.runs, s.alerts = nil, nil, nil
	s.mu.Unlock()

	if db != nil {
		if err := db.Close(); err != nil {
			util.Warn("Failed to close database: %v", err)
		}
	}
}

// releasePID removes the PID file if it still names this process.
func (s *Service) releasePID() {
	pid, err := s.pid.Read()
	if err != nil || pid != os.Getpid() {
		return
	}
	if err := s.pid.Remove(); err != nil {
		util.Warn("Failed to remove PID file: %v", err)
	}
}

func (s *Service) watchSignals(ctx context.Context) {
	defer s.wg.Done()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				util.Info("Received SIGHUP, reloading configuration")
				if err := s.Reload(); err != nil {
					util.Error("Reload failed: %v", err)
				}
				continue
			}
			util.Info("Received signal %v, shutting down", sig)
			// Stop waits for this goroutine, so it cannot run on it.
			go s.Stop()
			return
		}
	}
}

// Run starts the service and blocks until it stops or ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-s.Done():
	case <-ctx.Done():
		if err := s.Stop(); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the service down. In-flight diagnostics get shutdown_timeout to
// finish. Stopping a stopped service is a no-op; concurrent calls wait for
// the first to complete.
func (s *Service) Stop() error {
	s.mu.Lock()
	switch s.state {
	case model.StateStopped:
		s.mu.Unlock()
		return nil
	case model.StateStarting:
		s.mu.Unlock()
		return &ServiceError{Op: "stop", Err: errors.New("service is still starting")}
	case model.StateStopping:
		done := s.done
		s.mu.Unlock()
		<-done
		return nil
	}
	s.state = model.StateStopping
	cfg := s.cfg
	cancel := s.cancel
	server := s.server
	sched := s.scheduler
	done := s.done
	s.mu.Unlock()
	metrics.SetState(model.StateStopping)

	util.Info("Daemon stopping...")

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Warn("Control server shutdown: %v", err)
	}

	// The dispatch loop exits before in-flight diagnostics are awaited, so
	// nothing is started behind sched.Wait.
	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		util.Warn("Timeout waiting for goroutines to finish")
	}
	if err := sched.Wait(ctx); err != nil {
		util.Warn("Timed out waiting for running diagnostics")
	}

	s.closeStorage()
	s.releasePID()

	s.mu.Lock()
	s.state = model.StateStopped
	s.scheduler = nil
	s.monitor = nil
	s.server = nil
	s.cancel = nil
	s.mu.Unlock()
	metrics.SetState(model.StateStopped)

	close(done)
	util.Info("Daemon stopped")
	return nil
}

// Reload re-reads configuration and applies schedules, monitor settings and
// log level. Socket, PID file and storage paths take effect on restart. An
// invalid configuration leaves the running one untouched.
func (s *Service) Reload() error {
	s.mu.RLock()
	state := s.state
	sched := s.scheduler
	mon := s.monitor
	old := s.cfg
	s.mu.RUnlock()
	if state != model.StateRunning {
		return &ServiceError{Op: "reload", Err: ErrNotRunning}
	}

	cfg, err := s.loader()
	if err != nil {
		s.setLastError(err.Error())
		return &ServiceError{Op: "reload", Err: err}
	}
	specs, err := JobSpecsFrom(cfg.Schedules)
	if err != nil {
		s.setLastError(err.Error())
		return &ServiceError{Op: "reload", Err: err}
	}

	if cfg.SocketPath != old.SocketPath || cfg.PIDFile != old.PIDFile || cfg.Storage.Path != old.Storage.Path {
		util.Warn("Socket, PID file and storage path changes apply after restart")
	}
	cfg.SocketPath = old.SocketPath
	cfg.PIDFile = old.PIDFile
	cfg.Storage = old.Storage
	cfg.MetricsListen = old.MetricsListen

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	sched.Reload(specs)
	mon.Reconfigure(monitor.ConfigFrom(cfg.Monitor))
	if cfg.Monitor.Enabled != old.Monitor.Enabled {
		if cfg.Monitor.Enabled {
			mon.Resume()
		} else {
			mon.Pause()
		}
	}
	util.GetLogger().SetLevel(util.ParseLevel(cfg.LogLevel))

	util.Info("Configuration reloaded: %d jobs", len(specs))
	return nil
}

// Status returns a snapshot of the service.
func (s *Service) Status() model.ServiceStatus {
	s.mu.RLock()
	st := model.ServiceStatus{
		State:     s.state,
		PID:       os.Getpid(),
		StartedAt: s.startedAt,
		LastError: s.lastErr,
	}
	sched := s.scheduler
	mon := s.monitor
	s.mu.RUnlock()

	st.DiagnosticsRun = s.diagnosticsRun.Load()
	st.AlertsGenerated = s.alertsGenerated.Load()
	if mon != nil {
		st.MonitoringActive = mon.Active()
		st.ActiveAlerts = mon.ActiveAlerts()
	}
	if sched != nil {
		st.Jobs = sched.Jobs()
	}
	return st
}

// RunNow executes a job out of band.
func (s *Service) RunNow(ctx context.Context, jobID string) (model.Outcome, error) {
	s.mu.RLock()
	sched := s.scheduler
	s.mu.RUnlock()
	if sched == nil {
		return model.Outcome{}, ErrNotRunning
	}
	return sched.RunNow(ctx, jobID)
}

// MonitorState returns the monitor state including history.
func (s *Service) MonitorState() (model.MonitorState, error) {
	mon := s.Monitor()
	if mon == nil {
		return model.MonitorState{}, ErrNotRunning
	}
	return mon.State(true), nil
}

// RecentRuns returns persisted runs, newest first.
func (s *Service) RecentRuns(limit int, jobID string) ([]model.RunRecord, error) {
	s.mu.RLock()
	runs := s.runs
	s.mu.RUnlock()
	if runs == nil {
		return nil, fmt.Errorf("run history: %w", web.ErrUnavailable)
	}
	return runs.Recent(limit, jobID)
}

// RecentAlerts returns persisted alert transitions, newest first.
func (s *Service) RecentAlerts(limit int) ([]model.AlertRecord, error) {
	s.mu.RLock()
	alerts := s.alerts
	s.mu.RUnlock()
	if alerts == nil {
		return nil, fmt.Errorf("alert history: %w", web.ErrUnavailable)
	}
	return alerts.Recent(limit)
}

// Monitor returns the running monitor, or nil when stopped.
func (s *Service) Monitor() *monitor.Monitor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monitor
}

func (s *Service) record(rec model.RunRecord) {
	if rec.Outcome.Status != model.OutcomeSkipped {
		s.diagnosticsRun.Add(1)
	}
	if rec.Outcome.Status == model.OutcomeFailure {
		s.setLastError(fmt.Sprintf("%s: %s", rec.JobID, rec.Outcome.Error))
	}
	metrics.RecordOutcome(rec.JobID, rec.Kind, rec.Outcome)

	s.mu.RLock()
	runs := s.runs
	s.mu.RUnlock()
	if runs == nil {
		return
	}
	if err := runs.Save(&rec); err != nil {
		util.Warn("Failed to save run for %s: %v", rec.JobID, err)
	}
}

func (s *Service) onAlert(ev model.AlertEvent) {
	if ev.Active {
		s.alertsGenerated.Add(1)
	}
	metrics.SetAlert(ev.Kind, ev.Active)

	s.mu.RLock()
	alerts := s.alerts
	s.mu.RUnlock()
	if alerts == nil {
		return
	}
	if _, err := alerts.Save(ev); err != nil {
		util.Warn("Failed to save alert: %v", err)
	}
}

// HandleRequest answers control requests.
func (s *Service) HandleRequest(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Type {
	case ipc.RequestPing:
		return ipc.Response{Type: ipc.ResponsePong}

	case ipc.RequestStop:
		// The reply goes out before shutdown waits on this connection.
		go func() {
			if err := s.Stop(); err != nil {
				util.Error("Stop failed: %v", err)
			}
		}()
		return ipc.OK("shutdown initiated")

	case ipc.RequestStatus:
		st := s.Status()
		return ipc.Response{Type: ipc.ResponseStatus, Status: &ipc.StatusPayload{
			State:            st.State,
			UptimeSecs:       int64(st.Uptime(time.Now()).Seconds()),
			DiagnosticsRun:   st.DiagnosticsRun,
			MonitoringActive: st.MonitoringActive,
			PID:              st.PID,
			AlertsGenerated:  st.AlertsGenerated,
			ActiveAlerts:     st.ActiveAlerts,
			LastError:        st.LastError,
		}}

	case ipc.RequestRunNow:
		if req.JobID == "" {
			return ipc.Errorf("run_now requires a job id")
		}
		outcome, err := s.RunNow(ctx, req.JobID)
		if err != nil {
			return ipc.Errorf("%v", err)
		}
		resp := ipc.OK(outcome.Summary)
		resp.Outcome = &outcome
		return resp

	case ipc.RequestReload:
		if err := s.Reload(); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.OK("configuration reloaded")

	case ipc.RequestPauseMonitoring, ipc.RequestResumeMonitoring, ipc.RequestMonitoring:
		mon := s.Monitor()
		if mon == nil {
			return ipc.Errorf("%v", ErrNotRunning)
		}
		switch req.Type {
		case ipc.RequestPauseMonitoring:
			mon.Pause()
			return ipc.OK("monitoring paused")
		case ipc.RequestResumeMonitoring:
			mon.Resume()
			return ipc.OK("monitoring resumed")
		}
		st := mon.State(true)
		return ipc.Response{Type: ipc.ResponseMonitoring, Monitor: &st}

	case ipc.RequestJobs:
		return ipc.Response{Type: ipc.ResponseJobs, Jobs: s.Status().Jobs}

	case ipc.RequestResults:
		limit := req.Limit
		if limit <= 0 {
			limit = 20
		}
		records, err := s.RecentRuns(limit, req.JobID)
		if errors.Is(err, web.ErrUnavailable) {
			return ipc.Errorf("run history is disabled")
		}
		if err != nil {
			return ipc.Errorf("failed to read history: %v", err)
		}
		return ipc.Response{Type: ipc.ResponseResults, Runs: records}

	case ipc.RequestAlerts:
		limit := req.Limit
		if limit <= 0 {
			limit = 20
		}
		records, err := s.RecentAlerts(limit)
		if errors.Is(err, web.ErrUnavailable) {
			return ipc.Errorf("alert history is disabled")
		}
		if err != nil {
			return ipc.Errorf("failed to read alerts: %v", err)
		}
		return ipc.Response{Type: ipc.ResponseAlerts, Alerts: records}
	}

	return ipc.Errorf("unknown request type %q", req.Type)
}
