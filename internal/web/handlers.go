package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/user/netdiag/internal/model"
)

// ErrUnavailable is returned by a Source when the data is not available,
// for example with history storage disabled.
var ErrUnavailable = errors.New("not available")

// Source provides the data the API exposes.
type Source interface {
	Status() model.ServiceStatus
	MonitorState() (model.MonitorState, error)
	RecentRuns(limit int, jobID string) ([]model.RunRecord, error)
	RecentAlerts(limit int) ([]model.AlertRecord, error)
}

// Handlers contains HTTP handlers.
type Handlers struct {
	src Source
}

// NewHandlers creates new handlers.
func NewHandlers(src Source) *Handlers {
	return &Handlers{src: src}
}

// APIGetStatus returns the daemon status without the job list.
func (h *Handlers) APIGetStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	st := h.src.Status()
	st.Jobs = nil
	writeJSON(w, st)
}

// APIGetJobs returns scheduled jobs.
func (h *Handlers) APIGetJobs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	jobs := h.src.Status().Jobs
	if jobs == nil {
		jobs = []model.JobStatus{}
	}
	writeJSON(w, jobs)
}

// APIGetMonitor returns monitor state. History is included with ?history=1.
func (h *Handlers) APIGetMonitor(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	st, err := h.src.MonitorState()
	if err != nil {
		writeSourceError(w, err)
		return
	}
	if r.URL.Query().Get("history") == "" {
		st.History = nil
	}
	writeJSON(w, st)
}

// APIGetHistory returns recent runs, optionally for one job.
func (h *Handlers) APIGetHistory(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}

	runs, err := h.src.RecentRuns(limit, r.URL.Query().Get("job"))
	if err != nil {
		writeSourceError(w, err)
		return
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	writeJSON(w, runs)
}

// APIGetAlerts returns recent alert transitions.
func (h *Handlers) APIGetAlerts(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}

	alerts, err := h.src.RecentAlerts(limit)
	if err != nil {
		writeSourceError(w, err)
		return
	}
	if alerts == nil {
		alerts = []model.AlertRecord{}
	}
	writeJSON(w, alerts)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, errors.New("method not allowed"), http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func parseLimit(r *http.Request, def int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 1000 {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return n, nil
}

func writeSourceError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnavailable) {
		writeError(w, err, http.StatusServiceUnavailable)
		return
	}
	writeError(w, err, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
