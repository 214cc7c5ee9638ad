// Package ipc implements the local control socket used by the CLI and TUI.
//
// Each connection carries exactly one request and one response. Messages
// are JSON documents framed by a 4-byte big-endian length prefix.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/user/netdiag/internal/model"
)

// MaxFrameSize bounds a single message.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame's declared length exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum size")

// RequestType names a control request.
type RequestType string

const (
	RequestStop             RequestType = "stop"
	RequestStatus           RequestType = "status"
	RequestRunNow           RequestType = "run_now"
	RequestReload           RequestType = "reload"
	RequestPing             RequestType = "ping"
	RequestPauseMonitoring  RequestType = "pause_monitoring"
	RequestResumeMonitoring RequestType = "resume_monitoring"
	RequestMonitoring       RequestType = "monitoring"
	RequestJobs             RequestType = "jobs"
	RequestResults          RequestType = "results"
	RequestAlerts           RequestType = "alerts"
)

// Request is a single control request.
type Request struct {
	Type  RequestType `json:"type"`
	JobID string      `json:"job_id,omitempty"`
	Limit int         `json:"limit,omitempty"`
}

// ResponseType names the kind of reply.
type ResponseType string

const (
	ResponseOK         ResponseType = "ok"
	ResponseError      ResponseType = "error"
	ResponseStatus     ResponseType = "status"
	ResponsePong       ResponseType = "pong"
	ResponseMonitoring ResponseType = "monitoring"
	ResponseJobs       ResponseType = "jobs"
	ResponseResults    ResponseType = "results"
	ResponseAlerts     ResponseType = "alerts"
)

// StatusPayload is the body of a status response.
type StatusPayload struct {
	State            model.DaemonState `json:"state"`
	UptimeSecs       int64             `json:"uptime_secs"`
	DiagnosticsRun   uint64            `json:"diagnostics_run"`
	MonitoringActive bool              `json:"monitoring_active"`
	PID              int               `json:"pid,omitempty"`
	AlertsGenerated  uint64            `json:"alerts_generated"`
	ActiveAlerts     []model.AlertKind `json:"active_alerts,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
}

// Response is the single reply to a Request.
type Response struct {
	Type    ResponseType        `json:"type"`
	Message string              `json:"message,omitempty"`
	Status  *StatusPayload      `json:"status,omitempty"`
	Outcome *model.Outcome      `json:"outcome,omitempty"`
	Monitor *model.MonitorState `json:"monitor,omitempty"`
	Jobs    []model.JobStatus   `json:"jobs,omitempty"`
	Runs    []model.RunRecord   `json:"runs,omitempty"`
	Alerts  []model.AlertRecord `json:"alerts,omitempty"`
}

// OK builds an ok response.
func OK(message string) Response {
	return Response{Type: ResponseOK, Message: message}
}

// Errorf builds an error response.
func Errorf(format string, args ...interface{}) Response {
	return Response{Type: ResponseError, Message: fmt.Sprintf(format, args...)}
}

// ProtocolError reports a malformed or truncated exchange.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ipc %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is an error response returned by the daemon.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "daemon: " + e.Message
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. It returns io.EOF when the
// reader is exhausted before a header.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// WriteMessage encodes v as JSON and writes it as one frame.
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &ProtocolError{Op: "encode", Err: err}
	}
	if err := WriteFrame(w, data); err != nil {
		return &ProtocolError{Op: "write", Err: err}
	}
	return nil
}

// ReadMessage reads one frame and decodes it into v.
func ReadMessage(r io.Reader, v interface{}) error {
	data, err := ReadFrame(r)
	if err != nil {
		return &ProtocolError{Op: "read", Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ProtocolError{Op: "decode", Err: err}
	}
	return nil
}
