package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/user/netdiag/internal/model"
)

// ErrNotRunning is returned when nothing answers on the control socket.
var ErrNotRunning = errors.New("daemon is not running")

// Client sends control requests to a running daemon.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient creates a client for the socket at path. timeout bounds each
// request when the context has no earlier deadline.
func NewClient(path string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{path: path, timeout: timeout}
}

// Do sends req and returns the response. An error response is returned
// together with a *RemoteError.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	dialer := net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteMessage(conn, req); err != nil {
		return Response{}, err
	}

	var resp Response
	if err := ReadMessage(conn, &resp); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, err
	}

	if resp.Type == ResponseError {
		return resp, &RemoteError{Message: resp.Message}
	}
	return resp, nil
}

func (c *Client) expect(ctx context.Context, req Request, want ResponseType) (Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return resp, err
	}
	if resp.Type != want {
		return resp, &ProtocolError{Op: "decode", Err: fmt.Errorf("unexpected %s response to %s", resp.Type, req.Type)}
	}
	return resp, nil
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusPayload, error) {
	resp, err := c.expect(ctx, Request{Type: RequestStatus}, ResponseStatus)
	if err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return nil, &ProtocolError{Op: "decode", Err: errors.New("status response without payload")}
	}
	return resp.Status, nil
}

// Stop asks the daemon to shut down. It returns once the request is accepted.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.expect(ctx, Request{Type: RequestStop}, ResponseOK)
	return err
}

// RunNow executes a job immediately and returns its outcome.
func (c *Client) RunNow(ctx context.Context, jobID string) (*model.Outcome, error) {
	resp, err := c.expect(ctx, Request{Type: RequestRunNow, JobID: jobID}, ResponseOK)
	if err != nil {
		return nil, err
	}
	if resp.Outcome == nil {
		return nil, &ProtocolError{Op: "decode", Err: errors.New("run_now response without outcome")}
	}
	return resp.Outcome, nil
}

// Reload asks the daemon to re-read its configuration.
func (c *Client) Reload(ctx context.Context) error {
	_, err := c.expect(ctx, Request{Type: RequestReload}, ResponseOK)
	return err
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.expect(ctx, Request{Type: RequestPing}, ResponsePong)
	return err
}

// PauseMonitoring suspends health sampling.
func (c *Client) PauseMonitoring(ctx context.Context) error {
	_, err := c.expect(ctx, Request{Type: RequestPauseMonitoring}, ResponseOK)
	return err
}

// ResumeMonitoring resumes health sampling.
func (c *Client) ResumeMonitoring(ctx context.Context) error {
	_, err := c.expect(ctx, Request{Type: RequestResumeMonitoring}, ResponseOK)
	return err
}

// Monitoring fetches the monitor state.
func (c *Client) Monitoring(ctx context.Context) (*model.MonitorState, error) {
	resp, err := c.expect(ctx, Request{Type: RequestMonitoring}, ResponseMonitoring)
	if err != nil {
		return nil, err
	}
	if resp.Monitor == nil {
		return &model.MonitorState{}, nil
	}
	return resp.Monitor, nil
}

// Jobs lists scheduled jobs.
func (c *Client) Jobs(ctx context.Context) ([]model.JobStatus, error) {
	resp, err := c.expect(ctx, Request{Type: RequestJobs}, ResponseJobs)
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Results lists the most recent stored runs.
func (c *Client) Results(ctx context.Context, limit int) ([]model.RunRecord, error) {
	resp, err := c.expect(ctx, Request{Type: RequestResults, Limit: limit}, ResponseResults)
	if err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Alerts fetches recent alert transitions.
func (c *Client) Alerts(ctx context.Context, limit int) ([]model.AlertRecord, error) {
	resp, err := c.expect(ctx, Request{Type: RequestAlerts, Limit: limit}, ResponseAlerts)
	if err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// IsRunning reports whether a daemon answers a ping.
func (c *Client) IsRunning(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// Answers reports whether something accepts connections on the socket. A
// busy, slow or failing daemon still answers; only a failed connect does not.
func (c *Client) Answers(ctx context.Context) bool {
	err := c.Ping(ctx)
	return err == nil || !errors.Is(err, ErrNotRunning)
}
