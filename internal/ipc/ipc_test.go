package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/netdiag/internal/model"
)

// socketPath returns a short path; Unix socket paths are length-limited.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "nd")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sock")
}

func startServer(t *testing.T, h Handler, opts ServerOptions) *Server {
	t.Helper()
	srv := NewServer(socketPath(t), h, opts)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func statusHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req Request) Response {
		switch req.Type {
		case RequestStatus:
			return Response{Type: ResponseStatus, Status: &StatusPayload{
				State:            model.StateRunning,
				UptimeSecs:       42,
				DiagnosticsRun:   7,
				MonitoringActive: true,
			}}
		case RequestPing:
			return Response{Type: ResponsePong}
		case RequestRunNow:
			if req.JobID != "known" {
				return Errorf("job %q not found", req.JobID)
			}
			return Response{Type: ResponseOK, Outcome: &model.Outcome{Status: model.OutcomeSuccess}}
		default:
			return Errorf("unsupported request %q", req.Type)
		}
	})
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Request{Type: RequestRunNow, JobID: "dns"}
	if err := WriteMessage(&buf, in); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	length := binary.BigEndian.Uint32(buf.Bytes()[:4])
	if int(length) != buf.Len()-4 {
		t.Fatalf("length prefix %d does not match payload %d", length, buf.Len()-4)
	}

	var out Request
	if err := ReadMessage(&buf, &out); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, []byte(`{"type":"status"}`))
	truncated := buf.Bytes()[:buf.Len()-3]

	var req Request
	err := ReadMessage(bytes.NewReader(truncated), &req)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Op != "read" {
		t.Fatalf("expected read ProtocolError, got %v", err)
	}
}

func TestClientStatus(t *testing.T) {
	srv := startServer(t, statusHandler(), ServerOptions{})
	c := NewClient(srv.Path(), 2*time.Second)

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != model.StateRunning || st.UptimeSecs != 42 || st.DiagnosticsRun != 7 || !st.MonitoringActive {
		t.Fatalf("unexpected status: %+v", st)
	}
	if !c.IsRunning(context.Background()) {
		t.Fatal("IsRunning should be true")
	}
}

func TestClientRemoteError(t *testing.T) {
	srv := startServer(t, statusHandler(), ServerOptions{})
	c := NewClient(srv.Path(), 2*time.Second)

	_, err := c.RunNow(context.Background(), "missing")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}

	out, err := c.RunNow(context.Background(), "known")
	if err != nil || out == nil || out.Status != model.OutcomeSuccess {
		t.Fatalf("RunNow known: %+v %v", out, err)
	}
}

func TestClientNotRunning(t *testing.T) {
	c := NewClient(socketPath(t), time.Second)
	_, err := c.Status(context.Background())
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if c.IsRunning(context.Background()) {
		t.Fatal("IsRunning should be false")
	}
}

func TestServerRequestTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := HandlerFunc(func(ctx context.Context, req Request) Response {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return OK("late")
	})
	srv := startServer(t, h, ServerOptions{RequestTimeout: 100 * time.Millisecond})

	_, err := NewClient(srv.Path(), 2*time.Second).Do(context.Background(), Request{Type: RequestStatus})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "request timed out" {
		t.Fatalf("expected timeout error response, got %v", err)
	}
}

func TestServerConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	inFlight, peak := 0, 0
	h := HandlerFunc(func(ctx context.Context, req Request) Response {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return Response{Type: ResponsePong}
	})
	srv := startServer(t, h, ServerOptions{MaxConnections: 4})
	c := NewClient(srv.Path(), 5*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Ping(context.Background())
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := inFlight
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}
	if peak != 3 {
		t.Fatalf("expected requests to be served concurrently, peak %d", peak)
	}
}

func TestServerBusy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h := HandlerFunc(func(ctx context.Context, req Request) Response {
		entered <- struct{}{}
		<-release
		return Response{Type: ResponsePong}
	})
	srv := startServer(t, h, ServerOptions{MaxConnections: 1})
	c := NewClient(srv.Path(), 5*time.Second)

	first := make(chan error, 1)
	go func() { first <- c.Ping(context.Background()) }()
	<-entered

	_, err := c.Do(context.Background(), Request{Type: RequestPing})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "server busy" {
		t.Fatalf("expected busy response, got %v", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first ping: %v", err)
	}
}

func TestServerMalformedRequest(t *testing.T) {
	srv := startServer(t, statusHandler(), ServerOptions{})

	conn, err := net.Dial("unix", srv.Path())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	WriteFrame(conn, []byte("{not json"))
	var resp Response
	if err := ReadMessage(conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	conn.Close()
	if resp.Type != ResponseError {
		t.Fatalf("expected error response, got %+v", resp)
	}

	// the server keeps serving
	if _, err := NewClient(srv.Path(), time.Second).Status(context.Background()); err != nil {
		t.Fatalf("Status after malformed request: %v", err)
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	srv := NewServer(path, statusHandler(), ServerOptions{})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	srv.Shutdown(context.Background())
}

func TestListenRefusesLiveSocket(t *testing.T) {
	srv := startServer(t, statusHandler(), ServerOptions{})

	other := NewServer(srv.Path(), statusHandler(), ServerOptions{})
	if err := other.Listen(); !errors.Is(err, ErrSocketInUse) {
		t.Fatalf("expected ErrSocketInUse when a live server owns the socket, got %v", err)
	}
}

func TestClientAnswersWhenBusy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h := HandlerFunc(func(ctx context.Context, req Request) Response {
		entered <- struct{}{}
		<-release
		return Response{Type: ResponsePong}
	})
	srv := startServer(t, h, ServerOptions{MaxConnections: 1})
	defer close(release)

	c := NewClient(srv.Path(), 2*time.Second)
	go c.Ping(context.Background())
	<-entered

	if c.IsRunning(context.Background()) {
		t.Fatal("a busy server should not pass a ping")
	}
	if !c.Answers(context.Background()) {
		t.Fatal("a busy server still answers")
	}
	if NewClient(socketPath(t), time.Second).Answers(context.Background()) {
		t.Fatal("nothing listens on a fresh path")
	}
}

// gatedListener hands out one connection only when released.
type gatedListener struct {
	conn    net.Conn
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	served  bool
}

func (l *gatedListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	first := !l.served
	l.served = true
	l.mu.Unlock()
	if first {
		<-l.release
		return l.conn, nil
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *gatedListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *gatedListener) Addr() net.Addr {
	return &net.UnixAddr{Name: "gated", Net: "unix"}
}

func TestShutdownDropsConnectionAcceptedLate(t *testing.T) {
	handled := make(chan struct{}, 1)
	h := HandlerFunc(func(ctx context.Context, req Request) Response {
		handled <- struct{}{}
		return Response{Type: ResponsePong}
	})

	server, client := net.Pipe()
	ln := &gatedListener{conn: server, release: make(chan struct{}), closed: make(chan struct{})}
	srv := NewServer(socketPath(t), h, ServerOptions{})
	srv.mu.Lock()
	srv.ln = ln
	srv.mu.Unlock()

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	close(ln.release)

	if err := <-served; err != nil {
		t.Fatalf("Serve returned %v", err)
	}

	client.SetDeadline(time.Now().Add(2 * time.Second))
	go WriteMessage(client, Request{Type: RequestPing})
	var resp Response
	if err := ReadMessage(client, &resp); err == nil {
		t.Fatalf("connection accepted after shutdown was served: %+v", resp)
	}
	select {
	case <-handled:
		t.Fatal("handler ran after shutdown")
	default:
	}
}

func TestShutdownRemovesSocket(t *testing.T) {
	srv := NewServer(socketPath(t), statusHandler(), ServerOptions{})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve returned %v after shutdown", err)
	}
	if _, err := os.Stat(srv.Path()); !os.IsNotExist(err) {
		t.Fatalf("socket file should be removed, stat err %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
