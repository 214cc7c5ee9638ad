package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/netdiag/internal/util"
)

// ErrSocketInUse is returned by Listen when another server answers on the socket.
var ErrSocketInUse = errors.New("control socket is in use")

// Handler answers control requests.
type Handler interface {
	HandleRequest(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) Response

// HandleRequest calls f.
func (f HandlerFunc) HandleRequest(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// ServerOptions tunes the control server.
type ServerOptions struct {
	// MaxConnections caps concurrently served connections.
	MaxConnections int
	// RequestTimeout bounds a handler; on expiry the client gets an error response.
	RequestTimeout time.Duration
	// IOTimeout bounds reading the request and writing the response.
	IOTimeout time.Duration
	// OnRequest is called for every decoded request.
	OnRequest func(RequestType)
}

// Server accepts control connections on a Unix domain socket.
type Server struct {
	path    string
	handler Handler
	opts    ServerOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	closed   bool
	wg       sync.WaitGroup
	sem      chan struct{}
	shutdown chan struct{}
}

// NewServer creates a server for the socket at path.
func NewServer(path string, handler Handler, opts ServerOptions) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:     path,
		handler:  handler,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, opts.MaxConnections),
		shutdown: make(chan struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Listen binds the socket. A leftover socket file is removed unless another
// server still answers on it.
func (s *Server) Listen() error {
	if err := util.EnsureDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to create socket dir: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.path, 500*time.Millisecond)
		if dialErr == nil {
			conn.Close()
			return fmt.Errorf("%w: %s", ErrSocketInUse, s.path)
		}
		util.Debug("Removing stale control socket %s", s.path)
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		util.Warn("Failed to restrict socket permissions: %v", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("ipc server is not listening")
	}

	util.Info("Control socket listening on %s", s.path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		select {
		case s.sem <- struct{}{}:
			go func() {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.handleConn(conn)
			}()
		default:
			go func() {
				defer s.wg.Done()
				s.reject(conn)
			}()
		}
	}
}

func (s *Server) reject(conn net.Conn) {
	defer conn.Close()
	util.Warn("Control connection rejected: %d connections in flight", s.opts.MaxConnections)
	conn.SetDeadline(time.Now().Add(s.opts.IOTimeout))
	WriteMessage(conn, Errorf("server busy"))
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.opts.IOTimeout))

	var req Request
	if err := ReadMessage(conn, &req); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) && perr.Op == "decode" {
			util.Warn("Malformed control request: %v", err)
			conn.SetWriteDeadline(time.Now().Add(s.opts.IOTimeout))
			WriteMessage(conn, Errorf("malformed request"))
			return
		}
		if !errors.Is(err, io.EOF) {
			util.Warn("Control connection error: %v", err)
		}
		return
	}

	if s.opts.OnRequest != nil {
		s.opts.OnRequest(req.Type)
	}
	util.Debug("Control request: %s", req.Type)

	resp := s.dispatch(req)

	conn.SetWriteDeadline(time.Now().Add(s.opts.IOTimeout))
	if err := WriteMessage(conn, resp); err != nil {
		util.Warn("Failed to write control response: %v", err)
	}
}

// dispatch runs the handler under the request timeout.
func (s *Server) dispatch(req Request) Response {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	defer cancel()

	done := make(chan Response, 1)
	go func() {
		done <- s.handler.HandleRequest(ctx, req)
	}()

	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			util.Warn("Control request %s timed out after %s", req.Type, s.opts.RequestTimeout)
			return Errorf("request timed out")
		}
		return Errorf("server shutting down")
	}
}

// Shutdown stops accepting connections, waits for in-flight ones, and
// removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()

	os.Remove(s.path)
	return err
}
