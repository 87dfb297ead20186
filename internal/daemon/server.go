// Package daemon hosts the coordination engine behind a Unix socket.
// One daemon per coordination directory; team CLIs and heartbeaters talk
// to it over line-delimited JSON-RPC 2.0. The daemon also runs the
// background reconciliation loops and pushes best-effort notifications to
// attached team clients.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leonletto/loom/internal/coord"
)

// Handler is a function that handles a JSON-RPC request.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// ConnHandler additionally receives the underlying connection. Used by
// client.attach, which binds the connection to a team for notifications.
type ConnHandler func(ctx context.Context, conn *ClientConn, params json.RawMessage) (any, error)

// ClientConn wraps an accepted connection with a write lock. RPC
// responses and notification pushes share the wire; every outgoing line
// goes through WriteLine so the two can never interleave mid-line.
type ClientConn struct {
	net.Conn
	writeMu sync.Mutex
	w       *bufio.Writer
}

func newClientConn(conn net.Conn) *ClientConn {
	return &ClientConn{Conn: conn, w: bufio.NewWriter(conn)}
}

// WriteLine writes data plus a trailing newline as one locked unit and
// flushes it.
func (c *ClientConn) WriteLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// JSON-RPC error codes. The standard codes plus engine error kinds in the
// -32000 server range.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternal       = -32000
	codeNotFound       = -32001
	codeConflict       = -32002
	codeStaleState     = -32003
	codeValidation     = -32602
)

// Server is the Unix socket RPC server.
type Server struct {
	socketPath   string
	listener     net.Listener
	handlers     map[string]Handler
	connHandlers map[string]ConnHandler
	onDisconnect []func(conn *ClientConn)
	mu           sync.RWMutex
	shutdown     bool
	wg           sync.WaitGroup
}

// NewServer creates an RPC server for the given socket path.
func NewServer(socketPath string) *Server {
	return &Server{
		socketPath:   socketPath,
		handlers:     make(map[string]Handler),
		connHandlers: make(map[string]ConnHandler),
	}
}

// RegisterHandler registers a handler for a JSON-RPC method.
func (s *Server) RegisterHandler(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// RegisterConnHandler registers a connection-aware handler.
func (s *Server) RegisterConnHandler(method string, h ConnHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connHandlers[method] = h
}

// OnDisconnect registers a hook invoked when a connection closes.
func (s *Server) OnDisconnect(fn func(conn *ClientConn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// Start begins accepting connections. Returns once the listener is up.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if err := s.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	s.listener = listener

	// Owner-only: the socket grants full engine access
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener, waits briefly for in-flight connections and
// removes the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return fmt.Errorf("close listener: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

// removeStaleSocket removes a leftover socket file, refusing to start when
// another daemon still answers on it.
func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", s.socketPath)
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			shutdown := s.shutdown
			s.mu.RUnlock()
			if shutdown {
				return
			}
			log.Printf("daemon: accept: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	cc := newClientConn(conn)
	defer func() {
		_ = cc.Close()
		s.mu.RLock()
		hooks := s.onDisconnect
		s.mu.RUnlock()
		for _, fn := range hooks {
			fn(cc)
		}
	}()

	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if !s.writeError(cc, nil, codeParse, "Parse error", err.Error()) {
				return
			}
			continue
		}

		if req.JSONRPC != "2.0" {
			if !s.writeError(cc, req.ID, codeInvalidRequest, "Invalid request", "jsonrpc field must be '2.0'") {
				return
			}
			continue
		}

		s.mu.RLock()
		handler, ok := s.handlers[req.Method]
		connHandler, connOK := s.connHandlers[req.Method]
		s.mu.RUnlock()

		var (
			result     any
			handlerErr error
		)
		switch {
		case ok:
			result, handlerErr = handler(ctx, req.Params)
		case connOK:
			result, handlerErr = connHandler(ctx, cc, req.Params)
		default:
			if !s.writeError(cc, req.ID, codeMethodNotFound, "Method not found",
				fmt.Sprintf("method '%s' is not registered", req.Method)) {
				return
			}
			continue
		}

		if handlerErr != nil {
			kind := coord.Classify(handlerErr)
			if !s.writeError(cc, req.ID, errorCode(kind), handlerErr.Error(), string(kind)) {
				return
			}
			continue
		}

		resultJSON, err := json.Marshal(result)
		if err != nil {
			if !s.writeError(cc, req.ID, codeInternal, "Internal error", err.Error()) {
				return
			}
			continue
		}

		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: resultJSON}
		if s.writeResponse(cc, resp) != nil {
			return
		}
	}
}

// errorCode maps an engine error kind to its JSON-RPC code.
func errorCode(kind coord.Kind) int {
	switch kind {
	case coord.KindValidation:
		return codeValidation
	case coord.KindNotFound:
		return codeNotFound
	case coord.KindConflict:
		return codeConflict
	case coord.KindStaleState:
		return codeStaleState
	default:
		return codeInternal
	}
}

func (s *Server) writeError(cc *ClientConn, id *json.RawMessage, code int, message string, data any) bool {
	resp := jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonRPCError{Code: code, Message: message, Data: data},
	}
	return s.writeResponse(cc, resp) == nil
}

func (s *Server) writeResponse(cc *ClientConn, resp jsonRPCResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return cc.WriteLine(data)
}

// JSON-RPC 2.0 request structure.
type jsonRPCRequest struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// JSON-RPC 2.0 response structure.
type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *jsonRPCError    `json:"error,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// JSON-RPC 2.0 error structure.
type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}
