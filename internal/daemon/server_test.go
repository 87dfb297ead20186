package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/leonletto/loom/internal/identity"
	"github.com/leonletto/loom/internal/team"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	s := NewServer(socketPath)

	s.RegisterHandler("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var req map[string]string
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return req, nil
	})
	s.RegisterHandler("fail.validation", func(context.Context, json.RawMessage) (any, error) {
		return nil, identity.ErrInvalidID
	})
	s.RegisterHandler("fail.notfound", func(context.Context, json.RawMessage) (any, error) {
		return nil, team.ErrNotRegistered
	})
	s.RegisterHandler("fail.conflict", func(context.Context, json.RawMessage) (any, error) {
		return nil, team.ErrAlreadyRegistered
	})
	s.RegisterHandler("fail.internal", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, socketPath
}

func TestServerCallRoundTrip(t *testing.T) {
	_, socketPath := startTestServer(t)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	var out map[string]string
	if err := client.CallInto("echo", map[string]string{"hello": "world"}, &out); err != nil {
		t.Fatalf("CallInto failed: %v", err)
	}
	if out["hello"] != "world" {
		t.Fatalf("echo result = %v", out)
	}
}

func TestServerMethodNotFound(t *testing.T) {
	_, socketPath := startTestServer(t)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	_, callErr := client.Call("no.such.method", nil)
	var rpcErr *RPCError
	if !errors.As(callErr, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", callErr)
	}
	if rpcErr.Code != codeMethodNotFound {
		t.Fatalf("code = %d, want %d", rpcErr.Code, codeMethodNotFound)
	}
}

func TestServerErrorCodeMapping(t *testing.T) {
	_, socketPath := startTestServer(t)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	cases := []struct {
		method   string
		wantCode int
		wantKind string
	}{
		{"fail.validation", codeValidation, "validation"},
		{"fail.notfound", codeNotFound, "not_found"},
		{"fail.conflict", codeConflict, "conflict"},
		{"fail.internal", codeInternal, "internal"},
	}
	for _, tc := range cases {
		_, callErr := client.Call(tc.method, nil)
		var rpcErr *RPCError
		if !errors.As(callErr, &rpcErr) {
			t.Fatalf("%s: error = %v, want *RPCError", tc.method, callErr)
		}
		if rpcErr.Code != tc.wantCode {
			t.Errorf("%s: code = %d, want %d", tc.method, rpcErr.Code, tc.wantCode)
		}
		if rpcErr.Kind != tc.wantKind {
			t.Errorf("%s: kind = %q, want %q", tc.method, rpcErr.Kind, tc.wantKind)
		}
	}
}

func TestServerParseError(t *testing.T) {
	_, socketPath := startTestServer(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeParse {
		t.Fatalf("response = %+v, want parse error %d", resp, codeParse)
	}
}

func TestServerConnHandlerAndDisconnectHook(t *testing.T) {
	s, socketPath := startTestServer(t)

	var attachedConn *ClientConn
	s.RegisterConnHandler("bind", func(_ context.Context, conn *ClientConn, _ json.RawMessage) (any, error) {
		attachedConn = conn
		return map[string]bool{"bound": true}, nil
	})

	dropped := make(chan *ClientConn, 1)
	s.OnDisconnect(func(conn *ClientConn) { dropped <- conn })

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	var out map[string]bool
	if err := client.CallInto("bind", nil, &out); err != nil {
		t.Fatalf("CallInto failed: %v", err)
	}
	if !out["bound"] || attachedConn == nil {
		t.Fatal("conn handler did not run")
	}

	client.Close()
	select {
	case conn := <-dropped:
		if conn != attachedConn {
			t.Fatal("disconnect hook fired for a different connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook never fired")
	}
}

func TestServerRefusesLiveSocket(t *testing.T) {
	_, socketPath := startTestServer(t)

	other := NewServer(socketPath)
	if err := other.Start(context.Background()); err == nil {
		_ = other.Stop()
		t.Fatal("second server on a live socket should fail to start")
	}
}

func TestServerStopRemovesSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	s := NewServer(socketPath)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := net.Dial("unix", socketPath); err == nil {
		t.Fatal("socket should be gone after Stop")
	}
}
