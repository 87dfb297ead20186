package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

func TestNotifyNotAttached(t *testing.T) {
	r := NewClientRegistry()
	if r.Notify("alpha", "hello") {
		t.Fatal("Notify should report false for an unattached team")
	}
}

func TestNotifyPushesJSONRPCLine(t *testing.T) {
	r := NewClientRegistry()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	r.Attach("alpha", newClientConn(server))

	done := make(chan bool, 1)
	go func() { done <- r.Notify("alpha", "[beta] build green") }()

	line, err := bufio.NewReader(client).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read push: %v", err)
	}
	var push struct {
		JSONRPC string       `json:"jsonrpc"`
		Method  string       `json:"method"`
		Params  NotifyParams `json:"params"`
	}
	if err := json.Unmarshal(line, &push); err != nil {
		t.Fatalf("unmarshal push: %v", err)
	}
	if push.Method != NotifyMethod {
		t.Fatalf("method = %q, want %q", push.Method, NotifyMethod)
	}
	if push.Params.Team != "alpha" || push.Params.Text != "[beta] build green" {
		t.Fatalf("params = %+v", push.Params)
	}
	if push.Params.Timestamp == "" {
		t.Fatal("push is missing a timestamp")
	}

	select {
	case delivered := <-done:
		if !delivered {
			t.Fatal("Notify should report delivery")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Notify never returned")
	}
}

func TestNotifyWriteFailureDetaches(t *testing.T) {
	r := NewClientRegistry()
	server, client := net.Pipe()
	server.Close()
	client.Close()

	r.Attach("alpha", newClientConn(server))
	if r.Notify("alpha", "hello") {
		t.Fatal("Notify over a closed conn should report false")
	}
	if got := r.Attached(); got != 0 {
		t.Fatalf("Attached() = %d, want 0 after failed push", got)
	}
}

func TestNotifyReattachReplacesConn(t *testing.T) {
	r := NewClientRegistry()
	oldPipe, oldPeer := net.Pipe()
	defer oldPeer.Close()
	freshPipe, freshPeer := net.Pipe()
	defer freshPipe.Close()
	defer freshPeer.Close()
	old := newClientConn(oldPipe)
	fresh := newClientConn(freshPipe)

	r.Attach("alpha", old)
	r.Attach("alpha", fresh)
	if got := r.Attached(); got != 1 {
		t.Fatalf("Attached() = %d, want 1", got)
	}

	// Dropping the superseded conn must not remove the fresh attachment.
	r.DropConn(old)
	if got := r.Attached(); got != 1 {
		t.Fatalf("Attached() after DropConn(old) = %d, want 1", got)
	}
	r.DropConn(fresh)
	if got := r.Attached(); got != 0 {
		t.Fatalf("Attached() after DropConn(fresh) = %d, want 0", got)
	}
}

func TestNotifyDoesNotInterleaveWithResponses(t *testing.T) {
	r := NewClientRegistry()
	s := NewServer("")
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cc := newClientConn(server)
	r.Attach("alpha", cc)

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if !r.Notify("alpha", "a message long enough to straddle a concurrent write") {
				t.Errorf("push %d not delivered", i)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		id := json.RawMessage(`1`)
		result := json.RawMessage(`{"status":"ok","padding":"assert that every wire line stays whole"}`)
		for i := 0; i < rounds; i++ {
			resp := jsonRPCResponse{JSONRPC: "2.0", ID: &id, Result: result}
			if err := s.writeResponse(cc, resp); err != nil {
				t.Errorf("write response %d: %v", i, err)
				return
			}
		}
	}()

	reader := bufio.NewReader(client)
	for i := 0; i < 2*rounds; i++ {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read line %d: %v", i, err)
		}
		var v map[string]json.RawMessage
		if err := json.Unmarshal(line, &v); err != nil {
			t.Fatalf("line %d is not valid JSON: %v\n%s", i, err, line)
		}
	}
	wg.Wait()
}

func TestNotifyBreakerBlocksWhenOpen(t *testing.T) {
	r := NewClientRegistry()
	server, peer := net.Pipe()
	defer server.Close()
	defer peer.Close()

	r.Attach("alpha", newClientConn(server))
	for i := 0; i < 5; i++ {
		r.Breaker().Failure()
	}
	if got := r.Breaker().State(); got != BreakerOpen {
		t.Fatalf("breaker state = %s, want open", got)
	}
	if r.Notify("alpha", "hello") {
		t.Fatal("Notify should be rejected while the breaker is open")
	}
}
