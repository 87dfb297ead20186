package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leonletto/loom/internal/config"
	"github.com/leonletto/loom/internal/daemon/rpc"
	"github.com/leonletto/loom/internal/paths"
)

func startDaemon(t *testing.T) (*Daemon, *Client) {
	t.Helper()

	loomDir, err := paths.Init(t.TempDir())
	if err != nil {
		t.Fatalf("paths.Init failed: %v", err)
	}
	d, err := New(loomDir, config.Default(), Options{Version: "test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	client, err := WaitForSocket(d.SocketPath(), 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForSocket failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return d, client
}

func TestDaemonTeamLifecycle(t *testing.T) {
	_, client := startDaemon(t)

	var reg rpc.RegisterResponse
	err := client.CallInto("team.register", rpc.RegisterRequest{
		TeamID:      "alpha",
		DisplayName: "Team Alpha",
	}, &reg)
	if err != nil {
		t.Fatalf("team.register failed: %v", err)
	}
	if reg.Team.ID != "alpha" || reg.Reactivated {
		t.Fatalf("register response = %+v", reg)
	}

	var hb rpc.HeartbeatResponse
	if err := client.CallInto("team.heartbeat", rpc.HeartbeatRequest{TeamID: "alpha"}, &hb); err != nil {
		t.Fatalf("team.heartbeat failed: %v", err)
	}

	var list rpc.ListTeamsResponse
	if err := client.CallInto("team.list", nil, &list); err != nil {
		t.Fatalf("team.list failed: %v", err)
	}
	if len(list.Teams) != 1 || list.Teams[0].ID != "alpha" {
		t.Fatalf("team.list = %+v", list.Teams)
	}

	var unreg rpc.UnregisterResponse
	if err := client.CallInto("team.unregister", rpc.UnregisterRequest{TeamID: "alpha"}, &unreg); err != nil {
		t.Fatalf("team.unregister failed: %v", err)
	}
	if !unreg.Removed {
		t.Fatal("unregister of a registered team reported no removal")
	}

	err = client.CallInto("team.get", rpc.GetTeamRequest{TeamID: "alpha"}, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != "not_found" {
		t.Fatalf("team.get after unregister = %v, want not_found", err)
	}
}

func TestDaemonResourceConflictOverRPC(t *testing.T) {
	_, client := startDaemon(t)

	for _, id := range []string{"alpha", "beta"} {
		if err := client.CallInto("team.register", rpc.RegisterRequest{TeamID: id}, nil); err != nil {
			t.Fatalf("register %s failed: %v", id, err)
		}
	}

	var res rpc.ReserveResponse
	err := client.CallInto("resource.reserve", rpc.ReserveRequest{
		TeamID:     "alpha",
		ResourceID: "deploy/prod",
	}, &res)
	if err != nil {
		t.Fatalf("resource.reserve failed: %v", err)
	}
	if res.Reservation.TeamID != "alpha" || res.Reservation.ExpiresAt == nil {
		t.Fatalf("reservation = %+v", res.Reservation)
	}

	err = client.CallInto("resource.reserve", rpc.ReserveRequest{
		TeamID:     "beta",
		ResourceID: "deploy/prod",
	}, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != "conflict" {
		t.Fatalf("competing reserve = %v, want conflict", err)
	}

	var rel rpc.ReleaseResponse
	if err := client.CallInto("resource.release", rpc.ReleaseRequest{
		TeamID:     "alpha",
		ResourceID: "deploy/prod",
	}, &rel); err != nil {
		t.Fatalf("resource.release failed: %v", err)
	}
	if !rel.Released {
		t.Fatal("release should report released")
	}
}

func TestDaemonNotificationFlow(t *testing.T) {
	d, client := startDaemon(t)

	for _, id := range []string{"alpha", "beta"} {
		if err := client.CallInto("team.register", rpc.RegisterRequest{TeamID: id}, nil); err != nil {
			t.Fatalf("register %s failed: %v", id, err)
		}
	}

	var created rpc.CreateBridgeResponse
	if err := client.CallInto("bridge.create", rpc.CreateBridgeRequest{
		TeamA: "alpha", TeamB: "beta",
	}, &created); err != nil {
		t.Fatalf("bridge.create failed: %v", err)
	}

	listener, err := NewClient(d.SocketPath())
	if err != nil {
		t.Fatalf("listener connect failed: %v", err)
	}
	defer listener.Close()

	pushes := make(chan NotifyParams, 1)
	listener.OnNotification(func(method string, params json.RawMessage) {
		if method != NotifyMethod {
			return
		}
		var p NotifyParams
		if json.Unmarshal(params, &p) == nil {
			pushes <- p
		}
	})
	if err := listener.CallInto("client.attach", AttachRequest{TeamID: "beta"}, nil); err != nil {
		t.Fatalf("client.attach failed: %v", err)
	}

	listenCtx, stopListen := context.WithCancel(context.Background())
	defer stopListen()
	go func() { _ = listener.Listen(listenCtx) }()

	if err := client.CallInto("bridge.send", rpc.SendRequest{
		BridgeID: created.Bridge.ID,
		FromTeam: "alpha",
		Body:     "ship it",
	}, nil); err != nil {
		t.Fatalf("bridge.send failed: %v", err)
	}

	select {
	case p := <-pushes:
		if p.Team != "beta" || p.Text != "[alpha] ship it" {
			t.Fatalf("push = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}

	var msgs rpc.MessagesResponse
	if err := client.CallInto("bridge.messages", rpc.MessagesRequest{TeamID: "beta"}, &msgs); err != nil {
		t.Fatalf("bridge.messages failed: %v", err)
	}
	if len(msgs.Messages) != 1 || msgs.Messages[0].Body != "ship it" {
		t.Fatalf("messages = %+v", msgs.Messages)
	}
}

func TestDaemonContextSyncOverRPC(t *testing.T) {
	_, client := startDaemon(t)

	if err := client.CallInto("team.register", rpc.RegisterRequest{TeamID: "alpha"}, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	var sync rpc.SyncContextResponse
	err := client.CallInto("context.sync", rpc.SyncContextRequest{
		TeamID: "alpha",
		Values: map[string]string{"release": "2.4.0"},
	}, &sync)
	if err != nil {
		t.Fatalf("context.sync failed: %v", err)
	}
	if len(sync.MergedKeys) != 1 || sync.MergedKeys[0] != "release" {
		t.Fatalf("merged keys = %v", sync.MergedKeys)
	}

	var got rpc.GetContextResponse
	if err := client.CallInto("context.get", nil, &got); err != nil {
		t.Fatalf("context.get failed: %v", err)
	}
	entry, ok := got.Entries["release"]
	if !ok || entry.Value != "2.4.0" || entry.Contributor != "alpha" {
		t.Fatalf("entries = %+v", got.Entries)
	}
}

func TestDaemonHealthOverRPC(t *testing.T) {
	_, client := startDaemon(t)

	if err := client.CallInto("team.register", rpc.RegisterRequest{TeamID: "alpha"}, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	var health rpc.HealthResponse
	if err := client.CallInto("health", nil, &health); err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if health.Status != "ok" || health.Version != "test" {
		t.Fatalf("health = %+v", health)
	}
	if health.System.ActiveTeams != 1 {
		t.Fatalf("active teams = %d, want 1", health.System.ActiveTeams)
	}
}

func TestDaemonSingleton(t *testing.T) {
	d, _ := startDaemon(t)

	_, err := New(d.loomDir, config.Default(), Options{})
	if err == nil {
		t.Fatal("second daemon for the same directory should fail")
	}
}
