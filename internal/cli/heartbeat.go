package cli

import (
	"errors"

	"github.com/leonletto/loom/internal/daemon"
	"github.com/leonletto/loom/internal/daemon/rpc"
	"github.com/leonletto/loom/internal/team"
)

// RPCHeartbeatSender adapts a daemon client to monitor.HeartbeatSender
// so the keepalive loop works the same in and out of process.
type RPCHeartbeatSender struct {
	Client *daemon.Client
}

func (s RPCHeartbeatSender) Heartbeat(id string) error {
	err := s.Client.CallInto("team.heartbeat", rpc.HeartbeatRequest{TeamID: id}, nil)
	if err == nil {
		return nil
	}
	var rpcErr *daemon.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Kind == "not_found" {
		return team.ErrNotRegistered
	}
	return err
}
