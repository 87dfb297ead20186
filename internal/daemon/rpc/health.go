package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leonletto/loom/internal/coord"
)

// HealthHandler serves the health method.
type HealthHandler struct {
	coord     *coord.Coordinator
	startedAt time.Time
	version   string
}

func NewHealthHandler(c *coord.Coordinator, startedAt time.Time, version string) *HealthHandler {
	return &HealthHandler{coord: c, startedAt: startedAt, version: version}
}

type HealthResponse struct {
	Status        string       `json:"status"`
	Version       string       `json:"version,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	System        coord.Health `json:"system"`
}

func (h *HealthHandler) Handle(ctx context.Context, _ json.RawMessage) (any, error) {
	system, err := h.coord.SystemHealth(ctx)
	if err != nil {
		return nil, err
	}
	return HealthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		System:        system,
	}, nil
}
