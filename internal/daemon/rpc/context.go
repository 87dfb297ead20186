package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leonletto/loom/internal/coord"
	"github.com/leonletto/loom/internal/sharedctx"
)

// ContextHandler serves the context.* methods.
type ContextHandler struct {
	coord *coord.Coordinator
}

func NewContextHandler(c *coord.Coordinator) *ContextHandler {
	return &ContextHandler{coord: c}
}

type SyncContextRequest struct {
	TeamID string            `json:"team_id"`
	Values map[string]string `json:"values"`
}

type SyncContextResponse struct {
	MergedKeys []string `json:"merged_keys"`
}

func (h *ContextHandler) HandleSync(_ context.Context, params json.RawMessage) (any, error) {
	var req SyncContextRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	merged, err := h.coord.SynchronizeContext(req.TeamID, req.Values)
	if err != nil {
		return nil, err
	}
	return SyncContextResponse{MergedKeys: merged}, nil
}

type GetContextResponse struct {
	Entries map[string]sharedctx.Entry `json:"entries"`
}

func (h *ContextHandler) HandleGet(_ context.Context, _ json.RawMessage) (any, error) {
	entries, err := h.coord.SharedContext()
	if err != nil {
		return nil, err
	}
	return GetContextResponse{Entries: entries}, nil
}
