package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leonletto/loom/internal/bridge"
	"github.com/leonletto/loom/internal/coord"
)

// BridgeHandler serves the bridge.* methods.
type BridgeHandler struct {
	coord *coord.Coordinator
}

func NewBridgeHandler(c *coord.Coordinator) *BridgeHandler {
	return &BridgeHandler{coord: c}
}

type CreateBridgeRequest struct {
	TeamA   string `json:"team_a"`
	TeamB   string `json:"team_b"`
	Context string `json:"context,omitempty"`
}

type CreateBridgeResponse struct {
	Bridge bridge.Bridge `json:"bridge"`
}

func (h *BridgeHandler) HandleCreate(ctx context.Context, params json.RawMessage) (any, error) {
	var req CreateBridgeRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	created, err := h.coord.CreateBridge(ctx, req.TeamA, req.TeamB, req.Context)
	if err != nil {
		return nil, err
	}
	return CreateBridgeResponse{Bridge: created}, nil
}

type SendRequest struct {
	BridgeID string `json:"bridge_id"`
	FromTeam string `json:"from_team"`
	Body     string `json:"body"`
}

type SendResponse struct {
	Message bridge.Message `json:"message"`
}

func (h *BridgeHandler) HandleSend(ctx context.Context, params json.RawMessage) (any, error) {
	var req SendRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	sent, err := h.coord.SendMessage(ctx, req.BridgeID, req.FromTeam, req.Body)
	if err != nil {
		return nil, err
	}
	return SendResponse{Message: sent}, nil
}

// MessagesRequest fetches a team's messages, optionally scoped to one
// bridge.
type MessagesRequest struct {
	TeamID   string `json:"team_id"`
	BridgeID string `json:"bridge_id,omitempty"`
}

type MessagesResponse struct {
	Messages []bridge.Message `json:"messages"`
}

func (h *BridgeHandler) HandleMessages(ctx context.Context, params json.RawMessage) (any, error) {
	var req MessagesRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	msgs, err := h.coord.Messages(ctx, req.TeamID, req.BridgeID)
	if err != nil {
		return nil, err
	}
	return MessagesResponse{Messages: msgs}, nil
}

type ListBridgesRequest struct {
	TeamID string `json:"team_id"`
}

type ListBridgesResponse struct {
	Bridges []bridge.Bridge `json:"bridges"`
}

func (h *BridgeHandler) HandleList(ctx context.Context, params json.RawMessage) (any, error) {
	var req ListBridgesRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	bridges, err := h.coord.ListBridges(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}
	return ListBridgesResponse{Bridges: bridges}, nil
}

// CleanupRequest prunes bridges idle longer than MaxAge (a Go duration
// string; empty means the configured default). DryRun reports without
// deleting.
type CleanupRequest struct {
	MaxAge string `json:"max_age,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

type CleanupResponse struct {
	BridgeIDs []string `json:"bridge_ids"`
	DryRun    bool     `json:"dry_run"`
}

func (h *BridgeHandler) HandleCleanup(ctx context.Context, params json.RawMessage) (any, error) {
	var req CleanupRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
	}
	var maxAge time.Duration
	if req.MaxAge != "" {
		parsed, err := time.ParseDuration(req.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("invalid request: max_age: %w", err)
		}
		maxAge = parsed
	}
	pruned, err := h.coord.CleanupBridges(ctx, maxAge, req.DryRun)
	if err != nil {
		return nil, err
	}
	return CleanupResponse{BridgeIDs: pruned, DryRun: req.DryRun}, nil
}
