// Package rpc holds the daemon's request handlers. Each handler is a
// thin translation layer: decode params, call the coordinator, shape
// the response. All policy lives in the coordinator.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leonletto/loom/internal/coord"
	"github.com/leonletto/loom/internal/team"
)

// TeamHandler serves the team.* methods.
type TeamHandler struct {
	coord *coord.Coordinator
}

func NewTeamHandler(c *coord.Coordinator) *TeamHandler {
	return &TeamHandler{coord: c}
}

// RegisterRequest enrolls a team, or reactivates an isolated one.
type RegisterRequest struct {
	TeamID       string   `json:"team_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type RegisterResponse struct {
	Team        team.Team `json:"team"`
	Reactivated bool      `json:"reactivated"`
}

func (h *TeamHandler) HandleRegister(_ context.Context, params json.RawMessage) (any, error) {
	var req RegisterRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	registered, reactivated, err := h.coord.RegisterTeam(req.TeamID, req.DisplayName, req.Capabilities)
	if err != nil {
		return nil, err
	}
	return RegisterResponse{Team: registered, Reactivated: reactivated}, nil
}

type HeartbeatRequest struct {
	TeamID string `json:"team_id"`
}

type HeartbeatResponse struct {
	OK bool `json:"ok"`
}

func (h *TeamHandler) HandleHeartbeat(_ context.Context, params json.RawMessage) (any, error) {
	var req HeartbeatRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := h.coord.Heartbeat(req.TeamID); err != nil {
		return nil, err
	}
	return HeartbeatResponse{OK: true}, nil
}

type UnregisterRequest struct {
	TeamID string `json:"team_id"`
}

type UnregisterResponse struct {
	Removed           bool     `json:"removed"`
	ReleasedResources []string `json:"released_resources,omitempty"`
}

func (h *TeamHandler) HandleUnregister(_ context.Context, params json.RawMessage) (any, error) {
	var req UnregisterRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	released, removed, err := h.coord.UnregisterTeam(req.TeamID)
	if err != nil {
		return nil, err
	}
	return UnregisterResponse{Removed: removed, ReleasedResources: released}, nil
}

type GetTeamRequest struct {
	TeamID string `json:"team_id"`
}

type GetTeamResponse struct {
	Team team.Team `json:"team"`
}

func (h *TeamHandler) HandleGet(_ context.Context, params json.RawMessage) (any, error) {
	var req GetTeamRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	found, err := h.coord.GetTeam(req.TeamID)
	if err != nil {
		return nil, err
	}
	return GetTeamResponse{Team: found}, nil
}

type ListTeamsResponse struct {
	Teams []team.Team `json:"teams"`
}

func (h *TeamHandler) HandleList(_ context.Context, _ json.RawMessage) (any, error) {
	teams, err := h.coord.ListTeams()
	if err != nil {
		return nil, err
	}
	return ListTeamsResponse{Teams: teams}, nil
}
