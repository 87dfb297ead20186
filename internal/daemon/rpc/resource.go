package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leonletto/loom/internal/coord"
	"github.com/leonletto/loom/internal/lease"
)

// ResourceHandler serves the resource.* methods.
type ResourceHandler struct {
	coord *coord.Coordinator
}

func NewResourceHandler(c *coord.Coordinator) *ResourceHandler {
	return &ResourceHandler{coord: c}
}

// ReserveRequest claims exclusive use of a resource. TTLSeconds 0 means
// the configured default; negative means no expiry.
type ReserveRequest struct {
	TeamID     string `json:"team_id"`
	ResourceID string `json:"resource_id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type ReserveResponse struct {
	Reservation lease.Reservation `json:"reservation"`
}

func (h *ResourceHandler) HandleReserve(_ context.Context, params json.RawMessage) (any, error) {
	var req ReserveRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	reserved, err := h.coord.ReserveResource(req.TeamID, req.ResourceID, ttl)
	if err != nil {
		return nil, err
	}
	return ReserveResponse{Reservation: reserved}, nil
}

type ReleaseRequest struct {
	TeamID     string `json:"team_id"`
	ResourceID string `json:"resource_id"`
}

type ReleaseResponse struct {
	Released bool `json:"released"`
}

func (h *ResourceHandler) HandleRelease(_ context.Context, params json.RawMessage) (any, error) {
	var req ReleaseRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	released, err := h.coord.ReleaseResource(req.TeamID, req.ResourceID)
	if err != nil {
		return nil, err
	}
	return ReleaseResponse{Released: released}, nil
}

// ListLeasesRequest filters by team when TeamID is set.
type ListLeasesRequest struct {
	TeamID string `json:"team_id,omitempty"`
}

type ListLeasesResponse struct {
	Leases []lease.Reservation `json:"leases"`
}

func (h *ResourceHandler) HandleList(_ context.Context, params json.RawMessage) (any, error) {
	var req ListLeasesRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
	}
	leases, err := h.coord.ListLeases()
	if err != nil {
		return nil, err
	}
	if req.TeamID != "" {
		filtered := leases[:0]
		for _, l := range leases {
			if l.TeamID == req.TeamID {
				filtered = append(filtered, l)
			}
		}
		leases = filtered
	}
	return ListLeasesResponse{Leases: leases}, nil
}
