package control

import (
	"context"
	"encoding/json"
	"fmt"
)

func (s *Server) handlePostOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PostOrderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid post_order params: %w", err)
	}
	orderID, err := s.core.PostOrder(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]string{"order_id": orderID}, nil
}

func (s *Server) handleCancelOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid cancel_order params: %w", err)
	}
	if err := s.core.CancelOrder(ctx, p.OrderID); err != nil {
		return nil, err
	}
	return map[string]bool{"cancelled": true}, nil
}

func (s *Server) handleAcceptAnnounce(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SwapID string `json:"swap_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid accept_announce params: %w", err)
	}
	if err := s.core.AcceptAnnounce(ctx, p.SwapID); err != nil {
		return nil, err
	}
	return map[string]bool{"accepted": true}, nil
}

func (s *Server) handleRejectAnnounce(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SwapID string `json:"swap_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid reject_announce params: %w", err)
	}
	if err := s.core.RejectAnnounce(ctx, p.SwapID); err != nil {
		return nil, err
	}
	return map[string]bool{"rejected": true}, nil
}

func (s *Server) handleGetNextAction(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SwapID string `json:"swap_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid get_next_action params: %w", err)
	}
	result, err := s.core.GetNextAction(ctx, p.SwapID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return NextActionResult{}, nil
	}
	return *result, nil
}

func (s *Server) handlePerformedAction(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SwapID        string `json:"swap_id"`
		ActionKind    string `json:"action_kind"`
		Side          string `json:"side"`
		OnChainHandle string `json:"on_chain_handle"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid performed_action params: %w", err)
	}
	if err := s.core.PerformedAction(ctx, p.SwapID, p.ActionKind, p.Side, p.OnChainHandle); err != nil {
		return nil, err
	}
	return map[string]bool{"recorded": true}, nil
}
