package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeCore struct {
	postOrderErr  error
	nextAction    *NextActionResult
	acceptedSwaps []string
	rejectedSwaps []string
}

func (f *fakeCore) PostOrder(ctx context.Context, order PostOrderParams) (string, error) {
	if f.postOrderErr != nil {
		return "", f.postOrderErr
	}
	return "order-123", nil
}

func (f *fakeCore) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (f *fakeCore) AcceptAnnounce(ctx context.Context, swapID string) error {
	f.acceptedSwaps = append(f.acceptedSwaps, swapID)
	return nil
}

func (f *fakeCore) RejectAnnounce(ctx context.Context, swapID string) error {
	f.rejectedSwaps = append(f.rejectedSwaps, swapID)
	return nil
}

func (f *fakeCore) GetNextAction(ctx context.Context, swapID string) (*NextActionResult, error) {
	if f.nextAction != nil {
		return f.nextAction, nil
	}
	return &NextActionResult{}, nil
}

func (f *fakeCore) PerformedAction(ctx context.Context, swapID, actionKind, side, onChainHandle string) error {
	return nil
}

func doRPC(t *testing.T, handler http.Handler, req Request) Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	handler.ServeHTTP(w, r)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v, body=%s", err, w.Body.String())
	}
	return resp
}

func newTestServerHandler(core Core) http.HandlerFunc {
	s := NewServer(core)
	return s.handleRPC
}

func TestHandleRPCDispatchesPostOrder(t *testing.T) {
	core := &fakeCore{}
	handler := newTestServerHandler(core)

	params, _ := json.Marshal(PostOrderParams{Position: "buy", BaseAsset: "bitcoin", QuoteAsset: "ethereum", Quantity: 1, Price: "1/1"})
	resp := doRPC(t, handler, Request{JSONRPC: "2.0", Method: "post_order", Params: params, ID: 1})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if result["order_id"] != "order-123" {
		t.Errorf("order_id = %v, want order-123", result["order_id"])
	}
}

func TestHandleRPCReturnsMethodNotFound(t *testing.T) {
	handler := newTestServerHandler(&fakeCore{})

	resp := doRPC(t, handler, Request{JSONRPC: "2.0", Method: "no_such_method", ID: 1})
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp.Error)
	}
}

func TestHandleRPCReturnsParseErrorOnBadJSON(t *testing.T) {
	s := NewServer(&fakeCore{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte("not json")))
	s.handleRPC(w, r)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Fatalf("expected ParseError, got %+v", resp.Error)
	}
}

func TestHandleRPCPropagatesCoreErrorAsInternalError(t *testing.T) {
	core := &fakeCore{postOrderErr: fmt.Errorf("book is closed")}
	handler := newTestServerHandler(core)

	params, _ := json.Marshal(PostOrderParams{Position: "buy"})
	resp := doRPC(t, handler, Request{JSONRPC: "2.0", Method: "post_order", Params: params, ID: 1})

	if resp.Error == nil || resp.Error.Code != InternalError {
		t.Fatalf("expected InternalError, got %+v", resp.Error)
	}
}

func TestHandleRPCAcceptAndRejectAnnounce(t *testing.T) {
	core := &fakeCore{}
	handler := newTestServerHandler(core)

	params, _ := json.Marshal(map[string]string{"swap_id": "swap-1"})
	resp := doRPC(t, handler, Request{JSONRPC: "2.0", Method: "accept_announce", Params: params, ID: 1})
	if resp.Error != nil {
		t.Fatalf("accept_announce: %+v", resp.Error)
	}
	if len(core.acceptedSwaps) != 1 || core.acceptedSwaps[0] != "swap-1" {
		t.Errorf("acceptedSwaps = %v", core.acceptedSwaps)
	}

	params, _ = json.Marshal(map[string]string{"swap_id": "swap-2"})
	resp = doRPC(t, handler, Request{JSONRPC: "2.0", Method: "reject_announce", Params: params, ID: 2})
	if resp.Error != nil {
		t.Fatalf("reject_announce: %+v", resp.Error)
	}
	if len(core.rejectedSwaps) != 1 || core.rejectedSwaps[0] != "swap-2" {
		t.Errorf("rejectedSwaps = %v", core.rejectedSwaps)
	}
}

func TestHandleRPCGetNextAction(t *testing.T) {
	core := &fakeCore{nextAction: &NextActionResult{ActionKind: "redeem"}}
	handler := newTestServerHandler(core)

	params, _ := json.Marshal(map[string]string{"swap_id": "swap-1"})
	resp := doRPC(t, handler, Request{JSONRPC: "2.0", Method: "get_next_action", Params: params, ID: 1})
	if resp.Error != nil {
		t.Fatalf("get_next_action: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if result["action_kind"] != "redeem" {
		t.Errorf("action_kind = %v, want redeem", result["action_kind"])
	}
}
