// Package control implements the control surface consumed from the HTTP
// layer (spec §6): a JSON-RPC 2.0 request/response server, following the
// teacher's own rpc.Server shape, plus a websocket event push for swap
// state changes.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comit-network/cnd/pkg/logging"
)

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Core is the subset of the daemon's core the control surface drives
// (spec §6 "Control surface consumed by the core from the HTTP layer").
// Binding a concrete Core implementation to a Server is the integration
// seam between internal/control and the core; swapcoord.Coordinator is
// that implementation.
type Core interface {
	PostOrder(ctx context.Context, order PostOrderParams) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	AcceptAnnounce(ctx context.Context, swapID string) error
	RejectAnnounce(ctx context.Context, swapID string) error
	GetNextAction(ctx context.Context, swapID string) (*NextActionResult, error)
	PerformedAction(ctx context.Context, swapID, actionKind, side, onChainHandle string) error
}

// PostOrderParams is the post_order request body.
type PostOrderParams struct {
	Position   string `json:"position"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Quantity   uint64 `json:"quantity"`
	Price      string `json:"price"`
}

// NextActionResult is the get_next_action response body; its fields are
// empty when the swap has no action currently exposed (spec §4.3 "Action
// exposure").
type NextActionResult struct {
	ActionKind string          `json:"action_kind,omitempty"`
	Side       string          `json:"side,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Server is the control-surface HTTP binding.
type Server struct {
	core Core
	log  *logging.Logger
	hub  *wsHub

	httpServer *http.Server
	listener   net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewServer builds a Server bound to core; callers dial it with Listen.
func NewServer(core Core) *Server {
	s := &Server{
		core:     core,
		log:      logging.GetDefault().Component("control"),
		hub:      newWSHub(),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["post_order"] = s.handlePostOrder
	s.handlers["cancel_order"] = s.handleCancelOrder
	s.handlers["accept_announce"] = s.handleAcceptAnnounce
	s.handlers["reject_announce"] = s.handleRejectAnnounce
	s.handlers["get_next_action"] = s.handleGetNextAction
	s.handlers["performed_action"] = s.handlePerformedAction
}

// Listen binds address and starts serving; it returns once the listener
// is bound (spec §6 CLI exit codes: a bind failure here is a fatal
// startup error).
func (s *Server) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to bind control surface at %s: %w", address, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("control surface server stopped", "err", err)
		}
	}()

	s.log.Info("control surface listening", "address", address)
	return nil
}

// Shutdown gracefully stops the HTTP server (spec §5 shutdown sequence
// step: "persisting the event log, closing watchers and peers" happens
// around this call, not inside it).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Broadcast pushes an event to every connected websocket client (used by
// the swap actor loop to announce phase transitions).
func (s *Server) Broadcast(event any) {
	s.hub.broadcast(event)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, Response{JSONRPC: "2.0", Error: &Error{Code: ParseError, Message: "invalid JSON"}})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: MethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}})
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: InternalError, Message: err.Error()}})
		return
	}
	writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	s.hub.register(conn)
}
