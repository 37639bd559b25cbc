package p2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/comit-network/cnd/internal/errkind"
	"github.com/comit-network/cnd/internal/storage"
	"github.com/comit-network/cnd/pkg/logging"
)

// DirectProtocol is the libp2p protocol ID for the framed
// request/response channel carrying announce/announce_ok/announce_reject
// (spec §4.5).
const DirectProtocol protocol.ID = "/cnd/swap/direct/1.0.0"

// requestTimeout is the per-request deadline spec §5 fixes for every peer
// request ("every peer request carries a 30-second deadline").
const requestTimeout = 30 * time.Second

// outboxPollInterval is how often RunOutbox checks for due messages.
const outboxPollInterval = 5 * time.Second

// outboxBackoffBase and outboxBackoffCap bound the delay RunOutbox
// schedules after a failed delivery attempt (spec §5.5: "an outbox with
// retry and backoff").
const (
	outboxBackoffBase = 10 * time.Second
	outboxBackoffCap  = 10 * time.Minute
)

// AnnounceHandler is invoked for each inbound announce, returning either
// an AnnounceOKMessage or an AnnounceRejectMessage to send back (spec
// §4.5: "Either side MAY reject; rejection is final").
type AnnounceHandler func(ctx context.Context, from peer.ID, msg AnnounceMessage) (*AnnounceOKMessage, *AnnounceRejectMessage)

// Handler drives the direct request/response stream protocol: it
// dedups inbound messages by id (spec §4.5 "duplicates are idempotent"),
// dispatches announces to an AnnounceHandler, and lets callers make
// outbound announce requests that block for the matching response.
type Handler struct {
	host    host.Host
	store   *storage.Storage
	log     *logging.Logger
	onAnnounce AnnounceHandler

	mu        sync.Mutex
	pending   map[uint64]chan Frame
	encryptor *Encryptor
}

// NewHandler wires a Handler to an already-constructed libp2p host.
func NewHandler(h host.Host, store *storage.Storage, onAnnounce AnnounceHandler) *Handler {
	return &Handler{
		host:    h,
		store:   store,
		log:     logging.GetDefault().Component("p2p.handler"),
		onAnnounce: onAnnounce,
		pending: make(map[uint64]chan Frame),
	}
}

// SetEncryptor enables end-to-end sealing of outbound announces made via
// SendAnnounceEncrypted and opening of inbound TypeAnnounceEncrypted
// frames. Without it, encrypted announces cannot be sent or received.
func (h *Handler) SetEncryptor(e *Encryptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.encryptor = e
}

// Start registers the direct stream handler on the host.
func (h *Handler) Start() {
	h.host.SetStreamHandler(DirectProtocol, h.handleStream)
}

// Stop deregisters the stream handler.
func (h *Handler) Stop() {
	h.host.RemoveStreamHandler(DirectProtocol)
}

func (h *Handler) handleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	s.SetDeadline(time.Now().Add(requestTimeout))

	frame, err := ReadFrame(bufio.NewReader(s))
	if err != nil {
		h.log.Warn("failed to read frame", "peer", remote, "err", err)
		return
	}

	switch frame.Type {
	case TypeAnnounce:
		var msg AnnounceMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			h.log.Warn("malformed announce", "peer", remote, "err", err)
			return
		}
		h.handleAnnounce(s, remote, frame, msg)
	case TypeAnnounceEncrypted:
		h.mu.Lock()
		enc := h.encryptor
		h.mu.Unlock()
		if enc == nil {
			h.log.Warn("received encrypted announce with no encryptor configured", "peer", remote)
			return
		}
		var env Envelope
		if err := json.Unmarshal(frame.Body, &env); err != nil {
			h.log.Warn("malformed encrypted announce envelope", "peer", remote, "err", err)
			return
		}
		msg, err := enc.Open(&env)
		if err != nil {
			h.log.Warn("failed to open encrypted announce", "peer", remote, "err", err)
			return
		}
		h.handleAnnounce(s, remote, frame, *msg)
	case TypeAnnounceOK, TypeAnnounceReject:
		h.deliverResponse(frame)
	default:
		h.log.Warn("unrecognised message type on direct stream", "peer", remote, "type", frame.Type)
	}
}

func (h *Handler) handleAnnounce(s network.Stream, remote peer.ID, frame Frame, msg AnnounceMessage) {
	messageID := fmt.Sprintf("announce:%s", msg.SwapID)
	seen, err := h.store.HasReceived(messageID)
	if err != nil {
		h.log.Error("dedup lookup failed", "err", err)
		return
	}
	if seen {
		// Idempotent: a duplicate announce for a swap id already seen
		// draws no new response (spec §4.5).
		return
	}
	if err := h.store.RecordReceived(messageID, remote.String(), "announce", 0); err != nil {
		h.log.Error("failed to record received announce", "err", err)
	}

	ok, reject := h.onAnnounce(context.Background(), remote, msg)

	var resp Frame
	switch {
	case ok != nil:
		body, _ := json.Marshal(ok)
		resp = Frame{Type: TypeAnnounceOK, RequestID: frame.RequestID, Body: body}
	case reject != nil:
		body, _ := json.Marshal(reject)
		resp = Frame{Type: TypeAnnounceReject, RequestID: frame.RequestID, Body: body}
	default:
		return
	}

	if err := WriteFrame(s, resp); err != nil {
		h.log.Warn("failed to write announce response", "peer", remote, "err", err)
	}
}

func (h *Handler) deliverResponse(frame Frame) {
	h.mu.Lock()
	ch, ok := h.pending[frame.RequestID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

// SendAnnounce opens a stream to peer p, sends msg, and blocks until
// that peer's ok/reject response arrives or requestTimeout elapses
// (spec §4.5, §5: 30-second peer request deadline).
func (h *Handler) SendAnnounce(ctx context.Context, p peer.ID, msg AnnounceMessage) (*AnnounceOKMessage, *AnnounceRejectMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	s, err := h.host.NewStream(ctx, p, DirectProtocol)
	if err != nil {
		return nil, nil, errkind.Transientf(err, "open direct stream to %s", p)
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(requestTimeout))

	requestID := newRequestID()
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal announce: %w", err)
	}

	respCh := make(chan Frame, 1)
	h.mu.Lock()
	h.pending[requestID] = respCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
	}()

	if err := WriteFrame(s, Frame{Type: TypeAnnounce, RequestID: requestID, Body: body}); err != nil {
		return nil, nil, errkind.Transientf(err, "write announce frame")
	}

	frame, err := ReadFrame(bufio.NewReader(s))
	if err != nil {
		return nil, nil, errkind.Transientf(err, "read announce response")
	}

	switch frame.Type {
	case TypeAnnounceOK:
		var ok AnnounceOKMessage
		if err := json.Unmarshal(frame.Body, &ok); err != nil {
			return nil, nil, errkind.Violationf(err, "malformed announce_ok")
		}
		return &ok, nil, nil
	case TypeAnnounceReject:
		var reject AnnounceRejectMessage
		if err := json.Unmarshal(frame.Body, &reject); err != nil {
			return nil, nil, errkind.Violationf(err, "malformed announce_reject")
		}
		return nil, &reject, nil
	default:
		return nil, nil, errkind.Violationf(nil, "unexpected response type %d to announce", frame.Type)
	}
}

// EnqueueAnnounce persists an announce to the outbox for asynchronous
// delivery by RunOutbox (spec §5.5), for callers that need delivery to
// survive a restart rather than blocking on the peer's response the way
// SendAnnounce does.
func (h *Handler) EnqueueAnnounce(p peer.ID, msg AnnounceMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal announce: %w", err)
	}
	seq, err := h.store.NextLocalSequence(p.String())
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	now := time.Now()
	return h.store.EnqueueOutbound(&storage.OutboxMessage{
		MessageID:   fmt.Sprintf("announce:%s", msg.SwapID),
		PeerID:      p.String(),
		MessageType: "announce",
		Payload:     body,
		SequenceNum: seq,
		CreatedAt:   now,
		NextRetryAt: now,
	})
}

// RunOutbox drains due outbox messages on a fixed interval until ctx is
// cancelled, retrying failed deliveries with exponential backoff (spec
// §5.5). Run it as a background task alongside Start/Stop.
func (h *Handler) RunOutbox(ctx context.Context) {
	ticker := time.NewTicker(outboxPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.drainOutbox(ctx)
		}
	}
}

func (h *Handler) drainOutbox(ctx context.Context) {
	due, err := h.store.DuePending(time.Now())
	if err != nil {
		h.log.Error("failed to list due outbox messages", "err", err)
		return
	}
	for _, m := range due {
		h.deliverDue(ctx, m)
	}
}

func (h *Handler) deliverDue(ctx context.Context, m *storage.OutboxMessage) {
	if m.MessageType != "announce" {
		h.log.Warn("unsupported outbox message type, dropping", "type", m.MessageType, "id", m.MessageID)
		_ = h.store.MarkAcked(m.MessageID)
		return
	}

	p, err := peer.Decode(m.PeerID)
	if err != nil {
		h.log.Error("invalid outbox peer id, dropping", "peer", m.PeerID, "err", err)
		_ = h.store.MarkAcked(m.MessageID)
		return
	}

	var msg AnnounceMessage
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		h.log.Error("invalid outbox payload, dropping", "id", m.MessageID, "err", err)
		_ = h.store.MarkAcked(m.MessageID)
		return
	}

	if _, _, err := h.SendAnnounce(ctx, p, msg); err != nil {
		next := outboxBackoff(m.RetryCount)
		if rerr := h.store.RecordRetry(m.MessageID, time.Now().Add(next)); rerr != nil {
			h.log.Error("failed to record outbox retry", "id", m.MessageID, "err", rerr)
		}
		h.log.Warn("outbox delivery failed, will retry", "id", m.MessageID, "peer", m.PeerID, "in", next, "err", err)
		return
	}

	if err := h.store.MarkAcked(m.MessageID); err != nil {
		h.log.Error("failed to mark outbox message acked", "id", m.MessageID, "err", err)
	}
}

// outboxBackoff doubles outboxBackoffBase per prior retry, capped at
// outboxBackoffCap.
func outboxBackoff(retryCount int) time.Duration {
	d := outboxBackoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= outboxBackoffCap {
			return outboxBackoffCap
		}
	}
	return d
}

// SendAnnounceEncrypted behaves like SendAnnounce but seals msg into an
// Envelope addressed to p before sending, so only p can read the
// announce's contents (spec §4.5's handshake reveals asset pair,
// quantity, and identity keys, which an operator may not want legible to
// every node the stream happens to transit). Requires SetEncryptor to
// have been called.
func (h *Handler) SendAnnounceEncrypted(ctx context.Context, p peer.ID, msg AnnounceMessage) (*AnnounceOKMessage, *AnnounceRejectMessage, error) {
	h.mu.Lock()
	enc := h.encryptor
	h.mu.Unlock()
	if enc == nil {
		return nil, nil, fmt.Errorf("no encryptor configured")
	}

	env, err := enc.Seal(p, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("seal announce: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	s, err := h.host.NewStream(ctx, p, DirectProtocol)
	if err != nil {
		return nil, nil, errkind.Transientf(err, "open direct stream to %s", p)
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(requestTimeout))

	requestID := newRequestID()
	body, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal envelope: %w", err)
	}

	respCh := make(chan Frame, 1)
	h.mu.Lock()
	h.pending[requestID] = respCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
	}()

	if err := WriteFrame(s, Frame{Type: TypeAnnounceEncrypted, RequestID: requestID, Body: body}); err != nil {
		return nil, nil, errkind.Transientf(err, "write encrypted announce frame")
	}

	frame, err := ReadFrame(bufio.NewReader(s))
	if err != nil {
		return nil, nil, errkind.Transientf(err, "read announce response")
	}

	switch frame.Type {
	case TypeAnnounceOK:
		var ok AnnounceOKMessage
		if err := json.Unmarshal(frame.Body, &ok); err != nil {
			return nil, nil, errkind.Violationf(err, "malformed announce_ok")
		}
		return &ok, nil, nil
	case TypeAnnounceReject:
		var reject AnnounceRejectMessage
		if err := json.Unmarshal(frame.Body, &reject); err != nil {
			return nil, nil, errkind.Violationf(err, "malformed announce_reject")
		}
		return nil, &reject, nil
	default:
		return nil, nil, errkind.Violationf(nil, "unexpected response type %d to announce", frame.Type)
	}
}

func newRequestID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
