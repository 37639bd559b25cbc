package eventlog

import (
	"fmt"
	"time"

	"github.com/comit-network/cnd/internal/htlc"
	"github.com/comit-network/cnd/internal/storage"
	"github.com/comit-network/cnd/internal/swapfsm"
)

// Event kinds, matching the vocabulary spec §8's scenario walkthroughs
// name (e.g. S1: "Negotiated, FundedAlpha, DeployedBeta, FundedBeta,
// RedeemedBeta, RedeemedAlpha, plus terminal marker").
const (
	KindNegotiated = "negotiated"
	KindLifecycle  = "lifecycle" // deploy/fund/incorrectly_funded/redeem/refund, tagged by side+state
	KindHalted     = "halted"
	KindTerminal   = "terminal"
	KindHandle     = "handle" // a caller-reported on-chain handle (e.g. a deployed Ethereum contract address), tagged by side
)

// negotiatedPayload is recorded once, at swap creation.
type negotiatedPayload struct {
	Params swapfsm.Params `json:"params"`
}

// lifecyclePayload mirrors htlc.Event, re-expressed for the log (a
// *htlc.Secret doesn't marshal on its own, so it's carried as a hex
// string only when present).
type lifecyclePayload struct {
	Side     htlc.Side          `json:"side"`
	State    htlc.LifecycleState `json:"state"`
	TxID     string             `json:"tx_id,omitempty"`
	Preimage string             `json:"preimage,omitempty"`
	AtHeight uint64             `json:"at_height,omitempty"`
	AtTime   time.Time          `json:"at_time"`
}

type haltedPayload struct {
	Reason string `json:"reason"`
}

// handlePayload records a caller-reported on-chain handle for one side of
// a swap (spec §4.3: Ethereum's deployed contract address is only known
// once PerformedAction reports it, and must survive a restart so a
// respawned watcher can find it again without re-deploying).
type handlePayload struct {
	Side   htlc.Side `json:"side"`
	Handle string    `json:"handle"`
}

type terminalPayload struct {
	Phase swapfsm.Phase `json:"phase"`
}

// Log wraps storage.Storage with the eventlog encoding, providing the
// swap-facing append/replay API (spec §4.6).
type Log struct {
	store *storage.Storage
}

// New wraps a storage.Storage.
func New(store *storage.Storage) *Log {
	return &Log{store: store}
}

// AppendNegotiated records a swap's immutable params at negotiation time
// and creates its swaps-table row (spec §6 swaps table).
func (l *Log) AppendNegotiated(params swapfsm.Params) error {
	encoded, err := Encode(KindNegotiated, negotiatedPayload{Params: params})
	if err != nil {
		return err
	}
	if err := l.store.CreateSwap(&storage.SwapRecord{
		SwapID:    params.SwapID,
		Params:    encoded,
		Role:      string(params.Role),
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("create swap record: %w", err)
	}
	_, err = l.store.AppendEvent(params.SwapID, KindNegotiated, encoded)
	return err
}

// AppendLifecycle records a single watcher event. This is the
// write-ahead step (spec §4.6): the caller must not treat the event as
// having happened — must not redeem, refund, or otherwise act on it —
// until this call returns nil.
func (l *Log) AppendLifecycle(swapID string, ev htlc.Event) error {
	payload := lifecyclePayload{
		Side: ev.Side, State: ev.State, TxID: ev.TxID, AtHeight: ev.AtHeight, AtTime: ev.AtTime,
	}
	if ev.Preimage != nil {
		payload.Preimage = fmt.Sprintf("%x", ev.Preimage[:])
	}
	encoded, err := Encode(KindLifecycle, payload)
	if err != nil {
		return err
	}
	_, err = l.store.AppendEvent(swapID, KindLifecycle, encoded)
	return err
}

// AppendHalted records an IncidentHalted transition.
func (l *Log) AppendHalted(swapID, reason string) error {
	encoded, err := Encode(KindHalted, haltedPayload{Reason: reason})
	if err != nil {
		return err
	}
	_, err = l.store.AppendEvent(swapID, KindHalted, encoded)
	return err
}

// AppendHandle records a caller-reported on-chain handle for side, so a
// restarted daemon can re-arm that leg's watcher without needing the
// handle reported to it again (spec §4.3 Respawn).
func (l *Log) AppendHandle(swapID string, side htlc.Side, handle string) error {
	encoded, err := Encode(KindHandle, handlePayload{Side: side, Handle: handle})
	if err != nil {
		return err
	}
	_, err = l.store.AppendEvent(swapID, KindHandle, encoded)
	return err
}

// AppendTerminal records the swap's terminal phase, closing its log.
func (l *Log) AppendTerminal(swapID string, phase swapfsm.Phase) error {
	encoded, err := Encode(KindTerminal, terminalPayload{Phase: phase})
	if err != nil {
		return err
	}
	_, err = l.store.AppendEvent(swapID, KindTerminal, encoded)
	return err
}
