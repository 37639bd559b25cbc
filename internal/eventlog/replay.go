package eventlog

import (
	"encoding/hex"
	"fmt"

	"github.com/comit-network/cnd/internal/htlc"
	"github.com/comit-network/cnd/internal/swapfsm"
)

// Replayed is the reconstructed in-memory state of one swap after
// restart (spec §4.3 "Respawn": "the state machine is a pure function
// of the persisted event log plus current ledger state").
type Replayed struct {
	Params swapfsm.Params
	State  swapfsm.State
	// LastHeight is, per side, the highest at_height observed in the
	// log, used to re-arm watchers via each adapter's start_from
	// capability rather than rescanning from genesis.
	LastHeight map[htlc.Side]uint64
	// Handles is, per side, the last caller-reported on-chain handle
	// (e.g. a deployed Ethereum contract address), so a respawned
	// ledger.AddressWatcher leg can be re-armed without needing the
	// handle reported again.
	Handles map[htlc.Side]string
}

// Replay loads swapID's full event log and folds it through the
// swapfsm transition function to reconstruct its current state (spec §8
// property 3: "idempotent replay" — replaying the same log twice
// produces the same state, since Apply is pure).
func (l *Log) Replay(swapID string) (*Replayed, error) {
	rec, err := l.store.GetSwap(swapID)
	if err != nil {
		return nil, fmt.Errorf("load swap record: %w", err)
	}

	var negotiated negotiatedPayload
	if err := Decode(rec.Params, KindNegotiated, &negotiated); err != nil {
		return nil, fmt.Errorf("decode negotiated params: %w", err)
	}

	events, err := l.store.LoadEvents(swapID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	result := &Replayed{
		Params:     negotiated.Params,
		State:      swapfsm.Initial(),
		LastHeight: make(map[htlc.Side]uint64),
		Handles:    make(map[htlc.Side]string),
	}

	for _, rawEvent := range events {
		switch rawEvent.Kind {
		case KindNegotiated:
			continue // already consumed from the swaps-table row

		case KindLifecycle:
			var payload lifecyclePayload
			if err := Decode(rawEvent.Payload, KindLifecycle, &payload); err != nil {
				return nil, fmt.Errorf("decode lifecycle event seq %d: %w", rawEvent.SeqNo, err)
			}
			ev := htlc.Event{
				Side: payload.Side, State: payload.State, TxID: payload.TxID,
				AtHeight: payload.AtHeight, AtTime: payload.AtTime,
			}
			if payload.Preimage != "" {
				preimage, err := decodeHexSecret(payload.Preimage)
				if err != nil {
					return nil, fmt.Errorf("decode preimage at seq %d: %w", rawEvent.SeqNo, err)
				}
				ev.Preimage = &preimage
			}

			result.State, err = swapfsm.Apply(result.State, result.Params, ev)
			if err != nil {
				return nil, fmt.Errorf("replay event seq %d: %w", rawEvent.SeqNo, err)
			}
			if payload.AtHeight > result.LastHeight[payload.Side] {
				result.LastHeight[payload.Side] = payload.AtHeight
			}

		case KindHandle:
			var payload handlePayload
			if err := Decode(rawEvent.Payload, KindHandle, &payload); err != nil {
				return nil, fmt.Errorf("decode handle event seq %d: %w", rawEvent.SeqNo, err)
			}
			result.Handles[payload.Side] = payload.Handle

		case KindHalted:
			var payload haltedPayload
			if err := Decode(rawEvent.Payload, KindHalted, &payload); err != nil {
				return nil, fmt.Errorf("decode halted event seq %d: %w", rawEvent.SeqNo, err)
			}
			result.State = swapfsm.Halt(result.State, payload.Reason)

		case KindTerminal:
			continue // informational; State already reflects the terminal phase

		default:
			return nil, fmt.Errorf("unrecognised event kind %q at seq %d", rawEvent.Kind, rawEvent.SeqNo)
		}
	}

	return result, nil
}

// ReplayAll reconstructs every known swap, for use at daemon startup
// (spec §4.3 Respawn applies to the whole swap population, not one
// swap).
func (l *Log) ReplayAll() (map[string]*Replayed, error) {
	swaps, err := l.store.ListSwaps()
	if err != nil {
		return nil, fmt.Errorf("list swaps: %w", err)
	}

	out := make(map[string]*Replayed, len(swaps))
	for _, rec := range swaps {
		replayed, err := l.Replay(rec.SwapID)
		if err != nil {
			return nil, fmt.Errorf("replay swap %s: %w", rec.SwapID, err)
		}
		out[rec.SwapID] = replayed
	}
	return out, nil
}

func decodeHexSecret(s string) (htlc.Secret, error) {
	var out htlc.Secret
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("preimage hex has wrong length: %d bytes", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
