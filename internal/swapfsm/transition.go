package swapfsm

import (
	"fmt"

	"github.com/comit-network/cnd/internal/errkind"
	"github.com/comit-network/cnd/internal/htlc"
)

// Apply folds a single watcher event into the current state, returning
// the new state (spec §4.3: "driven strictly by watcher events"). Apply
// never returns an error for well-formed events; a malformed preimage on
// a Redeemed event is an errkind.ProtocolViolation, since it means an
// adapter delivered an event its own verification should have rejected.
func Apply(s State, params Params, ev htlc.Event) (State, error) {
	if s.Halted {
		// A halted swap accepts no further transitions (spec §4.3
		// IncidentHalted is terminal); events are dropped, not errored,
		// since they may simply be watchers still draining in flight.
		return s, nil
	}

	switch ev.State {
	case htlc.Deployed:
		return applyDeployed(s, ev.Side), nil

	case htlc.Funded:
		return applyFunded(s, ev.Side), nil

	case htlc.IncorrectlyFunded:
		return applyIncorrectlyFunded(s, ev.Side), nil

	case htlc.Redeemed:
		return applyRedeemed(s, params, ev)

	case htlc.Refunded:
		return applyRefunded(s, ev.Side), nil

	default:
		return s, fmt.Errorf("unrecognised lifecycle state %q", ev.State)
	}
}

// applyDeployed is a no-op once the leg has progressed past Deployed;
// duplicate or late deployment notifications are simply ignored.
func applyDeployed(s State, side htlc.Side) State {
	if s.leg(side) == LegPending {
		s.setLeg(side, LegDeployed)
	}
	return s
}

// applyFunded implements the "first finalised wins" tie-break (spec
// §4.3): once a leg is Funded, a second Funded event for the same side
// is ignored rather than re-processed.
func applyFunded(s State, side htlc.Side) State {
	switch s.leg(side) {
	case LegPending, LegDeployed:
		s.setLeg(side, LegFunded)
	}
	return s
}

func applyIncorrectlyFunded(s State, side htlc.Side) State {
	switch s.leg(side) {
	case LegPending, LegDeployed:
		s.setLeg(side, LegIncorrectlyFunded)
	}
	return s
}

// applyRedeemed verifies the extracted preimage against the redeemed
// side's secret hash (spec §4.1: extraction is mandatory and verified),
// records the secret so the other leg's redeem action becomes available
// (spec §4.3: a Redeemed{beta} event arms the alpha watcher with the
// secret), and marks the leg redeemed. A redeem observed before the
// local daemon performed it itself (e.g. by a third party) is accepted
// identically (spec §4.3 edge case).
func applyRedeemed(s State, params Params, ev htlc.Event) (State, error) {
	if ev.Preimage == nil {
		return s, errkind.Violationf(nil, "redeemed event for %s missing extracted preimage", ev.Side)
	}

	expected := params.Alpha.SecretHash
	if ev.Side == htlc.Beta {
		expected = params.Beta.SecretHash
	}
	if !expected.Verify(*ev.Preimage) {
		return s, errkind.Violationf(nil, "redeemed event for %s carried a preimage that does not match secret_hash", ev.Side)
	}

	if s.leg(ev.Side) != LegRedeemed {
		s.setLeg(ev.Side, LegRedeemed)
	}
	if s.Secret == nil {
		secret := *ev.Preimage
		s.Secret = &secret
	}
	return s, nil
}

// applyRefunded ignores a refund observed after the leg already redeemed
// — the two are mutually exclusive on any correctly functioning ledger,
// so a stale or duplicate refund notification is simply dropped.
func applyRefunded(s State, side htlc.Side) State {
	if s.leg(side) != LegRedeemed {
		s.setLeg(side, LegRefunded)
	}
	return s
}

// Halt transitions the swap to IncidentHalted with no automatic
// remediation; the coordinator calls it when Apply rejects an event.
func Halt(s State, reason string) State {
	s.Halted = true
	s.HaltReason = reason
	return s
}
