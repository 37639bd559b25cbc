package swapfsm

import (
	"time"

	"github.com/comit-network/cnd/internal/htlc"
	"github.com/comit-network/cnd/internal/ledger"
)

// NextActions computes exactly the set of actions the owning actor may
// legitimately perform in the current state (spec §4.3 "Action
// exposure"). It is a pure function of (state, params, ownSecret, now);
// the actor is responsible for persisting the decision to act
// (write-ahead, spec §4.6) before calling an adapter's Perform.
//
// ownSecret is the initiator's own chosen secret (generated once at
// negotiation, spec §4.1), supplied by the caller rather than stored on
// State: State only learns the secret once it is revealed by an
// observed redeem, so it never holds the plaintext before its intended
// reveal. It is nil for the responder and for the initiator before
// negotiation completes.
func NextActions(s State, params Params, ownSecret *htlc.Secret, now time.Time) []ledger.Action {
	if s.Halted {
		return nil
	}

	var actions []ledger.Action

	// Started + alpha not yet deployed/funded: the initiator deploys (if
	// alpha is a contract ledger) then funds; spec §4.3 treats deploy as
	// a no-op action on ledgers where it coincides with funding (the
	// adapter itself decides whether Deploy does anything).
	if params.Role == Initiator && s.Alpha == LegPending {
		actions = append(actions, ledger.Action{Kind: ledger.Deploy, Params: params.Alpha})
		actions = append(actions, ledger.Action{Kind: ledger.Fund, Params: params.Alpha})
	}
	if params.Role == Initiator && s.Alpha == LegDeployed {
		actions = append(actions, ledger.Action{Kind: ledger.Fund, Params: params.Alpha})
	}

	// Responder funds beta only once alpha has been observed funded —
	// the responder should never fund before confirming the initiator
	// has committed (mirrors the teacher's coordinator funding-order
	// guard, generalised to any ledger pair).
	if params.Role == Responder && legFundedOrBeyond(s.Alpha) && s.Beta == LegPending {
		actions = append(actions, ledger.Action{Kind: ledger.Deploy, Params: params.Beta})
		actions = append(actions, ledger.Action{Kind: ledger.Fund, Params: params.Beta})
	}
	if params.Role == Responder && legFundedOrBeyond(s.Alpha) && s.Beta == LegDeployed {
		actions = append(actions, ledger.Action{Kind: ledger.Fund, Params: params.Beta})
	}

	// Once the counter-party's leg is funded, the initiator redeems beta
	// (revealing the secret); the responder waits.
	if params.Role == Initiator && s.Beta == LegFunded {
		actions = append(actions, ledger.Action{Kind: ledger.Redeem, Params: params.Beta, Preimage: ownSecret})
	}

	// Once the counter-party's secret-revealing redeem is observed on
	// beta, the responder redeems alpha with the now-known secret.
	if params.Role == Responder && s.Beta == LegRedeemed && s.Alpha == LegFunded && s.Secret != nil {
		actions = append(actions, ledger.Action{Kind: ledger.Redeem, Params: params.Alpha, Preimage: s.Secret})
	}

	// Refund whichever side this actor funded, once it has expired and
	// was not redeemed.
	if params.Role == Initiator && s.Alpha == LegFunded && params.Alpha.Expired(now) {
		actions = append(actions, ledger.Action{Kind: ledger.Refund, Params: params.Alpha})
	}
	if params.Role == Responder && s.Beta == LegFunded && params.Beta.Expired(now) {
		actions = append(actions, ledger.Action{Kind: ledger.Refund, Params: params.Beta})
	}
	if params.Role == Initiator && s.Alpha == LegIncorrectlyFunded && params.Alpha.Expired(now) {
		actions = append(actions, ledger.Action{Kind: ledger.Refund, Params: params.Alpha})
	}
	if params.Role == Responder && s.Beta == LegIncorrectlyFunded && params.Beta.Expired(now) {
		actions = append(actions, ledger.Action{Kind: ledger.Refund, Params: params.Beta})
	}

	return actions
}
