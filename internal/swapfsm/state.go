// Package swapfsm implements the swap state machine (spec §4.3): a pure
// (state, event) -> state' transition function driven strictly by
// watcher events, plus the action-exposure rule that tells the owning
// actor what it may legitimately do next.
package swapfsm

import (
	"time"

	"github.com/comit-network/cnd/internal/htlc"
)

// Role is which party to the swap the local daemon is playing (spec §3:
// Alice is the initiator and chooses the secret; Bob is the responder).
type Role string

const (
	Initiator Role = "initiator"
	Responder Role = "responder"
)

// Params is the immutable negotiated data of one swap (spec §4.1, §4.3):
// both sides' HTLC parameters plus which role the local daemon plays.
type Params struct {
	SwapID string
	Role   Role
	Alpha  htlc.Params
	Beta   htlc.Params
}

// LegState is the lifecycle of a single side's HTLC, tracked
// independently so "Both*" phases can account for either side reaching a
// milestone first (spec §4.3: "'Both' states account for events arriving
// in either order").
type LegState string

const (
	LegPending           LegState = "pending"
	LegDeployed          LegState = "deployed"
	LegFunded            LegState = "funded"
	LegIncorrectlyFunded LegState = "incorrectly_funded"
	LegRedeemed          LegState = "redeemed"
	LegRefunded          LegState = "refunded"
)

// Phase is the coarse swap-wide state named in spec §4.3's state chain.
// It is derived from (Alpha, Beta) rather than stored directly, so the
// legal combinations (e.g. alpha deployed, beta still pending) need no
// separate enum member.
type Phase string

const (
	PhaseStarted       Phase = "started"
	PhaseBothDeployed  Phase = "both_deployed"
	PhaseBothFunded    Phase = "both_funded"
	PhaseAlphaRedeemed Phase = "alpha_redeemed"
	PhaseBetaRedeemed  Phase = "beta_redeemed"
	PhaseBothRedeemed  Phase = "both_redeemed"
	PhaseAlphaRefunded Phase = "alpha_refunded"
	PhaseBetaRefunded  Phase = "beta_refunded"
	PhaseBothRefunded  Phase = "both_refunded"
	PhaseIncidentHalted Phase = "incident_halted"
)

// Terminal reports whether p is one of spec §4.3's starred terminal
// states.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseBothRedeemed, PhaseBothRefunded, PhaseIncidentHalted:
		return true
	default:
		return false
	}
}

// State is the full swap-machine state: the two legs' lifecycles, the
// secret once it has been revealed on either side, and whether an
// incident (an event the machine rejects) has halted the swap (spec §4.3,
// §7).
type State struct {
	Alpha   LegState
	Beta    LegState
	Secret  *htlc.Secret
	Halted  bool
	HaltReason string
}

// Initial is the starting state of every swap (spec §4.3 "Started").
func Initial() State {
	return State{Alpha: LegPending, Beta: LegPending}
}

// Phase derives the coarse phase from the current leg states.
func (s State) Phase() Phase {
	if s.Halted {
		return PhaseIncidentHalted
	}

	switch {
	case s.Alpha == LegRedeemed && s.Beta == LegRedeemed:
		return PhaseBothRedeemed
	case s.Alpha == LegRefunded && s.Beta == LegRefunded:
		return PhaseBothRefunded
	case s.Alpha == LegRedeemed:
		return PhaseAlphaRedeemed
	case s.Beta == LegRedeemed:
		return PhaseBetaRedeemed
	case s.Alpha == LegRefunded:
		return PhaseAlphaRefunded
	case s.Beta == LegRefunded:
		return PhaseBetaRefunded
	case s.Alpha == LegIncorrectlyFunded || s.Beta == LegIncorrectlyFunded:
		return PhaseStarted
	case legFundedOrBeyond(s.Alpha) && legFundedOrBeyond(s.Beta):
		return PhaseBothFunded
	case legDeployedOrBeyond(s.Alpha) && legDeployedOrBeyond(s.Beta):
		return PhaseBothDeployed
	default:
		return PhaseStarted
	}
}

func legDeployedOrBeyond(l LegState) bool {
	switch l {
	case LegDeployed, LegFunded, LegIncorrectlyFunded, LegRedeemed, LegRefunded:
		return true
	default:
		return false
	}
}

func legFundedOrBeyond(l LegState) bool {
	switch l {
	case LegFunded, LegIncorrectlyFunded, LegRedeemed, LegRefunded:
		return true
	default:
		return false
	}
}

func (s State) leg(side htlc.Side) LegState {
	if side == htlc.Alpha {
		return s.Alpha
	}
	return s.Beta
}

func (s *State) setLeg(side htlc.Side, l LegState) {
	if side == htlc.Alpha {
		s.Alpha = l
	} else {
		s.Beta = l
	}
}

// now is overridable in tests; production code always uses time.Now.
var now = time.Now
