// Package ledger defines the uniform adapter surface that lets the swap
// state machine drive Bitcoin, Ethereum, and Lightning identically (spec
// §4.2 "Ledger adapter capability set"), plus the three concrete adapters.
package ledger

import (
	"context"

	"github.com/comit-network/cnd/internal/htlc"
)

// Action is an instruction the state machine hands to an adapter: deploy,
// fund, redeem, or refund one side's HTLC. Adapters translate an Action
// into the ledger-specific transaction, invoice, or contract call.
type Action struct {
	Kind     ActionKind
	Params   htlc.Params
	Preimage *htlc.Secret // set only for Kind == Redeem
}

// ActionKind enumerates the four ledger-level operations spec §4.2 names.
type ActionKind string

const (
	Deploy ActionKind = "deploy"
	Fund   ActionKind = "fund"
	Redeem ActionKind = "redeem"
	Refund ActionKind = "refund"
)

// Receipt is returned once an adapter has broadcast/submitted an Action.
// It does not imply finality; the caller must watch for the matching
// lifecycle Event to know the action is irreversible (spec §4.2).
type Receipt struct {
	TxID string
}

// Adapter is the capability set every ledger backend must implement (spec
// §4.2): watchers for the four lifecycle transitions, and action builders
// for deploy/fund/redeem/refund. The adapters in this package do not
// compare a funding amount with the agreed one and never emit
// IncorrectlyFunded. A single Adapter instance is shared across all swaps
// touching its ledger; each Watch call opens its own subscription on the
// underlying client.
type Adapter interface {
	// Ledger returns the ledger identifier this adapter serves (e.g.
	// "bitcoin", "ethereum", "lightning").
	Ledger() string

	// FinalityDepth reports the configured number of confirmations (or,
	// for Lightning, the trivial value 0). The adapters in this package
	// deliver events as the client observes them: they do not hold back
	// events shallower than this depth and do not handle reorgs.
	FinalityDepth() uint64

	// Watch subscribes to lifecycle events for the HTLC identified by
	// params until ctx is cancelled. Events are delivered in the order
	// the underlying ledger exposes them; the adapter does not reorder
	// same-block events (spec §9 Design Notes: delivery order is
	// adapter-defined). fromHeight, when nonzero, asks the adapter to
	// backfill events from that height onward before delivering live
	// ones, so a respawned swap (spec §4.3 Respawn) can re-arm a watcher
	// without missing anything that landed during the downtime; zero
	// means "watch prospectively only", the right value for a swap that
	// has not observed anything yet.
	Watch(ctx context.Context, params htlc.Params, fromHeight uint64) (<-chan htlc.Event, error)

	// Perform submits action to the ledger and returns once it has been
	// broadcast (not confirmed). The caller is responsible for having
	// already persisted the intent to act before calling Perform (spec
	// §4.6 write-ahead semantics live in the swap actor, not here).
	Perform(ctx context.Context, action Action) (Receipt, error)
}

// AddressWatcher is implemented by adapters whose HTLC, for at least one
// side, is identified by a handle that only exists once a Deploy action
// has broadcast (an Ethereum contract address), rather than being
// derivable from htlc.Params alone the way a Bitcoin P2WSH address or a
// Lightning invoice keyed by secret hash is. swapcoord uses this, via a
// type assertion on Adapter, to hold off watching that side until the
// deploy handle is reported through PerformedAction (spec §4.3).
type AddressWatcher interface {
	WatchAddress(ctx context.Context, side htlc.Side, handle string, secretHash htlc.SecretHash, fromHeight uint64) (<-chan htlc.Event, error)
}

// Registry maps ledger identifiers to their Adapter, used by the swap
// actor to resolve which adapter handles each side of a swap.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry from a set of adapters, keyed by their
// own Ledger() identifier.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Ledger()] = a
	}
	return r
}

// Get returns the adapter registered for ledger, or false if none is.
func (r *Registry) Get(ledger string) (Adapter, bool) {
	a, ok := r.adapters[ledger]
	return a, ok
}
