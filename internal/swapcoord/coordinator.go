// Package swapcoord orchestrates active swaps: one task per swap that
// replays its event log on startup, watches both ledgers, persists each
// observed event before acting on it (spec §4.6 write-ahead), and exposes
// the control-surface operations internal/control needs (spec §6).
// Grounded on the teacher's internal/swap Coordinator (coordinator.go,
// coordinator_storage.go): a map of active swaps guarded by a mutex, a
// root context cancelled on Close, and an OnEvent-style hook for pushing
// state changes out to other layers.
package swapcoord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/comit-network/cnd/internal/eventlog"
	"github.com/comit-network/cnd/internal/htlc"
	"github.com/comit-network/cnd/internal/ledger"
	"github.com/comit-network/cnd/internal/orderbook"
	"github.com/comit-network/cnd/internal/storage"
	"github.com/comit-network/cnd/internal/swapfsm"
	"github.com/comit-network/cnd/pkg/logging"
)

// EventHandler is notified of every swap phase transition (consumed by
// internal/control to push websocket events, mirroring the teacher's
// EventHandler/OnEvent pattern).
type EventHandler func(swapID string, phase swapfsm.Phase)

// Coordinator owns every active swap task and the shared order book.
type Coordinator struct {
	store     *storage.Storage
	events    *eventlog.Log
	ledgers   *ledger.Registry
	orders    *orderbook.Orderbook
	log       *logging.Logger

	mu          sync.Mutex
	swaps       map[string]*activeSwap
	pending     map[string]*pendingAnnounce
	openMatches map[string]struct{} // matches awaiting negotiation, keyed by proposalMatchID
	handlers    []EventHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// performedKey identifies one (action kind, side) pair reported done by
// the caller, so NextAction can suppress re-exposing it (spec §6
// "whichever arrives first wins").
type performedKey struct {
	kind ledger.ActionKind
	side htlc.Side
}

// activeSwap is the in-memory handle for one swap's task.
type activeSwap struct {
	params    swapfsm.Params
	state     swapfsm.State
	ownSecret *htlc.Secret // nil for the responder, or before initiator reveal
	cancel    context.CancelFunc

	// lastHeight and handles seed a respawned task's watchers (spec
	// §4.3 Respawn): lastHeight lets a block-based adapter backfill
	// from where it left off, handles supplies an AddressWatcher leg's
	// deploy handle without waiting for PerformedAction to report it
	// again.
	lastHeight map[htlc.Side]uint64
	handles    map[htlc.Side]string
	handleSet  map[htlc.Side]chan struct{} // closed once handles[side] is known

	// performed tracks actions the caller has reported done, so
	// NextAction does not keep re-exposing one until a watcher event
	// supersedes it.
	performed map[performedKey]bool
}

// New builds a Coordinator. Run Resume to reconstruct and restart every
// swap task persisted from a prior run (spec §4.6: resumption after
// restart).
func New(store *storage.Storage, events *eventlog.Log, ledgers *ledger.Registry, orders *orderbook.Orderbook) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:   store,
		events:  events,
		ledgers: ledgers,
		orders:  orders,
		log:     logging.GetDefault().Component("swapcoord"),
		swaps:       make(map[string]*activeSwap),
		pending:     make(map[string]*pendingAnnounce),
		openMatches: make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnEvent registers a phase-transition handler.
func (c *Coordinator) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Coordinator) emit(swapID string, phase swapfsm.Phase) {
	c.mu.Lock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, h := range handlers {
		go h(swapID, phase)
	}
}

// Resume replays every swap the event log knows about and restarts its
// watcher task, reconstructing in-memory state purely from persisted
// events (spec §8 property 3: idempotent replay reconstructs identical
// state).
func (c *Coordinator) Resume() error {
	replayed, err := c.events.ReplayAll()
	if err != nil {
		return fmt.Errorf("replay event log: %w", err)
	}
	for swapID, r := range replayed {
		if r.State.Phase().Terminal() {
			continue
		}
		c.startTask(swapID, r.Params, r.State, nil, r.LastHeight, r.Handles)
	}
	return nil
}

// Close cancels every swap task and waits for them to exit.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Coordinator) startTask(swapID string, params swapfsm.Params, state swapfsm.State, ownSecret *htlc.Secret, lastHeight map[htlc.Side]uint64, handles map[htlc.Side]string) {
	taskCtx, cancel := context.WithCancel(c.ctx)

	as := &activeSwap{
		params:     params,
		state:      state,
		ownSecret:  ownSecret,
		cancel:     cancel,
		lastHeight: lastHeight,
		handles:    make(map[htlc.Side]string),
		handleSet:  map[htlc.Side]chan struct{}{htlc.Alpha: make(chan struct{}), htlc.Beta: make(chan struct{})},
		performed:  make(map[performedKey]bool),
	}
	for side, handle := range handles {
		as.handles[side] = handle
		close(as.handleSet[side])
	}

	c.mu.Lock()
	c.swaps[swapID] = as
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runSwap(taskCtx, swapID)
	}()
}

// runSwap watches both legs' ledgers and folds every observed htlc.Event
// through swapfsm.Apply, persisting write-ahead before each transition
// (spec §4.6).
func (c *Coordinator) runSwap(ctx context.Context, swapID string) {
	c.mu.Lock()
	as := c.swaps[swapID]
	params := as.params
	c.mu.Unlock()

	alphaAdapter, ok := c.ledgers.Get(params.Alpha.Asset.Ledger)
	if !ok {
		c.log.Error("no adapter for alpha ledger", "swap", swapID, "ledger", params.Alpha.Asset.Ledger)
		return
	}
	betaAdapter, ok := c.ledgers.Get(params.Beta.Asset.Ledger)
	if !ok {
		c.log.Error("no adapter for beta ledger", "swap", swapID, "ledger", params.Beta.Asset.Ledger)
		return
	}

	alphaEvents, err := c.watchLeg(ctx, swapID, htlc.Alpha, alphaAdapter, params.Alpha)
	if err != nil {
		c.log.Error("failed to watch alpha leg", "swap", swapID, "err", err)
		return
	}
	betaEvents, err := c.watchLeg(ctx, swapID, htlc.Beta, betaAdapter, params.Beta)
	if err != nil {
		c.log.Error("failed to watch beta leg", "swap", swapID, "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-alphaEvents:
			if !ok {
				alphaEvents = nil
				continue
			}
			c.handleEvent(swapID, ev)
		case ev, ok := <-betaEvents:
			if !ok {
				betaEvents = nil
				continue
			}
			c.handleEvent(swapID, ev)
		}
	}
}

// watchLeg starts the watcher for one leg of swapID. Most ledgers derive
// their watch target entirely from params and can be watched right away;
// an adapter satisfying ledger.AddressWatcher (currently only Ethereum)
// instead needs a deploy handle that only exists once the caller reports
// it through PerformedAction, so watchLeg blocks until that handle is
// known (spec §4.3).
func (c *Coordinator) watchLeg(ctx context.Context, swapID string, side htlc.Side, adapter ledger.Adapter, params htlc.Params) (<-chan htlc.Event, error) {
	c.mu.Lock()
	as := c.swaps[swapID]
	var fromHeight uint64
	if as != nil {
		fromHeight = as.lastHeight[side]
	}
	c.mu.Unlock()

	aw, ok := adapter.(ledger.AddressWatcher)
	if !ok {
		return adapter.Watch(ctx, params, fromHeight)
	}

	c.mu.Lock()
	handle, known := as.handles[side]
	ready := as.handleSet[side]
	c.mu.Unlock()

	if !known {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
		handle = as.handles[side]
		c.mu.Unlock()
	}

	return aw.WatchAddress(ctx, side, handle, params.SecretHash, fromHeight)
}

func (c *Coordinator) handleEvent(swapID string, ev htlc.Event) {
	c.mu.Lock()
	as, ok := c.swaps[swapID]
	if !ok {
		c.mu.Unlock()
		return
	}
	params := as.params
	prior := as.state
	c.mu.Unlock()

	// Write-ahead: the event is durable before the resulting state
	// transition is allowed to drive a new action (spec §4.6).
	if err := c.events.AppendLifecycle(swapID, ev); err != nil {
		c.log.Error("failed to persist lifecycle event, refusing to transition", "swap", swapID, "err", err)
		return
	}

	next, err := swapfsm.Apply(prior, params, ev)
	if err != nil {
		c.log.Warn("rejected event", "swap", swapID, "err", err)
		halted := swapfsm.Halt(prior, err.Error())
		c.storeState(swapID, halted)
		_ = c.events.AppendHalted(swapID, err.Error())
		c.emit(swapID, swapfsm.PhaseIncidentHalted)
		return
	}

	c.storeState(swapID, next)

	// A leg that actually progressed supersedes whatever action was
	// last reported performed for it (spec §6 "whichever arrives first
	// wins"): re-arm exposure so the next action in sequence surfaces.
	if legOf(prior, ev.Side) != legOf(next, ev.Side) {
		c.mu.Lock()
		if as, ok := c.swaps[swapID]; ok {
			for k := range as.performed {
				if k.side == ev.Side {
					delete(as.performed, k)
				}
			}
		}
		c.mu.Unlock()
	}

	phase := next.Phase()
	if phase != prior.Phase() {
		c.emit(swapID, phase)
		if phase.Terminal() {
			_ = c.events.AppendTerminal(swapID, phase)
		}
	}
}

// legOf returns the leg state for side without needing swapfsm's
// unexported accessor.
func legOf(s swapfsm.State, side htlc.Side) swapfsm.LegState {
	if side == htlc.Alpha {
		return s.Alpha
	}
	return s.Beta
}

func (c *Coordinator) storeState(swapID string, s swapfsm.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if as, ok := c.swaps[swapID]; ok {
		as.state = s
	}
}

// ActiveSwapState returns the in-memory state and params for an active
// swap, or false if no such task exists.
func (c *Coordinator) ActiveSwapState(swapID string) (swapfsm.State, swapfsm.Params, *htlc.Secret, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	as, ok := c.swaps[swapID]
	if !ok {
		return swapfsm.State{}, swapfsm.Params{}, nil, false
	}
	return as.state, as.params, as.ownSecret, true
}

// NextAction computes the currently exposed action for swapID, if any
// (spec §4.3 "Action exposure"). An action already reported performed via
// PerformedAction is suppressed until a watcher event supersedes it
// (spec §6 "whichever arrives first wins"), so a caller that already
// submitted the transaction is not asked to repeat it on every poll.
func (c *Coordinator) NextAction(swapID string) (*ledger.Action, bool) {
	state, params, ownSecret, ok := c.ActiveSwapState(swapID)
	if !ok {
		return nil, false
	}
	actions := swapfsm.NextActions(state, params, ownSecret, time.Now())

	c.mu.Lock()
	as := c.swaps[swapID]
	c.mu.Unlock()

	for i := range actions {
		a := actions[i]
		if as != nil && as.performed[performedKey{a.Kind, a.Params.Side}] {
			continue
		}
		return &a, true
	}
	return nil, false
}
