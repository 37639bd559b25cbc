package swapcoord

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/comit-network/cnd/internal/control"
	"github.com/comit-network/cnd/internal/eventlog"
	"github.com/comit-network/cnd/internal/htlc"
	"github.com/comit-network/cnd/internal/ledger"
	"github.com/comit-network/cnd/internal/orderbook"
	"github.com/comit-network/cnd/internal/storage"
	"github.com/comit-network/cnd/internal/swapfsm"
)

// fakeAdapter is a scriptable ledger.Adapter: test code pushes htlc.Event
// values on the events channel and they are delivered to whichever
// Coordinator task called Watch for the matching ledger.
type fakeAdapter struct {
	ledger string
	events chan htlc.Event
}

func newFakeAdapter(ledgerName string) *fakeAdapter {
	return &fakeAdapter{ledger: ledgerName, events: make(chan htlc.Event, 8)}
}

func (f *fakeAdapter) Ledger() string       { return f.ledger }
func (f *fakeAdapter) FinalityDepth() uint64 { return 1 }
func (f *fakeAdapter) Watch(ctx context.Context, params htlc.Params, fromHeight uint64) (<-chan htlc.Event, error) {
	return f.events, nil
}
func (f *fakeAdapter) Perform(ctx context.Context, action ledger.Action) (ledger.Receipt, error) {
	return ledger.Receipt{}, nil
}

// fakeAddressWatcherAdapter models Ethereum: Watch always fails (no
// address derivable from params alone) but WatchAddress works once a
// handle is supplied, matching ledger.AddressWatcher.
type fakeAddressWatcherAdapter struct {
	events      chan htlc.Event
	watchedWith chan string
}

func newFakeAddressWatcherAdapter() *fakeAddressWatcherAdapter {
	return &fakeAddressWatcherAdapter{events: make(chan htlc.Event, 8), watchedWith: make(chan string, 1)}
}

func (f *fakeAddressWatcherAdapter) Ledger() string        { return "ethereum" }
func (f *fakeAddressWatcherAdapter) FinalityDepth() uint64 { return 1 }
func (f *fakeAddressWatcherAdapter) Watch(ctx context.Context, params htlc.Params, fromHeight uint64) (<-chan htlc.Event, error) {
	return nil, context.DeadlineExceeded
}
func (f *fakeAddressWatcherAdapter) Perform(ctx context.Context, action ledger.Action) (ledger.Receipt, error) {
	return ledger.Receipt{}, nil
}
func (f *fakeAddressWatcherAdapter) WatchAddress(ctx context.Context, side htlc.Side, handle string, secretHash htlc.SecretHash, fromHeight uint64) (<-chan htlc.Event, error) {
	f.watchedWith <- handle
	return f.events, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeAdapter, *fakeAdapter) {
	t.Helper()
	store, err := storage.New(&storage.Config{Path: filepath.Join(t.TempDir(), "cnd.sqlite")})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	alpha := newFakeAdapter("bitcoin")
	beta := newFakeAdapter("ethereum")
	registry := ledger.NewRegistry(alpha, beta)

	coord := New(store, eventlog.New(store), registry, orderbook.New())
	t.Cleanup(func() { coord.Close() })

	return coord, alpha, beta
}

func testParams(swapID string) swapfsm.Params {
	now := time.Now()
	return swapfsm.Params{
		SwapID: swapID,
		Role:   swapfsm.Responder,
		Alpha: htlc.Params{
			Side:       htlc.Alpha,
			Asset:      htlc.Asset{Ledger: "bitcoin", Amount: "100000"},
			SecretHash: htlc.SecretHash{1, 2, 3},
			Expiry:     now.Add(2 * time.Hour),
		},
		Beta: htlc.Params{
			Side:       htlc.Beta,
			Asset:      htlc.Asset{Ledger: "ethereum", Amount: "1000000000000000000"},
			SecretHash: htlc.SecretHash{1, 2, 3},
			Expiry:     now.Add(time.Hour),
		},
	}
}

func TestAcceptAnnounceStartsSwapTask(t *testing.T) {
	coord, alpha, _ := newTestCoordinator(t)

	swapID := "swap-1"
	coord.RegisterAnnounce(swapID, testParams(swapID))

	if err := coord.AcceptAnnounce(context.Background(), swapID); err != nil {
		t.Fatalf("AcceptAnnounce: %v", err)
	}

	alpha.events <- htlc.Event{Side: htlc.Alpha, State: htlc.Deployed}

	deadline := time.After(time.Second)
	for {
		state, _, _, ok := coord.ActiveSwapState(swapID)
		if ok && state.Alpha == swapfsm.LegDeployed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for alpha leg to reach deployed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRejectAnnounceLeavesNoTrace(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	swapID := "swap-2"
	coord.RegisterAnnounce(swapID, testParams(swapID))

	if err := coord.RejectAnnounce(context.Background(), swapID); err != nil {
		t.Fatalf("RejectAnnounce: %v", err)
	}

	if err := coord.AcceptAnnounce(context.Background(), swapID); err == nil {
		t.Fatal("expected AcceptAnnounce to fail after the announce was rejected")
	}

	if _, _, _, ok := coord.ActiveSwapState(swapID); ok {
		t.Fatal("expected no active swap task for a rejected announce")
	}
}

func TestHandleEventHaltsOnInvalidTransition(t *testing.T) {
	coord, alpha, _ := newTestCoordinator(t)

	swapID := "swap-3"
	coord.RegisterAnnounce(swapID, testParams(swapID))
	if err := coord.AcceptAnnounce(context.Background(), swapID); err != nil {
		t.Fatalf("AcceptAnnounce: %v", err)
	}

	// A Redeemed event with no extracted preimage is a protocol violation
	// and should halt the swap rather than silently advance it.
	alpha.events <- htlc.Event{Side: htlc.Alpha, State: htlc.Redeemed}

	deadline := time.After(time.Second)
	for {
		state, _, _, ok := coord.ActiveSwapState(swapID)
		if ok && state.Halted {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the swap to halt")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPostOrderPersistsAndCancelRemoves(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	orderID, err := coord.PostOrder(context.Background(), control.PostOrderParams{
		Position:   "sell",
		BaseAsset:  "bitcoin",
		QuoteAsset: "ethereum",
		Quantity:   100000,
		Price:      "1/20",
	})
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if orderID == "" {
		t.Fatal("expected a non-empty order id")
	}

	if err := coord.CancelOrder(context.Background(), orderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestPostOrderRejectsInvalidPosition(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.PostOrder(context.Background(), control.PostOrderParams{
		Position:   "hold",
		BaseAsset:  "bitcoin",
		QuoteAsset: "ethereum",
		Quantity:   1,
		Price:      "1/1",
	})
	if err == nil {
		t.Fatal("expected an error for an invalid position")
	}
}

func initiatorParams(swapID string) swapfsm.Params {
	p := testParams(swapID)
	p.Role = swapfsm.Initiator
	return p
}

// TestPerformedActionSuppressesNextActionUntilWatcherEvent exercises spec
// §6's "whichever arrives first wins": once the caller reports an action
// performed, GetNextAction must not keep re-exposing it, but the leg
// actually progressing (a watcher event) lifts the suppression again.
func TestPerformedActionSuppressesNextActionUntilWatcherEvent(t *testing.T) {
	coord, alpha, _ := newTestCoordinator(t)

	swapID := "swap-suppress"
	coord.RegisterAnnounce(swapID, initiatorParams(swapID))
	if err := coord.AcceptAnnounce(context.Background(), swapID); err != nil {
		t.Fatalf("AcceptAnnounce: %v", err)
	}

	// As initiator with Alpha pending, the first exposed action is Deploy
	// on alpha.
	result, err := coord.GetNextAction(context.Background(), swapID)
	if err != nil {
		t.Fatalf("GetNextAction: %v", err)
	}
	if result.ActionKind != string(ledger.Deploy) || result.Side != string(htlc.Alpha) {
		t.Fatalf("got action %+v, want deploy/alpha", result)
	}

	if err := coord.PerformedAction(context.Background(), swapID, string(ledger.Deploy), string(htlc.Alpha), "handle-1"); err != nil {
		t.Fatalf("PerformedAction: %v", err)
	}

	// Deploy is now suppressed; Fund on alpha is the next exposed action.
	result, err = coord.GetNextAction(context.Background(), swapID)
	if err != nil {
		t.Fatalf("GetNextAction: %v", err)
	}
	if result.ActionKind == string(ledger.Deploy) {
		t.Fatalf("deploy still exposed after being reported performed: %+v", result)
	}
	if result.ActionKind != string(ledger.Fund) || result.Side != string(htlc.Alpha) {
		t.Fatalf("got action %+v, want fund/alpha", result)
	}

	if err := coord.PerformedAction(context.Background(), swapID, string(ledger.Fund), string(htlc.Alpha), ""); err != nil {
		t.Fatalf("PerformedAction: %v", err)
	}

	// With both alpha actions reported performed but no watcher event yet,
	// nothing should be exposed.
	result, err = coord.GetNextAction(context.Background(), swapID)
	if err != nil {
		t.Fatalf("GetNextAction: %v", err)
	}
	if result.ActionKind != "" {
		t.Fatalf("expected no exposed action while awaiting confirmation, got %+v", result)
	}

	// A watcher event confirming Alpha deployed supersedes the reported
	// Deploy action and should re-arm Fund's exposure.
	alpha.events <- htlc.Event{Side: htlc.Alpha, State: htlc.Deployed}

	deadline := time.After(time.Second)
	for {
		result, err = coord.GetNextAction(context.Background(), swapID)
		if err != nil {
			t.Fatalf("GetNextAction: %v", err)
		}
		if result.ActionKind == string(ledger.Fund) && result.Side == string(htlc.Alpha) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for fund/alpha to be re-exposed, last result %+v", result)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestWatchLegBlocksUntilAddressHandleReported exercises spec §4.3: a leg
// on an AddressWatcher-implementing ledger (Ethereum) cannot be watched
// until the caller reports the deployed contract address via
// PerformedAction, and WatchAddress is then called with that handle.
func TestWatchLegBlocksUntilAddressHandleReported(t *testing.T) {
	store, err := storage.New(&storage.Config{Path: filepath.Join(t.TempDir(), "cnd.sqlite")})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	alpha := newFakeAdapter("bitcoin")
	beta := newFakeAddressWatcherAdapter()
	registry := ledger.NewRegistry(alpha, beta)

	coord := New(store, eventlog.New(store), registry, orderbook.New())
	t.Cleanup(func() { coord.Close() })

	swapID := "swap-addr-watch"
	coord.RegisterAnnounce(swapID, testParams(swapID))
	if err := coord.AcceptAnnounce(context.Background(), swapID); err != nil {
		t.Fatalf("AcceptAnnounce: %v", err)
	}

	select {
	case handle := <-beta.watchedWith:
		t.Fatalf("WatchAddress called before a handle was reported (handle=%q)", handle)
	case <-time.After(50 * time.Millisecond):
	}

	if err := coord.PerformedAction(context.Background(), swapID, string(ledger.Deploy), string(htlc.Beta), "0xdeadbeef"); err != nil {
		t.Fatalf("PerformedAction: %v", err)
	}

	select {
	case handle := <-beta.watchedWith:
		if handle != "0xdeadbeef" {
			t.Fatalf("WatchAddress called with handle %q, want 0xdeadbeef", handle)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WatchAddress to be called")
	}

	beta.events <- htlc.Event{Side: htlc.Beta, State: htlc.Deployed}

	deadline := time.After(time.Second)
	for {
		state, _, _, ok := coord.ActiveSwapState(swapID)
		if ok && state.Beta == swapfsm.LegDeployed {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for beta leg to reach deployed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGetNextActionWithNoActiveSwapReturnsEmptyResult(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	result, err := coord.GetNextAction(context.Background(), "no-such-swap")
	if err != nil {
		t.Fatalf("GetNextAction: %v", err)
	}
	if result.ActionKind != "" {
		t.Errorf("ActionKind = %q, want empty", result.ActionKind)
	}
}
