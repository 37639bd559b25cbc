package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/comit-network/cnd/internal/htlc"
	"github.com/comit-network/cnd/internal/storage"
	"github.com/comit-network/cnd/internal/swapfsm"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	store, err := storage.New(&storage.Config{Path: filepath.Join(t.TempDir(), "cnd.db")})
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func testSwapParams(t *testing.T) (swapfsm.Params, htlc.Secret) {
	t.Helper()
	secret, err := htlc.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	hash := secret.Hash()
	future := time.Now().Add(time.Hour).Truncate(time.Second)

	return swapfsm.Params{
		SwapID: "swap-replay-1",
		Role:   swapfsm.Initiator,
		Alpha:  htlc.Params{Side: htlc.Alpha, SecretHash: hash, Expiry: future, Asset: htlc.Asset{Ledger: "bitcoin", Amount: "20000000"}},
		Beta:   htlc.Params{Side: htlc.Beta, SecretHash: hash, Expiry: future, Asset: htlc.Asset{Ledger: "ethereum", Amount: "1800"}},
	}, secret
}

func TestReplayReconstructsHappyPath(t *testing.T) {
	l := newTestLog(t)
	params, secret := testSwapParams(t)

	if err := l.AppendNegotiated(params); err != nil {
		t.Fatalf("AppendNegotiated failed: %v", err)
	}
	if err := l.AppendLifecycle(params.SwapID, htlc.Event{Side: htlc.Alpha, State: htlc.Funded, AtHeight: 100}); err != nil {
		t.Fatalf("AppendLifecycle alpha funded failed: %v", err)
	}
	if err := l.AppendLifecycle(params.SwapID, htlc.Event{Side: htlc.Beta, State: htlc.Funded, AtHeight: 200}); err != nil {
		t.Fatalf("AppendLifecycle beta funded failed: %v", err)
	}
	if err := l.AppendLifecycle(params.SwapID, htlc.Event{Side: htlc.Beta, State: htlc.Redeemed, Preimage: &secret, AtHeight: 201}); err != nil {
		t.Fatalf("AppendLifecycle beta redeemed failed: %v", err)
	}
	if err := l.AppendLifecycle(params.SwapID, htlc.Event{Side: htlc.Alpha, State: htlc.Redeemed, Preimage: &secret, AtHeight: 102}); err != nil {
		t.Fatalf("AppendLifecycle alpha redeemed failed: %v", err)
	}
	if err := l.AppendTerminal(params.SwapID, swapfsm.PhaseBothRedeemed); err != nil {
		t.Fatalf("AppendTerminal failed: %v", err)
	}

	replayed, err := l.Replay(params.SwapID)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if replayed.State.Phase() != swapfsm.PhaseBothRedeemed {
		t.Fatalf("expected BothRedeemed after replay, got %s", replayed.State.Phase())
	}
	if replayed.State.Secret == nil || *replayed.State.Secret != secret {
		t.Fatal("expected secret to be recovered by replay")
	}
	if replayed.LastHeight[htlc.Alpha] != 102 || replayed.LastHeight[htlc.Beta] != 201 {
		t.Fatalf("unexpected last-observed heights: %+v", replayed.LastHeight)
	}
}

// TestReplayIsIdempotent covers spec §8 property 3: replaying the same
// log twice produces the same state.
func TestReplayIsIdempotent(t *testing.T) {
	l := newTestLog(t)
	params, secret := testSwapParams(t)

	if err := l.AppendNegotiated(params); err != nil {
		t.Fatalf("AppendNegotiated failed: %v", err)
	}
	if err := l.AppendLifecycle(params.SwapID, htlc.Event{Side: htlc.Alpha, State: htlc.Funded}); err != nil {
		t.Fatalf("AppendLifecycle failed: %v", err)
	}
	if err := l.AppendLifecycle(params.SwapID, htlc.Event{Side: htlc.Alpha, State: htlc.Refunded}); err != nil {
		t.Fatalf("AppendLifecycle failed: %v", err)
	}
	_ = secret

	first, err := l.Replay(params.SwapID)
	if err != nil {
		t.Fatalf("first replay failed: %v", err)
	}
	second, err := l.Replay(params.SwapID)
	if err != nil {
		t.Fatalf("second replay failed: %v", err)
	}
	if first.State.Phase() != second.State.Phase() {
		t.Fatalf("expected identical replay results, got %s and %s", first.State.Phase(), second.State.Phase())
	}
}

func TestReplayAllCoversEverySwap(t *testing.T) {
	l := newTestLog(t)
	p1, _ := testSwapParams(t)
	p2 := p1
	p2.SwapID = "swap-replay-2"

	if err := l.AppendNegotiated(p1); err != nil {
		t.Fatalf("AppendNegotiated p1 failed: %v", err)
	}
	if err := l.AppendNegotiated(p2); err != nil {
		t.Fatalf("AppendNegotiated p2 failed: %v", err)
	}

	all, err := l.ReplayAll()
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 replayed swaps, got %d", len(all))
	}
}
