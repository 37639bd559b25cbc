package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/comit-network/cnd/internal/htlc"
)

type fakeInvoiceClient struct {
	updates chan InvoiceUpdate

	addInvoiceCalled bool
	settledPreimage  *htlc.Secret
	cancelledHash    *htlc.SecretHash
}

func (f *fakeInvoiceClient) AddHoldInvoice(ctx context.Context, secretHash htlc.SecretHash, amountMsat int64, cltvExpiryDelta uint32) (string, error) {
	f.addInvoiceCalled = true
	return "lnbc-fake-payment-request", nil
}

func (f *fakeInvoiceClient) SubscribeSingleInvoice(ctx context.Context, secretHash htlc.SecretHash) (<-chan InvoiceUpdate, error) {
	return f.updates, nil
}

func (f *fakeInvoiceClient) SettleInvoice(ctx context.Context, preimage htlc.Secret) error {
	f.settledPreimage = &preimage
	return nil
}

func (f *fakeInvoiceClient) CancelInvoice(ctx context.Context, secretHash htlc.SecretHash) error {
	f.cancelledHash = &secretHash
	return nil
}

func TestLightningAdapterWatchTranslatesInvoiceStates(t *testing.T) {
	fake := &fakeInvoiceClient{updates: make(chan InvoiceUpdate, 4)}
	adapter := NewLightningAdapter(fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret, _ := htlc.GenerateSecret()
	params := htlc.Params{Side: htlc.Alpha, SecretHash: secret.Hash()}

	// Settling the invoice, as this node's own Perform(Redeem) would,
	// before the update arrives is what lets Watch attach the preimage.
	if _, err := adapter.Perform(ctx, Action{Kind: Redeem, Params: params, Preimage: &secret}); err != nil {
		t.Fatalf("Perform(Redeem): %v", err)
	}

	events, err := adapter.Watch(ctx, params, 0)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fake.updates <- InvoiceUpdate{State: InvoiceAccepted, Height: 1}
	fake.updates <- InvoiceUpdate{State: InvoiceSettled, Height: 2}

	first := waitForEvent(t, events)
	if first.State != htlc.Funded {
		t.Errorf("first event state = %v, want Funded", first.State)
	}

	second := waitForEvent(t, events)
	if second.State != htlc.Redeemed {
		t.Errorf("second event state = %v, want Redeemed", second.State)
	}
	if second.Preimage == nil || *second.Preimage != secret {
		t.Error("expected the Redeemed event to carry the preimage this adapter settled with")
	}
}

func waitForEvent(t *testing.T, ch <-chan htlc.Event) htlc.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return htlc.Event{}
	}
}

func TestLightningAdapterPerformDeployAddsHoldInvoice(t *testing.T) {
	fake := &fakeInvoiceClient{updates: make(chan InvoiceUpdate)}
	adapter := NewLightningAdapter(fake)

	secret, _ := htlc.GenerateSecret()
	receipt, err := adapter.Perform(context.Background(), Action{
		Kind:   Deploy,
		Params: htlc.Params{SecretHash: secret.Hash(), Asset: htlc.Asset{Amount: "1000"}},
	})
	if err != nil {
		t.Fatalf("Perform(Deploy): %v", err)
	}
	if !fake.addInvoiceCalled {
		t.Error("expected AddHoldInvoice to be called")
	}
	if receipt.TxID == "" {
		t.Error("expected a non-empty payment request in the receipt")
	}
}

func TestLightningAdapterPerformRedeemRequiresPreimage(t *testing.T) {
	fake := &fakeInvoiceClient{updates: make(chan InvoiceUpdate)}
	adapter := NewLightningAdapter(fake)

	if _, err := adapter.Perform(context.Background(), Action{Kind: Redeem}); err == nil {
		t.Fatal("expected an error when redeeming without a preimage")
	}
}

func TestLightningAdapterPerformRedeemSettlesInvoice(t *testing.T) {
	fake := &fakeInvoiceClient{updates: make(chan InvoiceUpdate)}
	adapter := NewLightningAdapter(fake)

	secret, _ := htlc.GenerateSecret()
	_, err := adapter.Perform(context.Background(), Action{Kind: Redeem, Preimage: &secret})
	if err != nil {
		t.Fatalf("Perform(Redeem): %v", err)
	}
	if fake.settledPreimage == nil || *fake.settledPreimage != secret {
		t.Error("expected SettleInvoice to be called with the given preimage")
	}
}

func TestLightningAdapterPerformRefundCancelsInvoice(t *testing.T) {
	fake := &fakeInvoiceClient{updates: make(chan InvoiceUpdate)}
	adapter := NewLightningAdapter(fake)

	secret, _ := htlc.GenerateSecret()
	params := htlc.Params{SecretHash: secret.Hash()}
	_, err := adapter.Perform(context.Background(), Action{Kind: Refund, Params: params})
	if err != nil {
		t.Fatalf("Perform(Refund): %v", err)
	}
	if fake.cancelledHash == nil || *fake.cancelledHash != params.SecretHash {
		t.Error("expected CancelInvoice to be called with the given secret hash")
	}
}

func TestLightningAdapterFinalityDepthIsZero(t *testing.T) {
	adapter := NewLightningAdapter(&fakeInvoiceClient{})
	if adapter.FinalityDepth() != 0 {
		t.Errorf("FinalityDepth() = %d, want 0", adapter.FinalityDepth())
	}
}

func TestParseMsat(t *testing.T) {
	cases := []struct {
		in     string
		want   int64
		wantOK bool
	}{
		{"1000", 1000, true},
		{"0", 0, true},
		{"not-a-number", 0, false},
		{"", 0, false},
	}

	for _, c := range cases {
		got, ok := parseMsat(c.in)
		if ok != c.wantOK {
			t.Errorf("parseMsat(%q) ok = %v, want %v", c.in, ok, c.wantOK)
			continue
		}
		if ok && got != c.want {
			t.Errorf("parseMsat(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
