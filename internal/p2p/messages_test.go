package p2p

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/comit-network/cnd/internal/htlc"
)

func TestAnnounceMessageJSONRoundTrip(t *testing.T) {
	secret, err := htlc.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}

	msg := AnnounceMessage{
		SwapID:       "swap-1",
		BaseAsset:    "bitcoin",
		QuoteAsset:   "ethereum",
		AlphaLedger:  "bitcoin",
		BetaLedger:   "ethereum",
		Quantity:     100000,
		SecretHash:   secret.Hash(),
		AlphaExpiry:  time.Unix(1000, 0).UTC(),
		BetaExpiry:   time.Unix(2000, 0).UTC(),
		InitiatorKey: []byte{1, 2, 3, 4},
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got AnnounceMessage
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.SwapID != msg.SwapID || got.SecretHash != msg.SecretHash {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, msg)
	}
	if !got.AlphaExpiry.Equal(msg.AlphaExpiry) {
		t.Errorf("AlphaExpiry = %v, want %v", got.AlphaExpiry, msg.AlphaExpiry)
	}
}

func TestOrderGossipMessageJSONRoundTrip(t *testing.T) {
	msg := OrderGossipMessage{
		MessageID:     "msg-1",
		OrderID:       "order-1",
		MakerIdentity: "alice",
		Position:      "buy",
		BaseAsset:     "bitcoin",
		QuoteAsset:    "ethereum",
		Quantity:      42,
		Price:         "1/2",
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got OrderGossipMessage
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != msg {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}
