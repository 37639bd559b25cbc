package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p"
)

func TestEncryptorSealOpenRoundTrip(t *testing.T) {
	alice, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		t.Fatalf("libp2p.New (alice): %v", err)
	}
	defer alice.Close()
	bob, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		t.Fatalf("libp2p.New (bob): %v", err)
	}
	defer bob.Close()

	aliceEnc, err := NewEncryptorFromHost(alice)
	if err != nil {
		t.Fatalf("NewEncryptorFromHost (alice): %v", err)
	}
	bobEnc, err := NewEncryptorFromHost(bob)
	if err != nil {
		t.Fatalf("NewEncryptorFromHost (bob): %v", err)
	}

	// Seal and Open derive keys from peer IDs, not from the peerstore;
	// this only records each host's key with the other the way a real
	// connection handshake (identify) would.
	if err := bob.Peerstore().AddPubKey(alice.ID(), alice.Peerstore().PubKey(alice.ID())); err != nil {
		t.Fatalf("AddPubKey: %v", err)
	}
	if err := alice.Peerstore().AddPubKey(bob.ID(), bob.Peerstore().PubKey(bob.ID())); err != nil {
		t.Fatalf("AddPubKey: %v", err)
	}

	msg := AnnounceMessage{SwapID: "swap-crypto-1", BaseAsset: "bitcoin", QuoteAsset: "ethereum", Quantity: 42}

	env, err := aliceEnc.Seal(bob.ID(), msg)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := bobEnc.Open(env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.SwapID != msg.SwapID || got.Quantity != msg.Quantity {
		t.Errorf("Open returned %+v, want %+v", got, msg)
	}
}

func TestEncryptorOpenRejectsWrongRecipient(t *testing.T) {
	alice, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		t.Fatalf("libp2p.New (alice): %v", err)
	}
	defer alice.Close()
	bob, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		t.Fatalf("libp2p.New (bob): %v", err)
	}
	defer bob.Close()
	eve, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		t.Fatalf("libp2p.New (eve): %v", err)
	}
	defer eve.Close()

	aliceEnc, err := NewEncryptorFromHost(alice)
	if err != nil {
		t.Fatalf("NewEncryptorFromHost (alice): %v", err)
	}
	eveEnc, err := NewEncryptorFromHost(eve)
	if err != nil {
		t.Fatalf("NewEncryptorFromHost (eve): %v", err)
	}

	if err := alice.Peerstore().AddPubKey(bob.ID(), bob.Peerstore().PubKey(bob.ID())); err != nil {
		t.Fatalf("AddPubKey: %v", err)
	}

	env, err := aliceEnc.Seal(bob.ID(), AnnounceMessage{SwapID: "swap-crypto-2"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := eveEnc.Open(env); err == nil {
		t.Fatal("expected Open to reject an envelope addressed to a different recipient")
	}
}
