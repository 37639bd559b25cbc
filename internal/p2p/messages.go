package p2p

import (
	"time"

	"github.com/comit-network/cnd/internal/htlc"
)

// AnnounceMessage is the initiator's opening handshake message (spec
// §4.5): "swap id, asset pair and direction, secret hash, and its own
// identities".
type AnnounceMessage struct {
	SwapID        string        `json:"swap_id"`
	BaseAsset     string        `json:"base_asset"`
	QuoteAsset    string        `json:"quote_asset"`
	AlphaLedger   string        `json:"alpha_ledger"`
	BetaLedger    string        `json:"beta_ledger"`
	Quantity      uint64        `json:"quantity"`
	SecretHash    htlc.SecretHash `json:"secret_hash"`
	AlphaExpiry   time.Time     `json:"alpha_expiry"`
	BetaExpiry    time.Time     `json:"beta_expiry"`
	InitiatorKey  []byte        `json:"initiator_key"`
}

// AnnounceOKMessage is the responder's confirmation (spec §4.5:
// "Responder confirms with its own identities").
type AnnounceOKMessage struct {
	SwapID       string `json:"swap_id"`
	ResponderKey []byte `json:"responder_key"`
}

// AnnounceRejectMessage is a final rejection of a proposed swap (spec
// §4.5: "Either side MAY reject; rejection is final").
type AnnounceRejectMessage struct {
	SwapID string `json:"swap_id"`
	Reason string `json:"reason"`
}

// OrderGossipMessage is the unsolicited, one-shot broadcast of a single
// open order to connected peers (spec §4.5: "No ack").
type OrderGossipMessage struct {
	MessageID     string `json:"message_id"`
	OrderID       string `json:"order_id"`
	MakerIdentity string `json:"maker_identity"`
	Position      string `json:"position"`
	BaseAsset     string `json:"base_asset"`
	QuoteAsset    string `json:"quote_asset"`
	Quantity      uint64 `json:"quantity"`
	Price         string `json:"price"`
}
