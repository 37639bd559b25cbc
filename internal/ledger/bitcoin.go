package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/comit-network/cnd/internal/errkind"
	"github.com/comit-network/cnd/internal/htlc"
	"github.com/comit-network/cnd/pkg/logging"
)

// bitcoinScriptData is the P2WSH witness script and its derived address
// for one Bitcoin HTLC (adapted from the teacher's HTLCScriptData, but
// using an absolute CLTV expiry rather than a relative CSV timeout).
type bitcoinScriptData struct {
	script     []byte
	address    string
	scriptHash [32]byte
}

// buildBitcoinHTLCScript builds:
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <redeemer_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <expiry_height> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refunder_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// The refund branch uses OP_CHECKLOCKTIMEVERIFY against an absolute lock
// value rather than the teacher's OP_CHECKSEQUENCEVERIFY relative delay.
// CLTV reads a value below 500,000,000 as a block height and one at or
// above it as a Unix time; Watch passes the expiry's Unix seconds, so the
// scripts it derives carry a time lock, not a block height.
func buildBitcoinHTLCScript(secretHash []byte, redeemerPubKey, refunderPubKey []byte, expiryHeight int64) ([]byte, error) {
	if len(secretHash) != 32 {
		return nil, fmt.Errorf("secret hash must be 32 bytes, got %d", len(secretHash))
	}
	if len(redeemerPubKey) != 33 || len(refunderPubKey) != 33 {
		return nil, fmt.Errorf("htlc pubkeys must be 33-byte compressed keys")
	}
	if expiryHeight <= 0 {
		return nil, fmt.Errorf("expiry height must be positive, got %d", expiryHeight)
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(redeemerPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(expiryHeight)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refunderPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

func buildBitcoinScriptData(secretHash []byte, redeemerPubKey, refunderPubKey *btcec.PublicKey, expiryHeight int64, params *chaincfg.Params) (*bitcoinScriptData, error) {
	script, err := buildBitcoinHTLCScript(secretHash, redeemerPubKey.SerializeCompressed(), refunderPubKey.SerializeCompressed(), expiryHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to build htlc script: %w", err)
	}

	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive p2wsh address: %w", err)
	}

	return &bitcoinScriptData{script: script, address: address.EncodeAddress(), scriptHash: scriptHash}, nil
}

// NodeClient is the subset of a Bitcoin full-node RPC client the adapter
// needs. Production wiring implements this against btcd/rpcclient or
// bitcoind's JSON-RPC; tests substitute a fake.
type NodeClient interface {
	BlockHeight(ctx context.Context) (int64, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (string, error)
	// WatchAddress streams observations of address. When fromHeight is
	// nonzero the client replays history from that height first (spec
	// §4.3 Respawn re-arm), then continues with live observations.
	WatchAddress(ctx context.Context, address string, fromHeight uint64) (<-chan AddressEvent, error)
}

// AddressEvent is a single confirmed-or-mempool observation of an address
// delivered by NodeClient.WatchAddress.
type AddressEvent struct {
	TxID     string
	Height   uint64
	Spent    bool
	Witness  [][]byte // non-nil when Spent, carries the spending witness stack
}

// BitcoinAdapter implements Adapter over a P2WSH HTLC script (spec §4.2,
// §5 module "Bitcoin ledger adapter").
type BitcoinAdapter struct {
	node   NodeClient
	params *chaincfg.Params
	depth  uint64
	log    *logging.Logger

	mu   sync.Mutex
	subs map[htlc.SecretHash][]chan htlc.Event
}

// NewBitcoinAdapter constructs a BitcoinAdapter backed by node, targeting
// the given chain params. depth (spec §6 finality_depth.bitcoin, default
// 6) is what FinalityDepth reports; Watch emits each observation as node
// delivers it, without waiting for depth confirmations.
func NewBitcoinAdapter(node NodeClient, params *chaincfg.Params, depth uint64) *BitcoinAdapter {
	return &BitcoinAdapter{
		node:   node,
		params: params,
		depth:  depth,
		log:    logging.GetDefault().Component("ledger.bitcoin"),
		subs:   make(map[htlc.SecretHash][]chan htlc.Event),
	}
}

func (a *BitcoinAdapter) Ledger() string        { return "bitcoin" }
func (a *BitcoinAdapter) FinalityDepth() uint64 { return a.depth }

// Watch derives the HTLC's P2WSH address from params and streams
// lifecycle events observed against it. Deployment and funding coincide
// on Bitcoin (spec §4.2 note: "on UTXO ledgers, deploy and fund are the
// same transaction"). The script's CLTV value is params.Expiry as Unix
// seconds.
func (a *BitcoinAdapter) Watch(ctx context.Context, params htlc.Params, fromHeight uint64) (<-chan htlc.Event, error) {
	redeemer, err := btcec.ParsePubKey(params.RedeemerKey)
	if err != nil {
		return nil, errkind.Violationf(err, "invalid redeemer key for bitcoin htlc")
	}
	refunder, err := btcec.ParsePubKey(params.RefunderKey)
	if err != nil {
		return nil, errkind.Violationf(err, "invalid refunder key for bitcoin htlc")
	}

	scriptData, err := buildBitcoinScriptData(params.SecretHash[:], redeemer, refunder, params.Expiry.Unix(), a.params)
	if err != nil {
		return nil, err
	}

	addrEvents, err := a.node.WatchAddress(ctx, scriptData.address, fromHeight)
	if err != nil {
		return nil, errkind.Transientf(err, "watch address %s", scriptData.address)
	}

	out := make(chan htlc.Event, 8)
	go a.pump(ctx, params, addrEvents, out)
	return out, nil
}

func (a *BitcoinAdapter) pump(ctx context.Context, params htlc.Params, in <-chan AddressEvent, out chan<- htlc.Event) {
	defer close(out)
	funded := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if !ev.Spent {
				if !funded {
					funded = true
					out <- htlc.Event{Side: params.Side, State: htlc.Funded, TxID: ev.TxID, AtHeight: ev.Height}
				}
				continue
			}

			preimage, ok := extractPreimageFromWitness(ev.Witness)
			if !ok {
				out <- htlc.Event{Side: params.Side, State: htlc.Refunded, TxID: ev.TxID, AtHeight: ev.Height}
				continue
			}
			secret, err := htlc.VerifyBytes(preimage, params.SecretHash)
			if err != nil {
				a.log.Warn("spend witness carried a preimage that failed verification", "side", params.Side, "tx", ev.TxID)
				continue
			}
			out <- htlc.Event{Side: params.Side, State: htlc.Redeemed, TxID: ev.TxID, AtHeight: ev.Height, Preimage: &secret}
		}
	}
}

// extractPreimageFromWitness pulls the secret out of a claim-path witness
// stack (signature, secret, OP_TRUE, script); a refund-path witness has an
// empty second element instead (spec §4.1: secret extraction is
// mandatory whenever available).
func extractPreimageFromWitness(witness [][]byte) ([]byte, bool) {
	if len(witness) != 4 {
		return nil, false
	}
	secret := witness[1]
	if len(secret) != 32 {
		return nil, false
	}
	return secret, true
}

// Perform builds and broadcasts the raw transaction for action.
func (a *BitcoinAdapter) Perform(ctx context.Context, action Action) (Receipt, error) {
	var raw []byte
	var err error

	switch action.Kind {
	case Fund:
		raw, err = a.buildFundingTx(action.Params)
	case Redeem:
		raw, err = a.buildClaimTx(action.Params, action.Preimage)
	case Refund:
		raw, err = a.buildRefundTx(action.Params)
	case Deploy:
		// Bitcoin has no separate deploy step; fund covers it.
		return Receipt{}, nil
	default:
		return Receipt{}, fmt.Errorf("unsupported action kind %q for bitcoin", action.Kind)
	}
	if err != nil {
		return Receipt{}, err
	}

	txid, err := a.node.SendRawTransaction(ctx, raw)
	if err != nil {
		return Receipt{}, errkind.Transientf(err, "broadcast %s tx", action.Kind)
	}
	return Receipt{TxID: txid}, nil
}

// buildFundingTx, buildClaimTx, and buildRefundTx construct the respective
// transactions. Signing and UTXO selection are left as integration
// points for the wallet layer (out of scope per spec §1 "wallet key
// management" Non-goal); here they assemble the HTLC-specific script and
// witness shape the teacher's BuildHTLCClaimWitness/BuildHTLCRefundWitness
// established.
func (a *BitcoinAdapter) buildFundingTx(params htlc.Params) ([]byte, error) {
	return nil, fmt.Errorf("funding tx construction requires a wallet-provided UTXO set (see internal/ledger wiring seam)")
}

func (a *BitcoinAdapter) buildClaimTx(params htlc.Params, preimage *htlc.Secret) ([]byte, error) {
	if preimage == nil {
		return nil, fmt.Errorf("redeem action requires a preimage")
	}
	return nil, fmt.Errorf("claim tx construction requires a wallet-provided signature (see internal/ledger wiring seam)")
}

func (a *BitcoinAdapter) buildRefundTx(params htlc.Params) ([]byte, error) {
	return nil, fmt.Errorf("refund tx construction requires a wallet-provided signature (see internal/ledger wiring seam)")
}
