package p2p

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/nacl/box"
)

// Envelope wraps a NaCl-box-sealed AnnounceMessage so its contents stay
// confidential even if an intermediate relay or a misbehaving
// connection-level peer observes the direct stream (spec §4.5's
// announce already travels over an authenticated libp2p stream; this is
// an additional end-to-end layer keyed off each peer's own identity, not
// a replacement for transport security).
type Envelope struct {
	RecipientPeerID string `json:"recipient"`
	SenderPeerID    string `json:"sender"`
	EphemeralPubKey []byte `json:"ephemeral_key"`
	Nonce           []byte `json:"nonce"`
	Ciphertext      []byte `json:"ciphertext"`
}

// Encryptor seals and opens Envelopes using the node's own libp2p
// identity key, converted to X25519 the same way the node's peer ID
// already commits to an Ed25519 public key.
type Encryptor struct {
	localX25519Priv [32]byte
	localPeerID     peer.ID
}

// NewEncryptor derives an Encryptor's X25519 key pair from the host's
// Ed25519 identity key, so no separate encryption keypair needs to be
// generated, stored, or rotated.
func NewEncryptor(privKey crypto.PrivKey, self peer.ID) (*Encryptor, error) {
	x25519Priv, err := ed25519PrivToX25519(privKey)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 key: %w", err)
	}
	return &Encryptor{localX25519Priv: x25519Priv, localPeerID: self}, nil
}

// Seal encrypts msg for recipient using an ephemeral key pair, so
// compromising one envelope's ephemeral key never exposes another.
func (e *Encryptor) Seal(recipient peer.ID, msg AnnounceMessage) (*Envelope, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal announce: %w", err)
	}

	recipientPub, err := peerIDToX25519Pub(recipient)
	if err != nil {
		return nil, fmt.Errorf("derive recipient key: %w", err)
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, &recipientPub, ephemeralPriv)

	return &Envelope{
		RecipientPeerID: recipient.String(),
		SenderPeerID:    e.localPeerID.String(),
		EphemeralPubKey: ephemeralPub[:],
		Nonce:           nonce[:],
		Ciphertext:      ciphertext,
	}, nil
}

// Open decrypts env, failing if it was not addressed to this node.
func (e *Encryptor) Open(env *Envelope) (*AnnounceMessage, error) {
	if env.RecipientPeerID != e.localPeerID.String() {
		return nil, fmt.Errorf("envelope addressed to %s, not us", env.RecipientPeerID)
	}
	if len(env.EphemeralPubKey) != 32 {
		return nil, fmt.Errorf("invalid ephemeral public key length: %d", len(env.EphemeralPubKey))
	}
	if len(env.Nonce) != 24 {
		return nil, fmt.Errorf("invalid nonce length: %d", len(env.Nonce))
	}

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], env.EphemeralPubKey)
	var nonce [24]byte
	copy(nonce[:], env.Nonce)

	plaintext, ok := box.Open(nil, env.Ciphertext, &nonce, &ephemeralPub, &e.localX25519Priv)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}

	var msg AnnounceMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal announce: %w", err)
	}
	return &msg, nil
}

// NewEncryptorFromHost builds an Encryptor from an already-constructed
// libp2p host's own identity key, the usual way a Handler wires one up
// (h.SetEncryptor(enc)) once the embedding process has built its host.
func NewEncryptorFromHost(h host.Host) (*Encryptor, error) {
	return NewEncryptor(h.Peerstore().PrivKey(h.ID()), h.ID())
}

// ed25519PrivToX25519 converts a libp2p Ed25519 identity key to an X25519
// private key by hashing its seed with SHA-512 and clamping per the
// X25519 spec, the standard Ed25519-to-Curve25519 conversion.
func ed25519PrivToX25519(privKey crypto.PrivKey) ([32]byte, error) {
	var x25519Priv [32]byte

	raw, err := privKey.Raw()
	if err != nil {
		return x25519Priv, fmt.Errorf("get raw private key: %w", err)
	}
	if len(raw) < 32 {
		return x25519Priv, fmt.Errorf("invalid private key length: %d", len(raw))
	}

	h := sha512.Sum512(raw[:32])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	copy(x25519Priv[:], h[:32])
	return x25519Priv, nil
}

// peerIDToX25519Pub extracts a peer's Ed25519 public key from its peer ID
// and converts the Edwards point to its Montgomery u-coordinate, the
// X25519 public key used for NaCl box.
func peerIDToX25519Pub(id peer.ID) ([32]byte, error) {
	var x25519Pub [32]byte

	pubKey, err := id.ExtractPublicKey()
	if err != nil {
		return x25519Pub, fmt.Errorf("extract public key: %w", err)
	}
	raw, err := pubKey.Raw()
	if err != nil {
		return x25519Pub, fmt.Errorf("get raw public key: %w", err)
	}
	if len(raw) != 32 {
		return x25519Pub, fmt.Errorf("invalid public key length: %d", len(raw))
	}

	edPoint, err := new(edwards25519.Point).SetBytes(raw)
	if err != nil {
		return x25519Pub, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	copy(x25519Pub[:], edPoint.BytesMontgomery())

	return x25519Pub, nil
}
