// Package p2p implements the peer messaging protocol (spec §4.5, §6):
// framed request/response over libp2p streams, the announce/announce_ok
// handshake, and unsolicited order_gossip broadcast over pubsub.
package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
)

// protocolVersion is the single supported wire version (spec §6: "each
// frame begins with a 1-byte protocol version").
const protocolVersion byte = 1

// maxFrameSize bounds a single frame body, matching the teacher's direct
// stream framing's defensive cap against a malicious or buggy peer.
const maxFrameSize = 1024 * 1024

// MessageType is the 2-byte wire tag identifying a frame's payload kind
// (spec §4.5).
type MessageType uint16

const (
	TypeAnnounce          MessageType = 1
	TypeAnnounceOK        MessageType = 2
	TypeAnnounceReject    MessageType = 3
	TypeOrderGossip       MessageType = 4
	TypeAnnounceEncrypted MessageType = 5 // body is a NaCl-box-sealed Envelope wrapping an AnnounceMessage
)

// Frame is one length-prefixed protocol message: version, type, request
// id for correlating request/response pairs, and a self-describing JSON
// body (spec §6: "1-byte protocol version, a 2-byte message type, and an
// 8-byte request id for correlation").
type Frame struct {
	Type      MessageType
	RequestID uint64
	Body      []byte
}

// WriteFrame serialises f as: [4-byte big-endian total length][1-byte
// version][2-byte type][8-byte request id][body].
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, 11)
	header[0] = protocolVersion
	binary.BigEndian.PutUint16(header[1:3], uint16(f.Type))
	binary.BigEndian.PutUint64(header[3:11], f.RequestID)

	payload := append(header, f.Body...)
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(payload), maxFrameSize)
	}

	length := uint32(len(payload))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads and validates one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return Frame{}, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}
	if length < 11 {
		return Frame{}, fmt.Errorf("frame shorter than header: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}

	if payload[0] != protocolVersion {
		return Frame{}, fmt.Errorf("unsupported protocol version %d", payload[0])
	}

	return Frame{
		Type:      MessageType(binary.BigEndian.Uint16(payload[1:3])),
		RequestID: binary.BigEndian.Uint64(payload[3:11]),
		Body:      payload[11:],
	}, nil
}
