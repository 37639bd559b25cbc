package p2p

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	f := Frame{Type: TypeAnnounce, RequestID: 0x0102030405060708, Body: []byte(`{"swap_id":"abc"}`)}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	if got.Type != f.Type {
		t.Errorf("Type = %v, want %v", got.Type, f.Type)
	}
	if got.RequestID != f.RequestID {
		t.Errorf("RequestID = %x, want %x", got.RequestID, f.RequestID)
	}
	if !bytes.Equal(got.Body, f.Body) {
		t.Errorf("Body = %q, want %q", got.Body, f.Body)
	}
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{Type: TypeAnnounceOK, RequestID: 1, Body: []byte("x")}
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	raw := buf.Bytes()
	// Corrupt the version byte (first byte after the 4-byte length prefix).
	raw[4] = 0xFF

	if _, err := ReadFrame(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected an error for an unsupported protocol version")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	// 4-byte big-endian length claiming more than maxFrameSize.
	buf.Write([]byte{0x7F, 0xFF, 0xFF, 0xFF})

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected an error for an oversized frame length")
	}
}

func TestReadFrameRejectsShortFrame(t *testing.T) {
	var buf bytes.Buffer
	// Length of 5, shorter than the 11-byte header.
	buf.Write([]byte{0x00, 0x00, 0x00, 0x05})
	buf.Write([]byte{1, 2, 3, 4, 5})

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected an error for a frame shorter than the header")
	}
}
