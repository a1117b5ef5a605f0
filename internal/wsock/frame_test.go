package wsock_test

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/dantte-lp/gowsd/internal/wsock"
)

// readOne parses a single frame from wire bytes.
func readOne(t *testing.T, wire []byte, limit int64) (*wsock.Frame, error) {
	t.Helper()
	return wsock.ReadFrame(bufio.NewReader(bytes.NewReader(wire)), limit)
}

// -------------------------------------------------------------------------
// TestFrameRoundTrip
// -------------------------------------------------------------------------

// TestFrameRoundTrip verifies that serialized frames decode back to the
// same opcode, FIN bit, and payload across the interesting length
// boundaries (7-bit, 16-bit, and 64-bit length encodings) and for masked
// client frames.
func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		frame   *wsock.Frame
		wireLen int
	}{
		{
			name:    "small text",
			frame:   &wsock.Frame{Fin: true, Opcode: wsock.OpcodeText, Payload: []byte("hi")},
			wireLen: 2 + 2,
		},
		{
			name:    "boundary 125",
			frame:   &wsock.Frame{Fin: true, Opcode: wsock.OpcodeBinary, Payload: make([]byte, 125)},
			wireLen: 2 + 125,
		},
		{
			name:    "extended 16-bit",
			frame:   &wsock.Frame{Fin: true, Opcode: wsock.OpcodeBinary, Payload: make([]byte, 126)},
			wireLen: 2 + 2 + 126,
		},
		{
			name:    "extended 64-bit",
			frame:   &wsock.Frame{Fin: true, Opcode: wsock.OpcodeBinary, Payload: make([]byte, 70000)},
			wireLen: 2 + 8 + 70000,
		},
		{
			name: "masked client frame",
			frame: &wsock.Frame{
				Fin:     true,
				Opcode:  wsock.OpcodeText,
				Masked:  true,
				MaskKey: [4]byte{0x12, 0x34, 0x56, 0x78},
				Payload: []byte("hello"),
			},
			wireLen: 2 + 4 + 5,
		},
		{
			name:    "unfinished fragment",
			frame:   &wsock.Frame{Fin: false, Opcode: wsock.OpcodeText, Payload: []byte("par")},
			wireLen: 2 + 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			wire := tt.frame.Marshal()
			if len(wire) != tt.wireLen {
				t.Fatalf("wire length = %d, want %d", len(wire), tt.wireLen)
			}

			got, err := readOne(t, wire, 0)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Fin != tt.frame.Fin {
				t.Errorf("Fin = %v, want %v", got.Fin, tt.frame.Fin)
			}
			if got.Opcode != tt.frame.Opcode {
				t.Errorf("Opcode = %s, want %s", got.Opcode, tt.frame.Opcode)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(got.Payload), len(tt.frame.Payload))
			}
		})
	}
}

// TestMaskingOnWire verifies that a masked frame's payload does not appear
// in clear on the wire and that the original payload is untouched.
func TestMaskingOnWire(t *testing.T) {
	t.Parallel()

	payload := []byte("secret-payload")
	f := &wsock.Frame{
		Fin:     true,
		Opcode:  wsock.OpcodeText,
		Masked:  true,
		MaskKey: [4]byte{0xAA, 0xBB, 0xCC, 0xDD},
		Payload: payload,
	}

	wire := f.Marshal()
	if bytes.Contains(wire, payload) {
		t.Error("masked wire contains cleartext payload")
	}
	if !bytes.Equal(payload, []byte("secret-payload")) {
		t.Error("Marshal modified the caller's payload")
	}
}

// -------------------------------------------------------------------------
// TestReadFrameValidation
// -------------------------------------------------------------------------

// TestReadFrameValidation verifies the RFC 6455 framing rules: reserved
// opcodes, RSV bits, fragmented and oversized control frames, and the
// read limit.
func TestReadFrameValidation(t *testing.T) {
	t.Parallel()

	// FIN + Ping with a 16-bit extended length of 126: the length check
	// fires before any payload is read.
	bigPing := []byte{0x89, 126, 0x00, 0x7E}

	tests := []struct {
		name    string
		wire    []byte
		limit   int64
		wantErr error
	}{
		{
			name:    "reserved opcode",
			wire:    []byte{0x83, 0x00}, // FIN + opcode 0x3
			wantErr: wsock.ErrInvalidOpcode,
		},
		{
			name:    "rsv bit set",
			wire:    []byte{0xC1, 0x00}, // FIN + RSV1 + Text
			wantErr: wsock.ErrReservedBitsSet,
		},
		{
			name:    "fragmented ping",
			wire:    []byte{0x09, 0x00}, // Ping without FIN
			wantErr: wsock.ErrFragmentedControl,
		},
		{
			name:    "control frame too long",
			wire:    bigPing,
			wantErr: wsock.ErrControlTooLong,
		},
		{
			name:    "payload over read limit",
			wire:    (&wsock.Frame{Fin: true, Opcode: wsock.OpcodeBinary, Payload: make([]byte, 64)}).Marshal(),
			limit:   32,
			wantErr: wsock.ErrPayloadTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := readOne(t, tt.wire, tt.limit)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadFrame = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// -------------------------------------------------------------------------
// Frame Factories
// -------------------------------------------------------------------------

// TestNewCloseFrame verifies the close payload layout: a two-byte status
// code followed by the UTF-8 reason, with unsendable codes yielding an
// empty payload and long reasons truncated to the control ceiling.
func TestNewCloseFrame(t *testing.T) {
	t.Parallel()

	f := wsock.NewCloseFrame(wsock.StatusAway, "going away")
	if f.Opcode != wsock.OpcodeClose || !f.Fin {
		t.Fatalf("close frame shape wrong: %+v", f)
	}

	status, reason, err := wsock.ParseClosePayload(f.Payload)
	if err != nil {
		t.Fatalf("ParseClosePayload: %v", err)
	}
	if status != wsock.StatusAway || reason != "going away" {
		t.Fatalf("round trip = (%d, %q), want (1001, going away)", status, reason)
	}

	// 1005 must not appear on the wire.
	if f := wsock.NewCloseFrame(wsock.StatusNoStatus, "x"); len(f.Payload) != 0 {
		t.Errorf("1005 close carries payload %v", f.Payload)
	}

	// Reasons are truncated so the control ceiling holds.
	long := string(make([]byte, 200))
	if f := wsock.NewCloseFrame(wsock.StatusNormalClosure, long); len(f.Payload) > wsock.MaxControlPayload {
		t.Errorf("close payload %d bytes exceeds control ceiling", len(f.Payload))
	}
}

// TestNewPingFrame verifies the 125-byte control ceiling and that
// EmptyUnmaskedPing is the wire form of an empty unmasked ping.
func TestNewPingFrame(t *testing.T) {
	t.Parallel()

	if _, err := wsock.NewPingFrame(make([]byte, 126), false, [4]byte{}); !errors.Is(err, wsock.ErrControlTooLong) {
		t.Fatalf("126-byte ping: err = %v, want ErrControlTooLong", err)
	}

	f, err := wsock.NewPingFrame([]byte("x"), false, [4]byte{})
	if err != nil {
		t.Fatalf("NewPingFrame: %v", err)
	}
	if f.Opcode != wsock.OpcodePing || !f.Fin || f.Masked {
		t.Fatalf("ping frame shape wrong: %+v", f)
	}

	if !bytes.Equal(wsock.EmptyUnmaskedPing, []byte{0x89, 0x00}) {
		t.Errorf("EmptyUnmaskedPing = %v, want [89 00]", wsock.EmptyUnmaskedPing)
	}
}

// TestParseClosePayload verifies the one-byte close payload is rejected.
func TestParseClosePayload(t *testing.T) {
	t.Parallel()

	if _, _, err := wsock.ParseClosePayload([]byte{0x03}); !errors.Is(err, wsock.ErrInvalidClosePayload) {
		t.Fatalf("one-byte payload: err = %v, want ErrInvalidClosePayload", err)
	}

	status, reason, err := wsock.ParseClosePayload(nil)
	if err != nil || status != wsock.StatusNoStatus || reason != "" {
		t.Fatalf("empty payload = (%d, %q, %v), want (1005, \"\", nil)", status, reason, err)
	}
}
