package frame

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
)

// =============================================================================
// Tests: Checksum
// =============================================================================

func TestChecksum_KnownVectors(t *testing.T) {
	tests := []struct {
		input string
		want  uint16
	}{
		{"", 0x0000},
		{"123456789", 0x31C3},
		{"A", 0x58E5},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := Checksum([]byte(tc.input)); got != tc.want {
				t.Errorf("Checksum(%q) = 0x%04X, want 0x%04X", tc.input, got, tc.want)
			}
		})
	}
}

func TestChecksum_SingleBitFlips(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"command":1,"timestamp":1767312000,"power_state":2}`),
		[]byte(`{"status":0,"timestamp":0}`),
		{0x00},
		bytes.Repeat([]byte{0xA5}, MaxPayloadSize),
	}

	for _, p := range payloads {
		orig := Checksum(p)
		for i := range p {
			for bit := 0; bit < 8; bit++ {
				flipped := append([]byte(nil), p...)
				flipped[i] ^= 1 << bit
				if Checksum(flipped) == orig {
					t.Fatalf("flip of byte %d bit %d not detected (len=%d)", i, bit, len(p))
				}
			}
		}
	}
}

// =============================================================================
// Tests: Encode / Extract
// =============================================================================

func TestEncode_Layout(t *testing.T) {
	payload := []byte("hello")
	got := Encode(payload)

	if got[0] != StartMarker {
		t.Errorf("first byte = 0x%02X, want START", got[0])
	}
	if got[len(got)-1] != EndMarker {
		t.Errorf("last byte = 0x%02X, want END", got[len(got)-1])
	}
	if !bytes.Equal(got[1:6], payload) {
		t.Errorf("payload = %q, want %q", got[1:6], payload)
	}
	crc := binary.BigEndian.Uint16(got[6:8])
	if crc != Checksum(payload) {
		t.Errorf("crc = 0x%04X, want 0x%04X", crc, Checksum(payload))
	}
}

// crcHasEnd reports whether a payload's checksum contains the end marker.
// The link has no byte stuffing, so such frames terminate early on the wire.
func crcHasEnd(p []byte) bool {
	c := Checksum(p)
	return byte(c>>8) == EndMarker || byte(c) == EndMarker
}

func TestExtract_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	checked := 0

	for i := 0; i < 2000; i++ {
		n := rng.Intn(MaxPayloadSize + 1)
		p := make([]byte, n)
		for j := range p {
			// printable ASCII, the payload alphabet of the JSON protocol
			p[j] = byte(0x20 + rng.Intn(0x7E-0x20+1))
		}
		if crcHasEnd(p) {
			continue
		}
		checked++

		frame, consumed, ok := Extract(Encode(p))
		if !ok {
			t.Fatalf("Extract failed for payload len %d", n)
		}
		if consumed != n+CRCSize+2 {
			t.Fatalf("consumed = %d, want %d", consumed, n+CRCSize+2)
		}
		if n+CRCSize < minFrameSize {
			continue
		}
		payload, _, err := Split(frame)
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		if !bytes.Equal(payload, p) {
			t.Fatalf("round trip mismatch for len %d", n)
		}
		if !Valid(frame) {
			t.Fatalf("CRC did not validate for len %d", n)
		}
	}

	if checked < 1900 {
		t.Errorf("only %d payloads checked", checked)
	}
}

func TestExtract_Cases(t *testing.T) {
	good := Encode([]byte("ping"))

	tests := []struct {
		name         string
		buf          []byte
		wantOK       bool
		wantConsumed int
		wantFrame    []byte
	}{
		{
			name:         "empty buffer",
			buf:          nil,
			wantConsumed: 0,
		},
		{
			name:         "noise only",
			buf:          []byte{0x01, 0x02, 0x03},
			wantConsumed: 3,
		},
		{
			name:         "leading noise with complete frame",
			buf:          append([]byte{0x00, 0x11}, good...),
			wantOK:       true,
			wantConsumed: 2 + len(good),
			wantFrame:    good[1 : len(good)-1],
		},
		{
			name:         "partial frame keeps data",
			buf:          good[:4],
			wantConsumed: 0,
		},
		{
			name:         "partial frame drops leading noise",
			buf:          append([]byte{0x42}, good[:4]...),
			wantConsumed: 1,
		},
		{
			name:         "oversized unterminated frame",
			buf:          append([]byte{StartMarker}, bytes.Repeat([]byte{'a'}, MaxFrameSize)...),
			wantConsumed: MaxFrameSize + 1,
		},
		{
			name:         "unterminated frame at limit is kept",
			buf:          append([]byte{StartMarker}, bytes.Repeat([]byte{'a'}, MaxFrameSize-1)...),
			wantConsumed: 0,
		},
		{
			name:         "empty frame",
			buf:          []byte{StartMarker, EndMarker},
			wantOK:       true,
			wantConsumed: 2,
			wantFrame:    []byte{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, consumed, ok := Extract(tc.buf)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if consumed != tc.wantConsumed {
				t.Errorf("consumed = %d, want %d", consumed, tc.wantConsumed)
			}
			if tc.wantOK && !bytes.Equal(frame, tc.wantFrame) {
				t.Errorf("frame = %x, want %x", frame, tc.wantFrame)
			}
		})
	}
}

func TestExtract_MultipleFrames(t *testing.T) {
	var buf []byte
	inputs := []string{`{"command":1}`, `{"command":2}`, `{"command":5}`}
	for _, in := range inputs {
		buf = append(buf, Encode([]byte(in))...)
	}

	var got []string
	for {
		frame, consumed, ok := Extract(buf)
		buf = buf[consumed:]
		if !ok {
			break
		}
		payload, _, err := Split(frame)
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		got = append(got, string(payload))
	}

	if len(got) != len(inputs) {
		t.Fatalf("extracted %d frames, want %d", len(got), len(inputs))
	}
	for i := range inputs {
		if got[i] != inputs[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], inputs[i])
		}
	}
	if len(buf) != 0 {
		t.Errorf("leftover = %d bytes, want 0", len(buf))
	}
}

func TestSplit_ShortFrame(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3} {
		if _, _, err := Split(make([]byte, n)); err != ErrShortFrame {
			t.Errorf("Split(len %d) err = %v, want ErrShortFrame", n, err)
		}
	}
}

func TestValid_Corruption(t *testing.T) {
	enc := Encode([]byte(`{"command":1,"timestamp":100}`))
	frame := append([]byte(nil), enc[1:len(enc)-1]...)
	if !Valid(frame) {
		t.Fatal("undamaged frame should validate")
	}

	frame[3] ^= 0x04
	if Valid(frame) {
		t.Error("corrupted frame should not validate")
	}
}
