// Package frame implements the OBC link-layer framing.
//
// Wire format:
//
//	[START=0x7E][payload][CRC16(payload), big endian][END=0x7F]
//
// The codec only knows about markers. Checksum verification belongs to the
// receiver, which calls Split and Valid on the extracted frame.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Protocol framing bytes
const (
	StartMarker = 0x7E
	EndMarker   = 0x7F
)

// Size limits
const (
	// MaxFrameSize bounds the unterminated data kept while waiting for an
	// end marker. Anything longer is treated as a desynchronized stream.
	MaxFrameSize = 512

	// CRCSize is the number of checksum bytes trailing the payload.
	CRCSize = 2

	// MaxPayloadSize is the largest payload whose start marker, payload and
	// checksum still fit in MaxFrameSize before the end marker arrives.
	MaxPayloadSize = MaxFrameSize - CRCSize - 1

	// minFrameSize is the smallest extracted frame the receiver accepts:
	// two checksum bytes plus some payload.
	minFrameSize = 4
)

var (
	// ErrShortFrame is returned by Split for frames too small to carry a
	// payload and checksum.
	ErrShortFrame = errors.New("frame too short")
)

// Encode wraps payload in start/end markers with its CRC appended.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+CRCSize+2)
	out = append(out, StartMarker)
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint16(out, Checksum(payload))
	out = append(out, EndMarker)
	return out
}

// Extract scans buf for one complete frame.
//
// It returns the bytes strictly between the markers (payload plus CRC),
// the number of leading bytes of buf the caller must discard, and whether a
// frame was found. Noise before the start marker is always consumed. When
// no end marker has arrived yet nothing else is consumed, unless the
// pending data has grown past MaxFrameSize, in which case the whole buffer
// is consumed.
func Extract(buf []byte) (frame []byte, consumed int, ok bool) {
	start := bytes.IndexByte(buf, StartMarker)
	if start < 0 {
		return nil, len(buf), false
	}

	pending := buf[start:]
	end := bytes.IndexByte(pending[1:], EndMarker)
	if end < 0 {
		if len(pending) > MaxFrameSize {
			return nil, len(buf), false
		}
		return nil, start, false
	}
	end++ // index within pending

	out := make([]byte, end-1)
	copy(out, pending[1:end])
	return out, start + end + 1, true
}

// Split separates an extracted frame into its payload and transmitted CRC.
func Split(frame []byte) (payload []byte, crc uint16, err error) {
	if len(frame) < minFrameSize {
		return nil, 0, ErrShortFrame
	}
	n := len(frame) - CRCSize
	return frame[:n], binary.BigEndian.Uint16(frame[n:]), nil
}

// Valid reports whether the frame's trailing CRC matches its payload.
func Valid(frame []byte) bool {
	payload, crc, err := Split(frame)
	if err != nil {
		return false
	}
	return Checksum(payload) == crc
}
