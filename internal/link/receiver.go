package link

import (
	"context"
	"fmt"
	"time"

	"github.com/smartqso/payload-supervisor/internal/frame"
)

// receiveLoop owns the port: it reconnects at the fixed interval, reads
// chunks, extracts frames and enforces heartbeat liveness.
func (l *Link) receiveLoop(ctx context.Context) {
	defer close(l.done)

	buf := make([]byte, 0, 2*frame.MaxFrameSize)
	chunk := make([]byte, readChunkSize)

	for {
		if ctx.Err() != nil {
			return
		}

		port := l.currentPort()
		if port == nil {
			buf = buf[:0]
			if !sleepCtx(ctx, l.reconnectInterval) {
				return
			}
			l.connect()
			continue
		}

		n, err := port.Read(chunk)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("link_read_failed", "error", err)
			l.handleDisconnect(port, "read_error")
			continue
		}

		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = l.drain(buf)
		}

		l.checkLiveness(port)

		if n == 0 && !sleepCtx(ctx, l.pollInterval) {
			return
		}
	}
}

// drain extracts and processes every complete frame in buf and returns the
// unconsumed remainder.
func (l *Link) drain(buf []byte) []byte {
	for len(buf) > 0 {
		f, consumed, ok := frame.Extract(buf)
		if consumed > 0 {
			if !ok {
				l.stats.framingErr.Add(1)
				l.logger.Debug("link_framing_discard", "bytes", consumed)
			}
			buf = append(buf[:0], buf[consumed:]...)
		}
		if !ok {
			return buf
		}
		l.processFrame(f)
	}
	return buf
}

func (l *Link) processFrame(f []byte) {
	payload, crc, err := frame.Split(f)
	if err != nil {
		l.stats.rxErr.Add(1)
		l.logger.Debug("link_short_frame", "len", len(f))
		return
	}

	if calc := frame.Checksum(payload); calc != crc {
		l.stats.crcErr.Add(1)
		l.logger.Warn("link_crc_mismatch",
			"received", fmt.Sprintf("0x%04X", crc),
			"calculated", fmt.Sprintf("0x%04X", calc),
		)
		return
	}

	msg, err := DecodeHealthMessage(payload)
	if err != nil {
		l.stats.rxErr.Add(1)
		l.logger.Warn("link_decode_failed", "error", err)
		return
	}

	l.stats.rx.Add(1)
	if msg.Command.RefreshesLiveness() {
		l.lastHeartbeat.Store(l.now().UnixNano())
	}
	l.emit(Event{Kind: EventMessage, Message: msg, At: l.now()})
}

// checkLiveness disconnects when no heartbeat has arrived within the
// timeout. The reference is the later of the last heartbeat and the connect.
func (l *Link) checkLiveness(port Port) {
	if !l.IsConnected() {
		return
	}
	ref := l.connectedAt.Load()
	if hb := l.lastHeartbeat.Load(); hb > ref {
		ref = hb
	}
	age := l.now().Sub(time.Unix(0, ref))
	if age >= l.heartbeatTimeout {
		l.logger.Warn("heartbeat_timeout", "age", age.String())
		l.handleDisconnect(port, "heartbeat_timeout")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
