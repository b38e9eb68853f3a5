package link

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is an open byte stream to the OBC.
//
// Read must return within a bounded time. A read that times out returns
// (0, nil). Close must unblock a Read in progress.
type Port interface {
	io.ReadWriteCloser
}

// Dialer opens the transport to the OBC.
type Dialer interface {
	// Open returns a ready port or an error. It must not retry.
	Open() (Port, error)

	// Name identifies the endpoint in logs.
	Name() string
}

// SerialDialer opens a UART at 8-N-1.
type SerialDialer struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// Open implements Dialer.
func (d SerialDialer) Open() (Port, error) {
	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(d.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Device, err)
	}

	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", d.Device, err)
	}
	return p, nil
}

// Name implements Dialer.
func (d SerialDialer) Name() string {
	return fmt.Sprintf("%s@%d", d.Device, d.BaudRate)
}
