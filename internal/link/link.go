// Package link implements the OBC health link: a framed, checksummed
// request/response protocol over a serial port with heartbeat liveness and
// fixed-interval reconnection.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartqso/payload-supervisor/internal/frame"
)

// Protocol timing defaults
const (
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultPollInterval      = 10 * time.Millisecond
	DefaultEventBuffer       = 64
	DefaultStopTimeout       = 2 * time.Second

	readChunkSize = 256
)

var (
	ErrNotConnected    = errors.New("link not connected")
	ErrPayloadTooLarge = errors.New("payload exceeds frame size")
	ErrAlreadyStarted  = errors.New("link already started")
	ErrStopped         = errors.New("link stopped")
)

// ConnState is the connection state of the link.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EventKind distinguishes events delivered to the dispatcher.
type EventKind int

const (
	EventMessage EventKind = iota
	EventConnect
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is a link occurrence delivered to the single dispatch point.
type Event struct {
	Kind    EventKind
	Message HealthMessage // valid for EventMessage
	Reason  string        // set for EventDisconnect
	At      time.Time
}

// Stats holds monotonic link counters.
type Stats struct {
	RxCount         uint64
	RxErrors        uint64
	CRCErrors       uint64
	FramingErrors   uint64
	DroppedEvents   uint64
	Disconnects     uint64
	TxCount         uint64
	TxErrors        uint64
	ConnectAttempts uint64
	ConnectFailures uint64
}

// Config configures a Link.
type Config struct {
	Dialer Dialer
	Logger *slog.Logger

	HeartbeatTimeout  time.Duration
	ReconnectInterval time.Duration
	PollInterval      time.Duration
	EventBuffer       int

	// Now is the clock used for liveness. Defaults to time.Now.
	Now func() time.Time
}

type counters struct {
	rx          atomic.Uint64
	rxErr       atomic.Uint64
	crcErr      atomic.Uint64
	framingErr  atomic.Uint64
	dropped     atomic.Uint64
	disconnects atomic.Uint64
	tx          atomic.Uint64
	txErr       atomic.Uint64
	attempts    atomic.Uint64
	failures    atomic.Uint64
}

// Link owns the serial port and the receive loop.
type Link struct {
	dialer            Dialer
	logger            *slog.Logger
	heartbeatTimeout  time.Duration
	reconnectInterval time.Duration
	pollInterval      time.Duration
	now               func() time.Time

	state atomic.Int32

	portMu sync.Mutex
	port   Port

	writeMu sync.Mutex

	// unix nanos; zero means not set
	connectedAt   atomic.Int64
	lastHeartbeat atomic.Int64

	events      chan Event
	disconnects chan Event

	stats counters

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopped   atomic.Bool // set before the port is closed; never cleared
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Link. The link does nothing until Start.
func New(cfg Config) *Link {
	l := &Link{
		dialer:            cfg.Dialer,
		logger:            cfg.Logger,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		reconnectInterval: cfg.ReconnectInterval,
		pollInterval:      cfg.PollInterval,
		now:               cfg.Now,
		done:              make(chan struct{}),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.heartbeatTimeout <= 0 {
		l.heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if l.reconnectInterval <= 0 {
		l.reconnectInterval = DefaultReconnectInterval
	}
	if l.pollInterval <= 0 {
		l.pollInterval = DefaultPollInterval
	}
	if l.now == nil {
		l.now = time.Now
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = DefaultEventBuffer
	}
	l.events = make(chan Event, buf)
	l.disconnects = make(chan Event, 1)
	l.state.Store(int32(StateDisconnected))
	return l
}

// Start makes one connection attempt and launches the receive loop.
// A failed attempt is not an error: the loop keeps retrying.
func (l *Link) Start(ctx context.Context) error {
	if l.State() == StateStopped {
		return ErrStopped
	}
	err := ErrAlreadyStarted
	l.startOnce.Do(func() {
		err = nil
		ctx, l.cancel = context.WithCancel(ctx)
		l.started.Store(true)
		l.connect()
		go l.receiveLoop(ctx)
	})
	return err
}

// Stop terminates the receive loop and closes the port. Safe to call more
// than once and before Start.
func (l *Link) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		l.state.Store(int32(StateStopped))
		if l.cancel != nil {
			l.cancel()
		}
		l.closePort()

		if !l.started.Load() {
			return
		}
		select {
		case <-l.done:
		case <-time.After(DefaultStopTimeout):
			l.logger.Warn("link_stop_timeout", "timeout", DefaultStopTimeout.String())
		}
		l.logger.Info("link_stopped")
	})
}

// Events delivers decoded messages and connect notifications. Messages are
// dropped when the channel is full.
func (l *Link) Events() <-chan Event { return l.events }

// Disconnects delivers disconnect notifications. Pending notifications are
// coalesced into one and never dropped.
func (l *Link) Disconnects() <-chan Event { return l.disconnects }

// State returns the current connection state.
func (l *Link) State() ConnState { return ConnState(l.state.Load()) }

// IsConnected reports whether a port is open.
func (l *Link) IsConnected() bool { return l.State() == StateConnected }

// IsHealthy reports whether the link is connected and a heartbeat newer than
// the timeout has arrived since the last connect.
func (l *Link) IsHealthy() bool {
	if !l.IsConnected() {
		return false
	}
	hb := l.lastHeartbeat.Load()
	if hb == 0 || hb < l.connectedAt.Load() {
		return false
	}
	return l.now().Sub(time.Unix(0, hb)) < l.heartbeatTimeout
}

// LastHeartbeat returns the time of the last accepted heartbeat, or the
// zero time if none has been seen.
func (l *Link) LastHeartbeat() time.Time {
	hb := l.lastHeartbeat.Load()
	if hb == 0 {
		return time.Time{}
	}
	return time.Unix(0, hb)
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	return Stats{
		RxCount:         l.stats.rx.Load(),
		RxErrors:        l.stats.rxErr.Load(),
		CRCErrors:       l.stats.crcErr.Load(),
		FramingErrors:   l.stats.framingErr.Load(),
		DroppedEvents:   l.stats.dropped.Load(),
		Disconnects:     l.stats.disconnects.Load(),
		TxCount:         l.stats.tx.Load(),
		TxErrors:        l.stats.txErr.Load(),
		ConnectAttempts: l.stats.attempts.Load(),
		ConnectFailures: l.stats.failures.Load(),
	}
}

// Send frames and writes a response. It fails with ErrNotConnected when no
// port is open. A write failure is handled as a disconnect.
func (l *Link) Send(status StatusCode, data any) error {
	port := l.currentPort()
	if port == nil {
		return ErrNotConnected
	}

	payload, err := EncodeResponse(Response{
		Status:    status,
		Timestamp: l.now().Unix(),
		Data:      data,
	})
	if err != nil {
		l.stats.txErr.Add(1)
		return fmt.Errorf("encode response: %w", err)
	}
	if len(payload) > frame.MaxPayloadSize {
		l.stats.txErr.Add(1)
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	l.writeMu.Lock()
	_, err = port.Write(frame.Encode(payload))
	l.writeMu.Unlock()
	if err != nil {
		l.stats.txErr.Add(1)
		l.logger.Warn("link_write_failed", "error", err)
		l.handleDisconnect(port, "write_error")
		return fmt.Errorf("write: %w", err)
	}

	l.stats.tx.Add(1)
	return nil
}

func (l *Link) currentPort() Port {
	l.portMu.Lock()
	defer l.portMu.Unlock()
	return l.port
}

func (l *Link) closePort() {
	l.portMu.Lock()
	port := l.port
	l.port = nil
	l.portMu.Unlock()
	if port != nil {
		port.Close()
	}
}

// connect makes a single attempt to open the port.
func (l *Link) connect() {
	l.setStateUnlessStopped(StateConnecting)
	if l.stopped.Load() {
		return
	}
	l.stats.attempts.Add(1)

	port, err := l.dialer.Open()
	if err != nil {
		l.stats.failures.Add(1)
		l.setStateUnlessStopped(StateDisconnected)
		l.logger.Error("link_connect_failed",
			"endpoint", l.dialer.Name(),
			"error", err,
		)
		return
	}

	// Stop sets stopped before taking portMu to close the port, so either it
	// sees this port or this sees stopped.
	l.portMu.Lock()
	if l.stopped.Load() {
		l.state.Store(int32(StateStopped))
		l.portMu.Unlock()
		port.Close()
		return
	}
	l.port = port
	l.connectedAt.Store(l.now().UnixNano())
	l.setStateUnlessStopped(StateConnected)
	l.portMu.Unlock()

	l.logger.Info("link_connected", "endpoint", l.dialer.Name())
	l.emit(Event{Kind: EventConnect, At: l.now()})
}

// handleDisconnect closes port if it is still the active one. Only the
// first caller for a given port reports the disconnect.
func (l *Link) handleDisconnect(port Port, reason string) {
	l.portMu.Lock()
	if l.port != port || port == nil {
		l.portMu.Unlock()
		return
	}
	l.port = nil
	l.setStateUnlessStopped(StateDisconnected)
	l.portMu.Unlock()

	port.Close()
	l.stats.disconnects.Add(1)
	l.logger.Warn("link_disconnected", "reason", reason)

	ev := Event{Kind: EventDisconnect, Reason: reason, At: l.now()}
	select {
	case l.disconnects <- ev:
	default:
		// one already pending
	}
}

func (l *Link) setStateUnlessStopped(s ConnState) {
	for {
		cur := l.state.Load()
		if ConnState(cur) == StateStopped {
			return
		}
		if l.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (l *Link) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		l.stats.dropped.Add(1)
		l.logger.Warn("link_event_dropped", "kind", ev.Kind.String())
	}
}
