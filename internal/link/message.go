package link

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command is a request code sent by the OBC.
type Command uint8

const (
	CommandHeartbeat     Command = 0x01
	CommandStatusRequest Command = 0x02
	CommandShutdown      Command = 0x03
	CommandRestart       Command = 0x04
	CommandPowerState    Command = 0x05
	CommandConfigUpdate  Command = 0x06
)

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case CommandHeartbeat:
		return "HEARTBEAT"
	case CommandStatusRequest:
		return "STATUS_REQUEST"
	case CommandShutdown:
		return "SHUTDOWN"
	case CommandRestart:
		return "RESTART"
	case CommandPowerState:
		return "POWER_STATE"
	case CommandConfigUpdate:
		return "CONFIG_UPDATE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(c))
	}
}

// Valid reports whether c is one of the defined command codes.
func (c Command) Valid() bool {
	return c >= CommandHeartbeat && c <= CommandConfigUpdate
}

// RefreshesLiveness reports whether receiving c counts as a heartbeat.
func (c Command) RefreshesLiveness() bool {
	return c == CommandHeartbeat || c == CommandPowerState
}

// PowerState is the power mode last reported by the OBC.
type PowerState uint8

const (
	PowerSafe   PowerState = 0
	PowerIdle   PowerState = 1
	PowerActive PowerState = 2
)

func (p PowerState) String() string {
	switch p {
	case PowerSafe:
		return "SAFE"
	case PowerIdle:
		return "IDLE"
	case PowerActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether p is a defined power state.
func (p PowerState) Valid() bool {
	return p <= PowerActive
}

// StatusCode is the overall health code sent back to the OBC.
type StatusCode uint8

const (
	StatusOK       StatusCode = 0x00
	StatusWarning  StatusCode = 0x01
	StatusError    StatusCode = 0x02
	StatusCritical StatusCode = 0x03
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// HealthMessage is a decoded OBC request.
type HealthMessage struct {
	Timestamp      int64
	Command        Command
	PowerState     PowerState
	BatterySOC     float64
	OBCTemp        float64
	PayloadEnabled bool
	Data           map[string]any
}

var (
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrUnknownCommand    = errors.New("unknown command code")
	ErrInvalidPowerState = errors.New("invalid power state")
)

// wireMessage is the JSON schema of an inbound payload. Unknown fields are
// ignored; absent fields keep their zero value.
type wireMessage struct {
	Timestamp      float64        `json:"timestamp"`
	Command        *int           `json:"command"`
	PowerState     int            `json:"power_state"`
	BatterySOC     float64        `json:"battery_soc"`
	OBCTemp        float64        `json:"obc_temp"`
	PayloadEnabled bool           `json:"payload_enabled"`
	Data           map[string]any `json:"data"`
}

// DecodeHealthMessage parses and validates an inbound payload.
func DecodeHealthMessage(payload []byte) (HealthMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return HealthMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if w.Command == nil {
		return HealthMessage{}, fmt.Errorf("%w: missing", ErrUnknownCommand)
	}
	cmd := Command(*w.Command)
	if *w.Command < 0 || *w.Command > 0xFF || !cmd.Valid() {
		return HealthMessage{}, fmt.Errorf("%w: %d", ErrUnknownCommand, *w.Command)
	}

	ps := PowerState(w.PowerState)
	if w.PowerState < 0 || !ps.Valid() {
		return HealthMessage{}, fmt.Errorf("%w: %d", ErrInvalidPowerState, w.PowerState)
	}

	return HealthMessage{
		Timestamp:      int64(w.Timestamp),
		Command:        cmd,
		PowerState:     ps,
		BatterySOC:     w.BatterySOC,
		OBCTemp:        w.OBCTemp,
		PayloadEnabled: w.PayloadEnabled,
		Data:           w.Data,
	}, nil
}

// Response is the outbound payload sent to the OBC.
type Response struct {
	Status    StatusCode `json:"status"`
	Timestamp int64      `json:"timestamp"`
	Data      any        `json:"data,omitempty"`
}

// EncodeResponse serializes a response payload.
func EncodeResponse(r Response) ([]byte, error) {
	return json.Marshal(r)
}
