// Package agent turns OBC health lines into short ASCII beacon info fields.
//
// Each input line is a JSON health record. The text part comes from an
// external generator when one is configured and answers in time, and from
// a deterministic formatter otherwise. Output never blocks on the
// generator for longer than its timeout.
package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Health is one health record from the OBC.
type Health struct {
	Call string
	Time string // ISO-8601 UTC
	Mode string // ACTIVE, IDLE or SAFE
	SOC  int    // battery state of charge, 0..100
	Sun  bool
	RF   bool
	Pwr  string // GOOD, FAIR or LOW
	QSO  int
}

// Defaults for fields missing from a health line.
const (
	DefaultCall = "SMARTQ-1"
	DefaultMode = "IDLE"
	DefaultSOC  = 50
	DefaultPwr  = "FAIR"
)

var ErrEmptyLine = errors.New("empty health line")

// healthLine mirrors the wire record. Pointer fields tell missing from zero.
type healthLine struct {
	Call *string   `json:"call"`
	Time *string   `json:"time"`
	Mode *string   `json:"mode"`
	SOC  *flexInt  `json:"soc"`
	Sun  *flexBool `json:"sun"`
	RF   *flexBool `json:"rf"`
	Pwr  *string   `json:"pwr"`
	QSO  *flexInt  `json:"qso"`
}

// ParseHealthLine decodes one JSON line, filling defaults for missing
// fields. now supplies the default timestamp.
func ParseHealthLine(line []byte, now time.Time) (Health, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Health{}, ErrEmptyLine
	}

	var raw healthLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return Health{}, fmt.Errorf("decode health line: %w", err)
	}

	h := Health{
		Call: DefaultCall,
		Time: FormatTime(now),
		Mode: DefaultMode,
		SOC:  DefaultSOC,
		Sun:  true,
		RF:   true,
		Pwr:  DefaultPwr,
	}
	if raw.Call != nil {
		h.Call = *raw.Call
	}
	if raw.Time != nil {
		h.Time = *raw.Time
	}
	if raw.Mode != nil {
		h.Mode = strings.ToUpper(*raw.Mode)
	}
	if raw.SOC != nil {
		h.SOC = int(*raw.SOC)
	}
	if raw.Sun != nil {
		h.Sun = bool(*raw.Sun)
	}
	if raw.RF != nil {
		h.RF = bool(*raw.RF)
	}
	if raw.Pwr != nil {
		h.Pwr = strings.ToUpper(*raw.Pwr)
	}
	if raw.QSO != nil {
		h.QSO = int(*raw.QSO)
	}
	return h, nil
}

// MarshalLine encodes h as one health line, newline included. It is what
// the supervisor writes to the agent's stdin.
func (h Health) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(struct {
		Call string `json:"call"`
		Time string `json:"time"`
		Mode string `json:"mode"`
		SOC  int    `json:"soc"`
		Sun  bool   `json:"sun"`
		RF   bool   `json:"rf"`
		Pwr  string `json:"pwr"`
		QSO  int    `json:"qso"`
	}{h.Call, h.Time, h.Mode, h.SOC, h.Sun, h.RF, h.Pwr, h.QSO})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// FormatTime renders t the way health records carry time.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// flexInt accepts a JSON number or a numeric string. Fractions truncate.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("want number, got %s", b)
		}
		n = json.Number(strings.TrimSpace(s))
	}
	if i, err := n.Int64(); err == nil {
		*f = flexInt(i)
		return nil
	}
	v, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return fmt.Errorf("want number, got %s", b)
	}
	*f = flexInt(int(v))
	return nil
}

// flexBool accepts true/false or a number, where non-zero is true.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*f = flexBool(x)
	case float64:
		*f = x != 0
	case nil:
		*f = false
	default:
		return fmt.Errorf("want bool or number, got %s", b)
	}
	return nil
}
