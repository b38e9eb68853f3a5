package agent

import (
	"fmt"
	"strings"
)

// MaxInfoBytes bounds the info field, text plus tail.
const MaxInfoBytes = 200

const infoSeparator = " | "

// SystemPrompt returns the instruction given to the generator.
func SystemPrompt() string {
	return "You are SMART-QSO, a 1U CubeSat. Given health fields (TIME, MODE, " +
		"SOC, SUN, RF, PWR, QSO, CALL), write one short, human-readable " +
		"status line that begins with 'de <CALL>:' and ends with '73!' unless " +
		"MODE=SAFE. Keep <=120 ASCII bytes; no emojis; plain text."
}

// UserPrompt renders the health fields for the generator.
func UserPrompt(h Health) string {
	return fmt.Sprintf("CALL=%s TIME=%s MODE=%s SOC=%d SUN=%d RF=%d PWR=%s QSO=%d",
		h.Call, h.Time, h.Mode, h.SOC, b2i(h.Sun), b2i(h.RF), h.Pwr, h.QSO)
}

// Fallback returns the deterministic status text for h.
func Fallback(h Health) string {
	var text string
	switch {
	case h.Mode == "SAFE" || h.SOC < 25:
		text = fmt.Sprintf("de %s: Conserving power - SOC %d%%.", h.Call, h.SOC)
	case h.Sun && h.RF:
		text = fmt.Sprintf("de %s: I am sunlit and operating - SOC %d%%, transponder ACTIVE. 73!", h.Call, h.SOC)
	case h.Sun:
		text = fmt.Sprintf("de %s: Sunlit but conserving - SOC %d%%. RF OFF. 73!", h.Call, h.SOC)
	case h.RF:
		text = fmt.Sprintf("de %s: Eclipse ops - RF ACTIVE, SOC %d%%. 73!", h.Call, h.SOC)
	default:
		text = fmt.Sprintf("de %s: Coasting in eclipse, conserving power - SOC %d%%.", h.Call, h.SOC)
	}
	return ToASCII(text)
}

// Tail renders the fixed telemetry suffix of the info field.
func Tail(h Health) string {
	return fmt.Sprintf("T=%s M=%s SOC=%d SUN=%d RF=%d PWR=%s QSO=%d",
		h.Time, h.Mode, h.SOC, b2i(h.Sun), b2i(h.RF), h.Pwr, h.QSO)
}

// ComposeInfo joins text and the tail, cutting text so the result fits in
// MaxInfoBytes. The tail is never cut.
func ComposeInfo(h Health, text string) string {
	tail := ToASCII(Tail(h))
	room := MaxInfoBytes - len(infoSeparator) - len(tail)
	if room < 0 {
		room = 0
	}
	return ClampBytes(ToASCII(text), room) + infoSeparator + tail
}

// ToASCII drops every byte outside printable ASCII; tabs and newlines
// become spaces so the field stays on one line.
func ToASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			b.WriteByte(' ')
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ClampBytes cuts an ASCII string to at most limit bytes.
func ClampBytes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
