package channel

import "strings"

// Flag is one bit of channel status, independent of the state.
type Flag int

const (
	FlagAnswered Flag = iota
	FlagEarlyMedia
	FlagRingReady
	FlagOutbound
	FlagTransfer
	FlagBridged
	FlagHold
	FlagOriginator
	FlagOriginating
	FlagProxyMode
	FlagSuspend
	FlagBreak
	FlagText
	FlagTextPassive
	FlagTextEcho
	FlagMSRP
	FlagMSRPS
	FlagVideo
	FlagRecording
	FlagEventParse
	FlagNoPresence
	FlagHangupHookRun
	flagCount
)

var flagNames = [flagCount]string{
	FlagAnswered:      "ANSWERED",
	FlagEarlyMedia:    "EARLY_MEDIA",
	FlagRingReady:     "RING_READY",
	FlagOutbound:      "OUTBOUND",
	FlagTransfer:      "TRANSFER",
	FlagBridged:       "BRIDGED",
	FlagHold:          "HOLD",
	FlagOriginator:    "ORIGINATOR",
	FlagOriginating:   "ORIGINATING",
	FlagProxyMode:     "PROXY_MODE",
	FlagSuspend:       "SUSPEND",
	FlagBreak:         "BREAK",
	FlagText:          "HAS_TEXT",
	FlagTextPassive:   "TEXT_PASSIVE",
	FlagTextEcho:      "TEXT_ECHO",
	FlagMSRP:          "MSRP",
	FlagMSRPS:         "MSRPS",
	FlagVideo:         "VIDEO",
	FlagRecording:     "RECORDING",
	FlagEventParse:    "EVENT_PARSE",
	FlagNoPresence:    "NO_PRESENCE",
	FlagHangupHookRun: "HANGUP_HOOK_RUN",
}

func (f Flag) String() string {
	if f < 0 || f >= flagCount {
		return "UNKNOWN"
	}
	return flagNames[f]
}

// ParseFlag looks a flag up by name.
func ParseFlag(name string) (Flag, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range flagNames {
		if n == name {
			return Flag(i), true
		}
	}
	return 0, false
}

// Flags is a bit set wide enough for every Flag. The zero value is empty.
// It is not synchronized.
type Flags struct {
	bits [(int(flagCount) + 63) / 64]uint64
}

// Valid reports whether f is a declared flag.
func (f Flag) Valid() bool { return f >= 0 && f < flagCount }

// Set ignores undeclared flags.
func (s *Flags) Set(f Flag) {
	if !f.Valid() {
		return
	}
	s.bits[f/64] |= 1 << (uint(f) % 64)
}

func (s *Flags) Clear(f Flag) {
	if !f.Valid() {
		return
	}
	s.bits[f/64] &^= 1 << (uint(f) % 64)
}

func (s *Flags) Has(f Flag) bool {
	return f.Valid() && s.bits[f/64]&(1<<(uint(f)%64)) != 0
}

// Names lists the set flags in declaration order.
func (s *Flags) Names() []string {
	var out []string
	for f := Flag(0); f < flagCount; f++ {
		if s.Has(f) {
			out = append(out, f.String())
		}
	}
	return out
}
