package channel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultDTMFDuration is used when a digit string carries no duration.
const DefaultDTMFDuration = 100 * time.Millisecond

var (
	ErrDTMFQueueFull    = errors.New("dtmf queue full")
	ErrInvalidDTMFDigit = errors.New("invalid dtmf digit")
)

// DTMF is one queued digit.
type DTMF struct {
	Digit    byte          `json:"digit"`
	Duration time.Duration `json:"duration"`
}

func (d DTMF) String() string {
	return fmt.Sprintf("%c@%d", d.Digit, d.Duration.Milliseconds())
}

func validDigit(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9', b == '*', b == '#':
		return b, true
	case b >= 'a' && b <= 'd':
		return b - 'a' + 'A', true
	case b >= 'A' && b <= 'D':
		return b, true
	}
	return 0, false
}

// QueueDTMF appends a digit to the channel's DTMF buffer.
func (c *Channel) QueueDTMF(d DTMF) error {
	digit, ok := validDigit(d.Digit)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidDTMFDigit, d.Digit)
	}
	d.Digit = digit
	if d.Duration <= 0 {
		d.Duration = DefaultDTMFDuration
	}

	c.dtmfMu.Lock()
	defer c.dtmfMu.Unlock()
	if c.dtmfMax > 0 && len(c.dtmf) >= c.dtmfMax {
		return ErrDTMFQueueFull
	}
	c.dtmf = append(c.dtmf, d)
	return nil
}

// QueueDTMFString queues digits written as "123", optionally followed by a
// per-string duration in milliseconds: "123@250". Invalid characters are
// skipped. It returns the number of digits queued.
func (c *Channel) QueueDTMFString(s string) (int, error) {
	digits, dur := s, DefaultDTMFDuration
	if i := strings.IndexByte(s, '@'); i >= 0 {
		digits = s[:i]
		if ms, err := strconv.Atoi(s[i+1:]); err == nil && ms > 0 {
			dur = time.Duration(ms) * time.Millisecond
		}
	}

	n := 0
	for i := 0; i < len(digits); i++ {
		if _, ok := validDigit(digits[i]); !ok {
			continue
		}
		if err := c.QueueDTMF(DTMF{Digit: digits[i], Duration: dur}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// DequeueDTMF pops the oldest digit.
func (c *Channel) DequeueDTMF() (DTMF, bool) {
	c.dtmfMu.Lock()
	defer c.dtmfMu.Unlock()
	if len(c.dtmf) == 0 {
		return DTMF{}, false
	}
	d := c.dtmf[0]
	c.dtmf = c.dtmf[1:]
	return d, true
}

// PendingDTMF returns how many digits are queued.
func (c *Channel) PendingDTMF() int {
	c.dtmfMu.Lock()
	defer c.dtmfMu.Unlock()
	return len(c.dtmf)
}

// FlushDTMF discards all queued digits.
func (c *Channel) FlushDTMF() int {
	c.dtmfMu.Lock()
	defer c.dtmfMu.Unlock()
	n := len(c.dtmf)
	c.dtmf = nil
	return n
}
