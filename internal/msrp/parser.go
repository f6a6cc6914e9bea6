package msrp

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"firestige.xyz/callcore/internal/metrics"
)

// Protocol errors. All of them are fatal to the connection that produced them.
var (
	ErrMalformedStartLine      = errors.New("malformed start line")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidStatusCode       = errors.New("invalid status code")
	ErrMalformedHeader         = errors.New("malformed header line")
	ErrInvalidByteRange        = errors.New("invalid byte range")
	ErrBodyTooLarge            = errors.New("declared body exceeds frame buffer")
	ErrMissingDelimiter        = errors.New("end-line missing at expected offset")
	ErrContinuationUnsupported = errors.New("continuation flag '+' is not supported")
	ErrHeaderTooLong           = errors.New("header line exceeds frame buffer")
)

var errorLabels = []struct {
	err   error
	label string
}{
	{ErrMalformedStartLine, "start_line"},
	{ErrInvalidTransactionID, "transaction_id"},
	{ErrInvalidStatusCode, "status_code"},
	{ErrMalformedHeader, "header"},
	{ErrInvalidByteRange, "byte_range"},
	{ErrBodyTooLarge, "body_too_large"},
	{ErrMissingDelimiter, "delimiter"},
	{ErrContinuationUnsupported, "continuation"},
	{ErrHeaderTooLong, "header_too_long"},
}

func errorLabel(err error) string {
	for _, l := range errorLabels {
		if errors.Is(err, l.err) {
			return l.label
		}
	}
	return "other"
}

// ParseError reports where a frame went wrong.
type ParseError struct {
	State         ParseState
	TransactionID string
	Offset        int // within the buffer handed to Parse
	Err           error
}

func (e *ParseError) Error() string {
	if e.TransactionID == "" {
		return fmt.Sprintf("msrp: parse error in %s at offset %d: %v", e.State, e.Offset, e.Err)
	}
	return fmt.Sprintf("msrp: parse error in %s (txn %s) at offset %d: %v", e.State, e.TransactionID, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// MinBufferSize is the smallest frame buffer the parser accepts.
const MinBufferSize = 1024

var startPrefix = []byte("MSRP ")

// Parser incrementally assembles messages from a byte stream. It is not safe
// for concurrent use; each connection owns one.
//
// Parse is handed the unconsumed window of the caller's frame buffer and
// reports how many bytes it consumed. Bytes it did not consume must be
// presented again, followed by newly read data, on the next call. When the
// window is as large as the parser's capacity the parser always makes
// progress: it consumes, spills a chunk, or fails.
type Parser struct {
	capacity  int
	msg       *Message
	err       error
	discarded int64
	logger    *slog.Logger
}

// NewParser returns a parser for a frame buffer of capacity bytes.
func NewParser(capacity int) *Parser {
	if capacity < MinBufferSize {
		capacity = MinBufferSize
	}
	return &Parser{
		capacity: capacity,
		logger:   slog.Default().With("component", "msrp.parser"),
	}
}

// State reports the parser's progress on the current message.
func (p *Parser) State() ParseState {
	if p.err != nil {
		return StateError
	}
	if p.msg == nil {
		return StateWaitHeader
	}
	return p.msg.State
}

// Err returns the error that stopped the parser, if any.
func (p *Parser) Err() error {
	return p.err
}

// Discarded counts bytes skipped while looking for a start line.
func (p *Parser) Discarded() int64 {
	return p.discarded
}

// Parse consumes as much of buf as it can. It returns a message in StateDone
// once one is complete (possibly a spilled chunk), or nil when it needs more
// bytes. Once an error is returned the parser stays failed.
func (p *Parser) Parse(buf []byte) (*Message, int, error) {
	if p.err != nil {
		return nil, 0, p.err
	}

	off := 0
	if p.msg == nil {
		n, err := p.parseStartLine(buf)
		off += n
		if err != nil || p.msg == nil {
			return nil, off, err
		}
	}

	if p.msg.State == StateParseHeader {
		msg, n, err := p.parseHeaders(buf, off)
		off += n
		if err != nil || msg != nil || p.msg == nil || p.msg.State != StateWaitBody {
			return msg, off, err
		}
	}

	full := off == 0 && len(buf) >= p.capacity
	msg, n, err := p.parseBody(buf[off:], off, full)
	return msg, off + n, err
}

func (p *Parser) parseStartLine(buf []byte) (int, error) {
	idx := bytes.Index(buf, startPrefix)
	if idx < 0 {
		// keep a tail that may be the beginning of "MSRP "
		skip := len(buf) - (len(startPrefix) - 1)
		if skip <= 0 {
			return 0, nil
		}
		p.discard(skip)
		return skip, nil
	}
	if idx > 0 {
		p.discard(idx)
	}

	line, n, ok := readLine(buf[idx:])
	if !ok {
		if idx == 0 && len(buf) >= p.capacity {
			return 0, p.fail(0, ErrHeaderTooLong)
		}
		return idx, nil
	}

	msg, err := parseStartLine(line)
	if err != nil {
		return idx + n, p.fail(idx, err)
	}
	msg.State = StateParseHeader
	p.msg = msg
	return idx + n, nil
}

func (p *Parser) parseHeaders(buf []byte, base int) (*Message, int, error) {
	msg := p.msg
	delim := []byte(msg.Delimiter())
	off := 0

	for {
		line, n, ok := readLine(buf[base+off:])
		if !ok {
			if base+off == 0 && len(buf) >= p.capacity {
				return nil, off, p.fail(base+off, ErrHeaderTooLong)
			}
			return nil, off, nil
		}

		if len(line) == 0 {
			msg.State = StateWaitBody
			return nil, off + n, nil
		}

		if bytes.HasPrefix(line, delim) {
			// end-line in header position: a message without body
			flag, err := endFlag(line[len(delim):])
			if err != nil {
				return nil, off + n, p.fail(base+off, err)
			}
			msg.Aborted = flag == flagAbort
			return p.complete(), off + n, nil
		}

		if err := p.parseHeaderLine(msg, line); err != nil {
			return nil, off + n, p.fail(base+off, err)
		}
		off += n
	}
}

func (p *Parser) parseHeaderLine(msg *Message, line []byte) error {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	name := strings.TrimSpace(string(line[:colon]))
	value := strings.TrimSpace(string(line[colon+1:]))

	h, ok := lookupHeader(name)
	if !ok {
		p.logger.Debug("ignoring unknown header", "header", name, "txn", msg.TransactionID)
		return nil
	}

	if h == HeaderByteRange {
		start, end, total, err := parseByteRange(value)
		if err != nil {
			return err
		}
		msg.ByteStart, msg.ByteEnd, msg.Total = start, end, total
	}
	msg.headers[h] = value
	return nil
}

func (p *Parser) parseBody(body []byte, base int, full bool) (*Message, int, error) {
	msg := p.msg
	delim := msg.Delimiter()

	if msg.ByteEnd == 0 {
		// Empty body. Swallow an end-line that is already buffered; anything
		// else is left for the start-line scan.
		switch st, flag, n := matchEndLine(body, delim); st {
		case endMatched:
			if _, err := endFlag([]byte{flag}); err != nil {
				return nil, n, p.fail(base, err)
			}
			msg.Aborted = flag == flagAbort
			return p.complete(), n, nil
		case endPartial:
			if len(body) > 0 {
				return nil, 0, nil
			}
		}
		return p.complete(), 0, nil
	}

	if msg.ByteEnd != Unbounded {
		return p.parseBoundedBody(body, base)
	}
	return p.parseUnboundedBody(body, full)
}

func (p *Parser) parseBoundedBody(body []byte, base int) (*Message, int, error) {
	msg := p.msg
	delim := msg.Delimiter()
	need := int(msg.PayloadBytes())

	if need < 0 || need+2+len(delim)+3 > p.capacity {
		return nil, 0, p.fail(base, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, need))
	}
	if len(body) < need+2 {
		return nil, 0, nil
	}
	if body[need] != '\r' || body[need+1] != '\n' {
		return nil, 0, p.fail(base+need, ErrMissingDelimiter)
	}

	st, flag, n := matchEndLine(body[need+2:], delim)
	switch st {
	case endPartial:
		return nil, 0, nil
	case endMismatch:
		return nil, 0, p.fail(base+need+2, ErrMissingDelimiter)
	}
	if _, err := endFlag([]byte{flag}); err != nil {
		return nil, 0, p.fail(base+need+2, err)
	}

	msg.Payload = bytes.Clone(body[:need])
	msg.AccumulatedBytes += int64(need)
	msg.Aborted = flag == flagAbort
	return p.complete(), need + 2 + n, nil
}

func (p *Parser) parseUnboundedBody(body []byte, full bool) (*Message, int, error) {
	msg := p.msg
	delim := msg.Delimiter()
	marker := []byte("\r\n" + delim)

	from := 0
	for {
		i := bytes.Index(body[from:], marker)
		if i < 0 {
			break
		}
		i += from

		st, flag, n := matchEndLine(body[i+2:], delim)
		if st == endPartial {
			if full {
				return p.spill(body, i), i, nil
			}
			return nil, 0, nil
		}
		if st == endMatched {
			switch flag {
			case flagMore:
				return nil, 0, p.fail(i+2, ErrContinuationUnsupported)
			case flagComplete, flagAbort:
				p.finishUnbounded(body[:i], flag == flagAbort)
				return p.complete(), i + 2 + n, nil
			}
		}
		// delimiter text inside the payload
		from = i + 1
	}

	if full {
		// hold back a tail that may be the start of the marker
		n := len(body) - (len(marker) - 1)
		return p.spill(body, n), n, nil
	}
	return nil, 0, nil
}

// spill flushes the first n payload bytes as an intermediate chunk; the
// in-progress message keeps accumulating.
func (p *Parser) spill(body []byte, n int) *Message {
	msg := p.msg
	chunk := msg.cloneHeaders()
	chunk.Payload = bytes.Clone(body[:n])
	chunk.Chunk = true
	chunk.State = StateDone
	chunk.ByteStart = msg.ByteStart + msg.AccumulatedBytes
	chunk.ByteEnd = chunk.ByteStart + int64(n) - 1

	msg.AccumulatedBytes += int64(n)
	chunk.AccumulatedBytes = msg.AccumulatedBytes

	metrics.MSRPSpilledChunksTotal.Inc()
	p.logger.Debug("spilled partial payload",
		"txn", msg.TransactionID,
		"bytes", n,
		"accumulated", msg.AccumulatedBytes,
	)
	return chunk
}

func (p *Parser) finishUnbounded(payload []byte, aborted bool) {
	msg := p.msg
	msg.Payload = bytes.Clone(payload)
	msg.AccumulatedBytes += int64(len(payload))
	msg.Aborted = aborted
	if msg.AccumulatedBytes > 0 {
		msg.ByteEnd = msg.ByteStart + msg.AccumulatedBytes - 1
	} else {
		msg.ByteEnd = 0
	}
	if msg.Total == Unbounded && !aborted {
		msg.Total = msg.ByteEnd
	}
}

func (p *Parser) complete() *Message {
	msg := p.msg
	msg.State = StateDone
	p.msg = nil
	return msg
}

func (p *Parser) fail(offset int, err error) error {
	pe := &ParseError{State: p.State(), Offset: offset, Err: err}
	if p.msg != nil {
		pe.TransactionID = p.msg.TransactionID
		p.msg.State = StateError
	}
	p.err = pe
	metrics.MSRPParseErrorsTotal.WithLabelValues(errorLabel(err)).Inc()
	return pe
}

func (p *Parser) discard(n int) {
	p.discarded += int64(n)
	p.logger.Debug("discarding bytes outside a frame", "bytes", n)
}

func parseStartLine(line []byte) (*Message, error) {
	rest := string(line[len(startPrefix):])
	txn, tail, ok := strings.Cut(rest, " ")
	if !ok || txn == "" || tail == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	if !validTransactionID(txn) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransactionID, txn)
	}

	msg := &Message{
		TransactionID: txn,
		ByteStart:     1,
		ByteEnd:       Unbounded,
		Total:         Unbounded,
	}

	token, reason, _ := strings.Cut(tail, " ")
	switch token {
	case "SEND":
		msg.Method = MethodSend
	case "REPORT":
		msg.Method = MethodReport
	case "AUTH":
		msg.Method = MethodAuth
	default:
		if isDigits(token) {
			if len(token) != 3 {
				return nil, fmt.Errorf("%w: %q", ErrInvalidStatusCode, token)
			}
			code, _ := strconv.Atoi(token)
			msg.Method = MethodReply
			msg.Code = code
			msg.Reason = strings.TrimSpace(reason)
			return msg, nil
		}
		if !isUpperAlpha(token) {
			return nil, fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
		}
		// extension method, answered with 501 by the engine
		msg.Method = MethodUnknown
	}
	return msg, nil
}

func parseByteRange(v string) (start, end, total int64, err error) {
	bad := fmt.Errorf("%w: %q", ErrInvalidByteRange, v)

	dash := strings.IndexByte(v, '-')
	slash := strings.IndexByte(v, '/')
	if dash <= 0 || slash <= dash {
		return 0, 0, 0, bad
	}

	start, err = strconv.ParseInt(v[:dash], 10, 64)
	if err != nil || start < 1 {
		return 0, 0, 0, bad
	}
	if end, err = parseRangeValue(v[dash+1 : slash]); err != nil {
		return 0, 0, 0, bad
	}
	if total, err = parseRangeValue(v[slash+1:]); err != nil {
		return 0, 0, 0, bad
	}

	if end != Unbounded && end != 0 && end < start {
		return 0, 0, 0, bad
	}
	if end != Unbounded && total != Unbounded && end > total {
		return 0, 0, 0, bad
	}
	return start, end, total, nil
}

func parseRangeValue(s string) (int64, error) {
	if s == "*" {
		return Unbounded, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, ErrInvalidByteRange
	}
	return v, nil
}

func endFlag(rest []byte) (byte, error) {
	if len(rest) != 1 {
		return 0, ErrMissingDelimiter
	}
	switch rest[0] {
	case flagComplete, flagAbort:
		return rest[0], nil
	case flagMore:
		return 0, ErrContinuationUnsupported
	}
	return 0, ErrMissingDelimiter
}

type endMatch int

const (
	endMismatch endMatch = iota
	endPartial
	endMatched
)

// matchEndLine checks whether b starts with "<delim><flag>\r\n".
func matchEndLine(b []byte, delim string) (endMatch, byte, int) {
	n := min(len(b), len(delim))
	if string(b[:n]) != delim[:n] {
		return endMismatch, 0, 0
	}
	need := len(delim) + 3
	if len(b) < need {
		if len(b) > len(delim)+1 && b[len(delim)+1] != '\r' {
			return endMismatch, 0, 0
		}
		return endPartial, 0, 0
	}
	if b[len(delim)+1] != '\r' || b[len(delim)+2] != '\n' {
		return endMismatch, 0, 0
	}
	return endMatched, b[len(delim)], need
}

func readLine(b []byte) ([]byte, int, bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return nil, 0, false
	}
	line := b[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, i + 1, true
}

func validTransactionID(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c == '.', c == '-', c == '+', c == '%', c == '=':
		default:
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isUpperAlpha(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return s != ""
}
