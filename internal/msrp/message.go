// Package msrp implements the Message Session Relay Protocol (RFC 4975) used
// for text media: the wire model, an incremental parser, per-call sessions and
// the listener/worker engine that services their connections.
package msrp

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Method classifies an MSRP start line.
type Method int

const (
	MethodUnknown Method = iota
	MethodSend
	MethodReport
	MethodAuth
	// MethodReply marks a response line ("MSRP <txn> <code> <reason>").
	MethodReply
)

var methodNames = [...]string{
	MethodUnknown: "UNKNOWN",
	MethodSend:    "SEND",
	MethodReport:  "REPORT",
	MethodAuth:    "AUTH",
	MethodReply:   "REPLY",
}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return "UNKNOWN"
	}
	return methodNames[m]
}

// ParseState is the parser's progress on a message.
type ParseState int

const (
	StateWaitHeader ParseState = iota
	StateParseHeader
	StateWaitBody
	StateDone
	StateError
)

func (s ParseState) String() string {
	switch s {
	case StateWaitHeader:
		return "WAIT_HEADER"
	case StateParseHeader:
		return "PARSE_HEADER"
	case StateWaitBody:
		return "WAIT_BODY"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Header identifies one of the headers the engine understands.
type Header int

const (
	HeaderFromPath Header = iota
	HeaderToPath
	HeaderMessageID
	HeaderContentType
	HeaderSuccessReport
	HeaderFailureReport
	HeaderStatus
	HeaderKeepAlive
	HeaderByteRange
	headerCount
)

var headerNames = [headerCount]string{
	HeaderFromPath:      "From-Path",
	HeaderToPath:        "To-Path",
	HeaderMessageID:     "Message-ID",
	HeaderContentType:   "Content-Type",
	HeaderSuccessReport: "Success-Report",
	HeaderFailureReport: "Failure-Report",
	HeaderStatus:        "Status",
	HeaderKeepAlive:     "Keep-Alive",
	HeaderByteRange:     "Byte-Range",
}

// wireOrder is the order headers are written in.
var wireOrder = [...]Header{
	HeaderToPath,
	HeaderFromPath,
	HeaderMessageID,
	HeaderSuccessReport,
	HeaderFailureReport,
	HeaderStatus,
	HeaderKeepAlive,
	HeaderByteRange,
	HeaderContentType,
}

func (h Header) String() string {
	if h < 0 || h >= headerCount {
		return "Unknown"
	}
	return headerNames[h]
}

func lookupHeader(name string) (Header, bool) {
	for i, n := range headerNames {
		if strings.EqualFold(n, name) {
			return Header(i), true
		}
	}
	return 0, false
}

// Unbounded is the value of ByteEnd or Total when the wire carried "*".
const Unbounded int64 = -1

const delimiterPrefix = "-------"

// Continuation flags terminating a message.
const (
	flagComplete = '$'
	flagMore     = '+'
	flagAbort    = '#'
)

// Message is one MSRP request or response. A message is owned by exactly one
// party at a time: the parser while it is being assembled, the session queue
// until it is popped, then the consumer.
type Message struct {
	Method        Method
	TransactionID string
	Code          int    // responses only
	Reason        string // responses only

	// ByteStart and ByteEnd are 1-based inclusive offsets; Total is the
	// declared size of the whole logical message.
	ByteStart int64
	ByteEnd   int64
	Total     int64

	Payload []byte
	State   ParseState

	// AccumulatedBytes counts payload bytes delivered for this logical
	// message so far, including earlier spilled chunks.
	AccumulatedBytes int64
	// Chunk marks a partial payload flushed before the end delimiter arrived.
	Chunk bool
	// Aborted is set when the sender terminated the message with '#'.
	Aborted bool

	headers [headerCount]string
}

// Header returns the value of h, or "" when absent.
func (m *Message) Header(h Header) string {
	if h < 0 || h >= headerCount {
		return ""
	}
	return m.headers[h]
}

// SetHeader sets h; an empty value removes it.
func (m *Message) SetHeader(h Header, value string) {
	if h < 0 || h >= headerCount {
		return
	}
	m.headers[h] = value
}

// Delimiter is the end-line prefix unique to this transaction.
func (m *Message) Delimiter() string {
	return delimiterPrefix + m.TransactionID
}

// PayloadBytes is the payload length implied by a bounded Byte-Range, or
// Unbounded when the end is not known yet.
func (m *Message) PayloadBytes() int64 {
	switch {
	case m.ByteEnd == Unbounded:
		return Unbounded
	case m.ByteEnd == 0:
		return 0
	default:
		return m.ByteEnd + 1 - m.ByteStart
	}
}

// IsRequest reports whether the message is a SEND, REPORT or AUTH.
func (m *Message) IsRequest() bool {
	return m.Method == MethodSend || m.Method == MethodReport || m.Method == MethodAuth
}

// WantsSuccessReport reports whether the sender asked for a REPORT on success.
func (m *Message) WantsSuccessReport() bool {
	return strings.EqualFold(strings.TrimSpace(m.headers[HeaderSuccessReport]), "yes")
}

// WantsFailureReport follows RFC 4975: absent means yes.
func (m *Message) WantsFailureReport() bool {
	v := strings.TrimSpace(m.headers[HeaderFailureReport])
	return v == "" || strings.EqualFold(v, "yes") || strings.EqualFold(v, "partial")
}

func formatRangeValue(v int64) string {
	if v == Unbounded {
		return "*"
	}
	return strconv.FormatInt(v, 10)
}

// ByteRange renders the range as it appears on the wire.
func (m *Message) ByteRange() string {
	return fmt.Sprintf("%d-%s/%s", m.ByteStart, formatRangeValue(m.ByteEnd), formatRangeValue(m.Total))
}

// String renders the start line, handy in logs.
func (m *Message) String() string {
	if m.Method == MethodReply {
		return fmt.Sprintf("MSRP %s %03d %s", m.TransactionID, m.Code, m.Reason)
	}
	return fmt.Sprintf("MSRP %s %s", m.TransactionID, m.Method)
}

// cloneHeaders copies identity and headers but not payload or parse progress.
func (m *Message) cloneHeaders() *Message {
	c := &Message{
		Method:        m.Method,
		TransactionID: m.TransactionID,
		Code:          m.Code,
		Reason:        m.Reason,
		ByteStart:     m.ByteStart,
		ByteEnd:       m.ByteEnd,
		Total:         m.Total,
	}
	c.headers = m.headers
	return c
}

// Marshal serializes the message as a complete frame.
func (m *Message) Marshal() []byte {
	var b bytes.Buffer
	b.Grow(256 + len(m.Payload))

	b.WriteString("MSRP ")
	b.WriteString(m.TransactionID)
	if m.Method == MethodReply {
		fmt.Fprintf(&b, " %03d", m.Code)
		if m.Reason != "" {
			b.WriteByte(' ')
			b.WriteString(m.Reason)
		}
	} else {
		b.WriteByte(' ')
		b.WriteString(m.Method.String())
	}
	b.WriteString("\r\n")

	for _, h := range wireOrder {
		if h == HeaderByteRange {
			if m.Method == MethodSend || m.Method == MethodReport {
				b.WriteString("Byte-Range: ")
				b.WriteString(m.ByteRange())
				b.WriteString("\r\n")
			}
			continue
		}
		if v := m.headers[h]; v != "" {
			b.WriteString(headerNames[h])
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}

	if m.Method == MethodSend || len(m.Payload) > 0 {
		b.WriteString("\r\n")
		if len(m.Payload) > 0 {
			b.Write(m.Payload)
			b.WriteString("\r\n")
		}
	}

	b.WriteString(m.Delimiter())
	if m.Aborted {
		b.WriteByte(flagAbort)
	} else {
		b.WriteByte(flagComplete)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// WriteTo writes the frame with a single Write call.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Marshal())
	return int64(n), err
}
