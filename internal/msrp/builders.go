package msrp

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Response codes used by the engine.
const (
	CodeOK                 = 200
	CodeBadRequest         = 400
	CodeForbidden          = 403
	CodeRequestTimeout     = 408
	CodeStopSending        = 413
	CodeUnsupportedMedia   = 415
	CodeRangeNotSatisfied  = 423
	CodeSessionDoesntExist = 481
	CodeNotImplemented     = 501
	CodeWrongConnection    = 506
)

var reasonPhrases = map[int]string{
	CodeOK:                 "OK",
	CodeBadRequest:         "Bad Request",
	CodeForbidden:          "Forbidden",
	CodeRequestTimeout:     "Request Timeout",
	CodeStopSending:        "Stop Sending Message",
	CodeUnsupportedMedia:   "Unsupported Media Type",
	CodeRangeNotSatisfied:  "Parameters Out Of Bounds",
	CodeSessionDoesntExist: "Session Does Not Exist",
	CodeNotImplemented:     "Unknown Method",
	CodeWrongConnection:    "Session Already Bound",
}

// ReasonPhrase returns the conventional phrase for code.
func ReasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return ""
}

// newTransactionID returns a 16 hex digit token.
func newTransactionID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:16]
}

func newMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSend builds a complete SEND carrying payload in one chunk.
func NewSend(toPath, fromPath, contentType string, payload []byte) *Message {
	m := &Message{
		Method:        MethodSend,
		TransactionID: newTransactionID(),
		ByteStart:     1,
		ByteEnd:       int64(len(payload)),
		Total:         int64(len(payload)),
		Payload:       payload,
	}
	m.SetHeader(HeaderToPath, toPath)
	m.SetHeader(HeaderFromPath, fromPath)
	m.SetHeader(HeaderMessageID, newMessageID())
	if len(payload) > 0 && contentType != "" {
		m.SetHeader(HeaderContentType, contentType)
	}
	return m
}

// NewReply builds the response to req. The paths are swapped so the response
// travels back along the request's route.
func NewReply(req *Message, code int, reason string) *Message {
	if reason == "" {
		reason = ReasonPhrase(code)
	}
	m := &Message{
		Method:        MethodReply,
		TransactionID: req.TransactionID,
		Code:          code,
		Reason:        reason,
	}
	m.SetHeader(HeaderToPath, req.Header(HeaderFromPath))
	m.SetHeader(HeaderFromPath, firstURI(req.Header(HeaderToPath)))
	return m
}

// NewReport builds a success REPORT for req covering the delivered bytes,
// counted from the request's own range start.
func NewReport(req *Message, delivered int64) *Message {
	start := max(req.ByteStart, 1)
	var end int64
	if delivered > 0 {
		end = start + delivered - 1
	}
	total := req.Total
	if total == Unbounded || total < end {
		total = end
	}
	m := &Message{
		Method:        MethodReport,
		TransactionID: newTransactionID(),
		ByteStart:     start,
		ByteEnd:       end,
		Total:         total,
	}
	m.SetHeader(HeaderToPath, req.Header(HeaderFromPath))
	m.SetHeader(HeaderFromPath, firstURI(req.Header(HeaderToPath)))
	m.SetHeader(HeaderMessageID, req.Header(HeaderMessageID))
	m.SetHeader(HeaderStatus, fmt.Sprintf("000 %d %s", CodeOK, ReasonPhrase(CodeOK)))
	return m
}

// firstURI returns the first URI of a space separated path list.
func firstURI(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexByte(path, ' '); i >= 0 {
		return path[:i]
	}
	return path
}
