package msrp

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pieceReader returns each piece from a separate Read call.
type pieceReader struct {
	pieces []string
}

func (r *pieceReader) Read(p []byte) (int, error) {
	if len(r.pieces) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.pieces[0])
	r.pieces[0] = r.pieces[0][n:]
	if r.pieces[0] == "" {
		r.pieces = r.pieces[1:]
	}
	return n, nil
}

func readAll(t *testing.T, fr *FrameReader) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func TestFrameReaderAcrossPartialReads(t *testing.T) {
	r := &pieceReader{pieces: []string{
		"MSRP a1 SEND\r\nTo-Path: msrp://h/u1;tcp\r\nFrom-Path: msrp://h/u2;tcp\r\nByte-Range: 1-5/5\r\n\r\nHel",
		"lo\r\n-------a1$\r\n",
	}}

	msgs := readAll(t, NewFrameReader(r, MinBufferSize))
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, MethodSend, msg.Method)
	assert.Equal(t, "a1", msg.TransactionID)
	assert.Equal(t, "Hello", string(msg.Payload))
	assert.Equal(t, "1-5/5", msg.ByteRange())
	assert.Equal(t, "msrp://h/u1;tcp", msg.Header(HeaderToPath))
	assert.Equal(t, "msrp://h/u2;tcp", msg.Header(HeaderFromPath))
	assert.Equal(t, StateDone, msg.State)
	assert.False(t, msg.Chunk)
	assert.EqualValues(t, 5, msg.AccumulatedBytes)
}

func TestFrameReaderOneByteAtATime(t *testing.T) {
	send := NewSend("msrp://h:2855/u1;tcp", "msrp://h:2855/u2;tcp", "text/plain", []byte("hello world"))
	reply := NewReply(send, CodeOK, "")
	stream := append(send.Marshal(), reply.Marshal()...)

	msgs := readAll(t, NewFrameReader(iotest.OneByteReader(bytes.NewReader(stream)), MinBufferSize))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello world", string(msgs[0].Payload))
	assert.Equal(t, MethodReply, msgs[1].Method)
	assert.Equal(t, 200, msgs[1].Code)
	assert.Equal(t, send.TransactionID, msgs[1].TransactionID)
}

func TestMarshalParseRoundTrip(t *testing.T) {
	send := NewSend("msrp://a:1/s1;tcp msrp://relay:2/r;tcp", "msrp://b:3/s2;tcp", "text/plain", []byte("ping"))
	send.SetHeader(HeaderSuccessReport, "yes")

	p := NewParser(MinBufferSize)
	data := send.Marshal()
	msg, n, err := p.Parse(data)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, len(data), n)

	assert.Equal(t, send.TransactionID, msg.TransactionID)
	assert.Equal(t, send.Header(HeaderMessageID), msg.Header(HeaderMessageID))
	assert.Equal(t, "text/plain", msg.Header(HeaderContentType))
	assert.True(t, msg.WantsSuccessReport())
	assert.True(t, msg.WantsFailureReport())
	assert.Equal(t, "ping", string(msg.Payload))

	report := NewReport(msg, msg.AccumulatedBytes)
	got, _, err := NewParser(MinBufferSize).Parse(report.Marshal())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, MethodReport, got.Method)
	assert.Equal(t, "1-4/4", got.ByteRange())
	assert.Equal(t, "000 200 OK", got.Header(HeaderStatus))
	assert.Equal(t, "msrp://b:3/s2;tcp", got.Header(HeaderToPath))
	assert.Equal(t, "msrp://a:1/s1;tcp", got.Header(HeaderFromPath))
}

func TestReportCoversRequestRange(t *testing.T) {
	input := "MSRP r5 SEND\r\nTo-Path: msrp://b:3/s2;tcp\r\nFrom-Path: msrp://a:1/s1;tcp\r\n" +
		"Message-ID: m9\r\nSuccess-Report: yes\r\nByte-Range: 101-105/300\r\n\r\nworld\r\n-------r5$\r\n"

	msg, _, err := NewParser(MinBufferSize).Parse([]byte(input))
	require.NoError(t, err)
	require.NotNil(t, msg)

	report := NewReport(msg, msg.AccumulatedBytes)
	assert.Equal(t, "101-105/300", report.ByteRange())
	assert.Equal(t, "m9", report.Header(HeaderMessageID))

	empty := NewReport(&Message{Method: MethodSend, ByteStart: 1, Total: 0}, 0)
	assert.Equal(t, "1-0/0", empty.ByteRange())
}

func TestParserBodylessMessages(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		method Method
		code   int
	}{
		{
			name:   "response",
			input:  "MSRP a1 200 OK\r\nTo-Path: msrp://h/u2;tcp\r\nFrom-Path: msrp://h/u1;tcp\r\n-------a1$\r\n",
			method: MethodReply,
			code:   200,
		},
		{
			name:   "empty send",
			input:  "MSRP b2 SEND\r\nTo-Path: msrp://h/u1;tcp\r\nFrom-Path: msrp://h/u2;tcp\r\nByte-Range: 1-0/0\r\n\r\n-------b2$\r\n",
			method: MethodSend,
		},
		{
			name:   "extension method",
			input:  "MSRP c3 NICKNAME\r\nTo-Path: msrp://h/u1;tcp\r\n-------c3$\r\n",
			method: MethodUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(MinBufferSize)
			msg, n, err := p.Parse([]byte(tt.input))
			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.Equal(t, len(tt.input), n)
			assert.Equal(t, tt.method, msg.Method)
			assert.Equal(t, tt.code, msg.Code)
			assert.Empty(t, msg.Payload)
			assert.Equal(t, StateWaitHeader, p.State())
		})
	}
}

func TestParserSkipsGarbageAndUnknownHeaders(t *testing.T) {
	input := "junk\r\nMSRP a1 SEND\r\nTo-Path: msrp://h/u1;tcp\r\nX-Custom: 1\r\nByte-Range: 1-2/2\r\n\r\nhi\r\n-------a1$\r\n"

	msgs := readAll(t, NewFrameReader(strings.NewReader(input), MinBufferSize))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", string(msgs[0].Payload))
}

func TestParserAbortedMessage(t *testing.T) {
	input := "MSRP a1 SEND\r\nTo-Path: msrp://h/u1;tcp\r\nByte-Range: 1-3/10\r\n\r\nabc\r\n-------a1#\r\n"

	msg, _, err := NewParser(MinBufferSize).Parse([]byte(input))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, msg.Aborted)
	assert.Equal(t, "abc", string(msg.Payload))
	assert.EqualValues(t, 10, msg.Total)
}

func TestParserUnboundedSpill(t *testing.T) {
	payload := strings.Repeat("0123456789", 300)
	input := "MSRP u1 SEND\r\nTo-Path: msrp://h/u1;tcp\r\nByte-Range: 1-*/*\r\n\r\n" + payload + "\r\n-------u1$\r\n"

	for name, r := range map[string]io.Reader{
		"bulk":     strings.NewReader(input),
		"one byte": iotest.OneByteReader(strings.NewReader(input)),
	} {
		t.Run(name, func(t *testing.T) {
			msgs := readAll(t, NewFrameReader(r, MinBufferSize))
			require.Greater(t, len(msgs), 1)

			var got bytes.Buffer
			next := int64(1)
			for i, m := range msgs {
				last := i == len(msgs)-1
				assert.Equal(t, !last, m.Chunk, "chunk flag of message %d", i)
				if !last {
					assert.Equal(t, next, m.ByteStart, "byte start of chunk %d", i)
					assert.Equal(t, next+int64(len(m.Payload))-1, m.ByteEnd, "byte end of chunk %d", i)
				}
				next += int64(len(m.Payload))
				got.Write(m.Payload)
			}
			assert.Equal(t, payload, got.String())

			// the final message describes the whole logical message
			final := msgs[len(msgs)-1]
			assert.EqualValues(t, 1, final.ByteStart)
			assert.EqualValues(t, len(payload), final.AccumulatedBytes)
			assert.EqualValues(t, len(payload), final.ByteEnd)
			assert.EqualValues(t, len(payload), final.Total)
		})
	}
}

func TestParserUnboundedDelimiterLookalike(t *testing.T) {
	payload := "line one\r\n-------u1Q\r\nline two\r\n-------u1"
	input := "MSRP u1 SEND\r\nTo-Path: msrp://h/u1;tcp\r\nByte-Range: 1-*/*\r\n\r\n" + payload + "\r\n-------u1$\r\n"

	msgs := readAll(t, NewFrameReader(strings.NewReader(input), MinBufferSize))
	require.Len(t, msgs, 1)
	assert.Equal(t, payload, string(msgs[0].Payload))
}

func TestParserErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"missing method", "MSRP a1\r\n", ErrMalformedStartLine},
		{"lowercase method", "MSRP a1 send\r\n", ErrMalformedStartLine},
		{"bad transaction id", "MSRP a!1 SEND\r\n", ErrInvalidTransactionID},
		{"two digit status", "MSRP a1 20 OK\r\n", ErrInvalidStatusCode},
		{"header without colon", "MSRP a1 SEND\r\nBogus\r\n", ErrMalformedHeader},
		{"inverted byte range", "MSRP a1 SEND\r\nByte-Range: 5-2/9\r\n", ErrInvalidByteRange},
		{"range past total", "MSRP a1 SEND\r\nByte-Range: 1-9/5\r\n", ErrInvalidByteRange},
		{"body without delimiter", "MSRP a1 SEND\r\nByte-Range: 1-3/3\r\n\r\nabcX\r\n-------a1$\r\n", ErrMissingDelimiter},
		{"continuation flag", "MSRP a1 REPORT\r\n-------a1+\r\n", ErrContinuationUnsupported},
		{"body larger than buffer", "MSRP a1 SEND\r\nByte-Range: 1-5000/5000\r\n\r\n", ErrBodyTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(MinBufferSize)
			msg, _, err := p.Parse([]byte(tt.input))
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tt.want)

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, StateError, p.State())

			// the parser stays failed
			_, n, again := p.Parse([]byte("MSRP b1 200 OK\r\n-------b1$\r\n"))
			assert.Zero(t, n)
			assert.Equal(t, err, again)
		})
	}
}

func TestParserHeaderTooLong(t *testing.T) {
	input := "MSRP a1 SEND\r\nTo-Path: " + strings.Repeat("x", 2*MinBufferSize)

	_, err := NewFrameReader(strings.NewReader(input), MinBufferSize).Next()
	assert.ErrorIs(t, err, ErrHeaderTooLong)
}

func TestParseByteRange(t *testing.T) {
	start, end, total, err := parseByteRange("1-*/*")
	require.NoError(t, err)
	assert.EqualValues(t, 1, start)
	assert.Equal(t, Unbounded, end)
	assert.Equal(t, Unbounded, total)

	start, end, total, err = parseByteRange("11-20/*")
	require.NoError(t, err)
	assert.EqualValues(t, 11, start)
	assert.EqualValues(t, 20, end)
	assert.Equal(t, Unbounded, total)

	for _, bad := range []string{"", "0-1/1", "a-1/1", "1-2", "1-2/x", "3-1/5"} {
		_, _, _, err := parseByteRange(bad)
		assert.ErrorIs(t, err, ErrInvalidByteRange, bad)
	}
}

func TestMarshalAbortedAndHeaderOrder(t *testing.T) {
	m := NewSend("msrp://h/u1;tcp", "msrp://h/u2;tcp", "text/plain", []byte("x"))
	m.TransactionID = "t1"
	m.SetHeader(HeaderMessageID, "m1")
	m.Aborted = true

	want := "MSRP t1 SEND\r\n" +
		"To-Path: msrp://h/u1;tcp\r\n" +
		"From-Path: msrp://h/u2;tcp\r\n" +
		"Message-ID: m1\r\n" +
		"Byte-Range: 1-1/1\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"x\r\n" +
		"-------t1#\r\n"
	assert.Equal(t, want, string(m.Marshal()))
}
