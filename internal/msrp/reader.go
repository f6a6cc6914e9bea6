package msrp

import (
	"errors"
	"io"
)

// errNoProgress means the parser refused a full buffer. The parser guarantees
// this cannot happen; seeing it indicates a parser bug.
var errNoProgress = errors.New("msrp: parser made no progress on a full buffer")

// FrameReader hydrates a fixed working buffer from a stream and feeds it to a
// Parser. Unconsumed tail bytes are shifted to the front of the buffer before
// each read so the parser always sees a contiguous view.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	start   int
	end     int
	parser  *Parser
	readErr error

	// trace, when set, sees every chunk read off the stream.
	trace func([]byte)
}

// NewFrameReader returns a reader with a size byte working buffer.
func NewFrameReader(r io.Reader, size int) *FrameReader {
	if size < MinBufferSize {
		size = MinBufferSize
	}
	return &FrameReader{
		r:      r,
		buf:    make([]byte, size),
		parser: NewParser(size),
	}
}

// Buffered returns the number of read but unconsumed bytes.
func (fr *FrameReader) Buffered() int {
	return fr.end - fr.start
}

// Next returns the next complete message or spilled chunk. Errors from the
// parser are *ParseError; errors from the stream are returned as is, after any
// complete messages that preceded them.
func (fr *FrameReader) Next() (*Message, error) {
	for {
		if fr.end > fr.start {
			msg, n, err := fr.parser.Parse(fr.buf[fr.start:fr.end])
			fr.start += n
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
			if n > 0 {
				continue
			}
		}

		if fr.start > 0 {
			copy(fr.buf, fr.buf[fr.start:fr.end])
			fr.end -= fr.start
			fr.start = 0
			if fr.end == len(fr.buf) {
				continue
			}
		}
		if fr.end == len(fr.buf) {
			return nil, errNoProgress
		}
		if fr.readErr != nil {
			return nil, fr.readErr
		}

		n, err := fr.r.Read(fr.buf[fr.end:])
		if n > 0 && fr.trace != nil {
			fr.trace(fr.buf[fr.end : fr.end+n])
		}
		fr.end += n
		if err != nil {
			fr.readErr = err
			if n == 0 {
				return nil, err
			}
		}
	}
}
