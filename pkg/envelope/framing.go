package envelope

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FIFO and stdio channels frame envelopes LSP-style: an ASCII header
// "Content-Length: N\r\n", a blank line, then exactly N bytes of UTF-8 JSON.

// MaxFrameSize caps a single framed payload. Larger declared lengths are
// treated as framing corruption rather than honored.
const MaxFrameSize = 16 << 20

// ErrInvalidFrame reports framing-level corruption: a malformed header line
// or a non-numeric or oversized length. The reader stays usable; callers
// report the error on the channel and keep reading.
var ErrInvalidFrame = errors.New("invalid frame header")

// FrameReader incrementally parses Content-Length framed payloads from a
// byte stream. Frames may arrive split across arbitrary chunk boundaries.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps a raw stream, typically the read side of a FIFO.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next framed payload. It returns ErrInvalidFrame on
// recoverable header corruption (call Next again to resync at the following
// line) and io.EOF once the writer side closes.
func (fr *FrameReader) Next() ([]byte, error) {
	length := -1
	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length >= 0 {
				break
			}
			// Stray blank line between frames; keep scanning.
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFrame, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 || n > MaxFrameSize {
				return nil, fmt.Errorf("%w: bad length %q", ErrInvalidFrame, strings.TrimSpace(value))
			}
			length = n
		}
		// Other headers (e.g. Content-Type) are tolerated and ignored.
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one Content-Length framed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
