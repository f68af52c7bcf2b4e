package envelope

import "bytes"

// Stream data chunks travel as text frames of the form
// "#<streamId>#<chunk>". The chunk portion is opaque application data and is
// forwarded verbatim, without JSON parsing.

// IsStreamFrame reports whether a text frame is a stream data chunk.
func IsStreamFrame(frame []byte) bool {
	return len(frame) > 0 && frame[0] == '#'
}

// ParseStreamFrame extracts the stream id from a data chunk frame. It
// returns false when the frame lacks the second '#' delimiter or carries an
// empty id.
func ParseStreamFrame(frame []byte) (string, bool) {
	if !IsStreamFrame(frame) {
		return "", false
	}
	end := bytes.IndexByte(frame[1:], '#')
	if end <= 0 {
		return "", false
	}
	return string(frame[1 : 1+end]), true
}

// StreamFrame builds a data chunk frame for a stream.
func StreamFrame(streamID string, chunk []byte) []byte {
	frame := make([]byte, 0, len(streamID)+len(chunk)+2)
	frame = append(frame, '#')
	frame = append(frame, streamID...)
	frame = append(frame, '#')
	return append(frame, chunk...)
}
