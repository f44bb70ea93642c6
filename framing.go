package jrpc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Framing selects how frames are delimited on a byte stream. Both peers of a connection
// must use the same framing.
type Framing int

// FrameReader reads discrete frames from a byte stream.
type FrameReader struct {
	r       *bufio.Reader
	framing Framing
	maxSize int
}

// FrameWriter writes discrete frames to a byte stream. It is not safe for concurrent use,
// connections serialize their writes through a single writer goroutine.
type FrameWriter struct {
	w       io.Writer
	framing Framing
	maxSize int
	buf     []byte
}

const (
	// FramingNewline delimits every frame with a single '\n'.
	FramingNewline Framing = iota
	// FramingLengthPrefix prefixes every frame with its length as a 4-byte big-endian integer.
	FramingLengthPrefix
)

// DefaultMaxMessageSize is the largest frame accepted or produced unless configured otherwise.
const DefaultMaxMessageSize = 1 << 20

const lengthPrefixSize = 4

// ParseFraming parses a framing name as used in configuration files.
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "", "newline", "ndjson":
		return FramingNewline, nil
	case "length-prefix", "length_prefix", "length":
		return FramingLengthPrefix, nil
	default:
		return 0, fmt.Errorf("unknown framing %q", s)
	}
}

func (f Framing) String() string {
	switch f {
	case FramingNewline:
		return "newline"
	case FramingLengthPrefix:
		return "length-prefix"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// NewFrameReader creates a FrameReader. A maxSize of zero or less selects DefaultMaxMessageSize.
func NewFrameReader(r io.Reader, framing Framing, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameReader{
		r:       bufio.NewReader(r),
		framing: framing,
		maxSize: maxSize,
	}
}

// NewFrameWriter creates a FrameWriter. A maxSize of zero or less selects DefaultMaxMessageSize.
func NewFrameWriter(w io.Writer, framing Framing, maxSize int) *FrameWriter {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameWriter{
		w:       w,
		framing: framing,
		maxSize: maxSize,
	}
}

// ReadFrame blocks until a complete frame is available. It returns io.EOF when the stream
// ends cleanly between frames and a *FramingError when a frame exceeds the size limit or
// the stream ends in the middle of a frame. Empty frames are skipped.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		var frame []byte
		var err error
		switch fr.framing {
		case FramingLengthPrefix:
			frame, err = fr.readLengthPrefixed()
		default:
			frame, err = fr.readLine()
		}
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		return frame, nil
	}
}

func (fr *FrameReader) readLine() ([]byte, error) {
	var line []byte
	for {
		part, err := fr.r.ReadSlice('\n')
		// The delimiter doesn't count towards the message size.
		if len(line)+len(bytes.TrimRight(part, "\r\n")) > fr.maxSize {
			return nil, &FramingError{Err: fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLarge, fr.maxSize)}
		}
		line = append(line, part...)
		if err == nil {
			return bytes.TrimRight(line, "\r\n"), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			return nil, &FramingError{Err: io.ErrUnexpectedEOF}
		}
		return nil, err
	}
}

func (fr *FrameReader) readLengthPrefixed() ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FramingError{Err: err}
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if uint64(size) > uint64(fr.maxSize) {
		return nil, &FramingError{Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, size, fr.maxSize)}
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(fr.r, frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FramingError{Err: io.ErrUnexpectedEOF}
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes one frame with a single call to the underlying writer. It returns a
// *FramingError when the frame exceeds the size limit and an *IOError when the write fails.
func (fw *FrameWriter) WriteFrame(frame []byte) error {
	if fw.framing == FramingNewline && bytes.ContainsAny(frame, "\r\n") {
		var compact bytes.Buffer
		if err := json.Compact(&compact, frame); err != nil {
			return &FramingError{Err: fmt.Errorf("frame contains a line break: %w", err)}
		}
		frame = compact.Bytes()
	}
	if len(frame) > fw.maxSize {
		return &FramingError{Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(frame), fw.maxSize)}
	}

	fw.buf = fw.buf[:0]
	switch fw.framing {
	case FramingLengthPrefix:
		fw.buf = binary.BigEndian.AppendUint32(fw.buf, uint32(len(frame)))
		fw.buf = append(fw.buf, frame...)
	default:
		fw.buf = append(fw.buf, frame...)
		fw.buf = append(fw.buf, '\n')
	}

	if _, err := fw.w.Write(fw.buf); err != nil {
		return &IOError{Err: err}
	}
	return nil
}
