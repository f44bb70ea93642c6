package jrpc_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-jrpc"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []string{
		`{"jsonrpc":"2.0","id":1,"method":"echo","params":["a"]}`,
		`[{"jsonrpc":"2.0","method":"tick"}]`,
		`{"jsonrpc":"2.0","id":"x","result":"line\nbreak escaped"}`,
	}

	for _, framing := range []jrpc.Framing{jrpc.FramingNewline, jrpc.FramingLengthPrefix} {
		t.Run(framing.String(), func(t *testing.T) {
			var buf bytes.Buffer
			fw := jrpc.NewFrameWriter(&buf, framing, 0)
			for _, f := range frames {
				if err := fw.WriteFrame([]byte(f)); err != nil {
					t.Fatalf("failed to write frame: %v", err)
				}
			}

			fr := jrpc.NewFrameReader(&buf, framing, 0)
			for i, want := range frames {
				got, err := fr.ReadFrame()
				if err != nil {
					t.Fatalf("frame %d: unexpected error: %v", i, err)
				}
				if string(got) != want {
					t.Errorf("frame %d: got %s, want %s", i, got, want)
				}
			}

			if _, err := fr.ReadFrame(); !errors.Is(err, io.EOF) {
				t.Errorf("expected io.EOF after the last frame, got %v", err)
			}
		})
	}
}

func TestFrameWriterCompactsLineBreaks(t *testing.T) {
	var buf bytes.Buffer
	fw := jrpc.NewFrameWriter(&buf, jrpc.FramingNewline, 0)

	if err := fw.WriteFrame([]byte("{\n  \"a\": 1\n}")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := buf.String(), "{\"a\":1}\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFrameReaderSkipsEmptyLines(t *testing.T) {
	fr := jrpc.NewFrameReader(strings.NewReader("\n\r\n{\"a\":1}\r\n\n"), jrpc.FramingNewline, 0)

	got, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("got %s", got)
	}
	if _, err := fr.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestFrameReaderErrors(t *testing.T) {
	prefixed := func(size uint32, body string) string {
		var b []byte
		b = binary.BigEndian.AppendUint32(b, size)
		return string(append(b, body...))
	}

	type testCase struct {
		name        string
		framing     jrpc.Framing
		input       string
		maxSize     int
		wantTooBig  bool
		wantFraming bool
	}

	testCases := []testCase{
		{
			name:        "newline too large",
			framing:     jrpc.FramingNewline,
			input:       strings.Repeat("x", 20) + "\n",
			maxSize:     10,
			wantTooBig:  true,
			wantFraming: true,
		},
		{
			name:        "newline truncated",
			framing:     jrpc.FramingNewline,
			input:       `{"a":`,
			wantFraming: true,
		},
		{
			name:        "length prefix too large",
			framing:     jrpc.FramingLengthPrefix,
			input:       prefixed(100, "{}"),
			maxSize:     10,
			wantTooBig:  true,
			wantFraming: true,
		},
		{
			name:        "length prefix truncated body",
			framing:     jrpc.FramingLengthPrefix,
			input:       prefixed(10, "{}"),
			wantFraming: true,
		},
		{
			name:        "length prefix truncated header",
			framing:     jrpc.FramingLengthPrefix,
			input:       "\x00\x00",
			wantFraming: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fr := jrpc.NewFrameReader(strings.NewReader(tc.input), tc.framing, tc.maxSize)
			_, err := fr.ReadFrame()
			if err == nil {
				t.Fatal("expected an error")
			}
			var fErr *jrpc.FramingError
			if tc.wantFraming && !errors.As(err, &fErr) {
				t.Errorf("expected FramingError, got %v", err)
			}
			if tc.wantTooBig != errors.Is(err, jrpc.ErrMessageTooLarge) {
				t.Errorf("unexpected ErrMessageTooLarge match for %v", err)
			}
		})
	}
}

func TestFrameWriterRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	fw := jrpc.NewFrameWriter(&buf, jrpc.FramingLengthPrefix, 8)

	err := fw.WriteFrame([]byte(`{"key":"value"}`))
	if !errors.Is(err, jrpc.ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected nothing written, got %d bytes", buf.Len())
	}
}

func TestFrameWriterReportsIOError(t *testing.T) {
	r, w := io.Pipe()
	r.Close()

	fw := jrpc.NewFrameWriter(w, jrpc.FramingNewline, 0)
	err := fw.WriteFrame([]byte(`{}`))
	var ioErr *jrpc.IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("expected IOError, got %v", err)
	}
}

func TestParseFraming(t *testing.T) {
	for in, want := range map[string]jrpc.Framing{
		"":              jrpc.FramingNewline,
		"newline":       jrpc.FramingNewline,
		"ndjson":        jrpc.FramingNewline,
		"length-prefix": jrpc.FramingLengthPrefix,
		"length":        jrpc.FramingLengthPrefix,
	} {
		got, err := jrpc.ParseFraming(in)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q: got %s, want %s", in, got, want)
		}
	}

	if _, err := jrpc.ParseFraming("xml"); err == nil {
		t.Error("expected an error for an unknown framing")
	}
}
