package sseclient

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one wire-level SSE event: optional id and event-name fields
// and the concatenated data payload.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// FrameReader incrementally parses an SSE byte stream into frames.
type FrameReader struct {
	scanner *bufio.Scanner
}

func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &FrameReader{scanner: sc}
}

// Next blocks until a complete frame has been read. It returns io.EOF
// when the stream ends cleanly, or the underlying read error. Comment
// lines and unknown fields are ignored per the SSE format; multi-line
// data fields are joined with newlines.
func (fr *FrameReader) Next() (Frame, error) {
	var (
		frame    Frame
		data     []string
		nonEmpty bool
	)

	for fr.scanner.Scan() {
		line := fr.scanner.Text()

		if line == "" {
			// Frame boundary. Dispatch only if we accumulated anything;
			// stray blank lines between frames are tolerated.
			if !nonEmpty {
				continue
			}
			frame.Data = strings.Join(data, "\n")
			return frame, nil
		}

		if strings.HasPrefix(line, ":") {
			// comment / keepalive line
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			// A field name with no colon is treated as a field with an
			// empty value.
			field = line
			value = ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			frame.ID = value
			nonEmpty = true
		case "event":
			frame.Event = value
			nonEmpty = true
		case "data":
			data = append(data, value)
			nonEmpty = true
		default:
			// retry and unknown fields are ignored
		}
	}

	if err := fr.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if nonEmpty {
		// Stream ended mid-frame; the partial frame is dropped because
		// it was never terminated.
		return Frame{}, io.ErrUnexpectedEOF
	}
	return Frame{}, io.EOF
}
