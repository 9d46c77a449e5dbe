package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MaxRecordSize bounds a single record.
const MaxRecordSize = 1 << 20

var errRecordTooLarge = fmt.Errorf("record exceeds %d bytes", MaxRecordSize)

// Decoder splits a server-sent event stream into the data payloads of its records.
// Multi-line data fields are joined with newlines; event, id, retry and comment lines are ignored.
// No line may grow past MaxRecordSize plus the field name, so a server that never sends a
// newline cannot make the decoder buffer without bound.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxRecordSize+len("data: ")+2)
	return &Decoder{scanner: s}
}

// Next returns the payload of the next record. It returns io.EOF when the stream ends
// between records; a record cut off by the end of the stream is still returned.
func (d *Decoder) Next() ([]byte, error) {
	var dataLines [][]byte
	size := 0

	for d.scanner.Scan() {
		line := bytes.TrimRight(d.scanner.Bytes(), "\r")
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := line[len("data:"):]
			if len(data) > 0 && data[0] == ' ' {
				data = data[1:]
			}
			size += len(data)
			if size > MaxRecordSize {
				return nil, errRecordTooLarge
			}
			dataLines = append(dataLines, append([]byte(nil), data...))
		}
	}

	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, errRecordTooLarge
		}
		return nil, err
	}
	if len(dataLines) > 0 {
		return bytes.Join(dataLines, []byte("\n")), nil
	}
	return nil, io.EOF
}
