package fhir

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	json "github.com/goccy/go-json"
)

// ErrEmptyResource is returned when asked to write a zero-length document.
var ErrEmptyResource = errors.New("empty resource")

// NDJSONWriter writes one encoded resource per line, the layout of
// application/fhir+ndjson data-lake partitions.
type NDJSONWriter struct {
	w     *bufio.Writer
	lines int
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: bufio.NewWriter(w)}
}

// WriteRaw writes data followed by a newline. Documents spanning several
// lines are compacted first.
func (n *NDJSONWriter) WriteRaw(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrEmptyResource
	}
	if bytes.ContainsAny(data, "\r\n") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return err
		}
		data = buf.Bytes()
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	if err := n.w.WriteByte('\n'); err != nil {
		return err
	}
	n.lines++
	return nil
}

// Lines reports how many documents have been written.
func (n *NDJSONWriter) Lines() int { return n.lines }

func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}
