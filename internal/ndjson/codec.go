package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/iambrandonn/runjoin/internal/protocol"
)

// MaxMessageSize is the maximum NDJSON line size (256 KiB)
const MaxMessageSize = 256 * 1024

// Encoder writes NDJSON lines to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriterSize(w, MaxMessageSize+1),
		logger: logger,
	}
}

// Encode writes v as a single JSON line and flushes it. The buffer is sized
// so a line within the limit reaches the file in one write call.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize,
			"overflow", len(data)-MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads NDJSON lines from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageSize+1)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Line returns the number of the last line read
func (d *Decoder) Line() int {
	return d.lineNum
}

// Decode reads the next non-empty line into v
func (d *Decoder) Decode(v any) error {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return fmt.Errorf("scanner error at line %d: %w", d.lineNum+1, err)
			}
			return io.EOF
		}
		d.lineNum++

		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		if err := json.Unmarshal(data, v); err != nil {
			d.logger.Error("failed to unmarshal JSON",
				"line", d.lineNum,
				"error", err,
				"data", string(data[:min(100, len(data))]))
			return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
		}
		return nil
	}
}

// DecodeEnvelope reads the next line and routes it by its kind: journal
// records decode to *protocol.Record, worker summaries to *protocol.Summary.
func (d *Decoder) DecodeEnvelope() (any, error) {
	var raw json.RawMessage
	if err := d.Decode(&raw); err != nil {
		return nil, err
	}

	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Kind == "" {
		return nil, fmt.Errorf("line %d: missing or invalid 'kind' field", d.lineNum)
	}

	switch protocol.RecordKind(envelope.Kind) {
	case protocol.RecordKindStartRun, protocol.RecordKindFinishRun,
		protocol.RecordKindStartItem, protocol.RecordKindFinishItem,
		protocol.RecordKindLog:
		var rec protocol.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: failed to decode record: %w", d.lineNum, err)
		}
		return &rec, nil
	}

	if envelope.Kind == protocol.SummaryKind {
		var sum protocol.Summary
		if err := json.Unmarshal(raw, &sum); err != nil {
			return nil, fmt.Errorf("line %d: failed to decode summary: %w", d.lineNum, err)
		}
		return &sum, nil
	}

	d.logger.Warn("unknown message kind", "line", d.lineNum, "kind", envelope.Kind)
	return nil, fmt.Errorf("line %d: unknown message kind: %s", d.lineNum, envelope.Kind)
}
