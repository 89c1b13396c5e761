package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/iambrandonn/runjoin/internal/ndjson"
	"github.com/iambrandonn/runjoin/internal/protocol"
)

// EventLog appends journal records to an NDJSON file. Each process writes
// its own file, so appends never interleave across processes.
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
}

// NewEventLog opens (or creates) the journal at logPath for appending
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Write appends one record
func (l *EventLog) Write(rec *protocol.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("event log closed")
	}
	return l.encoder.Encode(rec)
}

// Close closes the journal file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
