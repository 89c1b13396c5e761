package ledger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iambrandonn/runjoin/internal/checksum"
	"github.com/iambrandonn/runjoin/internal/ndjson"
	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/iambrandonn/runjoin/internal/runstate"
	"github.com/iambrandonn/runjoin/internal/workspace"
)

// ErrRunNotFound is returned by ReadRun when the collector has no such run
var ErrRunNotFound = errors.New("run not found")

// Ledger is the parsed journal of one instance. Records keeps journal
// order; the other slices group the same records by kind.
type Ledger struct {
	Instance     string
	Records      []*protocol.Record
	Runs         []*protocol.Record
	ItemStarts   []*protocol.Record
	ItemFinishes []*protocol.Record
	Logs         []*protocol.Record
	Finalizes    []*protocol.Record
}

// ReadLedger reads and parses one NDJSON journal file
func ReadLedger(path string, logger *slog.Logger) (*Ledger, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	ledger := &Ledger{
		Instance: strings.TrimSuffix(filepath.Base(path), ".ndjson"),
	}

	dec := ndjson.NewDecoder(file, logger)
	for {
		msg, err := dec.DecodeEnvelope()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		rec, ok := msg.(*protocol.Record)
		if !ok {
			return nil, fmt.Errorf("%s: line %d: not a journal record", path, dec.Line())
		}

		ledger.Records = append(ledger.Records, rec)
		switch rec.Kind {
		case protocol.RecordKindStartRun:
			ledger.Runs = append(ledger.Runs, rec)
		case protocol.RecordKindFinishRun:
			ledger.Finalizes = append(ledger.Finalizes, rec)
		case protocol.RecordKindStartItem:
			ledger.ItemStarts = append(ledger.ItemStarts, rec)
		case protocol.RecordKindFinishItem:
			ledger.ItemFinishes = append(ledger.ItemFinishes, rec)
		case protocol.RecordKindLog:
			ledger.Logs = append(ledger.Logs, rec)
		}
	}

	return ledger, nil
}

// GetPendingItems returns ids of items started but never finished
func (l *Ledger) GetPendingItems() []string {
	finished := make(map[string]bool, len(l.ItemFinishes))
	for _, rec := range l.ItemFinishes {
		finished[rec.ItemID] = true
	}

	pending := make([]string, 0)
	for _, rec := range l.ItemStarts {
		if !finished[rec.ItemID] {
			pending = append(pending, rec.ItemID)
		}
	}
	return pending
}

// Attachments counts logs that carried a file
func (l *Ledger) Attachments() int {
	n := 0
	for _, rec := range l.Logs {
		if rec.Log != nil && rec.Log.File != nil {
			n++
		}
	}
	return n
}

// InstanceSummary describes the calls one instance made against a run
type InstanceSummary struct {
	Instance    string `json:"instance"`
	Created     bool   `json:"created"`
	Finalized   bool   `json:"finalized"`
	Items       int    `json:"items"`
	Pending     int    `json:"pending"`
	Logs        int    `json:"logs"`
	Attachments int    `json:"attachments"`
}

// RunSummary merges the journals of every instance that reported to a run
type RunSummary struct {
	Run       *protocol.RunResource       `json:"run"`
	Instances []InstanceSummary           `json:"instances"`
	Items     int                         `json:"items"`
	Logs      int                         `json:"logs"`
	Creates   int                         `json:"creates"`
	Finalizes int                         `json:"finalizes"`
	Outcomes  map[protocol.ItemStatus]int `json:"outcomes"`
	// Corrupt lists stored attachments whose content no longer matches
	// the digest journaled with them
	Corrupt []string `json:"corrupt,omitempty"`
}

// ReadRun loads the run descriptor and merges all instance journals of runID
// found under the collector root
func ReadRun(root, runID string, logger *slog.Logger) (*RunSummary, error) {
	if err := requireCollector(root, runID); err != nil {
		return nil, err
	}

	state, err := runstate.LoadRunState(runstate.GetRunStatePath(root, runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	paths, err := filepath.Glob(filepath.Join(workspace.JournalDir(root, runID), "*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("failed to list journals: %w", err)
	}
	sort.Strings(paths)

	summary := &RunSummary{
		Run:       state.Resource(),
		Instances: make([]InstanceSummary, 0, len(paths)),
		Outcomes:  make(map[protocol.ItemStatus]int),
	}

	for _, path := range paths {
		l, err := ReadLedger(path, logger)
		if err != nil {
			return nil, err
		}

		inst := InstanceSummary{
			Instance:    l.Instance,
			Created:     len(l.Runs) > 0,
			Finalized:   len(l.Finalizes) > 0,
			Items:       len(l.ItemStarts),
			Pending:     len(l.GetPendingItems()),
			Logs:        len(l.Logs),
			Attachments: l.Attachments(),
		}
		summary.Instances = append(summary.Instances, inst)

		summary.Items += inst.Items
		summary.Logs += inst.Logs
		summary.Creates += len(l.Runs)
		summary.Finalizes += len(l.Finalizes)
		for _, rec := range l.ItemFinishes {
			if rec.FinishItem != nil {
				summary.Outcomes[rec.FinishItem.Status]++
			}
		}
		summary.Corrupt = append(summary.Corrupt, verifyAttachments(root, runID, l, logger)...)
	}

	return summary, nil
}

// verifyAttachments re-hashes the stored attachments of one journal
func verifyAttachments(root, runID string, l *Ledger, logger *slog.Logger) []string {
	var corrupt []string
	for _, rec := range l.Logs {
		if rec.Log == nil || rec.Log.File == nil || rec.Log.File.Digest == "" {
			continue
		}
		name := rec.Log.File.Name
		if err := checksum.VerifyFile(workspace.AttachmentPath(root, runID, name), rec.Log.File.Digest); err != nil {
			logger.Warn("attachment failed verification", "run_id", runID, "name", name, "error", err)
			corrupt = append(corrupt, name)
		}
	}
	return corrupt
}

// ReadRecords returns every journaled record of runID across instances,
// ordered by the time they were recorded
func ReadRecords(root, runID string, logger *slog.Logger) ([]*protocol.Record, error) {
	if err := requireCollector(root, runID); err != nil {
		return nil, err
	}
	if _, err := os.Stat(runstate.GetRunStatePath(root, runID)); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	paths, err := filepath.Glob(filepath.Join(workspace.JournalDir(root, runID), "*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("failed to list journals: %w", err)
	}
	sort.Strings(paths)

	var records []*protocol.Record
	for _, path := range paths {
		l, err := ReadLedger(path, logger)
		if err != nil {
			return nil, err
		}
		records = append(records, l.Records...)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].RecordedAt.Before(records[j].RecordedAt)
	})
	return records, nil
}

// requireCollector fails with ErrRunNotFound when root holds no collector
func requireCollector(root, runID string) error {
	ok, err := workspace.IsInitialized(root)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s (no collector at %s)", ErrRunNotFound, runID, root)
	}
	return nil
}
