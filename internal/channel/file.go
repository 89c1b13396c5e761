package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/runjoin/internal/checksum"
	"github.com/iambrandonn/runjoin/internal/eventlog"
	"github.com/iambrandonn/runjoin/internal/fsutil"
	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/iambrandonn/runjoin/internal/runstate"
	"github.com/iambrandonn/runjoin/internal/workspace"
)

// FileCollector is a collector backed by a directory shared by cooperating
// processes on one host. Run descriptors are written atomically under
// runs/, and every call is journaled to a file owned by this instance.
type FileCollector struct {
	root     string
	instance string
	logger   *slog.Logger
	now      func() time.Time
	save     func(*runstate.RunState, string) error

	mu       sync.Mutex
	journals map[string]*eventlog.EventLog
	closed   bool
}

// NewFileCollector prepares root and returns a collector journaling as
// instance
func NewFileCollector(root, instance string, logger *slog.Logger) (*FileCollector, error) {
	if err := workspace.Initialize(root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &FileCollector{
		root:     root,
		instance: instance,
		logger:   logger,
		now:      time.Now,
		journals: make(map[string]*eventlog.EventLog),
	}, nil
}

// Root returns the collector directory
func (c *FileCollector) Root() string {
	return c.root
}

// CreateRun implements Channel. Creation is claimed with an exclusively
// created marker so concurrent creators of one identifier conflict.
func (c *FileCollector) CreateRun(ctx context.Context, rq *protocol.StartRunRequest) (string, error) {
	id := rq.UUID
	if id == "" {
		id = uuid.NewString()
	}

	if err := workspace.ValidateRunID(id); err != nil {
		return "", err
	}

	path := runstate.GetRunStatePath(c.root, id)
	claim := path + ".claim"
	claimed, err := fsutil.CreateExclusive(claim)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !claimed {
		return "", fmt.Errorf("%w: %s", ErrConflict, id)
	}

	if err := c.saveState(runstate.NewRunState(id, c.instance, rq), path); err != nil {
		// The run does not exist, so a retry must be able to claim it again
		if rmErr := os.Remove(claim); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.logger.Warn("failed to release run claim", "run_id", id, "error", rmErr)
		}
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if err := c.journal(&protocol.Record{Kind: protocol.RecordKindStartRun, RunID: id, StartRun: rq}); err != nil {
		c.logger.Warn("run created but not journaled", "run_id", id, "error", err)
	}
	c.logger.Debug("run created", "run_id", id)
	return id, nil
}

// FinalizeRun implements Channel
func (c *FileCollector) FinalizeRun(ctx context.Context, runID string, rq *protocol.FinishRunRequest) error {
	path := runstate.GetRunStatePath(c.root, runID)
	state, err := c.load(runID)
	if err != nil {
		return err
	}

	outcome := rq.Status
	if outcome == "" {
		outcome = protocol.StatusPassed
	}
	state.MarkFinished(outcome, rq.EndTime)
	if err := c.saveState(state, path); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if err := c.journal(&protocol.Record{Kind: protocol.RecordKindFinishRun, RunID: runID, FinishRun: rq}); err != nil {
		c.logger.Warn("run finalized but not journaled", "run_id", runID, "error", err)
	}
	return nil
}

// GetRunByIdentifier implements Channel
func (c *FileCollector) GetRunByIdentifier(ctx context.Context, id string) (*protocol.RunResource, error) {
	state, err := c.load(id)
	if err != nil {
		return nil, err
	}
	return state.Resource(), nil
}

// StartItem implements Channel. Parents started by other processes are not
// visible here, so only the run is validated.
func (c *FileCollector) StartItem(ctx context.Context, runID, parentID string, rq *protocol.StartItemRequest) (string, error) {
	if err := c.requireRun(runID); err != nil {
		return "", err
	}

	id := uuid.NewString()
	if err := c.journal(&protocol.Record{
		Kind:      protocol.RecordKindStartItem,
		RunID:     runID,
		ItemID:    id,
		ParentID:  parentID,
		StartItem: rq,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// FinishItem implements Channel
func (c *FileCollector) FinishItem(ctx context.Context, runID, itemID string, rq *protocol.FinishItemRequest) error {
	if err := c.requireRun(runID); err != nil {
		return err
	}
	return c.journal(&protocol.Record{
		Kind:       protocol.RecordKindFinishItem,
		RunID:      runID,
		ItemID:     itemID,
		FinishItem: rq,
	})
}

// EmitLog implements Channel. Attachment payloads are stored next to the
// journal, which only keeps their metadata. A payload that does not match
// its digest is rejected.
func (c *FileCollector) EmitLog(ctx context.Context, runID string, rq *protocol.SaveLogRequest) error {
	if err := c.requireRun(runID); err != nil {
		return err
	}

	entry := *rq
	if rq.File != nil {
		file := *rq.File
		file.Name = filepath.Base(file.Name)
		if file.Name == "." || file.Name == ".." || file.Name == string(filepath.Separator) {
			return fmt.Errorf("attachment %q: invalid name", rq.File.Name)
		}
		if file.Digest != "" {
			if err := checksum.Verify(file.Content, file.Digest); err != nil {
				return fmt.Errorf("attachment %s: %w", file.Name, err)
			}
		}
		file.Size = int64(len(file.Content))
		if err := fsutil.AtomicWrite(workspace.AttachmentPath(c.root, runID, file.Name), file.Content); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		file.Content = nil
		entry.File = &file
	}

	return c.journal(&protocol.Record{
		Kind:   protocol.RecordKindLog,
		RunID:  runID,
		ItemID: rq.ItemUUID,
		Log:    &entry,
	})
}

// Close closes every journal opened by this collector
func (c *FileCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	var errs []error
	for runID, journal := range c.journals {
		if err := journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal %s: %w", runID, err))
		}
	}
	clear(c.journals)
	return errors.Join(errs...)
}

func (c *FileCollector) load(runID string) (*runstate.RunState, error) {
	if err := workspace.ValidateRunID(runID); err != nil {
		return nil, err
	}
	state, err := runstate.LoadRunState(runstate.GetRunStatePath(c.root, runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return state, nil
}

func (c *FileCollector) requireRun(runID string) error {
	if err := workspace.ValidateRunID(runID); err != nil {
		return err
	}
	_, err := os.Stat(runstate.GetRunStatePath(c.root, runID))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// saveState persists a run descriptor. Tests replace it to simulate a
// failing disk.
func (c *FileCollector) saveState(state *runstate.RunState, path string) error {
	if c.save != nil {
		return c.save(state, path)
	}
	return runstate.SaveRunState(state, path)
}

// journal appends rec to this instance's journal of the record's run
func (c *FileCollector) journal(rec *protocol.Record) error {
	rec.Instance = c.instance
	rec.RecordedAt = c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: collector closed", ErrUnavailable)
	}

	journal, ok := c.journals[rec.RunID]
	if !ok {
		var err error
		journal, err = eventlog.NewEventLog(workspace.JournalPath(c.root, rec.RunID, c.instance), c.logger)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		c.journals[rec.RunID] = journal
	}

	if err := journal.Write(rec); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
