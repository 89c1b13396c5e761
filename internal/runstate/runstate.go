package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iambrandonn/runjoin/internal/fsutil"
	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/iambrandonn/runjoin/internal/workspace"
)

// Status represents the overall state of a run
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// RunState is the collector's persisted record of one run
type RunState struct {
	RunID       string              `json:"run_id"`
	Name        string              `json:"name"`
	Mode        protocol.RunMode    `json:"mode,omitempty"`
	Status      Status              `json:"status"`
	Outcome     protocol.ItemStatus `json:"outcome,omitempty"`
	Owner       string              `json:"owner"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Attributes  map[string]string   `json:"attributes,omitempty"`
}

// NewRunState creates the state for a run created by owner
func NewRunState(runID, owner string, rq *protocol.StartRunRequest) *RunState {
	started := rq.StartTime.UTC()
	if started.IsZero() {
		started = time.Now().UTC()
	}
	return &RunState{
		RunID:      runID,
		Name:       rq.Name,
		Mode:       rq.Mode,
		Status:     StatusRunning,
		Owner:      owner,
		StartedAt:  started,
		Attributes: rq.Attributes,
	}
}

// SaveRunState writes run state to disk atomically
func SaveRunState(state *RunState, path string) error {
	return fsutil.AtomicWriteJSON(path, state)
}

// LoadRunState reads run state from disk. A missing file yields an error
// matching os.ErrNotExist.
func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}

	return &state, nil
}

// GetRunStatePath returns the standard path for a run's state
func GetRunStatePath(collectorRoot, runID string) string {
	return filepath.Join(collectorRoot, "runs", workspace.RunKey(runID)+".json")
}

// MarkFinished records the final outcome of the run
func (s *RunState) MarkFinished(outcome protocol.ItemStatus, at time.Time) {
	s.Status = StatusFinished
	s.Outcome = outcome
	end := at.UTC()
	if end.IsZero() {
		end = time.Now().UTC()
	}
	s.CompletedAt = &end
}

// Resource converts the state to the channel's run descriptor
func (s *RunState) Resource() *protocol.RunResource {
	status := protocol.StatusInProgress
	if s.Status == StatusFinished {
		status = s.Outcome
	}
	return &protocol.RunResource{
		UUID:       s.RunID,
		Name:       s.Name,
		Mode:       s.Mode,
		Status:     status,
		StartTime:  s.StartedAt,
		EndTime:    s.CompletedAt,
		Owner:      s.Owner,
		Attributes: s.Attributes,
	}
}
