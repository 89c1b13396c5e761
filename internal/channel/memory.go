package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/runjoin/internal/protocol"
)

// MemoryItem is an item recorded by Memory
type MemoryItem struct {
	ID       string
	RunID    string
	ParentID string
	Start    protocol.StartItemRequest
	Finish   *protocol.FinishItemRequest
}

// Memory is an in-process collector. It counts every call, which makes it
// the collector of choice for tests and for embedding runjoin in a single
// process.
type Memory struct {
	mu       sync.Mutex
	runs     map[string]*protocol.RunResource
	items    map[string]*MemoryItem
	order    []string
	logs     []protocol.SaveLogRequest
	calls    map[string]int
	failures map[string]error
	gate     chan struct{}
}

// NewMemory creates an empty in-process collector
func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[string]*protocol.RunResource),
		items:    make(map[string]*MemoryItem),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

// HoldCreates delays the acknowledgment of CreateRun calls: they block,
// and the run stays invisible, until ReleaseCreates is called
func (m *Memory) HoldCreates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

// ReleaseCreates acknowledges held and future CreateRun calls
func (m *Memory) ReleaseCreates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// FailOn makes every call of op fail with err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// begin counts a call of op and returns its injected failure, if any
func (m *Memory) begin(op string) error {
	m.calls[op]++
	return m.failures[op]
}

// CreateRun implements Channel
func (m *Memory) CreateRun(ctx context.Context, rq *protocol.StartRunRequest) (string, error) {
	m.mu.Lock()
	if err := m.begin(OpCreateRun); err != nil {
		m.mu.Unlock()
		return "", err
	}
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
	}

	id := rq.UUID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; ok {
		return "", fmt.Errorf("%w: %s", ErrConflict, id)
	}
	start := rq.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	m.runs[id] = &protocol.RunResource{
		UUID:       id,
		Name:       rq.Name,
		Mode:       rq.Mode,
		Status:     protocol.StatusInProgress,
		StartTime:  start,
		Attributes: rq.Attributes,
	}
	return id, nil
}

// FinalizeRun implements Channel
func (m *Memory) FinalizeRun(ctx context.Context, runID string, rq *protocol.FinishRunRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpFinalizeRun); err != nil {
		return err
	}

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	end := rq.EndTime
	run.EndTime = &end
	run.Status = rq.Status
	if run.Status == "" {
		run.Status = protocol.StatusPassed
	}
	return nil
}

// GetRunByIdentifier implements Channel
func (m *Memory) GetRunByIdentifier(ctx context.Context, id string) (*protocol.RunResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGetRun); err != nil {
		return nil, err
	}

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	copied := *run
	return &copied, nil
}

// StartItem implements Channel
func (m *Memory) StartItem(ctx context.Context, runID, parentID string, rq *protocol.StartItemRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpStartItem); err != nil {
		return "", err
	}

	if _, ok := m.runs[runID]; !ok {
		return "", fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if parentID != "" {
		if _, ok := m.items[parentID]; !ok {
			return "", fmt.Errorf("parent item %s: %w", parentID, ErrNotFound)
		}
	}

	id := uuid.NewString()
	m.items[id] = &MemoryItem{ID: id, RunID: runID, ParentID: parentID, Start: *rq}
	m.order = append(m.order, id)
	return id, nil
}

// FinishItem implements Channel
func (m *Memory) FinishItem(ctx context.Context, runID, itemID string, rq *protocol.FinishItemRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpFinishItem); err != nil {
		return err
	}

	item, ok := m.items[itemID]
	if !ok || item.RunID != runID {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	finish := *rq
	item.Finish = &finish
	return nil
}

// EmitLog implements Channel
func (m *Memory) EmitLog(ctx context.Context, runID string, rq *protocol.SaveLogRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpEmitLog); err != nil {
		return err
	}

	if _, ok := m.runs[runID]; !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if rq.ItemUUID != "" {
		if _, ok := m.items[rq.ItemUUID]; !ok {
			return fmt.Errorf("item %s: %w", rq.ItemUUID, ErrNotFound)
		}
	}
	m.logs = append(m.logs, *rq)
	return nil
}

// Calls returns how many times op was invoked, including failed calls
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Run returns a copy of a known run
func (m *Memory) Run(id string) (protocol.RunResource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return protocol.RunResource{}, false
	}
	return *run, true
}

// Items returns copies of the items of a run in the order they started
func (m *Memory) Items(runID string) []MemoryItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []MemoryItem
	for _, id := range m.order {
		if item := m.items[id]; item.RunID == runID {
			items = append(items, *item)
		}
	}
	return items
}

// Children returns the items started under parentID sorted by start time
func (m *Memory) Children(runID, parentID string) []MemoryItem {
	var children []MemoryItem
	for _, item := range m.Items(runID) {
		if item.ParentID == parentID {
			children = append(children, item)
		}
	}
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].Start.StartTime.Before(children[j].Start.StartTime)
	})
	return children
}

// Logs returns copies of every emitted log
func (m *Memory) Logs() []protocol.SaveLogRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.SaveLogRequest(nil), m.logs...)
}
