// Package channel defines the reporting channel consumed by runjoin and
// ships in-process and file-backed collectors implementing it.
//
// Channel calls block until the collector acknowledges them. Callers that
// must not block wrap them in a Future (see Go).
package channel

import (
	"context"
	"errors"

	"github.com/iambrandonn/runjoin/internal/protocol"
)

var (
	// ErrNotFound is returned when a run or item is not known to the collector
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when the collector cannot be reached
	ErrUnavailable = errors.New("collector unavailable")
	// ErrConflict is returned when creating a run whose identifier is taken
	ErrConflict = errors.New("run already exists")
)

// Operation names used by collectors and metrics
const (
	OpCreateRun   = "create_run"
	OpFinalizeRun = "finalize_run"
	OpGetRun      = "get_run"
	OpStartItem   = "start_item"
	OpFinishItem  = "finish_item"
	OpEmitLog     = "emit_log"
)

// Channel is the reporting collector
type Channel interface {
	// CreateRun creates a run and returns its identifier. rq.UUID, when
	// set, is used as the identifier.
	CreateRun(ctx context.Context, rq *protocol.StartRunRequest) (string, error)
	FinalizeRun(ctx context.Context, runID string, rq *protocol.FinishRunRequest) error
	// GetRunByIdentifier returns ErrNotFound until the run's creation has
	// been acknowledged.
	GetRunByIdentifier(ctx context.Context, id string) (*protocol.RunResource, error)
	// StartItem starts an item under parentID, or at the top level of the
	// run when parentID is empty, and returns the item id.
	StartItem(ctx context.Context, runID, parentID string, rq *protocol.StartItemRequest) (string, error)
	FinishItem(ctx context.Context, runID, itemID string, rq *protocol.FinishItemRequest) error
	EmitLog(ctx context.Context, runID string, rq *protocol.SaveLogRequest) error
}

// Handle resolves to a remote item id. A nil Handle means "no item".
// Handles are compared by identity.
type Handle = *Future[string]
