// Package launch decides which role a process plays in a shared run and
// drives that run's lifecycle through a reporting channel.
//
// The Primary creates and finalizes the run, Secondaries join it, and a
// Standalone launch owns a private run when coordination is off or the
// identity lock cannot be used.
package launch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iambrandonn/runjoin/internal/channel"
	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/iambrandonn/runjoin/internal/step"
)

// ErrRunJoinTimeout is returned when a Secondary cannot observe the run
// within its join bound. It only affects the instance that timed out.
var ErrRunJoinTimeout = errors.New("timed out joining run")

// ErrRunNotStarted is returned by calls made on a launch whose run was never
// started or failed to start
var ErrRunNotStarted = errors.New("run not started")

// ErrLaunchFinished is returned by item and log calls made after Finish
var ErrLaunchFinished = errors.New("launch finished")

// Role is the part an instance plays in a coordinated run
type Role string

const (
	RolePrimary    Role = "primary"
	RoleSecondary  Role = "secondary"
	RoleStandalone Role = "standalone"
)

// JoinFailurePolicy decides what a Secondary does after its join times out
type JoinFailurePolicy string

const (
	// JoinFailureSuppress fails every later call of the instance fast
	JoinFailureSuppress JoinFailurePolicy = "suppress"
	// JoinFailureBestEffort keeps reporting against the arbitrated identifier
	JoinFailureBestEffort JoinFailurePolicy = "best_effort"
)

// Defaults for Options
const (
	DefaultPollInterval    = time.Second
	DefaultJoinTimeout     = 60 * time.Second
	DefaultAsyncJoinFactor = 3.0
)

// Options tunes coordination
type Options struct {
	Coordination       bool
	Async              bool // asynchronous reporting scales the join bound
	PollInterval       time.Duration
	JoinTimeout        time.Duration
	AsyncJoinFactor    float64
	JoinFailurePolicy  JoinFailurePolicy
	AttachmentMaxBytes int64
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.AsyncJoinFactor <= 0 {
		o.AsyncJoinFactor = DefaultAsyncJoinFactor
	}
	if o.JoinFailurePolicy == "" {
		o.JoinFailurePolicy = JoinFailureSuppress
	}
	return o
}

// joinBound is the overall time a Secondary waits for the run
func (o Options) joinBound() time.Duration {
	if o.Async {
		return time.Duration(float64(o.JoinTimeout) * o.AsyncJoinFactor)
	}
	return o.JoinTimeout
}

// ParseJoinFailurePolicy validates a policy name
func ParseJoinFailurePolicy(s string) (JoinFailurePolicy, error) {
	switch p := JoinFailurePolicy(s); p {
	case JoinFailureSuppress, JoinFailureBestEffort:
		return p, nil
	case "":
		return JoinFailureSuppress, nil
	default:
		return "", fmt.Errorf("unknown join failure policy %q", s)
	}
}

// Launch is one instance's view of a run. Item operations return at once;
// their outcome is carried by the returned future and failures are logged.
type Launch interface {
	Role() Role
	// Candidate is the identifier this instance proposed
	Candidate() string
	// Start begins the run lifecycle and returns the run's future. Calling
	// it again returns the same future.
	Start(ctx context.Context) channel.Handle
	// Finish waits for in-flight calls of this instance and ends its part
	// in the run. Only the Primary and Standalone launches finalize it.
	Finish(ctx context.Context, rq *protocol.FinishRunRequest) error

	StartItem(ctx context.Context, parent channel.Handle, rq *protocol.StartItemRequest) channel.Handle
	FinishItem(ctx context.Context, item channel.Handle, rq *protocol.FinishItemRequest) *channel.Future[struct{}]
	EmitLog(ctx context.Context, item channel.Handle, rq *protocol.SaveLogRequest) *channel.Future[struct{}]

	// Steps returns the nested step reporter bound to this run
	Steps() *step.Reporter
}
