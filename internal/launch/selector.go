package launch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/iambrandonn/runjoin/internal/channel"
	"github.com/iambrandonn/runjoin/internal/lock"
	"github.com/iambrandonn/runjoin/internal/protocol"
)

// Selector assigns roles at run bootstrap
type Selector struct {
	channel channel.Channel
	lock    lock.Lock
	opts    Options
	logger  *slog.Logger
}

// NewSelector creates a selector. lk may be nil when coordination is off.
func NewSelector(ch channel.Channel, lk lock.Lock, opts Options, logger *slog.Logger) *Selector {
	return &Selector{
		channel: ch,
		lock:    lk,
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

// Select arbitrates the run identifier and returns the launch for this
// instance. rq.UUID is the candidate; a fresh one is generated when empty.
// The instance that committed the winner is Primary, every other instance
// is Secondary. Lock failures degrade to a Standalone launch and are never
// returned.
func (s *Selector) Select(ctx context.Context, rq *protocol.StartRunRequest) Launch {
	candidate := rq.UUID
	if candidate == "" {
		candidate = uuid.NewString()
	}

	if !s.opts.Coordination || s.lock == nil {
		s.logger.Debug("coordination disabled", "candidate", candidate)
		return s.standalone(candidate, rq)
	}

	winner, committed, err := s.lock.ObtainIdentifier(ctx, candidate)
	if err != nil {
		s.logger.Warn("identity lock unavailable, reporting standalone",
			"candidate", candidate,
			"error", err)
		return s.standalone(candidate, rq)
	}

	// Only the committing call becomes Primary, so instances proposing the
	// same candidate still get a single creator
	if committed {
		s.logger.Info("selected primary role", "run_id", winner)
		return newPrimary(s.newExecutor(RolePrimary, candidate, winner), rq, s.lock)
	}

	s.logger.Info("selected secondary role", "run_id", winner, "candidate", candidate)
	return newSecondary(s.newExecutor(RoleSecondary, candidate, winner), s.lock, s.opts)
}

// standalone returns a launch owning a private run. Processes that share a
// candidate but could not coordinate must not collide on one run, so the
// run gets a fresh identifier and the candidate is only kept for reporting.
func (s *Selector) standalone(candidate string, rq *protocol.StartRunRequest) Launch {
	return newStandalone(s.newExecutor(RoleStandalone, candidate, uuid.NewString()), rq)
}

func (s *Selector) newExecutor(role Role, candidate, runID string) *executor {
	return newExecutor(role, candidate, runID, s.channel, s.opts, s.logger)
}
