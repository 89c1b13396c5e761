package launch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iambrandonn/runjoin/internal/channel"
	"github.com/iambrandonn/runjoin/internal/lock"
	"github.com/iambrandonn/runjoin/internal/protocol"
)

// Primary creates the shared run and alone finalizes it
type Primary struct {
	*executor
	rq   *protocol.StartRunRequest
	lock lock.Lock

	finishOnce sync.Once
	finishErr  error
}

func newPrimary(e *executor, rq *protocol.StartRunRequest, lk lock.Lock) *Primary {
	return &Primary{executor: e, rq: rq, lock: lk}
}

// Start implements Launch
func (p *Primary) Start(ctx context.Context) channel.Handle {
	return p.begin(func() (string, error) {
		return p.createRun(ctx, p.rq)
	})
}

// Finish implements Launch
func (p *Primary) Finish(ctx context.Context, rq *protocol.FinishRunRequest) error {
	p.finishOnce.Do(func() {
		p.finishErr = finalize(ctx, p.executor, rq, p.lock)
	})
	return p.finishErr
}

// Secondary joins a run created by the Primary and never finalizes it
type Secondary struct {
	*executor
	lock lock.Lock
	opts Options

	finishOnce sync.Once
	finishErr  error
}

func newSecondary(e *executor, lk lock.Lock, opts Options) *Secondary {
	return &Secondary{executor: e, lock: lk, opts: opts}
}

// Start implements Launch. The run becomes usable once the Primary's
// creation is acknowledged by the collector.
func (s *Secondary) Start(ctx context.Context) channel.Handle {
	return s.begin(func() (string, error) {
		id, err := s.join(ctx)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ErrRunJoinTimeout) && s.opts.JoinFailurePolicy == JoinFailureBestEffort {
			s.logger.Warn("run not visible, reporting against arbitrated identifier",
				"run_id", s.runID,
				"error", err)
			return s.runID, nil
		}
		return "", err
	})
}

// join polls the collector until the run is visible. Only ErrNotFound is
// retried.
func (s *Secondary) join(ctx context.Context) (string, error) {
	bound := s.opts.joinBound()
	joinCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		run, err := s.channel.GetRunByIdentifier(joinCtx, s.runID)
		if err == nil {
			s.logger.Info("joined run", "run_id", run.UUID, "attempts", attempt)
			return run.UUID, nil
		}
		if !errors.Is(err, channel.ErrNotFound) && joinCtx.Err() == nil {
			return "", fmt.Errorf("joining run %s: %w", s.runID, err)
		}

		select {
		case <-ticker.C:
			continue
		case <-joinCtx.Done():
		}

		if ctx.Err() != nil {
			return "", fmt.Errorf("joining run %s: %w", s.runID, ctx.Err())
		}
		return "", fmt.Errorf("%w: run %s not visible after %s (%d attempts)", ErrRunJoinTimeout, s.runID, bound, attempt)
	}
}

// Finish implements Launch
func (s *Secondary) Finish(ctx context.Context, rq *protocol.FinishRunRequest) error {
	s.finishOnce.Do(func() {
		drainErr := s.drain(ctx)
		if drainErr != nil {
			s.logger.Warn("finishing with calls in flight", "run_id", s.runID, "error", drainErr)
		}
		releaseInstance(ctx, s.executor, s.lock)
		s.finishErr = drainErr
	})
	return s.finishErr
}

// Standalone owns a private run
type Standalone struct {
	*executor
	rq *protocol.StartRunRequest

	finishOnce sync.Once
	finishErr  error
}

func newStandalone(e *executor, rq *protocol.StartRunRequest) *Standalone {
	return &Standalone{executor: e, rq: rq}
}

// Start implements Launch
func (s *Standalone) Start(ctx context.Context) channel.Handle {
	return s.begin(func() (string, error) {
		return s.createRun(ctx, s.rq)
	})
}

// Finish implements Launch
func (s *Standalone) Finish(ctx context.Context, rq *protocol.FinishRunRequest) error {
	s.finishOnce.Do(func() {
		s.finishErr = finalize(ctx, s.executor, rq, nil)
	})
	return s.finishErr
}

// finalize drains in-flight calls, deregisters the instance when lk is set,
// and issues the run's single FinalizeRun
func finalize(ctx context.Context, e *executor, rq *protocol.FinishRunRequest, lk lock.Lock) error {
	if err := e.drain(ctx); err != nil {
		e.logger.Warn("finishing with calls in flight", "run_id", e.runID, "error", err)
	}
	if lk != nil {
		releaseInstance(ctx, e, lk)
	}

	if !e.started.Load() {
		return fmt.Errorf("%w: %s: Start was never called", ErrRunNotStarted, e.runID)
	}
	runID, err := e.run.Await(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRunNotStarted, e.runID, err)
	}

	finish := *rq
	if finish.EndTime.IsZero() {
		finish.EndTime = time.Now()
	}
	if err := e.channel.FinalizeRun(ctx, runID, &finish); err != nil {
		e.logger.Error("run finalize failed", "run_id", runID, "error", err)
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}

	e.logger.Info("run finalized", "run_id", runID)
	return nil
}

// releaseInstance deregisters this instance from the identity lock. Lock
// failures are logged and otherwise ignored.
func releaseInstance(ctx context.Context, e *executor, lk lock.Lock) {
	if err := lk.FinishInstance(ctx, e.candidate); err != nil {
		e.logger.Warn("identity lock release failed", "run_id", e.runID, "error", err)
	}
}
