package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/iambrandonn/runjoin/internal/channel"
	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/iambrandonn/runjoin/internal/step"
)

// executor is shared by every role: it owns the run future and issues item
// and log calls against whatever run id the role eventually publishes
type executor struct {
	role      Role
	candidate string
	runID     string // arbitrated identifier
	channel   channel.Channel
	logger    *slog.Logger

	run       channel.Handle
	startOnce sync.Once
	started   atomic.Bool

	mu      sync.Mutex // guards closed and pending.Add
	closed  bool
	pending sync.WaitGroup

	steps *step.Reporter
}

func newExecutor(role Role, candidate, runID string, ch channel.Channel, opts Options, logger *slog.Logger) *executor {
	e := &executor{
		role:      role,
		candidate: candidate,
		runID:     runID,
		channel:   ch,
		logger:    logger.With("role", string(role), "candidate", candidate),
		run:       channel.NewFuture[string](),
	}
	e.steps = step.NewReporter(e, e.logger, step.Options{AttachmentMaxBytes: opts.AttachmentMaxBytes})
	return e
}

// Role implements Launch
func (e *executor) Role() Role { return e.role }

// Candidate implements Launch
func (e *executor) Candidate() string { return e.candidate }

// Steps implements Launch
func (e *executor) Steps() *step.Reporter { return e.steps }

// begin runs fn once on its own goroutine and publishes its result as the
// run future
func (e *executor) begin(fn func() (string, error)) channel.Handle {
	e.startOnce.Do(func() {
		e.started.Store(true)
		go func() {
			id, err := fn()
			if err != nil {
				e.logger.Error("run start failed", "run_id", e.runID, "error", err)
				e.run.Fail(err)
				return
			}
			e.logger.Debug("run started", "run_id", id)
			e.run.Resolve(id)
		}()
	})
	return e.run
}

// createRun creates the run under the arbitrated identifier
func (e *executor) createRun(ctx context.Context, rq *protocol.StartRunRequest) (string, error) {
	create := *rq
	create.UUID = e.runID
	return e.channel.CreateRun(ctx, &create)
}

// spawn runs fn as a tracked in-flight call. Once drain has begun no new
// calls are tracked and fn is not run.
func spawn[T any](e *executor, fn func() (T, error)) *channel.Future[T] {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return channel.Failed[T](fmt.Errorf("%w: %s", ErrLaunchFinished, e.runID))
	}
	e.pending.Add(1)
	e.mu.Unlock()

	return channel.Go(func() (T, error) {
		defer e.pending.Done()
		return fn()
	})
}

// drain closes the executor to new calls and waits for every in-flight one
func (e *executor) drain(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight calls: %w", ctx.Err())
	}
}

// await resolves the run and, when set, the item handle
func (e *executor) await(ctx context.Context, item channel.Handle) (runID, itemID string, err error) {
	runID, err = e.run.Await(ctx)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %w", ErrRunNotStarted, e.runID, err)
	}
	if item != nil {
		itemID, err = item.Await(ctx)
		if err != nil {
			return "", "", fmt.Errorf("item: %w", err)
		}
	}
	return runID, itemID, nil
}

// report logs a failed call. Calls that failed because the run never
// started were already reported once.
func (e *executor) report(op, name string, err error) {
	if err == nil {
		return
	}
	level := slog.LevelWarn
	if errors.Is(err, ErrRunJoinTimeout) || errors.Is(err, ErrRunNotStarted) {
		level = slog.LevelDebug
	}
	e.logger.Log(context.Background(), level, "reporting call failed",
		"op", op,
		"run_id", e.runID,
		"item", name,
		"error", err)
}

// StartItem implements Launch
func (e *executor) StartItem(ctx context.Context, parent channel.Handle, rq *protocol.StartItemRequest) channel.Handle {
	return spawn(e, func() (string, error) {
		runID, parentID, err := e.await(ctx, parent)
		if err == nil {
			var id string
			id, err = e.channel.StartItem(ctx, runID, parentID, rq)
			if err == nil {
				return id, nil
			}
		}
		e.report(channel.OpStartItem, rq.Name, err)
		return "", err
	})
}

// FinishItem implements Launch
func (e *executor) FinishItem(ctx context.Context, item channel.Handle, rq *protocol.FinishItemRequest) *channel.Future[struct{}] {
	return spawn(e, func() (struct{}, error) {
		if item == nil {
			return struct{}{}, fmt.Errorf("finish item: no item")
		}
		runID, itemID, err := e.await(ctx, item)
		if err == nil {
			err = e.channel.FinishItem(ctx, runID, itemID, rq)
		}
		e.report(channel.OpFinishItem, itemID, err)
		return struct{}{}, err
	})
}

// EmitLog implements Launch. The log is attached to item once it resolves;
// a nil item logs at run level.
func (e *executor) EmitLog(ctx context.Context, item channel.Handle, rq *protocol.SaveLogRequest) *channel.Future[struct{}] {
	return spawn(e, func() (struct{}, error) {
		runID, itemID, err := e.await(ctx, item)
		if err == nil {
			entry := *rq
			entry.ItemUUID = itemID
			err = e.channel.EmitLog(ctx, runID, &entry)
		}
		e.report(channel.OpEmitLog, itemID, err)
		return struct{}{}, err
	})
}
