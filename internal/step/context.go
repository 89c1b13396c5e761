package step

import (
	"context"
	"time"

	"github.com/iambrandonn/runjoin/internal/channel"
	"github.com/iambrandonn/runjoin/internal/protocol"
)

// Entry is a closed step whose finish call has not been sent yet
type Entry struct {
	Item      channel.Handle
	StartTime time.Time
	Finish    *protocol.FinishItemRequest
}

// Started describes a step while its actions run
type Started struct {
	Item      channel.Handle
	StartTime time.Time
}

// Action runs inside a step after it started, typically emitting logs
// against it. Actions must not wait for the calls they issue.
type Action func(ctx context.Context, step Started)

// Context is the step state of one sequential thread of work. It is not
// safe for concurrent use.
type Context struct {
	reporter *Reporter
	parent   channel.Handle
	pending  *Entry
	failed   map[channel.Handle]struct{}
}

// Spawn returns a child context nested under the current parent. Only the
// parent is copied; the child starts with nothing pending and no recorded
// failures.
func (c *Context) Spawn() *Context {
	child := c.reporter.NewContext()
	child.parent = c.parent
	return child
}

// Parent returns the current nesting target
func (c *Context) Parent() channel.Handle {
	return c.parent
}

// SetParent makes h the nesting target of later steps. A nil handle is
// ignored.
func (c *Context) SetParent(h channel.Handle) {
	if h != nil {
		c.parent = h
	}
}

// RemoveParent clears the nesting target and returns the previous one
func (c *Context) RemoveParent() channel.Handle {
	h := c.parent
	c.parent = nil
	return h
}

// IsParentFailed reports whether a FAILED step was recorded under h since
// the last query for h
func (c *Context) IsParentFailed(h channel.Handle) bool {
	if _, ok := c.failed[h]; ok {
		delete(c.failed, h)
		return true
	}
	return false
}

// SendStep reports a step under the current parent. The previous step of
// this context is finished first, the new one is started, actions run, and
// the new step's finish is held back until the next step or an explicit
// FinishPreviousStep.
func (c *Context) SendStep(ctx context.Context, status protocol.ItemStatus, name string, actions ...Action) {
	r := c.reporter

	start := r.now()
	if prev, ok := c.FinishPreviousStep(ctx); ok && !start.After(prev.StartTime) {
		start = prev.StartTime.Add(r.opts.Resolution)
	}

	item := r.launch.StartItem(ctx, c.parent, &protocol.StartItemRequest{
		Name:      name,
		Type:      protocol.ItemTypeStep,
		HasStats:  false,
		StartTime: start,
	})

	for _, action := range actions {
		action(ctx, Started{Item: item, StartTime: start})
	}

	end := r.now()
	if end.Before(start) {
		end = start
	}
	c.pending = &Entry{
		Item:      item,
		StartTime: start,
		Finish:    &protocol.FinishItemRequest{Status: status, EndTime: end},
	}

	if status == protocol.StatusFailed {
		c.failed[c.parent] = struct{}{}
	}
}

// FinishPreviousStep sends the finish call of the pending step, if any, and
// returns it. Call it before closing the parent item.
func (c *Context) FinishPreviousStep(ctx context.Context) (*Entry, bool) {
	entry := c.pending
	if entry == nil {
		return nil, false
	}
	c.pending = nil
	c.reporter.launch.FinishItem(ctx, entry.Item, entry.Finish)
	return entry, true
}

// Step reports a PASSED step
func (c *Context) Step(ctx context.Context, name string) {
	c.SendStep(ctx, protocol.StatusPassed, name)
}

// StepStatus reports a step with status
func (c *Context) StepStatus(ctx context.Context, status protocol.ItemStatus, name string) {
	c.SendStep(ctx, status, name)
}

// StepError reports a step with an error log describing err
func (c *Context) StepError(ctx context.Context, status protocol.ItemStatus, name string, err error) {
	c.SendStep(ctx, status, name, c.reporter.errorLog(err, ""))
}

// StepFiles reports a step with one INFO log per attached file
func (c *Context) StepFiles(ctx context.Context, status protocol.ItemStatus, name string, files ...string) {
	actions := make([]Action, 0, len(files))
	for _, path := range files {
		actions = append(actions, c.reporter.fileLog(path))
	}
	c.SendStep(ctx, status, name, actions...)
}

// StepErrorFiles reports a step with one ERROR log per attached file, each
// describing err. Without files a single error log is emitted.
func (c *Context) StepErrorFiles(ctx context.Context, status protocol.ItemStatus, name string, err error, files ...string) {
	if len(files) == 0 {
		c.StepError(ctx, status, name, err)
		return
	}
	actions := make([]Action, 0, len(files))
	for _, path := range files {
		actions = append(actions, c.reporter.errorLog(err, path))
	}
	c.SendStep(ctx, status, name, actions...)
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying sc
func WithContext(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// FromContext returns the step context carried by ctx, if any
func FromContext(ctx context.Context) (*Context, bool) {
	sc, ok := ctx.Value(ctxKey{}).(*Context)
	return sc, ok
}
