// Package step reports manually declared nested steps with strictly
// increasing start times and per-context failure propagation.
//
// A Reporter is bound to one run. Each sequential thread of work drives its
// own Context; contexts are never shared between goroutines.
package step

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/iambrandonn/runjoin/internal/channel"
	"github.com/iambrandonn/runjoin/internal/protocol"
)

// DefaultAttachmentMaxBytes bounds attachment reads when Options leaves it unset
const DefaultAttachmentMaxBytes = 64 << 20

// Launch is the part of a run the step engine issues calls through
type Launch interface {
	StartItem(ctx context.Context, parent channel.Handle, rq *protocol.StartItemRequest) channel.Handle
	FinishItem(ctx context.Context, item channel.Handle, rq *protocol.FinishItemRequest) *channel.Future[struct{}]
	EmitLog(ctx context.Context, item channel.Handle, rq *protocol.SaveLogRequest) *channel.Future[struct{}]
}

// Options tunes a Reporter
type Options struct {
	// Resolution is the minimal step between sibling start times
	Resolution         time.Duration
	AttachmentMaxBytes int64
	Clock              func() time.Time
}

// Reporter creates step contexts for one run
type Reporter struct {
	launch Launch
	logger *slog.Logger
	opts   Options

	attachmentFailures atomic.Int64
}

// NewReporter binds a step reporter to launch
func NewReporter(launch Launch, logger *slog.Logger, opts Options) *Reporter {
	if opts.Resolution <= 0 {
		opts.Resolution = time.Millisecond
	}
	if opts.AttachmentMaxBytes <= 0 {
		opts.AttachmentMaxBytes = DefaultAttachmentMaxBytes
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Reporter{launch: launch, logger: logger, opts: opts}
}

// NewContext returns an empty root context
func (r *Reporter) NewContext() *Context {
	return &Context{
		reporter: r,
		failed:   make(map[channel.Handle]struct{}),
	}
}

// AttachmentFailures returns how many attachments could not be read
func (r *Reporter) AttachmentFailures() int64 {
	return r.attachmentFailures.Load()
}

func (r *Reporter) now() time.Time {
	return r.opts.Clock()
}
