package channel

import (
	"context"
	"errors"
	"time"

	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call outcomes recorded by Instrumented
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomeUnavailable = "unavailable"
	OutcomeConflict    = "conflict"
	OutcomeError       = "error"
)

// Instrumented wraps a Channel with Prometheus call metrics
type Instrumented struct {
	next     Channel
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// Instrument registers the channel metrics with reg and returns a Channel
// recording them around every call to ch
func Instrument(ch Channel, reg prometheus.Registerer) *Instrumented {
	factory := promauto.With(reg)
	return &Instrumented{
		next: ch,
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runjoin_channel_calls_total",
				Help: "Total number of reporting channel calls",
			},
			[]string{"op", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runjoin_channel_call_duration_seconds",
				Help:    "Reporting channel call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	i.calls.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, ErrConflict):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}

// CreateRun implements Channel
func (i *Instrumented) CreateRun(ctx context.Context, rq *protocol.StartRunRequest) (string, error) {
	start := time.Now()
	id, err := i.next.CreateRun(ctx, rq)
	i.observe(OpCreateRun, start, err)
	return id, err
}

// FinalizeRun implements Channel
func (i *Instrumented) FinalizeRun(ctx context.Context, runID string, rq *protocol.FinishRunRequest) error {
	start := time.Now()
	err := i.next.FinalizeRun(ctx, runID, rq)
	i.observe(OpFinalizeRun, start, err)
	return err
}

// GetRunByIdentifier implements Channel
func (i *Instrumented) GetRunByIdentifier(ctx context.Context, id string) (*protocol.RunResource, error) {
	start := time.Now()
	run, err := i.next.GetRunByIdentifier(ctx, id)
	i.observe(OpGetRun, start, err)
	return run, err
}

// StartItem implements Channel
func (i *Instrumented) StartItem(ctx context.Context, runID, parentID string, rq *protocol.StartItemRequest) (string, error) {
	start := time.Now()
	id, err := i.next.StartItem(ctx, runID, parentID, rq)
	i.observe(OpStartItem, start, err)
	return id, err
}

// FinishItem implements Channel
func (i *Instrumented) FinishItem(ctx context.Context, runID, itemID string, rq *protocol.FinishItemRequest) error {
	start := time.Now()
	err := i.next.FinishItem(ctx, runID, itemID, rq)
	i.observe(OpFinishItem, start, err)
	return err
}

// EmitLog implements Channel
func (i *Instrumented) EmitLog(ctx context.Context, runID string, rq *protocol.SaveLogRequest) error {
	start := time.Now()
	err := i.next.EmitLog(ctx, runID, rq)
	i.observe(OpEmitLog, start, err)
	return err
}
