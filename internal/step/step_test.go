package step

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iambrandonn/runjoin/internal/channel"
	"github.com/iambrandonn/runjoin/internal/checksum"
	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type startCall struct {
	parent channel.Handle
	item   channel.Handle
	rq     protocol.StartItemRequest
}

type finishCall struct {
	item channel.Handle
	rq   protocol.FinishItemRequest
}

type logCall struct {
	item channel.Handle
	rq   protocol.SaveLogRequest
}

// recordingLaunch resolves every item immediately and records calls in
// the order they were issued
type recordingLaunch struct {
	mu       sync.Mutex
	events   []string
	starts   []startCall
	finishes []finishCall
	logs     []logCall
}

func (l *recordingLaunch) StartItem(ctx context.Context, parent channel.Handle, rq *protocol.StartItemRequest) channel.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := channel.Resolved(fmt.Sprintf("item-%d", len(l.starts)))
	l.starts = append(l.starts, startCall{parent: parent, item: item, rq: *rq})
	l.events = append(l.events, "start "+rq.Name)
	return item
}

func (l *recordingLaunch) FinishItem(ctx context.Context, item channel.Handle, rq *protocol.FinishItemRequest) *channel.Future[struct{}] {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finishes = append(l.finishes, finishCall{item: item, rq: *rq})
	l.events = append(l.events, "finish "+l.nameOf(item))
	return channel.Resolved(struct{}{})
}

func (l *recordingLaunch) EmitLog(ctx context.Context, item channel.Handle, rq *protocol.SaveLogRequest) *channel.Future[struct{}] {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, logCall{item: item, rq: *rq})
	l.events = append(l.events, "log "+l.nameOf(item))
	return channel.Resolved(struct{}{})
}

func (l *recordingLaunch) nameOf(item channel.Handle) string {
	for _, s := range l.starts {
		if s.item == item {
			return s.rq.Name
		}
	}
	return "?"
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReporter(clock func() time.Time) (*Reporter, *recordingLaunch) {
	launch := &recordingLaunch{}
	return NewReporter(launch, testLogger(), Options{Clock: clock}), launch
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestSendStepStartTimesStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Clock running backwards
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(-time.Duration(tick) * time.Microsecond)
	}

	reporter, launch := newTestReporter(clock)
	sc := reporter.NewContext()
	for i := 0; i < 5; i++ {
		sc.Step(ctx, fmt.Sprintf("step-%d", i))
	}
	sc.FinishPreviousStep(ctx)

	require.Len(t, launch.starts, 5)
	for i := 1; i < len(launch.starts); i++ {
		prev := launch.starts[i-1].rq.StartTime
		cur := launch.starts[i].rq.StartTime
		assert.True(t, cur.After(prev), "step %d starts at %v, not after %v", i, cur, prev)
		assert.Equal(t, time.Millisecond, cur.Sub(prev))
	}

	require.Len(t, launch.finishes, 5)
	for i, f := range launch.finishes {
		assert.Same(t, launch.starts[i].item, f.item)
		assert.False(t, f.rq.EndTime.Before(launch.starts[i].rq.StartTime), "end precedes start for step %d", i)
	}
}

func TestSendStepKeepsLaterClock(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	reporter, launch := newTestReporter(func() time.Time { return now })

	sc := reporter.NewContext()
	sc.Step(ctx, "a")
	now = base.Add(time.Second)
	sc.Step(ctx, "b")

	require.Len(t, launch.starts, 2)
	assert.Equal(t, base, launch.starts[0].rq.StartTime)
	assert.Equal(t, base.Add(time.Second), launch.starts[1].rq.StartTime)
}

func TestSendStepFlushesPreviousFirst(t *testing.T) {
	ctx := context.Background()
	reporter, launch := newTestReporter(fixedClock(time.Now()))

	parent := channel.Resolved("suite")
	sc := reporter.NewContext()
	sc.SetParent(parent)

	sc.Step(ctx, "a")
	sc.StepError(ctx, protocol.StatusFailed, "b", errors.New("boom"))
	sc.FinishPreviousStep(ctx)

	assert.Equal(t, []string{
		"start a",
		"finish a",
		"start b",
		"log b",
		"finish b",
	}, launch.events)

	for _, s := range launch.starts {
		assert.Same(t, parent, s.parent)
		assert.Equal(t, protocol.ItemTypeStep, s.rq.Type)
		assert.False(t, s.rq.HasStats)
	}
	assert.Equal(t, protocol.StatusPassed, launch.finishes[0].rq.Status)
	assert.Equal(t, protocol.StatusFailed, launch.finishes[1].rq.Status)
}

func TestFinishPreviousStep(t *testing.T) {
	ctx := context.Background()
	reporter, launch := newTestReporter(nil)
	sc := reporter.NewContext()

	entry, ok := sc.FinishPreviousStep(ctx)
	assert.False(t, ok)
	assert.Nil(t, entry)

	sc.StepStatus(ctx, protocol.StatusSkipped, "skipped")
	assert.Empty(t, launch.finishes, "finish is held back")

	entry, ok = sc.FinishPreviousStep(ctx)
	require.True(t, ok)
	assert.Same(t, launch.starts[0].item, entry.Item)
	assert.Equal(t, protocol.StatusSkipped, entry.Finish.Status)
	require.Len(t, launch.finishes, 1)

	_, ok = sc.FinishPreviousStep(ctx)
	assert.False(t, ok, "an entry is flushed once")
}

func TestIsParentFailedConsumesOnce(t *testing.T) {
	ctx := context.Background()
	reporter, _ := newTestReporter(nil)

	parent := channel.Resolved("suite")
	sc := reporter.NewContext()
	sc.SetParent(parent)

	sc.SendStep(ctx, protocol.StatusPassed, "A")
	sc.SendStep(ctx, protocol.StatusFailed, "B")

	assert.True(t, sc.IsParentFailed(parent))
	assert.False(t, sc.IsParentFailed(parent))

	sc.SendStep(ctx, protocol.StatusFailed, "C")
	assert.False(t, sc.IsParentFailed(channel.Resolved("suite")), "handles compare by identity")
	assert.True(t, sc.IsParentFailed(parent))
}

func TestParentManagement(t *testing.T) {
	reporter, _ := newTestReporter(nil)
	sc := reporter.NewContext()

	assert.Nil(t, sc.Parent())

	x := channel.Resolved("x")
	sc.SetParent(x)
	sc.SetParent(nil)
	assert.Same(t, x, sc.Parent(), "nil does not replace the parent")

	assert.Same(t, x, sc.RemoveParent())
	assert.Nil(t, sc.Parent())
	assert.Nil(t, sc.RemoveParent())
}

func TestSpawnIsolation(t *testing.T) {
	ctx := context.Background()
	reporter, launch := newTestReporter(nil)

	x := channel.Resolved("x")
	sc := reporter.NewContext()
	sc.SetParent(x)
	sc.StepStatus(ctx, protocol.StatusFailed, "failing")

	child := sc.Spawn()
	assert.Same(t, x, child.Parent())
	_, ok := child.FinishPreviousStep(ctx)
	assert.False(t, ok, "child starts with nothing pending")
	assert.False(t, child.IsParentFailed(x), "child starts with no failures")

	y := channel.Resolved("y")
	child.SetParent(y)
	child.StepStatus(ctx, protocol.StatusFailed, "child failing")

	assert.Same(t, x, sc.Parent(), "child never mutates the spawning context")
	assert.False(t, sc.IsParentFailed(y))
	assert.True(t, sc.IsParentFailed(x))
	assert.True(t, child.IsParentFailed(y))

	_, ok = sc.FinishPreviousStep(ctx)
	assert.True(t, ok, "spawning context keeps its pending step")
	require.Len(t, launch.finishes, 1)
	assert.Equal(t, "failing", launch.nameOf(launch.finishes[0].item))
}

func TestStepErrorLogs(t *testing.T) {
	ctx := context.Background()
	reporter, launch := newTestReporter(nil)
	sc := reporter.NewContext()

	sc.StepError(ctx, protocol.StatusFailed, "with error", errors.New("expected 2, got 3"))
	sc.StepError(ctx, protocol.StatusFailed, "without error", nil)
	sc.StepErrorFiles(ctx, protocol.StatusFailed, "no files", errors.New("bare"))

	require.Len(t, launch.logs, 3)
	assert.Equal(t, "expected 2, got 3", launch.logs[0].rq.Message)
	assert.Equal(t, protocol.LogLevelError, launch.logs[0].rq.Level)
	assert.Same(t, launch.starts[0].item, launch.logs[0].item)
	assert.Equal(t, "Test has failed without exception", launch.logs[1].rq.Message)
	assert.Equal(t, "bare", launch.logs[2].rq.Message)
	assert.Nil(t, launch.logs[2].rq.File)
}

func TestStepFilesAttachments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	png := filepath.Join(dir, "screen.png")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n0000"), 0600))
	missing := filepath.Join(dir, "missing.txt")

	reporter, launch := newTestReporter(nil)
	sc := reporter.NewContext()
	sc.StepFiles(ctx, protocol.StatusPassed, "screenshots", png, missing)

	require.Len(t, launch.logs, 2, "a log is emitted even when its file is unreadable")

	first := launch.logs[0].rq
	assert.Equal(t, "screen.png", first.Message)
	assert.Equal(t, protocol.LogLevelInfo, first.Level)
	require.NotNil(t, first.File)
	assert.Equal(t, "image/png", first.File.ContentType)
	assert.Len(t, first.File.Name, 36, "attachments get a random uuid name")
	assert.NotEqual(t, "screen.png", first.File.Name)
	assert.Equal(t, int64(12), first.File.Size)
	assert.NoError(t, checksum.Verify(first.File.Content, first.File.Digest))

	second := launch.logs[1].rq
	assert.Equal(t, "missing.txt", second.Message)
	assert.Nil(t, second.File)
	assert.Equal(t, int64(1), reporter.AttachmentFailures())
}

func TestStepErrorFilesAttachments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	trace := filepath.Join(dir, "trace.txt")
	require.NoError(t, os.WriteFile(trace, []byte("goroutine 1 [running]:\n"), 0600))

	launch := &recordingLaunch{}
	reporter := NewReporter(launch, testLogger(), Options{AttachmentMaxBytes: 8})
	sc := reporter.NewContext()
	sc.StepErrorFiles(ctx, protocol.StatusFailed, "crash", errors.New("panic"), trace)

	require.Len(t, launch.logs, 1)
	assert.Equal(t, "panic", launch.logs[0].rq.Message)
	assert.Equal(t, protocol.LogLevelError, launch.logs[0].rq.Level)
	assert.Nil(t, launch.logs[0].rq.File, "oversize attachment is dropped")
	assert.Equal(t, int64(1), reporter.AttachmentFailures())
}

func TestLoadAttachmentError(t *testing.T) {
	reporter, _ := newTestReporter(nil)
	_, err := reporter.loadAttachment(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrAttachmentRead)
}

func TestLogTimeNotBeforeStep(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reporter, launch := newTestReporter(fixedClock(base))
	sc := reporter.NewContext()
	ctx := context.Background()

	sc.Step(ctx, "a")
	sc.StepError(ctx, protocol.StatusFailed, "b", errors.New("boom"))

	require.Len(t, launch.logs, 1)
	assert.Equal(t, launch.starts[1].rq.StartTime, launch.logs[0].rq.LogTime)
	assert.True(t, launch.logs[0].rq.LogTime.After(base))
}

func TestContextCarrier(t *testing.T) {
	reporter, _ := newTestReporter(nil)
	sc := reporter.NewContext()

	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	got, ok := FromContext(WithContext(context.Background(), sc))
	require.True(t, ok)
	assert.Same(t, sc, got)
}
