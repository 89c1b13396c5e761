package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRunLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetRunByIdentifier(ctx, "U1")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := m.CreateRun(ctx, &protocol.StartRunRequest{UUID: "U1", Name: "nightly"})
	require.NoError(t, err)
	assert.Equal(t, "U1", id)

	run, err := m.GetRunByIdentifier(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "nightly", run.Name)
	assert.Equal(t, protocol.StatusInProgress, run.Status)

	_, err = m.CreateRun(ctx, &protocol.StartRunRequest{UUID: "U1"})
	assert.ErrorIs(t, err, ErrConflict)

	end := time.Now()
	require.NoError(t, m.FinalizeRun(ctx, "U1", &protocol.FinishRunRequest{EndTime: end}))
	stored, ok := m.Run("U1")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusPassed, stored.Status)
	require.NotNil(t, stored.EndTime)

	assert.ErrorIs(t, m.FinalizeRun(ctx, "missing", &protocol.FinishRunRequest{}), ErrNotFound)
	assert.Equal(t, 2, m.Calls(OpCreateRun))
	assert.Equal(t, 2, m.Calls(OpFinalizeRun))
}

func TestMemoryGeneratesRunID(t *testing.T) {
	id, err := NewMemory().CreateRun(context.Background(), &protocol.StartRunRequest{Name: "adhoc"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestMemoryItemsAndLogs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.CreateRun(ctx, &protocol.StartRunRequest{UUID: "R"})
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	suite, err := m.StartItem(ctx, "R", "", &protocol.StartItemRequest{Name: "suite", Type: protocol.ItemTypeSuite, StartTime: base})
	require.NoError(t, err)
	second, err := m.StartItem(ctx, "R", suite, &protocol.StartItemRequest{Name: "b", StartTime: base.Add(2 * time.Millisecond)})
	require.NoError(t, err)
	_, err = m.StartItem(ctx, "R", suite, &protocol.StartItemRequest{Name: "a", StartTime: base.Add(time.Millisecond)})
	require.NoError(t, err)

	_, err = m.StartItem(ctx, "R", "missing", &protocol.StartItemRequest{Name: "orphan"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.StartItem(ctx, "other", "", &protocol.StartItemRequest{Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	children := m.Children("R", suite)
	require.Len(t, children, 2)
	assert.Equal(t, "a", children[0].Start.Name)
	assert.Equal(t, "b", children[1].Start.Name)

	require.NoError(t, m.FinishItem(ctx, "R", second, &protocol.FinishItemRequest{Status: protocol.StatusFailed}))
	assert.ErrorIs(t, m.FinishItem(ctx, "other", second, &protocol.FinishItemRequest{}), ErrNotFound)
	items := m.Items("R")
	require.Len(t, items, 3)
	require.NotNil(t, items[1].Finish)
	assert.Equal(t, protocol.StatusFailed, items[1].Finish.Status)

	require.NoError(t, m.EmitLog(ctx, "R", &protocol.SaveLogRequest{ItemUUID: second, Message: "boom", Level: protocol.LogLevelError}))
	assert.ErrorIs(t, m.EmitLog(ctx, "R", &protocol.SaveLogRequest{ItemUUID: "missing"}), ErrNotFound)
	logs := m.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "boom", logs[0].Message)
}

func TestMemoryHoldCreates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.HoldCreates()

	created := Go(func() (string, error) {
		return m.CreateRun(ctx, &protocol.StartRunRequest{UUID: "U1"})
	})

	require.Eventually(t, func() bool { return m.Calls(OpCreateRun) == 1 }, time.Second, time.Millisecond)
	_, err := m.GetRunByIdentifier(ctx, "U1")
	assert.ErrorIs(t, err, ErrNotFound, "run is invisible until acknowledged")

	m.ReleaseCreates()
	id, err := created.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "U1", id)

	_, err = m.GetRunByIdentifier(ctx, "U1")
	assert.NoError(t, err)
}

func TestMemoryHeldCreateCancelled(t *testing.T) {
	m := NewMemory()
	m.HoldCreates()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.CreateRun(ctx, &protocol.StartRunRequest{UUID: "U1"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryFailOn(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	down := errors.New("connection refused")

	m.FailOn(OpCreateRun, down)
	_, err := m.CreateRun(ctx, &protocol.StartRunRequest{UUID: "U1"})
	assert.ErrorIs(t, err, down)

	m.FailOn(OpCreateRun, nil)
	_, err = m.CreateRun(ctx, &protocol.StartRunRequest{UUID: "U1"})
	assert.NoError(t, err)
	assert.Equal(t, 2, m.Calls(OpCreateRun))
}
