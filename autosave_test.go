package gridcore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysDirty() bool { return true }

// eventually polls cond for up to a second
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond, msg)
}

func TestDebounceCoalescesBursts(t *testing.T) {
	var calls atomic.Int32
	saver := NewAutoSaver(AutoSaveConfig{
		Enabled:    true,
		IntervalMs: 600000,
		DebounceMs: 30,
		MaxRetries: 0,
	}, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, alwaysDirty, nil, nil)
	defer saver.Close()

	for i := 0; i < 5; i++ {
		saver.Touch()
		time.Sleep(5 * time.Millisecond)
	}

	eventually(t, func() bool { return calls.Load() == 1 }, "burst should produce one save")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "no extra saves after the burst")
}

func TestCleanDocumentSkipsSave(t *testing.T) {
	var calls atomic.Int32
	saver := NewAutoSaver(AutoSaveConfig{
		Enabled:    true,
		IntervalMs: 600000,
		DebounceMs: 10,
		MaxRetries: 0,
	}, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, func() bool { return false }, nil, nil)
	defer saver.Close()

	saver.Touch()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	require.NoError(t, saver.Flush(context.Background()))
	assert.Equal(t, int32(0), calls.Load())
}

func TestPeriodicSweepSaves(t *testing.T) {
	var calls atomic.Int32
	saver := NewAutoSaver(AutoSaveConfig{
		Enabled:    true,
		IntervalMs: 25,
		DebounceMs: 600000,
		MaxRetries: 0,
	}, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, alwaysDirty, nil, nil)
	defer saver.Close()

	eventually(t, func() bool { return calls.Load() >= 2 }, "periodic sweep should keep saving")
}

func TestRetryWithBackoff(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("disk full")
	saver := NewAutoSaver(AutoSaveConfig{
		Enabled:    true,
		IntervalMs: 600000,
		DebounceMs: 10,
		MaxRetries: 2,
	}, func(ctx context.Context) error {
		calls.Add(1)
		return boom
	}, alwaysDirty, nil, nil)
	saver.retryBase = time.Millisecond
	defer saver.Close()

	err := saver.Flush(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load(), "two attempts total under maxRetries 2")

	state := saver.State()
	assert.False(t, state.IsSaving)
	assert.ErrorIs(t, state.LastError, boom)
	assert.Equal(t, 2, state.RetryCount)
	assert.Equal(t, 0, state.SaveCount)
}

func TestRetryDelayDoublesFromTwiceBase(t *testing.T) {
	saver := NewAutoSaver(DefaultAutoSaveConfig(), nil, nil, nil, nil)
	defer saver.Close()
	saver.retryBase = time.Second

	assert.Equal(t, 2*time.Second, saver.retryDelay(1))
	assert.Equal(t, 4*time.Second, saver.retryDelay(2))
	assert.Equal(t, 8*time.Second, saver.retryDelay(3))
	assert.Equal(t, 10*time.Second, saver.retryDelay(4), "capped at ten times the base")
	assert.Equal(t, 10*time.Second, saver.retryDelay(9))
}

func TestFailureVisibleDuringRetryWait(t *testing.T) {
	boom := errors.New("disk full")
	saver := NewAutoSaver(AutoSaveConfig{
		Enabled:    true,
		IntervalMs: 600000,
		DebounceMs: 600000,
		MaxRetries: 3,
	}, func(ctx context.Context) error {
		return boom
	}, alwaysDirty, nil, nil)
	saver.retryBase = 200 * time.Millisecond
	defer saver.Close()

	go saver.Flush(context.Background())

	// the first failure lands in the snapshot while the backoff wait is
	// still running
	eventually(t, func() bool {
		state := saver.State()
		return state.IsSaving && state.RetryCount >= 1 && errors.Is(state.LastError, boom)
	}, "mid-retry state should expose the failure")
}

func TestRetryStopsAfterSuccess(t *testing.T) {
	var calls atomic.Int32
	saver := NewAutoSaver(AutoSaveConfig{
		Enabled:    true,
		IntervalMs: 600000,
		DebounceMs: 10,
		MaxRetries: 5,
	}, func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, alwaysDirty, nil, nil)
	saver.retryBase = time.Millisecond
	defer saver.Close()

	require.NoError(t, saver.Flush(context.Background()))
	assert.Equal(t, int32(3), calls.Load())

	state := saver.State()
	assert.NoError(t, state.LastError)
	assert.Equal(t, 1, state.SaveCount)
	assert.False(t, state.LastSaved.IsZero())
}

func TestSuccessfulSaveRunsHook(t *testing.T) {
	var cleaned atomic.Bool
	saver := NewAutoSaver(AutoSaveConfig{
		Enabled:    true,
		IntervalMs: 600000,
		DebounceMs: 10,
		MaxRetries: 0,
	}, func(ctx context.Context) error {
		return nil
	}, alwaysDirty, func() { cleaned.Store(true) }, nil)
	defer saver.Close()

	require.NoError(t, saver.Flush(context.Background()))
	assert.True(t, cleaned.Load())
}

func TestDisableCancelsPendingSave(t *testing.T) {
	var calls atomic.Int32
	saver := NewAutoSaver(AutoSaveConfig{
		Enabled:    true,
		IntervalMs: 600000,
		DebounceMs: 20,
		MaxRetries: 0,
	}, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, alwaysDirty, nil, nil)
	defer saver.Close()

	saver.Touch()
	saver.SetEnabled(false)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "disabled scheduler must not fire the pending debounce")

	// while disabled, edits do not arm the debounce
	saver.Touch()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	saver.SetEnabled(true)
	saver.Touch()
	eventually(t, func() bool { return calls.Load() == 1 }, "re-enabled scheduler saves again")
}

func TestCloseIsIdempotent(t *testing.T) {
	saver := NewAutoSaver(DefaultAutoSaveConfig(), func(ctx context.Context) error { return nil }, alwaysDirty, nil, nil)
	saver.Close()
	saver.Close()

	// a closed scheduler ignores everything
	saver.Touch()
	assert.NoError(t, saver.Flush(context.Background()))
	assert.False(t, saver.Enabled())
}
