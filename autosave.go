package gridcore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SaveFunc persists the document. the scheduler treats a nil error as a
// confirmed save and anything else as a retryable failure.
type SaveFunc func(ctx context.Context) error

// AutoSaveConfig controls the save scheduler
type AutoSaveConfig struct {
	Enabled    bool
	IntervalMs int
	DebounceMs int
	MaxRetries int
}

// DefaultAutoSaveConfig matches the built-in scheduler defaults
func DefaultAutoSaveConfig() AutoSaveConfig {
	return AutoSaveConfig{
		Enabled:    true,
		IntervalMs: 30000,
		DebounceMs: 2000,
		MaxRetries: 3,
	}
}

// AutoSaveState is a point-in-time snapshot of scheduler progress
type AutoSaveState struct {
	LastSaved  time.Time
	IsSaving   bool
	LastError  error
	SaveCount  int
	RetryCount int
}

// AutoSaver coalesces bursts of edits behind a debounce timer and runs a
// periodic sweep so a quiet document still gets saved. a single in-flight
// guard serializes saves; failures retry with capped exponential backoff.
type AutoSaver struct {
	mu      sync.Mutex
	config  AutoSaveConfig
	save    SaveFunc
	dirty   func() bool
	onSaved func()
	logger  *slog.Logger

	state AutoSaveState
	// backoff unit, only overridden in tests
	retryBase time.Duration
	debounce  *time.Timer
	ticker    *time.Ticker
	tickStop  chan struct{}
	wg        sync.WaitGroup
	closed    bool

	// root context for scheduled saves, cancelled on Close so an
	// in-flight save observes teardown
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAutoSaver wires a scheduler to a save callback and a dirtiness
// check. onSaved runs after each confirmed save; pass nil for no hook.
func NewAutoSaver(config AutoSaveConfig, save SaveFunc, dirty func() bool, onSaved func(), logger *slog.Logger) *AutoSaver {
	if config.IntervalMs <= 0 {
		config.IntervalMs = 30000
	}
	if config.DebounceMs <= 0 {
		config.DebounceMs = 2000
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AutoSaver{
		config:    config,
		save:      save,
		dirty:     dirty,
		onSaved:   onSaved,
		logger:    logger,
		retryBase: time.Second,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	if config.Enabled {
		a.startTicker()
	}
	return a
}

// State returns a snapshot of scheduler progress
func (a *AutoSaver) State() AutoSaveState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Enabled reports whether the scheduler is active
func (a *AutoSaver) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config.Enabled
}

// SetEnabled toggles the scheduler. disabling cancels the pending
// debounce and the periodic sweep; enabling restarts the sweep only, the
// debounce re-arms on the next edit.
func (a *AutoSaver) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.config.Enabled == enabled {
		return
	}
	a.config.Enabled = enabled
	if enabled {
		a.startTicker()
		return
	}
	a.stopTimersLocked()
}

// Touch notes an edit, resetting the debounce window so the save fires
// once after the burst settles
func (a *AutoSaver) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.config.Enabled {
		return
	}
	window := time.Duration(a.config.DebounceMs) * time.Millisecond
	if a.debounce != nil {
		a.debounce.Reset(window)
		return
	}
	a.debounce = time.AfterFunc(window, func() {
		a.mu.Lock()
		a.debounce = nil
		a.mu.Unlock()
		a.runSave(a.ctx)
	})
}

// Flush saves immediately, bypassing the debounce window. it still
// respects the in-flight guard and the clean short-circuit.
func (a *AutoSaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.debounce != nil {
		a.debounce.Stop()
		a.debounce = nil
	}
	a.mu.Unlock()
	return a.runSave(ctx)
}

// startTicker launches the periodic sweep. caller holds the lock or is
// the constructor.
func (a *AutoSaver) startTicker() {
	a.ticker = time.NewTicker(time.Duration(a.config.IntervalMs) * time.Millisecond)
	a.tickStop = make(chan struct{})
	a.wg.Add(1)
	go func(ticker *time.Ticker, stop chan struct{}) {
		defer a.wg.Done()
		for {
			select {
			case <-ticker.C:
				a.runSave(a.ctx)
			case <-stop:
				return
			}
		}
	}(a.ticker, a.tickStop)
}

// stopTimersLocked cancels the debounce and the periodic sweep. caller
// holds the lock.
func (a *AutoSaver) stopTimersLocked() {
	if a.debounce != nil {
		a.debounce.Stop()
		a.debounce = nil
	}
	if a.ticker != nil {
		a.ticker.Stop()
		close(a.tickStop)
		a.ticker = nil
		a.tickStop = nil
	}
}

// Close disables the scheduler and waits for the sweep goroutine and
// any in-flight save to finish
func (a *AutoSaver) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.config.Enabled = false
	a.stopTimersLocked()
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}

// retryDelay is min(base * 2^retryCount, 10*base)
func (a *AutoSaver) retryDelay(retryCount int) time.Duration {
	delay := a.retryBase << uint(retryCount)
	if limit := 10 * a.retryBase; delay > limit {
		delay = limit
	}
	return delay
}

// retryable reports whether a failed save is worth repeating. failed
// preconditions, like a missing save callback, do not heal on their own.
func retryable(err error) bool {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code != FailedPrecondition
	}
	return true
}

// runSave performs one save pass: skip when clean or already saving,
// otherwise call the save callback, retrying failures with backoff until
// the attempt budget is spent. each failure lands in the state snapshot
// so callers polling mid-retry see it. returns the last error when all
// attempts fail.
func (a *AutoSaver) runSave(ctx context.Context) error {
	a.mu.Lock()
	if a.closed || a.save == nil || a.state.IsSaving {
		a.mu.Unlock()
		return nil
	}
	if a.dirty != nil && !a.dirty() {
		a.mu.Unlock()
		return nil
	}
	a.state.IsSaving = true
	a.state.RetryCount = 0
	maxRetries := a.config.MaxRetries
	a.wg.Add(1) // under the lock so Close cannot observe zero mid-save
	a.mu.Unlock()
	defer a.wg.Done()

	var err error
	for attempt := 1; ; attempt++ {
		err = a.save(ctx)
		if err == nil {
			a.mu.Lock()
			a.state.IsSaving = false
			a.state.LastSaved = time.Now()
			a.state.LastError = nil
			a.state.SaveCount++
			a.mu.Unlock()
			if a.onSaved != nil {
				a.onSaved()
			}
			a.logger.Debug("autosave complete", "attempts", attempt)
			return nil
		}
		a.mu.Lock()
		a.state.RetryCount = attempt
		a.state.LastError = err
		a.mu.Unlock()
		a.logger.Warn("autosave attempt failed", "attempt", attempt, "error", err)
		if !retryable(err) || attempt >= maxRetries {
			break
		}
		select {
		case <-time.After(a.retryDelay(attempt)):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	a.mu.Lock()
	a.state.IsSaving = false
	a.state.LastError = err
	a.mu.Unlock()
	a.logger.Error("autosave gave up", "maxRetries", maxRetries, "error", err)
	return err
}
