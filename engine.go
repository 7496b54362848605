package gridcore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Engine is the top-level facade over the grid model, the formula graph,
// the cell state manager, the autosave scheduler, and the conflict
// detector. all public methods are safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	sheets     map[string]*Sheet
	sheetOrder []string

	graph     *FormulaGraph
	evaluator *Evaluator
	states    *StateManager
	saver     *AutoSaver
	detector  *ConflictDetector
	conflict  *ConflictInfo

	config *Config
	logger *slog.Logger
	clock  Clock

	saveFn  SaveFunc
	watcher *FileWatcher
}

// EngineOption mutates an engine during construction
type EngineOption func(*Engine)

// WithLogger overrides the logger built from the config
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClock substitutes the time source, for tests
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates an engine with an empty document. a nil config gets
// the defaults.
func NewEngine(config *Config, opts ...EngineOption) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	e := &Engine{
		sheets: make(map[string]*Sheet),
		config: config,
		clock:  &WallClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = config.NewLogger()
	}
	e.graph = NewFormulaGraph()
	e.evaluator = NewEvaluatorWithFunctions(NewBuiltinFunctionsWithClock(e.clock))
	e.states = NewStateManager(config.History.MaxDepth, e.clock)
	e.detector = NewConflictDetector(e.clock)
	e.saver = NewAutoSaver(AutoSaveConfig{
		Enabled:    config.Autosave.Enabled,
		IntervalMs: config.Autosave.IntervalMs,
		DebounceMs: config.Autosave.DebounceMs,
		MaxRetries: config.Autosave.MaxRetries,
	}, e.runSave, e.IsDirty, e.MarkClean, e.logger)
	return e
}

// runSave invokes the registered save callback. without one the save
// fails: dirty edits must never be marked clean when nothing persisted
// them.
func (e *Engine) runSave(ctx context.Context) error {
	e.mu.Lock()
	saveFn := e.saveFn
	e.mu.Unlock()
	if saveFn == nil {
		return NewEngineError(FailedPrecondition, "no save callback registered")
	}
	return saveFn(ctx)
}

// LoadDocument replaces the document with the parsed content, rebuilds
// every formula, and records the content as the conflict baseline
func (e *Engine) LoadDocument(content []byte, modTime time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sheets = make(map[string]*Sheet)
	e.sheetOrder = nil
	e.graph = NewFormulaGraph()
	for _, sheet := range Parse(content) {
		e.sheets[sheet.ID] = sheet
		e.sheetOrder = append(e.sheetOrder, sheet.ID)
	}
	e.graph.RebuildAll(e.sheets, e.evaluator)
	e.detector.Baseline(content, modTime)
	e.conflict = nil

	// fresh document, fresh history; validation rules survive
	states := NewStateManager(e.config.History.MaxDepth, e.clock)
	states.rules = e.states.rules
	e.states = states

	e.logger.Info("document loaded", "sheets", len(e.sheetOrder))
}

// CreateGrid adds an empty sheet and returns it
func (e *Engine) CreateGrid(name string) *Sheet {
	e.mu.Lock()
	defer e.mu.Unlock()
	sheet := NewSheet("", name)
	e.sheets[sheet.ID] = sheet
	e.sheetOrder = append(e.sheetOrder, sheet.ID)
	return sheet
}

// Sheet returns the sheet with the given id, or nil
func (e *Engine) Sheet(id string) *Sheet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sheets[id]
}

// Sheets returns every sheet in creation order
func (e *Engine) Sheets() []*Sheet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sheetsLocked()
}

func (e *Engine) sheetsLocked() []*Sheet {
	result := make([]*Sheet, 0, len(e.sheetOrder))
	for _, id := range e.sheetOrder {
		if sheet, ok := e.sheets[id]; ok {
			result = append(result, sheet)
		}
	}
	return result
}

// CellAt returns the cell at (row, col) of the given sheet, or nil
func (e *Engine) CellAt(sheetID string, row, col int) *Cell {
	e.mu.Lock()
	defer e.mu.Unlock()
	sheet, ok := e.sheets[sheetID]
	if !ok {
		return nil
	}
	return sheet.GetCell(row, col)
}

// AttachRule registers a validation rule for one cell
func (e *Engine) AttachRule(sheetID string, row, col int, rule ValidationRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states.AttachRule(CellKey{SheetID: sheetID, Row: row, Col: col}, rule)
}

// UpdateCell applies one user edit. input is validated first; a rejected
// edit marks the shadow record invalid and leaves the grid untouched.
// empty input deletes the cell, input starting with "=" installs a
// formula (rejected if it would create a cycle), anything else stores a
// literal. a successful edit recomputes dependents, records history, and
// arms the autosave debounce.
func (e *Engine) UpdateCell(sheetID string, row, col int, text string) error {
	e.mu.Lock()
	sheet, ok := e.sheets[sheetID]
	if !ok {
		e.mu.Unlock()
		return NewEngineError(NotFound, fmt.Sprintf("no sheet with id %s", sheetID))
	}
	if row < 0 || col < 0 {
		e.mu.Unlock()
		return NewEngineError(InvalidArgument, fmt.Sprintf("cell position out of range: %d:%d", row, col))
	}

	key := CellKey{SheetID: sheetID, Row: row, Col: col}
	oldValue := ""
	if cell := sheet.GetCell(row, col); cell != nil {
		oldValue = cell.RawInput
	}

	if ok, message := e.states.Validate(key, text); !ok {
		e.states.MarkInvalid(key, oldValue, message)
		e.mu.Unlock()
		e.logger.Debug("edit rejected by validation", "cell", key, "error", message)
		return NewEngineError(InvalidArgument, message)
	}

	if err := e.applyCellText(sheet, row, col, text); err != nil {
		e.mu.Unlock()
		return err
	}

	e.states.RecordEdit(key, oldValue, text)
	e.mu.Unlock()

	e.saver.Touch()
	return nil
}

// applyCellText writes raw text into a cell and recomputes dependents.
// caller holds the lock. history is the caller's concern.
func (e *Engine) applyCellText(sheet *Sheet, row, col int, text string) error {
	key := CellKey{SheetID: sheet.ID, Row: row, Col: col}
	trimmed := strings.TrimSpace(text)

	switch {
	case trimmed == "":
		e.graph.RemoveFormula(key)
		sheet.DeleteCell(row, col)
	case strings.HasPrefix(trimmed, "="):
		if _, err := e.graph.SetFormula(sheet, row, col, text, e.evaluator); err != nil {
			return err
		}
	default:
		e.graph.RemoveFormula(key)
		cell := &Cell{Row: row, Col: col, RawInput: text}
		cell.DisplayValue = formatValue(coerceLiteral(text))
		if existing := sheet.GetCell(row, col); existing != nil {
			cell.Style = existing.Style
		}
		sheet.SetCell(cell)
	}

	e.graph.Propagate(e.sheets, sheet.ID, row, col, e.evaluator)
	return nil
}

// Undo reverts the most recent edit. returns false when the undo stack
// is empty.
func (e *Engine) Undo() bool {
	e.mu.Lock()
	action, ok := e.states.TakeUndo()
	if !ok {
		e.mu.Unlock()
		return false
	}
	e.revertTo(action.Key, action.OldValue)
	e.mu.Unlock()
	e.saver.Touch()
	return true
}

// Redo re-applies the most recently undone edit. returns false when the
// redo stack is empty.
func (e *Engine) Redo() bool {
	e.mu.Lock()
	action, ok := e.states.TakeRedo()
	if !ok {
		e.mu.Unlock()
		return false
	}
	e.revertTo(action.Key, action.NewValue)
	e.mu.Unlock()
	e.saver.Touch()
	return true
}

// revertTo writes a historical value back into the grid. a cycle cannot
// occur here: the value was valid when first applied and undo replays in
// reverse order. caller holds the lock.
func (e *Engine) revertTo(key CellKey, value string) {
	sheet, ok := e.sheets[key.SheetID]
	if !ok {
		return
	}
	if err := e.applyCellText(sheet, key.Row, key.Col, value); err != nil {
		e.logger.Error("history replay failed", "cell", key, "error", err)
	}
}

// IsDirty reports whether any cell diverged from its last saved value
func (e *Engine) IsDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states.IsDirty()
}

// ModifiedCells returns the keys of every unsaved cell
func (e *Engine) ModifiedCells() []CellKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states.ModifiedCells()
}

// MarkClean resets every shadow record after a confirmed save
func (e *Engine) MarkClean() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states.MarkClean()
}

// SetSaveCallback registers the function the autosave scheduler calls to
// persist the document
func (e *Engine) SetSaveCallback(fn SaveFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saveFn = fn
}

// EnableAutoSave toggles the autosave scheduler
func (e *Engine) EnableAutoSave(enabled bool) {
	e.saver.SetEnabled(enabled)
}

// ForceAutoSave saves immediately, bypassing the debounce window
func (e *Engine) ForceAutoSave(ctx context.Context) error {
	return e.saver.Flush(ctx)
}

// AutoSaveState returns a snapshot of autosave progress
func (e *Engine) AutoSaveState() AutoSaveState {
	return e.saver.State()
}

// Serialize renders the document in its wire format
func (e *Engine) Serialize() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Serialize(e.sheetsLocked())
}

// DisplayGridFor builds the compact display grid for one sheet, or nil
// when the sheet does not exist
func (e *Engine) DisplayGridFor(sheetID string) *DisplayGrid {
	e.mu.Lock()
	defer e.mu.Unlock()
	sheet, ok := e.sheets[sheetID]
	if !ok {
		return nil
	}
	return BuildDisplayGrid(sheet)
}

// localEditsLocked maps each modified cell to its pre-edit value, the
// base for three-way conflict comparison. caller holds the lock.
func (e *Engine) localEditsLocked() map[CellKey]string {
	keys := e.states.ModifiedCells()
	edits := make(map[CellKey]string, len(keys))
	for _, key := range keys {
		if state, ok := e.states.Lookup(key); ok {
			edits[key] = state.OriginalValue
		}
	}
	return edits
}

// DetectConflicts compares a remote version of the document against the
// local state. only cells modified this session can conflict; a remote
// change elsewhere just refreshes the baseline. a detected conflict is
// retained until resolved.
func (e *Engine) DetectConflicts(remoteContent []byte, remoteModTime time.Time) *ConflictInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := e.detector.Detect(e.sheetsLocked(), e.localEditsLocked(), remoteContent, remoteModTime)
	if info != nil {
		e.conflict = info
		e.logger.Warn("conflict detected", "type", info.Type, "cells", len(info.Cells))
	}
	return info
}

// CurrentConflict returns the pending conflict, or nil
func (e *Engine) CurrentConflict() *ConflictInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conflict
}

// ResolveConflicts applies a resolution strategy to the pending
// conflict. resolved values flow through the normal edit path so they
// recompute dependents and land in history. cells flagged for manual
// review are returned unapplied and stay in the pending conflict; the
// conflict clears only when every cell has a decision. flagged cells
// are settled with ResolveConflictsManual.
func (e *Engine) ResolveConflicts(strategy ResolutionStrategy) ([]Resolution, error) {
	e.mu.Lock()
	info := e.conflict
	e.mu.Unlock()
	if info == nil {
		return nil, nil
	}
	resolutions, err := Resolve(info, strategy)
	if err != nil {
		return nil, err
	}
	decided := make(map[CellKey]struct{}, len(resolutions))
	for _, res := range resolutions {
		if res.ManualReview {
			e.logger.Warn("conflict needs manual review", "cell", res.Key, "suggested", res.Value)
			continue
		}
		if err := e.UpdateCell(res.Key.SheetID, res.Key.Row, res.Key.Col, res.Value); err != nil {
			return resolutions, err
		}
		decided[res.Key] = struct{}{}
	}
	e.retainUndecided(info, decided)
	return resolutions, nil
}

// ResolveConflictsManual settles pending conflict cells with
// caller-chosen values, one per cell key. every key must belong to the
// pending conflict. applied values flow through the normal edit path;
// the conflict clears once no undecided cells remain.
func (e *Engine) ResolveConflictsManual(values map[CellKey]string) ([]Resolution, error) {
	e.mu.Lock()
	info := e.conflict
	e.mu.Unlock()
	if info == nil {
		return nil, nil
	}
	conflicted := make(map[CellKey]struct{}, len(info.Cells))
	for _, cell := range info.Cells {
		conflicted[cell.Key] = struct{}{}
	}
	for key := range values {
		if _, ok := conflicted[key]; !ok {
			return nil, NewEngineError(InvalidArgument, fmt.Sprintf("cell %s is not part of the pending conflict", key))
		}
	}
	resolutions := make([]Resolution, 0, len(values))
	decided := make(map[CellKey]struct{}, len(values))
	for key, value := range values {
		if err := e.UpdateCell(key.SheetID, key.Row, key.Col, value); err != nil {
			return resolutions, err
		}
		resolutions = append(resolutions, Resolution{Key: key, Value: value})
		decided[key] = struct{}{}
	}
	e.retainUndecided(info, decided)
	return resolutions, nil
}

// retainUndecided narrows the pending conflict to the cells still
// lacking a decision, clearing it when none remain
func (e *Engine) retainUndecided(info *ConflictInfo, decided map[CellKey]struct{}) {
	var remaining []CellConflict
	for _, cell := range info.Cells {
		if _, ok := decided[cell.Key]; !ok {
			remaining = append(remaining, cell)
		}
	}
	e.mu.Lock()
	if len(remaining) == 0 {
		e.conflict = nil
	} else {
		e.conflict = &ConflictInfo{Type: info.Type, DetectedAt: info.DetectedAt, Cells: remaining}
	}
	e.mu.Unlock()
}

// CreateBackup captures the whole document plus cell states and history
// as one JSON blob
func (e *Engine) CreateBackup() ([]byte, error) {
	e.mu.Lock()
	backup, err := newBackup(e.sheetsLocked(), e.states, e.clock)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	data, err := backup.Encode()
	if err != nil {
		return nil, err
	}
	e.logger.Info("backup created", "id", backup.ID)
	return data, nil
}

// RestoreFromBackup replaces the document and all state from a backup
// blob. corrupted input is rejected before anything is touched.
func (e *Engine) RestoreFromBackup(data []byte) error {
	backup, err := DecodeBackup(data)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	states := NewStateManager(e.config.History.MaxDepth, e.clock)
	states.rules = e.states.rules
	if err := states.loadSnapshot(backup.State); err != nil {
		return err
	}

	e.sheets = make(map[string]*Sheet)
	e.sheetOrder = nil
	for _, sheet := range Parse(backup.Document) {
		e.sheets[sheet.ID] = sheet
		e.sheetOrder = append(e.sheetOrder, sheet.ID)
	}
	e.graph = NewFormulaGraph()
	e.graph.RebuildAll(e.sheets, e.evaluator)
	e.states = states
	e.conflict = nil
	e.logger.Info("backup restored", "id", backup.ID, "sheets", len(e.sheetOrder))
	return nil
}

// WatchFile observes the backing file and raises an external
// modification conflict when another process writes it
func (e *Engine) WatchFile(path string) error {
	if !e.config.Conflict.WatchFile {
		return nil
	}
	watcher, err := NewFileWatcher(path, e.logger, func(content []byte, modTime time.Time) {
		e.mu.Lock()
		info := e.detector.Detect(e.sheetsLocked(), e.localEditsLocked(), content, modTime)
		if info != nil {
			info.Type = ConflictExternalModification
			e.conflict = info
			e.logger.Warn("backing file changed externally", "path", path, "cells", len(info.Cells))
		}
		e.mu.Unlock()
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.watcher = watcher
	e.mu.Unlock()
	return nil
}

// Close stops the autosave scheduler and the file watcher
func (e *Engine) Close() {
	e.saver.Close()
	e.mu.Lock()
	watcher := e.watcher
	e.watcher = nil
	e.mu.Unlock()
	if watcher != nil {
		watcher.Close()
	}
}
