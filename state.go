package gridcore

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultHistoryDepth is the undo/redo stack limit used when the
// configuration does not override it
const DefaultHistoryDepth = 100

// CellState is the per-cell shadow record tracking the baseline value,
// the current value, and validity. created lazily on first read or edit
// and never destroyed during a session, only reset.
type CellState struct {
	OriginalValue   string    `json:"originalValue"`
	CurrentValue    string    `json:"currentValue"`
	IsModified      bool      `json:"isModified"`
	IsValid         bool      `json:"isValid"`
	ValidationError string    `json:"validationError,omitempty"`
	LastModified    time.Time `json:"lastModified"`
}

// UndoRedoAction records one reversible edit
type UndoRedoAction struct {
	Key       CellKey   `json:"key"`
	OldValue  string    `json:"oldValue"`
	NewValue  string    `json:"newValue"`
	Timestamp time.Time `json:"timestamp"`
}

// RuleKind enumerates the supported validation rule types
type RuleKind int

const (
	RuleRequired RuleKind = iota
	RuleNumber
	RuleText
	RuleRegex
	RuleCustom
)

// ValidationRule is a pure predicate over the raw cell text plus a
// human-readable failure message. rules attach per cell.
type ValidationRule struct {
	Kind    RuleKind
	Pattern *regexp.Regexp
	Check   func(string) bool
	Message string
}

// Validate runs the rule against raw text
func (r ValidationRule) Validate(text string) bool {
	switch r.Kind {
	case RuleRequired:
		return strings.TrimSpace(text) != ""
	case RuleNumber:
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return true // emptiness is the required rule's concern
		}
		_, err := strconv.ParseFloat(trimmed, 64)
		return err == nil
	case RuleText:
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return true
		}
		_, err := strconv.ParseFloat(trimmed, 64)
		return err != nil
	case RuleRegex:
		return r.Pattern == nil || r.Pattern.MatchString(text)
	case RuleCustom:
		return r.Check == nil || r.Check(text)
	default:
		return true
	}
}

// RequiredRule rejects empty input
func RequiredRule(message string) ValidationRule {
	if message == "" {
		message = "value is required"
	}
	return ValidationRule{Kind: RuleRequired, Message: message}
}

// NumberRule requires non-empty input to parse as a number
func NumberRule(message string) ValidationRule {
	if message == "" {
		message = "value must be a number"
	}
	return ValidationRule{Kind: RuleNumber, Message: message}
}

// TextRule requires non-empty input to not be purely numeric
func TextRule(message string) ValidationRule {
	if message == "" {
		message = "value must be text"
	}
	return ValidationRule{Kind: RuleText, Message: message}
}

// RegexRule requires input to match the pattern
func RegexRule(pattern *regexp.Regexp, message string) ValidationRule {
	if message == "" {
		message = "value does not match the required pattern"
	}
	return ValidationRule{Kind: RuleRegex, Pattern: pattern, Message: message}
}

// CustomRule wraps an arbitrary predicate
func CustomRule(check func(string) bool, message string) ValidationRule {
	if message == "" {
		message = "value failed validation"
	}
	return ValidationRule{Kind: RuleCustom, Check: check, Message: message}
}

// StateManager owns the per-cell shadow records, the validation rules,
// and the bounded undo/redo stacks.
type StateManager struct {
	states   map[CellKey]*CellState
	rules    map[CellKey][]ValidationRule
	undo     []UndoRedoAction
	redo     []UndoRedoAction
	maxDepth int
	clock    Clock
}

// NewStateManager creates a state manager with the given history depth;
// zero or negative depth falls back to the default
func NewStateManager(maxDepth int, clock Clock) *StateManager {
	if maxDepth <= 0 {
		maxDepth = DefaultHistoryDepth
	}
	if clock == nil {
		clock = &WallClock{}
	}
	return &StateManager{
		states:   make(map[CellKey]*CellState),
		rules:    make(map[CellKey][]ValidationRule),
		maxDepth: maxDepth,
		clock:    clock,
	}
}

// State returns the shadow record for key, creating it lazily with the
// given baseline on first access
func (m *StateManager) State(key CellKey, baseline string) *CellState {
	if state, exists := m.states[key]; exists {
		return state
	}
	state := &CellState{
		OriginalValue: baseline,
		CurrentValue:  baseline,
		IsValid:       true,
	}
	m.states[key] = state
	return state
}

// Lookup returns the shadow record for key without creating it
func (m *StateManager) Lookup(key CellKey) (*CellState, bool) {
	state, exists := m.states[key]
	return state, exists
}

// AttachRule registers a validation rule for one cell
func (m *StateManager) AttachRule(key CellKey, rule ValidationRule) {
	m.rules[key] = append(m.rules[key], rule)
}

// ClearRules removes all validation rules for one cell
func (m *StateManager) ClearRules(key CellKey) {
	delete(m.rules, key)
}

// Validate runs every rule attached to key against text. a cell with zero
// rules is always valid. failure messages are joined with "; ".
func (m *StateManager) Validate(key CellKey, text string) (bool, string) {
	var failures []string
	for _, rule := range m.rules[key] {
		if !rule.Validate(text) {
			failures = append(failures, rule.Message)
		}
	}
	if len(failures) > 0 {
		return false, strings.Join(failures, "; ")
	}
	return true, ""
}

// MarkInvalid records a rejected edit on the shadow record without
// touching the grid
func (m *StateManager) MarkInvalid(key CellKey, baseline, message string) {
	state := m.State(key, baseline)
	state.IsValid = false
	state.ValidationError = message
}

// RecordEdit updates the shadow record for a successful edit, pushes the
// undo action, and clears the redo stack (linear history, no branching)
func (m *StateManager) RecordEdit(key CellKey, oldValue, newValue string) {
	now := m.clock.Now()

	state := m.State(key, oldValue)
	state.CurrentValue = newValue
	state.IsModified = newValue != state.OriginalValue
	state.IsValid = true
	state.ValidationError = ""
	state.LastModified = now

	m.pushUndo(UndoRedoAction{Key: key, OldValue: oldValue, NewValue: newValue, Timestamp: now})
	m.redo = nil
}

// pushUndo appends to the undo stack, evicting the oldest entry past the
// depth limit
func (m *StateManager) pushUndo(action UndoRedoAction) {
	m.undo = append(m.undo, action)
	if len(m.undo) > m.maxDepth {
		m.undo = m.undo[1:]
	}
}

// TakeUndo pops the most recent undo action, moves it to the redo stack,
// and rolls the shadow record back to the action's old value
func (m *StateManager) TakeUndo() (UndoRedoAction, bool) {
	if len(m.undo) == 0 {
		return UndoRedoAction{}, false
	}
	action := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]

	m.redo = append(m.redo, action)
	if len(m.redo) > m.maxDepth {
		m.redo = m.redo[1:]
	}

	m.applyToState(action.Key, action.OldValue)
	return action, true
}

// TakeRedo pops the most recent redo action, moves it back to the undo
// stack, and rolls the shadow record forward to the action's new value
func (m *StateManager) TakeRedo() (UndoRedoAction, bool) {
	if len(m.redo) == 0 {
		return UndoRedoAction{}, false
	}
	action := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]

	m.pushUndo(action)

	m.applyToState(action.Key, action.NewValue)
	return action, true
}

// applyToState sets the current value of a shadow record, recomputing
// dirtiness by structural comparison against the baseline
func (m *StateManager) applyToState(key CellKey, value string) {
	state := m.State(key, value)
	state.CurrentValue = value
	state.IsModified = value != state.OriginalValue
	state.LastModified = m.clock.Now()
}

// UndoDepth returns the number of pending undo actions
func (m *StateManager) UndoDepth() int {
	return len(m.undo)
}

// RedoDepth returns the number of pending redo actions
func (m *StateManager) RedoDepth() int {
	return len(m.redo)
}

// IsDirty reports whether any shadow record is modified
func (m *StateManager) IsDirty() bool {
	for _, state := range m.states {
		if state.IsModified {
			return true
		}
	}
	return false
}

// ModifiedCells returns the keys of every modified cell
func (m *StateManager) ModifiedCells() []CellKey {
	var keys []CellKey
	for key, state := range m.states {
		if state.IsModified {
			keys = append(keys, key)
		}
	}
	return keys
}

// MarkClean resets every shadow record's baseline to its current value.
// called exactly once after a confirmed successful save.
func (m *StateManager) MarkClean() {
	for _, state := range m.states {
		state.OriginalValue = state.CurrentValue
		state.IsModified = false
	}
}

// stateSnapshot is the serializable form of a state manager, part of a
// full-state backup
type stateSnapshot struct {
	States map[string]CellState `json:"states"`
	Undo   []UndoRedoAction     `json:"undo"`
	Redo   []UndoRedoAction     `json:"redo"`
}

// snapshot captures states and history for a backup
func (m *StateManager) snapshot() stateSnapshot {
	snap := stateSnapshot{
		States: make(map[string]CellState, len(m.states)),
		Undo:   append([]UndoRedoAction(nil), m.undo...),
		Redo:   append([]UndoRedoAction(nil), m.redo...),
	}
	for key, state := range m.states {
		snap.States[key.String()] = *state
	}
	return snap
}

// loadSnapshot replaces states and history from a backup. validation
// rules are not part of a backup; the host re-attaches them.
func (m *StateManager) loadSnapshot(snap stateSnapshot) error {
	states := make(map[CellKey]*CellState, len(snap.States))
	for keyStr, state := range snap.States {
		key, err := ParseCellKey(keyStr)
		if err != nil {
			return err
		}
		copied := state
		states[key] = &copied
	}
	m.states = states
	m.undo = append([]UndoRedoAction(nil), snap.Undo...)
	m.redo = append([]UndoRedoAction(nil), snap.Redo...)
	return nil
}
