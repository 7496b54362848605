package gridcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// engineCase drives an engine through edits with a fluent interface
type engineCase struct {
	t      *testing.T
	engine *Engine
	sheet  *Sheet
	clock  *fakeClock
}

func newEngineCase(t *testing.T) *engineCase {
	t.Helper()
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Autosave.Enabled = false
	engine := NewEngine(cfg, WithClock(clock))
	t.Cleanup(engine.Close)
	return &engineCase{
		t:      t,
		engine: engine,
		sheet:  engine.CreateGrid("Sheet1"),
		clock:  clock,
	}
}

// Set writes A1-style address input and requires success
func (tc *engineCase) Set(address, text string) *engineCase {
	tc.t.Helper()
	row, col, err := ParseCellAddress(address)
	require.NoError(tc.t, err, "address %s", address)
	require.NoError(tc.t, tc.engine.UpdateCell(tc.sheet.ID, row, col, text), "UpdateCell(%s, %q)", address, text)
	return tc
}

// SetExpectingError writes input and requires the edit to be rejected
func (tc *engineCase) SetExpectingError(address, text string) *engineCase {
	tc.t.Helper()
	row, col, err := ParseCellAddress(address)
	require.NoError(tc.t, err, "address %s", address)
	require.Error(tc.t, tc.engine.UpdateCell(tc.sheet.ID, row, col, text), "UpdateCell(%s, %q) should fail", address, text)
	return tc
}

// AssertDisplay requires the cell's display string
func (tc *engineCase) AssertDisplay(address, want string) *engineCase {
	tc.t.Helper()
	row, col, err := ParseCellAddress(address)
	require.NoError(tc.t, err, "address %s", address)
	cell := tc.engine.CellAt(tc.sheet.ID, row, col)
	if want == "" {
		if cell != nil {
			require.Equal(tc.t, "", cell.DisplayValue, "cell %s", address)
		}
		return tc
	}
	require.NotNil(tc.t, cell, "cell %s should exist", address)
	require.Equal(tc.t, want, cell.DisplayValue, "cell %s", address)
	return tc
}

// AssertEmpty requires the cell to not exist
func (tc *engineCase) AssertEmpty(address string) *engineCase {
	tc.t.Helper()
	row, col, err := ParseCellAddress(address)
	require.NoError(tc.t, err, "address %s", address)
	require.Nil(tc.t, tc.engine.CellAt(tc.sheet.ID, row, col), "cell %s should be empty", address)
	return tc
}

// key builds a CellKey on the case's sheet
func (tc *engineCase) key(address string) CellKey {
	tc.t.Helper()
	row, col, err := ParseCellAddress(address)
	require.NoError(tc.t, err, "address %s", address)
	return CellKey{SheetID: tc.sheet.ID, Row: row, Col: col}
}
