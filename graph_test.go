package gridcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropagateThroughChain(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "2").
		Set("B1", "3").
		Set("C1", "=A1+B1").
		AssertDisplay("C1", "5")

	tc.Set("A1", "10").
		AssertDisplay("C1", "13")
}

func TestPropagateTransitive(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "1").
		Set("B1", "=A1*2").
		Set("C1", "=B1*2").
		Set("D1", "=C1*2").
		AssertDisplay("D1", "8")

	tc.Set("A1", "5").
		AssertDisplay("B1", "10").
		AssertDisplay("C1", "20").
		AssertDisplay("D1", "40")
}

func TestPropagateDiamond(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "1").
		Set("B1", "=A1+1").
		Set("C1", "=A1+2").
		Set("D1", "=B1+C1").
		AssertDisplay("D1", "5")

	tc.Set("A1", "10").
		AssertDisplay("D1", "23")
}

func TestCycleRejected(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "=B1+1").
		Set("B1", "7").
		AssertDisplay("A1", "8")

	// closing the loop must fail and leave B1 untouched
	tc.SetExpectingError("B1", "=A1+1").
		AssertDisplay("B1", "7").
		AssertDisplay("A1", "8")
}

func TestSelfReferenceRejected(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "41").
		SetExpectingError("A1", "=A1+1").
		AssertDisplay("A1", "41")
}

func TestTransitiveCycleRejected(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("C1", "1").
		Set("A1", "=B1").
		Set("B1", "=C1").
		SetExpectingError("C1", "=A1")
}

func TestCycleErrorCode(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "=B1")
	row, col, err := ParseCellAddress("B1")
	require.NoError(t, err)

	updateErr := tc.engine.UpdateCell(tc.sheet.ID, row, col, "=A1")
	require.Error(t, updateErr)
	var engineErr *EngineError
	require.ErrorAs(t, updateErr, &engineErr)
	assert.Equal(t, FailedPrecondition, engineErr.Code)
}

func TestFailedFormulaStaysTracked(t *testing.T) {
	tc := newEngineCase(t)
	// B1 divides by an empty cell, so it errors, but its reference to A1
	// must still trigger recalculation later
	tc.Set("B1", "=10/A1").
		AssertDisplay("B1", "#DIV/0!")

	tc.Set("A1", "2").
		AssertDisplay("B1", "5")
}

func TestErrorPropagatesDownstream(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "4").
		Set("B1", "=10/A1").
		Set("C1", "=B1+1").
		AssertDisplay("C1", "3.5")

	tc.Set("A1", "0").
		AssertDisplay("B1", "#DIV/0!").
		AssertDisplay("C1", "#DIV/0!")

	tc.Set("A1", "5").
		AssertDisplay("B1", "2").
		AssertDisplay("C1", "3")
}

func TestDeleteCellRecalculatesDependents(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "3").
		Set("B1", "=A1+1").
		AssertDisplay("B1", "4")

	// deleting A1 makes it read as empty (zero in numeric context)
	tc.Set("A1", "").
		AssertEmpty("A1").
		AssertDisplay("B1", "1")
}

func TestOverwriteFormulaWithLiteral(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "2").
		Set("B1", "=A1*10").
		AssertDisplay("B1", "20")

	tc.Set("B1", "99").
		AssertDisplay("B1", "99")

	// B1 no longer recalculates when A1 changes
	tc.Set("A1", "3").
		AssertDisplay("B1", "99")
}

func TestRangeFormulaTracksAllMembers(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "1").
		Set("A2", "2").
		Set("A3", "3").
		Set("B1", "=SUM(A1:A3)").
		AssertDisplay("B1", "6")

	// editing a previously empty range member recalculates too
	tc.Set("A2", "20").
		AssertDisplay("B1", "24")
}

func TestGraphNodeCleanup(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "1").
		Set("B1", "=A1+1")

	graph := tc.engine.graph
	assert.Equal(t, 2, graph.NodeCount())

	tc.Set("B1", "plain")
	assert.Equal(t, 0, graph.NodeCount())
}

func TestDirectPrecedentsAndDependents(t *testing.T) {
	tc := newEngineCase(t)
	tc.Set("A1", "1").
		Set("B1", "2").
		Set("C1", "=A1+B1")

	c1 := tc.key("C1")
	precedents := tc.engine.graph.DirectPrecedents(c1)
	assert.Len(t, precedents, 2)

	dependents := tc.engine.graph.DirectDependents(tc.key("A1"))
	require.Len(t, dependents, 1)
	assert.Equal(t, c1, dependents[0])
}

func TestRebuildAllComputesInDependencyOrder(t *testing.T) {
	// persisted computed values are stale on purpose; the rebuild must
	// recompute precedents before dependents regardless of storage order
	doc := `[{"id": "s1", "name": "S", "celldata": [
		{"r": 0, "c": 2, "v": {"v": 999, "m": "999", "f": "=B1*2"}},
		{"r": 0, "c": 1, "v": {"v": 999, "m": "999", "f": "=A1+1"}},
		{"r": 0, "c": 0, "v": {"v": 4, "m": "4"}}
	]}]`

	cfg := DefaultConfig()
	cfg.Autosave.Enabled = false
	engine := NewEngine(cfg, WithClock(newFakeClock()))
	defer engine.Close()
	engine.LoadDocument([]byte(doc), time.Now())

	b1 := engine.CellAt("s1", 0, 1)
	require.NotNil(t, b1)
	assert.Equal(t, "5", b1.DisplayValue)

	c1 := engine.CellAt("s1", 0, 2)
	require.NotNil(t, c1)
	assert.Equal(t, "10", c1.DisplayValue)
}
