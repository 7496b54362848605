package gridcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `[{
	"id": "sheet-1",
	"name": "Budget",
	"celldata": [
		{"r": 0, "c": 0, "v": {"v": 100, "m": "100"}},
		{"r": 0, "c": 1, "v": {"v": 250.5, "m": "250.5"}},
		{"r": 1, "c": 0, "v": {"v": 350.5, "m": "350.5", "f": "=A1+B1"}},
		{"r": 2, "c": 0, "v": {"v": "notes", "m": "notes", "s": {"bold": true}}}
	],
	"config": {"merge": {}}
}]`

func TestParseDocument(t *testing.T) {
	sheets := Parse([]byte(sampleDocument))
	require.Len(t, sheets, 1)

	sheet := sheets[0]
	assert.Equal(t, "sheet-1", sheet.ID)
	assert.Equal(t, "Budget", sheet.Name)
	assert.Equal(t, 4, sheet.CellCount())
	assert.NotEmpty(t, sheet.Config)

	a1 := sheet.GetCell(0, 0)
	require.NotNil(t, a1)
	assert.False(t, a1.IsFormula)
	assert.Equal(t, "100", a1.DisplayValue)
	assert.Equal(t, 100.0, a1.LiteralValue())

	a2 := sheet.GetCell(1, 0)
	require.NotNil(t, a2)
	assert.True(t, a2.IsFormula)
	assert.Equal(t, "=A1+B1", a2.RawInput)
	assert.Equal(t, 350.5, a2.ComputedValue)

	a3 := sheet.GetCell(2, 0)
	require.NotNil(t, a3)
	assert.NotEmpty(t, a3.Style)
}

func TestParseSingleSheetObject(t *testing.T) {
	sheets := Parse([]byte(`{"id": "only", "name": "One", "celldata": []}`))
	require.Len(t, sheets, 1)
	assert.Equal(t, "only", sheets[0].ID)
}

func TestParseTolerance(t *testing.T) {
	cases := map[string]string{
		"empty input":    "",
		"not json":       "{{{{",
		"wrong type":     `"a string"`,
		"truncated":      `[{"id": "x", "celldata": [{"r": 0`,
		"number at root": "42",
	}
	for name, input := range cases {
		assert.Empty(t, Parse([]byte(input)), name)
	}
}

func TestParseSkipsMalformedCells(t *testing.T) {
	sheets := Parse([]byte(`[{"id": "s", "name": "S", "celldata": [
		{"r": -1, "c": 0, "v": {"m": "bad row"}},
		{"r": 0, "c": -2, "v": {"m": "bad col"}},
		{"r": 0, "c": 0},
		{"r": 1, "c": 1, "v": {"v": 5, "m": "5"}}
	]}]`))
	require.Len(t, sheets, 1)
	assert.Equal(t, 1, sheets[0].CellCount())
}

func TestParseDefaultsIDAndName(t *testing.T) {
	sheets := Parse([]byte(`[{"celldata": []}]`))
	require.Len(t, sheets, 1)
	assert.NotEmpty(t, sheets[0].ID)
	assert.Equal(t, "Sheet1", sheets[0].Name)
}

func TestSerializeRoundTrip(t *testing.T) {
	first := Parse([]byte(sampleDocument))
	require.Len(t, first, 1)

	data, err := Serialize(first)
	require.NoError(t, err)

	second := Parse(data)
	require.Len(t, second, 1)
	require.Equal(t, first[0].CellCount(), second[0].CellCount())

	for _, want := range first[0].Cells() {
		got := second[0].GetCell(want.Row, want.Col)
		require.NotNil(t, got, "cell %d:%d", want.Row, want.Col)
		assert.Equal(t, want.RawInput, got.RawInput, "cell %d:%d", want.Row, want.Col)
		assert.Equal(t, want.DisplayValue, got.DisplayValue, "cell %d:%d", want.Row, want.Col)
		assert.Equal(t, want.IsFormula, got.IsFormula, "cell %d:%d", want.Row, want.Col)
	}
}

func TestSerializeErrorValueAsDisplayString(t *testing.T) {
	sheet := NewSheet("s", "S")
	sheet.SetCell(&Cell{
		Row:           0,
		Col:           0,
		RawInput:      "=1/0",
		IsFormula:     true,
		ComputedValue: NewCellError(ErrorCodeDiv0, "division by zero"),
		DisplayValue:  "#DIV/0!",
	})

	data, err := Serialize([]*Sheet{sheet})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"#DIV/0!"`)

	back := Parse(data)
	require.Len(t, back, 1)
	cell := back[0].GetCell(0, 0)
	require.NotNil(t, cell)
	assert.Equal(t, "#DIV/0!", cell.DisplayValue)
	assert.Equal(t, "=1/0", cell.RawInput)
}

func TestDeleteCellKeepsOrder(t *testing.T) {
	sheet := NewSheet("s", "S")
	for i := 0; i < 3; i++ {
		sheet.SetCell(&Cell{Row: i, Col: 0, RawInput: "x", DisplayValue: "x"})
	}
	sheet.DeleteCell(1, 0)

	cells := sheet.Cells()
	require.Len(t, cells, 2)
	assert.Equal(t, 0, cells[0].Row)
	assert.Equal(t, 2, cells[1].Row)
}

func TestBuildDisplayGrid(t *testing.T) {
	sheet := NewSheet("s", "S")
	// sparse content in rows 1 and 5, cols 2 and 4
	sheet.SetCell(&Cell{Row: 1, Col: 2, RawInput: "a", DisplayValue: "a"})
	sheet.SetCell(&Cell{Row: 5, Col: 4, RawInput: "b", DisplayValue: "b"})
	sheet.SetCell(&Cell{Row: 3, Col: 3, RawInput: "", DisplayValue: ""}) // blank, excluded

	grid := BuildDisplayGrid(sheet)
	require.Equal(t, [][]string{{"a", ""}, {"", "b"}}, grid.Grid)
	assert.Equal(t, []int{1, 5}, grid.RowIndexMap)
	assert.Equal(t, []int{2, 4}, grid.ColIndexMap)
}

func TestBuildDisplayGridEmptySheet(t *testing.T) {
	grid := BuildDisplayGrid(NewSheet("s", "S"))
	assert.Empty(t, grid.Grid)
	assert.Empty(t, grid.RowIndexMap)
	assert.Empty(t, grid.ColIndexMap)
}
