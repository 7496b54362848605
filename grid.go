package gridcore

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// coord addresses a cell within a single sheet
type coord struct {
	Row int
	Col int
}

// Sheet is a sparse grid of cells, ordered by insertion for stable
// serialization.
type Sheet struct {
	ID   string
	Name string

	// opaque sheet-level payload, preserved on round-trip
	Config json.RawMessage

	cells map[coord]*Cell
	order []coord
}

// NewSheet creates an empty sheet. an empty id gets a generated one, an
// empty name defaults to "Sheet1".
func NewSheet(id, name string) *Sheet {
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = "Sheet1"
	}
	return &Sheet{
		ID:    id,
		Name:  name,
		cells: make(map[coord]*Cell),
	}
}

// GetCell returns the cell at (row, col), or nil when empty
func (s *Sheet) GetCell(row, col int) *Cell {
	return s.cells[coord{Row: row, Col: col}]
}

// SetCell stores a cell, preserving insertion order for new positions
func (s *Sheet) SetCell(cell *Cell) {
	c := coord{Row: cell.Row, Col: cell.Col}
	if _, exists := s.cells[c]; !exists {
		s.order = append(s.order, c)
	}
	s.cells[c] = cell
}

// DeleteCell removes the cell at (row, col) entirely
func (s *Sheet) DeleteCell(row, col int) {
	c := coord{Row: row, Col: col}
	if _, exists := s.cells[c]; !exists {
		return
	}
	delete(s.cells, c)
	for i, o := range s.order {
		if o == c {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Cells returns the sheet's cells in insertion order
func (s *Sheet) Cells() []*Cell {
	result := make([]*Cell, 0, len(s.order))
	for _, c := range s.order {
		if cell, exists := s.cells[c]; exists {
			result = append(result, cell)
		}
	}
	return result
}

// CellCount returns the number of non-empty cells
func (s *Sheet) CellCount() int {
	return len(s.cells)
}

// wire format: a UTF-8 JSON array of sheet objects,
// [{id, name, celldata:[{r, c, v:{v, m, f, s}}], config}, ...]

type sheetJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Celldata []celldataJSON  `json:"celldata"`
	Config   json.RawMessage `json:"config,omitempty"`
}

type celldataJSON struct {
	R int            `json:"r"`
	C int            `json:"c"`
	V *cellValueJSON `json:"v,omitempty"`
}

type cellValueJSON struct {
	V any             `json:"v,omitempty"`
	M string          `json:"m,omitempty"`
	F string          `json:"f,omitempty"`
	S json.RawMessage `json:"s,omitempty"`
}

// Parse decodes a raw document into sheets. it tolerates a single sheet
// object or an array at the top level and defaults every optional field.
// a document that cannot be decoded at all yields an empty sheet list so
// the host always has something renderable.
func Parse(data []byte) []*Sheet {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return []*Sheet{}
	}

	var raw []sheetJSON
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return []*Sheet{}
		}
	} else {
		var single sheetJSON
		if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
			return []*Sheet{}
		}
		raw = []sheetJSON{single}
	}

	sheets := make([]*Sheet, 0, len(raw))
	for _, sj := range raw {
		sheet := NewSheet(sj.ID, sj.Name)
		sheet.Config = sj.Config
		for _, cd := range sj.Celldata {
			if cd.R < 0 || cd.C < 0 || cd.V == nil {
				continue
			}
			sheet.SetCell(cellFromJSON(cd))
		}
		sheets = append(sheets, sheet)
	}
	return sheets
}

// cellFromJSON reconstructs a Cell from its wire form. formula cells keep
// the persisted computed value until the next recalculation.
func cellFromJSON(cd celldataJSON) *Cell {
	cell := &Cell{
		Row:   cd.R,
		Col:   cd.C,
		Style: cd.V.S,
	}

	if cd.V.F != "" {
		cell.IsFormula = true
		cell.RawInput = cd.V.F
		cell.ComputedValue = normalizeScalar(cd.V.V)
	} else if cd.V.M != "" {
		cell.RawInput = cd.V.M
	} else {
		cell.RawInput = formatValue(normalizeScalar(cd.V.V))
	}

	if cd.V.M != "" {
		cell.DisplayValue = cd.V.M
	} else if cell.IsFormula {
		cell.DisplayValue = formatValue(cell.ComputedValue)
	} else {
		cell.DisplayValue = formatValue(cell.LiteralValue())
	}
	return cell
}

// normalizeScalar maps decoded JSON values onto Primitive types
func normalizeScalar(v any) Primitive {
	switch val := v.(type) {
	case nil:
		return nil
	case float64, string, bool:
		return val
	default:
		return toString(val)
	}
}

// Serialize encodes sheets back into the wire format. parse∘serialize is
// idempotent on logical content; incidental whitespace of the original
// bytes is not preserved.
func Serialize(sheets []*Sheet) ([]byte, error) {
	out := make([]sheetJSON, 0, len(sheets))
	for _, sheet := range sheets {
		sj := sheetJSON{
			ID:       sheet.ID,
			Name:     sheet.Name,
			Celldata: make([]celldataJSON, 0, sheet.CellCount()),
			Config:   sheet.Config,
		}
		for _, cell := range sheet.Cells() {
			cv := &cellValueJSON{
				M: cell.DisplayValue,
				S: cell.Style,
			}
			if cell.IsFormula {
				cv.F = cell.RawInput
				cv.V = cell.ComputedValue
			} else {
				cv.V = cell.LiteralValue()
			}
			if cellErr, ok := cv.V.(*CellError); ok {
				cv.V = cellErr.Display()
			}
			sj.Celldata = append(sj.Celldata, celldataJSON{R: cell.Row, C: cell.Col, V: cv})
		}
		out = append(out, sj)
	}
	return json.Marshal(out)
}

// DisplayGrid is the compacted presentation view of a sheet: the minimal
// bounding rectangle of non-blank rows and columns, plus maps from
// compacted index back to true row/column index.
type DisplayGrid struct {
	Grid        [][]string
	RowIndexMap []int
	ColIndexMap []int
}

// BuildDisplayGrid compacts a sheet's sparse cells for presentation. a
// row or column is non-blank if any cell in it has a non-empty display
// value. this is purely a view convenience and mutates nothing.
func BuildDisplayGrid(sheet *Sheet) *DisplayGrid {
	rowSet := make(map[int]struct{})
	colSet := make(map[int]struct{})
	for _, cell := range sheet.Cells() {
		if cell.DisplayValue == "" {
			continue
		}
		rowSet[cell.Row] = struct{}{}
		colSet[cell.Col] = struct{}{}
	}

	rows := make([]int, 0, len(rowSet))
	for r := range rowSet {
		rows = append(rows, r)
	}
	sort.Ints(rows)

	cols := make([]int, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	sort.Ints(cols)

	grid := make([][]string, len(rows))
	for i, r := range rows {
		grid[i] = make([]string, len(cols))
		for j, c := range cols {
			if cell := sheet.GetCell(r, c); cell != nil {
				grid[i][j] = cell.DisplayValue
			}
		}
	}

	return &DisplayGrid{
		Grid:        grid,
		RowIndexMap: rows,
		ColIndexMap: cols,
	}
}
