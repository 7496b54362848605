package gridcore

import (
	"fmt"
	"strings"
)

// EvalResult is the outcome of evaluating one formula: the value (a
// *CellError on failure), every cell reference encountered along the way,
// and the failure if any. dependencies are reported even for failed
// formulas so they stay tracked for future recalculation.
type EvalResult struct {
	Value        Primitive
	Dependencies []CellKey
	Err          *CellError
}

// Display returns the string form shown in the cell
func (r EvalResult) Display() string {
	return formatValue(r.Value)
}

// Evaluator turns formula text into a computed value against a sheet.
// parsed ASTs are cached by formula text, so re-evaluating the same
// formula during propagation skips lexing and parsing.
type Evaluator struct {
	funcs    *BuiltinFunctions
	astCache map[string]ASTNode
}

// NewEvaluator creates an evaluator with the default function registry
func NewEvaluator() *Evaluator {
	return NewEvaluatorWithFunctions(NewBuiltinFunctions())
}

// NewEvaluatorWithFunctions creates an evaluator with an injected registry
func NewEvaluatorWithFunctions(funcs *BuiltinFunctions) *Evaluator {
	return &Evaluator{
		funcs:    funcs,
		astCache: make(map[string]ASTNode),
	}
}

// Evaluate computes formulaText against the sheet. non-formula input
// short-circuits to the text itself with no dependencies.
func (e *Evaluator) Evaluate(formulaText string, sheet *Sheet) EvalResult {
	if !strings.HasPrefix(formulaText, "=") {
		return EvalResult{Value: formulaText}
	}

	ast, cached := e.astCache[formulaText]
	if !cached {
		tokens, err := NewLexer(formulaText).Tokenize()
		if err != nil {
			// even a formula that fails to tokenize keeps whatever
			// references were scanned before the failure point
			return EvalResult{
				Value:        asCellError(err),
				Dependencies: refsFromTokens(sheet.ID, tokens),
				Err:          asCellError(err),
			}
		}

		ast, err = NewParser(tokens).Parse()
		if err != nil {
			return EvalResult{
				Value:        asCellError(err),
				Dependencies: refsFromTokens(sheet.ID, tokens),
				Err:          asCellError(err),
			}
		}
		e.astCache[formulaText] = ast
	}

	ctx := &evalContext{sheet: sheet, funcs: e.funcs}
	value, err := ast.Eval(ctx)
	if err != nil {
		cellErr := asCellError(err)
		return EvalResult{Value: cellErr, Dependencies: ctx.deps, Err: cellErr}
	}
	if cellErr := checkForError(value); cellErr != nil {
		return EvalResult{Value: cellErr, Dependencies: ctx.deps, Err: cellErr}
	}
	if _, ok := value.(*CellRange); ok {
		// a bare range is not a scalar result
		cellErr := NewCellError(ErrorCodeValue, "range is not a valid formula result")
		return EvalResult{Value: cellErr, Dependencies: ctx.deps, Err: cellErr}
	}
	return EvalResult{Value: value, Dependencies: ctx.deps}
}

// refsFromTokens extracts cell references from a partial token stream,
// used when lexing or parsing fails partway through
func refsFromTokens(sheetID string, tokens []Token) []CellKey {
	var deps []CellKey
	for _, tok := range tokens {
		switch tok.Type {
		case TokenCell:
			if row, col, err := parseCellAddress(tok.Value); err == nil {
				deps = append(deps, CellKey{SheetID: sheetID, Row: row, Col: col})
			}
		case TokenRange:
			node, err := parseRangeToken(tok)
			if err != nil {
				continue
			}
			rn := node.(*RangeNode)
			startRow, endRow := min(rn.StartRow, rn.EndRow), max(rn.StartRow, rn.EndRow)
			startCol, endCol := min(rn.StartCol, rn.EndCol), max(rn.StartCol, rn.EndCol)
			for row := startRow; row <= endRow; row++ {
				for col := startCol; col <= endCol; col++ {
					deps = append(deps, CellKey{SheetID: sheetID, Row: row, Col: col})
				}
			}
		}
	}
	return deps
}

// dedupKeys removes duplicate keys preserving first-seen order
func dedupKeys(keys []CellKey) []CellKey {
	seen := make(map[CellKey]struct{}, len(keys))
	result := make([]CellKey, 0, len(keys))
	for _, key := range keys {
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, key)
	}
	return result
}

// formulaNode is one entry of the formula index: the formula text plus the
// two edge sets, kept as exact transposes of each other.
type formulaNode struct {
	Formula    string
	Deps       map[CellKey]struct{} // cells this formula reads
	Dependents map[CellKey]struct{} // formula cells that read this cell
}

// FormulaGraph tracks formula-to-cell dependencies and drives
// recalculation. nodes are addressed by stable cell keys, never by
// direct references, so the graph itself is cycle-free in memory.
type FormulaGraph struct {
	nodes map[CellKey]*formulaNode
}

// NewFormulaGraph creates an empty dependency graph
func NewFormulaGraph() *FormulaGraph {
	return &FormulaGraph{nodes: make(map[CellKey]*formulaNode)}
}

// getOrCreateNode gets an existing node or creates a new one
func (g *FormulaGraph) getOrCreateNode(key CellKey) *formulaNode {
	if node, exists := g.nodes[key]; exists {
		return node
	}
	node := &formulaNode{
		Deps:       make(map[CellKey]struct{}),
		Dependents: make(map[CellKey]struct{}),
	}
	g.nodes[key] = node
	return node
}

// cleanupIfEmpty removes a node with no formula and no edges
func (g *FormulaGraph) cleanupIfEmpty(key CellKey) {
	node, exists := g.nodes[key]
	if !exists {
		return
	}
	if node.Formula != "" || len(node.Deps) > 0 || len(node.Dependents) > 0 {
		return
	}
	delete(g.nodes, key)
}

// Formula returns the formula text registered at key
func (g *FormulaGraph) Formula(key CellKey) (string, bool) {
	if node, exists := g.nodes[key]; exists && node.Formula != "" {
		return node.Formula, true
	}
	return "", false
}

// DirectDependents returns the formula cells that read key
func (g *FormulaGraph) DirectDependents(key CellKey) []CellKey {
	node, exists := g.nodes[key]
	if !exists {
		return nil
	}
	result := make([]CellKey, 0, len(node.Dependents))
	for dep := range node.Dependents {
		result = append(result, dep)
	}
	return result
}

// DirectPrecedents returns the cells the formula at key reads
func (g *FormulaGraph) DirectPrecedents(key CellKey) []CellKey {
	node, exists := g.nodes[key]
	if !exists {
		return nil
	}
	result := make([]CellKey, 0, len(node.Deps))
	for dep := range node.Deps {
		result = append(result, dep)
	}
	return result
}

// NodeCount returns the number of tracked nodes
func (g *FormulaGraph) NodeCount() int {
	return len(g.nodes)
}

// removeDeps tears down the dependency edges of the formula at key,
// leaving its dependents intact. no dangling edges survive.
func (g *FormulaGraph) removeDeps(key CellKey) {
	node, exists := g.nodes[key]
	if !exists {
		return
	}
	for dep := range node.Deps {
		if depNode, ok := g.nodes[dep]; ok {
			delete(depNode.Dependents, key)
			g.cleanupIfEmpty(dep)
		}
	}
	node.Deps = make(map[CellKey]struct{})
}

// RemoveFormula unregisters the formula at key, used when a cell is
// cleared or overwritten with a non-formula value
func (g *FormulaGraph) RemoveFormula(key CellKey) {
	node, exists := g.nodes[key]
	if !exists {
		return
	}
	g.removeDeps(key)
	node.Formula = ""
	g.cleanupIfEmpty(key)
}

// wouldCreateCycle reports whether installing a formula at target with the
// given dependencies would close a cycle: true when target is already in
// the transitive dependency closure of any of the new deps.
func (g *FormulaGraph) wouldCreateCycle(target CellKey, deps []CellKey) bool {
	visited := make(map[CellKey]struct{})
	stack := append([]CellKey(nil), deps...)
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if key == target {
			return true
		}
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}
		if node, exists := g.nodes[key]; exists {
			for dep := range node.Deps {
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// SetFormula installs a formula at (row, col): tear down the cell's old
// dependency edges, evaluate the new text, register the transposed edges,
// and write the computed value into the cell. a formula whose dependency
// closure already contains its own target is refused outright and the
// cell keeps its previous content.
func (g *FormulaGraph) SetFormula(sheet *Sheet, row, col int, formulaText string, ev *Evaluator) (EvalResult, error) {
	target := CellKey{SheetID: sheet.ID, Row: row, Col: col}

	result := ev.Evaluate(formulaText, sheet)
	deps := dedupKeys(result.Dependencies)

	if g.wouldCreateCycle(target, deps) {
		return EvalResult{}, NewEngineError(FailedPrecondition,
			fmt.Sprintf("formula at %s would create a circular dependency", target))
	}
	for _, dep := range deps {
		if dep == target {
			return EvalResult{}, NewEngineError(FailedPrecondition,
				fmt.Sprintf("formula at %s references its own cell", target))
		}
	}

	g.installFormula(target, formulaText, deps)

	cell := &Cell{
		Row:           row,
		Col:           col,
		RawInput:      formulaText,
		DisplayValue:  result.Display(),
		ComputedValue: result.Value,
		IsFormula:     true,
	}
	if existing := sheet.GetCell(row, col); existing != nil {
		cell.Style = existing.Style
	}
	sheet.SetCell(cell)

	return result, nil
}

// installFormula registers the formula metadata and its edges
func (g *FormulaGraph) installFormula(target CellKey, formulaText string, deps []CellKey) {
	g.removeDeps(target)
	node := g.getOrCreateNode(target)
	node.Formula = formulaText
	for _, dep := range deps {
		node.Deps[dep] = struct{}{}
		g.getOrCreateNode(dep).Dependents[target] = struct{}{}
	}
}

// Propagate recalculates everything downstream of (row, col): a
// breadth-first traversal of dependent edges, re-evaluating each visited
// formula against the current grid. the visited set prevents duplicate
// work on diamond dependencies and bounds the traversal.
func (g *FormulaGraph) Propagate(sheets map[string]*Sheet, sheetID string, row, col int, ev *Evaluator) {
	start := CellKey{SheetID: sheetID, Row: row, Col: col}
	visited := map[CellKey]struct{}{start: {}}
	queue := g.DirectDependents(start)

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}

		node, exists := g.nodes[key]
		if !exists || node.Formula == "" {
			continue
		}
		sheet, ok := sheets[key.SheetID]
		if !ok {
			continue
		}

		result := ev.Evaluate(node.Formula, sheet)
		cell := sheet.GetCell(key.Row, key.Col)
		if cell == nil {
			cell = &Cell{Row: key.Row, Col: key.Col, RawInput: node.Formula, IsFormula: true}
		}
		cell.ComputedValue = result.Value
		cell.DisplayValue = result.Display()
		sheet.SetCell(cell)

		queue = append(queue, g.DirectDependents(key)...)
	}
}

// RebuildAll repopulates the graph from the formulas already present in a
// freshly parsed document, then recomputes them in dependency order. a
// pre-existing cycle in the document does not abort the rebuild; each
// cycle member is computed once from whatever its upstream held.
func (g *FormulaGraph) RebuildAll(sheets map[string]*Sheet, ev *Evaluator) {
	g.nodes = make(map[CellKey]*formulaNode)

	// first pass: discover dependencies and install edges
	for _, sheet := range sheets {
		for _, cell := range sheet.Cells() {
			if !cell.IsFormula {
				continue
			}
			key := CellKey{SheetID: sheet.ID, Row: cell.Row, Col: cell.Col}
			result := ev.Evaluate(cell.RawInput, sheet)
			g.installFormula(key, cell.RawInput, dedupKeys(result.Dependencies))
		}
	}

	// second pass: evaluate in dependency order so each formula sees its
	// precedents already computed
	for _, key := range g.calculationOrder() {
		node := g.nodes[key]
		if node.Formula == "" {
			continue
		}
		sheet, ok := sheets[key.SheetID]
		if !ok {
			continue
		}
		result := ev.Evaluate(node.Formula, sheet)
		cell := sheet.GetCell(key.Row, key.Col)
		if cell == nil {
			continue
		}
		cell.ComputedValue = result.Value
		cell.DisplayValue = result.Display()
	}
}

// calculationOrder returns nodes in precedents-first order. three states:
// unvisited (not in map), visiting (false), visited (true). members of a
// cycle simply come out in discovery order.
func (g *FormulaGraph) calculationOrder() []CellKey {
	state := make(map[CellKey]bool)
	var order []CellKey

	var visit func(key CellKey)
	visit = func(key CellKey) {
		if _, exists := state[key]; exists {
			return
		}
		state[key] = false
		if node, exists := g.nodes[key]; exists {
			for dep := range node.Deps {
				visit(dep)
			}
		}
		state[key] = true
		order = append(order, key)
	}

	for key := range g.nodes {
		visit(key)
	}
	return order
}
