package gridcore

import (
	"fmt"
	"strconv"
	"strings"
)

type NodePosition struct {
	Start int
	End   int
}

// ASTNode enables dependency extraction and evaluation through tree
// traversal rather than regex/string manipulation.
type ASTNode interface {
	Eval(ctx *evalContext) (Primitive, error)
	GetPosition() NodePosition
}

// evalContext carries the grid being evaluated against and accumulates
// every cell reference encountered, duplicates included. the caller
// de-duplicates.
type evalContext struct {
	sheet *Sheet
	funcs *BuiltinFunctions
	deps  []CellKey
}

func (ctx *evalContext) record(row, col int) CellKey {
	key := CellKey{SheetID: ctx.sheet.ID, Row: row, Col: col}
	ctx.deps = append(ctx.deps, key)
	return key
}

// CellRange is the value produced by evaluating a range argument. flattened
// row-major by the aggregate builtins.
type CellRange struct {
	Values []Primitive
}

// StringNode represents a string literal
type StringNode struct {
	Value    string
	Position NodePosition
}

func (n *StringNode) Eval(ctx *evalContext) (Primitive, error) {
	return n.Value, nil
}

func (n *StringNode) GetPosition() NodePosition {
	return n.Position
}

// NumberNode represents a numeric literal
type NumberNode struct {
	Value    float64
	Position NodePosition
}

func (n *NumberNode) Eval(ctx *evalContext) (Primitive, error) {
	return n.Value, nil
}

func (n *NumberNode) GetPosition() NodePosition {
	return n.Position
}

// CellRefNode represents a cell reference, absolute zero-based coordinates
type CellRefNode struct {
	Row      int
	Col      int
	Position NodePosition
}

func (n *CellRefNode) Eval(ctx *evalContext) (Primitive, error) {
	// record the dependency before reading, so even failing formulas
	// leave their references behind for future recalculation
	ctx.record(n.Row, n.Col)

	cell := ctx.sheet.GetCell(n.Row, n.Col)
	if cell == nil {
		return nil, nil // empty cell
	}
	return cell.LiteralValue(), nil
}

func (n *CellRefNode) GetPosition() NodePosition {
	return n.Position
}

// RangeNode represents a rectangular range of cells
type RangeNode struct {
	StartRow int
	StartCol int
	EndRow   int
	EndCol   int
	Position NodePosition
}

func (n *RangeNode) Eval(ctx *evalContext) (Primitive, error) {
	// normalize so start is always less than or equal to end
	startRow, endRow := min(n.StartRow, n.EndRow), max(n.StartRow, n.EndRow)
	startCol, endCol := min(n.StartCol, n.EndCol), max(n.StartCol, n.EndCol)

	r := &CellRange{}
	// expand in row-major order, recording every member as a dependency
	for row := startRow; row <= endRow; row++ {
		for col := startCol; col <= endCol; col++ {
			ctx.record(row, col)
			cell := ctx.sheet.GetCell(row, col)
			if cell == nil {
				r.Values = append(r.Values, nil)
			} else {
				r.Values = append(r.Values, cell.LiteralValue())
			}
		}
	}
	return r, nil
}

func (n *RangeNode) GetPosition() NodePosition {
	return n.Position
}

// BinaryOpNode represents a binary operation
type BinaryOpNode struct {
	Op       BinaryOp
	Left     ASTNode
	Right    ASTNode
	Position NodePosition
}

func (n *BinaryOpNode) Eval(ctx *evalContext) (Primitive, error) {
	// evaluate both operands before propagating errors, so dependencies on
	// the right side are recorded even when the left side fails
	leftVal, err := n.Left.Eval(ctx)
	if err != nil {
		leftVal = asCellError(err)
	}
	rightVal, err := n.Right.Eval(ctx)
	if err != nil {
		rightVal = asCellError(err)
	}

	// propagate errors
	if err := checkForError(leftVal); err != nil {
		return nil, err
	}
	if err := checkForError(rightVal); err != nil {
		return nil, err
	}

	switch n.Op {
	case BinOpAdd:
		leftNum, leftOk := toNumber(leftVal)
		rightNum, rightOk := toNumber(rightVal)
		if !leftOk || !rightOk {
			return nil, NewCellError(ErrorCodeValue, "addition requires numeric values")
		}
		return leftNum + rightNum, nil

	case BinOpSubtract:
		leftNum, leftOk := toNumber(leftVal)
		rightNum, rightOk := toNumber(rightVal)
		if !leftOk || !rightOk {
			return nil, NewCellError(ErrorCodeValue, "subtraction requires numeric values")
		}
		return leftNum - rightNum, nil

	case BinOpMultiply:
		leftNum, leftOk := toNumber(leftVal)
		rightNum, rightOk := toNumber(rightVal)
		if !leftOk || !rightOk {
			return nil, NewCellError(ErrorCodeValue, "multiplication requires numeric values")
		}
		return leftNum * rightNum, nil

	case BinOpDivide:
		leftNum, leftOk := toNumber(leftVal)
		rightNum, rightOk := toNumber(rightVal)
		if !leftOk || !rightOk {
			return nil, NewCellError(ErrorCodeValue, "division requires numeric values")
		}
		if rightNum == 0 {
			return nil, NewCellError(ErrorCodeDiv0, "division by zero")
		}
		return leftNum / rightNum, nil

	case BinOpConcat:
		return toString(leftVal) + toString(rightVal), nil

	case BinOpEqual:
		return comparePrimitives(leftVal, rightVal) == 0, nil

	case BinOpNotEqual:
		return comparePrimitives(leftVal, rightVal) != 0, nil

	case BinOpLess:
		return comparePrimitives(leftVal, rightVal) < 0, nil

	case BinOpLessEqual:
		return comparePrimitives(leftVal, rightVal) <= 0, nil

	case BinOpGreater:
		return comparePrimitives(leftVal, rightVal) > 0, nil

	case BinOpGreaterEqual:
		return comparePrimitives(leftVal, rightVal) >= 0, nil

	default:
		return nil, NewCellError(ErrorCodeValue, "unknown operator")
	}
}

func (n *BinaryOpNode) GetPosition() NodePosition {
	return n.Position
}

// UnaryOpNode represents a unary operation
type UnaryOpNode struct {
	Op       UnaryOp
	Operand  ASTNode
	Position NodePosition
}

func (n *UnaryOpNode) Eval(ctx *evalContext) (Primitive, error) {
	val, err := n.Operand.Eval(ctx)
	if err != nil {
		val = asCellError(err)
	}
	if err := checkForError(val); err != nil {
		return nil, err
	}

	num, ok := toNumber(val)
	if !ok {
		return nil, NewCellError(ErrorCodeValue, "unary operator requires a numeric value")
	}
	if n.Op == UnaryOpMinus {
		return -num, nil
	}
	return num, nil
}

func (n *UnaryOpNode) GetPosition() NodePosition {
	return n.Position
}

// FunctionCallNode represents a function call
type FunctionCallNode struct {
	Name     string
	Args     []ASTNode
	Position NodePosition
}

func (n *FunctionCallNode) Eval(ctx *evalContext) (Primitive, error) {
	// evaluate all arguments first so every argument's dependencies are
	// recorded; error values are passed to the function, which decides
	// how to handle them
	args := make([]any, len(n.Args))
	for i, argNode := range n.Args {
		argVal, err := argNode.Eval(ctx)
		if err != nil {
			args[i] = asCellError(err)
		} else {
			args[i] = argVal
		}
	}

	result, err := ctx.funcs.Call(n.Name, args...)
	if err != nil {
		return nil, asCellError(err)
	}
	return result, nil
}

func (n *FunctionCallNode) GetPosition() NodePosition {
	return n.Position
}

// asCellError converts any error into a *CellError
func asCellError(err error) *CellError {
	if cellErr, ok := err.(*CellError); ok {
		return cellErr
	}
	return NewCellError(ErrorCodeValue, err.Error())
}

// Parser parses tokens into an AST
type Parser struct {
	tokens []Token
	pos    int
}

// NewParser creates a new parser with the given tokens
func NewParser(tokens []Token) *Parser {
	return &Parser{
		tokens: tokens,
		pos:    0,
	}
}

// Parse parses the tokens into an AST
func (p *Parser) Parse() (ASTNode, error) {
	if len(p.tokens) == 0 {
		return nil, NewCellError(ErrorCodeValue, "no tokens to parse")
	}

	// expect and skip the equals prefix
	if p.tokens[p.pos].Type != TokenEquals {
		return nil, NewCellError(ErrorCodeValue, "formula must start with '='")
	}
	p.pos++

	node, err := p.parseComparison()
	if err != nil {
		return nil, err
	}

	// ensure we've consumed all tokens except EOF
	if p.pos < len(p.tokens) && p.tokens[p.pos].Type != TokenEOF {
		return nil, NewCellError(ErrorCodeValue, fmt.Sprintf("unexpected token after expression: %s", p.tokens[p.pos].Value))
	}

	return node, nil
}

// parseComparison handles comparison operators (lowest precedence)
func (p *Parser) parseComparison() (ASTNode, error) {
	left, err := p.parseConcatenation()
	if err != nil {
		return nil, err
	}

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if tok.Type != TokenBinaryOp {
			break
		}

		var op BinaryOp
		switch tok.Value {
		case "=":
			op = BinOpEqual
		case "<>":
			op = BinOpNotEqual
		case "<":
			op = BinOpLess
		case "<=":
			op = BinOpLessEqual
		case ">":
			op = BinOpGreater
		case ">=":
			op = BinOpGreaterEqual
		default:
			return left, nil
		}

		p.pos++
		right, err := p.parseConcatenation()
		if err != nil {
			return nil, err
		}

		left = &BinaryOpNode{
			Op:       op,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}

	return left, nil
}

// parseConcatenation handles the string concatenation operator
func (p *Parser) parseConcatenation() (ASTNode, error) {
	left, err := p.parseAddition()
	if err != nil {
		return nil, err
	}

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if tok.Type != TokenBinaryOp || tok.Value != "&" {
			break
		}

		p.pos++
		right, err := p.parseAddition()
		if err != nil {
			return nil, err
		}

		left = &BinaryOpNode{
			Op:       BinOpConcat,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}

	return left, nil
}

// parseAddition handles addition and subtraction
func (p *Parser) parseAddition() (ASTNode, error) {
	left, err := p.parseMultiplication()
	if err != nil {
		return nil, err
	}

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if tok.Type != TokenBinaryOp {
			break
		}

		var op BinaryOp
		switch tok.Value {
		case "+":
			op = BinOpAdd
		case "-":
			op = BinOpSubtract
		default:
			return left, nil
		}

		p.pos++
		right, err := p.parseMultiplication()
		if err != nil {
			return nil, err
		}

		left = &BinaryOpNode{
			Op:       op,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}

	return left, nil
}

// parseMultiplication handles multiplication and division
func (p *Parser) parseMultiplication() (ASTNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if tok.Type != TokenBinaryOp {
			break
		}

		var op BinaryOp
		switch tok.Value {
		case "*":
			op = BinOpMultiply
		case "/":
			op = BinOpDivide
		default:
			return left, nil
		}

		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		left = &BinaryOpNode{
			Op:       op,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}

	return left, nil
}

// parseUnary handles unary prefix operators
func (p *Parser) parseUnary() (ASTNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, NewCellError(ErrorCodeValue, "unexpected end of expression")
	}

	tok := p.tokens[p.pos]
	if tok.Type == TokenUnaryPrefixOp {
		var op UnaryOp
		switch tok.Value {
		case "+":
			op = UnaryOpPlus
		case "-":
			op = UnaryOpMinus
		default:
			return nil, NewCellError(ErrorCodeValue, fmt.Sprintf("unknown unary operator: %s", tok.Value))
		}

		startPos := tok.Pos
		p.pos++
		operand, err := p.parseUnary() // recurse for chained unary operators
		if err != nil {
			return nil, err
		}

		return &UnaryOpNode{
			Op:       op,
			Operand:  operand,
			Position: NodePosition{Start: startPos, End: operand.GetPosition().End},
		}, nil
	}

	return p.parsePrimary()
}

// parsePrimary handles primary expressions (literals, references,
// functions, parentheses)
func (p *Parser) parsePrimary() (ASTNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, NewCellError(ErrorCodeValue, "unexpected end of expression")
	}

	tok := p.tokens[p.pos]

	switch tok.Type {
	case TokenNumber:
		p.pos++
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, NewCellError(ErrorCodeValue, fmt.Sprintf("invalid number: %s", tok.Value))
		}
		return &NumberNode{
			Value:    val,
			Position: NodePosition{Start: tok.Pos, End: tok.Pos + len(tok.Value)},
		}, nil

	case TokenString:
		p.pos++
		return &StringNode{
			Value:    tok.Value,
			Position: NodePosition{Start: tok.Pos, End: tok.Pos + len(tok.Value) + 2}, // +2 for quotes
		}, nil

	case TokenCell:
		p.pos++
		row, col, err := parseCellAddress(tok.Value)
		if err != nil {
			return nil, err
		}
		return &CellRefNode{
			Row:      row,
			Col:      col,
			Position: NodePosition{Start: tok.Pos, End: tok.Pos + len(tok.Value)},
		}, nil

	case TokenRange:
		p.pos++
		return parseRangeToken(tok)

	case TokenFunction:
		return p.parseFunctionCall()

	case TokenLeftParen:
		p.pos++
		node, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].Type != TokenRightParen {
			return nil, NewCellError(ErrorCodeValue, "expected closing parenthesis")
		}
		p.pos++
		return node, nil

	default:
		return nil, NewCellError(ErrorCodeValue, fmt.Sprintf("unexpected token: %s", tok.Value))
	}
}

// parseFunctionCall parses a function call. the token stream splits
// arguments at commas already scoped by paren depth, so commas inside
// nested calls or quoted strings never split an outer argument.
func (p *Parser) parseFunctionCall() (ASTNode, error) {
	funcTok := p.tokens[p.pos]
	funcName := funcTok.Value
	startPos := funcTok.Pos
	p.pos++

	// expect opening parenthesis
	if p.pos >= len(p.tokens) || p.tokens[p.pos].Type != TokenLeftParen {
		return nil, NewCellError(ErrorCodeValue, "expected '(' after function name")
	}
	p.pos++

	args := []ASTNode{}

	// check for empty argument list
	if p.pos < len(p.tokens) && p.tokens[p.pos].Type == TokenRightParen {
		p.pos++
		return &FunctionCallNode{
			Name:     funcName,
			Args:     args,
			Position: NodePosition{Start: startPos, End: p.tokens[p.pos-1].Pos + 1},
		}, nil
	}

	for {
		arg, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		if p.pos >= len(p.tokens) {
			return nil, NewCellError(ErrorCodeValue, "unexpected end in function arguments")
		}

		if p.tokens[p.pos].Type == TokenRightParen {
			p.pos++
			break
		}

		if p.tokens[p.pos].Type != TokenComma {
			return nil, NewCellError(ErrorCodeValue, "expected ',' or ')' in function arguments")
		}
		p.pos++
	}

	return &FunctionCallNode{
		Name:     funcName,
		Args:     args,
		Position: NodePosition{Start: startPos, End: p.tokens[p.pos-1].Pos + 1},
	}, nil
}

// parseRangeToken parses a range token like "A1:B5" into a RangeNode
func parseRangeToken(tok Token) (ASTNode, error) {
	parts := strings.Split(tok.Value, ":")
	if len(parts) != 2 {
		return nil, NewCellError(ErrorCodeRef, fmt.Sprintf("invalid range format: %s", tok.Value))
	}

	startRow, startCol, err := parseCellAddress(parts[0])
	if err != nil {
		return nil, NewCellError(ErrorCodeRef, fmt.Sprintf("invalid start cell in range: %s", parts[0]))
	}
	endRow, endCol, err := parseCellAddress(parts[1])
	if err != nil {
		return nil, NewCellError(ErrorCodeRef, fmt.Sprintf("invalid end cell in range: %s", parts[1]))
	}

	return &RangeNode{
		StartRow: startRow,
		StartCol: startCol,
		EndRow:   endRow,
		EndCol:   endCol,
		Position: NodePosition{Start: tok.Pos, End: tok.Pos + len(tok.Value)},
	}, nil
}

// parseCellAddress parses a cell address like "A1" into row and column
// indices (0-based). column letters are bijective base-26: A=0, ..., Z=25,
// AA=26, AB=27.
func parseCellAddress(cell string) (row int, col int, err error) {
	if len(cell) < 2 {
		return 0, 0, NewCellError(ErrorCodeRef, fmt.Sprintf("invalid cell reference: %s", cell))
	}

	// find where letters end and numbers begin
	letterEnd := 0
	for i, ch := range cell {
		if ch >= 'A' && ch <= 'Z' || ch >= 'a' && ch <= 'z' {
			letterEnd = i + 1
		} else {
			break
		}
	}

	if letterEnd == 0 || letterEnd == len(cell) {
		return 0, 0, NewCellError(ErrorCodeRef, fmt.Sprintf("invalid cell reference: %s", cell))
	}

	colStr := strings.ToUpper(cell[:letterEnd])
	col = 0
	for i, ch := range colStr {
		col = col*26 + int(ch-'A')
		if i < len(colStr)-1 {
			col++ // account for positional notation
		}
	}

	// parse row (1-based in notation, but we want 0-based)
	rowStr := cell[letterEnd:]
	rowNum, err := strconv.Atoi(rowStr)
	if err != nil {
		return 0, 0, NewCellError(ErrorCodeRef, fmt.Sprintf("invalid row number: %s", rowStr))
	}
	if rowNum < 1 {
		return 0, 0, NewCellError(ErrorCodeRef, fmt.Sprintf("row number must be positive: %d", rowNum))
	}

	return rowNum - 1, col, nil
}

// formatCellAddress is the inverse of parseCellAddress, used for display
// grids and log output.
func formatCellAddress(row, col int) string {
	letters := ""
	c := col
	for {
		letters = string(rune('A'+c%26)) + letters
		c = c/26 - 1
		if c < 0 {
			break
		}
	}
	return fmt.Sprintf("%s%d", letters, row+1)
}

// ParseCellAddress converts "A1" style notation to zero-based row and
// column indices
func ParseCellAddress(cell string) (row, col int, err error) {
	return parseCellAddress(cell)
}

// FormatCellAddress converts zero-based indices to "A1" style notation
func FormatCellAddress(row, col int) string {
	return formatCellAddress(row, col)
}
