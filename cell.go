package gridcore

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Primitive represents basic cell value types.
// types:
//   - float64: numeric values (integers are converted to float64)
//   - string: text values
//   - bool: comparison results (coerced to 1/0 in numeric contexts)
//   - nil: empty/null cells
//   - *CellError: error values (#DIV/0!, #VALUE!, etc.)
type Primitive any

// ErrorCode represents standard spreadsheet error codes following
// Excel conventions
type ErrorCode uint8

const (
	ErrorCodeDiv0  ErrorCode = 1 // #DIV/0! - division by zero
	ErrorCodeValue ErrorCode = 2 // #VALUE! - wrong type of argument or operand
	ErrorCodeRef   ErrorCode = 3 // #REF! - invalid cell reference
	ErrorCodeName  ErrorCode = 4 // #NAME? - unrecognized function name
	ErrorCodeNA    ErrorCode = 5 // #N/A - not enough arguments for function
	ErrorCodeOther ErrorCode = 6 // #ERROR! - all other errors
)

// ErrorMapper maps error code numbers to their string representations
var ErrorMapper = map[ErrorCode]string{
	ErrorCodeDiv0:  "#DIV/0!",
	ErrorCodeValue: "#VALUE!",
	ErrorCodeRef:   "#REF!",
	ErrorCodeName:  "#NAME?",
	ErrorCodeNA:    "#N/A",
	ErrorCodeOther: "#ERROR!",
}

// CellError preserves error code for display in cells
type CellError struct {
	ErrorCode ErrorCode
	Message   string
}

func (e *CellError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return ErrorMapper[e.ErrorCode]
}

// Display returns the code string shown in the cell, e.g. "#DIV/0!"
func (e *CellError) Display() string {
	return ErrorMapper[e.ErrorCode]
}

func NewCellError(code ErrorCode, message string) *CellError {
	if message == "" {
		message = ErrorMapper[code]
	}
	return &CellError{
		ErrorCode: code,
		Message:   message,
	}
}

// EngineErrorCode represents gRPC-style error codes for application-level
// errors. note that we are skipping error codes that don't make sense for
// our use-case, like unauthenticated, or permission denied.
type EngineErrorCode int

const (
	// OK indicates the operation completed successfully.
	OK EngineErrorCode = 0

	// Unknown error. Errors raised by APIs that do not return enough error
	// information may be converted to this error.
	Unknown EngineErrorCode = 2

	// InvalidArgument indicates client specified an invalid argument.
	InvalidArgument EngineErrorCode = 3

	// NotFound means some requested entity (e.g., a sheet or cell)
	// was not found.
	NotFound EngineErrorCode = 5

	// AlreadyExists means an attempt to create an entity failed because one
	// already exists.
	AlreadyExists EngineErrorCode = 6

	// FailedPrecondition indicates operation was rejected because the
	// system is not in a state required for the operation's execution.
	// used for rejected validations and cycle errors.
	FailedPrecondition EngineErrorCode = 9

	// Internal errors. Means some invariants expected by underlying
	// system has been broken.
	Internal EngineErrorCode = 13
)

// EngineError represents errors at the application level (not
// formula errors, which stay inside cells as *CellError values)
type EngineError struct {
	Code    EngineErrorCode
	Message string
}

func (e *EngineError) Error() string {
	return e.Message
}

// NewEngineError creates a new application error
func NewEngineError(code EngineErrorCode, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
	}
}

// CellKey identifies a cell by sheet id and zero-based row/column.
type CellKey struct {
	SheetID string
	Row     int
	Col     int
}

// String renders a key in "sheet!r:c" form, used for JSON map keys in
// backups and for logging.
func (k CellKey) String() string {
	return fmt.Sprintf("%s!%d:%d", k.SheetID, k.Row, k.Col)
}

// ParseCellKey parses the form produced by CellKey.String
func ParseCellKey(s string) (CellKey, error) {
	bang := strings.LastIndex(s, "!")
	if bang < 0 {
		return CellKey{}, NewEngineError(InvalidArgument, fmt.Sprintf("invalid cell key: %s", s))
	}
	rest := s[bang+1:]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return CellKey{}, NewEngineError(InvalidArgument, fmt.Sprintf("invalid cell key: %s", s))
	}
	row, err := strconv.Atoi(rest[:colon])
	if err != nil {
		return CellKey{}, NewEngineError(InvalidArgument, fmt.Sprintf("invalid row in cell key: %s", s))
	}
	col, err := strconv.Atoi(rest[colon+1:])
	if err != nil {
		return CellKey{}, NewEngineError(InvalidArgument, fmt.Sprintf("invalid column in cell key: %s", s))
	}
	return CellKey{SheetID: s[:bang], Row: row, Col: col}, nil
}

// Cell represents one grid cell with its literal input, display string,
// and, for formula cells, the most recent computed value.
type Cell struct {
	Row           int       `json:"row"`
	Col           int       `json:"col"`
	RawInput      string    `json:"rawInput"`
	DisplayValue  string    `json:"displayValue"`
	ComputedValue Primitive `json:"computedValue,omitempty"`
	IsFormula     bool      `json:"isFormula"`

	// opaque style payload, preserved on round-trip but never interpreted
	Style []byte `json:"style,omitempty"`
}

// LiteralValue returns the scalar stored for a non-formula cell: numeric
// input is stored as float64, everything else as string.
func (c *Cell) LiteralValue() Primitive {
	if c.IsFormula {
		return c.ComputedValue
	}
	return coerceLiteral(c.RawInput)
}

// coerceLiteral trims the input and stores it as a number if it parses as
// a finite one, otherwise as a string.
func coerceLiteral(raw string) Primitive {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if num, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(num, 0) && !math.IsNaN(num) {
		return num
	}
	return raw
}

// formatValue renders a primitive for display. numbers drop unnecessary
// decimals, errors render their code string.
func formatValue(value Primitive) string {
	switch v := value.(type) {
	case nil:
		return ""
	case float64:
		if v == float64(int64(v)) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case *CellError:
		return v.Display()
	default:
		return fmt.Sprint(v)
	}
}

// toNumber converts value to number, returning ok=false if conversion fails
func toNumber(value Primitive) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return num, true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// toString converts value to string
func toString(value Primitive) string {
	if value == nil {
		return ""
	}
	if err, ok := value.(*CellError); ok {
		return err.Display()
	}
	return formatValue(value)
}

// isTruthy checks if a value's numeric coercion is non-zero. values that
// do not coerce to a number are not truthy.
func isTruthy(value Primitive) bool {
	num, ok := toNumber(value)
	return ok && num != 0
}

// checkForError returns the error if value is a *CellError, nil otherwise
func checkForError(value Primitive) *CellError {
	if err, ok := value.(*CellError); ok {
		return err
	}
	return nil
}

// comparePrimitives compares two primitive values. returns -1 if left < right,
// 0 if equal, 1 if left > right
func comparePrimitives(left, right Primitive) int {
	if left == nil && right == nil {
		return 0
	}
	if left == nil {
		return -1
	}
	if right == nil {
		return 1
	}

	// try numeric comparison first
	leftNum, leftIsNum := toNumber(left)
	rightNum, rightIsNum := toNumber(right)
	if leftIsNum && rightIsNum {
		if leftNum < rightNum {
			return -1
		} else if leftNum > rightNum {
			return 1
		}
		return 0
	}

	// string comparison
	leftStr := toString(left)
	rightStr := toString(right)
	if leftStr < rightStr {
		return -1
	} else if leftStr > rightStr {
		return 1
	}
	return 0
}
