package gridcore

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// BuiltinFunctions contains the fixed registry of formula functions.
// dispatch goes through a closed switch so an unknown name is a #NAME?
// error rather than a lookup miss.
type BuiltinFunctions struct {
	clock Clock
}

// NewBuiltinFunctions creates a registry backed by the system clock
func NewBuiltinFunctions() *BuiltinFunctions {
	return &BuiltinFunctions{clock: &WallClock{}}
}

// NewBuiltinFunctionsWithClock creates a registry with an injected clock,
// used by tests for NOW and TODAY
func NewBuiltinFunctionsWithClock(clock Clock) *BuiltinFunctions {
	return &BuiltinFunctions{clock: clock}
}

// Call invokes a built-in function by name with the given arguments
func (bf *BuiltinFunctions) Call(name string, args ...any) (Primitive, error) {
	switch strings.ToUpper(name) {
	case "SUM":
		return bf.SUM(args...)
	case "COUNT":
		return bf.COUNT(args...)
	case "AVERAGE":
		return bf.AVERAGE(args...)
	case "MIN":
		return bf.MIN(args...)
	case "MAX":
		return bf.MAX(args...)
	case "IF":
		return bf.IF(args...)
	case "CONCATENATE":
		return bf.CONCATENATE(args...)
	case "LEN":
		return bf.LEN(args...)
	case "UPPER":
		return bf.UPPER(args...)
	case "LOWER":
		return bf.LOWER(args...)
	case "ROUND":
		return bf.ROUND(args...)
	case "ABS":
		return bf.ABS(args...)
	case "NOW":
		return bf.NOW(args...)
	case "TODAY":
		return bf.TODAY(args...)
	default:
		return nil, NewCellError(ErrorCodeName, fmt.Sprintf("unknown function: %s", name))
	}
}

// flattenNumeric expands range arguments row-major and coerces every
// non-empty value to a number, non-numeric values counting as 0. empty
// cells are skipped entirely.
func flattenNumeric(args []any) ([]float64, *CellError) {
	var out []float64
	appendValue := func(value any) *CellError {
		if err := checkForError(value); err != nil {
			return err
		}
		if value == nil {
			return nil
		}
		if num, ok := toNumber(value); ok && !math.IsNaN(num) {
			out = append(out, num)
		} else {
			out = append(out, 0)
		}
		return nil
	}

	for _, arg := range args {
		if r, ok := arg.(*CellRange); ok {
			for _, value := range r.Values {
				if err := appendValue(value); err != nil {
					return nil, err
				}
			}
		} else {
			if err := appendValue(arg); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (bf *BuiltinFunctions) SUM(args ...any) (Primitive, error) {
	values, err := flattenNumeric(args)
	if err != nil {
		return nil, err
	}
	sum := 0.0
	for _, num := range values {
		sum += num
	}
	return sum, nil
}

// COUNT counts values that are numeric, ignoring text and empty cells
func (bf *BuiltinFunctions) COUNT(args ...any) (Primitive, error) {
	count := 0
	countValue := func(value any) *CellError {
		if err := checkForError(value); err != nil {
			return err
		}
		switch value.(type) {
		case float64, int, int64, bool:
			count++
		case string:
			if _, ok := toNumber(value); ok && strings.TrimSpace(value.(string)) != "" {
				count++
			}
		}
		return nil
	}

	for _, arg := range args {
		if r, ok := arg.(*CellRange); ok {
			for _, value := range r.Values {
				if err := countValue(value); err != nil {
					return nil, err
				}
			}
		} else {
			if err := countValue(arg); err != nil {
				return nil, err
			}
		}
	}
	return float64(count), nil
}

func (bf *BuiltinFunctions) AVERAGE(args ...any) (Primitive, error) {
	values, err := flattenNumeric(args)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, NewCellError(ErrorCodeDiv0, "AVERAGE of no values")
	}
	sum := 0.0
	for _, num := range values {
		sum += num
	}
	return sum / float64(len(values)), nil
}

func (bf *BuiltinFunctions) MIN(args ...any) (Primitive, error) {
	values, err := flattenNumeric(args)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return 0.0, nil
	}
	result := values[0]
	for _, num := range values[1:] {
		if num < result {
			result = num
		}
	}
	return result, nil
}

func (bf *BuiltinFunctions) MAX(args ...any) (Primitive, error) {
	values, err := flattenNumeric(args)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return 0.0, nil
	}
	result := values[0]
	for _, num := range values[1:] {
		if num > result {
			result = num
		}
	}
	return result, nil
}

// IF takes (condition, trueVal, falseVal). the condition is truthy when
// its numeric coercion is non-zero.
func (bf *BuiltinFunctions) IF(args ...any) (Primitive, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, NewCellError(ErrorCodeNA, "IF requires 2 or 3 arguments")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}

	if isTruthy(args[0]) {
		return args[1], nil
	}
	if len(args) == 3 {
		return args[2], nil
	}
	return false, nil
}

func (bf *BuiltinFunctions) CONCATENATE(args ...any) (Primitive, error) {
	var sb strings.Builder
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		if r, ok := arg.(*CellRange); ok {
			for _, value := range r.Values {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				sb.WriteString(toString(value))
			}
		} else {
			sb.WriteString(toString(arg))
		}
	}
	return sb.String(), nil
}

func (bf *BuiltinFunctions) LEN(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewCellError(ErrorCodeNA, "LEN requires exactly 1 argument")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	return float64(len([]rune(toString(args[0])))), nil
}

func (bf *BuiltinFunctions) UPPER(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewCellError(ErrorCodeNA, "UPPER requires exactly 1 argument")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	return strings.ToUpper(toString(args[0])), nil
}

func (bf *BuiltinFunctions) LOWER(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewCellError(ErrorCodeNA, "LOWER requires exactly 1 argument")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	return strings.ToLower(toString(args[0])), nil
}

// ROUND takes (number, digits) with digits defaulting to 0
func (bf *BuiltinFunctions) ROUND(args ...any) (Primitive, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, NewCellError(ErrorCodeNA, "ROUND requires 1 or 2 arguments")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	num, ok := toNumber(args[0])
	if !ok {
		return nil, NewCellError(ErrorCodeValue, "ROUND requires a numeric value")
	}

	digits := 0.0
	if len(args) == 2 {
		if err := checkForError(args[1]); err != nil {
			return nil, err
		}
		d, ok := toNumber(args[1])
		if !ok {
			return nil, NewCellError(ErrorCodeValue, "ROUND digits must be numeric")
		}
		digits = math.Trunc(d)
	}

	factor := math.Pow(10, digits)
	return math.Round(num*factor) / factor, nil
}

func (bf *BuiltinFunctions) ABS(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewCellError(ErrorCodeNA, "ABS requires exactly 1 argument")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	num, ok := toNumber(args[0])
	if !ok {
		return nil, NewCellError(ErrorCodeValue, "ABS requires a numeric value")
	}
	return math.Abs(num), nil
}

func (bf *BuiltinFunctions) NOW(args ...any) (Primitive, error) {
	if len(args) != 0 {
		return nil, NewCellError(ErrorCodeNA, "NOW takes no arguments")
	}
	return bf.clock.Now().Format("2006-01-02 15:04:05"), nil
}

func (bf *BuiltinFunctions) TODAY(args ...any) (Primitive, error) {
	if len(args) != 0 {
		return nil, NewCellError(ErrorCodeNA, "TODAY takes no arguments")
	}
	return bf.clock.Now().Format("2006-01-02"), nil
}
