package trending

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is returned for malformed varexp and selection expressions.
var ErrSyntax = errors.New("trending: expression syntax error")

// Pseudo-columns available in every series.
const (
	ColumnTime       = "time"
	ColumnActivityID = "meta.activity_id"
	columnRunNumber  = "meta.runNumber"
)

// operand is a column reference or a numeric literal.
type operand struct {
	column string
	slice  int
	number float64
	isNum  bool
}

// parseOperand reads "time", "meta.activity_id", "<source>.<field>[i]" or a
// number.
func parseOperand(s string) (operand, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return operand{}, fmt.Errorf("%w: empty operand", ErrSyntax)
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return operand{number: n, isNum: true}, nil
	}
	op := operand{column: s}
	if open := strings.IndexByte(s, '['); open >= 0 {
		if !strings.HasSuffix(s, "]") {
			return operand{}, fmt.Errorf("%w: unterminated index in %q", ErrSyntax, s)
		}
		i, err := strconv.Atoi(s[open+1 : len(s)-1])
		if err != nil || i < 0 {
			return operand{}, fmt.Errorf("%w: bad slice index in %q", ErrSyntax, s)
		}
		op.column, op.slice = s[:open], i
	}
	switch op.column {
	case ColumnTime, ColumnActivityID:
		return op, nil
	case columnRunNumber:
		op.column = ColumnActivityID
		return op, nil
	}
	if dot := strings.LastIndexByte(op.column, '.'); dot <= 0 || dot == len(op.column)-1 {
		return operand{}, fmt.Errorf("%w: %q is not <source>.<field>", ErrSyntax, op.column)
	}
	return op, nil
}

// eval returns the operand value on r; ok is false when r has no value for it.
func (o operand) eval(r Row) (float64, bool) {
	switch {
	case o.isNum:
		return o.number, true
	case o.column == ColumnTime:
		return r.Time(), true
	case o.column == ColumnActivityID:
		return float64(r.ActivityID), true
	}
	return r.Value(o.column, o.slice)
}

// check reports an operand referring to a column the series lacks.
func (o operand) check(s *Series) error {
	if o.isNum || o.column == ColumnTime || o.column == ColumnActivityID || s.HasColumn(o.column) {
		return nil
	}
	return fmt.Errorf("trending: unknown column %q", o.column)
}

// varexp is "y" or "y:x".
type varexp struct {
	y, x operand
	hasX bool
}

func parseVarexp(s string) (varexp, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 2 {
		return varexp{}, fmt.Errorf("%w: varexp %q has more than 2 dimensions", ErrSyntax, s)
	}
	y, err := parseOperand(parts[0])
	if err != nil {
		return varexp{}, err
	}
	v := varexp{y: y}
	if len(parts) == 2 {
		if v.x, err = parseOperand(parts[1]); err != nil {
			return varexp{}, err
		}
		v.hasX = true
	}
	return v, nil
}

func (v varexp) operands() []operand {
	if v.hasX {
		return []operand{v.y, v.x}
	}
	return []operand{v.y}
}

type comparison struct {
	left, right operand
	op          string
}

// comparison operators, longest first so "<=" wins over "<".
var comparisonOps = []string{"==", "!=", "<=", ">=", "<", ">"}

func (c comparison) eval(r Row) bool {
	a, ok := c.left.eval(r)
	if !ok {
		return false
	}
	b, ok := c.right.eval(r)
	if !ok {
		return false
	}
	switch c.op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case "<=":
		return a <= b
	case ">=":
		return a >= b
	case "<":
		return a < b
	}
	return a > b
}

// selection is a disjunction of conjunctions of comparisons. The empty
// selection accepts every row.
type selection [][]comparison

func parseSelection(s string) (selection, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var sel selection
	for _, disj := range strings.Split(s, "||") {
		var conj []comparison
		for _, term := range strings.Split(disj, "&&") {
			c, err := parseComparison(term)
			if err != nil {
				return nil, err
			}
			conj = append(conj, c)
		}
		sel = append(sel, conj)
	}
	return sel, nil
}

func parseComparison(s string) (comparison, error) {
	for _, op := range comparisonOps {
		i := strings.Index(s, op)
		if i < 0 {
			continue
		}
		left, err := parseOperand(s[:i])
		if err != nil {
			return comparison{}, err
		}
		right, err := parseOperand(s[i+len(op):])
		if err != nil {
			return comparison{}, err
		}
		return comparison{left: left, right: right, op: op}, nil
	}
	return comparison{}, fmt.Errorf("%w: %q has no comparison operator", ErrSyntax, strings.TrimSpace(s))
}

func (sel selection) match(r Row) bool {
	if len(sel) == 0 {
		return true
	}
	for _, conj := range sel {
		all := true
		for _, c := range conj {
			if !c.eval(r) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func (sel selection) operands() []operand {
	var out []operand
	for _, conj := range sel {
		for _, c := range conj {
			out = append(out, c.left, c.right)
		}
	}
	return out
}

// parseRange reads "a:b" into two numbers.
func parseRange(s string) ([2]float64, error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return [2]float64{}, fmt.Errorf("%w: range %q is not min:max", ErrSyntax, s)
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return [2]float64{}, fmt.Errorf("%w: range %q: %v", ErrSyntax, s, err)
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err != nil {
		return [2]float64{}, fmt.Errorf("%w: range %q: %v", ErrSyntax, s, err)
	}
	if a >= b {
		return [2]float64{}, fmt.Errorf("%w: range %q is empty", ErrSyntax, s)
	}
	return [2]float64{a, b}, nil
}
