// Package threshold parses and evaluates pass/fail criteria over recorded
// metrics.
package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// Operator is a comparison operator.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
	OpStrictEqual  Operator = "==="
	OpNotEqual     Operator = "!="
)

// exprPattern matches "<stat> <op> <bound>", e.g. "p(95)<200" or "p95 < 200ms".
var exprPattern = regexp.MustCompile(`^([a-zA-Z]+(?:\(\s*[0-9.]+\s*\)|[0-9.]+)?)\s*(===|==|!=|<=|>=|<|>)\s*(\S+)$`)

// Expression is a parsed threshold condition.
type Expression struct {
	Source string
	Stat   metrics.Stat
	Op     Operator
	Bound  float64

	// HasUnit is set when the bound was written as a duration ("200ms").
	// Such bounds are converted to milliseconds and only make sense for
	// time metrics.
	HasUnit bool
}

// Parse parses a threshold expression.
func Parse(expr string) (Expression, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return Expression{}, fmt.Errorf("threshold expression cannot be empty")
	}

	m := exprPattern.FindStringSubmatch(src)
	if m == nil {
		return Expression{}, fmt.Errorf("invalid threshold expression %q: want <stat> <op> <value>", src)
	}

	stat, err := metrics.ParseStat(m[1])
	if err != nil {
		return Expression{}, fmt.Errorf("invalid threshold expression %q: %w", src, err)
	}

	bound, hasUnit, err := parseBound(m[3])
	if err != nil {
		return Expression{}, fmt.Errorf("invalid threshold expression %q: %w", src, err)
	}

	return Expression{
		Source:  src,
		Stat:    stat,
		Op:      Operator(m[2]),
		Bound:   bound,
		HasUnit: hasUnit,
	}, nil
}

// parseBound accepts a plain number or a Go duration, which is converted to
// milliseconds.
func parseBound(s string) (float64, bool, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, false, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false, fmt.Errorf("bound %q is neither a number nor a duration", s)
	}
	return metrics.DurationToMillis(d), true, nil
}

// Compare applies the operator to actual and bound.
func Compare(actual float64, op Operator, bound float64) bool {
	switch op {
	case OpLess:
		return actual < bound
	case OpLessEqual:
		return actual <= bound
	case OpGreater:
		return actual > bound
	case OpGreaterEqual:
		return actual >= bound
	case OpEqual, OpStrictEqual:
		return actual == bound
	case OpNotEqual:
		return actual != bound
	default:
		return false
	}
}

// String renders the expression in canonical form.
func (e Expression) String() string {
	return fmt.Sprintf("%s%s%s", e.Stat, e.Op, strconv.FormatFloat(e.Bound, 'f', -1, 64))
}
