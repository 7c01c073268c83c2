package metrics

import (
	"fmt"
	"strconv"
	"strings"
)

// Stat names understood by the sinks.
const (
	StatCount      = "count"
	StatSum        = "sum"
	StatMin        = "min"
	StatMax        = "max"
	StatAvg        = "avg"
	StatMed        = "med"
	StatRate       = "rate"
	StatValue      = "value"
	StatPasses     = "passes"
	StatFails      = "fails"
	StatPercentile = "p"
)

// Stat is a parsed aggregation such as "avg" or "p(95)".
type Stat struct {
	Name string

	// Percentile is set when Name is StatPercentile, in the range [0, 100].
	Percentile float64
}

// ParseStat parses a statistic token. Percentiles may be written as
// "p(95)", "p95" or "p(99.9)".
func ParseStat(s string) (Stat, error) {
	token := strings.ToLower(strings.TrimSpace(s))
	switch token {
	case StatCount, StatSum, StatMin, StatMax, StatAvg, StatMed,
		StatRate, StatValue, StatPasses, StatFails:
		return Stat{Name: token}, nil
	}

	if strings.HasPrefix(token, "p") && len(token) > 1 {
		num := token[1:]
		if strings.HasPrefix(num, "(") {
			if !strings.HasSuffix(num, ")") {
				return Stat{}, fmt.Errorf("%w: %q", ErrInvalidStatToken, s)
			}
			num = num[1 : len(num)-1]
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil || p < 0 || p > 100 {
			return Stat{}, fmt.Errorf("%w: %q", ErrInvalidStatToken, s)
		}
		return Stat{Name: StatPercentile, Percentile: p}, nil
	}

	return Stat{}, fmt.Errorf("%w: %q", ErrInvalidStatToken, s)
}

// MustParseStat is like ParseStat but panics on error. It is meant for
// package-level constants and tests.
func MustParseStat(s string) Stat {
	st, err := ParseStat(s)
	if err != nil {
		panic(err)
	}
	return st
}

// String renders the stat in the canonical "p(95)" form.
func (s Stat) String() string {
	if s.Name == StatPercentile {
		return "p(" + strconv.FormatFloat(s.Percentile, 'f', -1, 64) + ")"
	}
	return s.Name
}

// IsCount reports whether the stat counts observations. Count-like stats
// are zero, not NaN, on an empty series.
func (s Stat) IsCount() bool {
	return s.Name == StatCount || s.Name == StatPasses || s.Name == StatFails
}

// Supports reports whether a metric of type t can produce stat s.
func Supports(t MetricType, s Stat) bool {
	switch t {
	case Trend:
		switch s.Name {
		case StatCount, StatSum, StatMin, StatMax, StatAvg, StatMed, StatPercentile:
			return true
		}
	case Counter:
		return s.Name == StatCount || s.Name == StatRate
	case Rate:
		switch s.Name {
		case StatRate, StatPasses, StatFails, StatCount:
			return true
		}
	case Gauge:
		switch s.Name {
		case StatValue, StatMin, StatMax, StatAvg:
			return true
		}
	}
	return false
}
