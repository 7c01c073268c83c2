package summary

import (
	"sync"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// CheckCount is the pass/fail tally of one named check.
type CheckCount struct {
	Name   string `json:"name"`
	Passes int64  `json:"passes"`
	Fails  int64  `json:"fails"`
}

// CheckTotals is the tally of every check of a run.
type CheckTotals struct {
	Passes int64        `json:"passes"`
	Fails  int64        `json:"fails"`
	ByName []CheckCount `json:"byName,omitempty"`
}

// Rate is the share of passing checks, or 0 when none ran.
func (t CheckTotals) Rate() float64 {
	total := t.Passes + t.Fails
	if total == 0 {
		return 0
	}
	return float64(t.Passes) / float64(total)
}

// CheckTally counts check samples per check name. Register Observe with
// Recorder.Subscribe.
type CheckTally struct {
	mu     sync.Mutex
	order  []string
	counts map[string]*CheckCount
}

// NewCheckTally creates an empty tally.
func NewCheckTally() *CheckTally {
	return &CheckTally{counts: make(map[string]*CheckCount)}
}

// Observe counts s if it is a check sample.
func (c *CheckTally) Observe(s metrics.Sample) {
	if s.Metric == nil || s.Metric.Name != metrics.Checks {
		return
	}
	name := s.Tags["check"]

	c.mu.Lock()
	defer c.mu.Unlock()

	cc, ok := c.counts[name]
	if !ok {
		cc = &CheckCount{Name: name}
		c.counts[name] = cc
		c.order = append(c.order, name)
	}
	if s.Value != 0 {
		cc.Passes++
	} else {
		cc.Fails++
	}
}

// Totals returns the tally with checks in first-seen order.
func (c *CheckTally) Totals() CheckTotals {
	c.mu.Lock()
	defer c.mu.Unlock()

	var t CheckTotals
	for _, name := range c.order {
		cc := *c.counts[name]
		t.Passes += cc.Passes
		t.Fails += cc.Fails
		t.ByName = append(t.ByName, cc)
	}
	return t
}

// Get returns the tally of one check.
func (c *CheckTally) Get(name string) (CheckCount, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.counts[name]
	if !ok {
		return CheckCount{}, false
	}
	return *cc, true
}
