// Package output renders live progress and the end-of-run summary on the
// console.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/wesleyorama2/surge/internal/performance/engine"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/summary"
)

// ANSI cursor control for the live block.
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	boxHorizontal = "━"

	progressFilled = "█"
	progressEmpty  = "░"

	markPass = "✓"
	markFail = "✗"
)

// Console renders progress and the text summary.
type Console struct {
	testName   string
	writer     io.Writer
	isTTY      bool
	quiet      bool
	timeUnit   string
	trendStats []string

	mu          sync.Mutex
	linesOutput int

	bold, dim, cyan, green, yellow, red, magenta *color.Color
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	TestName string
	Writer   io.Writer
	Quiet    bool
	NoColor  bool
	ForceTTY bool

	// TimeUnit renders time metrics in "ms", "s" or "us" (default: ms)
	TimeUnit string

	// TrendStats are the columns of trend lines
	TrendStats []string
}

// NewConsole creates a console renderer.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.TimeUnit == "" {
		cfg.TimeUnit = "ms"
	}
	if len(cfg.TrendStats) == 0 {
		cfg.TrendStats = []string{"avg", "min", "med", "max", "p(90)", "p(95)"}
	}

	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)
	useColors := !cfg.NoColor && isTTY && os.Getenv("NO_COLOR") == ""

	c := &Console{
		testName:   cfg.TestName,
		writer:     cfg.Writer,
		isTTY:      isTTY,
		quiet:      cfg.Quiet,
		timeUnit:   cfg.TimeUnit,
		trendStats: normalizeStats(cfg.TrendStats),
		bold:       color.New(color.Bold),
		dim:        color.New(color.Faint),
		cyan:       color.New(color.FgCyan),
		green:      color.New(color.FgGreen),
		yellow:     color.New(color.FgYellow),
		red:        color.New(color.FgRed),
		magenta:    color.New(color.FgMagenta),
	}
	for _, col := range []*color.Color{c.bold, c.dim, c.cyan, c.green, c.yellow, c.red, c.magenta} {
		if useColors {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func normalizeStats(stats []string) []string {
	out := make([]string, 0, len(stats))
	for _, s := range stats {
		if st, err := metrics.ParseStat(s); err == nil {
			out = append(out, st.String())
		}
	}
	return out
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the test banner.
func (c *Console) PrintHeader(stages, endpoints int, duration time.Duration) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.cyan.Sprint(strings.Repeat(boxHorizontal, 56))
	c.writeln(line)
	c.writeln(c.bold.Sprintf("%s - Running", c.testName))
	c.writeln(c.dim.Sprintf("%d stages, %d endpoints, %s", stages, endpoints, formatDuration(duration)))
	c.writeln(line)
	c.writeln("")
}

// Update renders a progress view. On a terminal the live block is redrawn in
// place; otherwise one status line is written.
func (c *Console) Update(p engine.Progress) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isTTY {
		c.writeln(c.statusLine(p))
		return
	}

	c.clearLive()
	lines := c.renderLive(p)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *Console) statusLine(p engine.Progress) string {
	st := p.Stats
	return fmt.Sprintf("[%s] Progress: %.0f%% | VUs: %d | Reqs: %d | Iters: %d | RPS: %.1f | Errors: %d (%.1f%%) | P95: %s",
		formatDuration(st.Elapsed),
		p.Fraction*100,
		st.ActiveVUs,
		st.Requests,
		st.Iterations,
		st.RPS,
		st.Failures,
		st.ErrorRate*100,
		formatDurationShort(st.Latency.P95))
}

func (c *Console) renderLive(p engine.Progress) []string {
	st := p.Stats

	errColor := c.green
	if st.ErrorRate > 0.01 {
		errColor = c.yellow
	}
	if st.ErrorRate > 0.05 {
		errColor = c.red
	}

	return []string{
		fmt.Sprintf("Progress: %s %s | %s",
			c.green.Sprint(renderProgressBar(p.Fraction, 40)),
			c.bold.Sprintf("%.0f%%", p.Fraction*100),
			c.dim.Sprint(formatDuration(st.Elapsed))),
		fmt.Sprintf("Stage:    %s", c.magenta.Sprintf("%s (%d/%d)", st.Phase, p.Stage+1, p.Stages)),
		fmt.Sprintf("VUs: %s  Reqs: %s  Iters: %s  RPS: %s",
			c.cyan.Sprint(st.ActiveVUs),
			c.cyan.Sprint(formatNumber(st.Requests)),
			c.cyan.Sprint(formatNumber(st.Iterations)),
			c.green.Sprintf("%.1f", st.RPS)),
		fmt.Sprintf("Errors: %s  P95: %s  P99: %s",
			errColor.Sprintf("%d (%.1f%%)", st.Failures, st.ErrorRate*100),
			formatDurationShort(st.Latency.P95),
			formatDurationShort(st.Latency.P99)),
	}
}

func (c *Console) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// Report prints the end-of-run summary. It implements summary.Reporter.
func (c *Console) Report(s *summary.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		c.writeln(c.statusWord(s))
		return nil
	}

	if c.isTTY {
		c.clearLive()
	}

	line := c.cyan.Sprint(strings.Repeat(boxHorizontal, 56))
	c.writeln("")
	c.writeln(line)
	c.writeln(fmt.Sprintf("%s - %s", c.bold.Sprint(s.Name), c.statusWord(s)))
	c.writeln(line)
	c.writeln("")

	c.writeln(fmt.Sprintf("     run id:     %s", s.RunID))
	c.writeln(fmt.Sprintf("     duration:   %s", formatDuration(s.Duration)))
	c.writeln(fmt.Sprintf("     iterations: %d", s.Iterations))
	if s.IterationErrors > 0 {
		c.writeln(c.red.Sprintf("     crashed iterations: %d", s.IterationErrors))
	}
	if s.Aborted {
		c.writeln(c.red.Sprintf("     aborted: %s", s.AbortReason))
	}
	c.writeln("")

	c.writeChecks(s.Checks)
	c.writeMetrics(s)
	c.writeThresholds(s.Thresholds)
	return nil
}

func (c *Console) statusWord(s *summary.Summary) string {
	if s.Passed {
		return c.green.Sprint("PASSED " + markPass)
	}
	return c.red.Sprint("FAILED " + markFail)
}

func (c *Console) writeChecks(t summary.CheckTotals) {
	if len(t.ByName) == 0 {
		return
	}
	for _, cc := range t.ByName {
		if cc.Fails == 0 {
			c.writeln(fmt.Sprintf("     %s %s", c.green.Sprint(markPass), cc.Name))
			continue
		}
		total := cc.Passes + cc.Fails
		c.writeln(fmt.Sprintf("     %s %s", c.red.Sprint(markFail), cc.Name))
		c.writeln(c.dim.Sprintf("      ↳  %d%% - %s %d / %s %d",
			cc.Passes*100/total, markPass, cc.Passes, markFail, cc.Fails))
	}
	c.writeln("")
}

func (c *Console) writeMetrics(s *summary.Summary) {
	names := make([]string, 0, len(s.Metrics))
	width := 0
	for _, name := range s.MetricNames() {
		if s.Metrics[name].Count == 0 {
			continue
		}
		names = append(names, name)
		if len(name) > width {
			width = len(name)
		}
	}
	width += 3

	thresholdOK := make(map[string]bool)
	for _, t := range s.Thresholds {
		ok, seen := thresholdOK[t.Metric]
		thresholdOK[t.Metric] = t.OK && (ok || !seen)
	}

	for _, name := range names {
		mark := "  "
		if ok, has := thresholdOK[name]; has {
			if ok {
				mark = c.green.Sprint(markPass) + " "
			} else {
				mark = c.red.Sprint(markFail) + " "
			}
		}
		dots := c.dim.Sprint(strings.Repeat(".", width-len(name)))
		c.writeln(fmt.Sprintf("   %s%s%s: %s", mark, name, dots, c.metricValue(s.Metrics[name])))
	}
	c.writeln("")
}

func (c *Console) metricValue(m summary.Metric) string {
	v := m.Values
	switch m.Type {
	case metrics.Trend:
		parts := make([]string, 0, len(c.trendStats))
		for _, stat := range c.trendStats {
			val, ok := m.Value(stat)
			if !ok {
				parts = append(parts, stat+"=n/a")
				continue
			}
			parts = append(parts, stat+"="+c.cyan.Sprint(c.formatValue(val, m.Contains, stat)))
		}
		return strings.Join(parts, " ")
	case metrics.Counter:
		if m.Contains == metrics.Data {
			return fmt.Sprintf("%s %s", c.cyan.Sprint(formatBytes(v["count"])), c.dim.Sprint(formatBytes(v["rate"])+"/s"))
		}
		return fmt.Sprintf("%s %s", c.cyan.Sprint(formatFloat(v["count"])), c.dim.Sprintf("%.2f/s", v["rate"]))
	case metrics.Rate:
		return fmt.Sprintf("%s %s %s %s %s",
			c.cyan.Sprintf("%.2f%%", v["rate"]*100),
			markPass, formatFloat(v["passes"]),
			markFail, formatFloat(v["fails"]))
	case metrics.Gauge:
		return fmt.Sprintf("%s %s", c.cyan.Sprint(formatFloat(v["value"])),
			c.dim.Sprintf("min=%s max=%s", formatFloat(v["min"]), formatFloat(v["max"])))
	}
	return ""
}

// formatValue renders a trend statistic. Time values are stored in
// milliseconds.
func (c *Console) formatValue(v float64, contains metrics.ValueType, stat string) string {
	if stat == metrics.StatCount {
		return formatFloat(v)
	}
	switch contains {
	case metrics.Time:
		return FormatTime(v, c.timeUnit)
	case metrics.Data:
		return formatBytes(v)
	}
	return fmt.Sprintf("%.2f", v)
}

// FormatTime renders a millisecond value in unit ("ms", "s" or "us").
func FormatTime(ms float64, unit string) string {
	switch unit {
	case "s":
		return fmt.Sprintf("%.2fs", ms/1000)
	case "us":
		return fmt.Sprintf("%.2fµs", ms*1000)
	}
	return fmt.Sprintf("%.2fms", ms)
}

func (c *Console) writeThresholds(ts []summary.Threshold) {
	if len(ts) == 0 {
		return
	}
	c.writeln(c.bold.Sprint("   thresholds:"))
	for _, t := range ts {
		mark := c.green.Sprint(markPass)
		if !t.OK {
			mark = c.red.Sprint(markFail)
		}
		actual := "no observations"
		if t.Actual != nil {
			actual = fmt.Sprintf("actual: %s", formatFloat(*t.Actual))
		} else if t.Message != "" && !t.Vacuous {
			actual = t.Message
		}
		abort := ""
		if t.AbortOnFail {
			abort = " [abortOnFail]"
		}
		c.writeln(fmt.Sprintf("     %s %s %s%s %s", mark, t.Metric, t.Expression, abort, c.dim.Sprintf("(%s)", actual)))
	}
	c.writeln("")
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

func renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 || len(str) <= 3 {
		return str
	}
	var b strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		b.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if b.Len() > 0 {
			b.WriteString(",")
		}
		b.WriteString(str[i : i+3])
	}
	return b.String()
}

func formatFloat(v float64) string {
	if v == float64(int64(v)) {
		return formatNumber(int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func formatBytes(b float64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%.0f B", b)
	}
	div, exp := float64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", b/div, "kMGTPE"[exp])
}

var _ summary.Reporter = (*Console)(nil)
