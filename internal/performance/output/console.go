// Package output renders live progress and the final report of a ramp run.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/rampgate/rampgate/internal/performance/engine"
	"github.com/rampgate/rampgate/internal/performance/executor"
	"github.com/rampgate/rampgate/internal/performance/metrics"
)

// Cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"
)

const (
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration

	ActiveVUs int
	TargetVUs int
	MaxVUs    int

	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64 // interval error rate
	Timeouts      int64

	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration

	State        string
	StageName    string
	CurrentStage int // 1-indexed, 0 outside the ramp
	TotalStages  int
}

// palette holds the colors used by one ConsoleOutput.
type palette struct {
	bold    *color.Color
	dim     *color.Color
	green   *color.Color
	yellow  *color.Color
	red     *color.Color
	blue    *color.Color
	magenta *color.Color
	cyan    *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		bold:    color.New(color.Bold),
		dim:     color.New(color.Faint),
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow),
		red:     color.New(color.FgRed),
		blue:    color.New(color.FgBlue),
		magenta: color.New(color.FgMagenta),
		cyan:    color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{p.bold, p.dim, p.green, p.yellow, p.red, p.blue, p.magenta, p.cyan} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// ConsoleOutput manages console output during a run.
type ConsoleOutput struct {
	testName      string
	targetURL     string
	totalDuration time.Duration
	totalStages   int
	writer        io.Writer
	isTTY         bool
	quiet         bool
	colors        palette

	mu          sync.Mutex
	linesOutput int
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName      string
	TargetURL     string
	TotalDuration time.Duration
	TotalStages   int
	Writer        io.Writer
	Quiet         bool
	ForceColors   bool
	ForceTTY      bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := config.ForceColors || (isTTY && supportsColors())

	return &ConsoleOutput{
		testName:      config.TestName,
		targetURL:     config.TargetURL,
		totalDuration: config.TotalDuration,
		totalStages:   config.TotalStages,
		writer:        config.Writer,
		isTTY:         isTTY,
		quiet:         config.Quiet,
		colors:        newPalette(useColors),
	}
}

func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// PrintHeader prints the run header.
func (c *ConsoleOutput) PrintHeader() {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.colors.cyan.Sprint(strings.Repeat(boxHorizontal, 56))
	c.writeln(line)
	c.writeln(c.colors.bold.Sprintf("%s - Running", c.testName))
	if c.targetURL != "" {
		c.writeln("Target:   " + c.colors.cyan.Sprint(c.targetURL))
	}
	if c.totalDuration > 0 {
		c.writeln(fmt.Sprintf("Ramp:     %s in %d stages", formatDuration(c.totalDuration), c.totalStages))
	}
	c.writeln(line)
	c.writeln("")
}

// Update redraws the live display. It does nothing unless the output is a
// terminal.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY || stats == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *ConsoleOutput) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine)
		if i < c.linesOutput-1 {
			c.write("\n")
		}
	}
	if c.linesOutput > 1 {
		c.write(fmt.Sprintf(cursorUp, c.linesOutput-1))
	}
	c.write("\r")
	c.linesOutput = 0
}

func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.green.Sprint(c.renderProgressBar(stats.Progress, 40)),
		c.colors.bold.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.dim.Sprint(timeInfo)))

	stage := stats.State
	if stats.CurrentStage > 0 {
		stage = fmt.Sprintf("%s (%d/%d)", stats.StageName, stats.CurrentStage, stats.TotalStages)
	}
	lines = append(lines, "Stage:    "+c.colors.magenta.Sprint(stage))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, c.colors.dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	vusStr := fmt.Sprintf("VUs:     %s / %d", c.colors.cyan.Sprint(stats.ActiveVUs), stats.TargetVUs)
	reqsStr := "Requests:    " + c.colors.cyan.Sprint(formatNumber(stats.TotalRequests))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	errColor := c.colors.green
	if stats.ErrorRate > 0.01 {
		errColor = c.colors.yellow
	}
	if stats.ErrorRate > 0.05 {
		errColor = c.colors.red
	}
	rpsStr := "RPS:     " + c.colors.green.Sprintf("%.1f", stats.CurrentRPS)
	errStr := fmt.Sprintf("Errors:      %s (%s)",
		errColor.Sprint(formatNumber(stats.Errors)),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	p95Str := "P95:     " + c.colors.blue.Sprint(formatDurationShort(stats.LatencyP95))
	timeoutStr := "Timeouts:    " + c.colors.yellow.Sprint(formatNumber(stats.Timeouts))
	lines = append(lines, c.formatBoxRow(p95Str, timeoutStr, boxWidth))

	lines = append(lines, c.colors.dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))

	return lines
}

// formatBoxRow formats a two-column row inside the stats box.
func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2

	leftPadding := colWidth - len([]rune(stripANSI(left)))
	if leftPadding < 0 {
		leftPadding = 0
	}
	rightPadding := colWidth - len([]rune(stripANSI(right)))
	if rightPadding < 0 {
		rightPadding = 0
	}

	border := c.colors.dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		border,
		left, strings.Repeat(" ", leftPadding),
		border,
		right, strings.Repeat(" ", rightPadding),
		border)
}

func (c *ConsoleOutput) renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// PrintSummary prints the final report. In quiet mode only the verdict is
// printed.
func (c *ConsoleOutput) PrintSummary(result *engine.TestResult) {
	if result == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		if result.Passed {
			c.writeln(c.colors.green.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.red.Sprint("FAILED"))
		}
		return
	}

	if c.isTTY {
		c.clearLive()
	}

	s := result.Summary
	line := c.colors.cyan.Sprint(strings.Repeat(boxHorizontal, 56))

	status := c.colors.green.Sprint("Completed ✓")
	if !result.Passed {
		status = c.colors.red.Sprint("Failed ✗")
	}
	if result.Aborted {
		status += " " + c.colors.yellow.Sprint("(aborted)")
	}

	c.writeln("")
	c.writeln(line)
	c.writeln(fmt.Sprintf("%s - %s", c.colors.bold.Sprint(result.Name), status))
	c.writeln(line)
	c.writeln("")

	c.writeln("Duration:      " + c.colors.cyan.Sprint(formatDuration(result.Duration)))
	c.writeln("Total Reqs:    " + c.colors.cyan.Sprint(formatNumber(s.TotalRequests)))
	c.writeln("Iterations:    " + formatNumber(s.Iterations))
	if result.Stats != nil {
		c.writeln(fmt.Sprintf("Peak VUs:      %d", result.Stats.MaxVUs))
	}
	c.writeln(fmt.Sprintf("Request Rate:  %.1f/s (peak %.1f/s)", s.RequestRate, s.PeakRPS))

	errColor := c.colors.green
	if s.ErrorRate > 0.01 {
		errColor = c.colors.yellow
	}
	if s.ErrorRate > 0.05 {
		errColor = c.colors.red
	}
	c.writeln(fmt.Sprintf("Error Rate:    %s (%s errors)",
		errColor.Sprintf("%.2f%%", s.ErrorRate*100), formatNumber(s.Errors)))
	if s.Timeouts > 0 || s.TransportErrors > 0 {
		c.writeln(fmt.Sprintf("Timeouts:      %s timeout, %s transport",
			formatNumber(s.Timeouts), formatNumber(s.TransportErrors)))
	}
	c.writeln("")

	if len(s.StatusCounts) > 0 {
		c.writeln(c.colors.bold.Sprint("Status Codes:"))
		for _, status := range s.SortedStatuses() {
			c.writeln(fmt.Sprintf("  %-8s %s", status, formatNumber(s.StatusCounts[status])))
		}
		c.writeln("")
	}

	c.printLatency("Latency (all):", s.Latency)
	if s.LatencyOK.Count > 0 {
		c.printLatency("Latency (200):", s.LatencyOK)
	}

	if len(s.Checks) > 0 {
		c.writeln(c.colors.bold.Sprint("Checks:"))
		for _, ch := range s.Checks {
			mark := c.colors.green.Sprint("✓")
			if ch.Fails > 0 {
				mark = c.colors.red.Sprint("✗")
			}
			c.writeln(fmt.Sprintf("  %s %s %.2f%% (%s / %s)", mark, ch.Name, ch.Rate*100,
				formatNumber(ch.Passes), formatNumber(ch.Passes+ch.Fails)))
		}
		c.writeln("")
	}

	if len(result.Verdict.Results) > 0 {
		c.writeln(c.colors.bold.Sprint("Thresholds:"))
		for _, r := range result.Verdict.Results {
			mark := c.colors.green.Sprint("✓")
			if !r.Passed {
				mark = c.colors.red.Sprint("✗")
			}
			c.writeln(fmt.Sprintf("  %s %s (actual: %s)", mark, r.Source, r.Value))
		}
		c.writeln("")
	}

	if result.AbortReason != "" {
		c.writeln("Aborted:       " + c.colors.yellow.Sprint(result.AbortReason))
	}
	if result.Stats != nil && result.Stats.Stragglers > 0 {
		c.writeln(fmt.Sprintf("Stragglers:    %d", result.Stats.Stragglers))
	}
	if result.RunID != "" {
		c.writeln("Run ID:        " + c.colors.dim.Sprint(result.RunID))
	}
}

func (c *ConsoleOutput) printLatency(title string, l metrics.LatencyStats) {
	c.writeln(c.colors.bold.Sprint(title))
	c.writeln("  Min:       " + formatDurationShort(l.Min))
	c.writeln("  Avg:       " + formatDurationShort(l.Mean))
	c.writeln("  P50:       " + formatDurationShort(l.P50))
	c.writeln("  P90:       " + formatDurationShort(l.P90))
	c.writeln("  P95:       " + formatDurationShort(l.P95))
	c.writeln("  P99:       " + formatDurationShort(l.P99))
	c.writeln("  Max:       " + formatDurationShort(l.Max))
	c.writeln("")
}

// PrintNonInteractiveUpdate prints a one-line status, used when the output is
// not a terminal.
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet || stats == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | VUs: %d/%d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | Timeouts: %d | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TargetVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		stats.Timeouts,
		formatDurationShort(stats.LatencyP95)))
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
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
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a latency.
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
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}

// StatsFromBucket builds LiveStats from the latest time bucket and the
// executor statistics. Either may be nil early in the run.
func StatsFromBucket(bucket *metrics.TimeBucket, stats *executor.Stats, progress float64) *LiveStats {
	live := &LiveStats{
		Progress: progress,
		State:    "initializing",
	}

	if stats != nil {
		live.Elapsed = stats.Elapsed
		live.Remaining = stats.TotalDuration - stats.Elapsed
		if live.Remaining < 0 {
			live.Remaining = 0
		}
		live.ActiveVUs = stats.ActiveVUs
		live.TargetVUs = stats.TargetVUs
		live.MaxVUs = stats.MaxVUs
		live.State = stats.State.Kind.String()
		live.TotalStages = stats.TotalStages
		if stats.State.Kind == executor.StateRamping {
			live.CurrentStage = stats.CurrentStage + 1
			live.StageName = stats.CurrentStageName
		}
	}

	if bucket != nil {
		live.CurrentRPS = bucket.IntervalRPS
		live.TotalRequests = bucket.TotalRequests
		live.Errors = bucket.TotalErrors
		live.ErrorRate = bucket.IntervalErrorRate
		live.Timeouts = bucket.TotalTimeouts
		live.LatencyP50 = bucket.LatencyP50
		live.LatencyP95 = bucket.LatencyP95
		live.LatencyP99 = bucket.LatencyP99
		if stats == nil {
			live.ActiveVUs = bucket.ActiveVUs
		}
	}

	return live
}
