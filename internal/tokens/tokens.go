// Package tokens keeps a rough count of AI tokens spent against a budget.
package tokens

import (
	"math"
	"sync"
	"unicode/utf8"
)

const (
	// DefaultBudget is the token allowance when none is configured.
	DefaultBudget = 500000
	// WarningThreshold is the fraction of the budget that raises a warning.
	WarningThreshold = 0.8
	// DisableThreshold is the fraction of the budget that stops AI calls.
	DisableThreshold = 1.0
)

// Usage is a point-in-time view of the budget.
type Usage struct {
	Input      int     `json:"input"`
	Output     int     `json:"output"`
	Used       int     `json:"used"`
	Max        int     `json:"max"`
	Percentage float64 `json:"percentage"`
	Warning    bool    `json:"warning"`
	Disabled   bool    `json:"disabled"`
}

// Tracker accumulates estimated token usage. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	max    int
	input  int
	output int
}

// NewTracker returns a tracker with the given budget. A budget of zero or
// less disables AI use entirely.
func NewTracker(max int) *Tracker {
	return &Tracker{max: max}
}

// Estimate approximates the token count of text as one token per four
// characters, rounded up.
func Estimate(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Add records a call's input and output tokens.
func (t *Tracker) Add(input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.input += input
	t.output += output
}

// Restore replaces the counters, typically with values loaded at startup.
func (t *Tracker) Restore(input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.input = input
	t.output = output
}

// Reset zeroes the counters.
func (t *Tracker) Reset() {
	t.Restore(0, 0)
}

// Usage reports consumption against the budget. The percentage is capped at
// 100 and rounded to two decimals.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	used := t.input + t.output
	pct := 100.0
	if t.max > 0 {
		pct = math.Min(100, float64(used)/float64(t.max)*100)
	}
	return Usage{
		Input:      t.input,
		Output:     t.output,
		Used:       used,
		Max:        t.max,
		Percentage: math.Round(pct*100) / 100,
		Warning:    pct >= WarningThreshold*100,
		Disabled:   pct >= DisableThreshold*100,
	}
}

// Disabled reports whether the budget is exhausted.
func (t *Tracker) Disabled() bool {
	return t.Usage().Disabled
}
