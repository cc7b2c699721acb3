package llm

import (
	"sync"
	"time"
)

// CostTracker accumulates estimated LLM spend at three granularities:
// the current task, the process lifetime, and the current calendar
// day. The daily tally resets when the date changes.
type CostTracker struct {
	mu       sync.Mutex
	day      string
	taskCost float64
	total    float64
	daily    float64
}

// NewCostTracker creates a tracker anchored to today's date.
func NewCostTracker() *CostTracker {
	return &CostTracker{day: today()}
}

// Add records the cost of one completion.
func (t *CostTracker) Add(cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	t.taskCost += cost
	t.total += cost
	t.daily += cost
}

// ResetTask zeroes the per-task tally at the start of a new task.
func (t *CostTracker) ResetTask() {
	t.mu.Lock()
	t.taskCost = 0
	t.mu.Unlock()
}

// TaskCost returns the spend of the task in progress.
func (t *CostTracker) TaskCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.taskCost
}

// TotalCost returns the process-lifetime spend.
func (t *CostTracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// SpentToday returns the spend accumulated since midnight UTC.
func (t *CostTracker) SpentToday() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.daily
}

func (t *CostTracker) rollover() {
	if d := today(); d != t.day {
		t.day = d
		t.daily = 0
	}
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}
