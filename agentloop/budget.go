package agentloop

import (
	"sync"
)

// budgetWarningRatio is the usage ratio at which a warning is emitted once.
const budgetWarningRatio = 0.8

// BudgetEvent is reported by BudgetTracker when usage crosses the warning
// ratio or passes the limit.
type BudgetEvent struct {
	Exhausted bool
	Used      int
	Limit     int
}

// BudgetTracker counts the tokens one orchestrator spends. A zero limit
// means unlimited. Tokens already spent are always recorded; the limit only
// decides when the loop must stop.
type BudgetTracker struct {
	mu     sync.Mutex
	limit  int
	used   int
	notify func(BudgetEvent)
}

// NewBudgetTracker creates a tracker. notify, if set, is called outside the
// lock.
func NewBudgetTracker(limit int, notify func(BudgetEvent)) *BudgetTracker {
	return &BudgetTracker{limit: limit, notify: notify}
}

// Consume records tokens and returns ErrBudgetExhausted the first time the
// total reaches the limit.
func (t *BudgetTracker) Consume(tokens int) error {
	if tokens < 0 {
		tokens = 0
	}
	var event *BudgetEvent
	var err error

	func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		prev := t.used
		t.used += tokens
		if t.limit <= 0 {
			return
		}
		switch {
		case t.used >= t.limit && prev < t.limit:
			event = &BudgetEvent{Exhausted: true, Used: t.used, Limit: t.limit}
			err = ErrBudgetExhausted
		case budgetUtilization(t.used, t.limit) >= budgetWarningRatio &&
			budgetUtilization(prev, t.limit) < budgetWarningRatio:
			event = &BudgetEvent{Used: t.used, Limit: t.limit}
		}
	}()

	if event != nil && t.notify != nil {
		t.notify(*event)
	}
	return err
}

// Used returns the tokens spent so far.
func (t *BudgetTracker) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Limit returns the limit, zero when unlimited.
func (t *BudgetTracker) Limit() int { return t.limit }

// Remaining returns the tokens left, or -1 when unlimited.
func (t *BudgetTracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit <= 0 {
		return -1
	}
	if t.used >= t.limit {
		return 0
	}
	return t.limit - t.used
}

// Exhausted reports whether the limit has been reached.
func (t *BudgetTracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit > 0 && t.used >= t.limit
}
