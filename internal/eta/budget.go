package eta

import (
	"sync"
	"time"
)

// DailyBudget caps external provider calls per local day. The counter resets
// lazily when the date changes; no scheduler is involved.
type DailyBudget struct {
	mu    sync.Mutex
	limit int
	used  int
	date  string

	now func() time.Time
}

// NewDailyBudget creates a budget of limit calls per day.
func NewDailyBudget(limit int) *DailyBudget {
	return &DailyBudget{limit: limit, now: time.Now}
}

// TryAcquire consumes one call from today's budget. Returns false when the
// budget is exhausted. A failed external call still counts as spent.
func (b *DailyBudget) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	today := b.now().Format("2006-01-02")
	if b.date != today {
		b.date = today
		b.used = 0
	}
	if b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

// Remaining reports how many calls are left today.
func (b *DailyBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	today := b.now().Format("2006-01-02")
	if b.date != today {
		return b.limit
	}
	if b.used >= b.limit {
		return 0
	}
	return b.limit - b.used
}
