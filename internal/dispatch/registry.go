package dispatch

import (
	"sync"

	"github.com/google/uuid"
)

const mailboxSize = 32

// orderTask is a live order's mailbox plus its state. The state is owned by
// the single goroutine draining the mailbox.
type orderTask struct {
	orderID uuid.UUID
	mailbox chan mailboxMsg
	state   *orderState
}

func newOrderTask(state *orderState) *orderTask {
	return &orderTask{
		orderID: state.order.ID,
		mailbox: make(chan mailboxMsg, mailboxSize),
		state:   state,
	}
}

// post delivers a message without ever blocking the caller. A full mailbox
// drops the message; timers and ticks are re-armed or guarded, so a drop is
// recoverable.
func (t *orderTask) post(msg mailboxMsg) bool {
	select {
	case t.mailbox <- msg:
		return true
	default:
		return false
	}
}

// Registry holds the in-flight order tasks. Internally synchronized;
// supports insert, lookup, remove and list.
type Registry struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*orderTask
}

// NewRegistry creates an empty active-order registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[uuid.UUID]*orderTask)}
}

func (r *Registry) Insert(t *orderTask) {
	r.mu.Lock()
	r.tasks[t.orderID] = t
	r.mu.Unlock()
}

func (r *Registry) Lookup(orderID uuid.UUID) (*orderTask, bool) {
	r.mu.RLock()
	t, ok := r.tasks[orderID]
	r.mu.RUnlock()
	return t, ok
}

func (r *Registry) Remove(orderID uuid.UUID) {
	r.mu.Lock()
	delete(r.tasks, orderID)
	r.mu.Unlock()
}

// List returns the IDs of all in-flight orders.
func (r *Registry) List() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(r.tasks))
	for id := range r.tasks {
		out = append(out, id)
	}
	return out
}

// Count returns the number of in-flight orders.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
