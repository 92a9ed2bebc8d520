/*
Package notify publishes "state changed" signals after a commit.

PURPOSE:
  Clients refresh when an owner's balances change. The engine publishes one
  Change per committed unit of work; delivery is best-effort and
  at-most-once. A failed or slow subscriber never affects the commit.

KEY TYPES:
  Notifier: what the engine depends on
  Hub:      in-process fan-out with per-subscriber buffers
  Nop:      discards everything

SEE ALSO:
  - engine/engine.go: publishes after WithTx returns nil
  - api/events.go: server-sent events stream per owner
*/
package notify

import (
	"sync"
	"time"

	"github.com/ffs/balance-engine/ledger"
)

// Change lists what one committed operation touched.
type Change struct {
	Owner      ledger.OwnerID      `json:"owner"`
	Operation  string              `json:"operation"`
	Accounts   []ledger.AccountID  `json:"accounts,omitempty"`
	Periods    []ledger.PeriodID   `json:"periods,omitempty"`
	Pockets    []ledger.PocketID   `json:"pockets,omitempty"`
	Movements  []ledger.MovementID `json:"movements,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

type Notifier interface {
	Publish(c Change)
}

// Nop is a Notifier that drops every change.
type Nop struct{}

func (Nop) Publish(Change) {}

// =============================================================================
// HUB
// =============================================================================

const defaultBuffer = 16

// Hub delivers each Change to every subscriber of its owner. Sends never
// block: when a subscriber's buffer is full the change is dropped for it.
type Hub struct {
	mu      sync.RWMutex
	subs    map[ledger.OwnerID]map[*subscription]struct{}
	buffer  int
	dropped uint64
}

type subscription struct {
	ch chan Change
}

var _ Notifier = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[ledger.OwnerID]map[*subscription]struct{}),
		buffer: defaultBuffer,
	}
}

// Subscribe returns a channel of changes for owner and a cancel func that
// unsubscribes and closes the channel. Cancel is safe to call twice.
func (h *Hub) Subscribe(owner ledger.OwnerID) (<-chan Change, func()) {
	sub := &subscription{ch: make(chan Change, h.buffer)}

	h.mu.Lock()
	if h.subs[owner] == nil {
		h.subs[owner] = make(map[*subscription]struct{})
	}
	h.subs[owner][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[owner], sub)
			if len(h.subs[owner]) == 0 {
				delete(h.subs, owner)
			}
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[c.Owner] {
		select {
		case sub.ch <- c:
		default:
			h.dropped++
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Subscribers returns the number of live subscriptions for owner.
func (h *Hub) Subscribers(owner ledger.OwnerID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[owner])
}
