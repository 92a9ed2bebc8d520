package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversOnlyToOwner(t *testing.T) {
	h := NewHub()
	mine, cancelMine := h.Subscribe("alice")
	defer cancelMine()
	theirs, cancelTheirs := h.Subscribe("bob")
	defer cancelTheirs()

	h.Publish(Change{Owner: "alice", Operation: "expense"})

	select {
	case c := <-mine:
		assert.Equal(t, "expense", c.Operation)
	default:
		t.Fatal("alice should have received the change")
	}
	select {
	case <-theirs:
		t.Fatal("bob must not see alice's change")
	default:
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	// GIVEN: a subscriber that never reads
	h := NewHub()
	_, cancel := h.Subscribe("alice")
	defer cancel()

	// WHEN: publishing more than the buffer holds
	for i := 0; i < defaultBuffer+5; i++ {
		h.Publish(Change{Owner: "alice"})
	}

	// THEN: publish returned every time and the overflow was counted
	assert.Equal(t, uint64(5), h.Dropped())
}

func TestHub_CancelClosesAndUnsubscribes(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("alice")
	require.Equal(t, 1, h.Subscribers("alice"))

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("alice"))

	h.Publish(Change{Owner: "alice"}) // no panic on closed channel
}
