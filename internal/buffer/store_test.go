// ABOUTME: Tests for the per-conversation debounce buffer store.
// ABOUTME: Validates batching, timer reset, ordering, removal after flush, and Close.

package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records flush calls for assertions.
type collector struct {
	mu      sync.Mutex
	flushes map[string][][]string
}

func newCollector() *collector {
	return &collector{flushes: make(map[string][][]string)}
}

func (c *collector) flush(threadID string, messages []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes[threadID] = append(c.flushes[threadID], messages)
}

func (c *collector) get(threadID string) [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes[threadID]
}

func TestStore_SingleMessageFlushes(t *testing.T) {
	c := newCollector()
	s := New(20*time.Millisecond, c.flush, nil)
	defer s.Close()

	s.Append("T1", "hello")

	require.Eventually(t, func() bool {
		return len(c.get("T1")) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"hello"}, c.get("T1")[0])
	assert.Equal(t, 0, s.Len(), "buffer entry must be removed after flush")
}

func TestStore_BurstCollapsesToOneFlush(t *testing.T) {
	c := newCollector()
	s := New(30*time.Millisecond, c.flush, nil)
	defer s.Close()

	// Rapid burst within the window: exactly one flush with all messages,
	// in arrival order.
	s.Append("T1", "hi")
	time.Sleep(5 * time.Millisecond)
	s.Append("T1", "are you open?")
	time.Sleep(5 * time.Millisecond)
	s.Append("T1", "hello?")

	require.Eventually(t, func() bool {
		return len(c.get("T1")) > 0
	}, time.Second, 5*time.Millisecond)

	flushes := c.get("T1")
	require.Len(t, flushes, 1, "N appends must produce exactly 1 flush")
	assert.Equal(t, []string{"hi", "are you open?", "hello?"}, flushes[0])
}

func TestStore_AppendResetsWindow(t *testing.T) {
	c := newCollector()
	s := New(40*time.Millisecond, c.flush, nil)
	defer s.Close()

	s.Append("T1", "hi")
	// Second message arrives inside the window and resets the timer.
	time.Sleep(25 * time.Millisecond)
	s.Append("T1", "are you open?")

	// The original deadline has passed but the reset one has not.
	time.Sleep(25 * time.Millisecond)
	assert.Empty(t, c.get("T1"), "flush must not fire before the reset window elapses")

	require.Eventually(t, func() bool {
		return len(c.get("T1")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hi", "are you open?"}, c.get("T1")[0])
}

func TestStore_ConversationsAreIndependent(t *testing.T) {
	c := newCollector()
	s := New(20*time.Millisecond, c.flush, nil)
	defer s.Close()

	s.Append("T1", "one")
	s.Append("T2", "two")

	require.Eventually(t, func() bool {
		return len(c.get("T1")) == 1 && len(c.get("T2")) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"one"}, c.get("T1")[0])
	assert.Equal(t, []string{"two"}, c.get("T2")[0])
}

func TestStore_Pending(t *testing.T) {
	c := newCollector()
	s := New(time.Minute, c.flush, nil)
	defer s.Close()

	assert.Nil(t, s.Pending("T1"))

	s.Append("T1", "a")
	s.Append("T1", "b")
	assert.Equal(t, []string{"a", "b"}, s.Pending("T1"))
	assert.Equal(t, 1, s.Len())
}

func TestStore_NewBufferAfterFlush(t *testing.T) {
	c := newCollector()
	s := New(15*time.Millisecond, c.flush, nil)
	defer s.Close()

	s.Append("T1", "first round")
	require.Eventually(t, func() bool {
		return len(c.get("T1")) == 1
	}, time.Second, 5*time.Millisecond)

	// The next message starts a fresh batch.
	s.Append("T1", "second round")
	require.Eventually(t, func() bool {
		return len(c.get("T1")) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"second round"}, c.get("T1")[1])
}

func TestStore_CloseCancelsTimers(t *testing.T) {
	c := newCollector()
	s := New(20*time.Millisecond, c.flush, nil)

	s.Append("T1", "never flushed")
	s.Close()

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, c.get("T1"))
	assert.Equal(t, 0, s.Len())

	// Appends after Close are ignored.
	s.Append("T2", "dropped")
	assert.Equal(t, 0, s.Len())
}

func TestStore_ConcurrentAppends(t *testing.T) {
	c := newCollector()
	s := New(30*time.Millisecond, c.flush, nil)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Append("T1", "msg")
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(c.get("T1")) > 0
	}, time.Second, 5*time.Millisecond)

	flushes := c.get("T1")
	require.Len(t, flushes, 1, "concurrent appends must still collapse to one flush")
	assert.Len(t, flushes[0], 20)
}
