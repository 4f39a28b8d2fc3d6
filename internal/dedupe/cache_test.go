// ABOUTME: Tests for the item id dedupe cache
// ABOUTME: Covers the atomic seen-and-mark step, TTL expiry and capacity eviction

package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenMarksOnFirstUse(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen("item-1"))
	assert.True(t, c.Seen("item-1"))
	assert.False(t, c.Seen("item-2"))
}

func TestExpiredItemIsNewAgain(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.Seen("item-1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Seen("item-1"))
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Seen("a")
	c.Seen("b")
	c.Seen("c") // evicts a

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("c"))
}

func TestSeenRefreshesRecency(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Seen("a")
	c.Seen("b")
	c.Seen("a") // a is now newest
	c.Seen("c") // evicts b

	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
}

func TestConcurrentSeenMarksExactlyOnce(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	const workers = 20
	var wg sync.WaitGroup
	fresh := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("contested") {
				fresh <- true
			}
		}()
	}
	wg.Wait()
	close(fresh)

	count := 0
	for range fresh {
		count++
	}
	assert.Equal(t, 1, count, "exactly one goroutine should observe the item as new")
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
