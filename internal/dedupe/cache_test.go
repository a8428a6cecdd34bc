// ABOUTME: Tests for the TTL dedupe cache backing nonce replay protection.
// ABOUTME: Validates atomic check-and-mark, TTL expiry, size bounds, and concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndMark_FirstUse(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("fresh-key"))
	assert.True(t, cache.CheckAndMark("fresh-key"))
}

func TestCheckAndMark_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("expiring-key"))
	time.Sleep(20 * time.Millisecond)

	// Past TTL the key reads as unseen again.
	assert.False(t, cache.CheckAndMark("expiring-key"))
}

func TestMark_Refresh(t *testing.T) {
	cache := New(30*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("key")
	time.Sleep(20 * time.Millisecond)
	cache.Mark("key")
	time.Sleep(20 * time.Millisecond)

	// Refreshed 20ms ago, still inside the window.
	assert.True(t, cache.CheckAndMark("key"))
}

func TestMaxSize_EvictsOldest(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("c")
	cache.Mark("d") // evicts "a"

	// Check does not mark, so membership probes cannot cascade evictions.
	assert.False(t, cache.Check("a"))
	assert.True(t, cache.Check("b"))
	assert.True(t, cache.Check("c"))
	assert.True(t, cache.Check("d"))
}

func TestCheck_DoesNotMark(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Check("key"))
	assert.False(t, cache.CheckAndMark("key"))
	assert.True(t, cache.Check("key"))
}

func TestConcurrentAccess(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.CheckAndMark(fmt.Sprintf("key-%d-%d", n, j))
			}
		}(i)
	}
	wg.Wait()
}

func TestCheckAndMark_ExactlyOneWinner(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	firstUses := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested") {
				mu.Lock()
				firstUses++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, firstUses, "exactly one caller should see the key as unseen")
}

func TestClose_Idempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
