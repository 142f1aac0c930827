package ttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLruCacheReturnsFalseForNeverSeenValue(t *testing.T) {
	cache := newLruCache(10)
	assert.False(t, cache.add("a"))
}

func TestLruCacheReturnsTrueForPreviouslySeenValue(t *testing.T) {
	cache := newLruCache(10)
	cache.add("a")
	assert.True(t, cache.add("a"))
}

func TestLruCacheDiscardsLeastRecentlyUsedValue(t *testing.T) {
	cache := newLruCache(2)
	cache.add("a")
	cache.add("b")
	cache.add("c") // "a" is discarded

	assert.False(t, cache.add("a"))
}

func TestLruCacheAddingPreviouslySeenValueMakesItNewAgain(t *testing.T) {
	cache := newLruCache(2)
	cache.add("a")
	cache.add("b")
	cache.add("a") // "a" becomes most recently used, so "b" is now least recent
	cache.add("c") // "b" is discarded

	assert.False(t, cache.add("b"))
	assert.True(t, cache.add("a"))
}

func TestLruCacheWithZeroCapacityAlwaysReturnsFalse(t *testing.T) {
	cache := newLruCache(0)
	assert.False(t, cache.add("a"))
	assert.False(t, cache.add("a"))
}

func TestLruCacheClearForgetsAllValues(t *testing.T) {
	cache := newLruCache(10)
	cache.add("a")
	cache.clear()
	assert.False(t, cache.add("a"))
}
