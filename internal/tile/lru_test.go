package tile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRUCache_BasicGetPut(t *testing.T) {
	c := newLRUCache[string, int](3)

	c.put("a", 1)
	c.put("b", 2)

	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.get("missing")
	assert.False(t, ok)
}

func TestLRUCache_Eviction(t *testing.T) {
	c := newLRUCache[string, int](2)

	c.put("a", 1)
	c.put("b", 2)
	c.put("c", 3) // evicts "a"

	_, ok := c.get("a")
	assert.False(t, ok, "a should have been evicted")

	v, ok := c.get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, c.len())
}

func TestLRUCache_AccessPromotesEntry(t *testing.T) {
	c := newLRUCache[levelKey, string](2)
	k := func(level int) levelKey {
		return levelKey{file: fileKey{path: "/cogs/a.tif", mtime: 1, size: 10}, level: level}
	}

	c.put(k(0), "full")
	c.put(k(1), "overview")
	c.get(k(0))
	c.put(k(2), "smaller")

	_, ok := c.get(k(0))
	assert.True(t, ok, "level 0 was accessed recently, should not be evicted")
	_, ok = c.get(k(1))
	assert.False(t, ok, "level 1 should have been evicted")
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	c := newLRUCache[string, int](2)
	c.put("a", 1)
	c.put("a", 2)

	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.len())
}

func TestLRUCache_NewFileVersionMisses(t *testing.T) {
	c := newLRUCache[fileKey, string](4)
	c.put(fileKey{path: "/cogs/a.tif", mtime: 1, size: 10}, "old")

	_, ok := c.get(fileKey{path: "/cogs/a.tif", mtime: 2, size: 10})
	assert.False(t, ok)
}
