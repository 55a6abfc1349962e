// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// BlockCache wraps a sized LRU cache of on-disk block data. The resource
// manager owns sizing and construction but not the block bytes themselves,
// which callers Add/Get directly.
type BlockCache struct {
	cache *lru.Cache
}

// newBlockCache bounds the cache by entry count: size is the maximum number
// of entries, and entries are not weighed by their byte size. A size of 0 or
// less gives a one-entry cache.
func newBlockCache(size int) (*BlockCache, error) {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "constructing block cache")
	}
	return &BlockCache{cache: c}, nil
}

// Get returns the cached value for key, if present.
func (b *BlockCache) Get(key interface{}) (interface{}, bool) {
	return b.cache.Get(key)
}

// Add inserts or updates the cached value for key, evicting the least
// recently used entry if the cache is full.
func (b *BlockCache) Add(key, value interface{}) {
	b.cache.Add(key, value)
}

// Remove evicts key if present.
func (b *BlockCache) Remove(key interface{}) {
	b.cache.Remove(key)
}

// Len reports the current number of cached entries.
func (b *BlockCache) Len() int {
	return b.cache.Len()
}
