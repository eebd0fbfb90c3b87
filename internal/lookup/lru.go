// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package lookup

import (
	"container/list"
	"sync"
)

// rowCache is a fixed-capacity LRU cache of fetched rows keyed by sheet row
// number. Keying by row number lets different query strings that resolve to
// the same row share one entry.
type rowCache struct {
	mu  sync.Mutex
	cap int
	ll  *list.List // most recently used in front
	m   map[int]*list.Element
}

type rowEntry struct {
	rowNum int
	row    Row
}

func newRowCache(capacity int) *rowCache {
	return &rowCache{
		cap: capacity,
		ll:  list.New(),
		m:   make(map[int]*list.Element, capacity),
	}
}

func (c *rowCache) get(rowNum int) (Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[rowNum]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(e)
	return e.Value.(*rowEntry).row, true
}

func (c *rowCache) put(rowNum int, row Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[rowNum]; ok {
		e.Value.(*rowEntry).row = row
		c.ll.MoveToFront(e)
		return
	}
	c.m[rowNum] = c.ll.PushFront(&rowEntry{rowNum: rowNum, row: row})
	if c.ll.Len() > c.cap {
		tail := c.ll.Back()
		c.ll.Remove(tail)
		delete(c.m, tail.Value.(*rowEntry).rowNum)
	}
}

func (c *rowCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
