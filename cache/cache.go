// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package cache implements the proximity table of a chord node.
//
// The table has one bucket per neighborhood index. A peer whose clockwise
// distance from the local node is d lives in bucket MSNB(d), so bucket i
// covers distances in [2^(i-1), 2^i). Bucket 0 holds the local node itself
// and is never evicted. Each bucket keeps a single peer, the nearest one
// known, so that the immediate successor of the local node is never lost to a
// farther peer in the same neighborhood.
package cache

import (
	"net/netip"
	"sync"

	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/node"
)

// A Cache is a proximity table. It is safe for concurrent use.
type Cache struct {
	self node.Node

	μ     sync.Mutex
	slots []node.Node // the zero Node marks an empty bucket
	count int         // number of occupied buckets, including bucket 0
}

// New constructs a cache for the local node self.
func New(self node.Node) *Cache {
	slots := make([]node.Node, self.ID.Bits()+1)
	slots[0] = self
	return &Cache{self: self, slots: slots, count: 1}
}

// Self returns the local node.
func (c *Cache) Self() node.Node { return c.self }

// NeighborHood returns the index of the bucket k would occupy, MSNB(k − self).
// It is 0 only when k is the local ID.
func (c *Cache) NeighborHood(k key.Key) int { return k.Sub(c.self.ID).MSNB() }

// Add records n in its bucket if the bucket is empty, if n is nearer to the
// local node than the occupant, or if n is the occupant (updating its
// address). It reports whether a different peer was displaced. Adding the
// local ID or a key of the wrong size has no effect.
func (c *Cache) Add(n node.Node) bool {
	if n.ID.Size() != c.self.ID.Size() || n.ID == c.self.ID {
		return false
	}
	i := c.NeighborHood(n.ID)

	c.μ.Lock()
	defer c.μ.Unlock()
	old := c.slots[i]
	switch {
	case old.IsZero():
		c.slots[i] = n
		c.count++
		return false
	case old.ID == n.ID:
		c.slots[i] = n
		return false
	case c.self.ID.Distance(n.ID).Less(c.self.ID.Distance(old.ID)):
		c.slots[i] = n
		return true
	}
	return false
}

// Lookup returns the occupant of bucket i, if any.
func (c *Cache) Lookup(i int) (node.Node, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if i < 0 || i >= len(c.slots) || c.slots[i].IsZero() {
		return node.Node{}, false
	}
	return c.slots[i], true
}

// Remove discards the peer with the given ID, and reports whether it was
// present. The local node cannot be removed.
func (c *Cache) Remove(id key.Key) bool {
	if id.Size() != c.self.ID.Size() || id == c.self.ID {
		return false
	}
	i := c.NeighborHood(id)

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.slots[i].IsZero() || c.slots[i].ID != id {
		return false
	}
	c.slots[i] = node.Node{}
	c.count--
	return true
}

// Evict discards every peer whose endpoint is addr, and returns the number of
// entries removed.
func (c *Cache) Evict(addr netip.AddrPort) int {
	c.μ.Lock()
	defer c.μ.Unlock()
	var nr int
	for i := 1; i < len(c.slots); i++ {
		if !c.slots[i].IsZero() && c.slots[i].Addr == addr {
			c.slots[i] = node.Node{}
			nr++
		}
	}
	c.count -= nr
	return nr
}

// Resolve returns the closest known predecessor of k: the cached node whose
// clockwise distance from the local node is greatest while still less than
// that of k. The local node qualifies for every k except itself. When k is the
// local ID no node qualifies, and Resolve returns the occupant of the highest
// populated bucket, which is self if the cache holds no peers.
func (c *Cache) Resolve(k key.Key) node.Node {
	d := c.self.ID.Distance(k)
	top := c.NeighborHood(k)

	c.μ.Lock()
	defer c.μ.Unlock()
	if top == 0 {
		for i := len(c.slots) - 1; i > 0; i-- {
			if !c.slots[i].IsZero() {
				return c.slots[i]
			}
		}
		return c.self
	}

	// Buckets above top hold peers farther than k; bucket top may straddle k.
	for i := top; i > 0; i-- {
		if n := c.slots[i]; !n.IsZero() && c.self.ID.Distance(n.ID).Less(d) {
			return n
		}
	}
	return c.self
}

// Nodes returns all cached nodes in bucket order, beginning with self.
func (c *Cache) Nodes() []node.Node {
	c.μ.Lock()
	defer c.μ.Unlock()
	out := make([]node.Node, 0, c.count)
	for _, n := range c.slots {
		if !n.IsZero() {
			out = append(out, n)
		}
	}
	return out
}

// Peers returns all cached nodes other than self, in bucket order.
func (c *Cache) Peers() []node.Node { return c.Nodes()[1:] }

// Len reports the number of occupied buckets, including the local node.
func (c *Cache) Len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.count
}
