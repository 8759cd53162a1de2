// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package store provides implementations of the chord.Storage interface.
package store

import (
	"bytes"
	"fmt"

	"github.com/creachadair/chord/key"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is an in-memory key/value store that holds a bounded number of
// values. When the store is full, adding a new key evicts the least-recently
// used value. A Memory is safe for concurrent use.
type Memory struct {
	c *lru.Cache[key.Key, []byte]
}

// NewMemory constructs an empty store that holds at most size values.
// It panics if size <= 0.
func NewMemory(size int) *Memory {
	c, err := lru.New[key.Key, []byte](size)
	if err != nil {
		panic(fmt.Sprintf("store: invalid size %d: %v", size, err))
	}
	return &Memory{c: c}
}

// Get implements part of chord.Storage. The result is a copy of the stored
// value.
func (m *Memory) Get(k key.Key) ([]byte, bool) {
	v, ok := m.c.Get(k)
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

// Set implements part of chord.Storage.
func (m *Memory) Set(k key.Key, data []byte) { m.c.Add(k, data) }

// Keys implements part of chord.Storage. Keys are reported from oldest to
// newest use.
func (m *Memory) Keys() []key.Key { return m.c.Keys() }

// Delete removes the value for k, and reports whether it was present.
func (m *Memory) Delete(k key.Key) bool { return m.c.Remove(k) }

// Len reports the number of values currently stored.
func (m *Memory) Len() int { return m.c.Len() }
