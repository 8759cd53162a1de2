// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package chord

import (
	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/node"
)

// Storage is the key/value store a runner uses to serve Get, Set, and Keys
// requests for the keys it owns. Its methods are called from the reactor
// goroutine as well as from callers of the runner, so an implementation must
// be safe for concurrent use, and must not block.
type Storage interface {
	// Get returns the value stored for k, and reports whether it was found.
	Get(k key.Key) ([]byte, bool)

	// Set stores data for k, replacing any previous value. The storage takes
	// ownership of data.
	Set(k key.Key, data []byte)

	// Keys returns the keys currently stored, in any order.
	Keys() []key.Key
}

// A DataHandler receives application data sent to the runner by a peer. It is
// called from the reactor goroutine, and must not block. The handler takes
// ownership of data.
type DataHandler func(from node.Node, data []byte)
