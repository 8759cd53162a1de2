// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package node defines the identity and address of a participant in a chord
// overlay.
package node

import (
	"fmt"
	"net/netip"

	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/packet"
)

// A Node is the identity key of a peer together with its UDP endpoint.
type Node struct {
	ID   key.Key
	Addr netip.AddrPort
}

// IsZero reports whether n is the zero Node.
func (n Node) IsZero() bool { return n.ID == key.Key{} && !n.Addr.IsValid() }

func (n Node) String() string { return fmt.Sprintf("%s@%s", n.ID.Short(), n.Addr) }

// Encode appends the wire encoding of n to b: the ID bytes followed by the
// length-prefixed binary form of the address.
func (n Node) Encode(b *packet.Builder) {
	addr, _ := n.Addr.MarshalBinary() // never fails
	b.Raw(n.ID.Bytes()).Field(addr)
}

// Decode decodes a Node with an ID of the given size from s.
func Decode(s *packet.Scanner, size int) (Node, error) {
	id, err := s.Raw(size)
	if err != nil {
		return Node{}, fmt.Errorf("node id: %w", err)
	}
	raw, err := s.Field()
	if err != nil {
		return Node{}, fmt.Errorf("node address: %w", err)
	}
	var addr netip.AddrPort
	if err := addr.UnmarshalBinary(raw); err != nil {
		return Node{}, fmt.Errorf("node address: %w", err)
	}
	return Node{ID: key.New(id), Addr: addr}, nil
}
