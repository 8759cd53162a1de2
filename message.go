// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package chord

import (
	"fmt"
	"net/netip"
	"unicode/utf8"

	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/node"
	"github.com/creachadair/chord/packet"
)

// Opcode identifies the kind of a protocol message.
type Opcode byte

const (
	OpResponse Opcode = 0 // A successful reply to a request
	OpInvalid  Opcode = 1 // A rejection of a request, with a reason
	OpPing     Opcode = 2 // A liveness probe
	OpQuery    Opcode = 3 // Request the best known predecessor of a key
	OpKeys     Opcode = 4 // Request the keys stored by a peer
	OpSet      Opcode = 5 // Store a value at a key
	OpGet      Opcode = 6 // Fetch the value stored at a key
	OpData     Opcode = 7 // Application data, not answered

	maxOpcode = OpData
)

var opNames = [...]string{
	OpResponse: "RESPONSE",
	OpInvalid:  "INVALID",
	OpPing:     "PING",
	OpQuery:    "QUERY",
	OpKeys:     "KEYS",
	OpSet:      "SET",
	OpGet:      "GET",
	OpData:     "DATA",
}

func (o Opcode) String() string {
	if o <= maxOpcode {
		return opNames[o]
	}
	return fmt.Sprintf("OP:%d", byte(o))
}

// A Message is the payload of a framed transport message: the key of the
// sender, an opcode, and an opcode-specific body.
type Message struct {
	Sender key.Key
	Op     Opcode
	Body   []byte
}

// Encode encodes m in binary format.
func (m Message) Encode() []byte {
	b := packet.NewBuilder(m.Sender.Size() + 1 + len(m.Body))
	return b.Raw(m.Sender.Bytes()).Byte(byte(m.Op)).Raw(m.Body).Bytes()
}

// DecodeMessage decodes a message whose sender key has the given size. The
// body of the result aliases data.
func DecodeMessage(data []byte, size int) (Message, error) {
	s := packet.NewScanner(data)
	id, err := s.Raw(size)
	if err != nil {
		return Message{}, fmt.Errorf("invalid sender: %w", err)
	}
	op, err := s.Byte()
	if err != nil {
		return Message{}, fmt.Errorf("missing opcode: %w", err)
	}
	return Message{Sender: key.New(id), Op: Opcode(op), Body: s.Rest()}, nil
}

func (m Message) String() string {
	return fmt.Sprintf("Message(%s, %v, %d bytes)", m.Sender.Short(), m.Op, len(m.Body))
}

// A MessageLogger logs a message exchanged with a peer.
type MessageLogger func(MessageInfo)

// A MessageInfo describes a message sent to or received from a peer.
type MessageInfo struct {
	Message
	Peer netip.AddrPort // the remote endpoint
	Sent bool           // whether the message was sent (true) or received (false)
}

func (m MessageInfo) String() string {
	if m.Sent {
		return fmt.Sprintf("send %v %v", m.Peer, m.Message)
	}
	return fmt.Sprintf("recv %v %v", m.Peer, m.Message)
}

// maxReason is the longest reason text sent in an INVALID reply.
const maxReason = 512

// truncate returns the longest prefix of s no longer than n bytes that does
// not end inside a UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Body encodings. Each decoder requires that the body is fully consumed.

func encodeKey(k key.Key) []byte { return k.Bytes() }

func decodeKey(body []byte, size int) (key.Key, error) {
	if len(body) != size {
		return key.Key{}, fmt.Errorf("invalid key length %d, want %d", len(body), size)
	}
	return key.New(body), nil
}

func encodeNode(n node.Node) []byte {
	var b packet.Builder
	n.Encode(&b)
	return b.Bytes()
}

func decodeNode(body []byte, size int) (node.Node, error) {
	s := packet.NewScanner(body)
	n, err := node.Decode(s, size)
	if err != nil {
		return node.Node{}, err
	}
	return n, s.Done()
}

func encodeKeys(keys []key.Key) []byte {
	var b packet.Builder
	b.Vint30(len(keys))
	for _, k := range keys {
		b.Raw(k.Bytes())
	}
	return b.Bytes()
}

func decodeKeys(body []byte, size int) ([]key.Key, error) {
	s := packet.NewScanner(body)
	n, err := s.Vint30()
	if err != nil {
		return nil, err
	} else if n*size != s.Len() {
		return nil, fmt.Errorf("key count %d does not match %d bytes", n, s.Len())
	}
	out := make([]key.Key, n)
	for i := range out {
		raw, _ := s.Raw(size) // length checked above
		out[i] = key.New(raw)
	}
	return out, nil
}

func encodeSet(k key.Key, data []byte) []byte {
	b := packet.NewBuilder(k.Size() + packet.FieldLen(len(data)))
	return b.Raw(k.Bytes()).Field(data).Bytes()
}

func decodeSet(body []byte, size int) (key.Key, []byte, error) {
	s := packet.NewScanner(body)
	raw, err := s.Raw(size)
	if err != nil {
		return key.Key{}, nil, err
	}
	data, err := s.Field()
	if err != nil {
		return key.Key{}, nil, err
	}
	return key.New(raw), data, s.Done()
}

func encodeValue(data []byte, found bool) []byte {
	b := packet.NewBuilder(1 + packet.FieldLen(len(data)))
	return b.Bool(found).Field(data).Bytes()
}

func decodeValue(body []byte) ([]byte, bool, error) {
	s := packet.NewScanner(body)
	found, err := s.Bool()
	if err != nil {
		return nil, false, err
	}
	data, err := s.Field()
	if err != nil {
		return nil, false, err
	}
	return data, found, s.Done()
}
