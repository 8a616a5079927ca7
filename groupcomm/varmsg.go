package groupcomm

import (
	"fmt"

	"github.com/distmesh/groupcomm/transport"
)

// A Coder serializes an application payload into and out of
// a VarMessage: Encode runs just before a send, Decode just
// after a receive. Messages without a Coder carry their
// Data bytes as-is.
type Coder interface {
	// Encode produces the wire bytes for a message headed
	// to the given rank.
	Encode(rank int) []byte
	// Decode consumes the wire bytes of a message received
	// from the given rank.
	Decode(rank int, data []byte)
}

// A VarMessage is a tagged variable-length message for
// point-to-point exchanges between arbitrary rank pairs.
// The Tag is an immutable channel discriminator: messages
// with different tags never cross-match, so concurrent
// exchanges of different payload kinds stay independent.
//
// While a send is outstanding the message owns its Data
// buffer; mutating, copying, or discarding the message
// before WaitAllSent (or waiting the send and calling
// Clear) is a programming error.
type VarMessage struct {
	// Tag is the channel this message travels on.
	Tag int
	// Data is the raw payload.
	Data []byte
	// Body optionally supplies Encode/Decode hooks for the
	// payload. Nil means Data is already serialized.
	Body Coder

	send *transport.Request
}

// Isend serializes the payload and issues a non-blocking
// send to the given rank. The message must not already have
// a send pending.
func (m *VarMessage) Isend(rank int, c *transport.Comm) {
	if m.send != nil {
		panic("groupcomm: Isend on a message with a send already pending")
	}
	if m.Body != nil {
		m.Data = m.Body.Encode(rank)
	}
	m.send = c.Isend(rank, m.Tag, m.Data)
}

// SendPending reports whether a send is still outstanding.
func (m *VarMessage) SendPending() bool {
	return m.send != nil
}

// Clear drops the payload and forgets the completed send.
func (m *VarMessage) Clear() {
	m.Data = nil
	m.send = nil
}

// Copy returns a detached copy of the message. Copying a
// message with a pending send is a programming error.
func (m *VarMessage) Copy() *VarMessage {
	if m.send != nil {
		panic("groupcomm: cannot copy a message with a pending send")
	}
	return &VarMessage{
		Tag:  m.Tag,
		Data: append([]byte(nil), m.Data...),
		Body: m.Body,
	}
}

// Recv blocks until exactly size bytes arrive from the
// given rank on this message's tag, stores them in Data,
// and invokes the Decode hook. The size should come from a
// prior Probe or IProbe for that rank.
func (m *VarMessage) Recv(rank, size int, c *transport.Comm) {
	if size < 0 {
		panic(fmt.Sprintf("groupcomm: negative message size %d", size))
	}
	m.Data = c.Recv(rank, m.Tag, size)
	if m.Body != nil {
		m.Body.Decode(rank, m.Data)
	}
}

// RecvDrop receives like Recv but discards the payload
// without decoding. Used to drain unwanted messages.
func (m *VarMessage) RecvDrop(rank, size int, c *transport.Comm) {
	c.Recv(rank, m.Tag, size)
	m.Data = nil
}

// Probe blocks until a message with the given tag arrives
// from any rank and returns the sender and payload size
// without consuming it.
func Probe(tag int, c *transport.Comm) (rank, size int) {
	return c.Probe(tag)
}

// IProbe reports whether a message with the given tag is
// available, and if so from which rank and how large,
// without consuming it.
func IProbe(tag int, c *transport.Comm) (rank, size int, ok bool) {
	return c.IProbe(tag)
}

// IsendAll sends every message in the map to the rank it is
// keyed by.
func IsendAll(rankMsg map[int]*VarMessage, c *transport.Comm) {
	for rank, msg := range rankMsg {
		msg.Isend(rank, c)
	}
}

// WaitAllSent waits for every pending send in the map and
// clears the messages.
func WaitAllSent(rankMsg map[int]*VarMessage) {
	for _, msg := range rankMsg {
		if msg.send != nil {
			msg.send.Wait()
		}
		msg.Clear()
	}
}

// RecvAll receives one message from every rank keyed in the
// map, in whatever order they arrive. A message from a rank
// not present in the map is a protocol violation and is
// fatal. All messages in the map must share one tag.
//
// NOTE: there is no guard against a sender delivering two
// messages before the round completes; the protocol assumes
// at most one message per sender per tag per round.
func RecvAll(rankMsg map[int]*VarMessage, c *transport.Comm) {
	tag := -1
	for _, msg := range rankMsg {
		if tag < 0 {
			tag = msg.Tag
		} else if msg.Tag != tag {
			panic("groupcomm: RecvAll over messages with mixed tags")
		}
	}
	for left := len(rankMsg); left > 0; left-- {
		rank, size := Probe(tag, c)
		msg, ok := rankMsg[rank]
		if !ok {
			panic(fmt.Sprintf("groupcomm: unexpected message (tag %d) from rank %d", tag, rank))
		}
		msg.Recv(rank, size, c)
	}
}
