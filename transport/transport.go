// Package transport provides an in-process message-passing
// substrate for distributed-memory style programs.
//
// A World is a fixed set of processes ("ranks") that
// exchange tagged byte messages. Each rank runs in its own
// Goroutine and talks to the others through a Comm handle,
// which supports non-blocking sends, probe-based discovery,
// and blocking receives with tag matching.
//
// Messages between the same pair of ranks with the same tag
// are matched in send order. Distinct tags never
// cross-match, and neither do distinct communicators (see
// Split).
package transport

import (
	"fmt"
	"sync"

	"github.com/unixpickle/essentials"
)

// A World is a set of ranks connected by mailboxes.
type World struct {
	core *commCore
}

// NewWorld creates a world with the given number of ranks.
func NewWorld(size int) *World {
	if size <= 0 {
		panic(fmt.Sprintf("transport: invalid world size %d", size))
	}
	return &World{core: newCommCore(size, nil)}
}

// Size returns the number of ranks in the world.
func (w *World) Size() int {
	return len(w.core.boxes)
}

// SetNodeCoords attaches physical node coordinates to every
// rank, one coordinate vector per rank. Coordinates are
// optional; worlds without them report no topology.
func (w *World) SetNodeCoords(coords [][]int) {
	if len(coords) != w.Size() {
		panic(fmt.Sprintf("transport: got coordinates for %d ranks, world has %d",
			len(coords), w.Size()))
	}
	cp := make([][]int, len(coords))
	for i, c := range coords {
		cp[i] = append([]int(nil), c...)
	}
	w.core.coords = cp
}

// Comm returns the communicator handle for one rank.
// A handle must only be driven from a single Goroutine.
func (w *World) Comm(rank int) *Comm {
	if rank < 0 || rank >= w.Size() {
		panic(fmt.Sprintf("transport: rank %d out of range", rank))
	}
	return &Comm{core: w.core, rank: rank}
}

// Run spawns one Goroutine per rank, passes each its Comm,
// and blocks until all of them return.
func (w *World) Run(f func(c *Comm)) {
	var wg sync.WaitGroup
	for i := 0; i < w.Size(); i++ {
		c := w.Comm(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(c)
		}()
	}
	wg.Wait()
}

// commCore is the state shared by all handles of one
// communicator: a mailbox per rank, optional physical
// coordinates, and bookkeeping for in-flight Split calls.
type commCore struct {
	boxes  []*mailbox
	coords [][]int

	splitMu sync.Mutex
	splits  map[int]*splitGather
}

func newCommCore(size int, coords [][]int) *commCore {
	core := &commCore{
		boxes:  make([]*mailbox, size),
		coords: coords,
		splits: map[int]*splitGather{},
	}
	for i := range core.boxes {
		core.boxes[i] = newMailbox()
	}
	return core
}

// A Comm is one rank's handle on a communicator.
type Comm struct {
	core   *commCore
	rank   int
	nsplit int
}

// Rank returns the local rank within the communicator.
func (c *Comm) Rank() int {
	return c.rank
}

// Size returns the number of ranks in the communicator.
func (c *Comm) Size() int {
	return len(c.core.boxes)
}

// NodeCoords returns the physical node coordinates of the
// local rank, if the world was built with topology
// information.
func (c *Comm) NodeCoords() ([]int, bool) {
	if c.core.coords == nil {
		return nil, false
	}
	return c.core.coords[c.rank], true
}

// Isend delivers data to rank dest under the given tag and
// returns immediately. The caller gives up ownership of
// data until the returned request has completed; the
// transport never mutates it.
func (c *Comm) Isend(dest, tag int, data []byte) *Request {
	c.checkRank(dest)
	checkTag(tag)
	c.core.boxes[dest].push(&envelope{src: c.rank, tag: tag, data: data})
	return &Request{done: true}
}

// Irecv posts a non-blocking receive of exactly nbytes from
// rank src under the given tag. The receive completes when
// the returned request is waited on.
func (c *Comm) Irecv(src, tag, nbytes int) *Request {
	c.checkRank(src)
	checkTag(tag)
	return &Request{comm: c, src: src, tag: tag, size: nbytes}
}

// Recv blocks until a message of exactly nbytes arrives
// from rank src under the given tag and returns its
// payload. The size should come from a prior probe; a
// mismatch is a protocol error.
func (c *Comm) Recv(src, tag, nbytes int) []byte {
	c.checkRank(src)
	checkTag(tag)
	return c.recv(src, tag, nbytes)
}

func (c *Comm) recv(src, tag, nbytes int) []byte {
	e := c.core.boxes[c.rank].take(src, tag)
	if len(e.data) != nbytes {
		panic(fmt.Sprintf("transport: expected %d bytes from rank %d (tag %d) but received %d",
			nbytes, src, tag, len(e.data)))
	}
	return e.data
}

// Probe blocks until a message with the given tag is
// available from any rank, returning the sender and the
// payload size without consuming the message.
func (c *Comm) Probe(tag int) (src, nbytes int) {
	checkTag(tag)
	return c.core.boxes[c.rank].peek(tag)
}

// IProbe reports whether a message with the given tag is
// available from any rank, and if so from whom and how
// large, without consuming it.
func (c *Comm) IProbe(tag int) (src, nbytes int, ok bool) {
	checkTag(tag)
	return c.core.boxes[c.rank].tryPeek(tag)
}

func (c *Comm) checkRank(rank int) {
	if rank < 0 || rank >= c.Size() {
		panic(fmt.Sprintf("transport: rank %d out of range [0, %d)", rank, c.Size()))
	}
}

func checkTag(tag int) {
	if tag < 0 {
		panic(fmt.Sprintf("transport: negative tag %d is reserved", tag))
	}
}

// An envelope is one message queued in a mailbox.
type envelope struct {
	src  int
	tag  int
	data []byte
}

// A mailbox holds the undelivered messages of one rank.
// Matching is FIFO per (source, tag) pair.
type mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*envelope
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(e *envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	m.cond.Broadcast()
}

// take removes and returns the first queued envelope
// matching src and tag, blocking until one arrives.
// A negative src matches any source.
func (m *mailbox) take(src, tag int) *envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for i, e := range m.queue {
			if e.tag == tag && (src < 0 || e.src == src) {
				essentials.OrderedDelete(&m.queue, i)
				return e
			}
		}
		m.cond.Wait()
	}
}

// peek blocks until an envelope with the given tag is
// queued and returns its source and size, leaving it in
// place.
func (m *mailbox) peek(tag int) (src, nbytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for _, e := range m.queue {
			if e.tag == tag {
				return e.src, len(e.data)
			}
		}
		m.cond.Wait()
	}
}

// tryPeek is the non-blocking variant of peek.
func (m *mailbox) tryPeek(tag int) (src, nbytes int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.queue {
		if e.tag == tag {
			return e.src, len(e.data), true
		}
	}
	return 0, 0, false
}
