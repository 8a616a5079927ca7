package transport

import (
	"fmt"
	"sort"
)

// collTag is reserved for the built-in collectives so they
// never collide with user point-to-point traffic.
const collTag = -1

// Allgather distributes each rank's payload to every rank
// and returns the payloads indexed by rank.
//
// Allgather is collective: every rank of the communicator
// must call it, and all ranks must call it the same number
// of times relative to each other.
func (c *Comm) Allgather(data []byte) [][]byte {
	out := make([][]byte, c.Size())
	for r := 0; r < c.Size(); r++ {
		if r == c.rank {
			out[r] = data
			continue
		}
		c.core.boxes[r].push(&envelope{src: c.rank, tag: collTag, data: data})
	}
	for r := range out {
		if r == c.rank {
			continue
		}
		out[r] = c.core.boxes[c.rank].take(r, collTag).data
	}
	return out
}

// Split partitions the ranks of c into disjoint derived
// communicators, one per color. Within a color, ranks are
// renumbered by ascending key, ties broken by their rank in
// c. Physical node coordinates, if present, carry over.
//
// Split is collective: it blocks until every rank of c has
// called it.
func (c *Comm) Split(color, key int) *Comm {
	core := c.core
	core.splitMu.Lock()
	g := core.splits[c.nsplit]
	if g == nil {
		g = &splitGather{
			done:   make(chan struct{}),
			result: make([]*Comm, c.Size()),
		}
		core.splits[c.nsplit] = g
	}
	g.entries = append(g.entries, splitEntry{color: color, key: key, rank: c.rank})
	if len(g.entries) == c.Size() {
		delete(core.splits, c.nsplit)
		g.build(core)
		close(g.done)
	}
	core.splitMu.Unlock()
	c.nsplit++

	<-g.done
	return g.result[c.rank]
}

type splitEntry struct {
	color int
	key   int
	rank  int
}

type splitGather struct {
	entries []splitEntry
	done    chan struct{}
	result  []*Comm
}

// build creates one commCore per color and hands every
// participating rank its handle in the derived
// communicator. Called with the parent's splitMu held, by
// the last rank to arrive.
func (g *splitGather) build(parent *commCore) {
	byColor := map[int][]splitEntry{}
	for _, e := range g.entries {
		byColor[e.color] = append(byColor[e.color], e)
	}
	for _, members := range byColor {
		sort.Slice(members, func(i, j int) bool {
			if members[i].key != members[j].key {
				return members[i].key < members[j].key
			}
			return members[i].rank < members[j].rank
		})
		var coords [][]int
		if parent.coords != nil {
			coords = make([][]int, len(members))
			for newRank, e := range members {
				coords[newRank] = parent.coords[e.rank]
			}
		}
		core := newCommCore(len(members), coords)
		for newRank, e := range members {
			if g.result[e.rank] != nil {
				panic(fmt.Sprintf("transport: rank %d appears twice in Split", e.rank))
			}
			g.result[e.rank] = &Comm{core: core, rank: newRank}
		}
	}
}
