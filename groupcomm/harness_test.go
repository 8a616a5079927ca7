package groupcomm

import (
	"github.com/distmesh/groupcomm/transport"
)

const testTag = 900

// ringGroups builds the partition description seen by one
// rank in a ring: a local set, one pair group with each
// ring neighbor, and (optionally, for three or more ranks)
// one group owned by everybody. With two ranks the two pair
// groups are the same set and collapse into one group.
func ringGroups(rank, size int, global bool) [][]int {
	sets := [][]int{{rank}}
	if size > 1 {
		right := (rank + 1) % size
		left := (rank - 1 + size) % size
		sets = append(sets, sortedPair(rank, right), sortedPair(rank, left))
	}
	if global && size > 2 {
		all := make([]int, size)
		for i := range all {
			all[i] = i
		}
		sets = append(sets, all)
	}
	return sets
}

func sortedPair(a, b int) []int {
	if a < b {
		return []int{a, b}
	}
	return []int{b, a}
}

// ringTopology builds a ring topology for one rank.
func ringTopology(c *transport.Comm, global bool) *GroupTopology {
	gt := NewGroupTopology(c)
	gt.Create(ringGroups(c.Rank(), c.Size(), global), testTag)
	return gt
}

// ldofAssignment maps perGroup local dofs to every shared
// group, with unshared dofs interleaved between them.
func ldofAssignment(gt *GroupTopology, perGroup int) []int {
	ldof := []int{0}
	for g := 1; g < gt.NGroups(); g++ {
		for k := 0; k < perGroup; k++ {
			ldof = append(ldof, g)
		}
		ldof = append(ldof, 0)
	}
	return ldof
}

// groupValue is a per-group reference value every member
// can compute independently: it depends only on the group's
// member ranks and the entry position, never on local group
// numbering.
func groupValue(gt *GroupTopology, g, j int) float64 {
	key := 0
	for _, lp := range gt.Group(g) {
		r := gt.NeighborRank(lp) + 1
		key += r * r
	}
	return float64(key*1000 + j)
}

// topoSnapshot is a rank-set view of a topology for
// cross-rank consistency checks and round-trip comparisons.
type topoSnapshot struct {
	Rank      int
	Neighbors []int
	Groups    [][]int // member ranks per group, in row order
	Masters   []int   // master rank per group
	MGroups   []int
}

func snapshotTopology(gt *GroupTopology) topoSnapshot {
	s := topoSnapshot{Rank: gt.MyRank()}
	for i := 0; i < gt.NumNeighbors(); i++ {
		s.Neighbors = append(s.Neighbors, gt.NeighborRank(i))
	}
	for g := 0; g < gt.NGroups(); g++ {
		members := make([]int, 0, gt.GroupSize(g))
		for _, lp := range gt.Group(g) {
			members = append(members, gt.NeighborRank(lp))
		}
		s.Groups = append(s.Groups, members)
		s.Masters = append(s.Masters, gt.GroupMasterRank(g))
		s.MGroups = append(s.MGroups, gt.GroupMasterGroup(g))
	}
	return s
}
