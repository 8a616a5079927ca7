package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/distmesh/groupcomm/groupcomm"
	"github.com/distmesh/groupcomm/transport"
)

// RunInfo describes a specific world configuration.
type RunInfo struct {
	NumNodes     int
	DofsPerGroup int
	Rounds       int
}

// Run builds a ring of shared groups and drops each rank
// into its own Goroutine.
func (r *RunInfo) Run(mode groupcomm.Mode, hostFn func(gc *groupcomm.GroupCommunicator[float64])) {
	w := transport.NewWorld(r.NumNodes)
	w.Run(func(c *transport.Comm) {
		gt := groupcomm.NewGroupTopology(c)
		gt.Create(ringGroups(c.Rank(), c.Size()), 1)

		gc := groupcomm.NewGroupCommunicator[float64](gt, mode)
		ldofGroup := make([]int, 0, gt.NGroups()*r.DofsPerGroup)
		for g := 0; g < gt.NGroups(); g++ {
			for j := 0; j < r.DofsPerGroup; j++ {
				ldofGroup = append(ldofGroup, g)
			}
		}
		gc.Create(ldofGroup)
		hostFn(gc)
	})
}

// ringGroups shares one group with each ring neighbor.
func ringGroups(rank, size int) [][]int {
	left := (rank + size - 1) % size
	right := (rank + 1) % size
	groups := [][]int{{rank}}
	nbrs := []int{left, right}
	if left == right {
		nbrs = nbrs[:1]
	}
	for _, nbr := range nbrs {
		if nbr == rank {
			continue
		}
		pair := []int{rank, nbr}
		sort.Ints(pair)
		groups = append(groups, pair)
	}
	return groups
}

func main() {
	modes := []groupcomm.Mode{groupcomm.ByGroup, groupcomm.ByNeighbor}
	runs := []RunInfo{
		{NumNodes: 2, DofsPerGroup: 4, Rounds: 1000},
		{NumNodes: 8, DofsPerGroup: 4, Rounds: 1000},
		{NumNodes: 8, DofsPerGroup: 256, Rounds: 200},
		{NumNodes: 32, DofsPerGroup: 4, Rounds: 200},
		{NumNodes: 32, DofsPerGroup: 256, Rounds: 50},
	}

	// Markdown table header.
	fmt.Print("| Nodes | Dofs/group | Rounds ")
	for _, mode := range modes {
		fmt.Printf("| %s Bcast | %s Reduce ", mode, mode)
	}
	fmt.Println("|")
	for i := 0; i < 3+2*len(modes); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, runInfo := range runs {
		fmt.Printf("| %d | %d | %d ", runInfo.NumNodes, runInfo.DofsPerGroup, runInfo.Rounds)
		for _, mode := range modes {
			var bcastTime, reduceTime time.Duration
			runInfo.Run(mode, func(gc *groupcomm.GroupCommunicator[float64]) {
				ldata := make([]float64, len(gc.GroupLDofTable().J))
				for i := range ldata {
					ldata[i] = float64(i)
				}

				start := time.Now()
				for i := 0; i < runInfo.Rounds; i++ {
					gc.Bcast(ldata, 0)
				}
				elapsed := time.Since(start)

				start = time.Now()
				for i := 0; i < runInfo.Rounds; i++ {
					gc.Reduce(ldata, groupcomm.Sum[float64])
				}
				if gc.GroupTopology().MyRank() == 0 {
					bcastTime = elapsed
					reduceTime = time.Since(start)
				}
			})
			fmt.Printf("| %v | %v ", bcastTime, reduceTime)
		}
		fmt.Println("|")
	}
}
