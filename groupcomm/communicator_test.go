package groupcomm

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distmesh/groupcomm/transport"
)

func forEachMode(t *testing.T, sizes []int, f func(t *testing.T, mode Mode, size int)) {
	for _, mode := range []Mode{ByGroup, ByNeighbor} {
		for _, size := range sizes {
			mode, size := mode, size
			t.Run(fmt.Sprintf("Mode=%s,Nodes=%d", mode, size), func(t *testing.T) {
				f(t, mode, size)
			})
		}
	}
}

// bcastFixture holds one rank's arrays for a broadcast: the
// initial ldata (masters hold the reference values,
// non-masters hold garbage) and the expected array after
// the broadcast.
type bcastFixture struct {
	gt        *GroupTopology
	gc        *GroupCommunicator[float64]
	ldofGroup []int
	ldata     []float64
	want      []float64
}

func newBcastFixture(c *transport.Comm, mode Mode) *bcastFixture {
	f := &bcastFixture{gt: ringTopology(c, true)}
	f.gc = NewGroupCommunicator[float64](f.gt, mode)
	f.ldofGroup = ldofAssignment(f.gt, 2)
	f.gc.Create(f.ldofGroup)

	f.ldata = make([]float64, len(f.ldofGroup))
	f.want = make([]float64, len(f.ldofGroup))
	for i, g := range f.ldofGroup {
		if g == 0 {
			// Unshared entries must never be touched.
			f.ldata[i] = float64(7 + c.Rank())
			f.want[i] = f.ldata[i]
		}
	}
	for g := 1; g < f.gt.NGroups(); g++ {
		for j, ldof := range f.gc.GroupLDofTable().Row(g) {
			f.want[ldof] = groupValue(f.gt, g, j)
			if f.gt.IAmMaster(g) {
				f.ldata[ldof] = f.want[ldof]
			} else {
				f.ldata[ldof] = -1
			}
		}
	}
	return f
}

func TestBcast(t *testing.T) {
	forEachMode(t, []int{2, 3, 5}, func(t *testing.T, mode Mode, size int) {
		w := transport.NewWorld(size)
		got := make([][]float64, size)
		want := make([][]float64, size)
		w.Run(func(c *transport.Comm) {
			f := newBcastFixture(c, mode)
			f.gc.Bcast(f.ldata, 0)
			got[c.Rank()] = f.ldata
			want[c.Rank()] = f.want
		})
		for rank := range got {
			require.Equal(t, want[rank], got[rank], "rank %d", rank)
		}
	})
}

func TestBcastSplitPhaseOverlap(t *testing.T) {
	forEachMode(t, []int{3}, func(t *testing.T, mode Mode, size int) {
		w := transport.NewWorld(size)
		got := make([][]float64, size)
		want := make([][]float64, size)
		local := make([]float64, size)
		w.Run(func(c *transport.Comm) {
			f := newBcastFixture(c, mode)
			f.gc.BcastBegin(f.ldata, 0)
			// Local work overlapping the communication.
			sum := 0.0
			for i := 0; i < 1000; i++ {
				sum += float64(i)
			}
			f.gc.BcastEnd(f.ldata, 0)
			local[c.Rank()] = sum
			got[c.Rank()] = f.ldata
			want[c.Rank()] = f.want
		})
		for rank := range got {
			require.Equal(t, want[rank], got[rank], "rank %d", rank)
			require.Equal(t, 499500.0, local[rank])
		}
	})
}

func TestBcastLayout1(t *testing.T) {
	forEachMode(t, []int{3, 4}, func(t *testing.T, mode Mode, size int) {
		w := transport.NewWorld(size)
		got := make([][]float64, size)
		want := make([][]float64, size)
		w.Run(func(c *transport.Comm) {
			f := newBcastFixture(c, mode)
			// Compact the shared entries into a contiguous
			// per-group array and broadcast that directly.
			ldof := f.gc.GroupLDofTable()
			compact := make([]float64, len(ldof.J))
			wantCompact := make([]float64, len(ldof.J))
			for g := 1; g < f.gt.NGroups(); g++ {
				for j, idx := range ldof.Row(g) {
					compact[ldof.I[g]+j] = f.ldata[idx]
					wantCompact[ldof.I[g]+j] = f.want[idx]
				}
			}
			f.gc.Bcast(compact, 1)
			got[c.Rank()] = compact
			want[c.Rank()] = wantCompact
		})
		for rank := range got {
			require.Equal(t, want[rank], got[rank], "rank %d", rank)
		}
	})
}

// trueDofs compacts a rank's owned entries (group 0 plus
// mastered groups) into a true-dof array, returning the
// array and the local-dof to true-dof map.
func trueDofs(f *bcastFixture, src []float64) ([]float64, []int) {
	ldofLTDof := make([]int, len(f.ldofGroup))
	var tdata []float64
	for i, g := range f.ldofGroup {
		if g == 0 || f.gt.IAmMaster(g) {
			ldofLTDof[i] = len(tdata)
			tdata = append(tdata, src[i])
		} else {
			ldofLTDof[i] = -1
		}
	}
	return tdata, ldofLTDof
}

func TestBcastLayout2(t *testing.T) {
	forEachMode(t, []int{3, 4}, func(t *testing.T, mode Mode, size int) {
		w := transport.NewWorld(size)
		got := make([][]float64, size)
		want := make([][]float64, size)
		w.Run(func(c *transport.Comm) {
			f := newBcastFixture(c, mode)
			tdata, ldofLTDof := trueDofs(f, f.ldata)
			f.gc.SetLTDofTable(ldofLTDof)

			f.gc.BcastBegin(tdata, 2)
			f.gc.BcastEnd(f.ldata, 0)
			got[c.Rank()] = f.ldata
			want[c.Rank()] = f.want
		})
		for rank := range got {
			require.Equal(t, want[rank], got[rank], "rank %d", rank)
		}
	})
}

// reduceContrib is one member's contribution to a shared
// entry; the expected master value is the sum over the
// group's member ranks.
func reduceContrib(rank, j int) float64 {
	return float64((rank + 1) * (j + 2))
}

func setupReduce(f *bcastFixture, c *transport.Comm) (ldata, want []float64) {
	ldata = make([]float64, len(f.ldofGroup))
	want = make([]float64, len(f.ldofGroup))
	for i, g := range f.ldofGroup {
		if g == 0 {
			ldata[i] = float64(7 + c.Rank())
			want[i] = ldata[i]
		}
	}
	for g := 1; g < f.gt.NGroups(); g++ {
		for j, ldof := range f.gc.GroupLDofTable().Row(g) {
			ldata[ldof] = reduceContrib(c.Rank(), j)
			if f.gt.IAmMaster(g) {
				total := 0.0
				for _, lp := range f.gt.Group(g) {
					total += reduceContrib(f.gt.NeighborRank(lp), j)
				}
				want[ldof] = total
			} else {
				// Non-masters keep their own contribution.
				want[ldof] = ldata[ldof]
			}
		}
	}
	return ldata, want
}

func TestReduceSum(t *testing.T) {
	forEachMode(t, []int{2, 3, 5}, func(t *testing.T, mode Mode, size int) {
		w := transport.NewWorld(size)
		got := make([][]float64, size)
		want := make([][]float64, size)
		w.Run(func(c *transport.Comm) {
			f := newBcastFixture(c, mode)
			ldata, expected := setupReduce(f, c)
			f.gc.Reduce(ldata, Sum[float64])
			got[c.Rank()] = ldata
			want[c.Rank()] = expected
		})
		for rank := range got {
			require.Equal(t, want[rank], got[rank], "rank %d", rank)
		}
	})
}

func TestReduceMinMax(t *testing.T) {
	forEachMode(t, []int{3, 4}, func(t *testing.T, mode Mode, size int) {
		w := transport.NewWorld(size)
		gotMin := make([][]float64, size)
		gotMax := make([][]float64, size)
		wantMin := make([][]float64, size)
		wantMax := make([][]float64, size)
		w.Run(func(c *transport.Comm) {
			f := newBcastFixture(c, mode)
			minData := make([]float64, len(f.ldofGroup))
			maxData := make([]float64, len(f.ldofGroup))
			expMin := make([]float64, len(f.ldofGroup))
			expMax := make([]float64, len(f.ldofGroup))
			for g := 1; g < f.gt.NGroups(); g++ {
				for j, ldof := range f.gc.GroupLDofTable().Row(g) {
					minData[ldof] = reduceContrib(c.Rank(), j)
					maxData[ldof] = reduceContrib(c.Rank(), j)
					expMin[ldof] = minData[ldof]
					expMax[ldof] = maxData[ldof]
					if f.gt.IAmMaster(g) {
						lo, hi := minData[ldof], maxData[ldof]
						for _, lp := range f.gt.Group(g) {
							v := reduceContrib(f.gt.NeighborRank(lp), j)
							if v < lo {
								lo = v
							}
							if v > hi {
								hi = v
							}
						}
						expMin[ldof], expMax[ldof] = lo, hi
					}
				}
			}
			f.gc.Reduce(minData, Min[float64])
			f.gc.Reduce(maxData, Max[float64])
			gotMin[c.Rank()], gotMax[c.Rank()] = minData, maxData
			wantMin[c.Rank()], wantMax[c.Rank()] = expMin, expMax
		})
		for rank := range gotMin {
			require.Equal(t, wantMin[rank], gotMin[rank], "rank %d min", rank)
			require.Equal(t, wantMax[rank], gotMax[rank], "rank %d max", rank)
		}
	})
}

func TestReduceBitOR(t *testing.T) {
	forEachMode(t, []int{4}, func(t *testing.T, mode Mode, size int) {
		w := transport.NewWorld(size)
		got := make([][]int, size)
		want := make([][]int, size)
		w.Run(func(c *transport.Comm) {
			gt := ringTopology(c, true)
			gc := NewGroupCommunicator[int](gt, mode)
			ldofGroup := ldofAssignment(gt, 1)
			gc.Create(ldofGroup)

			ldata := make([]int, len(ldofGroup))
			expected := make([]int, len(ldofGroup))
			for g := 1; g < gt.NGroups(); g++ {
				for _, ldof := range gc.GroupLDofTable().Row(g) {
					ldata[ldof] = 1 << uint(c.Rank())
					expected[ldof] = ldata[ldof]
					if gt.IAmMaster(g) {
						mask := 0
						for _, lp := range gt.Group(g) {
							mask |= 1 << uint(gt.NeighborRank(lp))
						}
						expected[ldof] = mask
					}
				}
			}
			gc.Reduce(ldata, BitOR[int])
			got[c.Rank()] = ldata
			want[c.Rank()] = expected
		})
		for rank := range got {
			require.Equal(t, want[rank], got[rank], "rank %d", rank)
		}
	})
}

func TestReduceLayout2(t *testing.T) {
	forEachMode(t, []int{3, 4}, func(t *testing.T, mode Mode, size int) {
		w := transport.NewWorld(size)
		got := make([][]float64, size)
		want := make([][]float64, size)
		w.Run(func(c *transport.Comm) {
			f := newBcastFixture(c, mode)
			ldata, expected := setupReduce(f, c)
			tdata, ldofLTDof := trueDofs(f, ldata)
			wantT, _ := trueDofs(f, expected)
			f.gc.SetLTDofTable(ldofLTDof)

			f.gc.ReduceBegin(ldata)
			f.gc.ReduceEnd(tdata, 2, Sum[float64])
			got[c.Rank()] = tdata
			want[c.Rank()] = wantT
		})
		for rank := range got {
			require.Equal(t, want[rank], got[rank], "rank %d", rank)
		}
	})
}

func TestCopyRoundTrip(t *testing.T) {
	const size = 3
	w := transport.NewWorld(size)
	type arrays struct{ before, after []float64 }
	results := make([][]arrays, size)
	w.Run(func(c *transport.Comm) {
		f := newBcastFixture(c, ByGroup)
		buf := make([]float64, len(f.ldofGroup))
		for _, layout := range []int{0, 1} {
			src := append([]float64(nil), f.want...)
			dst := make([]float64, len(src))
			rem := buf
			for g := 1; g < f.gt.NGroups(); g++ {
				rem = f.gc.CopyGroupToBuffer(src, rem, g, layout)
			}
			rem = buf
			for g := 1; g < f.gt.NGroups(); g++ {
				rem = f.gc.CopyGroupFromBuffer(rem, dst, g, layout)
			}
			// Only the copied subset must round-trip.
			wantSubset := make([]float64, len(src))
			switch layout {
			case 0:
				for g := 1; g < f.gt.NGroups(); g++ {
					for _, ldof := range f.gc.GroupLDofTable().Row(g) {
						wantSubset[ldof] = src[ldof]
					}
				}
			case 1:
				n := f.gc.GroupLDofTable().I[f.gt.NGroups()]
				copy(wantSubset[:n], src[:n])
			}
			results[c.Rank()] = append(results[c.Rank()], arrays{wantSubset, dst})
		}
	})
	for rank, pairs := range results {
		for layout, pair := range pairs {
			require.Equal(t, pair.before, pair.after, "rank %d layout %d", rank, layout)
		}
	}
}

func TestLockInvariants(t *testing.T) {
	w := transport.NewWorld(1)
	gt := NewGroupTopology(w.Comm(0))
	gt.Create([][]int{{0}}, testTag)
	gc := NewGroupCommunicator[float64](gt, ByGroup)
	ldata := []float64{1, 2, 3}

	require.Panics(t, func() { gc.BcastBegin(ldata, 0) }, "operation before Finalize")

	gc.Create([]int{0, 0, 0})
	require.Panics(t, func() { gc.BcastEnd(ldata, 0) }, "end without begin")
	require.Panics(t, func() { gc.ReduceEnd(ldata, 0, Sum[float64]) }, "end without begin")

	gc.BcastBegin(ldata, 0)
	require.Panics(t, func() { gc.BcastBegin(ldata, 0) }, "double begin")
	require.Panics(t, func() { gc.ReduceBegin(ldata) }, "mixed begin")
	require.Panics(t, func() { gc.ReduceEnd(ldata, 0, Sum[float64]) }, "mismatched end")
	gc.BcastEnd(ldata, 0)

	gc.ReduceBegin(ldata)
	require.Panics(t, func() { gc.BcastEnd(ldata, 0) }, "mismatched end")
	gc.ReduceEnd(ldata, 0, Sum[float64])

	// The degenerate world has no shared dofs, so the data
	// must be untouched throughout.
	require.Equal(t, []float64{1, 2, 3}, ldata)
}

func TestPrintInfo(t *testing.T) {
	w := transport.NewWorld(1)
	gt := NewGroupTopology(w.Comm(0))
	gt.Create([][]int{{0}}, testTag)
	gc := NewGroupCommunicator[float64](gt, ByNeighbor)
	gc.Create([]int{0, 0})

	var buf bytes.Buffer
	gc.PrintInfo(&buf)
	require.Contains(t, buf.String(), "byNeighbor")
	require.Contains(t, buf.String(), "rank 0")
}
