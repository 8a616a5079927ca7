package groupcomm

import (
	"fmt"
	"io"
	"sort"

	"k8s.io/klog/v2"

	"github.com/distmesh/groupcomm/transport"
)

// Mode selects how a GroupCommunicator schedules its
// message traffic.
type Mode int

const (
	// ByGroup exchanges one message per group.
	ByGroup Mode = iota
	// ByNeighbor aggregates all groups shared with one
	// neighbor into a single message per neighbor.
	ByNeighbor
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ByGroup:
		return "byGroup"
	case ByNeighbor:
		return "byNeighbor"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Group traffic is tagged relative to this base; ByGroup
// adds the group's number in its master so that both ends
// of a group agree on the channel.
const commTagBase = 40822

type lockState int

const (
	lockNone lockState = iota
	lockBcast
	lockReduce
)

// Data layouts accepted by the copy and reduce primitives:
//
//   - layout 0: ldata covers all local dofs; a group's
//     entries are the indices in its group_ldof row.
//   - layout 1: ldata holds only the shared dofs, packed
//     contiguously per group in group order.
//   - layout 2: ldata covers the true (master-owned) dofs;
//     a group's entries are the indices in its group_ltdof
//     row. Requires SetLTDofTable.

// A GroupCommunicator moves shared values between the
// members of each group of a GroupTopology: broadcasting
// from a group's master to its other members, or reducing
// the members' values into the master with a caller-chosen
// operator.
//
// Operations come in split-phase begin/end pairs so that
// communication can overlap with computation; exactly one
// begin/end pair may be outstanding at a time. A
// communicator must be driven from a single Goroutine.
type GroupCommunicator[T Elem] struct {
	gtopo *GroupTopology
	mode  Mode
	codec Codec[T]

	groupLDof  Table
	groupLTDof Table

	groupBufSize int
	groupBuf     []T
	bufOffsets   []int

	requests  []*transport.Request
	reqMarker []int
	reqOffset []int

	commLock lockState

	// ByNeighbor bookkeeping: for each neighbor, the groups
	// the local rank masters that include it, and the
	// groups it masters that include the local rank.
	nbrSendGroups Table
	nbrRecvGroups Table

	finalized bool
}

// NewGroupCommunicator creates a communicator over the
// given topology. Initialize it with Create, or with
// SetGroupLDofTable followed by Finalize, before performing
// any operation.
func NewGroupCommunicator[T Elem](gt *GroupTopology, mode Mode) *GroupCommunicator[T] {
	return &GroupCommunicator[T]{gtopo: gt, mode: mode, codec: CodecFor[T]()}
}

// GroupTopology returns the associated topology.
func (gc *GroupCommunicator[T]) GroupTopology() *GroupTopology {
	return gc.gtopo
}

// Create initializes the communicator from a local-dof to
// group map (one group id per local dof, 0 for dofs not
// shared with anyone) and calls Finalize.
func (gc *GroupCommunicator[T]) Create(ldofGroup []int) {
	ng := gc.gtopo.NGroups()
	rows := make([][]int, ng)
	for i, g := range ldofGroup {
		if g < 0 || g >= ng {
			panic(fmt.Sprintf("groupcomm: dof %d mapped to invalid group %d", i, g))
		}
		if g == 0 {
			continue
		}
		rows[g] = append(rows[g], i)
	}
	gc.groupLDof = MakeTable(rows)
	gc.Finalize()
}

// GroupLDofTable returns the group to local-dof table.
func (gc *GroupCommunicator[T]) GroupLDofTable() Table {
	return gc.groupLDof
}

// SetGroupLDofTable installs a prebuilt group to local-dof
// table. Finalize must be called afterwards.
func (gc *GroupCommunicator[T]) SetGroupLDofTable(t Table) {
	t.checkRows(gc.gtopo.NGroups(), "group_ldof table")
	gc.groupLDof = t
	gc.finalized = false
}

// SetLTDofTable initializes the group to true-dof table
// from a local-dof to true-dof map. Required before using
// layout 2.
func (gc *GroupCommunicator[T]) SetLTDofTable(ldofLTDof []int) {
	gt := gc.gtopo
	rows := make([][]int, gt.NGroups())
	for g := 1; g < gt.NGroups(); g++ {
		if !gt.IAmMaster(g) {
			continue
		}
		row := gc.groupLDof.Row(g)
		rows[g] = make([]int, len(row))
		for i, ldof := range row {
			rows[g][i] = ldofLTDof[ldof]
		}
	}
	gc.groupLTDof = MakeTable(rows)
}

// Finalize computes buffer sizes and offsets from the
// group to local-dof table and allocates the reusable
// communication buffer and request arrays. Every operation
// requires a finalized communicator.
func (gc *GroupCommunicator[T]) Finalize() {
	gt := gc.gtopo
	ng := gt.NGroups()
	gc.groupLDof.checkRows(ng, "group_ldof table")

	requestCounter := 0
	bufSize := 0
	switch gc.mode {
	case ByGroup:
		for g := 1; g < ng; g++ {
			n := gc.groupLDof.RowSize(g)
			if n == 0 {
				continue
			}
			if gt.IAmMaster(g) {
				k := gt.GroupSize(g) - 1
				requestCounter += k
				bufSize += k * n
			} else {
				requestCounter++
				bufSize += n
			}
		}
	case ByNeighbor:
		gc.buildNeighborTables()
		for nbr := 1; nbr < gt.NumNeighbors(); nbr++ {
			if s := gc.groupsDofs(gc.nbrSendGroups.Row(nbr)); s > 0 {
				requestCounter++
				bufSize += s
			}
			if r := gc.groupsDofs(gc.nbrRecvGroups.Row(nbr)); r > 0 {
				requestCounter++
				bufSize += r
			}
		}
	default:
		panic(fmt.Sprintf("groupcomm: invalid communication mode %d", gc.mode))
	}

	gc.groupBufSize = bufSize
	gc.groupBuf = make([]T, bufSize)
	gc.requests = make([]*transport.Request, 0, requestCounter)
	gc.reqMarker = make([]int, 0, requestCounter)
	gc.reqOffset = make([]int, 0, requestCounter)
	offsets := ng
	if nn := gt.NumNeighbors(); nn > offsets {
		offsets = nn
	}
	gc.bufOffsets = make([]int, offsets)
	gc.commLock = lockNone
	gc.finalized = true
	klog.V(2).Infof("group communicator finalized: rank %d, %d groups, buffer %d elems, %d requests",
		gt.MyRank(), ng, bufSize, requestCounter)
}

// buildNeighborTables constructs nbr_send_groups and
// nbr_recv_groups. Each receive row is sorted by the
// group's number in its master, which is the order the
// master concatenates them in, so aggregated messages
// decode without any per-message framing.
func (gc *GroupCommunicator[T]) buildNeighborTables() {
	gt := gc.gtopo
	sendRows := make([][]int, gt.NumNeighbors())
	recvRows := make([][]int, gt.NumNeighbors())
	for g := 1; g < gt.NGroups(); g++ {
		if gc.groupLDof.RowSize(g) == 0 {
			continue
		}
		if gt.IAmMaster(g) {
			for _, lp := range gt.Group(g) {
				if lp != 0 {
					sendRows[lp] = append(sendRows[lp], g)
				}
			}
		} else {
			recvRows[gt.GroupMaster(g)] = append(recvRows[gt.GroupMaster(g)], g)
		}
	}
	for _, row := range recvRows {
		row := row
		sort.Slice(row, func(i, j int) bool {
			return gt.GroupMasterGroup(row[i]) < gt.GroupMasterGroup(row[j])
		})
	}
	gc.nbrSendGroups = MakeTable(sendRows)
	gc.nbrRecvGroups = MakeTable(recvRows)
}

func (gc *GroupCommunicator[T]) groupsDofs(groups []int) int {
	total := 0
	for _, g := range groups {
		total += gc.groupLDof.RowSize(g)
	}
	return total
}

// groupIndex returns the local-array indices of one group's
// entries under an indexed layout (0 or 2).
func (gc *GroupCommunicator[T]) groupIndex(group, layout int) []int {
	switch layout {
	case 0:
		return gc.groupLDof.Row(group)
	case 2:
		if gc.groupLTDof.NRows() == 0 {
			panic("groupcomm: layout 2 requires SetLTDofTable")
		}
		return gc.groupLTDof.Row(group)
	}
	panic(fmt.Sprintf("groupcomm: layout %d has no index list", layout))
}

// CopyGroupToBuffer copies one group's entries from ldata
// into buf under the given layout and returns the unused
// remainder of buf, so callers can stream groups without
// recomputing offsets.
func (gc *GroupCommunicator[T]) CopyGroupToBuffer(ldata, buf []T, group, layout int) []T {
	if layout == 1 {
		i0, i1 := gc.groupLDof.I[group], gc.groupLDof.I[group+1]
		n := copy(buf, ldata[i0:i1])
		return buf[n:]
	}
	ldofs := gc.groupIndex(group, layout)
	for i, ldof := range ldofs {
		buf[i] = ldata[ldof]
	}
	return buf[len(ldofs):]
}

// CopyGroupFromBuffer copies one group's entries from buf
// into ldata under layout 0 or 1 and returns the unread
// remainder of buf.
func (gc *GroupCommunicator[T]) CopyGroupFromBuffer(buf, ldata []T, group, layout int) []T {
	switch layout {
	case 0:
		ldofs := gc.groupLDof.Row(group)
		for i, ldof := range ldofs {
			ldata[ldof] = buf[i]
		}
		return buf[len(ldofs):]
	case 1:
		i0, i1 := gc.groupLDof.I[group], gc.groupLDof.I[group+1]
		n := copy(ldata[i0:i1], buf[:i1-i0])
		return buf[n:]
	}
	panic(fmt.Sprintf("groupcomm: bad output layout %d", layout))
}

// ReduceGroupFromBuffer combines the contributions staged
// in buf for one group with the entries of ldata under
// layout 0 or 2, using op, and returns the unread remainder
// of buf. The buffer holds one contribution per non-master
// member.
func (gc *GroupCommunicator[T]) ReduceGroupFromBuffer(buf, ldata []T, group, layout int, op ReduceOp[T]) []T {
	opd := OpData[T]{
		NLDofs: gc.groupLDof.RowSize(group),
		NB:     gc.gtopo.GroupSize(group) - 1,
		LDofs:  gc.groupIndex(group, layout),
		LData:  ldata,
	}
	opd.Buf = buf[:opd.NB*opd.NLDofs]
	op(opd)
	return buf[opd.NB*opd.NLDofs:]
}

func (gc *GroupCommunicator[T]) acquire(want lockState, opname string) {
	if !gc.finalized {
		panic("groupcomm: " + opname + " before Finalize")
	}
	if gc.commLock != lockNone {
		panic("groupcomm: " + opname + " while another operation is in flight")
	}
	gc.commLock = want
}

func (gc *GroupCommunicator[T]) checkEnd(have lockState, opname string) {
	if gc.commLock != have {
		panic("groupcomm: " + opname + " without a matching begin")
	}
}

func (gc *GroupCommunicator[T]) postSend(rank, tag int, wire []byte) {
	req := gc.gtopo.Comm().Isend(rank, tag, wire)
	gc.requests = append(gc.requests, req)
	gc.reqMarker = append(gc.reqMarker, -1)
	gc.reqOffset = append(gc.reqOffset, 0)
}

func (gc *GroupCommunicator[T]) postRecv(rank, tag, nelems, marker, offset int) {
	req := gc.gtopo.Comm().Irecv(rank, tag, nelems*gc.codec.Size)
	gc.requests = append(gc.requests, req)
	gc.reqMarker = append(gc.reqMarker, marker)
	gc.reqOffset = append(gc.reqOffset, offset)
}

// finishRequests waits for every outstanding request and
// decodes received payloads into the staging buffer at
// their recorded offsets.
func (gc *GroupCommunicator[T]) finishRequests() {
	for i, req := range gc.requests {
		data := req.Wait()
		if gc.reqMarker[i] < 0 {
			continue
		}
		off := gc.reqOffset[i]
		gc.codec.DecodeSlice(gc.groupBuf[off:off+len(data)/gc.codec.Size], data)
	}
	gc.requests = gc.requests[:0]
	gc.reqMarker = gc.reqMarker[:0]
	gc.reqOffset = gc.reqOffset[:0]
}

// BcastBegin copies each group's master-owned entries from
// ldata (input layout 0 or 2) into the staging buffer,
// issues the non-blocking sends to the other members, and
// issues the receives for groups the local rank does not
// master. It never blocks.
func (gc *GroupCommunicator[T]) BcastBegin(ldata []T, layout int) {
	gc.acquire(lockBcast, "BcastBegin")
	gt := gc.gtopo

	switch gc.mode {
	case ByGroup:
		offset := 0
		for g := 1; g < gt.NGroups(); g++ {
			n := gc.groupLDof.RowSize(g)
			if n == 0 {
				continue
			}
			tag := commTagBase + gt.GroupMasterGroup(g)
			if gt.IAmMaster(g) {
				gc.CopyGroupToBuffer(ldata, gc.groupBuf[offset:], g, layout)
				wire := gc.codec.EncodeSlice(gc.groupBuf[offset : offset+n])
				for _, lp := range gt.Group(g) {
					if lp != 0 {
						gc.postSend(gt.NeighborRank(lp), tag, wire)
					}
				}
			} else {
				gc.bufOffsets[g] = offset
				gc.postRecv(gt.GroupMasterRank(g), tag, n, g, offset)
			}
			offset += n
		}
	case ByNeighbor:
		offset := 0
		for nbr := 1; nbr < gt.NumNeighbors(); nbr++ {
			if sendSize := gc.groupsDofs(gc.nbrSendGroups.Row(nbr)); sendSize > 0 {
				buf := gc.groupBuf[offset:]
				for _, g := range gc.nbrSendGroups.Row(nbr) {
					buf = gc.CopyGroupToBuffer(ldata, buf, g, layout)
				}
				wire := gc.codec.EncodeSlice(gc.groupBuf[offset : offset+sendSize])
				gc.postSend(gt.NeighborRank(nbr), commTagBase, wire)
				offset += sendSize
			}
			if recvSize := gc.groupsDofs(gc.nbrRecvGroups.Row(nbr)); recvSize > 0 {
				gc.bufOffsets[nbr] = offset
				gc.postRecv(gt.NeighborRank(nbr), commTagBase, recvSize, nbr, offset)
				offset += recvSize
			}
		}
	}
}

// BcastEnd blocks until the broadcast started by BcastBegin
// completes, then copies the received data into ldata using
// the output layout (0 or 1) and releases the lock.
func (gc *GroupCommunicator[T]) BcastEnd(ldata []T, layout int) {
	gc.checkEnd(lockBcast, "BcastEnd")
	gc.finishRequests()
	gt := gc.gtopo

	switch gc.mode {
	case ByGroup:
		for g := 1; g < gt.NGroups(); g++ {
			if gc.groupLDof.RowSize(g) == 0 || gt.IAmMaster(g) {
				continue
			}
			gc.CopyGroupFromBuffer(gc.groupBuf[gc.bufOffsets[g]:], ldata, g, layout)
		}
	case ByNeighbor:
		for nbr := 1; nbr < gt.NumNeighbors(); nbr++ {
			if gc.groupsDofs(gc.nbrRecvGroups.Row(nbr)) == 0 {
				continue
			}
			buf := gc.groupBuf[gc.bufOffsets[nbr]:]
			for _, g := range gc.nbrRecvGroups.Row(nbr) {
				buf = gc.CopyGroupFromBuffer(buf, ldata, g, layout)
			}
		}
	}
	gc.commLock = lockNone
}

// Bcast broadcasts within each group with the master as the
// root, using the same layout (0 or 1) on input and output.
func (gc *GroupCommunicator[T]) Bcast(ldata []T, layout int) {
	gc.BcastBegin(ldata, layout)
	gc.BcastEnd(ldata, layout)
}

// ReduceBegin copies each group's entries from ldata
// (always layout 0) into the staging buffer, issues the
// non-blocking sends toward each group's master, and issues
// the receives for groups the local rank masters. It never
// blocks.
func (gc *GroupCommunicator[T]) ReduceBegin(ldata []T) {
	gc.acquire(lockReduce, "ReduceBegin")
	gt := gc.gtopo

	switch gc.mode {
	case ByGroup:
		offset := 0
		for g := 1; g < gt.NGroups(); g++ {
			n := gc.groupLDof.RowSize(g)
			if n == 0 {
				continue
			}
			tag := commTagBase + gt.GroupMasterGroup(g)
			if gt.IAmMaster(g) {
				gc.bufOffsets[g] = offset
				for _, lp := range gt.Group(g) {
					if lp != 0 {
						gc.postRecv(gt.NeighborRank(lp), tag, n, g, offset)
						offset += n
					}
				}
			} else {
				gc.CopyGroupToBuffer(ldata, gc.groupBuf[offset:], g, 0)
				wire := gc.codec.EncodeSlice(gc.groupBuf[offset : offset+n])
				gc.postSend(gt.GroupMasterRank(g), tag, wire)
				offset += n
			}
		}
	case ByNeighbor:
		// Roles swap relative to Bcast: contributions flow
		// along nbr_recv_groups toward each master, and
		// masters receive along nbr_send_groups.
		offset := 0
		for nbr := 1; nbr < gt.NumNeighbors(); nbr++ {
			if sendSize := gc.groupsDofs(gc.nbrRecvGroups.Row(nbr)); sendSize > 0 {
				buf := gc.groupBuf[offset:]
				for _, g := range gc.nbrRecvGroups.Row(nbr) {
					buf = gc.CopyGroupToBuffer(ldata, buf, g, 0)
				}
				wire := gc.codec.EncodeSlice(gc.groupBuf[offset : offset+sendSize])
				gc.postSend(gt.NeighborRank(nbr), commTagBase, wire)
				offset += sendSize
			}
			if recvSize := gc.groupsDofs(gc.nbrSendGroups.Row(nbr)); recvSize > 0 {
				gc.bufOffsets[nbr] = offset
				gc.postRecv(gt.NeighborRank(nbr), commTagBase, recvSize, nbr, offset)
				offset += recvSize
			}
		}
	}
}

// ReduceEnd blocks until the reduction started by
// ReduceBegin completes, combines the arriving
// contributions with ldata under the output layout (0 or 2)
// using op, and releases the lock.
//
// With layout 2 the reduction reads and writes the ldata
// array passed here, not the one passed to ReduceBegin, so
// for groups the local rank masters the two arrays must
// hold identical values.
func (gc *GroupCommunicator[T]) ReduceEnd(ldata []T, layout int, op ReduceOp[T]) {
	gc.checkEnd(lockReduce, "ReduceEnd")
	gc.finishRequests()
	gt := gc.gtopo

	switch gc.mode {
	case ByGroup:
		for g := 1; g < gt.NGroups(); g++ {
			if gc.groupLDof.RowSize(g) == 0 || !gt.IAmMaster(g) {
				continue
			}
			gc.ReduceGroupFromBuffer(gc.groupBuf[gc.bufOffsets[g]:], ldata, g, layout, op)
		}
	case ByNeighbor:
		for nbr := 1; nbr < gt.NumNeighbors(); nbr++ {
			if gc.groupsDofs(gc.nbrSendGroups.Row(nbr)) == 0 {
				continue
			}
			buf := gc.groupBuf[gc.bufOffsets[nbr]:]
			for _, g := range gc.nbrSendGroups.Row(nbr) {
				n := gc.groupLDof.RowSize(g)
				op(OpData[T]{
					NLDofs: n,
					NB:     1,
					LDofs:  gc.groupIndex(g, layout),
					LData:  ldata,
					Buf:    buf[:n],
				})
				buf = buf[n:]
			}
		}
	}
	gc.commLock = lockNone
}

// Reduce reduces within each group with the master as the
// root, using layout 0 and the given operator.
func (gc *GroupCommunicator[T]) Reduce(ldata []T, op ReduceOp[T]) {
	gc.ReduceBegin(ldata)
	gc.ReduceEnd(ldata, 0, op)
}

// PrintInfo writes a summary of the communicator's local
// traffic to w.
func (gc *GroupCommunicator[T]) PrintInfo(w io.Writer) {
	gt := gc.gtopo
	mastered, member := 0, 0
	for g := 1; g < gt.NGroups(); g++ {
		if gc.groupLDof.RowSize(g) == 0 {
			continue
		}
		if gt.IAmMaster(g) {
			mastered++
		} else {
			member++
		}
	}
	fmt.Fprintf(w, "rank %d (%s): %d groups (%d mastered, %d member), %d neighbors, buffer %d elems\n",
		gt.MyRank(), gc.mode, gt.NGroups(), mastered, member, gt.NumNeighbors()-1, gc.groupBufSize)
}
