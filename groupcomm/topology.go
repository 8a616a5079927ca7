package groupcomm

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/distmesh/groupcomm/transport"
)

// A GroupTopology stores, for every group of ranks that
// jointly own shared entities, the group's members, its
// master, and the index the master uses for the group in
// its own numbering.
//
// Neighbors are ranks sharing at least one group with the
// local rank, identified by small local ids; neighbor 0 is
// always the local rank itself. Group 0 is the degenerate
// local-only group.
//
// A topology is built once with Create and read-only
// afterwards.
type GroupTopology struct {
	comm *transport.Comm

	// Neighbor ids of the members of each group; row 0 is
	// the local group and starts with neighbor 0.
	groupLProc Table
	// Master neighbor id of each group.
	groupMasterLProc []int
	// Rank of each neighbor; lprocProc[0] is the local
	// rank.
	lprocProc []int
	// Index of each group in its master's own numbering.
	groupMGroup []int
}

// NewGroupTopology creates an empty topology over the given
// communicator. Call Create before using it.
func NewGroupTopology(c *transport.Comm) *GroupTopology {
	return &GroupTopology{comm: c}
}

// Comm returns the underlying communicator.
func (gt *GroupTopology) Comm() *transport.Comm {
	return gt.comm
}

// MyRank returns the local rank.
func (gt *GroupTopology) MyRank() int {
	return gt.comm.Rank()
}

// NRanks returns the communicator size.
func (gt *GroupTopology) NRanks() int {
	return gt.comm.Size()
}

// Create builds the group tables from a partition
// description: one sorted set of ranks per class of shared
// entity, each set containing the local rank. Duplicate
// sets collapse into one group. The tag is used for the one
// round of point-to-point exchange that aligns group
// numbering with each master.
//
// Malformed input (an empty set, a rank out of range, or a
// set not containing the local rank) is a fatal
// precondition violation.
//
// Create is collective: every rank of the communicator must
// call it with a consistent description.
func (gt *GroupTopology) Create(groups [][]int, tag int) {
	me := gt.MyRank()

	lproc := map[int]int{me: 0}
	gt.lprocProc = []int{me}
	rows := [][]int{{me}}
	byKey := map[string]int{setKey(rows[0]): 0}

	for _, set := range groups {
		if len(set) == 0 {
			panic("groupcomm: empty group set")
		}
		s := append([]int(nil), set...)
		sort.Ints(s)
		containsMe := false
		for _, r := range s {
			if r < 0 || r >= gt.NRanks() {
				panic(fmt.Sprintf("groupcomm: rank %d out of range [0, %d)", r, gt.NRanks()))
			}
			if r == me {
				containsMe = true
			}
		}
		if !containsMe {
			panic(fmt.Sprintf("groupcomm: group set %v does not contain the local rank %d", s, me))
		}
		k := setKey(s)
		if _, ok := byKey[k]; ok {
			continue
		}
		byKey[k] = len(rows)
		rows = append(rows, s)
		for _, r := range s {
			if _, ok := lproc[r]; !ok {
				lproc[r] = len(gt.lprocProc)
				gt.lprocProc = append(gt.lprocProc, r)
			}
		}
	}

	ngroups := len(rows)
	lrows := make([][]int, ngroups)
	gt.groupMasterLProc = make([]int, ngroups)
	gt.groupMGroup = make([]int, ngroups)
	for g, row := range rows {
		lr := make([]int, len(row))
		for i, r := range row {
			lr[i] = lproc[r]
		}
		lrows[g] = lr
		// The master is the member with the smallest rank,
		// so every member computes the same one. The rows
		// are sorted, so that is row[0].
		gt.groupMasterLProc[g] = lproc[row[0]]
		if row[0] == me {
			gt.groupMGroup[g] = g
		} else {
			gt.groupMGroup[g] = -1
		}
	}
	gt.groupLProc = MakeTable(lrows)

	gt.exchangeMasterGroups(rows, byKey, tag)
	klog.V(2).Infof("group topology created: rank %d, %d groups, %d neighbors",
		me, ngroups, len(gt.lprocProc))
}

// exchangeMasterGroups fills groupMGroup for the groups the
// local rank does not master. Group numbering is locally
// independent, so each master sends every neighbor the rank
// sets and local indices of the groups it masters that
// contain that neighbor; receivers match the rank sets
// against their own numbering.
func (gt *GroupTopology) exchangeMasterGroups(rows [][]int, byKey map[string]int, tag int) {
	sendMsgs := map[int]*VarMessage{}
	recvMsgs := map[int]*VarMessage{}

	for g := 1; g < gt.NGroups(); g++ {
		if gt.IAmMaster(g) {
			for _, lp := range gt.Group(g) {
				if lp == 0 {
					continue
				}
				rank := gt.NeighborRank(lp)
				msg := sendMsgs[rank]
				if msg == nil {
					msg = &VarMessage{Tag: tag, Body: &masterGroupsMsg{}}
					sendMsgs[rank] = msg
				}
				body := msg.Body.(*masterGroupsMsg)
				body.entries = append(body.entries, masterGroupEntry{ranks: rows[g], id: g})
			}
		} else if rank := gt.GroupMasterRank(g); recvMsgs[rank] == nil {
			recvMsgs[rank] = &VarMessage{Tag: tag, Body: &masterGroupsMsg{}}
		}
	}

	IsendAll(sendMsgs, gt.comm)
	RecvAll(recvMsgs, gt.comm)

	for rank, msg := range recvMsgs {
		for _, ent := range msg.Body.(*masterGroupsMsg).entries {
			g, ok := byKey[setKey(ent.ranks)]
			if !ok || gt.GroupMasterRank(g) != rank {
				panic(fmt.Sprintf("groupcomm: rank %d announced an unknown group %v", rank, ent.ranks))
			}
			gt.groupMGroup[g] = ent.id
		}
	}
	WaitAllSent(sendMsgs)

	for g, mg := range gt.groupMGroup {
		if mg < 0 {
			panic(fmt.Sprintf("groupcomm: no master numbering received for group %d", g))
		}
	}
}

// NGroups returns the number of groups, including the local
// group 0.
func (gt *GroupTopology) NGroups() int {
	return gt.groupLProc.NRows()
}

// NumNeighbors returns the number of neighbors including
// the local rank.
func (gt *GroupTopology) NumNeighbors() int {
	return len(gt.lprocProc)
}

// NeighborRank returns the rank of neighbor i.
func (gt *GroupTopology) NeighborRank(i int) int {
	return gt.lprocProc[i]
}

// IAmMaster reports whether the local rank masters group g.
func (gt *GroupTopology) IAmMaster(g int) bool {
	return gt.groupMasterLProc[g] == 0
}

// GroupMaster returns the neighbor id of group g's master.
func (gt *GroupTopology) GroupMaster(g int) int {
	return gt.groupMasterLProc[g]
}

// GroupMasterRank returns the rank of group g's master.
func (gt *GroupTopology) GroupMasterRank(g int) int {
	return gt.lprocProc[gt.groupMasterLProc[g]]
}

// GroupMasterGroup returns the index of group g in its
// master's own numbering.
func (gt *GroupTopology) GroupMasterGroup(g int) int {
	return gt.groupMGroup[g]
}

// GroupSize returns the number of ranks in group g.
func (gt *GroupTopology) GroupSize(g int) int {
	return gt.groupLProc.RowSize(g)
}

// Group returns the neighbor ids of group g's members as a
// view; callers must not modify it.
func (gt *GroupTopology) Group(g int) []int {
	return gt.groupLProc.Row(g)
}

// Copy returns a deep copy of the topology sharing the same
// communicator.
func (gt *GroupTopology) Copy() *GroupTopology {
	return &GroupTopology{
		comm:             gt.comm,
		groupLProc:       gt.groupLProc.Copy(),
		groupMasterLProc: append([]int(nil), gt.groupMasterLProc...),
		lprocProc:        append([]int(nil), gt.lprocProc...),
		groupMGroup:      append([]int(nil), gt.groupMGroup...),
	}
}

// Save writes the group tables to w in a stable text
// format: group count, neighbor ranks, per-group member
// lists, master ids, then master-group indices.
func (gt *GroupTopology) Save(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "communication_groups\ngroups %d\nneighbors %d\n",
		gt.NGroups(), gt.NumNeighbors()); err != nil {
		return errors.Wrap(err, "save group topology")
	}
	if err := writeInts(w, gt.lprocProc); err != nil {
		return errors.Wrap(err, "save neighbor ranks")
	}
	for g := 0; g < gt.NGroups(); g++ {
		row := gt.Group(g)
		if _, err := fmt.Fprintf(w, "%d", len(row)); err != nil {
			return errors.Wrap(err, "save group members")
		}
		for _, lp := range row {
			if _, err := fmt.Fprintf(w, " %d", lp); err != nil {
				return errors.Wrap(err, "save group members")
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return errors.Wrap(err, "save group members")
		}
	}
	if err := writeInts(w, gt.groupMasterLProc); err != nil {
		return errors.Wrap(err, "save group masters")
	}
	if err := writeInts(w, gt.groupMGroup); err != nil {
		return errors.Wrap(err, "save master group indices")
	}
	return nil
}

// Load reads tables written by Save, replacing the current
// ones. The communicator is left unchanged.
func (gt *GroupTopology) Load(r io.Reader) error {
	var header, groupsLabel, neighborsLabel string
	var ngroups, nneighbors int
	if _, err := fmt.Fscan(r, &header, &groupsLabel, &ngroups, &neighborsLabel, &nneighbors); err != nil {
		return errors.Wrap(err, "load group topology header")
	}
	return gt.load(r, header, ngroups, nneighbors)
}

func (gt *GroupTopology) load(r io.Reader, header string, ngroups, nneighbors int) error {
	if header != "communication_groups" || ngroups < 1 || nneighbors < 1 {
		return errors.Errorf("malformed group topology header %q (%d groups, %d neighbors)",
			header, ngroups, nneighbors)
	}
	lprocProc, err := readInts(r, nneighbors)
	if err != nil {
		return errors.Wrap(err, "load neighbor ranks")
	}
	rows := make([][]int, ngroups)
	for g := range rows {
		var n int
		if _, err := fmt.Fscan(r, &n); err != nil {
			return errors.Wrapf(err, "load size of group %d", g)
		}
		if rows[g], err = readInts(r, n); err != nil {
			return errors.Wrapf(err, "load members of group %d", g)
		}
	}
	masters, err := readInts(r, ngroups)
	if err != nil {
		return errors.Wrap(err, "load group masters")
	}
	mgroups, err := readInts(r, ngroups)
	if err != nil {
		return errors.Wrap(err, "load master group indices")
	}
	gt.lprocProc = lprocProc
	gt.groupLProc = MakeTable(rows)
	gt.groupMasterLProc = masters
	gt.groupMGroup = mgroups
	return nil
}

func writeInts(w io.Writer, vals []int) error {
	for i, v := range vals {
		sep := " "
		if i == 0 {
			sep = ""
		}
		if _, err := fmt.Fprintf(w, "%s%d", sep, v); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

func readInts(r io.Reader, n int) ([]int, error) {
	vals := make([]int, n)
	for i := range vals {
		if _, err := fmt.Fscan(r, &vals[i]); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// setKey builds a canonical map key for a sorted rank set.
func setKey(ranks []int) string {
	var sb strings.Builder
	for i, r := range ranks {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(r))
	}
	return sb.String()
}

// masterGroupEntry announces one group in its master's
// numbering: the member ranks identify the group, id is the
// master's index for it.
type masterGroupEntry struct {
	ranks []int
	id    int
}

// masterGroupsMsg is the VarMessage body used during Create
// to align group numbering with each master.
type masterGroupsMsg struct {
	entries []masterGroupEntry
}

func (m *masterGroupsMsg) Encode(rank int) []byte {
	n := 4
	for _, e := range m.entries {
		n += 8 + 4*len(e.ranks)
	}
	out := make([]byte, n)
	binary.LittleEndian.PutUint32(out, uint32(len(m.entries)))
	off := 4
	for _, e := range m.entries {
		binary.LittleEndian.PutUint32(out[off:], uint32(len(e.ranks)))
		off += 4
		for _, r := range e.ranks {
			binary.LittleEndian.PutUint32(out[off:], uint32(r))
			off += 4
		}
		binary.LittleEndian.PutUint32(out[off:], uint32(e.id))
		off += 4
	}
	return out
}

func (m *masterGroupsMsg) Decode(rank int, data []byte) {
	count := int(binary.LittleEndian.Uint32(data))
	off := 4
	m.entries = make([]masterGroupEntry, count)
	for i := range m.entries {
		nranks := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		ranks := make([]int, nranks)
		for j := range ranks {
			ranks[j] = int(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		m.entries[i] = masterGroupEntry{
			ranks: ranks,
			id:    int(binary.LittleEndian.Uint32(data[off:])),
		}
		off += 4
	}
}
