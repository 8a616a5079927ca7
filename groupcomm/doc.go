// Package groupcomm synchronizes values that are shared
// across the partition boundaries of a distributed data
// structure.
//
// Shared entities are organized into groups of ranks, each
// with a single canonical master. A GroupTopology discovers
// and numbers the groups from a partition description; a
// GroupCommunicator then broadcasts values from each master
// to its group, or reduces each group's values into its
// master, with split-phase begin/end pairs so communication
// can overlap with computation. VarMessage is a standalone
// tagged variable-length message for arbitrary
// point-to-point exchanges over the same transport.
package groupcomm
