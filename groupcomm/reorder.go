package groupcomm

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/distmesh/groupcomm/transport"
)

// ReorderRanksZCurve returns a communicator whose ranks are
// renumbered to follow the Z-order curve over the physical
// node coordinates, so that ranks close in number are close
// in the machine. When the transport has no coordinate
// information the input communicator is returned unchanged.
//
// The call is collective and does not mutate the input
// communicator.
func ReorderRanksZCurve(c *transport.Comm) *transport.Comm {
	coords, ok := c.NodeCoords()
	if !ok {
		klog.V(1).Info("rank reorder skipped: no physical node coordinates")
		return c
	}

	// Agree on per-dimension bit widths by gathering every
	// rank's coordinates.
	codec := CodecFor[int32]()
	mine := make([]int32, len(coords))
	for i, v := range coords {
		if v < 0 {
			panic(fmt.Sprintf("groupcomm: negative node coordinate %d", v))
		}
		mine[i] = int32(v)
	}
	maxCoord := make([]int, len(coords))
	for rank, wire := range c.Allgather(codec.EncodeSlice(mine)) {
		theirs := make([]int32, len(wire)/codec.Size)
		codec.DecodeSlice(theirs, wire)
		if len(theirs) != len(coords) {
			panic(fmt.Sprintf("groupcomm: rank %d has %d node coordinates, rank %d has %d",
				c.Rank(), len(coords), rank, len(theirs)))
		}
		for i, v := range theirs {
			if int(v) > maxCoord[i] {
				maxCoord[i] = int(v)
			}
		}
	}

	return c.Split(0, zOrderKey(coords, maxCoord))
}

// zOrderKey interleaves the bits of the coordinates, least
// significant bit first, dimension 0 first. Dimensions only
// contribute as many bits as the global maximum coordinate
// in that dimension needs.
func zOrderKey(coords, maxCoord []int) int {
	bits := make([]int, len(coords))
	maxBits := 0
	for i, m := range maxCoord {
		for m > 0 {
			bits[i]++
			m >>= 1
		}
		if bits[i] > maxBits {
			maxBits = bits[i]
		}
	}
	key, shift := 0, 0
	for b := 0; b < maxBits; b++ {
		for d := range coords {
			if b < bits[d] {
				key |= ((coords[d] >> b) & 1) << shift
				shift++
			}
		}
	}
	return key
}
