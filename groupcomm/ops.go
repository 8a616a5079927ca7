package groupcomm

// OpData describes one group's worth of data during a
// reduction: the local array, the staged incoming
// contributions, and the index list tying them together.
// Operators work on whole groups at a time, so a reduction
// pays no dispatch cost per element.
type OpData[T Elem] struct {
	// NLDofs is the number of entries the group
	// contributes.
	NLDofs int
	// NB is the number of incoming contributions staged in
	// Buf.
	NB int
	// LDofs holds the NLDofs indices into LData for the
	// group's entries.
	LDofs []int
	// LData is the local array the result is written to.
	LData []T
	// Buf holds NB consecutive runs of NLDofs incoming
	// values.
	Buf []T
}

// A ReduceOp combines the staged contributions in an OpData
// with the local values, writing the result into LData. It
// must be associative and commutative: contributions arrive
// in no particular order.
type ReduceOp[T Elem] func(OpData[T])

// Sum adds all contributions into the local values.
func Sum[T Elem](opd OpData[T]) {
	if opd.NB == 1 {
		for i, ldof := range opd.LDofs {
			opd.LData[ldof] += opd.Buf[i]
		}
		return
	}
	for i, ldof := range opd.LDofs {
		v := opd.LData[ldof]
		for j := 0; j < opd.NB; j++ {
			v += opd.Buf[j*opd.NLDofs+i]
		}
		opd.LData[ldof] = v
	}
}

// Min keeps the smallest value seen for each entry.
func Min[T Elem](opd OpData[T]) {
	for i, ldof := range opd.LDofs {
		v := opd.LData[ldof]
		for j := 0; j < opd.NB; j++ {
			if b := opd.Buf[j*opd.NLDofs+i]; b < v {
				v = b
			}
		}
		opd.LData[ldof] = v
	}
}

// Max keeps the largest value seen for each entry.
func Max[T Elem](opd OpData[T]) {
	for i, ldof := range opd.LDofs {
		v := opd.LData[ldof]
		for j := 0; j < opd.NB; j++ {
			if b := opd.Buf[j*opd.NLDofs+i]; b > v {
				v = b
			}
		}
		opd.LData[ldof] = v
	}
}

// BitOR ors all contributions into the local values.
func BitOR[T IntElem](opd OpData[T]) {
	for i, ldof := range opd.LDofs {
		v := opd.LData[ldof]
		for j := 0; j < opd.NB; j++ {
			v |= opd.Buf[j*opd.NLDofs+i]
		}
		opd.LData[ldof] = v
	}
}
