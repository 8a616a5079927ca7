package groupcomm

import "fmt"

// A Table stores rows of integers in compressed sparse row
// form: row r occupies J[I[r]:I[r+1]]. Rows may be empty.
type Table struct {
	I []int
	J []int
}

// MakeTable flattens rows into a Table, preserving the
// order of entries within each row.
func MakeTable(rows [][]int) Table {
	t := Table{I: make([]int, len(rows)+1)}
	total := 0
	for r, row := range rows {
		t.I[r] = total
		total += len(row)
	}
	t.I[len(rows)] = total
	t.J = make([]int, 0, total)
	for _, row := range rows {
		t.J = append(t.J, row...)
	}
	return t
}

// NRows returns the number of rows.
func (t Table) NRows() int {
	if len(t.I) == 0 {
		return 0
	}
	return len(t.I) - 1
}

// RowSize returns the number of entries in row r.
func (t Table) RowSize(r int) int {
	return t.I[r+1] - t.I[r]
}

// Row returns the entries of row r as a view into the
// table; callers must not grow it.
func (t Table) Row(r int) []int {
	return t.J[t.I[r]:t.I[r+1]]
}

// Copy returns a deep copy of the table.
func (t Table) Copy() Table {
	return Table{
		I: append([]int(nil), t.I...),
		J: append([]int(nil), t.J...),
	}
}

func (t Table) checkRows(want int, name string) {
	if t.NRows() != want {
		panic(fmt.Sprintf("groupcomm: %s has %d rows, want %d", name, t.NRows(), want))
	}
}
