package notebook

// Delta is one step of a structural change to the cell list, read left to
// right with a cursor: Retain skips cells, Delete removes cells at the
// cursor, Insert places cells at the cursor. Exactly one field is set.
type Delta struct {
	Retain int
	Delete int
	Insert []*Cell
}

// Change describes one committed transaction. CellsChange is empty when
// only document metadata changed.
type Change struct {
	CellsChange  []Delta
	MetadataKeys []string
}

type diffOp int

const (
	opEqual diffOp = iota
	opDelete
	opInsert
)

// diffCells derives the delta that turns before into after. Cells are
// compared by object identity, so a cell replaced by a copy (a move) shows up
// as a delete plus an insert.
func diffCells(before, after []*Cell) []Delta {
	n, m := len(before), len(after)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if before[i] == after[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	var deltas []Delta
	push := func(op diffOp, cell *Cell) {
		last := len(deltas) - 1
		switch op {
		case opEqual:
			if last >= 0 && deltas[last].Retain > 0 {
				deltas[last].Retain++
				return
			}
			deltas = append(deltas, Delta{Retain: 1})
		case opDelete:
			if last >= 0 && deltas[last].Delete > 0 {
				deltas[last].Delete++
				return
			}
			deltas = append(deltas, Delta{Delete: 1})
		case opInsert:
			if last >= 0 && deltas[last].Insert != nil {
				deltas[last].Insert = append(deltas[last].Insert, cell)
				return
			}
			deltas = append(deltas, Delta{Insert: []*Cell{cell}})
		}
	}

	i, j := 0, 0
	for i < n && j < m {
		switch {
		case before[i] == after[j]:
			push(opEqual, nil)
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			push(opDelete, nil)
			i++
		default:
			push(opInsert, after[j])
			j++
		}
	}
	for ; i < n; i++ {
		push(opDelete, nil)
	}
	for ; j < m; j++ {
		push(opInsert, after[j])
	}
	if last := len(deltas) - 1; last >= 0 && deltas[last].Retain > 0 {
		deltas = deltas[:last]
	}
	return deltas
}
