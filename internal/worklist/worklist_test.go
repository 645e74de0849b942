package worklist

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func key(n int) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return b[:]
}

func TestWorklistReadyOrdering(t *testing.T) {
	w := New[int](4)
	w.InsertReady(1, key(1))
	w.Insert(2, key(2), 1)
	w.Insert(3, key(3), 2)

	var processed []int
	w.ExecuteSimple(func(item int) []int {
		processed = append(processed, item)
		switch item {
		case 1:
			return []int{2, 3}
		case 2:
			return []int{3}
		}
		return nil
	})

	assert.Equal(t, []int{1, 2, 3}, processed)
}

func TestWorklistFrontierBatches(t *testing.T) {
	w := New[int](4)
	w.InsertReady(1, key(1))
	w.InsertReady(2, key(2))
	w.Insert(3, key(3), 2)

	var batches [][]int
	w.ExecuteFrontier(func(frontier []int) []int {
		cp := append([]int(nil), frontier...)
		batches = append(batches, cp)
		var next []int
		for range frontier {
			next = append(next, 3)
		}
		return next
	})

	assert.Len(t, batches, 2)
	assert.ElementsMatch(t, []int{1, 2}, batches[0])
	assert.ElementsMatch(t, []int{3}, batches[1])
}

func TestWorklistDuplicateInsertIgnored(t *testing.T) {
	w := New[int](4)
	w.InsertReady(5, key(5))
	w.Insert(5, key(5), 3) // should be ignored: already seen
	assert.True(t, w.seenSet[5])
	assert.Empty(t, w.pending)
}
