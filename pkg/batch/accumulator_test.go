package batch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlingest/mlingest/pkg/dataset"
)

func rec(id string) dataset.Record { return dataset.Record{UniqueID: id} }

func TestAccumulatorDuplicateIDs(t *testing.T) {
	a := NewAccumulator(2)

	b, err := a.Add(rec("1"))
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = a.Add(rec("2"))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 1, b.Seq)
	assert.Equal(t, []string{"1", "2"}, b.IDs())

	b, err = a.Add(rec("2"))
	assert.Nil(t, b)
	var dup *dataset.DuplicateRecordError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "2", dup.UniqueID)

	assert.Nil(t, a.Flush())
	assert.Equal(t, 2, a.Seen())
	assert.True(t, a.Contains("2"))
	assert.False(t, a.Contains("3"))
}

func TestAccumulatorBatchSizes(t *testing.T) {
	for _, tt := range []struct {
		records, size int
		want          []int
	}{
		{10, 3, []int{3, 3, 3, 1}},
		{9, 3, []int{3, 3, 3}},
		{2, 5, []int{2}},
		{0, 4, nil},
		{3, 0, []int{1, 1, 1}},
	} {
		t.Run(fmt.Sprintf("%d_by_%d", tt.records, tt.size), func(t *testing.T) {
			a := NewAccumulator(tt.size)
			var sizes []int
			for i := 0; i < tt.records; i++ {
				b, err := a.Add(rec(fmt.Sprint(i)))
				require.NoError(t, err)
				if b != nil {
					sizes = append(sizes, b.Len())
				}
			}
			if b := a.Flush(); b != nil {
				sizes = append(sizes, b.Len())
			}
			assert.Equal(t, tt.want, sizes)
		})
	}
}

func TestAccumulatorBatchSeq(t *testing.T) {
	a := NewAccumulator(1)
	for i := 1; i <= 3; i++ {
		b, err := a.Add(rec(fmt.Sprint(i)))
		require.NoError(t, err)
		assert.Equal(t, i, b.Seq)
	}
}

func TestAccumulatorConcurrentAdd(t *testing.T) {
	a := NewAccumulator(7)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		batched int
		dups    int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b, err := a.Add(rec(fmt.Sprint(i)))
				mu.Lock()
				if err != nil {
					dups++
				}
				if b != nil {
					assert.Equal(t, 7, b.Len())
					batched += b.Len()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if b := a.Flush(); b != nil {
		batched += b.Len()
	}

	assert.Equal(t, 100, batched, "each id is batched exactly once")
	assert.Equal(t, 700, dups)
	assert.Equal(t, 100, a.Seen())
}
