package partition

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func newSpec(entities []string, from, to, size int) types.JobSpec {
	return types.JobSpec{
		ID:        "job",
		Entities:  entities,
		Start:     day(from),
		End:       day(to),
		BatchSize: size,
	}
}

func TestPartition_FourEntitiesTenDays(t *testing.T) {
	spec := newSpec([]string{"BTC", "ETH", "SOL", "ADA"}, 1, 10, 5)

	batches := slices.Collect(Partition(spec))
	require.Len(t, batches, 8)
	assert.Equal(t, 8, Count(spec))

	// time axis first: two contiguous chunks per entity
	for i, b := range batches {
		assert.Equal(t, i, b.Index)
		assert.Equal(t, BatchID("job", i), b.ID)
		require.Len(t, b.Entities, 1)
		assert.Equal(t, spec.Entities[i/2], b.Entities[0])
		if i%2 == 0 {
			assert.Equal(t, day(1), b.Start)
			assert.Equal(t, day(5), b.End)
		} else {
			assert.Equal(t, day(6), b.Start)
			assert.Equal(t, day(10), b.End)
		}
	}
}

func TestPartition_Deterministic(t *testing.T) {
	spec := newSpec([]string{"BTC", "ETH", "SOL"}, 1, 31, 7)

	first := slices.Collect(Partition(spec))
	second := slices.Collect(Partition(spec))
	assert.Equal(t, first, second)
	assert.Equal(t, Count(spec), len(first))
}

func TestPartition_LastChunkIsShort(t *testing.T) {
	spec := newSpec([]string{"BTC"}, 1, 10, 4)

	batches := slices.Collect(Partition(spec))
	require.Len(t, batches, 3)
	assert.Equal(t, day(9), batches[2].Start)
	assert.Equal(t, day(10), batches[2].End)
}

func TestPartition_EntityAxis(t *testing.T) {
	spec := newSpec([]string{"A", "B", "C", "D", "E"}, 1, 2, 2)
	spec.Axis = types.AxisEntity

	batches := slices.Collect(Partition(spec))
	require.Len(t, batches, 6)
	assert.Equal(t, 6, Count(spec))
	assert.Equal(t, []string{"A", "B"}, batches[0].Entities)
	assert.Equal(t, []string{"E"}, batches[2].Entities)
	assert.Equal(t, day(2), batches[3].Start)
	assert.Equal(t, batches[3].Start, batches[3].End)
}

func TestPartition_Empty(t *testing.T) {
	tests := []struct {
		name string
		spec types.JobSpec
	}{
		{name: "no entities", spec: newSpec(nil, 1, 10, 5)},
		{name: "inverted range", spec: newSpec([]string{"BTC"}, 10, 1, 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, slices.Collect(Partition(tt.spec)))
			assert.Zero(t, Count(tt.spec))
		})
	}
}

func TestPartition_EarlyStop(t *testing.T) {
	spec := newSpec([]string{"BTC", "ETH"}, 1, 31, 1)

	seen := 0
	for range Partition(spec) {
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)
}
