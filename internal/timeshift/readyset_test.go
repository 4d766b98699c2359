package timeshift

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func readyChunk(id ChunkID, start int64, length int, startMs uint64, durMs uint32) Chunk {
	return Chunk{
		ID:          id,
		StartOffset: start,
		EndOffset:   start + int64(length),
		Length:      length,
		Ref:         FileRef{Name: readyName(id)},
		State:       ChunkReady,
		StartTimeMs: startMs,
		DurationMs:  durMs,
	}
}

func TestReadySet_Append(t *testing.T) {
	var r readySet
	require.NoError(t, r.append(readyChunk(0, 0, 100, 0, 10)))
	require.NoError(t, r.append(readyChunk(1, 100, 100, 10, 10)))

	t.Run("id_must_increase", func(t *testing.T) {
		require.Error(t, r.append(readyChunk(1, 200, 100, 20, 10)))
	})

	t.Run("adjacent_ids_are_contiguous", func(t *testing.T) {
		require.Error(t, r.append(readyChunk(2, 250, 100, 20, 10)))
	})

	t.Run("no_overlap_across_holes", func(t *testing.T) {
		require.Error(t, r.append(readyChunk(3, 150, 100, 20, 10)))
	})

	require.NoError(t, r.append(readyChunk(3, 300, 100, 30, 10)))
	require.Equal(t, 3, r.len())
	require.Equal(t, int64(300), r.bytes)
	require.Equal(t, uint64(30), r.durationMs())

	c := r.popFront()
	require.Equal(t, ChunkID(0), c.ID)
	require.Equal(t, int64(200), r.bytes)
}

func TestReadySet_Lookup(t *testing.T) {
	var r readySet
	require.NoError(t, r.append(readyChunk(0, 0, 100, 0, 1000)))
	require.NoError(t, r.append(readyChunk(1, 100, 100, 1000, 1000)))
	// chunk 2 was dropped
	require.NoError(t, r.append(readyChunk(3, 300, 100, 3000, 1000)))

	for _, tc := range []struct {
		name   string
		offset int64
		want   int
		found  bool
	}{
		{"first_byte", 0, 0, true},
		{"chunk_end_is_next_start", 100, 1, true},
		{"last_byte", 399, 2, true},
		{"hole", 250, 0, false},
		{"past_end", 400, 0, false},
		{"negative", -1, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			i, ok := r.findForOffset(tc.offset)
			require.Equal(t, tc.found, ok)
			if ok {
				require.Equal(t, tc.want, i)
			}
		})
	}

	i, ok := r.nextAfter(250)
	require.True(t, ok)
	require.Equal(t, ChunkID(3), r.at(i).ID)
	_, ok = r.nextAfter(300)
	require.False(t, ok)

	next, ok := r.after(1)
	require.True(t, ok)
	require.Equal(t, ChunkID(3), next.ID)
	prev, ok := r.before(3)
	require.True(t, ok)
	require.Equal(t, ChunkID(1), prev.ID)
	_, ok = r.before(0)
	require.False(t, ok)

	require.Equal(t, 0, r.findForTime(0))
	require.Equal(t, 1, r.findForTime(2500))
	require.Equal(t, 2, r.findForTime(9000))

	require.True(t, r.setRef(3, FileRef{Name: readyName(3)}, PoolRef{Slot: 3}))
	require.False(t, r.setRef(3, FileRef{Name: readyName(3)}, PoolRef{Slot: 1}))
	require.Equal(t, 1, r.countMode(ModePool))
}
