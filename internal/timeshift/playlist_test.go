package timeshift

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildChunkPlaylist(t *testing.T) {
	chunks := []Chunk{
		readyChunk(3, 0, 100, 0, 8000),
		readyChunk(4, 100, 100, 8000, 8000),
		readyChunk(6, 300, 100, 24000, 6500),
	}

	t.Run("live", func(t *testing.T) {
		out, err := BuildChunkPlaylist(chunks, "chunks/", false)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(out, "#EXTM3U"))
		require.Contains(t, out, "#EXT-X-MEDIA-SEQUENCE:3")
		require.Contains(t, out, "chunks/3\n")
		require.Contains(t, out, "chunks/4\n")
		require.Contains(t, out, "chunks/6\n")
		require.NotContains(t, out, "#EXT-X-ENDLIST")

		// the discontinuity comes right before the chunk after the hole
		disc := strings.Index(out, "#EXT-X-DISCONTINUITY")
		require.Positive(t, disc)
		require.Greater(t, disc, strings.Index(out, "chunks/4"))
		require.Less(t, disc, strings.Index(out, "chunks/6"))
		require.Equal(t, 1, strings.Count(out, "#EXT-X-DISCONTINUITY"))
	})

	t.Run("ended", func(t *testing.T) {
		out, err := BuildChunkPlaylist(chunks, "chunks/", true)
		require.NoError(t, err)
		require.Contains(t, out, "#EXT-X-ENDLIST")
	})

	t.Run("empty", func(t *testing.T) {
		out, err := BuildChunkPlaylist(nil, "chunks/", false)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(out, "#EXTM3U"))
		require.NotContains(t, out, "#EXTINF")
	})
}
