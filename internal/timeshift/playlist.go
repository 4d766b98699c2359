package timeshift

import (
	"fmt"

	"github.com/grafov/m3u8"
)

// BuildChunkPlaylist renders ready chunks as an HLS media playlist whose
// segments are the raw chunk URIs under prefix. The media sequence is the
// first chunk id, a hole in the ids is marked as a discontinuity, and an
// ended recording gets #EXT-X-ENDLIST.
func BuildChunkPlaylist(chunks []Chunk, prefix string, ended bool) (string, error) {
	p, err := m3u8.NewMediaPlaylist(0, uint(max(len(chunks), 1)))
	if err != nil {
		return "", fmt.Errorf("new playlist: %w", err)
	}

	if len(chunks) > 0 {
		p.SeqNo = uint64(chunks[0].ID)
	}
	for i, c := range chunks {
		if err := p.Append(fmt.Sprintf("%s%d", prefix, c.ID), float64(c.DurationMs)/1000, ""); err != nil {
			return "", fmt.Errorf("append chunk %d: %w", c.ID, err)
		}
		if i > 0 && c.ID != chunks[i-1].ID+1 {
			if err := p.SetDiscontinuity(); err != nil {
				return "", fmt.Errorf("mark chunk %d: %w", c.ID, err)
			}
		}
	}
	if ended {
		p.Close()
	}
	return p.Encode().String(), nil
}
