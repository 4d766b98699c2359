package seektable

// ChunkInfo summarizes the frames found in one self-contained byte range.
type ChunkInfo struct {
	Frames      int
	Samples     uint64
	SampleRate  int
	DurationMs  uint32
	BitrateKbps int
}

// Scan walks every frame in data. A frame split at the start of data is
// skipped by resynchronizing; a frame split at the end is counted.
func Scan(data []byte) ChunkInfo {
	var (
		info       ChunkInfo
		durationUs uint64
		kbpsSum    int
	)

	pos := 0
	for {
		start, f, ok := nextFrame(data, pos)
		if !ok {
			break
		}
		info.Frames++
		info.Samples += uint64(f.samples)
		durationUs += uint64(f.samples) * 1000000 / uint64(f.sampleRate)
		kbpsSum += f.bitrateKbps
		if info.SampleRate == 0 {
			info.SampleRate = f.sampleRate
		}
		pos = start + f.length
	}

	if info.Frames > 0 {
		info.DurationMs = uint32(durationUs / 1000)
		info.BitrateKbps = kbpsSum / info.Frames
	}
	return info
}
