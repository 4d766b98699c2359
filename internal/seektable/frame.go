package seektable

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg1audio"
)

const (
	headerLen   = 4
	minFrameLen = 24
	maxFrameLen = 2881
)

type frame struct {
	length      int
	samples     int
	sampleRate  int
	bitrateKbps int
}

func isSync(b0, b1 byte) bool {
	return b0 == 0xFF && b1&0xE0 == 0xE0
}

// parseHeader decodes a 4-byte frame header. MPEG-2.5, free-format and
// reserved field values are rejected before the header reaches mpeg1audio.
func parseHeader(b []byte) (frame, bool) {
	if len(b) < headerLen || !isSync(b[0], b[1]) {
		return frame{}, false
	}

	version := (b[1] >> 3) & 0x03
	layer := (b[1] >> 1) & 0x03
	bitrateIdx := b[2] >> 4
	srIdx := (b[2] >> 2) & 0x03
	if version < 2 || layer == 0 || bitrateIdx == 0 || bitrateIdx == 0x0F || srIdx == 0x03 {
		return frame{}, false
	}

	var scratch [8]byte
	copy(scratch[:], b[:headerLen])

	var h mpeg1audio.FrameHeader
	if err := h.Unmarshal(scratch[:]); err != nil {
		return frame{}, false
	}
	if h.SampleRate <= 0 || h.Bitrate <= 0 {
		return frame{}, false
	}

	n := frameLen(&h)
	if n < minFrameLen || n > maxFrameLen {
		return frame{}, false
	}

	return frame{
		length:      n,
		samples:     h.SampleCount(),
		sampleRate:  h.SampleRate,
		bitrateKbps: h.Bitrate / 1000,
	}, true
}

func frameLen(h *mpeg1audio.FrameHeader) int {
	pad := 0
	if h.Padding {
		pad = 1
	}

	switch int(h.Layer) {
	case 1:
		return (12*h.Bitrate/h.SampleRate + pad) * 4
	case 2:
		return 144*h.Bitrate/h.SampleRate + pad
	default:
		if h.MPEG2 {
			return 72*h.Bitrate/h.SampleRate + pad
		}
		return 144*h.Bitrate/h.SampleRate + pad
	}
}

// nextFrame finds the first plausible frame at or after pos. When the whole
// frame lies inside data, the following header must also carry a sync word.
func nextFrame(data []byte, pos int) (int, frame, bool) {
	for ; pos+headerLen <= len(data); pos++ {
		if !isSync(data[pos], data[pos+1]) {
			continue
		}
		f, ok := parseHeader(data[pos : pos+headerLen])
		if !ok {
			continue
		}
		end := pos + f.length
		if end+1 < len(data) && !isSync(data[end], data[end+1]) {
			continue
		}
		return pos, f, true
	}
	return len(data), frame{}, false
}
