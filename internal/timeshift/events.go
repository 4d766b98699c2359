package timeshift

import "time"

// EventKind identifies a playback notification.
type EventKind int

const (
	// BufferingStarted is sent before the reader loads a chunk synchronously.
	// Output stages should pause until BufferingEnded.
	BufferingStarted EventKind = iota + 1
	BufferingEnded
)

func (k EventKind) String() string {
	switch k {
	case BufferingStarted:
		return "buffering_started"
	case BufferingEnded:
		return "buffering_ended"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one playback notification.
type Event struct {
	Kind    EventKind `json:"kind"`
	ChunkID ChunkID   `json:"chunk_id"`
	At      time.Time `json:"at"`
}
