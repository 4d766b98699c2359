package timeshift

import "errors"

var (
	// ErrNotOpen is returned by operations on a buffer that is not open.
	ErrNotOpen = errors.New("timeshift buffer not open")

	// ErrAlreadyRunning is returned by Start while the workers are running.
	ErrAlreadyRunning = errors.New("timeshift buffer already running")

	// ErrUnknownMode is returned when parsing an unknown storage mode name.
	ErrUnknownMode = errors.New("unknown storage mode")

	// ErrSlotOccupied is returned when a pool slot still holds an older chunk.
	ErrSlotOccupied = errors.New("pool slot occupied")

	// ErrSlotOutOfRange is returned for a slot index outside the pool.
	ErrSlotOutOfRange = errors.New("pool slot out of range")

	// ErrChunkTooLarge is returned when a chunk does not fit a pool slot.
	ErrChunkTooLarge = errors.New("chunk larger than pool slot")

	// ErrPoolUnavailable is returned when no pool is allocated.
	ErrPoolUnavailable = errors.New("pool not allocated")

	// ErrChunkNotFound is returned when no ready chunk matches the request.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrLengthMismatch is returned when stored bytes differ in length from the chunk.
	ErrLengthMismatch = errors.New("chunk length mismatch")

	// ErrChecksumMismatch is returned when stored bytes fail checksum verification.
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")

	// ErrShortBuffer is returned when a destination cannot hold a whole chunk.
	ErrShortBuffer = errors.New("destination buffer too small for chunk")

	// ErrSwitchInProgress is returned by seeks and switch requests during a backend switch.
	ErrSwitchInProgress = errors.New("storage switch in progress")

	// ErrSwitchAborted is returned when a switch would have to evict protected chunks.
	ErrSwitchAborted = errors.New("storage switch aborted")

	// ErrSeekOutOfRange is returned for seek targets outside the ready chunks.
	ErrSeekOutOfRange = errors.New("seek target outside buffered range")

	// ErrNoData is returned when nothing has been buffered yet.
	ErrNoData = errors.New("no buffered data")

	// ErrQueueFull is returned when a chunk job could not be queued in time.
	ErrQueueFull = errors.New("chunk queue full")

	// ErrShutdownTimeout is returned by Stop when workers did not exit in time.
	ErrShutdownTimeout = errors.New("timeshift workers did not stop in time")
)
