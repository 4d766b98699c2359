package timeshift

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	audioContentType    = "audio/mpeg"
	streamReadSize      = 16 * 1024
)

// Handler exposes the buffer over HTTP using go-chi.
type Handler struct {
	buf *Buffer
	log *slog.Logger
}

// NewHandler returns a Handler serving buf.
func NewHandler(buf *Buffer, log *slog.Logger) *Handler {
	return &Handler{buf: buf, log: log}
}

type seekRequest struct {
	Offset *int64  `json:"offset,omitempty"`
	Ms     *uint64 `json:"ms,omitempty"`
}

type seekResponse struct {
	Offset     int64  `json:"offset"`
	PositionMs uint64 `json:"position_ms"`
}

type storageRequest struct {
	Mode StorageMode `json:"mode"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseChunkID(r *http.Request) (ChunkID, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		return 0, false
	}
	return ChunkID(n), true
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.buf.Status())
}

// ListChunks handles GET /chunks.
func (h *Handler) ListChunks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.buf.Chunks())
}

// GetPlaylist handles GET /chunks.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	playlist, err := BuildChunkPlaylist(h.buf.Chunks(), "chunks/", !h.buf.Status().Recording)
	if err != nil {
		h.log.Error("build playlist failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(playlist))
}

// GetChunk handles GET /chunks/{id} and returns the raw chunk bytes.
func (h *Handler) GetChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := parseChunkID(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data, err := h.buf.ChunkData(id)
	if err != nil {
		h.chunkError(w, id, err)
		return
	}

	w.Header().Set("Content-Type", audioContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ExportChunk handles POST /chunks/{id}/export.
func (h *Handler) ExportChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := parseChunkID(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	path, err := h.buf.ExportChunk(id)
	if err != nil {
		h.chunkError(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// ListExports handles GET /exports.
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	paths, err := h.buf.ExportedChunks()
	if err != nil {
		h.log.Error("list exports failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, paths)
}

func (h *Handler) chunkError(w http.ResponseWriter, id ChunkID, err error) {
	switch {
	case errors.Is(err, ErrChunkNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, ErrNotOpen):
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		h.log.Error("chunk request failed", chunkAttr(id), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// Seek handles POST /seek.
// Body: { "offset": 123456 } or { "ms": 90000 }.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Offset == nil) == (req.Ms == nil) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var (
		off int64
		err error
	)
	if req.Offset != nil {
		off, err = h.buf.Seek(*req.Offset, io.SeekStart)
	} else {
		off, err = h.buf.SeekToTime(*req.Ms)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrSeekOutOfRange):
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		case errors.Is(err, ErrNoData):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ErrSwitchInProgress):
			w.WriteHeader(http.StatusConflict)
		case errors.Is(err, ErrNotOpen):
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			h.log.Error("seek failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, seekResponse{Offset: off, PositionMs: h.buf.CurrentPositionMs()})
}

// SwitchStorage handles POST /storage.
// Body: { "mode": "pool" }.
func (h *Handler) SwitchStorage(w http.ResponseWriter, r *http.Request) {
	var req storageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid storage body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.buf.RequestSwitch(req.Mode); err != nil {
		switch {
		case errors.Is(err, ErrSwitchInProgress), errors.Is(err, ErrSwitchAborted):
			w.WriteHeader(http.StatusConflict)
		case errors.Is(err, ErrNotOpen):
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			h.log.Error("storage switch failed", slog.String("mode", req.Mode.String()), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// PauseRecording handles POST /recording/pause.
func (h *Handler) PauseRecording(w http.ResponseWriter, r *http.Request) {
	h.buf.PauseRecording()
	w.WriteHeader(http.StatusNoContent)
}

// ResumeRecording handles POST /recording/resume.
func (h *Handler) ResumeRecording(w http.ResponseWriter, r *http.Request) {
	h.buf.ResumeRecording()
	w.WriteHeader(http.StatusNoContent)
}

// Stream handles GET /stream. It plays the buffer from the read cursor until
// the buffer reports end of stream or the client goes away.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", audioContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, streamReadSize)
	var sent int64
	for r.Context().Err() == nil {
		n, err := h.buf.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			sent += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	h.log.Debug("stream client done", slog.Int64("sent", sent))
}
