package www

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"meshgate/flash"
	"meshgate/protocol"
	"meshgate/update"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusResponse is the /api/status payload.
type statusResponse struct {
	Gateway  string                 `json:"gateway"`
	Serial   string                 `json:"serial"`
	Uptime   int64                  `json:"uptime_seconds"`
	BootNote string                 `json:"boot_note,omitempty"`
	Nodes    int                    `json:"nodes"`
	Update   *protocol.UpdateReport `json:"update"`
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Gateway:  h.cfg.GatewayID,
		Serial:   h.cfg.Serial,
		Uptime:   int64(time.Since(h.started).Seconds()),
		BootNote: h.bootNote,
		Nodes:    len(h.reg.Snapshot()),
		Update:   h.orch.Report(),
	})
}

func (h *Handlers) handleNodes(w http.ResponseWriter, r *http.Request) {
	table := protocol.NodeTable{Gateway: h.cfg.GatewayID, Nodes: []protocol.NodeTableEntry{}}
	for _, rec := range h.reg.Snapshot() {
		table.Nodes = append(table.Nodes, protocol.NodeTableEntry{
			Serial:   rec.Serial,
			Pipe:     rec.Pipe,
			State:    rec.State,
			LastSeen: rec.LastSeen.Format(time.RFC3339),
			Failures: rec.Failures,
			Firmware: rec.Firmware,
			InFlight: rec.InFlight,
		})
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *Handlers) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Report())
}

func (h *Handlers) handleUpdateBegin(w http.ResponseWriter, r *http.Request) {
	var req protocol.UpdateBegin
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	sess, err := h.orch.Begin(&req)
	if err != nil {
		writeUpdateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session": sess.ID, "state": sess.State})
}

func (h *Handlers) handleUpdateChunk(w http.ResponseWriter, r *http.Request) {
	var chunk protocol.UpdateChunk
	if err := json.NewDecoder(r.Body).Decode(&chunk); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	if err := h.orch.WriteChunk(&chunk); err != nil {
		writeUpdateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Report())
}

func (h *Handlers) handleUpdateFinalize(w http.ResponseWriter, r *http.Request) {
	var fin protocol.UpdateFinalize
	if err := json.NewDecoder(r.Body).Decode(&fin); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	if err := h.orch.Finalize(&fin); err != nil {
		writeUpdateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Report())
}

func (h *Handlers) handleUpdateCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Cancel(); err != nil {
		writeUpdateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Report())
}

// writeUpdateError maps orchestrator and flash errors to HTTP statuses.
func writeUpdateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, update.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, update.ErrNoSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, update.ErrBadState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, update.ErrIntegrity),
		errors.Is(err, flash.ErrDigestMismatch),
		errors.Is(err, flash.ErrChunkMismatch),
		errors.Is(err, flash.ErrChunkOverlap),
		errors.Is(err, flash.ErrIncomplete):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, flash.ErrTooLarge),
		errors.Is(err, flash.ErrOutOfRange),
		errors.Is(err, flash.ErrNotAligned):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handlers) handleFlashRead(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	if region == "" {
		region = flash.RegionActive
	}
	off, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad offset")
		return
	}
	length, err := strconv.ParseInt(r.URL.Query().Get("length"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad length")
		return
	}
	data, err := h.flash.ReadRegion(region, off, length)
	if err != nil {
		writeUpdateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.FlashData{Region: region, Offset: off, Data: data})
}
