package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"collab-blocks/pkg/document"
	"collab-blocks/pkg/history"
	"collab-blocks/pkg/metrics"

	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
)

// versionResult records the outcome of a history call.
func versionResult(op string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, history.ErrVersionNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.VersionOps.WithLabelValues(op, result).Inc()
}

func (h *Handlers) versionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, history.ErrVersionNotFound):
		http.Error(w, "Version not found", http.StatusNotFound)
	case errors.Is(err, history.ErrRestore):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.log.Error(r.Context(), "version store", "err", err)
		http.Error(w, "Version store error", http.StatusInternalServerError)
	}
}

// CreateVersion stores a version record sent by a client's history
// manager. snapshot is base64 of either the {state_vector, state} snapshot
// form or a bare encoded state, which is stored wrapped.
func (h *Handlers) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var rec history.VersionRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	snapshot, err := history.ParseSnapshot(rec.Snapshot)
	if err != nil {
		versionResult("create", err)
		http.Error(w, "Invalid snapshot", http.StatusBadRequest)
		return
	}
	rec.Snapshot = snapshot
	rec.ObjectID = mux.Vars(r)["objectId"]
	if _, err := ulid.ParseStrict(rec.ID); err != nil {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.CollabType == "" {
		rec.CollabType = history.CollabType
	}
	rec.DeletedAt = nil

	saved, err := h.versions.CreateVersion(r.Context(), rec)
	versionResult("create", err)
	if err != nil {
		h.versionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// ListVersions returns every record of an object, without snapshots.
func (h *Handlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.versions.ListVersions(r.Context(), mux.Vars(r)["objectId"])
	versionResult("list", err)
	if err != nil {
		h.versionError(w, r, err)
		return
	}
	if recs == nil {
		recs = []history.VersionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := h.versions.GetVersion(r.Context(), vars["objectId"], vars["versionId"])
	versionResult("get", err)
	if err != nil {
		h.versionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteVersion tombstones a version.
func (h *Handlers) DeleteVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := h.versions.DeleteVersion(r.Context(), vars["objectId"], vars["versionId"])
	versionResult("delete", err)
	if err != nil {
		h.versionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateSnapshot snapshots the live server replica of a document.
func (h *Handlers) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}
	rm, err := h.roomManager.GetOrCreateRoom(r.Context(), mux.Vars(r)["objectId"])
	if err != nil {
		h.log.Error(r.Context(), "open room", "err", err)
		http.Error(w, "Failed to open room", http.StatusInternalServerError)
		return
	}
	if rm.Versions() == nil {
		http.Error(w, "Versions are not enabled", http.StatusNotImplemented)
		return
	}
	rec, err := rm.Versions().CreateSnapshot(r.Context(), req.Name)
	versionResult("snapshot", err)
	if err != nil {
		h.versionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// PreviewVersion returns a version's block tree without touching the live
// document.
func (h *Handlers) PreviewVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m := history.NewManager(document.New(vars["objectId"], ""), h.versions)
	defer m.Close()

	tree, err := m.PreviewVersion(r.Context(), vars["versionId"])
	versionResult("preview", err)
	if err != nil {
		h.versionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// RestoreVersion rolls the live document back to a version. Connected
// clients receive the restore as a regular update.
func (h *Handlers) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rm, err := h.roomManager.GetOrCreateRoom(r.Context(), vars["objectId"])
	if err != nil {
		h.log.Error(r.Context(), "open room", "err", err)
		http.Error(w, "Failed to open room", http.StatusInternalServerError)
		return
	}
	err = rm.RestoreVersion(r.Context(), vars["versionId"])
	versionResult("restore", err)
	if err != nil {
		h.versionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
