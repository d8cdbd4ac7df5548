package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/download"
	"github.com/wolfeidau/catalog-harvester/orchestrator"
	"github.com/wolfeidau/catalog-harvester/registry"
	"github.com/wolfeidau/catalog-harvester/store"
	"github.com/wolfeidau/catalog-harvester/store/index"
	"github.com/wolfeidau/catalog-harvester/telemetry"
)

type apiError struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrNotFound), errors.Is(err, orchestrator.ErrUnknownSync):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrQuarantined), errors.Is(err, registry.ErrCapability):
		status = http.StatusConflict
	case errors.As(err, new(*registry.LoadError)):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, apiError{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiError{Error: msg})
}

type itemsResponse struct {
	Items  []index.ItemView `json:"items"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// handleItems lists items. Query parameters: extension, collection, q,
// tombstoned, limit, offset.
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "items")
	q := r.URL.Query()

	filter := index.ItemFilter{
		ExtensionID:       q.Get("extension"),
		Search:            q.Get("q"),
		IncludeTombstoned: q.Get("tombstoned") == "true",
	}
	var err error
	if filter.CollectionID, err = intParam(q.Get("collection")); err != nil {
		badRequest(w, "invalid collection")
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil || limit < 0 {
		badRequest(w, "invalid limit")
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil || offset < 0 {
		badRequest(w, "invalid offset")
		return
	}
	filter.Limit, filter.Offset = int(limit), int(offset)
	telemetry.SetExtension(r, filter.ExtensionID)

	views, err := s.store.QueryItems(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []index.ItemView{}
	}
	writeJSON(w, http.StatusOK, itemsResponse{Items: views, Limit: filter.Limit, Offset: filter.Offset})
}

func intParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "item")
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		badRequest(w, "invalid item id")
		return
	}
	view, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blob")
	hash, err := harvester.ParseHash(chi.URLParam(r, "hash"))
	if err != nil {
		badRequest(w, "invalid blob hash")
		return
	}
	download.ServeBlob(w, r, s.store.Blobs(), hash, s.logger)
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "extensions")
	writeJSON(w, http.StatusOK, s.exts.List())
}

func (s *Server) handleExtension(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "extension")
	id := chi.URLParam(r, "id")
	telemetry.SetExtension(r, id)
	ext, err := s.exts.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

type syncResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync")
	id := chi.URLParam(r, "id")
	telemetry.SetExtension(r, id)
	token, err := s.syncs.Sync(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, syncResponse{Token: token})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "reload")
	id := chi.URLParam(r, "id")
	telemetry.SetExtension(r, id)
	ext, err := s.exts.Reload(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

func (s *Server) handleSyncs(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "syncs")
	writeJSON(w, http.StatusOK, s.syncs.Syncs())
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync_status")
	st, err := s.syncs.Status(chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cancel_sync")
	token := chi.URLParam(r, "token")
	if err := s.syncs.CancelSync(r.Context(), token); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.syncs.Status(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
