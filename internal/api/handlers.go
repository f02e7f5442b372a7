package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/models"
)

// Handler holds API route handlers.
type Handler struct {
	svc *calendar.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *calendar.Service) *Handler {
	return &Handler{svc: svc}
}

func setETag(w http.ResponseWriter, seq int64) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(seq, 10)))
}

// ifMatch reads the stamp sequence from an If-Match header.
func ifMatch(r *http.Request) (int64, bool, error) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" {
		return 0, false, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: If-Match %q", apperr.ErrInvalidInput, raw)
	}
	return seq, true, nil
}

func boolParam(q url.Values, name string) bool {
	v, _ := strconv.ParseBool(q.Get(name))
	return v
}

// AddEvent handles POST /api/events.
//
//	@Summary		Create an event with optional overrides
//	@Tags			events
//	@Accept			json
//	@Produce		json
//	@Param			body	body		AddEventRequest	true	"Event"
//	@Success		201		{object}	calendar.AddResult
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/events [post]
func (h *Handler) AddEvent(w http.ResponseWriter, r *http.Request) {
	var req AddEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "add event", err)
		return
	}
	if req.Master == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("master is required"))
		return
	}
	res, err := h.svc.AddMaster(r.Context(), req.Master, req.Overrides, calendar.AddOptions{
		RollbackOnError:       req.RollbackOnError,
		DemoteEmptyRecurrence: req.DemoteEmptyRecurrence,
	})
	if err != nil {
		writeError(w, "add event", err)
		return
	}
	setETag(w, res.Master.Stamp.Seq)
	writeJSON(w, http.StatusCreated, res)
}

// GetEvent handles GET /api/events/{id}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Master(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get event", err)
		return
	}
	setETag(w, m.Stamp.Seq)
	writeJSON(w, http.StatusOK, m)
}

// UpdateEvent handles PUT /api/events/{id}.
//
//	@Summary		Update an event and reconcile its occurrences
//	@Tags			events
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Master id"
//	@Param			body	body		UpdateEventRequest	true	"Event"
//	@Success		200		{object}	calendar.UpdateResult
//	@Failure		404		{object}	errResponse
//	@Failure		412		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/events/{id} [put]
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req UpdateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "update event", err)
		return
	}
	if req.Master == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("master is required"))
		return
	}
	seq, ok, err := ifMatch(r)
	if err != nil {
		writeError(w, "update event", err)
		return
	}
	if ok {
		req.Master.Stamp.Seq = seq
	}
	req.Master.ID = chi.URLParam(r, "id")

	res, err := h.svc.UpdateMaster(r.Context(), req.Master, req.Overrides, req.DeletedOverrideIDs, 0, calendar.UpdateOptions{
		RollbackOnError:      req.RollbackOnError,
		RejectEmptyExpansion: req.RejectEmptyExpansion,
	})
	if err != nil {
		writeError(w, "update event", err)
		return
	}
	setETag(w, res.Master.Stamp.Seq)
	writeJSON(w, http.StatusOK, res)
}

// DeleteEvent handles DELETE /api/events/{id}. Events are tombstoned
// unless hard=true.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	seq, _, err := ifMatch(r)
	if err != nil {
		writeError(w, "delete event", err)
		return
	}
	m := &models.Master{ID: chi.URLParam(r, "id"), Stamp: models.ModStamp{Seq: seq}}
	res, err := h.svc.DeleteMaster(r.Context(), m, boolParam(r.URL.Query(), "hard"))
	if err != nil {
		writeError(w, "delete event", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteOccurrence handles DELETE /api/events/{id}/occurrences/{rid}.
func (h *Handler) DeleteOccurrence(w http.ResponseWriter, r *http.Request) {
	rid, err := models.ParseRecurrenceID(chi.URLParam(r, "rid"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid recurrence id"))
		return
	}
	seq, _, err := ifMatch(r)
	if err != nil {
		writeError(w, "delete occurrence", err)
		return
	}
	m := &models.Master{ID: chi.URLParam(r, "id"), Stamp: models.ModStamp{Seq: seq}}
	res, err := h.svc.DeleteOccurrence(r.Context(), m, rid, boolParam(r.URL.Query(), "hard"))
	if err != nil {
		writeError(w, "delete occurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MoveEvent handles POST /api/events/{id}/move.
func (h *Handler) MoveEvent(w http.ResponseWriter, r *http.Request) {
	var req MoveEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "move event", err)
		return
	}
	if req.From == "" || req.To == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("from and to are required"))
		return
	}
	m := &models.Master{ID: chi.URLParam(r, "id")}
	if err := h.svc.MoveMaster(r.Context(), m, req.From, req.To); err != nil {
		writeError(w, "move event", err)
		return
	}
	if req.From == req.To {
		var err error
		if m, err = h.svc.Master(r.Context(), m.ID); err != nil {
			writeError(w, "move event", err)
			return
		}
	}
	setETag(w, m.Stamp.Seq)
	writeJSON(w, http.StatusOK, m)
}

// PurgeTombstones handles POST /api/tombstones/purge?retention=720h.
func (h *Handler) PurgeTombstones(w http.ResponseWriter, r *http.Request) {
	retention, err := durationParam(r.URL.Query(), "retention")
	if err != nil {
		writeError(w, "purge tombstones", err)
		return
	}
	n, err := h.svc.PurgeTombstones(r.Context(), retention)
	if err != nil {
		writeError(w, "purge tombstones", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}
