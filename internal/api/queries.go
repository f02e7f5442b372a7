package api

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/ics"
	"github.com/starford/kalendae/internal/models"
)

const icsContentType = "text/calendar; charset=utf-8"

func timeParam(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339", apperr.ErrInvalidInput, name)
	}
	return &t, nil
}

func locationParam(q url.Values) (*time.Location, error) {
	tz := q.Get("tz")
	if tz == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown tz %q", apperr.ErrInvalidInput, tz)
	}
	return loc, nil
}

func durationParam(q url.Values, name string) (time.Duration, error) {
	v := q.Get(name)
	if v == "" {
		return 0, fmt.Errorf("%w: %s is required", apperr.ErrInvalidInput, name)
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative duration", apperr.ErrInvalidInput, name)
	}
	return d, nil
}

// wantsICS reports whether the client asked for iCalendar output.
func wantsICS(r *http.Request) bool {
	return r.URL.Query().Get("format") == "ics" || strings.Contains(r.Header.Get("Accept"), "text/calendar")
}

func writeResults(w http.ResponseWriter, r *http.Request, rs calendar.ResultSet) {
	if !wantsICS(r) {
		writeJSON(w, http.StatusOK, resultSetResponse(rs))
		return
	}
	var buf bytes.Buffer
	if err := ics.Encode(&buf, rs); err != nil {
		slog.Error("ics encode failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.Header().Set("Content-Type", icsContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// GetByKey handles GET /api/events?uid=...
//
//	@Summary		Look an event up by uid
//	@Tags			queries
//	@Produce		json,text/calendar
//	@Param			uid				query		string	true	"Event uid"
//	@Param			col_path		query		string	false	"Collection"
//	@Param			recurrence_id	query		string	false	"Single occurrence"
//	@Param			mode			query		string	false	"Retrieval mode"	Enums(master, overrides, expanded)
//	@Param			tombstones		query		bool	false	"Include tombstones"
//	@Success		200				{object}	ResultSetResponse
//	@Failure		404				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/events [get]
func (h *Handler) GetByKey(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, err := models.ParseMode(q.Get("mode"))
	if err != nil {
		writeError(w, "get by key", err)
		return
	}
	kq := calendar.KeyQuery{
		ColPath:           q.Get("col_path"),
		UID:               q.Get("uid"),
		Mode:              mode,
		IncludeTombstoned: boolParam(q, "tombstones"),
	}
	if raw := q.Get("recurrence_id"); raw != "" {
		if kq.RecurrenceID, err = models.ParseRecurrenceID(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid recurrence id"))
			return
		}
	}
	rs, err := h.svc.GetByKey(r.Context(), kq)
	if err != nil {
		writeError(w, "get by key", err)
		return
	}
	writeResults(w, r, rs)
}

// GetByRange handles GET /api/range.
//
//	@Summary		Query events overlapping a time range
//	@Tags			queries
//	@Produce		json,text/calendar
//	@Param			col_path	query		[]string	true	"Collections"
//	@Param			from		query		string		false	"Window start (RFC 3339, inclusive)"
//	@Param			to			query		string		false	"Window end (RFC 3339, exclusive)"
//	@Param			tz			query		string		false	"Zone for floating times"
//	@Param			mode		query		string		false	"Retrieval mode"	Enums(master, overrides, expanded)
//	@Param			q			query		string		false	"Summary substring"
//	@Success		200			{object}	ResultSetResponse
//	@Security		BearerAuth
//	@Router			/range [get]
func (h *Handler) GetByRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rq := calendar.RangeQuery{ColPaths: q["col_path"]}
	var err error
	if rq.Mode, err = models.ParseMode(q.Get("mode")); err != nil {
		writeError(w, "get by range", err)
		return
	}
	if rq.From, err = timeParam(q, "from"); err != nil {
		writeError(w, "get by range", err)
		return
	}
	if rq.To, err = timeParam(q, "to"); err != nil {
		writeError(w, "get by range", err)
		return
	}
	if rq.Location, err = locationParam(q); err != nil {
		writeError(w, "get by range", err)
		return
	}
	if text := q.Get("q"); text != "" {
		rq.Filter = calendar.SummaryContains(text)
	}
	rs, err := h.svc.GetByRange(r.Context(), rq)
	if err != nil {
		writeError(w, "get by range", err)
		return
	}
	writeResults(w, r, rs)
}

// GetSince handles GET /api/sync?col_path=...&token=...
func (h *Handler) GetSince(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	colPath := q.Get("col_path")
	if colPath == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("col_path is required"))
		return
	}
	res, err := h.svc.GetSince(r.Context(), colPath, models.SyncToken(q.Get("token")))
	if err != nil {
		writeError(w, "get since", err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{
		ResultSetResponse: resultSetResponse(res.Results),
		Token:             res.Token,
	})
}

// FreeBusy handles GET /api/freebusy.
//
//	@Summary		Consolidated busy periods for a set of collections
//	@Tags			queries
//	@Produce		json
//	@Param			col_path	query		[]string	true	"Collections"
//	@Param			from		query		string		true	"Window start (RFC 3339)"
//	@Param			to			query		string		true	"Window end (RFC 3339)"
//	@Param			tz			query		string		false	"Zone for floating times"
//	@Param			transparent	query		bool		false	"Count transparent events"
//	@Success		200			{object}	FreeBusyResponse
//	@Security		BearerAuth
//	@Router			/freebusy [get]
func (h *Handler) FreeBusy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := timeParam(q, "from")
	if err != nil {
		writeError(w, "free busy", err)
		return
	}
	to, err := timeParam(q, "to")
	if err != nil {
		writeError(w, "free busy", err)
		return
	}
	if from == nil || to == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("from and to are required"))
		return
	}
	loc, err := locationParam(q)
	if err != nil {
		writeError(w, "free busy", err)
		return
	}
	periods, err := h.svc.FreeBusy(r.Context(), q["col_path"], *from, *to, calendar.FreeBusyOptions{
		IncludeTransparent: boolParam(q, "transparent"),
		Location:           loc,
	})
	if err != nil {
		writeError(w, "free busy", err)
		return
	}
	if periods == nil {
		periods = []models.BusyPeriod{}
	}
	writeJSON(w, http.StatusOK, FreeBusyResponse{Periods: periods})
}
