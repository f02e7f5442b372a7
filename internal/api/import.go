package api

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/starford/kalendae/internal/ics"
)

const maxUploadBytes = 10 << 20 // 10 MB

// Import handles POST /api/import?col_path=/cal/alice. The body is either
// a raw text/calendar payload or a multipart form with a "file" field.
// Each object is added, or replaces the stored object with the same uid.
//
//	@Summary		Import an iCalendar payload into a collection
//	@Tags			ics
//	@Accept			text/calendar,multipart/form-data
//	@Produce		json
//	@Param			col_path	query		string	true	"Collection"
//	@Success		200			{object}	ImportResponse
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/import [post]
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	colPath := r.URL.Query().Get("col_path")
	if colPath == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("col_path is required"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var payload io.Reader = r.Body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); strings.HasPrefix(mt, "multipart/") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
			return
		}
		defer file.Close()
		payload = file
	}

	objs, err := ics.Decode(payload, colPath)
	if err != nil {
		writeError(w, "import", err)
		return
	}

	resp := ImportResponse{Items: make([]ImportItem, 0, len(objs))}
	for _, obj := range objs {
		item := ImportItem{UID: obj.Master.UID}
		out, err := ics.Apply(r.Context(), h.svc, obj)
		if err != nil {
			if statusFor(err) == http.StatusInternalServerError {
				slog.Error("import object failed", slog.String("uid", item.UID), slog.String("error", err.Error()))
			}
			item.Error = err.Error()
		} else {
			item.ID = out.ID
			item.Instances = out.Instances
			item.Failed = out.Failed
			resp.Imported++
		}
		resp.Items = append(resp.Items, item)
	}
	writeJSON(w, http.StatusOK, resp)
}
