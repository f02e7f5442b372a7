package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/authz"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/testutil"
)

// testEnv sets up a temp SQLite store, engine and router. Extra engine
// options (an access checker, for instance) are passed through.
func testEnv(t *testing.T, auth Auth, opts ...calendar.Option) (*calendar.Service, http.Handler) {
	t.Helper()
	db := testutil.TestStore(t)
	svc := calendar.NewService(db, opts...)
	return svc, NewRouter(svc, auth, nil)
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

func standup(uid, colPath string, count int) map[string]any {
	return map[string]any{
		"col_path": colPath,
		"uid":      uid,
		"name":     uid + ".ics",
		"summary":  "Standup",
		"start":    "2024-06-03T09:00:00Z",
		"end":      "2024-06-03T09:30:00Z",
		"rule":     fmt.Sprintf("FREQ=DAILY;COUNT=%d", count),
	}
}

type addResponse struct {
	Added     bool `json:"added"`
	Instances int  `json:"instances"`
	Master    struct {
		ID    string `json:"id"`
		Stamp struct {
			Seq int64 `json:"seq"`
		} `json:"stamp"`
	} `json:"master"`
}

func addEvent(t *testing.T, h http.Handler, master map[string]any) addResponse {
	t.Helper()
	w := do(t, h, http.MethodPost, "/events", jsonBody(t, map[string]any{"master": master}), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body = %s", w.Code, w.Body.String())
	}
	var res addResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode add response: %v", err)
	}
	return res
}

func decodeResults(t *testing.T, w *httptest.ResponseRecorder) ResultSetResponse {
	t.Helper()
	var rs ResultSetResponse
	if err := json.Unmarshal(w.Body.Bytes(), &rs); err != nil {
		t.Fatalf("decode results: %v (%s)", err, w.Body.String())
	}
	return rs
}

func TestAddAndGetByKey(t *testing.T) {
	_, h := testEnv(t, Auth{})
	res := addEvent(t, h, standup("u1", "/cal/alice", 5))
	if !res.Added || res.Instances != 5 {
		t.Fatalf("add = %+v", res)
	}

	w := do(t, h, http.MethodGet, "/events?uid=u1&mode=expanded", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", w.Code, w.Body.String())
	}
	rs := decodeResults(t, w)
	if rs.Mode != "expanded" || rs.Total != 5 {
		t.Errorf("mode %s total %d, want expanded 5", rs.Mode, rs.Total)
	}
	if rs.Results[0].Occurrence == nil || rs.Results[0].Occurrence.RecurrenceID != "20240603T090000Z" {
		t.Errorf("first occurrence = %+v", rs.Results[0].Occurrence)
	}

	w = do(t, h, http.MethodGet, "/events/"+res.Master.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get by id status = %d", w.Code)
	}
	if got, want := w.Header().Get("ETag"), fmt.Sprintf("%q", fmt.Sprint(res.Master.Stamp.Seq)); got != want {
		t.Errorf("ETag = %s, want %s", got, want)
	}

	w = do(t, h, http.MethodGet, "/events?uid=missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing uid status = %d, want 404", w.Code)
	}
}

func TestAddDuplicateNameConflict(t *testing.T) {
	_, h := testEnv(t, Auth{})
	addEvent(t, h, standup("u1", "/cal/alice", 3))
	dup := standup("u2", "/cal/alice", 3)
	dup["name"] = "u1.ics"
	w := do(t, h, http.MethodPost, "/events", jsonBody(t, map[string]any{"master": dup}), nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 (%s)", w.Code, w.Body.String())
	}
}

func TestAddInvalidJSON(t *testing.T) {
	_, h := testEnv(t, Auth{})
	w := do(t, h, http.MethodPost, "/events", strings.NewReader("{"), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUpdateWithStamp(t *testing.T) {
	_, h := testEnv(t, Auth{})
	res := addEvent(t, h, standup("u1", "/cal/alice", 10))

	m := standup("u1", "/cal/alice", 4)
	stale := map[string]string{"If-Match": `"999"`}
	w := do(t, h, http.MethodPut, "/events/"+res.Master.ID, jsonBody(t, map[string]any{"master": m}), stale)
	if w.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale update status = %d, want 412", w.Code)
	}

	current := map[string]string{"If-Match": fmt.Sprintf("%q", fmt.Sprint(res.Master.Stamp.Seq))}
	w = do(t, h, http.MethodPut, "/events/"+res.Master.ID, jsonBody(t, map[string]any{"master": m}), current)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}
	var up struct {
		Deleted []string `json:"deleted_instances"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &up); err != nil {
		t.Fatal(err)
	}
	if len(up.Deleted) != 6 {
		t.Errorf("deleted instances = %d, want 6", len(up.Deleted))
	}
}

func TestDeleteOccurrenceAndEvent(t *testing.T) {
	_, h := testEnv(t, Auth{})
	res := addEvent(t, h, standup("u1", "/cal/alice", 3))

	w := do(t, h, http.MethodDelete, "/events/"+res.Master.ID+"/occurrences/20240604T090000Z", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete occurrence status = %d, body = %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/range?col_path=/cal/alice&from=2024-06-01T00:00:00Z&to=2024-07-01T00:00:00Z&mode=expanded", nil, nil)
	if rs := decodeResults(t, w); rs.Total != 2 {
		t.Errorf("occurrences after delete = %d, want 2", rs.Total)
	}

	w = do(t, h, http.MethodDelete, "/events/"+res.Master.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	var del calendar.DeleteResult
	if err := json.Unmarshal(w.Body.Bytes(), &del); err != nil {
		t.Fatal(err)
	}
	if !del.Deleted || !del.Tombstoned {
		t.Errorf("delete = %+v, want tombstoned", del)
	}
	w = do(t, h, http.MethodGet, "/events?uid=u1", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestRangeQueryFiltersAndICS(t *testing.T) {
	_, h := testEnv(t, Auth{})
	addEvent(t, h, standup("u1", "/cal/alice", 3))
	other := standup("u2", "/cal/alice", 3)
	other["summary"] = "Retro"
	addEvent(t, h, other)

	base := "/range?col_path=/cal/alice&from=2024-06-03T00:00:00Z&to=2024-06-04T00:00:00Z"
	w := do(t, h, http.MethodGet, base+"&mode=expanded&q=retro", nil, nil)
	rs := decodeResults(t, w)
	if rs.Total != 1 || rs.Results[0].Occurrence.Summary != "Retro" {
		t.Errorf("filtered results = %+v", rs)
	}

	w = do(t, h, http.MethodGet, base+"&format=ics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ics status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := strings.Count(w.Body.String(), "BEGIN:VEVENT"); got != 2 {
		t.Errorf("ics events = %d, want 2", got)
	}

	w = do(t, h, http.MethodGet, base+"&mode=bogus", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad mode status = %d, want 400", w.Code)
	}
	w = do(t, h, http.MethodGet, "/range?col_path=/cal/alice&from=yesterday", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad from status = %d, want 400", w.Code)
	}
}

func TestSyncFlow(t *testing.T) {
	_, h := testEnv(t, Auth{})
	addEvent(t, h, standup("u1", "/cal/alice", 2))

	w := do(t, h, http.MethodGet, "/sync?col_path=/cal/alice", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sync status = %d", w.Code)
	}
	var first SyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if first.Total != 1 || first.Token == "" {
		t.Fatalf("first sync = %+v", first)
	}

	w = do(t, h, http.MethodGet, "/sync?col_path=/cal/alice&token="+string(first.Token), nil, nil)
	var second SyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if second.Total != 0 {
		t.Errorf("second sync total = %d, want 0", second.Total)
	}

	w = do(t, h, http.MethodGet, "/sync?col_path=/cal/alice&token=garbage", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad token status = %d, want 400", w.Code)
	}
}

func TestFreeBusyEndpoint(t *testing.T) {
	_, h := testEnv(t, Auth{})
	addEvent(t, h, standup("u1", "/cal/alice", 2))

	w := do(t, h, http.MethodGet, "/freebusy?col_path=/cal/alice&from=2024-06-03T00:00:00Z&to=2024-06-05T00:00:00Z", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("freebusy status = %d, body = %s", w.Code, w.Body.String())
	}
	var fb FreeBusyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &fb); err != nil {
		t.Fatal(err)
	}
	if len(fb.Periods) != 2 {
		t.Errorf("periods = %d, want 2", len(fb.Periods))
	}

	w = do(t, h, http.MethodGet, "/freebusy?col_path=/cal/alice", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing window status = %d, want 400", w.Code)
	}
}

const importPayload = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:imported-1\r\n" +
	"SUMMARY:Planning\r\n" +
	"DTSTART:20240603T130000Z\r\n" +
	"DTEND:20240603T140000Z\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=3\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:imported-1\r\n" +
	"RECURRENCE-ID:20240610T130000Z\r\n" +
	"SUMMARY:Planning (moved)\r\n" +
	"DTSTART:20240610T150000Z\r\n" +
	"DTEND:20240610T160000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestImportRawAndMultipart(t *testing.T) {
	_, h := testEnv(t, Auth{})

	w := do(t, h, http.MethodPost, "/import?col_path=/cal/alice", strings.NewReader(importPayload),
		map[string]string{"Content-Type": "text/calendar"})
	if w.Code != http.StatusOK {
		t.Fatalf("import status = %d, body = %s", w.Code, w.Body.String())
	}
	var imp ImportResponse
	if err := json.Unmarshal(w.Body.Bytes(), &imp); err != nil {
		t.Fatal(err)
	}
	if imp.Imported != 1 || imp.Items[0].Instances != 3 {
		t.Fatalf("import = %+v", imp)
	}

	w = do(t, h, http.MethodGet, "/events?uid=imported-1&recurrence_id=20240610T130000Z", nil, nil)
	rs := decodeResults(t, w)
	if rs.Total != 1 || rs.Results[0].Occurrence.Summary != "Planning (moved)" || !rs.Results[0].Occurrence.IsOverride {
		t.Errorf("override occurrence = %+v", rs.Results)
	}

	// Re-import without the override replaces the stored object.
	noOverride := importPayload[:strings.Index(importPayload, "BEGIN:VEVENT\r\nUID:imported-1\r\nRECURRENCE-ID")] + "END:VCALENDAR\r\n"
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "planning.ics")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte(noOverride))
	mw.Close()
	w = do(t, h, http.MethodPost, "/import?col_path=/cal/alice", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	if w.Code != http.StatusOK {
		t.Fatalf("multipart import status = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/events?uid=imported-1&mode=overrides", nil, nil)
	rs = decodeResults(t, w)
	if rs.Total != 1 || len(rs.Results[0].Overrides) != 0 {
		t.Errorf("overrides after re-import = %+v", rs.Results)
	}

	w = do(t, h, http.MethodPost, "/import", strings.NewReader(importPayload), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing col_path status = %d, want 400", w.Code)
	}
	w = do(t, h, http.MethodPost, "/import?col_path=/cal/alice", strings.NewReader("not ics"), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("garbage import status = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	checker, err := authz.New(authz.Config{DefaultRole: "member"})
	if err != nil {
		t.Fatal(err)
	}
	auth := Auth{Enabled: true, Tokens: map[string]string{"alice-token": "alice", "bob-token": "bob"}}
	_, h := testEnv(t, auth, calendar.WithAccessChecker(checker))

	body := map[string]any{"master": standup("u1", "/cal/alice", 2)}
	w := do(t, h, http.MethodPost, "/events", jsonBody(t, body), nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", w.Code)
	}
	w = do(t, h, http.MethodPost, "/events", jsonBody(t, body), map[string]string{"Authorization": "Bearer nope"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", w.Code)
	}
	w = do(t, h, http.MethodPost, "/events", jsonBody(t, body), map[string]string{"Authorization": "Bearer bob-token"})
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign collection status = %d, want 403", w.Code)
	}
	w = do(t, h, http.MethodPost, "/events", jsonBody(t, body), map[string]string{"Authorization": "Bearer alice-token"})
	if w.Code != http.StatusCreated {
		t.Errorf("own collection status = %d, want 201 (%s)", w.Code, w.Body.String())
	}

	// Range queries silently drop what bob may not read.
	w = do(t, h, http.MethodGet, "/range?col_path=/cal/alice&mode=master", nil, map[string]string{"Authorization": "Bearer bob-token"})
	if rs := decodeResults(t, w); rs.Total != 0 {
		t.Errorf("bob sees %d results, want 0", rs.Total)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.ErrNotFound, http.StatusNotFound},
		{apperr.ErrAccessDenied, http.StatusForbidden},
		{apperr.ErrDuplicateIdentifier, http.StatusConflict},
		{apperr.ErrConcurrentModification, http.StatusPreconditionFailed},
		{errors.Join(apperr.ErrInvalidOverride, errors.New("x")), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", apperr.ErrEmptyExpansion), http.StatusUnprocessableEntity},
		{apperr.ErrInvalidInput, http.StatusBadRequest},
		{apperr.ErrBadSyncToken, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
