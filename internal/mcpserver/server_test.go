package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/kalendae/internal/authz"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/models"
	"github.com/starford/kalendae/internal/testutil"
)

func testServer(t *testing.T, principal string, opts ...calendar.Option) (*Server, *calendar.Service) {
	t.Helper()
	svc := calendar.NewService(testutil.TestStore(t), opts...)
	return New(svc, principal), svc
}

func seedStandup(t *testing.T, svc *calendar.Service, colPath string) {
	t.Helper()
	start := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	m := &models.Master{
		ColPath: colPath,
		UID:     "standup",
		Name:    "standup.ics",
		Summary: "Standup",
		Start:   models.Fixed(start),
		End:     models.Fixed(start.Add(30 * time.Minute)),
		Rule:    "FREQ=DAILY;COUNT=5",
	}
	moved := models.Fixed(start.Add(48*time.Hour + time.Hour))
	movedEnd := moved.Add(30 * time.Minute)
	summary := "Standup (late)"
	o := &models.Override{
		RecurrenceID: "20240605T090000Z",
		IsOverride:   true,
		Start:        &moved,
		End:          &movedEnd,
		Summary:      &summary,
	}
	if _, err := svc.AddMaster(context.Background(), m, []*models.Override{o}, calendar.AddOptions{}); err != nil {
		t.Fatal(err)
	}
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "query_range":
		result, err = srv.queryRange(ctx, req)
	case "get_event":
		result, err = srv.getEvent(ctx, req)
	case "free_busy":
		result, err = srv.freeBusy(ctx, req)
	case "import_ics":
		result, err = srv.importICS(ctx, req)
	case "get_retrieval_guide":
		result, err = srv.getRetrievalGuide(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func toolResultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decodeOccurrences(t *testing.T, r *mcp.CallToolResult) []occurrence {
	t.Helper()
	if r.IsError {
		t.Fatalf("tool error: %s", toolResultText(r))
	}
	var out []occurrence
	if err := json.Unmarshal([]byte(toolResultText(r)), &out); err != nil {
		t.Fatalf("decode: %v (%s)", err, toolResultText(r))
	}
	return out
}

func TestQueryRangeExpanded(t *testing.T) {
	srv, svc := testServer(t, "")
	seedStandup(t, svc, "/cal/alice")

	r := callTool(t, srv, "query_range", map[string]interface{}{
		"collections": []interface{}{"/cal/alice"},
		"from":        "2024-06-04T00:00:00Z",
		"to":          "2024-06-06T00:00:00Z",
	})
	got := decodeOccurrences(t, r)
	if len(got) != 2 {
		t.Fatalf("occurrences = %d, want 2", len(got))
	}
	if got[1].RecurrenceID != "20240605T090000Z" || !got[1].Modified || got[1].Summary != "Standup (late)" {
		t.Errorf("modified occurrence = %+v", got[1])
	}
}

func TestQueryRangeFormatsAndErrors(t *testing.T) {
	srv, svc := testServer(t, "")
	seedStandup(t, svc, "/cal/alice")

	r := callTool(t, srv, "query_range", map[string]interface{}{
		"collections": []interface{}{"/cal/alice"},
		"mode":        "overrides",
		"format":      "ics",
	})
	text := toolResultText(r)
	if !strings.Contains(text, "RRULE:FREQ=DAILY;COUNT=5") || !strings.Contains(text, "RECURRENCE-ID:20240605T090000Z") {
		t.Errorf("ics output missing rule or override:\n%s", text)
	}

	r = callTool(t, srv, "query_range", map[string]interface{}{
		"collections": []interface{}{"/cal/alice"},
		"from":        "June 4th",
	})
	if !r.IsError {
		t.Error("expected error for bad from")
	}

	r = callTool(t, srv, "query_range", map[string]interface{}{})
	if !r.IsError {
		t.Error("expected error for missing collections")
	}
}

func TestGetEvent(t *testing.T) {
	srv, svc := testServer(t, "")
	seedStandup(t, svc, "/cal/alice")

	got := decodeOccurrences(t, callTool(t, srv, "get_event", map[string]interface{}{"uid": "standup"}))
	if len(got) != 1 || got[0].Rule != "FREQ=DAILY;COUNT=5" {
		t.Fatalf("event = %+v", got)
	}
	if len(got[0].Overrides) != 1 || got[0].Overrides[0] != "20240605T090000Z" {
		t.Errorf("modified occurrences = %v", got[0].Overrides)
	}

	got = decodeOccurrences(t, callTool(t, srv, "get_event", map[string]interface{}{
		"uid":           "standup",
		"recurrence_id": "2024-06-04T09:00:00Z",
	}))
	if len(got) != 1 || got[0].RecurrenceID != "20240604T090000Z" || got[0].Modified {
		t.Errorf("single occurrence = %+v", got)
	}

	r := callTool(t, srv, "get_event", map[string]interface{}{"uid": "nope"})
	if !r.IsError || toolResultText(r) != "not found" {
		t.Errorf("missing event = %q", toolResultText(r))
	}
}

func TestFreeBusy(t *testing.T) {
	srv, svc := testServer(t, "")
	seedStandup(t, svc, "/cal/alice")

	r := callTool(t, srv, "free_busy", map[string]interface{}{
		"collections": []interface{}{"/cal/alice"},
		"from":        "2024-06-05T00:00:00Z",
		"to":          "2024-06-06T00:00:00Z",
	})
	var periods []models.BusyPeriod
	if err := json.Unmarshal([]byte(toolResultText(r)), &periods); err != nil {
		t.Fatalf("decode: %v (%s)", err, toolResultText(r))
	}
	want := time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC)
	if len(periods) != 1 || !periods[0].Start.Equal(want) {
		t.Errorf("periods = %+v, want one at %s", periods, want)
	}

	r = callTool(t, srv, "free_busy", map[string]interface{}{
		"collections": []interface{}{"/cal/alice"},
		"from":        "2025-01-01T00:00:00Z",
		"to":          "2025-01-02T00:00:00Z",
	})
	if toolResultText(r) != "free" {
		t.Errorf("empty window = %q, want free", toolResultText(r))
	}

	r = callTool(t, srv, "free_busy", map[string]interface{}{"collections": []interface{}{"/cal/alice"}})
	if !r.IsError {
		t.Error("expected error without window")
	}
}

const planning = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:planning\r\n" +
	"SUMMARY:Planning\r\n" +
	"DTSTART:20240603T130000Z\r\n" +
	"DTEND:20240603T140000Z\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=2\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestImportICS(t *testing.T) {
	srv, _ := testServer(t, "")

	r := callTool(t, srv, "import_ics", map[string]interface{}{
		"collection": "/cal/alice",
		"content":    planning,
	})
	var res []importedEvent
	if err := json.Unmarshal([]byte(toolResultText(r)), &res); err != nil {
		t.Fatalf("decode: %v (%s)", err, toolResultText(r))
	}
	if len(res) != 1 || !res[0].Created || res[0].Instances != 2 {
		t.Fatalf("import = %+v", res)
	}

	uri := "data:text/calendar;base64," + base64.StdEncoding.EncodeToString(
		[]byte(strings.Replace(planning, "COUNT=2", "COUNT=3", 1)))
	r = callTool(t, srv, "import_ics", map[string]interface{}{"collection": "/cal/alice", "url": uri})
	res = nil
	if err := json.Unmarshal([]byte(toolResultText(r)), &res); err != nil {
		t.Fatalf("decode: %v (%s)", err, toolResultText(r))
	}
	if len(res) != 1 || res[0].Created || res[0].Error != "" {
		t.Fatalf("reimport = %+v", res)
	}

	got := decodeOccurrences(t, callTool(t, srv, "get_event", map[string]interface{}{"uid": "planning", "mode": "expanded"}))
	if len(got) != 3 {
		t.Errorf("occurrences after reimport = %d, want 3", len(got))
	}

	r = callTool(t, srv, "import_ics", map[string]interface{}{"collection": "/cal/alice"})
	if !r.IsError {
		t.Error("expected error without content or url")
	}
	r = callTool(t, srv, "import_ics", map[string]interface{}{"collection": "/cal/alice", "url": "ftp://example.com/a.ics"})
	if !r.IsError {
		t.Error("expected error for ftp url")
	}
}

func TestToolsRunAsPrincipal(t *testing.T) {
	checker, err := authz.New(authz.Config{DefaultRole: "member"})
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := testServer(t, "bob", calendar.WithAccessChecker(checker))

	r := callTool(t, srv, "import_ics", map[string]interface{}{"collection": "/cal/alice", "content": planning})
	var res []importedEvent
	if err := json.Unmarshal([]byte(toolResultText(r)), &res); err != nil {
		t.Fatalf("decode: %v (%s)", err, toolResultText(r))
	}
	if len(res) != 1 || res[0].Error != "access denied" {
		t.Errorf("foreign import = %+v", res)
	}

	r = callTool(t, srv, "import_ics", map[string]interface{}{"collection": "/cal/bob", "content": planning})
	if !strings.Contains(toolResultText(r), `"created": true`) {
		t.Errorf("own import = %s", toolResultText(r))
	}
}

func TestDecodeDataURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"calendar", "data:text/calendar;base64," + base64.StdEncoding.EncodeToString([]byte(planning)), false},
		{"charset", "data:text/calendar;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(planning)), false},
		{"not base64", "data:text/calendar,BEGIN:VCALENDAR", true},
		{"wrong type", "data:image/png;base64,AAAA", true},
		{"no comma", "data:text/calendar;base64", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := decodeDataURI(tc.uri)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && string(data) != planning {
				t.Errorf("data = %q", data)
			}
		})
	}
}

func TestCheckBlockedHost(t *testing.T) {
	for _, host := range []string{"127.0.0.1", "::1", "169.254.169.254", "metadata.google.internal"} {
		if checkBlockedHost(host) == nil {
			t.Errorf("%s not blocked", host)
		}
	}
	if err := checkBlockedHost("203.0.113.7"); err != nil {
		t.Errorf("public address blocked: %v", err)
	}
}

func TestRetrievalGuide(t *testing.T) {
	srv, _ := testServer(t, "")
	text := toolResultText(callTool(t, srv, "get_retrieval_guide", nil))
	if !strings.Contains(text, "## Modes") {
		t.Error("guide missing modes section")
	}
}
