// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Kalendae tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/authz"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/ics"
	"github.com/starford/kalendae/internal/models"
)

const guideURI = "kalendae://retrieval-guide"

// Server wraps the MCP server with Kalendae tools.
type Server struct {
	mcp       *server.MCPServer
	svc       *calendar.Service
	principal string
}

// New creates a new MCP server with all Kalendae tools registered. Tool
// calls run as principal; empty means anonymous.
func New(svc *calendar.Service, principal string) *Server {
	s := &Server{svc: svc, principal: principal}

	s.mcp = server.NewMCPServer(
		"Kalendae",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("query_range",
		mcp.WithDescription("List events or occurrences in one or more collections overlapping a time window. "+
			"Read the retrieval guide first via get_retrieval_guide or the "+guideURI+" resource."),
		mcp.WithArray("collections", mcp.Required(), mcp.WithStringItems(),
			mcp.Description("Collection paths, e.g. [\"/cal/alice\"]")),
		mcp.WithString("from", mcp.Description("Window start, RFC 3339")),
		mcp.WithString("to", mcp.Description("Window end, RFC 3339 (exclusive)")),
		mcp.WithString("tz", mcp.Description("IANA zone for floating events")),
		mcp.WithString("mode", mcp.Enum("master", "overrides", "expanded"), mcp.Description("Retrieval mode (default expanded)")),
		mcp.WithString("query", mcp.Description("Only events whose summary contains this text")),
		mcp.WithString("format", mcp.Enum("json", "ics"), mcp.Description("Output format (default json)")),
	), s.queryRange)

	s.mcp.AddTool(mcp.NewTool("get_event",
		mcp.WithDescription("Look an event up by uid, optionally a single occurrence of it."),
		mcp.WithString("uid", mcp.Required(), mcp.Description("Event uid")),
		mcp.WithString("collection", mcp.Description("Restrict to one collection path")),
		mcp.WithString("recurrence_id", mcp.Description("Occurrence to resolve, e.g. 20240603T090000Z")),
		mcp.WithString("mode", mcp.Enum("master", "overrides", "expanded"), mcp.Description("Retrieval mode (default overrides)")),
	), s.getEvent)

	s.mcp.AddTool(mcp.NewTool("free_busy",
		mcp.WithDescription("Merged busy periods across collections in a time window."),
		mcp.WithArray("collections", mcp.Required(), mcp.WithStringItems(), mcp.Description("Collection paths")),
		mcp.WithString("from", mcp.Required(), mcp.Description("Window start, RFC 3339")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Window end, RFC 3339")),
		mcp.WithString("tz", mcp.Description("IANA zone for floating events")),
		mcp.WithBoolean("include_transparent", mcp.Description("Count transparent events as busy")),
	), s.freeBusy)

	s.mcp.AddTool(mcp.NewTool("import_ics",
		mcp.WithDescription("Import a VCALENDAR document into a collection. Existing uids are replaced."),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Target collection path")),
		mcp.WithString("content", mcp.Description("Inline VCALENDAR text")),
		mcp.WithString("url", mcp.Description("http(s) URL or data:text/calendar;base64 URI to fetch instead")),
	), s.importICS)

	s.mcp.AddTool(mcp.NewTool("get_retrieval_guide",
		mcp.WithDescription("Returns the guide to collections, recurrence ids, modes and time windows."),
	), s.getRetrievalGuide)

	s.mcp.AddResource(
		mcp.NewResource(guideURI, "Retrieval Guide",
			mcp.WithResourceDescription("How events, occurrences and retrieval modes are addressed."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readGuideResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) as(ctx context.Context) context.Context {
	if s.principal == "" {
		return ctx
	}
	return authz.WithPrincipal(ctx, s.principal)
}

// occurrence is the JSON shape of one result.
type occurrence struct {
	ID           string                `json:"id"`
	UID          string                `json:"uid"`
	Collection   string                `json:"collection"`
	RecurrenceID models.RecurrenceID   `json:"recurrence_id,omitempty"`
	Start        models.DateTime       `json:"start"`
	End          models.DateTime       `json:"end"`
	Summary      string                `json:"summary,omitempty"`
	Location     string                `json:"location,omitempty"`
	Status       models.Status         `json:"status,omitempty"`
	Rule         string                `json:"rule,omitempty"`
	Modified     bool                  `json:"modified,omitempty"`
	Overrides    []models.RecurrenceID `json:"modified_occurrences,omitempty"`
	Deleted      bool                  `json:"deleted,omitempty"`
}

func describe(r calendar.Result) occurrence {
	m := r.Master
	out := occurrence{
		ID:         m.ID,
		UID:        m.UID,
		Collection: m.ColPath,
		Start:      m.Start,
		End:        m.End,
		Summary:    m.Summary,
		Location:   m.Location,
		Status:     m.Status,
		Rule:       m.Rule,
		Deleted:    m.Tombstoned,
	}
	if p := r.Proxy; p != nil {
		out.RecurrenceID = p.Occurrence()
		out.Start, out.End = p.Start(), p.End()
		out.Summary = p.Summary()
		out.Location, _ = p.Value(models.FieldLocation)
		out.Status = p.Status()
		out.Rule = ""
		out.Modified = p.IsOverride()
	}
	for _, o := range r.Overrides {
		if o.IsOverride {
			out.Overrides = append(out.Overrides, o.RecurrenceID)
		}
	}
	return out
}

func resultText(rs calendar.ResultSet, format string) (*mcp.CallToolResult, error) {
	if format == "ics" {
		var b strings.Builder
		if err := ics.Encode(&b, rs); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(b.String()), nil
	}
	items := make([]occurrence, 0, rs.Len())
	for _, r := range rs.Results {
		items = append(items, describe(r))
	}
	out, _ := json.MarshalIndent(items, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func parseTime(req mcp.CallToolRequest, key string) (*time.Time, error) {
	v := req.GetString(key, "")
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC 3339, got %q", key, v)
	}
	return &t, nil
}

func parseZone(req mcp.CallToolRequest) (*time.Location, error) {
	tz := req.GetString("tz", "")
	if tz == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown tz %q", tz)
	}
	return loc, nil
}

// errText renders engine errors without leaking wrapped internals.
func errText(err error) string {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return "not found"
	case errors.Is(err, apperr.ErrAccessDenied):
		return "access denied"
	}
	return err.Error()
}

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(errText(err))
}

func (s *Server) queryRange(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cols, err := req.RequireStringSlice("collections")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	q := calendar.RangeQuery{ColPaths: cols}
	if q.Mode, err = models.ParseMode(req.GetString("mode", "expanded")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if q.From, err = parseTime(req, "from"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if q.To, err = parseTime(req, "to"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if q.Location, err = parseZone(req); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if text := req.GetString("query", ""); text != "" {
		q.Filter = calendar.SummaryContains(text)
	}
	rs, err := s.svc.GetByRange(s.as(ctx), q)
	if err != nil {
		return toolError(err), nil
	}
	return resultText(rs, req.GetString("format", "json"))
}

func (s *Server) getEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uid, err := req.RequireString("uid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	q := calendar.KeyQuery{ColPath: req.GetString("collection", ""), UID: uid}
	if q.Mode, err = models.ParseMode(req.GetString("mode", "overrides")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if raw := req.GetString("recurrence_id", ""); raw != "" {
		if q.RecurrenceID, err = models.ParseRecurrenceID(raw); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid recurrence_id %q", raw)), nil
		}
	}
	rs, err := s.svc.GetByKey(s.as(ctx), q)
	if err != nil {
		return toolError(err), nil
	}
	return resultText(rs, "json")
}

func (s *Server) freeBusy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cols, err := req.RequireStringSlice("collections")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	from, err := parseTime(req, "from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := parseTime(req, "to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if from == nil || to == nil {
		return mcp.NewToolResultError("from and to are required"), nil
	}
	loc, err := parseZone(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	periods, err := s.svc.FreeBusy(s.as(ctx), cols, *from, *to, calendar.FreeBusyOptions{
		IncludeTransparent: req.GetBool("include_transparent", false),
		Location:           loc,
	})
	if err != nil {
		return toolError(err), nil
	}
	if len(periods) == 0 {
		return mcp.NewToolResultText("free"), nil
	}
	out, _ := json.MarshalIndent(periods, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getRetrievalGuide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(RetrievalGuide), nil
}

func (s *Server) readGuideResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      guideURI,
			MIMEType: "text/markdown",
			Text:     RetrievalGuide,
		},
	}, nil
}
