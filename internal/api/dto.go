package api

import (
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/models"
)

// AddEventRequest is the request body for creating an event.
type AddEventRequest struct {
	Master                *models.Master     `json:"master" validate:"required"`
	Overrides             []*models.Override `json:"overrides,omitempty"`
	RollbackOnError       bool               `json:"rollback_on_error,omitempty"`
	DemoteEmptyRecurrence bool               `json:"demote_empty_recurrence,omitempty"`
}

// UpdateEventRequest is the request body for updating an event. The master
// stamp seq must match the stored one; an If-Match header overrides it.
type UpdateEventRequest struct {
	Master               *models.Master     `json:"master" validate:"required"`
	Overrides            []*models.Override `json:"overrides,omitempty"`
	DeletedOverrideIDs   []string           `json:"deleted_override_ids,omitempty"`
	RollbackOnError      bool               `json:"rollback_on_error,omitempty"`
	RejectEmptyExpansion bool               `json:"reject_empty_expansion,omitempty"`
}

// MoveEventRequest is the request body for moving an event between
// collections.
type MoveEventRequest struct {
	From string `json:"from" example:"/cal/alice" validate:"required"`
	To   string `json:"to" example:"/cal/alice/work" validate:"required"`
}

// Occurrence is the resolved view of one occurrence.
type Occurrence struct {
	RecurrenceID models.RecurrenceID `json:"recurrence_id,omitempty"`
	Start        models.DateTime     `json:"start"`
	End          models.DateTime     `json:"end"`
	Summary      string              `json:"summary,omitempty"`
	Description  string              `json:"description,omitempty"`
	Location     string              `json:"location,omitempty"`
	Status       models.Status       `json:"status,omitempty"`
	Transparency models.Transparency `json:"transparency,omitempty"`
	IsOverride   bool                `json:"is_override"`
}

// ResultItem is one entry of a result set.
type ResultItem struct {
	Key        string             `json:"key" example:"3f2a.../20240603T090000Z"`
	Master     *models.Master     `json:"master"`
	Overrides  []*models.Override `json:"overrides,omitempty"`
	Occurrence *Occurrence        `json:"occurrence,omitempty"`
	Access     string             `json:"access,omitempty"`
}

// ResultSetResponse wraps query results.
type ResultSetResponse struct {
	Mode    string       `json:"mode" example:"expanded"`
	Results []ResultItem `json:"results" validate:"required"`
	Total   int          `json:"total" example:"42"`
}

// SyncResponse wraps a sync result and the token to pass next time.
type SyncResponse struct {
	ResultSetResponse
	Token models.SyncToken `json:"token" example:"seq-42"`
}

// FreeBusyResponse wraps consolidated busy periods.
type FreeBusyResponse struct {
	Periods []models.BusyPeriod `json:"periods" validate:"required"`
}

// ImportItem reports the outcome for one object of an iCalendar upload.
type ImportItem struct {
	UID       string                    `json:"uid"`
	ID        string                    `json:"id,omitempty"`
	Instances int                       `json:"instances,omitempty"`
	Failed    []calendar.FailedOverride `json:"failed_overrides,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

// ImportResponse wraps an iCalendar upload outcome.
type ImportResponse struct {
	Imported int          `json:"imported"`
	Items    []ImportItem `json:"items"`
}

func occurrenceOf(p *models.Proxy) *Occurrence {
	desc, _ := p.Value(models.FieldDescription)
	loc, _ := p.Value(models.FieldLocation)
	return &Occurrence{
		RecurrenceID: p.Occurrence(),
		Start:        p.Start(),
		End:          p.End(),
		Summary:      p.Summary(),
		Description:  desc,
		Location:     loc,
		Status:       p.Status(),
		Transparency: p.Transparency(),
		IsOverride:   p.IsOverride(),
	}
}

func resultSetResponse(rs calendar.ResultSet) ResultSetResponse {
	out := ResultSetResponse{Mode: rs.Mode.String(), Results: make([]ResultItem, 0, rs.Len()), Total: rs.Len()}
	for _, r := range rs.Results {
		item := ResultItem{
			Key:       r.Key().String(),
			Master:    r.Master,
			Overrides: r.Overrides,
			Access:    r.Access,
		}
		if r.Proxy != nil {
			item.Occurrence = occurrenceOf(r.Proxy)
		}
		out.Results = append(out.Results, item)
	}
	return out
}
