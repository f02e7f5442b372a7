package calendar

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/models"
)

func validateMaster(m *models.Master) error {
	err := validation.ValidateStruct(m,
		validation.Field(&m.ColPath, validation.Required, validation.By(absolutePath)),
		validation.Field(&m.UID, validation.Required),
		validation.Field(&m.Name, validation.Required),
		validation.Field(&m.Start, validation.By(setDateTime)),
		validation.Field(&m.Status, validation.In(models.StatusConfirmed, models.StatusTentative, models.StatusCancelled)),
		validation.Field(&m.Transparency, validation.In(models.TransparencyOpaque, models.TransparencyTransparent)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	if m.End.IsZero() {
		m.End = m.Start
	}
	if m.End.Floating != m.Start.Floating {
		return fmt.Errorf("%w: start and end mix floating and fixed time", apperr.ErrInvalidInput)
	}
	if m.End.Before(m.Start) {
		return fmt.Errorf("%w: end before start", apperr.ErrInvalidInput)
	}
	if m.TZID != "" && m.Start.Floating {
		return fmt.Errorf("%w: floating start cannot carry a tzid", apperr.ErrInvalidInput)
	}
	return nil
}

func validateOverride(o *models.Override) error {
	err := validation.ValidateStruct(o,
		validation.Field(&o.RecurrenceID, validation.Required, validation.By(recurrenceID)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	if o.Start != nil && o.End != nil {
		if o.Start.Floating != o.End.Floating {
			return fmt.Errorf("%w: override %s mixes floating and fixed time", apperr.ErrInvalidInput, o.RecurrenceID)
		}
		if o.End.Before(*o.Start) {
			return fmt.Errorf("%w: override %s ends before it starts", apperr.ErrInvalidInput, o.RecurrenceID)
		}
	}
	return nil
}

func absolutePath(v any) error {
	if p, _ := v.(string); !strings.HasPrefix(p, "/") {
		return errors.New("must be an absolute path")
	}
	return nil
}

func setDateTime(v any) error {
	if d, _ := v.(models.DateTime); d.IsZero() {
		return errors.New("cannot be blank")
	}
	return nil
}

func recurrenceID(v any) error {
	rid, _ := v.(models.RecurrenceID)
	if _, err := rid.DateTime(); err != nil {
		return errors.New("must be a date-time in basic format")
	}
	return nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
