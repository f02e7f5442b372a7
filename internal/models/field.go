package models

import "fmt"

// Field names one content field of an event. The set is closed: every
// Field has an explicit reader on Master and a reader and writer on
// Override, so partial projections never look anything up by name at
// runtime.
type Field int

const (
	FieldUID Field = iota
	FieldSummary
	FieldDescription
	FieldLocation
	FieldStatus
	FieldTransparency
	FieldStart
	FieldEnd
)

// OverrideFields lists the fields an override may carry.
var OverrideFields = []Field{
	FieldSummary, FieldDescription, FieldLocation, FieldStatus,
	FieldTransparency, FieldStart, FieldEnd,
}

var fieldNames = map[Field]string{
	FieldUID:          "uid",
	FieldSummary:      "summary",
	FieldDescription:  "description",
	FieldLocation:     "location",
	FieldStatus:       "status",
	FieldTransparency: "transparency",
	FieldStart:        "start",
	FieldEnd:          "end",
}

func (f Field) String() string {
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// Required reports whether a resolved item must have a value for f.
func (f Field) Required() bool {
	return f == FieldUID || f == FieldStart || f == FieldEnd
}

// ParseField maps a field name back to its Field.
func ParseField(name string) (Field, bool) {
	for f, n := range fieldNames {
		if n == name {
			return f, true
		}
	}
	return 0, false
}

// Value reads f from the master. Empty strings count as absent.
func (m *Master) Value(f Field) (string, bool) {
	var v string
	switch f {
	case FieldUID:
		v = m.UID
	case FieldSummary:
		v = m.Summary
	case FieldDescription:
		v = m.Description
	case FieldLocation:
		v = m.Location
	case FieldStatus:
		v = string(m.Status)
	case FieldTransparency:
		v = string(m.Transparency)
	case FieldStart:
		v = m.Start.String()
	case FieldEnd:
		v = m.End.String()
	}
	return v, v != ""
}

// Value reads f from the override layer only.
func (o *Override) Value(f Field) (string, bool) {
	switch f {
	case FieldSummary:
		return deref(o.Summary)
	case FieldDescription:
		return deref(o.Description)
	case FieldLocation:
		return deref(o.Location)
	case FieldStatus:
		if o.Status != nil {
			return string(*o.Status), true
		}
	case FieldTransparency:
		if o.Transparency != nil {
			return string(*o.Transparency), true
		}
	case FieldStart:
		if o.Start != nil {
			return o.Start.String(), true
		}
	case FieldEnd:
		if o.End != nil {
			return o.End.String(), true
		}
	}
	return "", false
}

// SetValue writes f on the override.
func (o *Override) SetValue(f Field, v string) error {
	switch f {
	case FieldSummary:
		o.Summary = &v
	case FieldDescription:
		o.Description = &v
	case FieldLocation:
		o.Location = &v
	case FieldStatus:
		s := Status(v)
		o.Status = &s
	case FieldTransparency:
		t := Transparency(v)
		o.Transparency = &t
	case FieldStart, FieldEnd:
		d, err := ParseDateTime(v)
		if err != nil {
			return err
		}
		if f == FieldStart {
			o.Start = &d
		} else {
			o.End = &d
		}
	default:
		return fmt.Errorf("models: field %s cannot be overridden", f)
	}
	return nil
}

// Values returns the sparse set of fields present on the override, keyed
// by field name.
func (o *Override) Values() map[string]string {
	out := make(map[string]string)
	for _, f := range OverrideFields {
		if v, ok := o.Value(f); ok {
			out[f.String()] = v
		}
	}
	return out
}

// SetValues is the inverse of Values.
func (o *Override) SetValues(values map[string]string) error {
	for name, v := range values {
		f, ok := ParseField(name)
		if !ok {
			return fmt.Errorf("models: unknown override field %q", name)
		}
		if err := o.SetValue(f, v); err != nil {
			return err
		}
	}
	return nil
}

func deref(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	return *s, true
}
