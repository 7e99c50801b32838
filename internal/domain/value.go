package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Accepted date layouts for date fields.
var dateLayouts = []string{"2006-01-02", time.RFC3339}

// FieldValue is a typed attribute value accepted by a batch edit. The set of
// implementations is closed: IntegerValue, DoubleValue, DateValue,
// BooleanValue and TextValue.
type FieldValue interface {
	// Native returns the value as stored in feature attributes.
	Native() interface{}
	// Matches reports whether a stored attribute holds this value.
	Matches(v interface{}) bool
	fieldValue()
}

// IntegerValue is the value of an integer or small-integer field.
type IntegerValue int64

// DoubleValue is the value of a double field.
type DoubleValue float64

// DateValue is the value of a date field. A nil Time is null.
type DateValue struct {
	Time *time.Time
}

// BooleanValue is the value of a boolean field.
type BooleanValue bool

// TextValue is the value of a string field.
type TextValue string

func (IntegerValue) fieldValue() {}
func (DoubleValue) fieldValue()  {}
func (DateValue) fieldValue()    {}
func (BooleanValue) fieldValue() {}
func (TextValue) fieldValue()    {}

// Native returns the value as int64.
func (v IntegerValue) Native() interface{} { return int64(v) }

// Native returns the value as float64.
func (v DoubleValue) Native() interface{} { return float64(v) }

// Native returns the value as time.Time, or nil when null.
func (v DateValue) Native() interface{} {
	if v.Time == nil {
		return nil
	}
	return *v.Time
}

// Native returns the value as bool.
func (v BooleanValue) Native() interface{} { return bool(v) }

// Native returns the value as string.
func (v TextValue) Native() interface{} { return string(v) }

// Matches reports whether a stored number equals the value.
func (v IntegerValue) Matches(stored interface{}) bool {
	f, ok := toFloat(stored)
	return ok && f == float64(v)
}

// Matches reports whether a stored number equals the value.
func (v DoubleValue) Matches(stored interface{}) bool {
	f, ok := toFloat(stored)
	return ok && f == float64(v)
}

// Matches reports whether a stored date equals the value. Dates may be stored
// as time.Time or as a string in one of the accepted layouts.
func (v DateValue) Matches(stored interface{}) bool {
	if v.Time == nil {
		return stored == nil
	}
	switch s := stored.(type) {
	case time.Time:
		return s.Equal(*v.Time)
	case string:
		t, err := parseDate(s)
		return err == nil && t.Equal(*v.Time)
	}
	return false
}

// Matches reports whether a stored bool equals the value.
func (v BooleanValue) Matches(stored interface{}) bool {
	b, ok := stored.(bool)
	return ok && b == bool(v)
}

// Matches reports whether a stored string equals the value.
func (v TextValue) Matches(stored interface{}) bool {
	s, ok := stored.(string)
	return ok && s == string(v)
}

// ParseFieldValue converts raw user input to a typed value for a field of the
// given type. Unknown field types are treated as text. Failures are
// *ValidationError values wrapping ErrInvalidValue.
func ParseFieldValue(field Field, raw string) (FieldValue, error) {
	switch field.Type {
	case FieldInteger, FieldSmallInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, invalidValue(field, raw, "integer", "value is not an integer")
		}
		if field.Type == FieldSmallInteger && (n < math.MinInt16 || n > math.MaxInt16) {
			return nil, invalidValue(field, raw, "small-integer", "value out of 16-bit range")
		}
		return IntegerValue(n), nil
	case FieldDouble:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, invalidValue(field, raw, "double", "value is not a number")
		}
		return DoubleValue(f), nil
	case FieldDate:
		if raw == "" {
			return DateValue{}, nil
		}
		t, err := parseDate(strings.TrimSpace(raw))
		if err != nil {
			return nil, invalidValue(field, raw, "YYYY-MM-DD", "value is not a date")
		}
		return DateValue{Time: &t}, nil
	case FieldBoolean:
		switch raw {
		case "true":
			return BooleanValue(true), nil
		case "false":
			return BooleanValue(false), nil
		}
		return nil, invalidValue(field, raw, "true|false", "value must be true or false")
	case FieldOID:
		return nil, invalidValue(field, raw, "read-only", "object id field cannot be edited")
	default:
		return TextValue(raw), nil
	}
}

func parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func invalidValue(field Field, raw, constraint, msg string) error {
	return &ValidationError{
		Field:      field.Name,
		Value:      raw,
		Constraint: constraint,
		Message:    msg,
		Kind:       ErrInvalidValue,
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// FormatFieldValue renders a value for logs and API responses.
func FormatFieldValue(v FieldValue) string {
	if v == nil {
		return "null"
	}
	if d, ok := v.(DateValue); ok && d.Time != nil {
		return d.Time.Format("2006-01-02")
	}
	if n := v.Native(); n != nil {
		return fmt.Sprint(n)
	}
	return "null"
}
