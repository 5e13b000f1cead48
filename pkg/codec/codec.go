// Package codec converts between LIMS field text and typed Go values.
//
// Every typed property and dynamic field goes through this table, so the
// wire forms live in one place:
//
//	String, Text, URI  verbatim
//	Numeric            float64, locale-independent, "," accepted as decimal mark
//	Boolean            "true" / "false"; any other text parses as false
//	Date               2006-01-02
//	Datetime           2006-01-02T15:04:05-07:00
package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// FieldType is the type name the LIMS uses for a field.
type FieldType string

const (
	TypeString   FieldType = "String"
	TypeText     FieldType = "Text"
	TypeURI      FieldType = "URI"
	TypeNumeric  FieldType = "Numeric"
	TypeBoolean  FieldType = "Boolean"
	TypeDate     FieldType = "Date"
	TypeDatetime FieldType = "Datetime"
)

// AllTypes lists every known field type.
var AllTypes = []FieldType{TypeNumeric, TypeString, TypeText, TypeURI, TypeDate, TypeDatetime, TypeBoolean}

const (
	DateLayout     = "2006-01-02"
	DatetimeLayout = "2006-01-02T15:04:05-07:00"
)

// Date is a calendar date. It formats without a time component.
type Date struct {
	time.Time
}

// NewDate returns midnight UTC of the given day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// String implements fmt.Stringer.
func (d Date) String() string {
	return d.Format(DateLayout)
}

// Valid reports whether t names a known field type.
func (t FieldType) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Codec is a typed conversion between field text and a Go value.
type Codec[T any] interface {
	Format(T) string
	Parse(string) (T, error)
	Type() FieldType
}

type stringCodec struct{ t FieldType }

func (c stringCodec) Format(v string) string { return v }
func (c stringCodec) Parse(s string) (string, error) { return s, nil }
func (c stringCodec) Type() FieldType { return c.t }

type numericCodec struct{}

func (numericCodec) Format(v float64) string { return FormatNumeric(v) }
func (numericCodec) Parse(s string) (float64, error) { return ParseNumeric(s) }
func (numericCodec) Type() FieldType { return TypeNumeric }

type booleanCodec struct{}

func (booleanCodec) Format(v bool) string { return FormatBoolean(v) }
func (booleanCodec) Parse(s string) (bool, error) { return ParseBoolean(s), nil }
func (booleanCodec) Type() FieldType { return TypeBoolean }

type dateCodec struct{}

func (dateCodec) Format(v Date) string { return v.Format(DateLayout) }
func (dateCodec) Parse(s string) (Date, error) { return ParseDate(s) }
func (dateCodec) Type() FieldType { return TypeDate }

type datetimeCodec struct{}

func (datetimeCodec) Format(v time.Time) string { return v.Format(DatetimeLayout) }
func (datetimeCodec) Parse(s string) (time.Time, error) { return ParseDatetime(s) }
func (datetimeCodec) Type() FieldType { return TypeDatetime }

// Typed codecs used by property bindings.
var (
	String   Codec[string]    = stringCodec{t: TypeString}
	Text     Codec[string]    = stringCodec{t: TypeText}
	URI      Codec[string]    = stringCodec{t: TypeURI}
	Numeric  Codec[float64]   = numericCodec{}
	Boolean  Codec[bool]      = booleanCodec{}
	DateOnly Codec[Date]      = dateCodec{}
	Datetime Codec[time.Time] = datetimeCodec{}
)

// FormatNumeric writes v with the shortest representation that round-trips.
func FormatNumeric(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseNumeric parses s as a float, accepting "," as the decimal mark.
func ParseNumeric(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(NormalizeDecimal(s)), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value %q: %w", s, err)
	}
	return v, nil
}

// NormalizeDecimal replaces comma decimal marks, which some server locales
// emit but never accept back.
func NormalizeDecimal(s string) string {
	return strings.ReplaceAll(s, ",", ".")
}

// FormatBoolean writes "true" or "false".
func FormatBoolean(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// ParseBoolean is an exact match on "true".
func ParseBoolean(s string) bool {
	return s == "true"
}

// ParseDate parses a date in any common layout, year first.
func ParseDate(s string) (Date, error) {
	t, err := dateparse.ParseAny(strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return NewDate(t.Year(), t.Month(), t.Day()), nil
}

// ParseDatetime parses a timestamp in any common layout.
func ParseDatetime(s string) (time.Time, error) {
	t, err := dateparse.ParseAny(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime %q: %w", s, err)
	}
	return t, nil
}

// Parse converts field text to a typed value based on the field type.
// Text types return the string unchanged. Empty text for any other type
// yields nil.
func Parse(t FieldType, s string) (any, error) {
	switch t {
	case TypeString, TypeText, TypeURI:
		return s, nil
	}
	if !t.Valid() {
		return nil, fmt.Errorf("unknown field type %q", string(t))
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	switch t {
	case TypeNumeric:
		return ParseNumeric(s)
	case TypeBoolean:
		return ParseBoolean(s), nil
	case TypeDate:
		return ParseDate(s)
	default:
		return ParseDatetime(s)
	}
}

// Format converts a Go value to field text. nil formats as the empty string.
func Format(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return FormatBoolean(x), nil
	case float64:
		return FormatNumeric(x), nil
	case float32:
		return FormatNumeric(float64(x)), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case Date:
		return x.Format(DateLayout), nil
	case time.Time:
		return x.Format(DatetimeLayout), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// FormatPrecision renders v with a fixed number of decimal places.
func FormatPrecision(v float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}
