// Package decode converts Exasol wire values into Go domain values.
//
// The websocket protocol delivers every field as a JSON scalar together with
// per-column type metadata (type tag, precision, scale, size). This package
// is a pure function library: given that metadata it produces a Converter,
// and the converter maps one raw wire value to its domain value. It performs
// no I/O and holds no state.
//
// Numbers must arrive as json.Number (the envelope decoder uses UseNumber),
// so DECIMAL values of any precision survive without passing through a
// binary float.
package decode

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/koustreak/exalink/internal/errs"
)

// DataType is the wire-level type descriptor the server attaches to each
// result column.
type DataType struct {
	Type              string `json:"type"`
	Precision         int64  `json:"precision,omitempty"`
	Scale             int64  `json:"scale,omitempty"`
	Size              int64  `json:"size,omitempty"`
	CharacterSet      string `json:"characterSet,omitempty"`
	WithLocalTimeZone bool   `json:"withLocalTimeZone,omitempty"`
	Fraction          int64  `json:"fraction,omitempty"`
	SRID              int64  `json:"srid,omitempty"`
}

// Session carries the session attributes that influence decoding: the
// NLS date/timestamp formats and the server time zone, all announced by the
// server in response attributes.
type Session struct {
	DateFormat     string
	DatetimeFormat string
	Location       *time.Location
}

// Converter maps one raw wire value to its domain value.
// A nil wire value (SQL NULL) always maps to nil.
type Converter func(val any) (any, error)

// Date is a calendar date without a time component, as produced for DATE
// columns.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// ParseDate parses a yyyy-mm-dd string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, errs.Wrap(errs.KindDecode, "malformed DATE value", err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// The family of NLS timestamp formats this decoder can translate into a Go
// time layout. Anything outside it passes values through as strings.
var datetimeFormat = regexp.MustCompile(
	`^YYYY-MM-DD(( |T)HH(24)?(:MI(:SS(\.FF(3|6))?)?)?)?$`)

// timestampLayout translates an Exasol NLS timestamp format into a Go time
// layout, or "" when the format is outside the supported family.
func timestampLayout(format string) string {
	m := datetimeFormat.FindStringSubmatch(format)
	if m == nil {
		return ""
	}
	layout := "2006-01-02"
	if m[1] == "" {
		return layout
	}
	layout += m[2] + "15" // separator plus hour; HH and HH24 read the same
	if m[4] == "" {
		return layout
	}
	layout += ":04"
	if m[5] == "" {
		return layout
	}
	layout += ":05"
	switch m[7] {
	case "3":
		layout += ".000"
	case "6":
		layout += ".000000"
	}
	return layout
}

// ConverterFor returns the Converter for one column. It fails with a decode
// error when the type tag is not part of the protocol's declared type set.
func ConverterFor(dt DataType, s Session) (Converter, error) {
	switch dt.Type {
	case "DECIMAL":
		if dt.Scale == 0 {
			if dt.Precision < 19 {
				return nullable(toInt64), nil
			}
			return nullable(toBigInt), nil
		}
		return nullable(toDecimal), nil

	case "DOUBLE":
		return nullable(toFloat64), nil

	case "CHAR", "VARCHAR":
		return nullable(toString), nil

	case "BOOLEAN":
		return nullable(toBool), nil

	case "DATE":
		if s.DateFormat != "YYYY-MM-DD" {
			return nullable(toString), nil
		}
		return nullable(func(val any) (any, error) {
			str, err := asString(val, "DATE")
			if err != nil {
				return nil, err
			}
			return ParseDate(str)
		}), nil

	case "TIMESTAMP", "TIMESTAMP WITH LOCAL TIME ZONE":
		layout := timestampLayout(s.DatetimeFormat)
		if layout == "" {
			return nullable(toString), nil
		}
		// Plain timestamps are zoneless and read in UTC; the local-time-zone
		// variant is anchored to the session's server zone when known.
		localized := dt.WithLocalTimeZone || dt.Type == "TIMESTAMP WITH LOCAL TIME ZONE"
		loc := time.UTC
		if localized && s.Location != nil {
			loc = s.Location
		}
		return nullable(func(val any) (any, error) {
			str, err := asString(val, dt.Type)
			if err != nil {
				return nil, err
			}
			t, err := time.ParseInLocation(layout, str, loc)
			if err != nil {
				return nil, errs.Wrap(errs.KindDecode, "malformed TIMESTAMP value", err)
			}
			return t, nil
		}), nil

	case "HASHTYPE":
		return nullable(toHash), nil

	case "INTERVAL YEAR TO MONTH", "INTERVAL DAY TO SECOND", "GEOMETRY":
		// Explicitly unconverted: opaque wire values.
		return nullable(passthrough), nil
	}

	return nil, errs.Newf(errs.KindDecode, "unrecognized wire type %q", dt.Type)
}

// Converters builds one converter per column. The returned slice is indexed
// by column position.
func Converters(types []DataType, s Session) ([]Converter, error) {
	convs := make([]Converter, len(types))
	for i, dt := range types {
		conv, err := ConverterFor(dt, s)
		if err != nil {
			return nil, err
		}
		convs[i] = conv
	}
	return convs, nil
}

// nullable short-circuits SQL NULL before the type-specific conversion.
func nullable(conv Converter) Converter {
	return func(val any) (any, error) {
		if val == nil {
			return nil, nil
		}
		return conv(val)
	}
}

func passthrough(val any) (any, error) {
	return val, nil
}

// asString accepts the two scalar encodings the envelope may carry for a
// column asserted to be textual on the wire.
func asString(val any, typeName string) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return "", errs.Newf(errs.KindDecode, "unexpected %T value for %s column", val, typeName)
}

// asNumeric returns the decimal string for a value that is numeric on the
// wire. Exasol emits DECIMAL either as a JSON number or, for very large
// precisions, as a string.
func asNumeric(val any, typeName string) (string, error) {
	switch v := val.(type) {
	case json.Number:
		return string(v), nil
	case string:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v).String(), nil
	case int64:
		return fmt.Sprintf("%d", v), nil
	}
	return "", errs.Newf(errs.KindDecode, "unexpected %T value for %s column", val, typeName)
}

func toInt64(val any) (any, error) {
	str, err := asNumeric(val, "DECIMAL")
	if err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(str, 10)
	if !ok {
		return nil, errs.Newf(errs.KindDecode, "malformed DECIMAL value %q", str)
	}
	if !n.IsInt64() {
		return n, nil
	}
	return n.Int64(), nil
}

func toBigInt(val any) (any, error) {
	str, err := asNumeric(val, "DECIMAL")
	if err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(str, 10)
	if !ok {
		return nil, errs.Newf(errs.KindDecode, "malformed DECIMAL value %q", str)
	}
	return n, nil
}

func toDecimal(val any) (any, error) {
	str, err := asNumeric(val, "DECIMAL")
	if err != nil {
		return nil, err
	}
	d, derr := decimal.NewFromString(str)
	if derr != nil {
		return nil, errs.Wrap(errs.KindDecode, "malformed DECIMAL value", derr)
	}
	return d, nil
}

func toFloat64(val any) (any, error) {
	switch v := val.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, errs.Wrap(errs.KindDecode, "malformed DOUBLE value", err)
		}
		return f, nil
	case float64:
		return v, nil
	}
	return nil, errs.Newf(errs.KindDecode, "unexpected %T value for DOUBLE column", val)
}

func toString(val any) (any, error) {
	return asString(val, "VARCHAR")
}

func toBool(val any) (any, error) {
	if b, ok := val.(bool); ok {
		return b, nil
	}
	return nil, errs.Newf(errs.KindDecode, "unexpected %T value for BOOLEAN column", val)
}

// toHash decodes HASHTYPE values. With the session's HASHTYPE_FORMAT set to
// UUID the server sends dash-separated hex, decoded to a uuid.UUID; plain
// hex decodes to raw bytes.
func toHash(val any) (any, error) {
	str, err := asString(val, "HASHTYPE")
	if err != nil {
		return nil, err
	}
	if strings.ContainsRune(str, '-') {
		id, uerr := uuid.Parse(str)
		if uerr != nil {
			return nil, errs.Wrap(errs.KindDecode, "malformed HASHTYPE uuid value", uerr)
		}
		return id, nil
	}
	raw, herr := hex.DecodeString(str)
	if herr != nil {
		return nil, errs.Wrap(errs.KindDecode, "malformed HASHTYPE hex value", herr)
	}
	return raw, nil
}
