package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/schema"
)

// Wire layouts for temporal values. The service rejects ISO-8601 timestamps
// with a 'T' separator.
const (
	TimestampLayout = "2006-01-02 15:04:05.999999"
	DateLayout      = "2006-01-02"
	TimeLayout      = "15:04:05.999999"
)

var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"15:04:05.999999999",
}

// Coerce converts v to the JSON value the service expects for a column of
// the given type.
func Coerce(col schema.Column, v interface{}) (interface{}, error) {
	if v == nil {
		if col.NotNull {
			return nil, fmt.Errorf("column %s is NOT NULL", col.Name)
		}
		return nil, nil
	}

	switch {
	case col.Type.IsIntegral():
		return toInt(v)
	case col.Type.IsNumeric():
		return toFloat(v)
	case col.Type.IsTemporal():
		return toTemporal(col.Type, v)
	}

	switch col.Type {
	case schema.Boolean:
		return toBool(v)
	case schema.Char, schema.Varchar, schema.String, schema.Text:
		if s, ok := v.(string); ok {
			return s, nil
		}
		if t, ok := v.(time.Time); ok {
			return t.Format(TimestampLayout), nil
		}
		return fmt.Sprintf("%v", v), nil
	}
	return v, nil
}

func toInt(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("cannot convert to int: %d overflows", n)
		}
		return int64(n), nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert to int: %w", err)
		}
		return i, nil
	case bool:
		if n {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("cannot convert %T to int", v)
}

func floatToInt(f float64) (interface{}, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("cannot convert to int: %v is not a whole number", f)
	}
	return int64(f), nil
}

func toFloat(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert to float: %w", err)
		}
		return f, nil
	}
	i, err := toInt(v)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %T to float", v)
	}
	return float64(i.(int64)), nil
}

func toBool(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return nil, fmt.Errorf("cannot convert to boolean: %w", err)
		}
		return parsed, nil
	}
	return nil, fmt.Errorf("cannot convert %T to boolean", v)
}

func toTemporal(typ schema.Type, v interface{}) (interface{}, error) {
	var t time.Time
	switch tv := v.(type) {
	case time.Time:
		t = tv
	case *time.Time:
		if tv == nil {
			return nil, nil
		}
		t = *tv
	case string:
		parsed, err := parseTime(tv)
		if err != nil {
			return nil, err
		}
		t = parsed
	default:
		return nil, fmt.Errorf("cannot convert %T to %s", v, typ)
	}

	switch typ {
	case schema.Date:
		return t.Format(DateLayout), nil
	case schema.Time:
		return t.Format(TimeLayout), nil
	}
	return t.Format(TimestampLayout), nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date: %s", s)
}
