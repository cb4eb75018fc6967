package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/camatools/pacsync/internal/mapping"
)

// acceptedDateLayouts are tried in order when format_date receives a
// string input.
var acceptedDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// errUnknownTransform marks a transform name outside the recognized set.
// Unknown transforms are skipped with a note rather than failing the
// record.
type errUnknownTransform struct{ name string }

func (e errUnknownTransform) Error() string {
	return fmt.Sprintf("unknown transform %q", e.name)
}

// apply runs one named transform. A nil input produces the transform's
// zero value. Errors leave the caller holding the pre-transform value.
func apply(spec mapping.TransformSpec, v interface{}) (interface{}, error) {
	if v == nil {
		return zeroValue(spec.Name), nil
	}
	switch spec.Name {
	case "uppercase":
		return strings.ToUpper(toString(v)), nil
	case "lowercase":
		return strings.ToLower(toString(v)), nil
	case "capitalize":
		s := toString(v)
		if s == "" {
			return s, nil
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:]), nil
	case "trim":
		return strings.TrimSpace(toString(v)), nil
	case "to_int":
		return toInt(v)
	case "to_float":
		return toFloat(v)
	case "to_bool":
		return toBool(v)
	case "invert_bool":
		b, err := toBool(v)
		if err != nil {
			return nil, err
		}
		return !b, nil
	case "format_date":
		return formatDate(v, spec.Arg)
	case "join_fields":
		return joinFields(v, spec.Arg)
	case "split_field":
		sep := spec.Arg
		if sep == "" {
			sep = ","
		}
		parts := strings.Split(toString(v), sep)
		out := make([]interface{}, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out, nil
	}
	return nil, errUnknownTransform{spec.Name}
}

// zeroValue is what a transform yields for null input: the zero of the
// transform's output type.
func zeroValue(name string) interface{} {
	switch name {
	case "to_int":
		return int64(0)
	case "to_float":
		return 0.0
	case "to_bool", "invert_bool":
		return false
	case "split_field":
		return []interface{}{}
	default:
		return ""
	}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), nil
		}
		return 0, fmt.Errorf("to_int: cannot parse %q", x)
	}
	return 0, fmt.Errorf("to_int: unsupported type %T", v)
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("to_float: cannot parse %q", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("to_float: unsupported type %T", v)
}

func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int:
		return x != 0, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0", "":
			return false, nil
		}
		return false, fmt.Errorf("to_bool: cannot parse %q", x)
	}
	return false, fmt.Errorf("to_bool: unsupported type %T", v)
}

func formatDate(v interface{}, layout string) (interface{}, error) {
	if layout == "" {
		layout = "2006-01-02"
	}
	switch x := v.(type) {
	case time.Time:
		return x.Format(layout), nil
	case string:
		s := strings.TrimSpace(x)
		for _, in := range acceptedDateLayouts {
			if t, err := time.Parse(in, s); err == nil {
				return t.Format(layout), nil
			}
		}
		return nil, fmt.Errorf("format_date: cannot parse %q", x)
	}
	return nil, fmt.Errorf("format_date: unsupported type %T", v)
}

func joinFields(v interface{}, sep string) (interface{}, error) {
	if sep == "" {
		sep = " "
	}
	switch x := v.(type) {
	case []interface{}:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			if p == nil {
				continue
			}
			parts = append(parts, toString(p))
		}
		return strings.Join(parts, sep), nil
	case []string:
		return strings.Join(x, sep), nil
	case string:
		return x, nil
	}
	return nil, fmt.Errorf("join_fields: unsupported type %T", v)
}
