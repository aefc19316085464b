package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/diwise/iot-rule-engine/pkg/types"
)

var ErrUnsupportedValue = errors.New("unsupported field value")

// normalize converts received field values into the types the compiled predicates expect,
// int64 for integer and timestamp fields, float64 for floating fields. Values of fields
// without metadata are kept, with json numbers turned into int64 or float64.
func normalize(values map[string]any, fields []types.Field) (map[string]any, error) {
	fieldTypes := map[string]types.FieldType{}
	for _, f := range fields {
		fieldTypes[f.Name] = f.Type
	}

	result := make(map[string]any, len(values))

	for name, v := range values {
		ft, ok := fieldTypes[name]
		if !ok {
			result[name] = untyped(v)
			continue
		}

		nv, err := convert(v, ft)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}

		result[name] = nv
	}

	return result, nil
}

func untyped(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	}
	return v
}

func convert(v any, ft types.FieldType) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch {
	case ft.IsInteger():
		return toInt64(v)
	case ft.IsFloating():
		return toFloat64(v)
	case ft == types.FieldTypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
	case ft == types.FieldTypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	default:
		return untyped(v), nil
	}

	return nil, fmt.Errorf("%w: %v is not %s", ErrUnsupportedValue, v, ft)
}

func toInt64(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(math.Round(n)), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, n)
		}
		return int64(math.Round(f)), nil
	case time.Time:
		return n.UnixMilli(), nil
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, n); err == nil {
			return t.UnixMilli(), nil
		}
	}

	return nil, fmt.Errorf("%w: %v is not an integer", ErrUnsupportedValue, v)
}

func toFloat64(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, n)
		}
		return f, nil
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, nil
		}
	}

	return nil, fmt.Errorf("%w: %v is not a number", ErrUnsupportedValue, v)
}
