package parquet

import (
	"fmt"
	"time"

	"github.com/openquant/dbmaint/internal/types"
)

// encodeRow converts a types.Row into the concrete value types the parquet
// schema expects. Missing values take the column's zero value.
func encodeRow(schema types.TableSchema, row types.Row) (map[string]any, error) {
	enc := make(map[string]any, len(schema.Columns))

	for _, col := range schema.Columns {
		v, ok := row[col.Name]
		if !ok || v == nil {
			enc[col.Name] = zeroValue(col.Kind)
			continue
		}

		switch col.Kind {
		case types.KindString:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("column %s: expected string, got %T", col.Name, v)
			}
			enc[col.Name] = s

		case types.KindInt64:
			n, err := toInt64(v)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			enc[col.Name] = n

		case types.KindFloat64:
			f, err := toFloat64(v)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			enc[col.Name] = f

		case types.KindBool:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("column %s: expected bool, got %T", col.Name, v)
			}
			enc[col.Name] = b

		case types.KindTime:
			t, ok := v.(time.Time)
			if !ok {
				return nil, fmt.Errorf("column %s: expected time.Time, got %T", col.Name, v)
			}
			enc[col.Name] = t.UTC().UnixMilli()
		}
	}

	return enc, nil
}

// decodeRow converts stored values back into a types.Row, projected to the
// requested columns (nil means all).
func decodeRow(schema types.TableSchema, enc map[string]any, columns []string) types.Row {
	want := func(name string) bool {
		if len(columns) == 0 {
			return true
		}
		for _, c := range columns {
			if c == name {
				return true
			}
		}
		return false
	}

	row := make(types.Row, len(schema.Columns))
	for _, col := range schema.Columns {
		if !want(col.Name) {
			continue
		}
		v, ok := enc[col.Name]
		if !ok {
			continue
		}

		if col.Kind == types.KindTime {
			if ms, err := toInt64(v); err == nil {
				row[col.Name] = time.UnixMilli(ms).UTC()
			}
			continue
		}

		// parquet-go may hand back narrower integer types.
		if col.Kind == types.KindInt64 {
			if n, err := toInt64(v); err == nil {
				row[col.Name] = n
			}
			continue
		}

		row[col.Name] = v
	}

	return row
}

func zeroValue(kind types.ColumnKind) any {
	switch kind {
	case types.KindString:
		return ""
	case types.KindInt64:
		return int64(0)
	case types.KindFloat64:
		return float64(0)
	case types.KindBool:
		return false
	case types.KindTime:
		return int64(0)
	default:
		return nil
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	case int64:
		return float64(f), nil
	case int:
		return float64(f), nil
	default:
		return 0, fmt.Errorf("expected float, got %T", v)
	}
}
