package database

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"unicode/utf8"
)

// Row is a database row keyed by column name.
type Row map[string]any

// String returns the value of key as a string, or "" when absent or null.
func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the value of key as an int64 and whether it was present and numeric.
func (r Row) Int(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Has reports whether key is present with a non-null value.
func (r Row) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// Keys returns the row's column names, sorted.
func (r Row) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// BindValue coerces a JSON-shaped value into a driver value: nulls stay null,
// integral numbers become int64, other numbers float64, booleans 0/1, strings
// pass through and anything else is stringified as JSON.
func BindValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case float32:
		return bindFloat(float64(x))
	case float64:
		return bindFloat(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case string:
		return x
	case []byte:
		return x
	default:
		if v, ok := bindReflect(x); ok {
			return v
		}
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// bindReflect unwraps pointers and named scalar types.
func bindReflect(v any) (any, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, true
		}
		return BindValue(rv.Elem().Interface()), true
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return BindValue(rv.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Float32, reflect.Float64:
		return bindFloat(rv.Float()), true
	}
	return nil, false
}

func bindFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

// BindValues coerces every element with BindValue.
func BindValues(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = BindValue(v)
	}
	return out
}

// normalizeValue turns driver output into JSON-friendly values.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok && utf8.Valid(b) {
		return string(b)
	}
	return v
}

func normalizeRow(m map[string]any) Row {
	out := make(Row, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}
