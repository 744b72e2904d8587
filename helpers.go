package norm

import (
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// stringBuilderPool reuses strings.Builder instances across query building.
var stringBuilderPool = sync.Pool{
	New: func() any {
		return &strings.Builder{}
	},
}

// GetStringBuilder returns a strings.Builder from the pool.
func GetStringBuilder() *strings.Builder {
	return stringBuilderPool.Get().(*strings.Builder)
}

// PutStringBuilder resets the builder and returns it to the pool.
// Do not use the builder or strings derived from its internal buffer after this call.
func PutStringBuilder(sb *strings.Builder) {
	sb.Reset()
	stringBuilderPool.Put(sb)
}

// writePlaceholdersWithSeparator writes n "?" placeholders joined by sep.
func writePlaceholdersWithSeparator(sb *strings.Builder, n int, sep string) {
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteByte('?')
	}
}

// ValidateColumnName checks that an identifier is safe to interpolate into SQL.
// Valid identifiers contain letters, digits, underscores and at most one dot
// (for table-qualified columns), and must not start with a digit.
func ValidateColumnName(name string) error {
	if name == "" {
		return fmt.Errorf("norm: empty column name")
	}
	if len(name) > 128 {
		return fmt.Errorf("norm: column name too long: %q", name)
	}

	dots := 0
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("norm: invalid column name: %q", name)
			}
		case r == '.':
			dots++
			if dots > 1 || i == 0 || i == len(name)-1 {
				return fmt.Errorf("norm: invalid column name: %q", name)
			}
		default:
			return fmt.Errorf("norm: invalid column name: %q", name)
		}
	}
	return nil
}

// ValidateRawQuery rejects raw SQL fragments containing statement separators
// or comment markers.
func ValidateRawQuery(query string) error {
	if strings.ContainsAny(query, ";") ||
		strings.Contains(query, "--") ||
		strings.Contains(query, "/*") {
		return fmt.Errorf("norm: raw query contains forbidden sequence: %q", query)
	}
	return nil
}

// rebind converts "?" placeholders to the numbered "$N" form when the default
// dialect uses numbered placeholders. Question marks inside single-quoted
// string literals are left untouched.
func rebind(query string) string {
	if !DefaultDialect().NumberedPlaceholders {
		return query
	}

	sb := GetStringBuilder()
	sb.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			sb.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(c)
		}
	}

	out := strings.Clone(sb.String())
	PutStringBuilder(sb)
	return out
}

// anyToKeyString converts a key value to its canonical string form for use in
// partition maps. Using string keys avoids mismatches between int and int64
// produced by different drivers.
func anyToKeyString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// compareIDs compares two ID values, handling type conversions (int vs int64, etc.)
func compareIDs(a, b any) bool {
	// Fast path: direct equality check (handles same type comparisons)
	if a == b {
		return true
	}

	if a == nil || b == nil {
		return a == b
	}

	aVal := reflect.ValueOf(a)
	bVal := reflect.ValueOf(b)

	if aVal.Kind() == reflect.Pointer {
		if aVal.IsNil() {
			return b == nil
		}
		aVal = aVal.Elem()
	}
	if bVal.Kind() == reflect.Pointer {
		if bVal.IsNil() {
			return a == nil
		}
		bVal = bVal.Elem()
	}

	if !aVal.IsValid() || !bVal.IsValid() {
		return false
	}

	aKind := aVal.Kind()
	bKind := bVal.Kind()

	// Arrays (UUIDs are [16]byte arrays)
	if aKind == reflect.Array && bKind == reflect.Array {
		if aVal.Type() == bVal.Type() && aVal.Len() == bVal.Len() {
			for i := 0; i < aVal.Len(); i++ {
				if aVal.Index(i).Interface() != bVal.Index(i).Interface() {
					return false
				}
			}
			return true
		}
	}

	if isInteger(aKind) && isInteger(bKind) {
		return aVal.Int() == bVal.Int()
	}

	if isUint(aKind) && isUint(bKind) {
		return aVal.Uint() == bVal.Uint()
	}

	if isInteger(aKind) && isUint(bKind) {
		aInt := aVal.Int()
		if aInt < 0 {
			return false
		}
		return uint64(aInt) == bVal.Uint()
	}
	if isUint(aKind) && isInteger(bKind) {
		bInt := bVal.Int()
		if bInt < 0 {
			return false
		}
		return aVal.Uint() == uint64(bInt)
	}

	if isFloat(aKind) && isFloat(bKind) {
		return aVal.Float() == bVal.Float()
	}

	if aKind == reflect.String && bKind == reflect.String {
		return aVal.String() == bVal.String()
	}

	return anyToKeyString(a) == anyToKeyString(b)
}

func isInteger(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uint64
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

// setFieldValue assigns a value to a struct field, converting between
// compatible representations (time.Time into sql.NullTime or *time.Time,
// numeric widening, driver []byte into string).
func setFieldValue(field reflect.Value, value any) error {
	if !field.CanSet() {
		return fmt.Errorf("norm: cannot set field")
	}

	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	val := reflect.ValueOf(value)

	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}

	// time.Time into nullable forms
	if t, ok := value.(time.Time); ok {
		switch field.Interface().(type) {
		case sql.NullTime:
			field.Set(reflect.ValueOf(sql.NullTime{Time: t, Valid: true}))
			return nil
		case *time.Time:
			field.Set(reflect.ValueOf(&t))
			return nil
		}
	}

	// Pointer targets take the address of a converted copy
	if field.Kind() == reflect.Pointer {
		elemType := field.Type().Elem()
		if val.Type().ConvertibleTo(elemType) {
			converted := reflect.New(elemType)
			converted.Elem().Set(val.Convert(elemType))
			field.Set(converted)
			return nil
		}
	}

	if b, ok := value.([]byte); ok && field.Kind() == reflect.String {
		field.SetString(string(b))
		return nil
	}

	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}

	return fmt.Errorf("norm: cannot assign %T to field of type %s", value, field.Type())
}

// fillStruct populates a struct with values from a column-keyed map.
func fillStruct[T any](entity *T, data map[string]any, info *ModelInfo) error {
	val := reflect.ValueOf(entity).Elem()

	for column, v := range data {
		field, ok := info.Columns[column]
		if !ok {
			continue
		}

		fieldVal := val.FieldByIndex(field.Index)
		if err := setFieldValue(fieldVal, v); err != nil {
			return fmt.Errorf("norm: fill %s: %w", column, err)
		}
	}
	return nil
}
