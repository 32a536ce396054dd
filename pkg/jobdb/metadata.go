package jobdb

import (
	"fmt"
	"time"
)

// Metadata is the persisted row of one job, minus its state.
//
// The key set is fixed at construction from the table's field list; setting
// a key outside it fails. Writes are buffered and tracked per column until
// the repository persists them and calls MarkSynced.
type Metadata struct {
	order  []string
	kinds  map[string]FieldKind
	values map[string]any
	dirty  map[string]struct{}
}

// NewMetadata builds metadata for the given fields from a row map. The state
// column, if present in row, is dropped. Missing keys are nil.
func NewMetadata(fields []Field, row map[string]any) *Metadata {
	m := &Metadata{
		order:  make([]string, 0, len(fields)),
		kinds:  make(map[string]FieldKind, len(fields)),
		values: make(map[string]any, len(fields)),
		dirty:  make(map[string]struct{}),
	}
	for _, f := range fields {
		if f.Name == "state" {
			continue
		}
		m.order = append(m.order, f.Name)
		m.kinds[f.Name] = f.Kind
		m.values[f.Name] = normalize(f.Kind, row[f.Name])
	}
	return m
}

// Keys returns the column names in schema order.
func (m *Metadata) Keys() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Has reports whether key is a column of this job.
func (m *Metadata) Has(key string) bool {
	_, ok := m.kinds[key]
	return ok
}

// Get returns the value of a column, or nil when unset or unknown.
func (m *Metadata) Get(key string) any {
	return m.values[key]
}

// String returns a text column, or "" when null.
func (m *Metadata) String(key string) string {
	switch v := m.values[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Time returns a time column, or nil when null.
func (m *Metadata) Time(key string) *time.Time {
	if v, ok := m.values[key].(time.Time); ok {
		return &v
	}
	return nil
}

// Name returns the job name.
func (m *Metadata) Name() string {
	return m.String("name")
}

// Set assigns a column value. Assigning the value a column already holds
// does not mark it dirty.
func (m *Metadata) Set(key string, value any) error {
	kind, ok := m.kinds[key]
	if !ok {
		return &UnknownFieldError{Field: key}
	}
	v := normalize(kind, value)
	if sameValue(m.values[key], v) {
		return nil
	}
	m.values[key] = v
	m.dirty[key] = struct{}{}
	return nil
}

// MustSet is Set for keys known to be part of the base schema.
func (m *Metadata) MustSet(key string, value any) {
	if err := m.Set(key, value); err != nil {
		panic(err)
	}
}

// NeedsSync reports whether any column changed since the last sync.
func (m *Metadata) NeedsSync() bool {
	return len(m.dirty) > 0
}

// DirtyKeys returns the changed columns in schema order.
func (m *Metadata) DirtyKeys() []string {
	out := make([]string, 0, len(m.dirty))
	for _, k := range m.order {
		if _, ok := m.dirty[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// MarkSynced clears the dirty set.
func (m *Metadata) MarkSynced() {
	m.dirty = make(map[string]struct{})
}

// Values returns a copy of all columns.
func (m *Metadata) Values() map[string]any {
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// normalize coerces a value into the canonical Go type for its column kind.
// Times are stored in UTC at second precision, matching DATETIME columns.
func normalize(kind FieldKind, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *time.Time:
		if x == nil {
			return nil
		}
		return normalize(kind, *x)
	case time.Time:
		return x.UTC().Truncate(time.Second)
	case []byte:
		if kind == KindTime {
			if t, err := parseDBTime(string(x)); err == nil {
				return t
			}
		}
		return string(x)
	case string:
		if kind == KindTime {
			if t, err := parseDBTime(x); err == nil {
				return t
			}
		}
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

func sameValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return a == b
}

const dbTimeLayout = "2006-01-02 15:04:05"

var dbTimeLayouts = []string{
	dbTimeLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05Z",
	"2006-01-02",
}

func parseDBTime(s string) (time.Time, error) {
	for _, layout := range dbTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time value %q", s)
}

// dbValue converts a metadata value into a driver argument.
func dbValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(dbTimeLayout)
	}
	return v
}
