package jobdb

import (
	"fmt"
	"strings"
)

// FieldKind is the storage type of a jobs column.
type FieldKind string

const (
	KindText  FieldKind = "text"
	KindInt   FieldKind = "int"
	KindFloat FieldKind = "float"
	KindTime  FieldKind = "time"
)

// Field describes one column of the jobs table.
type Field struct {
	Name     string    `mapstructure:"name"`
	Kind     FieldKind `mapstructure:"type"`
	Size     int       `mapstructure:"size"`
	Nullable bool      `mapstructure:"nullable"`
	Key      bool      `mapstructure:"-"`
	Default  string    `mapstructure:"default"`
}

// MaxNameLength is the maximum length of a job name.
const MaxNameLength = 40

// BaseFields returns the columns every service stores, in schema order.
func BaseFields() []Field {
	return []Field{
		{Name: "name", Kind: KindText, Size: MaxNameLength, Key: true},
		{Name: "user", Kind: KindText, Size: 40, Nullable: true},
		{Name: "passwd", Kind: KindText, Size: 10, Nullable: true},
		{Name: "contact_email", Kind: KindText, Size: 100, Nullable: true},
		{Name: "directory", Kind: KindText, Nullable: true},
		{Name: "url", Kind: KindText},
		{Name: "submit_time", Kind: KindTime},
		{Name: "preprocess_time", Kind: KindTime, Nullable: true},
		{Name: "run_time", Kind: KindTime, Nullable: true},
		{Name: "postprocess_time", Kind: KindTime, Nullable: true},
		{Name: "finalize_time", Kind: KindTime, Nullable: true},
		{Name: "end_time", Kind: KindTime, Nullable: true},
		{Name: "archive_time", Kind: KindTime, Nullable: true},
		{Name: "expire_time", Kind: KindTime, Nullable: true},
		{Name: "runner_id", Kind: KindText, Size: 200, Nullable: true},
		{Name: "failure", Kind: KindText, Nullable: true},
	}
}

// Validate checks an extension field definition.
func (f Field) Validate() error {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		return fmt.Errorf("field name is required")
	}
	if name == "state" {
		return fmt.Errorf("field name %q is reserved", name)
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("field name %q contains invalid character %q", name, r)
		}
	}
	switch f.Kind {
	case KindText, KindInt, KindFloat, KindTime:
	default:
		return fmt.Errorf("field %s: unknown type %q", name, f.Kind)
	}
	return nil
}

func (f Field) sqlType(d dialect) string {
	switch f.Kind {
	case KindInt:
		return "INTEGER"
	case KindFloat:
		return "DOUBLE"
	case KindTime:
		return "DATETIME"
	}
	if f.Size > 0 {
		return fmt.Sprintf("VARCHAR(%d)", f.Size)
	}
	return "TEXT"
}

func (f Field) columnDef(d dialect) string {
	var b strings.Builder
	b.WriteString(quoteIdent(f.Name))
	b.WriteByte(' ')
	b.WriteString(f.sqlType(d))
	if f.Key {
		b.WriteString(" PRIMARY KEY")
	}
	if !f.Nullable {
		b.WriteString(" NOT NULL")
	}
	if f.Default != "" {
		b.WriteString(" DEFAULT '")
		b.WriteString(strings.ReplaceAll(f.Default, "'", "''"))
		b.WriteByte('\'')
	}
	return b.String()
}

// quoteIdent quotes a column name. Backticks are accepted by both MySQL and
// SQLite, and "user" needs quoting on some servers.
func quoteIdent(name string) string {
	return "`" + name + "`"
}
