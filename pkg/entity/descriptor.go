// Package entity provides declarative schema registration for the kernel's
// storage layer. Entities register a Descriptor once at load time; the
// registry's canonical hash over all descriptors becomes the schema
// fingerprint the migration engine diffs against the live database.
package entity

// Field describes one user-declared column. System columns
// (id, created_at, updated_at, deleted_at, created_by, updated_by) are
// implicit and never appear here.
type Field struct {
	Name          string
	DeclaredType  string // neutral type: "text", "integer", "real", "boolean", "timestamp", "json"
	Default       any
	Nullable      bool
	Unique        bool
	Indexed       bool
	CheckExpr     string
	RenamedFrom   string // previous column name, if this field was renamed
}

// Descriptor is the compile-time declaration of one entity's schema.
type Descriptor struct {
	TableName       string
	Fields          []Field
	KeepHistory     bool
	RenamedFromTable string // previous table name, if this entity was renamed
}

// SystemColumns are implicit on every entity table.
var SystemColumns = []string{"id", "created_at", "updated_at", "deleted_at", "created_by", "updated_by"}

// ColumnNames returns the user-declared column names in declaration order,
// excluding system columns.
func (d Descriptor) ColumnNames() []string {
	names := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		names = append(names, f.Name)
	}
	return names
}

// AllColumnNames returns system columns followed by user-declared columns,
// the order every "SELECT *"-equivalent generic query should name
// explicitly rather than rely on driver-returned column order.
func (d Descriptor) AllColumnNames() []string {
	out := make([]string, 0, len(SystemColumns)+len(d.Fields))
	out = append(out, SystemColumns...)
	out = append(out, d.ColumnNames()...)
	return out
}

// HistoryTableName returns the name of this entity's history table.
func (d Descriptor) HistoryTableName() string {
	return d.TableName + "_history"
}

// SystemColumn reports whether name is one of the implicit system columns.
func SystemColumn(name string) bool {
	for _, c := range SystemColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Field looks up a declared field by name.
func (d Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
