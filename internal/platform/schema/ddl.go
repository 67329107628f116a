package schema

import (
	"fmt"
	"strings"
)

// EmitDDL renders the schema as an ordered list of idempotent SQL
// statements: the trigram extension, then every CREATE TABLE, then every
// CREATE INDEX. All identifiers are double-quoted so FHIR case is preserved.
func EmitDDL(s *Schema) []string {
	stmts := []string{"CREATE EXTENSION IF NOT EXISTS pg_trgm"}
	tables := s.Tables()
	for _, t := range tables {
		stmts = append(stmts, CreateTable(t))
	}
	for _, t := range tables {
		for _, idx := range t.Indexes {
			stmts = append(stmts, CreateIndex(t.Name, idx))
		}
	}
	return stmts
}

// CreateTable renders a single CREATE TABLE IF NOT EXISTS statement.
func CreateTable(t TableDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", quote(t.Name))
	for i, col := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(col.Name))
		b.WriteByte(' ')
		b.WriteString(col.Type)
		if col.NotNull {
			b.WriteString(" NOT NULL")
		}
		if col.Default != "" {
			b.WriteString(" DEFAULT ")
			b.WriteString(col.Default)
		}
		if col.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
		}
	}
	if len(t.CompositeKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		b.WriteString(quoteList(t.CompositeKey))
		b.WriteByte(')')
	}
	b.WriteByte(')')
	return b.String()
}

// CreateIndex renders a single CREATE INDEX IF NOT EXISTS statement.
func CreateIndex(table string, idx IndexDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s ON %s", quote(idx.Name), quote(table))
	switch idx.Kind {
	case IndexGIN:
		fmt.Fprintf(&b, " USING gin (%s)", quoteList(idx.Columns))
	case IndexGINTrigram:
		cols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			cols[i] = quote(c) + " gin_trgm_ops"
		}
		fmt.Fprintf(&b, " USING gin (%s)", strings.Join(cols, ", "))
	default:
		fmt.Fprintf(&b, " (%s)", quoteList(idx.Columns))
	}
	if idx.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(idx.Where)
	}
	return b.String()
}

func quote(ident string) string {
	return `"` + ident + `"`
}

func quoteList(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = quote(id)
	}
	return strings.Join(quoted, ", ")
}
