// Package schema turns the metadata registries into a concrete relational
// schema: three tables per resource type, four shared lookup tables, and
// their indexes. The synthesizer and DDL emitter are pure; an administrative
// driver in platform/db executes the emitted statements.
package schema

// ColumnDefinition is one column of a generated table.
type ColumnDefinition struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
	Default    string
}

// IndexKind selects the index access method.
type IndexKind int

const (
	IndexBtree IndexKind = iota
	IndexGIN
	IndexGINTrigram
)

// IndexDefinition is one index of a generated table.
type IndexDefinition struct {
	Name    string
	Columns []string
	Kind    IndexKind
	Where   string
}

// TableDefinition is a generated table with its indexes. CompositeKey, when
// set, replaces per-column primary keys.
type TableDefinition struct {
	Name         string
	Columns      []ColumnDefinition
	CompositeKey []string
	Indexes      []IndexDefinition
}

// ResourceTableSet holds the three tables generated for one resource type.
type ResourceTableSet struct {
	ResourceType string
	Main         TableDefinition
	History      TableDefinition
	References   TableDefinition
}

// Schema is the full generated data model.
type Schema struct {
	Resources []ResourceTableSet
	Lookups   []TableDefinition
}

// Tables returns every table in emission order: lookup tables first, then
// per-resource main, history, and references tables.
func (s *Schema) Tables() []TableDefinition {
	tables := make([]TableDefinition, 0, len(s.Lookups)+3*len(s.Resources))
	tables = append(tables, s.Lookups...)
	for _, set := range s.Resources {
		tables = append(tables, set.Main, set.History, set.References)
	}
	return tables
}
