package schema

import (
	"strings"

	"github.com/openfhir/fhirstore/internal/platform/definitions"
)

// Synthesizer produces the relational data model from the metadata
// registries.
type Synthesizer struct {
	profiles *definitions.ProfileRegistry
	params   *definitions.SearchParameterRegistry
}

// NewSynthesizer creates a Synthesizer over the given registries.
func NewSynthesizer(profiles *definitions.ProfileRegistry, params *definitions.SearchParameterRegistry) *Synthesizer {
	return &Synthesizer{profiles: profiles, params: params}
}

// Synthesize builds the full schema: one table set per concrete resource
// type plus the four shared lookup tables.
func (s *Synthesizer) Synthesize() *Schema {
	out := &Schema{Lookups: LookupTables()}
	for _, resourceType := range s.profiles.ResourceTypes() {
		out.Resources = append(out.Resources, s.ResourceTables(resourceType))
	}
	return out
}

// ResourceTables builds the main, history, and references tables for one
// resource type.
func (s *Synthesizer) ResourceTables(resourceType string) ResourceTableSet {
	return ResourceTableSet{
		ResourceType: resourceType,
		Main:         s.mainTable(resourceType),
		History:      historyTable(resourceType),
		References:   referencesTable(resourceType),
	}
}

func (s *Synthesizer) mainTable(resourceType string) TableDefinition {
	t := TableDefinition{Name: resourceType}

	t.Columns = []ColumnDefinition{
		{Name: "id", Type: "UUID", NotNull: true, PrimaryKey: true},
		{Name: "content", Type: "TEXT", NotNull: true},
		{Name: "lastUpdated", Type: "TIMESTAMPTZ", NotNull: true},
		{Name: "deleted", Type: "BOOLEAN", NotNull: true, Default: "FALSE"},
		{Name: "projectId", Type: "UUID"},
		{Name: "__version", Type: "INTEGER", NotNull: true},
		{Name: "_source", Type: "TEXT"},
		{Name: "_profile", Type: "TEXT[]"},
		{Name: "___tag", Type: "UUID[]"},
		{Name: "___tagText", Type: "TEXT[]"},
		{Name: "___tagSort", Type: "TEXT"},
		{Name: "___security", Type: "UUID[]"},
		{Name: "___securityText", Type: "TEXT[]"},
		{Name: "___securitySort", Type: "TEXT"},
	}
	// Binary carries raw payloads and participates in no compartment.
	if resourceType != "Binary" {
		t.Columns = append(t.Columns, ColumnDefinition{Name: "compartments", Type: "UUID[]"})
	}
	t.Columns = append(t.Columns,
		ColumnDefinition{Name: "__sharedTokens", Type: "UUID[]"},
		ColumnDefinition{Name: "__sharedTokensText", Type: "TEXT[]"},
	)

	t.Indexes = []IndexDefinition{
		// Redundant with the PK; kept for parity with prior deployments.
		{Name: resourceType + "_id_btree_idx", Columns: []string{"id"}, Kind: IndexBtree},
		{Name: resourceType + "_lastUpdated_idx", Columns: []string{"lastUpdated"}, Kind: IndexBtree},
		{Name: resourceType + "_projectId_idx", Columns: []string{"projectId"}, Kind: IndexBtree},
		{Name: resourceType + "_reindex_idx", Columns: []string{"lastUpdated", "__version"}, Kind: IndexBtree, Where: `"deleted" = false`},
		{Name: resourceType + "___tag_idx", Columns: []string{"___tag"}, Kind: IndexGIN},
		{Name: resourceType + "___security_idx", Columns: []string{"___security"}, Kind: IndexGIN},
		{Name: resourceType + "___sharedTokens_idx", Columns: []string{"__sharedTokens"}, Kind: IndexGIN},
		{Name: resourceType + "___sharedTokensText_idx", Columns: []string{"__sharedTokensText"}, Kind: IndexGIN},
	}
	if resourceType != "Binary" {
		t.Indexes = append(t.Indexes, IndexDefinition{
			Name: resourceType + "_compartments_idx", Columns: []string{"compartments"}, Kind: IndexGIN,
		})
	}

	for _, impl := range s.params.List(resourceType) {
		appendSearchColumns(&t, resourceType, impl)
	}
	return t
}

// appendSearchColumns adds the per-parameter columns and indexes for one
// implementation, per its storage strategy.
func appendSearchColumns(t *TableDefinition, resourceType string, impl *definitions.Implementation) {
	switch impl.Strategy {
	case definitions.StrategyColumn:
		t.Columns = append(t.Columns, ColumnDefinition{Name: impl.ColumnName, Type: impl.ColumnType})
		kind := IndexBtree
		if strings.HasSuffix(impl.ColumnType, "[]") {
			kind = IndexGIN
		}
		t.Indexes = append(t.Indexes, IndexDefinition{
			Name:    t.Name + "_" + impl.ColumnName + "_idx",
			Columns: []string{impl.ColumnName},
			Kind:    kind,
		})
	case definitions.StrategyTokenColumn:
		t.Columns = append(t.Columns,
			ColumnDefinition{Name: impl.TokenColumnName(), Type: "UUID[]"},
			ColumnDefinition{Name: impl.TokenTextColumnName(), Type: "TEXT[]"},
			ColumnDefinition{Name: impl.SortColumnName(), Type: "TEXT"},
		)
		t.Indexes = append(t.Indexes,
			IndexDefinition{
				Name:    t.Name + "_" + impl.ColumnName + "_token_idx",
				Columns: []string{impl.TokenColumnName()},
				Kind:    IndexGIN,
			},
			IndexDefinition{
				Name:    t.Name + "_" + impl.ColumnName + "_text_idx",
				Columns: []string{impl.TokenTextColumnName()},
				Kind:    IndexGINTrigram,
			},
		)
	case definitions.StrategyLookupTable:
		t.Columns = append(t.Columns, ColumnDefinition{Name: impl.SortColumnName(), Type: "TEXT"})
		t.Indexes = append(t.Indexes, IndexDefinition{
			Name:    t.Name + "_" + impl.ColumnName + "_sort_idx",
			Columns: []string{impl.SortColumnName()},
			Kind:    IndexBtree,
		})
	}
}

func historyTable(resourceType string) TableDefinition {
	name := resourceType + "_History"
	return TableDefinition{
		Name: name,
		Columns: []ColumnDefinition{
			{Name: "versionId", Type: "UUID", NotNull: true, PrimaryKey: true},
			{Name: "id", Type: "UUID", NotNull: true},
			{Name: "content", Type: "TEXT", NotNull: true},
			{Name: "lastUpdated", Type: "TIMESTAMPTZ", NotNull: true},
		},
		Indexes: []IndexDefinition{
			{Name: name + "_id_idx", Columns: []string{"id", "lastUpdated"}, Kind: IndexBtree},
		},
	}
}

func referencesTable(resourceType string) TableDefinition {
	name := resourceType + "_References"
	return TableDefinition{
		Name: name,
		Columns: []ColumnDefinition{
			{Name: "resourceId", Type: "UUID", NotNull: true},
			{Name: "targetId", Type: "UUID", NotNull: true},
			{Name: "code", Type: "TEXT", NotNull: true},
		},
		CompositeKey: []string{"resourceId", "targetId", "code"},
		Indexes: []IndexDefinition{
			{Name: name + "_target_idx", Columns: []string{"targetId", "code"}, Kind: IndexBtree},
		},
	}
}

// LookupTables returns the four shared lookup tables decomposing structured
// types for search.
func LookupTables() []TableDefinition {
	return []TableDefinition{
		{
			Name: "HumanName",
			Columns: []ColumnDefinition{
				{Name: "resourceId", Type: "UUID", NotNull: true},
				{Name: "name", Type: "TEXT"},
				{Name: "given", Type: "TEXT"},
				{Name: "family", Type: "TEXT"},
			},
			Indexes: []IndexDefinition{
				{Name: "HumanName_resourceId_idx", Columns: []string{"resourceId"}, Kind: IndexBtree},
				{Name: "HumanName_name_idx", Columns: []string{"name"}, Kind: IndexGINTrigram},
				{Name: "HumanName_given_idx", Columns: []string{"given"}, Kind: IndexGINTrigram},
				{Name: "HumanName_family_idx", Columns: []string{"family"}, Kind: IndexGINTrigram},
			},
		},
		{
			Name: "Address",
			Columns: []ColumnDefinition{
				{Name: "resourceId", Type: "UUID", NotNull: true},
				{Name: "address", Type: "TEXT"},
				{Name: "city", Type: "TEXT"},
				{Name: "country", Type: "TEXT"},
				{Name: "postalCode", Type: "TEXT"},
				{Name: "state", Type: "TEXT"},
				{Name: "use", Type: "TEXT"},
			},
			Indexes: []IndexDefinition{
				{Name: "Address_resourceId_idx", Columns: []string{"resourceId"}, Kind: IndexBtree},
				{Name: "Address_address_idx", Columns: []string{"address"}, Kind: IndexGINTrigram},
			},
		},
		{
			Name: "ContactPoint",
			Columns: []ColumnDefinition{
				{Name: "resourceId", Type: "UUID", NotNull: true},
				{Name: "system", Type: "TEXT"},
				{Name: "value", Type: "TEXT"},
				{Name: "use", Type: "TEXT"},
			},
			Indexes: []IndexDefinition{
				{Name: "ContactPoint_resourceId_idx", Columns: []string{"resourceId"}, Kind: IndexBtree},
				{Name: "ContactPoint_value_idx", Columns: []string{"system", "value"}, Kind: IndexBtree},
			},
		},
		{
			Name: "Identifier",
			Columns: []ColumnDefinition{
				{Name: "resourceId", Type: "UUID", NotNull: true},
				{Name: "system", Type: "TEXT"},
				{Name: "value", Type: "TEXT"},
			},
			Indexes: []IndexDefinition{
				{Name: "Identifier_resourceId_idx", Columns: []string{"resourceId"}, Kind: IndexBtree},
				{Name: "Identifier_value_idx", Columns: []string{"system", "value"}, Kind: IndexBtree},
			},
		},
	}
}
