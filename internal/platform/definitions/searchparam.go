package definitions

import (
	"encoding/json"
	"fmt"
)

// Strategy selects how a search parameter's values are stored.
type Strategy int

const (
	// StrategyColumn stores the value in a single typed column named after
	// the parameter code.
	StrategyColumn Strategy = iota
	// StrategyTokenColumn stores deterministic token hashes in __<code>,
	// display text forms in __<code>Text, and a sort value in __<code>Sort.
	StrategyTokenColumn
	// StrategyLookupTable decomposes values into rows of a shared lookup
	// table (HumanName, Address, ContactPoint, Identifier) and mirrors a
	// sort value in __<code>Sort on the main table.
	StrategyLookupTable
)

func (s Strategy) String() string {
	switch s {
	case StrategyColumn:
		return "column"
	case StrategyTokenColumn:
		return "token-column"
	case StrategyLookupTable:
		return "lookup-table"
	}
	return "unknown"
}

// Implementation is the derived, storage-aware view of one SearchParameter
// for one resource type.
type Implementation struct {
	Code         string
	ResourceType string
	Type         string // string|token|reference|date|number|uri|quantity|composite|special
	Expression   string
	Path         RestrictedPath
	Strategy     Strategy
	ColumnName   string
	ColumnType   string // SQL type of the strategy column
	Array        bool
	LookupTable  string   // set for StrategyLookupTable
	TargetTypes  []string // declared targets for reference parameters
	Composite    bool     // classified but not compilable (stubbed encoding)
}

// SortColumnName returns the column carrying this parameter's sort value.
func (impl *Implementation) SortColumnName() string {
	switch impl.Strategy {
	case StrategyTokenColumn, StrategyLookupTable:
		return "__" + impl.ColumnName + "Sort"
	default:
		return impl.ColumnName
	}
}

// TokenColumnName returns the hash-array column for token parameters.
func (impl *Implementation) TokenColumnName() string {
	return "__" + impl.ColumnName
}

// TokenTextColumnName returns the text-array companion column.
func (impl *Implementation) TokenTextColumnName() string {
	return "__" + impl.ColumnName + "Text"
}

// SearchParameterRegistry derives and indexes parameter implementations from
// SearchParameter bundles. Indexing is idempotent; later bundles override
// earlier ones by (resourceType, code), which is how a platform overlay
// extends the base spec. Built at startup; read-only afterwards.
type SearchParameterRegistry struct {
	profiles *ProfileRegistry
	byType   map[string][]*Implementation
	index    map[string]map[string]*Implementation
}

// NewSearchParameterRegistry creates an empty registry classifying against
// the given profiles.
func NewSearchParameterRegistry(profiles *ProfileRegistry) *SearchParameterRegistry {
	return &SearchParameterRegistry{
		profiles: profiles,
		byType:   make(map[string][]*Implementation),
		index:    make(map[string]map[string]*Implementation),
	}
}

// IndexBundle parses a SearchParameter bundle and indexes an implementation
// for every (base resource type, code) pair it declares.
func (r *SearchParameterRegistry) IndexBundle(data []byte) error {
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse search parameter bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return fmt.Errorf("expected resourceType Bundle, got %q", bundle.ResourceType)
	}
	for _, entry := range bundle.Entry {
		var sp struct {
			ResourceType string   `json:"resourceType"`
			Code         string   `json:"code"`
			Type         string   `json:"type"`
			Expression   string   `json:"expression"`
			Base         []string `json:"base"`
			Target       []string `json:"target"`
		}
		if err := json.Unmarshal(entry.Resource, &sp); err != nil {
			continue
		}
		if sp.ResourceType != "SearchParameter" || sp.Code == "" {
			continue
		}
		for _, base := range sp.Base {
			if base == "Resource" || base == "DomainResource" {
				// Base-resource parameters (_id, _lastUpdated, ...) map to
				// fixed columns, not generated search columns.
				continue
			}
			impl := r.classify(base, sp.Code, sp.Type, sp.Expression, sp.Target)
			if impl == nil {
				continue
			}
			r.add(impl)
		}
	}
	return nil
}

func (r *SearchParameterRegistry) add(impl *Implementation) {
	byCode := r.index[impl.ResourceType]
	if byCode == nil {
		byCode = make(map[string]*Implementation)
		r.index[impl.ResourceType] = byCode
	}
	if existing, ok := byCode[impl.Code]; ok {
		// Override in place, preserving list order.
		*existing = *impl
		byCode[impl.Code] = existing
		return
	}
	byCode[impl.Code] = impl
	r.byType[impl.ResourceType] = append(r.byType[impl.ResourceType], impl)
}

// List returns the ordered parameter implementations for a resource type.
func (r *SearchParameterRegistry) List(resourceType string) []*Implementation {
	return r.byType[resourceType]
}

// Lookup resolves an implementation by (resourceType, code), or nil.
func (r *SearchParameterRegistry) Lookup(resourceType, code string) *Implementation {
	if byCode, ok := r.index[resourceType]; ok {
		return byCode[code]
	}
	return nil
}
