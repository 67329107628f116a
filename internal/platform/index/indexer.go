// Package index projects a FHIR resource into its relational shape: search
// columns per parameter strategy, outgoing reference edges, and rows for the
// shared lookup tables. Everything here is pure; the repository owns the SQL.
package index

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfhir/fhirstore/internal/platform/definitions"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
)

// ReferenceRow is one outgoing reference edge for the _References table.
type ReferenceRow struct {
	TargetID string
	Code     string
}

// HumanNameRow is a decomposed HumanName lookup row.
type HumanNameRow struct {
	Name   string
	Given  string
	Family string
}

// AddressRow is a decomposed Address lookup row.
type AddressRow struct {
	Address    string
	City       string
	Country    string
	PostalCode string
	State      string
	Use        string
}

// ContactPointRow is a decomposed ContactPoint lookup row.
type ContactPointRow struct {
	System string
	Value  string
	Use    string
}

// IdentifierRow is a decomposed Identifier lookup row.
type IdentifierRow struct {
	System string
	Value  string
}

// RowSet is the full projection of one resource version: main-table column
// values keyed by column name, reference edges, lookup rows, and the
// compartment ids.
type RowSet struct {
	Columns       map[string]interface{}
	References    []ReferenceRow
	HumanNames    []HumanNameRow
	Addresses     []AddressRow
	ContactPoints []ContactPointRow
	Identifiers   []IdentifierRow
	Compartments  []string
}

// Indexer extracts search-column values using the parameter implementations
// registered for each resource type.
type Indexer struct {
	params *definitions.SearchParameterRegistry
}

// NewIndexer creates an Indexer over the given registry.
func NewIndexer(params *definitions.SearchParameterRegistry) *Indexer {
	return &Indexer{params: params}
}

// Project computes the RowSet for a resource. Metadata columns come from
// meta.tag and meta.security; the shared-token roll-up is built after both
// search and metadata tokens have been collected.
func (ix *Indexer) Project(resource fhir.Resource) *RowSet {
	rs := &RowSet{Columns: make(map[string]interface{})}
	shared := &tokenAccumulator{}

	for _, impl := range ix.params.List(resource.Type()) {
		if impl.Composite {
			continue
		}
		values := Evaluate(map[string]interface{}(resource), impl.Path)
		switch impl.Strategy {
		case definitions.StrategyTokenColumn:
			ix.projectTokens(rs, impl, values, shared)
			if impl.LookupTable != "" {
				ix.projectLookupRows(rs, impl, values)
			}
		case definitions.StrategyLookupTable:
			ix.projectLookup(rs, impl, values)
		case definitions.StrategyColumn:
			ix.projectColumn(rs, impl, values)
		}
	}

	ix.projectMeta(rs, resource, "tag", "___tag", shared)
	ix.projectMeta(rs, resource, "security", "___security", shared)

	rs.Columns["_source"] = nullableString(resource.Source())
	if profiles := resource.Profiles(); len(profiles) > 0 {
		rs.Columns["_profile"] = profiles
	} else {
		rs.Columns["_profile"] = nil
	}

	if len(shared.hashes) > 0 {
		rs.Columns["__sharedTokens"] = shared.hashes
		rs.Columns["__sharedTokensText"] = shared.texts
	} else {
		rs.Columns["__sharedTokens"] = nil
		rs.Columns["__sharedTokensText"] = nil
	}

	rs.Compartments = compartments(resource)
	return rs
}

// tokenAccumulator collects the shared-token roll-up, deduplicating hashes.
type tokenAccumulator struct {
	hashes []string
	texts  []string
	seen   map[string]bool
}

func (a *tokenAccumulator) add(t Token) {
	h := t.Hash()
	if a.seen == nil {
		a.seen = make(map[string]bool)
	}
	if a.seen[h] {
		return
	}
	a.seen[h] = true
	a.hashes = append(a.hashes, h)
	a.texts = append(a.texts, t.TextForm())
}

func (ix *Indexer) projectTokens(rs *RowSet, impl *definitions.Implementation, values []interface{}, shared *tokenAccumulator) {
	var tokens []Token
	for _, v := range values {
		tokens = append(tokens, CoerceTokens(v)...)
	}
	if len(tokens) == 0 {
		rs.Columns[impl.TokenColumnName()] = nil
		rs.Columns[impl.TokenTextColumnName()] = nil
		rs.Columns[impl.SortColumnName()] = nil
		return
	}
	hashes := make([]string, 0, len(tokens))
	texts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		hashes = append(hashes, t.Hash())
		texts = append(texts, t.TextForm())
		shared.add(t)
	}
	rs.Columns[impl.TokenColumnName()] = hashes
	rs.Columns[impl.TokenTextColumnName()] = texts
	rs.Columns[impl.SortColumnName()] = tokens[0].SortValue()
}

func (ix *Indexer) projectColumn(rs *RowSet, impl *definitions.Implementation, values []interface{}) {
	switch impl.Type {
	case "reference":
		refs := referenceStrings(values)
		if impl.Array {
			if len(refs) > 0 {
				rs.Columns[impl.ColumnName] = refs
			} else {
				rs.Columns[impl.ColumnName] = nil
			}
		} else if len(refs) > 0 {
			rs.Columns[impl.ColumnName] = refs[0]
		} else {
			rs.Columns[impl.ColumnName] = nil
		}
		for _, ref := range refs {
			if _, id, ok := splitLiteralReference(ref); ok {
				rs.References = append(rs.References, ReferenceRow{TargetID: id, Code: impl.Code})
			}
		}
	case "date":
		rs.Columns[impl.ColumnName] = firstInstant(values)
	case "number", "quantity":
		rs.Columns[impl.ColumnName] = firstNumber(values)
	default: // uri, plain string
		rs.Columns[impl.ColumnName] = nullableString(firstString(values))
	}
}

func (ix *Indexer) projectLookup(rs *RowSet, impl *definitions.Implementation, values []interface{}) {
	sort := ix.projectLookupRows(rs, impl, values)
	rs.Columns[impl.SortColumnName()] = nullableString(sort)
}

// projectLookupRows appends the decomposed lookup rows for the parameter's
// values and returns the sort key of the first row. Token-column parameters
// backed by a lookup table call this directly, keeping their token sort.
func (ix *Indexer) projectLookupRows(rs *RowSet, impl *definitions.Implementation, values []interface{}) string {
	var sort string
	for _, v := range values {
		obj, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		switch impl.LookupTable {
		case "HumanName":
			row := humanNameRow(obj)
			rs.HumanNames = append(rs.HumanNames, row)
			if sort == "" {
				sort = row.Name
			}
		case "Address":
			row := addressRow(obj)
			rs.Addresses = append(rs.Addresses, row)
			if sort == "" {
				sort = row.Address
			}
		case "ContactPoint":
			row := contactPointRow(obj)
			rs.ContactPoints = append(rs.ContactPoints, row)
			if sort == "" {
				sort = row.Value
			}
		case "Identifier":
			row := identifierRow(obj)
			rs.Identifiers = append(rs.Identifiers, row)
			if sort == "" {
				sort = row.Value
			}
		}
	}
	return sort
}

func (ix *Indexer) projectMeta(rs *RowSet, resource fhir.Resource, field, column string, shared *tokenAccumulator) {
	var tokens []Token
	for _, coding := range resource.MetaCodings(field) {
		tokens = append(tokens, CoerceTokens(coding)...)
	}
	if len(tokens) == 0 {
		rs.Columns[column] = nil
		rs.Columns[column+"Text"] = nil
		rs.Columns[column+"Sort"] = nil
		return
	}
	hashes := make([]string, 0, len(tokens))
	texts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		hashes = append(hashes, t.Hash())
		texts = append(texts, t.TextForm())
		shared.add(t)
	}
	rs.Columns[column] = hashes
	rs.Columns[column+"Text"] = texts
	rs.Columns[column+"Sort"] = tokens[0].SortValue()
}

// compartments collects the patient compartment: the resource's own id for a
// Patient, plus the target id of every extracted reference to a Patient.
func compartments(resource fhir.Resource) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	if resource.Type() == "Patient" {
		if _, err := uuid.Parse(resource.ID()); err == nil {
			add(resource.ID())
		}
	}
	for _, ref := range fhir.WalkReferences(resource) {
		if t, id, ok := splitLiteralReference(ref); ok && t == "Patient" {
			add(id)
		}
	}
	return out
}

// splitLiteralReference parses "<Type>/<uuid>". Anything else (absolute URLs,
// urn:uuid forms, contained "#" refs) is not indexed.
func splitLiteralReference(ref string) (resourceType, id string, ok bool) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func referenceStrings(values []interface{}) []string {
	var out []string
	for _, v := range values {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok && ref != "" {
				out = append(out, ref)
			}
		case string:
			if val != "" {
				out = append(out, val)
			}
		}
	}
	return out
}

func firstString(values []interface{}) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInstant(values []interface{}) interface{} {
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Period: take the start.
			if obj, isObj := v.(map[string]interface{}); isObj {
				s, ok = obj["start"].(string)
			}
			if !ok {
				continue
			}
		}
		if t, ok := parseFHIRInstant(s); ok {
			return t
		}
	}
	return nil
}

// parseFHIRInstant accepts the FHIR date precisions: year, year-month, date,
// and full timestamps.
func parseFHIRInstant(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func firstNumber(values []interface{}) interface{} {
	for _, v := range values {
		switch val := v.(type) {
		case float64:
			return val
		case map[string]interface{}:
			// Quantity: use the value element.
			if n, ok := val["value"].(float64); ok {
				return n
			}
		}
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func humanNameRow(obj map[string]interface{}) HumanNameRow {
	family, _ := obj["family"].(string)
	text, _ := obj["text"].(string)
	given := joinStrings(obj["given"])
	// Concatenation order is part of the search contract.
	name := joinNonEmpty(family, given, text, joinStrings(obj["prefix"]), joinStrings(obj["suffix"]))
	return HumanNameRow{Name: name, Given: given, Family: family}
}

func addressRow(obj map[string]interface{}) AddressRow {
	city, _ := obj["city"].(string)
	state, _ := obj["state"].(string)
	postal, _ := obj["postalCode"].(string)
	country, _ := obj["country"].(string)
	use, _ := obj["use"].(string)
	line := joinStrings(obj["line"])
	return AddressRow{
		Address:    joinNonEmpty(line, city, state, postal, country),
		City:       city,
		Country:    country,
		PostalCode: postal,
		State:      state,
		Use:        use,
	}
}

func contactPointRow(obj map[string]interface{}) ContactPointRow {
	system, _ := obj["system"].(string)
	value, _ := obj["value"].(string)
	use, _ := obj["use"].(string)
	return ContactPointRow{System: system, Value: value, Use: use}
}

func identifierRow(obj map[string]interface{}) IdentifierRow {
	system, _ := obj["system"].(string)
	value, _ := obj["value"].(string)
	return IdentifierRow{System: system, Value: value}
}

func joinStrings(v interface{}) string {
	arr, ok := v.([]interface{})
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range arr {
		if s, ok := item.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
