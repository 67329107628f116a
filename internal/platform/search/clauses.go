package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfhir/fhirstore/internal/platform/definitions"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
	"github.com/openfhir/fhirstore/internal/platform/index"
)

// paramClause compiles one parameter into a WHERE fragment qualified by qual.
// An unknown code yields an empty clause: the search ignores it rather than
// failing.
func (c *Compiler) paramClause(b *builder, resourceType, qual string, p Param) (string, error) {
	switch p.Code {
	case "_id":
		return c.orValues(p, func(v string) (string, error) {
			return fmt.Sprintf(`%s."id" = %s`, qual, b.arg(v)), nil
		})
	case "_lastUpdated":
		return c.orValues(p, func(v string) (string, error) {
			return dateClause(b, qual, "lastUpdated", v)
		})
	case "_source":
		return c.orValues(p, func(v string) (string, error) {
			return fmt.Sprintf(`%s."_source" = %s`, qual, b.arg(v)), nil
		})
	case "_profile":
		return c.orValues(p, func(v string) (string, error) {
			return fmt.Sprintf(`%s."_profile" @> ARRAY[%s]`, qual, b.arg(v)), nil
		})
	case "_tag":
		return c.metaTokenClause(b, qual, "___tag", p)
	case "_security":
		return c.metaTokenClause(b, qual, "___security", p)
	case "_compartment":
		return c.orValues(p, func(v string) (string, error) {
			return fmt.Sprintf(`%s = ANY(%s."compartments")`, b.arg(v), qual), nil
		})
	}

	impl := c.params.Lookup(resourceType, p.Code)
	if impl == nil {
		return "", nil
	}
	if impl.Composite {
		return "", fhir.BadRequest(fmt.Sprintf("composite parameter %q is not supported", p.Code))
	}
	if p.Chain != "" {
		return c.chainClause(b, qual, impl, p)
	}
	if p.Modifier == "missing" {
		return missingClause(qual, impl, p), nil
	}

	switch impl.Strategy {
	case definitions.StrategyTokenColumn:
		return c.tokenClause(b, qual, impl, p)
	case definitions.StrategyLookupTable:
		return c.lookupClause(b, qual, impl, p)
	default:
		return c.columnClause(b, qual, impl, p)
	}
}

// orValues combines a parameter's comma-separated alternatives with OR.
func (c *Compiler) orValues(p Param, each func(v string) (string, error)) (string, error) {
	var parts []string
	for _, v := range p.Values {
		clause, err := each(v)
		if err != nil {
			return "", err
		}
		if clause != "" {
			parts = append(parts, clause)
		}
	}
	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], nil
	default:
		return "(" + strings.Join(parts, " OR ") + ")", nil
	}
}

// missingClause tests for the absence (or presence) of any indexed value.
func missingClause(qual string, impl *definitions.Implementation, p Param) string {
	col := impl.ColumnName
	if impl.Strategy == definitions.StrategyTokenColumn {
		col = impl.TokenColumnName()
	} else if impl.Strategy == definitions.StrategyLookupTable {
		col = impl.SortColumnName()
	}
	if len(p.Values) > 0 && p.Values[0] == "false" {
		return fmt.Sprintf(`%s.%s IS NOT NULL`, qual, quote(col))
	}
	return fmt.Sprintf(`%s.%s IS NULL`, qual, quote(col))
}

// tokenClause compiles token parameters: hash containment by default, :not
// inversion, :text trigram search against the sort column.
func (c *Compiler) tokenClause(b *builder, qual string, impl *definitions.Implementation, p Param) (string, error) {
	switch p.Modifier {
	case "text":
		return c.orValues(p, func(v string) (string, error) {
			return fmt.Sprintf(`%s.%s ILIKE %s`, qual, quote(impl.SortColumnName()), b.arg("%"+likeEscape(v)+"%")), nil
		})
	case "not":
		inner, err := c.orValues(p, func(v string) (string, error) {
			return c.tokenContains(b, qual, impl.TokenColumnName(), v), nil
		})
		if err != nil || inner == "" {
			return inner, err
		}
		return "NOT (" + inner + ")", nil
	case "":
		// identifier additionally consults the shared-token roll-up, which
		// carries every token of the resource including meta.
		fallback := impl.Code == "identifier"
		return c.orValues(p, func(v string) (string, error) {
			clause := c.tokenContains(b, qual, impl.TokenColumnName(), v)
			if fallback {
				shared := c.tokenContains(b, qual, "__sharedTokens", v)
				return "(" + clause + " OR " + shared + ")", nil
			}
			return clause, nil
		})
	default:
		return "", fhir.BadRequest(fmt.Sprintf("unsupported token modifier %q on %q", p.Modifier, p.Code))
	}
}

// tokenContains renders the array-containment test for one requested token.
func (c *Compiler) tokenContains(b *builder, qual, column, value string) string {
	tok := parseTokenValue(value)
	arg := b.arg(tok.Hash())
	return fmt.Sprintf(`%s.%s @> ARRAY[%s]::uuid[]`, qual, quote(column), arg)
}

// parseTokenValue decodes the three token sub-forms: "code", "system|code",
// and "|code".
func parseTokenValue(value string) index.Token {
	if idx := strings.Index(value, "|"); idx >= 0 {
		return index.Token{System: value[:idx], Code: value[idx+1:]}
	}
	return index.Token{Code: value}
}

// metaTokenClause compiles _tag and _security. Unmodified searches fall back
// to the shared-token roll-up so a token present only in meta still matches.
func (c *Compiler) metaTokenClause(b *builder, qual, column string, p Param) (string, error) {
	switch p.Modifier {
	case "":
		return c.orValues(p, func(v string) (string, error) {
			direct := c.tokenContains(b, qual, column, v)
			shared := c.tokenContains(b, qual, "__sharedTokens", v)
			return "(" + direct + " OR " + shared + ")", nil
		})
	case "not":
		inner, err := c.orValues(p, func(v string) (string, error) {
			return c.tokenContains(b, qual, column, v), nil
		})
		if err != nil || inner == "" {
			return inner, err
		}
		return "NOT (" + inner + ")", nil
	case "text":
		return c.orValues(p, func(v string) (string, error) {
			return fmt.Sprintf(`%s.%s ILIKE %s`, qual, quote(column+"Sort"), b.arg("%"+likeEscape(v)+"%")), nil
		})
	case "missing":
		if len(p.Values) > 0 && p.Values[0] == "false" {
			return fmt.Sprintf(`%s.%s IS NOT NULL`, qual, quote(column)), nil
		}
		return fmt.Sprintf(`%s.%s IS NULL`, qual, quote(column)), nil
	default:
		return "", fhir.BadRequest(fmt.Sprintf("unsupported modifier %q on %q", p.Modifier, p.Code))
	}
}

// columnClause compiles column-strategy parameters: dates, numbers,
// quantities, uris, plain strings, and references.
func (c *Compiler) columnClause(b *builder, qual string, impl *definitions.Implementation, p Param) (string, error) {
	switch impl.Type {
	case "date":
		return c.orValues(p, func(v string) (string, error) {
			return dateClause(b, qual, impl.ColumnName, v)
		})
	case "number", "quantity":
		return c.orValues(p, func(v string) (string, error) {
			return numberClause(b, qual, impl.ColumnName, v)
		})
	case "reference":
		return c.referenceClause(b, qual, impl, p)
	case "uri":
		return c.orValues(p, func(v string) (string, error) {
			return fmt.Sprintf(`%s.%s = %s`, qual, quote(impl.ColumnName), b.arg(v)), nil
		})
	default:
		return c.orValues(p, func(v string) (string, error) {
			return stringColumnClause(b, qual, impl.ColumnName, p.Modifier, v)
		})
	}
}

// stringColumnClause applies the string modifiers: prefix match by default,
// :contains for substring, :exact for equality.
func stringColumnClause(b *builder, qual, column, modifier, value string) (string, error) {
	col := fmt.Sprintf(`%s.%s`, qual, quote(column))
	switch modifier {
	case "exact":
		return fmt.Sprintf(`%s = %s`, col, b.arg(value)), nil
	case "contains":
		return fmt.Sprintf(`%s ILIKE %s`, col, b.arg("%"+likeEscape(value)+"%")), nil
	case "":
		return fmt.Sprintf(`%s ILIKE %s`, col, b.arg(likeEscape(value)+"%")), nil
	default:
		return "", fhir.BadRequest(fmt.Sprintf("unsupported string modifier %q", modifier))
	}
}

// referenceClause matches the exact literal reference. A bare id is expanded
// with the single declared target type; :identifier resolves through the
// identifier token column of each declared target.
func (c *Compiler) referenceClause(b *builder, qual string, impl *definitions.Implementation, p Param) (string, error) {
	col := fmt.Sprintf(`%s.%s`, qual, quote(impl.ColumnName))
	if p.Modifier == "identifier" {
		return c.orValues(p, func(v string) (string, error) {
			return c.referenceIdentifierClause(b, col, impl, v)
		})
	}
	if p.Modifier != "" {
		// Type modifiers ("subject:Patient=...") qualify a bare id.
		return c.orValues(p, func(v string) (string, error) {
			if !strings.Contains(v, "/") {
				v = p.Modifier + "/" + v
			}
			return referenceMatch(b, col, impl.Array, v), nil
		})
	}
	return c.orValues(p, func(v string) (string, error) {
		if !strings.Contains(v, "/") && len(impl.TargetTypes) == 1 {
			v = impl.TargetTypes[0] + "/" + v
		}
		return referenceMatch(b, col, impl.Array, v), nil
	})
}

func referenceMatch(b *builder, col string, array bool, value string) string {
	if array {
		return fmt.Sprintf(`%s @> ARRAY[%s]`, col, b.arg(value))
	}
	return fmt.Sprintf(`%s = %s`, col, b.arg(value))
}

// referenceIdentifierClause joins the identifier token column of the target
// type: the reference matches when it points at a resource carrying the
// requested identifier token. Multi-target parameters try each declared
// concrete target and OR the branches.
func (c *Compiler) referenceIdentifierClause(b *builder, col string, impl *definitions.Implementation, value string) (string, error) {
	targets := impl.TargetTypes
	if len(targets) == 0 {
		return "", fhir.BadRequest(fmt.Sprintf("parameter %q declares no reference targets", impl.Code))
	}
	tok := parseTokenValue(value)
	var branches []string
	for _, target := range targets {
		if c.params.Lookup(target, "identifier") == nil {
			continue
		}
		alias := b.alias()
		hashArg := b.arg(tok.Hash())
		var match string
		if impl.Array {
			match = fmt.Sprintf(`(%s || %s."id"::text) = ANY(%s)`, b.arg(target+"/"), quote(alias), col)
		} else {
			match = fmt.Sprintf(`(%s || %s."id"::text) = %s`, b.arg(target+"/"), quote(alias), col)
		}
		branches = append(branches, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM %s AS %s WHERE %s AND %s."__identifier" @> ARRAY[%s]::uuid[])`,
			quote(target), quote(alias), match, quote(alias), hashArg))
	}
	if len(branches) == 0 {
		return "", fhir.BadRequest(fmt.Sprintf("no identifier-searchable target for %q", impl.Code))
	}
	if len(branches) == 1 {
		return branches[0], nil
	}
	return "(" + strings.Join(branches, " OR ") + ")", nil
}

// chainClause rewrites "patient.name=Smith" to an EXISTS subquery joining
// through the reference column and recursively compiling the tail against
// the target type.
func (c *Compiler) chainClause(b *builder, qual string, impl *definitions.Implementation, p Param) (string, error) {
	if impl.Type != "reference" {
		return "", fhir.BadRequest(fmt.Sprintf("cannot chain through non-reference parameter %q", p.Code))
	}
	targets := impl.TargetTypes
	if p.Modifier != "" {
		// "subject:Patient.name" pins the chain's target type.
		targets = []string{p.Modifier}
	}
	if len(targets) == 0 {
		return "", fhir.BadRequest(fmt.Sprintf("parameter %q declares no reference targets", p.Code))
	}
	col := fmt.Sprintf(`%s.%s`, qual, quote(impl.ColumnName))

	var branches []string
	for _, target := range targets {
		alias := b.alias()
		aliasQ := quote(alias)
		var join string
		if impl.Array {
			join = fmt.Sprintf(`(%s || %s."id"::text) = ANY(%s)`, b.arg(target+"/"), aliasQ, col)
		} else {
			join = fmt.Sprintf(`(%s || %s."id"::text) = %s`, b.arg(target+"/"), aliasQ, col)
		}
		inner, err := c.paramClause(b, target, aliasQ, parseParam(p.Chain, strings.Join(p.Values, ",")))
		if err != nil {
			return "", err
		}
		if inner == "" {
			// Unknown tail on this target: no rows can match through it.
			continue
		}
		branches = append(branches, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM %s AS %s WHERE %s."deleted" = false AND %s AND %s)`,
			quote(target), aliasQ, aliasQ, join, inner))
	}
	if len(branches) == 0 {
		return "", nil
	}
	if len(branches) == 1 {
		return branches[0], nil
	}
	return "(" + strings.Join(branches, " OR ") + ")", nil
}

// hasClause compiles a reverse chain: resources referenced by a matching
// source resource through the named reference parameter.
func (c *Compiler) hasClause(b *builder, resourceType, qual string, has HasParam) (string, error) {
	impl := c.params.Lookup(has.SourceType, has.RefCode)
	if impl == nil || impl.Type != "reference" {
		return "", fhir.BadRequest(fmt.Sprintf("unknown reference parameter %s.%s in _has", has.SourceType, has.RefCode))
	}
	alias := b.alias()
	aliasQ := quote(alias)
	refCol := fmt.Sprintf(`%s.%s`, aliasQ, quote(impl.ColumnName))
	var join string
	if impl.Array {
		join = fmt.Sprintf(`%s @> ARRAY[%s || %s."id"::text]`, refCol, b.arg(resourceType+"/"), qual)
	} else {
		join = fmt.Sprintf(`%s = (%s || %s."id"::text)`, refCol, b.arg(resourceType+"/"), qual)
	}
	inner, err := c.paramClause(b, has.SourceType, aliasQ, has.Param)
	if err != nil {
		return "", err
	}
	if inner == "" {
		return "", fhir.BadRequest(fmt.Sprintf("unknown parameter %q in _has", has.Param.Code))
	}
	return fmt.Sprintf(
		`EXISTS (SELECT 1 FROM %s AS %s WHERE %s."deleted" = false AND %s AND %s)`,
		quote(has.SourceType), aliasQ, aliasQ, join, inner), nil
}

// lookupClause joins the shared lookup table decomposing this parameter's
// values and applies the string modifiers against its columns.
func (c *Compiler) lookupClause(b *builder, qual string, impl *definitions.Implementation, p Param) (string, error) {
	table, column, systemFilter := lookupTarget(impl)
	return c.orValues(p, func(v string) (string, error) {
		alias := b.alias()
		aliasQ := quote(alias)
		var pred string
		switch p.Modifier {
		case "exact":
			pred = fmt.Sprintf(`%s.%s = %s`, aliasQ, quote(column), b.arg(v))
		case "contains":
			pred = fmt.Sprintf(`%s.%s ILIKE %s`, aliasQ, quote(column), b.arg("%"+likeEscape(v)+"%"))
		case "":
			pred = fmt.Sprintf(`%s.%s ILIKE %s`, aliasQ, quote(column), b.arg(likeEscape(v)+"%"))
		default:
			return "", fhir.BadRequest(fmt.Sprintf("unsupported string modifier %q on %q", p.Modifier, p.Code))
		}
		if systemFilter != "" {
			pred += fmt.Sprintf(` AND %s."system" = %s`, aliasQ, b.arg(systemFilter))
		}
		return fmt.Sprintf(
			`EXISTS (SELECT 1 FROM %s AS %s WHERE %s."resourceId" = %s."id" AND %s)`,
			quote(table), aliasQ, aliasQ, qual, pred), nil
	})
}

// lookupTarget maps a lookup-table parameter to the column it searches, plus
// an optional system filter for ContactPoint-backed parameters like phone
// and email.
func lookupTarget(impl *definitions.Implementation) (table, column, systemFilter string) {
	switch impl.LookupTable {
	case "HumanName":
		switch impl.Code {
		case "given":
			return "HumanName", "given", ""
		case "family":
			return "HumanName", "family", ""
		default:
			return "HumanName", "name", ""
		}
	case "Address":
		switch impl.Code {
		case "address-city":
			return "Address", "city", ""
		case "address-state":
			return "Address", "state", ""
		case "address-postalcode":
			return "Address", "postalCode", ""
		case "address-country":
			return "Address", "country", ""
		case "address-use":
			return "Address", "use", ""
		default:
			return "Address", "address", ""
		}
	case "ContactPoint":
		switch impl.Code {
		case "phone", "email":
			return "ContactPoint", "value", impl.Code
		default:
			return "ContactPoint", "value", ""
		}
	default:
		return "Identifier", "value", ""
	}
}

// dateClause parses the comparator prefix and precision, expands imprecise
// values to a range, and renders the TIMESTAMPTZ predicate.
func dateClause(b *builder, qual, column, value string) (string, error) {
	cmp, rest := splitComparator(value)
	start, end, err := parseDateRange(rest)
	if err != nil {
		return "", err
	}
	col := fmt.Sprintf(`%s.%s`, qual, quote(column))
	switch cmp {
	case "eq":
		return fmt.Sprintf(`(%s >= %s AND %s < %s)`, col, b.arg(start), col, b.arg(end)), nil
	case "ne":
		return fmt.Sprintf(`(%s < %s OR %s >= %s)`, col, b.arg(start), col, b.arg(end)), nil
	case "lt":
		return fmt.Sprintf(`%s < %s`, col, b.arg(start)), nil
	case "le":
		return fmt.Sprintf(`%s < %s`, col, b.arg(end)), nil
	case "gt":
		return fmt.Sprintf(`%s >= %s`, col, b.arg(end)), nil
	case "ge":
		return fmt.Sprintf(`%s >= %s`, col, b.arg(start)), nil
	default:
		return "", fhir.BadRequest(fmt.Sprintf("unsupported date comparator %q", cmp))
	}
}

// numberClause parses "value|system|code" with an optional comparator prefix.
// Values go through decimal so the compiler never round-trips user input
// through a float.
func numberClause(b *builder, qual, column, value string) (string, error) {
	// Unit system and code are advisory; the stored column is the bare value.
	if idx := strings.Index(value, "|"); idx >= 0 {
		value = value[:idx]
	}
	cmp, rest := splitComparator(value)
	d, err := decimal.NewFromString(rest)
	if err != nil {
		return "", fhir.BadRequest(fmt.Sprintf("invalid number value %q", rest))
	}
	col := fmt.Sprintf(`%s.%s`, qual, quote(column))
	op, ok := map[string]string{"eq": "=", "ne": "<>", "lt": "<", "le": "<=", "gt": ">", "ge": ">="}[cmp]
	if !ok {
		return "", fhir.BadRequest(fmt.Sprintf("unsupported number comparator %q", cmp))
	}
	return fmt.Sprintf(`%s %s %s`, col, op, b.arg(d.InexactFloat64())), nil
}

// splitComparator peels a two-letter FHIR comparator prefix off a value.
func splitComparator(value string) (cmp, rest string) {
	if len(value) > 2 {
		switch value[:2] {
		case "eq", "ne", "lt", "le", "gt", "ge", "sa", "eb":
			prefix := value[:2]
			// "sa" (starts after) and "eb" (ends before) collapse to gt/lt on
			// point-in-time columns.
			switch prefix {
			case "sa":
				prefix = "gt"
			case "eb":
				prefix = "lt"
			}
			return prefix, value[2:]
		}
	}
	return "eq", value
}

// parseDateRange expands a FHIR date of any precision into the half-open
// instant range it denotes.
func parseDateRange(value string) (start, end time.Time, err error) {
	layouts := []struct {
		layout string
		step   func(time.Time) time.Time
	}{
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04:05Z07:00", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Nanosecond) }},
	}
	for _, l := range layouts {
		if t, perr := time.Parse(l.layout, value); perr == nil {
			t = t.UTC()
			return t, l.step(t).UTC(), nil
		}
	}
	return time.Time{}, time.Time{}, fhir.BadRequest(fmt.Sprintf("invalid date value %q", value))
}

// likeEscape neutralizes LIKE metacharacters in user input.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
