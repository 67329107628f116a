package definitions

import (
	"strings"
)

// lookupTableTypes maps structured leaf types to their shared lookup table.
var lookupTableTypes = map[string]string{
	"HumanName":    "HumanName",
	"Address":      "Address",
	"ContactPoint": "ContactPoint",
}

// classify derives the storage implementation for one (resourceType, code)
// pair. The classifier is pure: it inspects the declared value type and the
// leaf element's declared FHIR type, then assigns strategy, column name, and
// column SQL type. Returns nil for parameters with no usable expression
// branch.
func (r *SearchParameterRegistry) classify(resourceType, code, valueType, expression string, targets []string) *Implementation {
	path := ParseExpression(expression, resourceType)
	if len(path) == 0 && valueType != "composite" && valueType != "special" {
		return nil
	}

	impl := &Implementation{
		Code:         code,
		ResourceType: resourceType,
		Type:         valueType,
		Expression:   expression,
		Path:         path,
		ColumnName:   ColumnName(code),
		TargetTypes:  targets,
	}

	leaf := r.profiles.ElementAt(resourceType, path)
	leafType := ""
	array := false
	if leaf != nil {
		array = pathRepeats(r.profiles, resourceType, path)
		if len(leaf.Types) > 0 {
			leafType = leaf.Types[0].Code
		}
	}

	switch valueType {
	case "composite", "special":
		impl.Composite = true
		impl.Strategy = StrategyColumn
		impl.ColumnType = "TEXT"
		return impl
	case "reference":
		impl.Strategy = StrategyColumn
		impl.Array = array || len(targets) > 1
		if impl.Array {
			impl.ColumnType = "TEXT[]"
		} else {
			impl.ColumnType = "TEXT"
		}
		return impl
	case "date":
		impl.Strategy = StrategyColumn
		impl.ColumnType = "TIMESTAMPTZ"
		impl.Array = array
		return impl
	case "number", "quantity":
		impl.Strategy = StrategyColumn
		impl.ColumnType = "DOUBLE PRECISION"
		impl.Array = array
		return impl
	case "uri":
		impl.Strategy = StrategyColumn
		impl.ColumnType = "TEXT"
		impl.Array = array
		return impl
	case "token":
		if leafType == "ContactPoint" {
			impl.Strategy = StrategyLookupTable
			impl.LookupTable = "ContactPoint"
			impl.ColumnType = "TEXT"
			impl.Array = true
			return impl
		}
		impl.Strategy = StrategyTokenColumn
		impl.ColumnType = "UUID[]"
		impl.Array = true
		if leafType == "Identifier" {
			// Identifier values are searched by token hash but also decompose
			// into the global Identifier table for system/value access.
			impl.LookupTable = "Identifier"
		}
		return impl
	case "string":
		if table, ok := lookupTableTypes[leafType]; ok {
			impl.Strategy = StrategyLookupTable
			impl.LookupTable = table
			impl.ColumnType = "TEXT"
			impl.Array = true
			return impl
		}
		impl.Strategy = StrategyColumn
		impl.ColumnType = "TEXT"
		impl.Array = array
		return impl
	default:
		return nil
	}
}

// pathRepeats reports whether any element along the path repeats, which
// makes the projected column an array.
func pathRepeats(profiles *ProfileRegistry, resourceType string, path []string) bool {
	for i := 1; i <= len(path); i++ {
		if elem := profiles.ElementAt(resourceType, path[:i]); elem != nil && elem.IsArray() {
			return true
		}
	}
	return false
}

// ColumnName converts a search parameter code to its column identifier.
// Hyphenated codes become camelCase ("address-city" -> "addressCity") so
// generated identifiers stay word-shaped; FHIR case is otherwise preserved.
func ColumnName(code string) string {
	if !strings.Contains(code, "-") {
		return code
	}
	parts := strings.Split(code, "-")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
