package index

import (
	"strings"

	"github.com/openfhir/fhirstore/internal/platform/definitions"
)

// Evaluate applies a restricted path to a resource node. At every step an
// array fans out to its elements, an object is descended by property name,
// and null or missing yields the empty sequence. Choice elements serialize
// the variant into the property name ("value" matches "valueQuantity"), so a
// step that misses directly also scans for a choice-typed match.
func Evaluate(node interface{}, path definitions.RestrictedPath) []interface{} {
	current := []interface{}{node}
	for _, step := range path {
		var next []interface{}
		for _, n := range current {
			next = append(next, stepInto(n, step)...)
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

func stepInto(node interface{}, step string) []interface{} {
	switch n := node.(type) {
	case map[string]interface{}:
		if v, ok := n[step]; ok && v != nil {
			return flatten(v)
		}
		if v := choiceValue(n, step); v != nil {
			return flatten(v)
		}
		return nil
	case []interface{}:
		var out []interface{}
		for _, item := range n {
			out = append(out, stepInto(item, step)...)
		}
		return out
	}
	return nil
}

// choiceValue resolves a choice-typed step ("value") against its serialized
// variants ("valueString", "valueQuantity", ...). The character after the
// prefix must be upper case so that "value" never matches "valueset".
func choiceValue(obj map[string]interface{}, step string) interface{} {
	for key, v := range obj {
		if v == nil || len(key) <= len(step) {
			continue
		}
		if strings.HasPrefix(key, step) && key[len(step)] >= 'A' && key[len(step)] <= 'Z' {
			return v
		}
	}
	return nil
}

func flatten(v interface{}) []interface{} {
	if arr, ok := v.([]interface{}); ok {
		var out []interface{}
		for _, item := range arr {
			if item != nil {
				out = append(out, item)
			}
		}
		return out
	}
	return []interface{}{v}
}
