// Package terminology implements the $expand and $subsumes operations over
// persisted CodeSystem resources or inlined value-set composition.
package terminology

import (
	"context"
	"fmt"

	"github.com/openfhir/fhirstore/internal/platform/fhir"
)

// CodeSystemSource resolves a CodeSystem by canonical URL.
type CodeSystemSource interface {
	CodeSystemByURL(ctx context.Context, url string) (fhir.Resource, error)
}

// ExpandOptions page and localize an expansion.
type ExpandOptions struct {
	Count           int
	Offset          int
	DisplayLanguage string
}

// Contains is one expansion entry.
type Contains struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Service answers terminology operations.
type Service struct {
	source CodeSystemSource
}

// NewService creates a Service resolving code systems through source.
func NewService(source CodeSystemSource) *Service {
	return &Service{source: source}
}

// Expand materializes ValueSet.expansion from compose.include. Each include
// either lists concepts inline or names a system whose persisted CodeSystem
// supplies them.
func (s *Service) Expand(ctx context.Context, valueSet fhir.Resource, opts ExpandOptions) (fhir.Resource, error) {
	if valueSet.Type() != "ValueSet" {
		return nil, fhir.BadRequest("$expand requires a ValueSet")
	}
	compose, _ := valueSet["compose"].(map[string]interface{})
	if compose == nil {
		return nil, fhir.BadRequest("ValueSet has no compose element")
	}
	includes, _ := compose["include"].([]interface{})
	var all []Contains
	for _, inc := range includes {
		im, ok := inc.(map[string]interface{})
		if !ok {
			continue
		}
		entries, err := s.expandInclude(ctx, im)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}

	total := len(all)
	if opts.Offset > 0 {
		if opts.Offset >= len(all) {
			all = nil
		} else {
			all = all[opts.Offset:]
		}
	}
	if opts.Count > 0 && len(all) > opts.Count {
		all = all[:opts.Count]
	}

	contains := make([]interface{}, 0, len(all))
	for _, c := range all {
		entry := map[string]interface{}{"system": c.System, "code": c.Code}
		if c.Display != "" {
			entry["display"] = c.Display
		}
		contains = append(contains, entry)
	}

	out := valueSet.DeepCopy()
	out["expansion"] = map[string]interface{}{
		"total":    float64(total),
		"offset":   float64(opts.Offset),
		"contains": contains,
	}
	return out, nil
}

func (s *Service) expandInclude(ctx context.Context, include map[string]interface{}) ([]Contains, error) {
	system, _ := include["system"].(string)
	if concepts, ok := include["concept"].([]interface{}); ok {
		var out []Contains
		for _, c := range concepts {
			cm, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			code, _ := cm["code"].(string)
			display, _ := cm["display"].(string)
			out = append(out, Contains{System: system, Code: code, Display: display})
		}
		return out, nil
	}
	if system == "" {
		return nil, fhir.BadRequest("value set include has neither system nor concepts")
	}
	cs, err := s.source.CodeSystemByURL(ctx, system)
	if err != nil {
		return nil, err
	}
	var out []Contains
	walkConcepts(cs["concept"], func(code, display string) {
		out = append(out, Contains{System: system, Code: code, Display: display})
	})
	return out, nil
}

// Subsumes reports the relationship between two codes of one code system:
// equivalent, subsumes, subsumed-by, or not-subsumed.
func (s *Service) Subsumes(ctx context.Context, system, codeA, codeB string) (string, error) {
	if codeA == codeB {
		return "equivalent", nil
	}
	cs, err := s.source.CodeSystemByURL(ctx, system)
	if err != nil {
		return "", err
	}
	if !hasConcept(cs["concept"], codeA) || !hasConcept(cs["concept"], codeB) {
		return "", fhir.BadRequest(fmt.Sprintf("code not found in %s", system))
	}
	if isAncestor(cs["concept"], codeA, codeB) {
		return "subsumes", nil
	}
	if isAncestor(cs["concept"], codeB, codeA) {
		return "subsumed-by", nil
	}
	return "not-subsumed", nil
}

func walkConcepts(node interface{}, visit func(code, display string)) {
	arr, ok := node.([]interface{})
	if !ok {
		return
	}
	for _, item := range arr {
		cm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		code, _ := cm["code"].(string)
		display, _ := cm["display"].(string)
		if code != "" {
			visit(code, display)
		}
		walkConcepts(cm["concept"], visit)
	}
}

func hasConcept(node interface{}, code string) bool {
	found := false
	walkConcepts(node, func(c, _ string) {
		if c == code {
			found = true
		}
	})
	return found
}

// isAncestor reports whether descendant appears anywhere under ancestor in
// the concept hierarchy.
func isAncestor(node interface{}, ancestor, descendant string) bool {
	arr, ok := node.([]interface{})
	if !ok {
		return false
	}
	for _, item := range arr {
		cm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		code, _ := cm["code"].(string)
		if code == ancestor {
			if hasConcept(cm["concept"], descendant) {
				return true
			}
			continue
		}
		if isAncestor(cm["concept"], ancestor, descendant) {
			return true
		}
	}
	return false
}
