// Package definitions holds the in-memory FHIR metadata the engine is
// generated from: StructureDefinition profiles, SearchParameter
// implementations, and the strategy classifier that binds parameters to
// their relational storage.
package definitions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Profile is the indexed view of a StructureDefinition. Built once at
// startup; immutable thereafter.
type Profile struct {
	URL      string
	Name     string
	Type     string
	Kind     string // resource, complex-type, primitive-type, logical
	Abstract bool
	Elements []ElementDefinition
}

// ElementDefinition describes a single element within a profile snapshot.
type ElementDefinition struct {
	Path    string
	Min     int
	Max     string // "1", "*", ...
	Types   []ElementType
	Binding string // valueSet canonical, when bound
}

// ElementType is one declared datatype of an element.
type ElementType struct {
	Code          string
	TargetProfile []string
}

// IsArray reports whether the element repeats.
func (e ElementDefinition) IsArray() bool {
	return e.Max != "" && e.Max != "0" && e.Max != "1"
}

// ProfileRegistry maps canonical URL and resource-type name to profiles and
// exposes the list of concrete resource types. Indexing later bundles
// overrides earlier entries by URL.
type ProfileRegistry struct {
	byURL  map[string]*Profile
	byType map[string]*Profile
}

// NewProfileRegistry creates an empty registry.
func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{
		byURL:  make(map[string]*Profile),
		byType: make(map[string]*Profile),
	}
}

// IndexBundle parses a StructureDefinition bundle (the FHIR spec
// profiles-resources / profiles-types files) and indexes every entry.
func (r *ProfileRegistry) IndexBundle(data []byte) error {
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse profile bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return fmt.Errorf("expected resourceType Bundle, got %q", bundle.ResourceType)
	}
	for _, entry := range bundle.Entry {
		var probe struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &probe); err != nil {
			continue
		}
		if probe.ResourceType != "StructureDefinition" {
			continue
		}
		profile, err := parseStructureDefinition(entry.Resource)
		if err != nil {
			return err
		}
		r.Index(profile)
	}
	return nil
}

// Index adds or replaces a profile by canonical URL. Profiles whose kind is
// resource are additionally indexed by type name.
func (r *ProfileRegistry) Index(p *Profile) {
	r.byURL[p.URL] = p
	if p.Kind == "resource" || p.Kind == "complex-type" || p.Kind == "primitive-type" {
		r.byType[p.Type] = p
	}
}

// ByURL returns the profile with the given canonical URL, or nil.
func (r *ProfileRegistry) ByURL(url string) *Profile {
	return r.byURL[url]
}

// ByType returns the profile for the given type name, or nil.
func (r *ProfileRegistry) ByType(name string) *Profile {
	return r.byType[name]
}

// ResourceTypes returns the sorted list of concrete (non-abstract) resource
// type names.
func (r *ProfileRegistry) ResourceTypes() []string {
	var types []string
	for name, p := range r.byType {
		if p.Kind == "resource" && !p.Abstract {
			types = append(types, name)
		}
	}
	sort.Strings(types)
	return types
}

// ElementAt resolves the element definition reached by walking path from the
// given type, descending through complex types. Choice elements are declared
// as "value[x]"; a path step "value" matches them. Returns nil when the path
// does not resolve.
func (r *ProfileRegistry) ElementAt(typeName string, path []string) *ElementDefinition {
	current := typeName
	var elem *ElementDefinition
	for i, step := range path {
		p := r.byType[current]
		if p == nil {
			return nil
		}
		elem = findElement(p, current+"."+step)
		if elem == nil {
			return nil
		}
		if i < len(path)-1 {
			if len(elem.Types) == 0 {
				return nil
			}
			current = elem.Types[0].Code
		}
	}
	return elem
}

func findElement(p *Profile, path string) *ElementDefinition {
	for i := range p.Elements {
		e := &p.Elements[i]
		if e.Path == path {
			return e
		}
		// Choice elements: "Observation.value[x]" matches path "Observation.value".
		if strings.HasSuffix(e.Path, "[x]") && strings.TrimSuffix(e.Path, "[x]") == path {
			return e
		}
	}
	return nil
}

func parseStructureDefinition(data []byte) (*Profile, error) {
	var sd struct {
		URL      string `json:"url"`
		Name     string `json:"name"`
		Type     string `json:"type"`
		Kind     string `json:"kind"`
		Abstract bool   `json:"abstract"`
		Snapshot struct {
			Element []struct {
				Path string `json:"path"`
				Min  int    `json:"min"`
				Max  string `json:"max"`
				Type []struct {
					Code          string   `json:"code"`
					TargetProfile []string `json:"targetProfile"`
				} `json:"type"`
				Binding struct {
					ValueSet string `json:"valueSet"`
				} `json:"binding"`
			} `json:"element"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("parse StructureDefinition: %w", err)
	}
	if sd.URL == "" {
		return nil, fmt.Errorf("StructureDefinition has no url")
	}
	profile := &Profile{
		URL:      sd.URL,
		Name:     sd.Name,
		Type:     sd.Type,
		Kind:     sd.Kind,
		Abstract: sd.Abstract,
	}
	for _, e := range sd.Snapshot.Element {
		elem := ElementDefinition{
			Path:    e.Path,
			Min:     e.Min,
			Max:     e.Max,
			Binding: e.Binding.ValueSet,
		}
		for _, t := range e.Type {
			elem.Types = append(elem.Types, ElementType{Code: t.Code, TargetProfile: t.TargetProfile})
		}
		profile.Elements = append(profile.Elements, elem)
	}
	return profile, nil
}
