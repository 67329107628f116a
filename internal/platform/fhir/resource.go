package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource is a FHIR resource held as a decoded JSON object. The engine is
// schemaless: resourceType is the only discriminator it relies on, and typed
// views exist only where values are projected into search columns.
type Resource map[string]interface{}

// ParseResource decodes a JSON body into a Resource and checks that it is an
// object carrying a resourceType.
func ParseResource(body []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, BadRequest(fmt.Sprintf("invalid JSON: %s", err.Error()))
	}
	if r.Type() == "" {
		return nil, BadRequest("resource is missing resourceType")
	}
	return r, nil
}

// Type returns the resourceType, or "" when absent.
func (r Resource) Type() string {
	t, _ := r["resourceType"].(string)
	return t
}

// ID returns the resource id, or "" when absent.
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// SetID assigns the resource id.
func (r Resource) SetID(id string) {
	r["id"] = id
}

func (r Resource) meta() map[string]interface{} {
	m, _ := r["meta"].(map[string]interface{})
	return m
}

// VersionID returns meta.versionId, or "" when absent.
func (r Resource) VersionID() string {
	if m := r.meta(); m != nil {
		v, _ := m["versionId"].(string)
		return v
	}
	return ""
}

// LastUpdated returns meta.lastUpdated parsed as RFC3339, or the zero time.
func (r Resource) LastUpdated() time.Time {
	if m := r.meta(); m != nil {
		if s, ok := m["lastUpdated"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// SetVersion stamps meta.versionId and meta.lastUpdated, creating meta when
// needed. Existing meta fields such as tag and security are preserved.
func (r Resource) SetVersion(versionID string, lastUpdated time.Time) {
	m := r.meta()
	if m == nil {
		m = map[string]interface{}{}
		r["meta"] = m
	}
	m["versionId"] = versionID
	m["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339Nano)
}

// Source returns meta.source, or "" when absent.
func (r Resource) Source() string {
	if m := r.meta(); m != nil {
		s, _ := m["source"].(string)
		return s
	}
	return ""
}

// Profiles returns meta.profile as a string slice.
func (r Resource) Profiles() []string {
	m := r.meta()
	if m == nil {
		return nil
	}
	arr, _ := m["profile"].([]interface{})
	var out []string
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// MetaCodings returns meta.tag or meta.security entries as generic coding maps.
func (r Resource) MetaCodings(field string) []interface{} {
	if m := r.meta(); m != nil {
		arr, _ := m[field].([]interface{})
		return arr
	}
	return nil
}

// DeepCopy returns an independent copy of the resource via a JSON round-trip.
func (r Resource) DeepCopy() Resource {
	data, _ := json.Marshal(r)
	var out Resource
	_ = json.Unmarshal(data, &out)
	return out
}

// Marshal renders the resource as canonical JSON.
func (r Resource) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal resource: %w", err)
	}
	return data, nil
}

// Coding is a (system, code) pair with an optional display text.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Text       string   `json:"text,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	District   string   `json:"district,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

// FormatReference creates a FHIR literal reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
