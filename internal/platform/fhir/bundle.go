package fhir

import (
	"encoding/json"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
	IfMatch     string `json:"ifMatch,omitempty"`
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// NewBundle creates an empty Bundle of the given type stamped with the
// current instant.
func NewBundle(bundleType string) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         bundleType,
		Timestamp:    &now,
	}
}

// WeakETag renders a versionId as the weak ETag used on read responses and
// history entries.
func WeakETag(versionID string) string {
	return `W/"` + versionID + `"`
}
