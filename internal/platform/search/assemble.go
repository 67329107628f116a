package search

import (
	"net/url"
	"strconv"

	"github.com/openfhir/fhirstore/internal/platform/fhir"
)

// AssembleBundle flattens primary and included results into a searchset
// bundle. Matches are tagged search.mode=match, includes search.mode=include,
// and Bundle.total is populated only in accurate mode.
func AssembleBundle(baseURL string, req *Request, res *Results) (*fhir.Bundle, error) {
	bundle := fhir.NewBundle("searchset")
	bundle.Total = res.Total

	for _, m := range res.Matches {
		entry, err := resultEntry(baseURL, m, "match")
		if err != nil {
			return nil, err
		}
		bundle.Entry = append(bundle.Entry, entry)
	}
	for _, inc := range res.Includes {
		entry, err := resultEntry(baseURL, inc, "include")
		if err != nil {
			return nil, err
		}
		bundle.Entry = append(bundle.Entry, entry)
	}

	bundle.Link = paginationLinks(baseURL, req, res)
	return bundle, nil
}

func resultEntry(baseURL string, r Result, mode string) (fhir.BundleEntry, error) {
	raw, err := r.Resource.Marshal()
	if err != nil {
		return fhir.BundleEntry{}, err
	}
	entry := fhir.BundleEntry{
		Resource: raw,
		Search:   &fhir.BundleSearch{Mode: mode},
	}
	if baseURL != "" {
		entry.FullURL = baseURL + "/" + r.ResourceType + "/" + r.ID
	}
	return entry, nil
}

// paginationLinks emits self, next, and previous links. The next link uses
// the opaque (lastUpdated, id) cursor under the default sort and falls back
// to _offset otherwise.
func paginationLinks(baseURL string, req *Request, res *Results) []fhir.BundleLink {
	self := searchURL(baseURL, req, req.Offset, req.Cursor)
	links := []fhir.BundleLink{{Relation: "self", URL: self}}

	if res.HasNext && len(res.Matches) > 0 {
		if len(req.Sort) == 0 {
			last := res.Matches[len(res.Matches)-1]
			links = append(links, fhir.BundleLink{
				Relation: "next",
				URL:      searchURL(baseURL, req, 0, EncodeCursor(last.LastUpdated, last.ID)),
			})
		} else {
			links = append(links, fhir.BundleLink{
				Relation: "next",
				URL:      searchURL(baseURL, req, req.Offset+req.Count, ""),
			})
		}
	}
	if req.Offset > 0 {
		prev := req.Offset - req.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, fhir.BundleLink{
			Relation: "previous",
			URL:      searchURL(baseURL, req, prev, ""),
		})
	}
	return links
}

// searchURL re-renders the request as a canonical query string.
func searchURL(baseURL string, req *Request, offset int, cursor string) string {
	values := url.Values{}
	for _, p := range req.Params {
		key := p.Code
		if p.Chain != "" {
			key += "." + p.Chain
		}
		if p.Modifier != "" {
			key += ":" + p.Modifier
		}
		for _, v := range p.Values {
			values.Add(key, v)
		}
	}
	for _, sf := range req.Sort {
		code := sf.Code
		if sf.Descending {
			code = "-" + code
		}
		values.Add("_sort", code)
	}
	for _, inc := range req.Includes {
		values.Add("_include", includeString(inc))
	}
	for _, inc := range req.RevIncludes {
		values.Add("_revinclude", includeString(inc))
	}
	if req.Count != DefaultCount {
		values.Set("_count", strconv.Itoa(req.Count))
	}
	if offset > 0 {
		values.Set("_offset", strconv.Itoa(offset))
	}
	if cursor != "" {
		values.Set("_cursor", cursor)
	}
	if req.Total != "none" && req.Total != "" {
		values.Set("_total", req.Total)
	}

	u := baseURL + "/" + req.ResourceType
	if encoded := values.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

func includeString(inc Include) string {
	s := inc.Source + ":" + inc.Param
	if inc.Target != "" {
		s += ":" + inc.Target
	}
	return s
}
