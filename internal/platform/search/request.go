// Package search compiles FHIR search requests into parameterized SQL
// against the synthesized schema and assembles searchset bundles from the
// results.
package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/openfhir/fhirstore/internal/platform/fhir"
)

// DefaultCount is the page size applied when _count is absent.
const DefaultCount = 20

// MaxCount caps the page size a client can request.
const MaxCount = 1000

// Param is one (code, modifier, value) search parameter. Chain carries the
// remainder of a chained code ("patient.name" parses to Code "patient",
// Chain "name"); Values holds the comma-separated OR alternatives.
type Param struct {
	Code     string
	Modifier string
	Chain    string
	Values   []string
}

// HasParam is a reverse-chained _has parameter:
// _has:Observation:patient:code=1234.
type HasParam struct {
	SourceType string
	RefCode    string
	Param      Param
}

// SortField is one _sort entry.
type SortField struct {
	Code       string
	Descending bool
}

// Include is a parsed _include or _revinclude directive.
type Include struct {
	Source string
	Param  string
	Target string
}

// Request is a parsed search: the compiler's input.
type Request struct {
	ResourceType   string
	Params         []Param
	Has            []HasParam
	Sort           []SortField
	Includes       []Include
	RevIncludes    []Include
	Count          int
	Offset         int
	Total          string // "none" or "accurate"
	Cursor         string
	IncludeDeleted bool
	SummaryCount   bool
}

// ParseQuery builds a Request from decoded query parameters. Unknown
// parameter codes are kept; the compiler ignores them without failing.
func ParseQuery(resourceType string, values url.Values) (*Request, error) {
	req := &Request{ResourceType: resourceType, Count: DefaultCount, Total: "none"}

	for key, vals := range values {
		switch {
		case key == "_count":
			n, err := strconv.Atoi(vals[0])
			if err != nil || n < 0 {
				return nil, fhir.BadRequest(fmt.Sprintf("invalid _count value %q", vals[0]))
			}
			if n > MaxCount {
				n = MaxCount
			}
			req.Count = n
		case key == "_offset":
			n, err := strconv.Atoi(vals[0])
			if err != nil || n < 0 {
				return nil, fhir.BadRequest(fmt.Sprintf("invalid _offset value %q", vals[0]))
			}
			req.Offset = n
		case key == "_total":
			switch vals[0] {
			case "none", "accurate":
				req.Total = vals[0]
			case "estimate":
				// Estimates are not maintained; accurate is the closest honest answer.
				req.Total = "accurate"
			default:
				return nil, fhir.BadRequest(fmt.Sprintf("invalid _total value %q", vals[0]))
			}
		case key == "_summary":
			if vals[0] == "count" {
				req.SummaryCount = true
				req.Total = "accurate"
			}
		case key == "_sort":
			for _, v := range vals {
				for _, field := range strings.Split(v, ",") {
					field = strings.TrimSpace(field)
					if field == "" {
						continue
					}
					sf := SortField{Code: field}
					if strings.HasPrefix(field, "-") {
						sf = SortField{Code: field[1:], Descending: true}
					} else if strings.HasPrefix(field, "+") {
						sf.Code = field[1:]
					}
					req.Sort = append(req.Sort, sf)
				}
			}
		case key == "_include":
			for _, v := range vals {
				inc, err := parseInclude(v)
				if err != nil {
					return nil, err
				}
				req.Includes = append(req.Includes, inc)
			}
		case key == "_revinclude":
			for _, v := range vals {
				inc, err := parseInclude(v)
				if err != nil {
					return nil, err
				}
				req.RevIncludes = append(req.RevIncludes, inc)
			}
		case key == "_cursor":
			req.Cursor = vals[0]
		case key == "_deleted":
			req.IncludeDeleted = vals[0] == "true"
		case strings.HasPrefix(key, "_has:"):
			for _, v := range vals {
				has, err := parseHas(key, v)
				if err != nil {
					return nil, err
				}
				req.Has = append(req.Has, has)
			}
		default:
			for _, v := range vals {
				req.Params = append(req.Params, parseParam(key, v))
			}
		}
	}
	return req, nil
}

// ParseQueryString parses a raw query string, as supplied by conditional
// operations and bundle entry URLs.
func ParseQueryString(resourceType, query string) (*Request, error) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fhir.BadRequest(fmt.Sprintf("invalid search query %q", query))
	}
	return ParseQuery(resourceType, values)
}

// parseParam splits a query key into code, modifier, and chain. The modifier
// follows the first ":"; a "." in the code starts a chain on a reference
// parameter.
func parseParam(key, value string) Param {
	p := Param{Code: key}
	if idx := strings.Index(key, ":"); idx >= 0 {
		p.Code = key[:idx]
		p.Modifier = key[idx+1:]
	}
	if idx := strings.Index(p.Code, "."); idx >= 0 {
		p.Chain = p.Code[idx+1:]
		p.Code = p.Code[:idx]
	} else if idx := strings.Index(p.Modifier, "."); idx >= 0 {
		// Typed chain: "subject:Patient.name" pins the target type and chains
		// through it.
		p.Chain = p.Modifier[idx+1:]
		p.Modifier = p.Modifier[:idx]
	}
	p.Values = splitValues(value)
	return p
}

// parseHas decodes "_has:Type:refParam:code".
func parseHas(key, value string) (HasParam, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return HasParam{}, fhir.BadRequest(fmt.Sprintf("invalid _has parameter %q", key))
	}
	return HasParam{
		SourceType: parts[1],
		RefCode:    parts[2],
		Param:      Param{Code: parts[3], Values: splitValues(value)},
	}, nil
}

func parseInclude(v string) (Include, error) {
	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Include{}, fhir.BadRequest(fmt.Sprintf("invalid include directive %q", v))
	}
	inc := Include{Source: parts[0], Param: parts[1]}
	if len(parts) == 3 {
		inc.Target = parts[2]
	}
	return inc, nil
}

// splitValues separates comma-joined OR alternatives, honoring the FHIR "\,"
// escape.
func splitValues(value string) []string {
	if !strings.Contains(value, ",") {
		return []string{value}
	}
	var out []string
	var b strings.Builder
	escaped := false
	for _, r := range value {
		switch {
		case escaped:
			if r != ',' && r != '\\' && r != '$' && r != '|' {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			out = append(out, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	out = append(out, b.String())
	return out
}
