package search

import (
	"net/url"
	"reflect"
	"testing"
)

func TestParseQueryControls(t *testing.T) {
	req, err := ParseQuery("Patient", url.Values{
		"_count":  {"50"},
		"_offset": {"100"},
		"_total":  {"accurate"},
		"_cursor": {"123:abc"},
	})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if req.Count != 50 || req.Offset != 100 {
		t.Errorf("Count/Offset = %d/%d", req.Count, req.Offset)
	}
	if req.Total != "accurate" {
		t.Errorf("Total = %q", req.Total)
	}
	if req.Cursor != "123:abc" {
		t.Errorf("Cursor = %q", req.Cursor)
	}
}

func TestParseQueryDefaults(t *testing.T) {
	req, err := ParseQuery("Patient", url.Values{})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if req.Count != DefaultCount {
		t.Errorf("Count = %d, want %d", req.Count, DefaultCount)
	}
	if req.Total != "none" {
		t.Errorf("Total = %q, want none", req.Total)
	}
}

func TestParseQueryCountCap(t *testing.T) {
	req, err := ParseQuery("Patient", url.Values{"_count": {"999999"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if req.Count != MaxCount {
		t.Errorf("Count = %d, want capped at %d", req.Count, MaxCount)
	}
}

func TestParseQueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		values url.Values
	}{
		{"bad count", url.Values{"_count": {"abc"}}},
		{"negative count", url.Values{"_count": {"-1"}}},
		{"bad offset", url.Values{"_offset": {"x"}}},
		{"bad total", url.Values{"_total": {"sometimes"}}},
		{"bad include", url.Values{"_include": {"Observation"}}},
		{"bad has", url.Values{"_has:Observation:code": {"x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseQuery("Patient", tt.values); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseQueryTotalEstimate(t *testing.T) {
	req, err := ParseQuery("Patient", url.Values{"_total": {"estimate"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if req.Total != "accurate" {
		t.Errorf("Total = %q, want accurate", req.Total)
	}
}

func TestParseQuerySummaryCount(t *testing.T) {
	req, err := ParseQuery("Patient", url.Values{"_summary": {"count"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if !req.SummaryCount || req.Total != "accurate" {
		t.Errorf("SummaryCount = %v, Total = %q", req.SummaryCount, req.Total)
	}
}

func TestParseQuerySort(t *testing.T) {
	req, err := ParseQuery("Patient", url.Values{"_sort": {"-birthdate,name,+family"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	want := []SortField{
		{Code: "birthdate", Descending: true},
		{Code: "name"},
		{Code: "family"},
	}
	if !reflect.DeepEqual(req.Sort, want) {
		t.Errorf("Sort = %+v, want %+v", req.Sort, want)
	}
}

func TestParseQueryIncludes(t *testing.T) {
	req, err := ParseQuery("Observation", url.Values{
		"_include":    {"Observation:subject", "Observation:performer:Practitioner"},
		"_revinclude": {"Provenance:target"},
	})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if len(req.Includes) != 2 {
		t.Fatalf("Includes = %+v", req.Includes)
	}
	if req.Includes[0] != (Include{Source: "Observation", Param: "subject"}) {
		t.Errorf("Includes[0] = %+v", req.Includes[0])
	}
	if req.Includes[1] != (Include{Source: "Observation", Param: "performer", Target: "Practitioner"}) {
		t.Errorf("Includes[1] = %+v", req.Includes[1])
	}
	if len(req.RevIncludes) != 1 || req.RevIncludes[0].Source != "Provenance" {
		t.Errorf("RevIncludes = %+v", req.RevIncludes)
	}
}

func TestParseQueryHas(t *testing.T) {
	req, err := ParseQuery("Patient", url.Values{"_has:Observation:subject:code": {"1234-5"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if len(req.Has) != 1 {
		t.Fatalf("Has = %+v", req.Has)
	}
	has := req.Has[0]
	if has.SourceType != "Observation" || has.RefCode != "subject" || has.Param.Code != "code" {
		t.Errorf("Has = %+v", has)
	}
	if !reflect.DeepEqual(has.Param.Values, []string{"1234-5"}) {
		t.Errorf("Has values = %v", has.Param.Values)
	}
}

func TestParseParamForms(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  Param
	}{
		{"gender", "female", Param{Code: "gender", Values: []string{"female"}}},
		{"name:exact", "Smith", Param{Code: "name", Modifier: "exact", Values: []string{"Smith"}}},
		{"subject.name", "Smith", Param{Code: "subject", Chain: "name", Values: []string{"Smith"}}},
		{"subject:Patient", "p1", Param{Code: "subject", Modifier: "Patient", Values: []string{"p1"}}},
		{"subject:Patient.name", "Smith", Param{Code: "subject", Modifier: "Patient", Chain: "name", Values: []string{"Smith"}}},
		{"gender:missing", "true", Param{Code: "gender", Modifier: "missing", Values: []string{"true"}}},
		{"code", "a,b", Param{Code: "code", Values: []string{"a", "b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := parseParam(tt.key, tt.value)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseParam(%q, %q) = %+v, want %+v", tt.key, tt.value, got, tt.want)
			}
		})
	}
}

func TestSplitValues(t *testing.T) {
	tests := []struct {
		value string
		want  []string
	}{
		{"a", []string{"a"}},
		{"a,b,c", []string{"a", "b", "c"}},
		{`a\,b,c`, []string{"a,b", "c"}},
		{`s\|till,x`, []string{"s|till", "x"}},
		{"a,", []string{"a", ""}},
	}
	for _, tt := range tests {
		if got := splitValues(tt.value); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitValues(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseQueryString(t *testing.T) {
	req, err := ParseQueryString("Patient", "gender=female&_count=5")
	if err != nil {
		t.Fatalf("ParseQueryString: %v", err)
	}
	if req.Count != 5 || len(req.Params) != 1 || req.Params[0].Code != "gender" {
		t.Errorf("req = %+v", req)
	}

	if _, err := ParseQueryString("Patient", "%zz"); err == nil {
		t.Error("expected error for an invalid query string")
	}
}
