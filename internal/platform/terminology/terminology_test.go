package terminology

import (
	"context"
	"testing"

	"github.com/openfhir/fhirstore/internal/platform/fhir"
)

// fakeSource serves code systems from a map keyed by canonical URL.
type fakeSource struct {
	systems map[string]fhir.Resource
}

func (f *fakeSource) CodeSystemByURL(ctx context.Context, url string) (fhir.Resource, error) {
	if cs, ok := f.systems[url]; ok {
		return cs, nil
	}
	return nil, fhir.NotFound("CodeSystem", url)
}

func concept(code, display string, children ...interface{}) map[string]interface{} {
	c := map[string]interface{}{"code": code, "display": display}
	if len(children) > 0 {
		c["concept"] = children
	}
	return c
}

func newTestService() *Service {
	return NewService(&fakeSource{systems: map[string]fhir.Resource{
		"http://example.org/cs": {
			"resourceType": "CodeSystem",
			"url":          "http://example.org/cs",
			"concept": []interface{}{
				concept("animal", "Animal",
					concept("dog", "Dog",
						concept("poodle", "Poodle")),
					concept("cat", "Cat")),
				concept("mineral", "Mineral"),
			},
		},
	}})
}

func TestExpandInlineConcepts(t *testing.T) {
	vs := fhir.Resource{
		"resourceType": "ValueSet",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{
					"system": "http://example.org/cs",
					"concept": []interface{}{
						map[string]interface{}{"code": "dog", "display": "Dog"},
						map[string]interface{}{"code": "cat"},
					},
				},
			},
		},
	}
	out, err := newTestService().Expand(context.Background(), vs, ExpandOptions{})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	expansion, _ := out["expansion"].(map[string]interface{})
	if expansion == nil {
		t.Fatal("no expansion element")
	}
	if expansion["total"] != float64(2) {
		t.Errorf("total = %v", expansion["total"])
	}
	contains, _ := expansion["contains"].([]interface{})
	if len(contains) != 2 {
		t.Fatalf("contains = %v", contains)
	}
	first, _ := contains[0].(map[string]interface{})
	if first["system"] != "http://example.org/cs" || first["code"] != "dog" || first["display"] != "Dog" {
		t.Errorf("contains[0] = %v", first)
	}
	second, _ := contains[1].(map[string]interface{})
	if _, ok := second["display"]; ok {
		t.Error("empty display must be omitted")
	}

	// The input value set stays untouched.
	if _, ok := vs["expansion"]; ok {
		t.Error("Expand mutated its input")
	}
}

func TestExpandFromCodeSystem(t *testing.T) {
	vs := fhir.Resource{
		"resourceType": "ValueSet",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{"system": "http://example.org/cs"},
			},
		},
	}
	out, err := newTestService().Expand(context.Background(), vs, ExpandOptions{})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	expansion := out["expansion"].(map[string]interface{})
	// The concept tree flattens depth first.
	contains := expansion["contains"].([]interface{})
	var codes []string
	for _, c := range contains {
		codes = append(codes, c.(map[string]interface{})["code"].(string))
	}
	want := []string{"animal", "dog", "poodle", "cat", "mineral"}
	if len(codes) != len(want) {
		t.Fatalf("codes = %v, want %v", codes, want)
	}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("codes = %v, want %v", codes, want)
			break
		}
	}
}

func TestExpandPaging(t *testing.T) {
	vs := fhir.Resource{
		"resourceType": "ValueSet",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{"system": "http://example.org/cs"},
			},
		},
	}

	t.Run("count and offset", func(t *testing.T) {
		out, err := newTestService().Expand(context.Background(), vs, ExpandOptions{Count: 2, Offset: 1})
		if err != nil {
			t.Fatalf("Expand: %v", err)
		}
		expansion := out["expansion"].(map[string]interface{})
		if expansion["total"] != float64(5) {
			t.Errorf("total = %v, want the unpaged count", expansion["total"])
		}
		if expansion["offset"] != float64(1) {
			t.Errorf("offset = %v", expansion["offset"])
		}
		contains := expansion["contains"].([]interface{})
		if len(contains) != 2 {
			t.Fatalf("contains = %v", contains)
		}
		if contains[0].(map[string]interface{})["code"] != "dog" {
			t.Errorf("contains[0] = %v", contains[0])
		}
	})

	t.Run("offset past the end", func(t *testing.T) {
		out, err := newTestService().Expand(context.Background(), vs, ExpandOptions{Offset: 99})
		if err != nil {
			t.Fatalf("Expand: %v", err)
		}
		expansion := out["expansion"].(map[string]interface{})
		if contains := expansion["contains"].([]interface{}); len(contains) != 0 {
			t.Errorf("contains = %v, want empty", contains)
		}
	})
}

func TestExpandErrors(t *testing.T) {
	svc := newTestService()

	tests := []struct {
		name string
		vs   fhir.Resource
	}{
		{"not a value set", fhir.Resource{"resourceType": "Patient"}},
		{"no compose", fhir.Resource{"resourceType": "ValueSet"}},
		{"include without system or concepts", fhir.Resource{
			"resourceType": "ValueSet",
			"compose": map[string]interface{}{
				"include": []interface{}{map[string]interface{}{}},
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Expand(context.Background(), tt.vs, ExpandOptions{}); fhir.KindOf(err) != fhir.KindBadRequest {
				t.Errorf("err = %v, want BadRequest", err)
			}
		})
	}

	t.Run("unknown system", func(t *testing.T) {
		vs := fhir.Resource{
			"resourceType": "ValueSet",
			"compose": map[string]interface{}{
				"include": []interface{}{
					map[string]interface{}{"system": "http://example.org/nope"},
				},
			},
		}
		if _, err := svc.Expand(context.Background(), vs, ExpandOptions{}); fhir.KindOf(err) != fhir.KindNotFound {
			t.Errorf("err = %v, want NotFound", err)
		}
	})
}

func TestSubsumes(t *testing.T) {
	svc := newTestService()
	const system = "http://example.org/cs"

	tests := []struct {
		name  string
		codeA string
		codeB string
		want  string
	}{
		{"equivalent", "dog", "dog", "equivalent"},
		{"direct child", "dog", "poodle", "subsumes"},
		{"transitive", "animal", "poodle", "subsumes"},
		{"inverse", "poodle", "animal", "subsumed-by"},
		{"siblings", "dog", "cat", "not-subsumed"},
		{"unrelated roots", "animal", "mineral", "not-subsumed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Subsumes(context.Background(), system, tt.codeA, tt.codeB)
			if err != nil {
				t.Fatalf("Subsumes: %v", err)
			}
			if got != tt.want {
				t.Errorf("Subsumes(%s, %s) = %q, want %q", tt.codeA, tt.codeB, got, tt.want)
			}
		})
	}

	t.Run("unknown code", func(t *testing.T) {
		if _, err := svc.Subsumes(context.Background(), system, "dog", "unicorn"); fhir.KindOf(err) != fhir.KindBadRequest {
			t.Errorf("err = %v, want BadRequest", err)
		}
	})

	t.Run("unknown system", func(t *testing.T) {
		if _, err := svc.Subsumes(context.Background(), "http://example.org/nope", "a", "b"); fhir.KindOf(err) != fhir.KindNotFound {
			t.Errorf("err = %v, want NotFound", err)
		}
	})
}
