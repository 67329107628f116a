package index

import (
	"reflect"
	"testing"

	"github.com/openfhir/fhirstore/internal/platform/definitions"
)

func TestEvaluate(t *testing.T) {
	resource := map[string]interface{}{
		"resourceType": "Patient",
		"birthDate":    "1970-01-01",
		"name": []interface{}{
			map[string]interface{}{"family": "Smith", "given": []interface{}{"Jane", "Q"}},
			map[string]interface{}{"family": "Jones"},
		},
		"maritalStatus": map[string]interface{}{"text": "M"},
		"deceasedBoolean": true,
	}

	tests := []struct {
		name string
		path definitions.RestrictedPath
		want []interface{}
	}{
		{"scalar", definitions.RestrictedPath{"birthDate"}, []interface{}{"1970-01-01"}},
		{"array fans out", definitions.RestrictedPath{"name", "family"}, []interface{}{"Smith", "Jones"}},
		{"nested array flattens", definitions.RestrictedPath{"name", "given"}, []interface{}{"Jane", "Q"}},
		{"object step", definitions.RestrictedPath{"maritalStatus", "text"}, []interface{}{"M"}},
		{"choice element", definitions.RestrictedPath{"deceased"}, []interface{}{true}},
		{"missing", definitions.RestrictedPath{"gender"}, nil},
		{"missing mid-chain", definitions.RestrictedPath{"contact", "name"}, nil},
		{"empty path yields node", nil, []interface{}{resource}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(resource, tt.path)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Evaluate(%v) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestChoiceValueCaseBoundary(t *testing.T) {
	obj := map[string]interface{}{
		"valueset":      "not a choice variant",
		"valueQuantity": map[string]interface{}{"value": 1.0},
	}
	got := Evaluate(obj, definitions.RestrictedPath{"value"})
	if len(got) != 1 {
		t.Fatalf("got %v, want the quantity only", got)
	}
	if _, ok := got[0].(map[string]interface{}); !ok {
		t.Errorf("choice resolution picked %v", got[0])
	}
}
