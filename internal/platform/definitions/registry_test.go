package definitions

import "testing"

const testProfileBundle = `{
  "resourceType": "Bundle",
  "entry": [
    {"resource": {
      "resourceType": "StructureDefinition",
      "url": "http://hl7.org/fhir/StructureDefinition/Patient",
      "name": "Patient", "type": "Patient", "kind": "resource", "abstract": false,
      "snapshot": {"element": [
        {"path": "Patient", "min": 0, "max": "*"},
        {"path": "Patient.identifier", "min": 0, "max": "*", "type": [{"code": "Identifier"}]},
        {"path": "Patient.active", "min": 0, "max": "1", "type": [{"code": "boolean"}]},
        {"path": "Patient.name", "min": 0, "max": "*", "type": [{"code": "HumanName"}]},
        {"path": "Patient.telecom", "min": 0, "max": "*", "type": [{"code": "ContactPoint"}]},
        {"path": "Patient.gender", "min": 0, "max": "1", "type": [{"code": "code"}]},
        {"path": "Patient.birthDate", "min": 0, "max": "1", "type": [{"code": "date"}]},
        {"path": "Patient.address", "min": 0, "max": "*", "type": [{"code": "Address"}]},
        {"path": "Patient.generalPractitioner", "min": 0, "max": "*", "type": [{"code": "Reference", "targetProfile": ["http://hl7.org/fhir/StructureDefinition/Practitioner"]}]},
        {"path": "Patient.managingOrganization", "min": 0, "max": "1", "type": [{"code": "Reference", "targetProfile": ["http://hl7.org/fhir/StructureDefinition/Organization"]}]}
      ]}
    }},
    {"resource": {
      "resourceType": "StructureDefinition",
      "url": "http://hl7.org/fhir/StructureDefinition/Observation",
      "name": "Observation", "type": "Observation", "kind": "resource", "abstract": false,
      "snapshot": {"element": [
        {"path": "Observation", "min": 0, "max": "*"},
        {"path": "Observation.status", "min": 1, "max": "1", "type": [{"code": "code"}]},
        {"path": "Observation.code", "min": 1, "max": "1", "type": [{"code": "CodeableConcept"}]},
        {"path": "Observation.subject", "min": 0, "max": "1", "type": [{"code": "Reference", "targetProfile": ["http://hl7.org/fhir/StructureDefinition/Patient"]}]},
        {"path": "Observation.effective[x]", "min": 0, "max": "1", "type": [{"code": "dateTime"}, {"code": "Period"}]},
        {"path": "Observation.value[x]", "min": 0, "max": "1", "type": [{"code": "Quantity"}, {"code": "CodeableConcept"}, {"code": "string"}, {"code": "dateTime"}]}
      ]}
    }},
    {"resource": {
      "resourceType": "StructureDefinition",
      "url": "http://hl7.org/fhir/StructureDefinition/DomainResource",
      "name": "DomainResource", "type": "DomainResource", "kind": "resource", "abstract": true,
      "snapshot": {"element": [{"path": "DomainResource", "min": 0, "max": "*"}]}
    }},
    {"resource": {
      "resourceType": "StructureDefinition",
      "url": "http://hl7.org/fhir/StructureDefinition/HumanName",
      "name": "HumanName", "type": "HumanName", "kind": "complex-type", "abstract": false,
      "snapshot": {"element": [
        {"path": "HumanName", "min": 0, "max": "*"},
        {"path": "HumanName.text", "min": 0, "max": "1", "type": [{"code": "string"}]},
        {"path": "HumanName.family", "min": 0, "max": "1", "type": [{"code": "string"}]},
        {"path": "HumanName.given", "min": 0, "max": "*", "type": [{"code": "string"}]}
      ]}
    }}
  ]
}`

const testSearchParameterBundle = `{
  "resourceType": "Bundle",
  "entry": [
    {"resource": {"resourceType": "SearchParameter", "code": "name", "type": "string",
      "expression": "Patient.name", "base": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "family", "type": "string",
      "expression": "Patient.name.family", "base": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "birthdate", "type": "date",
      "expression": "Patient.birthDate", "base": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "gender", "type": "token",
      "expression": "Patient.gender", "base": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "identifier", "type": "token",
      "expression": "Patient.identifier", "base": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "phone", "type": "token",
      "expression": "Patient.telecom.where(system='phone')", "base": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "general-practitioner", "type": "reference",
      "expression": "Patient.generalPractitioner", "base": ["Patient"],
      "target": ["Practitioner", "Organization"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "organization", "type": "reference",
      "expression": "Patient.managingOrganization", "base": ["Patient"],
      "target": ["Organization"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "code", "type": "token",
      "expression": "Observation.code", "base": ["Observation"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "subject", "type": "reference",
      "expression": "Observation.subject", "base": ["Observation"],
      "target": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "date", "type": "date",
      "expression": "Observation.effective", "base": ["Observation"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "value-quantity", "type": "quantity",
      "expression": "(Observation.value as Quantity)", "base": ["Observation"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "_id", "type": "token",
      "expression": "Resource.id", "base": ["Resource"]}}
  ]
}`

func newTestRegistries(t *testing.T) (*ProfileRegistry, *SearchParameterRegistry) {
	t.Helper()
	profiles := NewProfileRegistry()
	if err := profiles.IndexBundle([]byte(testProfileBundle)); err != nil {
		t.Fatalf("index profile bundle: %v", err)
	}
	params := NewSearchParameterRegistry(profiles)
	if err := params.IndexBundle([]byte(testSearchParameterBundle)); err != nil {
		t.Fatalf("index search parameter bundle: %v", err)
	}
	return profiles, params
}

func TestProfileRegistryResourceTypes(t *testing.T) {
	profiles, _ := newTestRegistries(t)
	got := profiles.ResourceTypes()
	want := []string{"Observation", "Patient"}
	if len(got) != len(want) {
		t.Fatalf("ResourceTypes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ResourceTypes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestElementAt(t *testing.T) {
	profiles, _ := newTestRegistries(t)

	t.Run("direct element", func(t *testing.T) {
		elem := profiles.ElementAt("Patient", []string{"birthDate"})
		if elem == nil {
			t.Fatal("ElementAt returned nil")
		}
		if elem.Types[0].Code != "date" {
			t.Errorf("type = %q, want date", elem.Types[0].Code)
		}
		if elem.IsArray() {
			t.Error("birthDate should not be an array")
		}
	})

	t.Run("descends through complex type", func(t *testing.T) {
		elem := profiles.ElementAt("Patient", []string{"name", "family"})
		if elem == nil {
			t.Fatal("ElementAt returned nil")
		}
		if elem.Types[0].Code != "string" {
			t.Errorf("type = %q, want string", elem.Types[0].Code)
		}
	})

	t.Run("choice element matches without suffix", func(t *testing.T) {
		elem := profiles.ElementAt("Observation", []string{"value"})
		if elem == nil {
			t.Fatal("ElementAt returned nil")
		}
		if elem.Types[0].Code != "Quantity" {
			t.Errorf("first type = %q, want Quantity", elem.Types[0].Code)
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		if elem := profiles.ElementAt("Patient", []string{"nope"}); elem != nil {
			t.Errorf("ElementAt = %+v, want nil", elem)
		}
	})
}

func TestClassifyStrategies(t *testing.T) {
	_, params := newTestRegistries(t)

	tests := []struct {
		resourceType string
		code         string
		strategy     Strategy
		columnName   string
		columnType   string
		array        bool
		lookupTable  string
	}{
		{"Patient", "name", StrategyLookupTable, "name", "TEXT", true, "HumanName"},
		{"Patient", "family", StrategyColumn, "family", "TEXT", true, ""},
		{"Patient", "birthdate", StrategyColumn, "birthdate", "TIMESTAMPTZ", false, ""},
		{"Patient", "gender", StrategyTokenColumn, "gender", "UUID[]", true, ""},
		{"Patient", "identifier", StrategyTokenColumn, "identifier", "UUID[]", true, "Identifier"},
		{"Patient", "phone", StrategyLookupTable, "phone", "TEXT", true, "ContactPoint"},
		{"Patient", "general-practitioner", StrategyColumn, "generalPractitioner", "TEXT[]", true, ""},
		{"Patient", "organization", StrategyColumn, "organization", "TEXT", false, ""},
		{"Observation", "code", StrategyTokenColumn, "code", "UUID[]", true, ""},
		{"Observation", "value-quantity", StrategyColumn, "valueQuantity", "DOUBLE PRECISION", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.resourceType+"/"+tt.code, func(t *testing.T) {
			impl := params.Lookup(tt.resourceType, tt.code)
			if impl == nil {
				t.Fatal("Lookup returned nil")
			}
			if impl.Strategy != tt.strategy {
				t.Errorf("Strategy = %v, want %v", impl.Strategy, tt.strategy)
			}
			if impl.ColumnName != tt.columnName {
				t.Errorf("ColumnName = %q, want %q", impl.ColumnName, tt.columnName)
			}
			if impl.ColumnType != tt.columnType {
				t.Errorf("ColumnType = %q, want %q", impl.ColumnType, tt.columnType)
			}
			if impl.Array != tt.array {
				t.Errorf("Array = %v, want %v", impl.Array, tt.array)
			}
			if impl.LookupTable != tt.lookupTable {
				t.Errorf("LookupTable = %q, want %q", impl.LookupTable, tt.lookupTable)
			}
		})
	}
}

func TestBaseResourceParametersSkipped(t *testing.T) {
	_, params := newTestRegistries(t)
	if impl := params.Lookup("Resource", "_id"); impl != nil {
		t.Errorf("base Resource parameter indexed: %+v", impl)
	}
}

func TestIndexBundleOverride(t *testing.T) {
	_, params := newTestRegistries(t)
	before := len(params.List("Patient"))

	overlay := `{
	  "resourceType": "Bundle",
	  "entry": [
	    {"resource": {"resourceType": "SearchParameter", "code": "gender", "type": "token",
	      "expression": "Patient.gender", "base": ["Patient"]}}
	  ]
	}`
	if err := params.IndexBundle([]byte(overlay)); err != nil {
		t.Fatalf("index overlay: %v", err)
	}
	if got := len(params.List("Patient")); got != before {
		t.Errorf("List length changed on override: %d, want %d", got, before)
	}
	if impl := params.Lookup("Patient", "gender"); impl == nil || impl.Strategy != StrategyTokenColumn {
		t.Errorf("override lost the implementation: %+v", impl)
	}
}

func TestSortColumnNames(t *testing.T) {
	_, params := newTestRegistries(t)

	gender := params.Lookup("Patient", "gender")
	if got := gender.TokenColumnName(); got != "__gender" {
		t.Errorf("TokenColumnName = %q, want __gender", got)
	}
	if got := gender.TokenTextColumnName(); got != "__genderText" {
		t.Errorf("TokenTextColumnName = %q, want __genderText", got)
	}
	if got := gender.SortColumnName(); got != "__genderSort" {
		t.Errorf("SortColumnName = %q, want __genderSort", got)
	}

	birth := params.Lookup("Patient", "birthdate")
	if got := birth.SortColumnName(); got != "birthdate" {
		t.Errorf("SortColumnName = %q, want birthdate", got)
	}
}
