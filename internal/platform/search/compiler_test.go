package search

import (
	"strings"
	"testing"
	"time"

	"github.com/openfhir/fhirstore/internal/platform/definitions"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
	"github.com/openfhir/fhirstore/internal/platform/index"
)

const searchProfileBundle = `{
  "resourceType": "Bundle",
  "entry": [
    {"resource": {
      "resourceType": "StructureDefinition",
      "url": "http://hl7.org/fhir/StructureDefinition/Patient",
      "name": "Patient", "type": "Patient", "kind": "resource", "abstract": false,
      "snapshot": {"element": [
        {"path": "Patient", "min": 0, "max": "*"},
        {"path": "Patient.identifier", "min": 0, "max": "*", "type": [{"code": "Identifier"}]},
        {"path": "Patient.name", "min": 0, "max": "*", "type": [{"code": "HumanName"}]},
        {"path": "Patient.gender", "min": 0, "max": "1", "type": [{"code": "code"}]},
        {"path": "Patient.birthDate", "min": 0, "max": "1", "type": [{"code": "date"}]},
        {"path": "Patient.managingOrganization", "min": 0, "max": "1", "type": [{"code": "Reference"}]},
        {"path": "Patient.generalPractitioner", "min": 0, "max": "*", "type": [{"code": "Reference"}]}
      ]}
    }},
    {"resource": {
      "resourceType": "StructureDefinition",
      "url": "http://hl7.org/fhir/StructureDefinition/Observation",
      "name": "Observation", "type": "Observation", "kind": "resource", "abstract": false,
      "snapshot": {"element": [
        {"path": "Observation", "min": 0, "max": "*"},
        {"path": "Observation.code", "min": 1, "max": "1", "type": [{"code": "CodeableConcept"}]},
        {"path": "Observation.subject", "min": 0, "max": "1", "type": [{"code": "Reference"}]},
        {"path": "Observation.value[x]", "min": 0, "max": "1", "type": [{"code": "Quantity"}]},
        {"path": "Observation.component", "min": 0, "max": "*", "type": [{"code": "BackboneElement"}]}
      ]}
    }}
  ]
}`

const searchParameterBundle = `{
  "resourceType": "Bundle",
  "entry": [
    {"resource": {"resourceType": "SearchParameter", "code": "name", "type": "string",
      "expression": "Patient.name", "base": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "gender", "type": "token",
      "expression": "Patient.gender", "base": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "identifier", "type": "token",
      "expression": "Patient.identifier", "base": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "birthdate", "type": "date",
      "expression": "Patient.birthDate", "base": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "organization", "type": "reference",
      "expression": "Patient.managingOrganization", "base": ["Patient"],
      "target": ["Organization"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "general-practitioner", "type": "reference",
      "expression": "Patient.generalPractitioner", "base": ["Patient"],
      "target": ["Practitioner", "Organization"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "identifier", "type": "token",
      "expression": "Observation.identifier", "base": ["Observation"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "code", "type": "token",
      "expression": "Observation.code", "base": ["Observation"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "subject", "type": "reference",
      "expression": "Observation.subject", "base": ["Observation"],
      "target": ["Patient"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "value-quantity", "type": "quantity",
      "expression": "(Observation.value as Quantity)", "base": ["Observation"]}},
    {"resource": {"resourceType": "SearchParameter", "code": "code-value-quantity", "type": "composite",
      "expression": "Observation", "base": ["Observation"]}}
  ]
}`

func newTestCompiler(t *testing.T) *Compiler {
	t.Helper()
	profiles := definitions.NewProfileRegistry()
	if err := profiles.IndexBundle([]byte(searchProfileBundle)); err != nil {
		t.Fatalf("index profiles: %v", err)
	}
	params := definitions.NewSearchParameterRegistry(profiles)
	if err := params.IndexBundle([]byte(searchParameterBundle)); err != nil {
		t.Fatalf("index parameters: %v", err)
	}
	return NewCompiler(params)
}

func compile(t *testing.T, req *Request, opts CompileOptions) *Query {
	t.Helper()
	q, err := newTestCompiler(t).Compile(req, opts)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return q
}

func TestCompileDefaults(t *testing.T) {
	q := compile(t, &Request{ResourceType: "Patient", Count: DefaultCount}, CompileOptions{})

	if !strings.HasPrefix(q.SQL, `SELECT "Patient"."id", "Patient"."content", "Patient"."lastUpdated" FROM "Patient"`) {
		t.Errorf("select list: %s", q.SQL)
	}
	if !strings.Contains(q.SQL, `"Patient"."deleted" = false`) {
		t.Errorf("missing tombstone filter: %s", q.SQL)
	}
	if !strings.Contains(q.SQL, `ORDER BY "Patient"."lastUpdated" DESC, "Patient"."id"`) {
		t.Errorf("missing default sort: %s", q.SQL)
	}
	// Page-probe row: LIMIT is count+1.
	if !strings.Contains(q.SQL, "LIMIT $1") {
		t.Errorf("missing limit: %s", q.SQL)
	}
	if q.Args[0] != DefaultCount+1 {
		t.Errorf("limit arg = %v, want %d", q.Args[0], DefaultCount+1)
	}
}

func TestCompileTokenParam(t *testing.T) {
	q := compile(t, &Request{
		ResourceType: "Patient",
		Params:       []Param{{Code: "gender", Values: []string{"female"}}},
		Count:        10,
	}, CompileOptions{})

	if !strings.Contains(q.SQL, `"Patient"."__gender" @> ARRAY[$1]::uuid[]`) {
		t.Errorf("token clause: %s", q.SQL)
	}
	want := index.Token{Code: "female"}.Hash()
	if q.Args[0] != want {
		t.Errorf("token hash arg = %v, want %s", q.Args[0], want)
	}
}

func TestCompileTokenSystemCode(t *testing.T) {
	q := compile(t, &Request{
		ResourceType: "Observation",
		Params:       []Param{{Code: "code", Values: []string{"http://loinc.org|8480-6"}}},
		Count:        10,
	}, CompileOptions{})

	want := index.Token{System: "http://loinc.org", Code: "8480-6"}.Hash()
	if q.Args[0] != want {
		t.Errorf("token hash arg = %v, want %s", q.Args[0], want)
	}
}

func TestCompileTokenModifiers(t *testing.T) {
	t.Run("not", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Patient",
			Params:       []Param{{Code: "gender", Modifier: "not", Values: []string{"male"}}},
			Count:        10,
		}, CompileOptions{})
		if !strings.Contains(q.SQL, `NOT ("Patient"."__gender" @> ARRAY[$1]::uuid[])`) {
			t.Errorf("not clause: %s", q.SQL)
		}
	})

	t.Run("text", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Patient",
			Params:       []Param{{Code: "gender", Modifier: "text", Values: []string{"fem"}}},
			Count:        10,
		}, CompileOptions{})
		if !strings.Contains(q.SQL, `"Patient"."__genderSort" ILIKE $1`) {
			t.Errorf("text clause: %s", q.SQL)
		}
		if q.Args[0] != "%fem%" {
			t.Errorf("text arg = %v", q.Args[0])
		}
	})

	t.Run("text escapes wildcards", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Patient",
			Params:       []Param{{Code: "gender", Modifier: "text", Values: []string{"50%_x"}}},
			Count:        10,
		}, CompileOptions{})
		if q.Args[0] != `%50\%\_x%` {
			t.Errorf("text arg = %v", q.Args[0])
		}
	})

	t.Run("meta text escapes wildcards", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Patient",
			Params:       []Param{{Code: "_tag", Modifier: "text", Values: []string{"50%_x"}}},
			Count:        10,
		}, CompileOptions{})
		if !strings.Contains(q.SQL, `"Patient"."___tagSort" ILIKE $1`) {
			t.Errorf("meta text clause: %s", q.SQL)
		}
		if q.Args[0] != `%50\%\_x%` {
			t.Errorf("meta text arg = %v", q.Args[0])
		}
	})

	t.Run("missing", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Patient",
			Params:       []Param{{Code: "gender", Modifier: "missing", Values: []string{"true"}}},
			Count:        10,
		}, CompileOptions{})
		if !strings.Contains(q.SQL, `"Patient"."__gender" IS NULL`) {
			t.Errorf("missing clause: %s", q.SQL)
		}
	})

	t.Run("missing false", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Patient",
			Params:       []Param{{Code: "gender", Modifier: "missing", Values: []string{"false"}}},
			Count:        10,
		}, CompileOptions{})
		if !strings.Contains(q.SQL, `"Patient"."__gender" IS NOT NULL`) {
			t.Errorf("missing=false clause: %s", q.SQL)
		}
	})
}

func TestCompileIdentifierSharedFallback(t *testing.T) {
	q := compile(t, &Request{
		ResourceType: "Patient",
		Params:       []Param{{Code: "identifier", Values: []string{"urn:mrn|123"}}},
		Count:        10,
	}, CompileOptions{})

	if !strings.Contains(q.SQL, `"Patient"."__identifier" @> ARRAY[$1]::uuid[] OR "Patient"."__sharedTokens" @> ARRAY[$2]::uuid[]`) {
		t.Errorf("identifier fallback: %s", q.SQL)
	}
	if q.Args[0] != q.Args[1] {
		t.Error("both containment tests must use the same hash")
	}
}

func TestCompileDateRanges(t *testing.T) {
	utc := func(s string) time.Time {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		return ts.UTC()
	}

	tests := []struct {
		name     string
		value    string
		fragment string
		args     []time.Time
	}{
		{
			name:     "eq year",
			value:    "2024",
			fragment: `("Patient"."birthdate" >= $1 AND "Patient"."birthdate" < $2)`,
			args:     []time.Time{utc("2024-01-01T00:00:00Z"), utc("2025-01-01T00:00:00Z")},
		},
		{
			name:     "eq month",
			value:    "2024-02",
			fragment: `("Patient"."birthdate" >= $1 AND "Patient"."birthdate" < $2)`,
			args:     []time.Time{utc("2024-02-01T00:00:00Z"), utc("2024-03-01T00:00:00Z")},
		},
		{
			name:     "lt uses range start",
			value:    "lt2024-06-15",
			fragment: `"Patient"."birthdate" < $1`,
			args:     []time.Time{utc("2024-06-15T00:00:00Z")},
		},
		{
			name:     "le uses range end",
			value:    "le2024-06-15",
			fragment: `"Patient"."birthdate" < $1`,
			args:     []time.Time{utc("2024-06-16T00:00:00Z")},
		},
		{
			name:     "gt uses range end",
			value:    "gt2024",
			fragment: `"Patient"."birthdate" >= $1`,
			args:     []time.Time{utc("2025-01-01T00:00:00Z")},
		},
		{
			name:     "ge uses range start",
			value:    "ge2024",
			fragment: `"Patient"."birthdate" >= $1`,
			args:     []time.Time{utc("2024-01-01T00:00:00Z")},
		},
		{
			name:     "sa collapses to gt",
			value:    "sa2024",
			fragment: `"Patient"."birthdate" >= $1`,
			args:     []time.Time{utc("2025-01-01T00:00:00Z")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := compile(t, &Request{
				ResourceType: "Patient",
				Params:       []Param{{Code: "birthdate", Values: []string{tt.value}}},
				Count:        10,
			}, CompileOptions{})
			if !strings.Contains(q.SQL, tt.fragment) {
				t.Errorf("SQL = %s, want fragment %s", q.SQL, tt.fragment)
			}
			for i, want := range tt.args {
				got, ok := q.Args[i].(time.Time)
				if !ok || !got.Equal(want) {
					t.Errorf("arg %d = %v, want %v", i, q.Args[i], want)
				}
			}
		})
	}
}

func TestCompileDateInvalid(t *testing.T) {
	_, err := newTestCompiler(t).Compile(&Request{
		ResourceType: "Patient",
		Params:       []Param{{Code: "birthdate", Values: []string{"not-a-date"}}},
		Count:        10,
	}, CompileOptions{})
	if fhir.KindOf(err) != fhir.KindBadRequest {
		t.Errorf("err = %v, want BadRequest", err)
	}
}

func TestCompileStringModifiers(t *testing.T) {
	tests := []struct {
		name     string
		modifier string
		fragment string
		arg      string
	}{
		{"prefix default", "", `EXISTS (SELECT 1 FROM "HumanName" AS "c1" WHERE "c1"."resourceId" = "Patient"."id" AND "c1"."name" ILIKE $1)`, "Sm%"},
		{"contains", "contains", `"c1"."name" ILIKE $1`, "%Sm%"},
		{"exact", "exact", `"c1"."name" = $1`, "Sm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := compile(t, &Request{
				ResourceType: "Patient",
				Params:       []Param{{Code: "name", Modifier: tt.modifier, Values: []string{"Sm"}}},
				Count:        10,
			}, CompileOptions{})
			if !strings.Contains(q.SQL, tt.fragment) {
				t.Errorf("SQL = %s, want fragment %s", q.SQL, tt.fragment)
			}
			if q.Args[0] != tt.arg {
				t.Errorf("arg = %v, want %q", q.Args[0], tt.arg)
			}
		})
	}
}

func TestCompileStringEscapesLike(t *testing.T) {
	q := compile(t, &Request{
		ResourceType: "Patient",
		Params:       []Param{{Code: "name", Values: []string{"100%_done"}}},
		Count:        10,
	}, CompileOptions{})
	if q.Args[0] != `100\%\_done%` {
		t.Errorf("arg = %v", q.Args[0])
	}
}

func TestCompileReference(t *testing.T) {
	t.Run("literal", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Observation",
			Params:       []Param{{Code: "subject", Values: []string{"Patient/p1"}}},
			Count:        10,
		}, CompileOptions{})
		if !strings.Contains(q.SQL, `"Observation"."subject" = $1`) {
			t.Errorf("reference clause: %s", q.SQL)
		}
		if q.Args[0] != "Patient/p1" {
			t.Errorf("arg = %v", q.Args[0])
		}
	})

	t.Run("bare id expands single target", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Observation",
			Params:       []Param{{Code: "subject", Values: []string{"p1"}}},
			Count:        10,
		}, CompileOptions{})
		if q.Args[0] != "Patient/p1" {
			t.Errorf("arg = %v, want Patient/p1", q.Args[0])
		}
	})

	t.Run("type modifier qualifies bare id", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Patient",
			Params:       []Param{{Code: "general-practitioner", Modifier: "Practitioner", Values: []string{"d1"}}},
			Count:        10,
		}, CompileOptions{})
		if !strings.Contains(q.SQL, `"Patient"."generalPractitioner" @> ARRAY[$1]`) {
			t.Errorf("array reference clause: %s", q.SQL)
		}
		if q.Args[0] != "Practitioner/d1" {
			t.Errorf("arg = %v", q.Args[0])
		}
	})

	t.Run("identifier modifier joins target identifier", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Observation",
			Params:       []Param{{Code: "subject", Modifier: "identifier", Values: []string{"urn:mrn|123"}}},
			Count:        10,
		}, CompileOptions{})
		if !strings.Contains(q.SQL, `EXISTS (SELECT 1 FROM "Patient" AS "c1"`) {
			t.Errorf("identifier join: %s", q.SQL)
		}
		if !strings.Contains(q.SQL, `"c1"."__identifier" @> ARRAY[`) {
			t.Errorf("identifier containment: %s", q.SQL)
		}
	})
}

func TestCompileChain(t *testing.T) {
	q := compile(t, &Request{
		ResourceType: "Observation",
		Params:       []Param{{Code: "subject", Chain: "name", Values: []string{"Smith"}}},
		Count:        10,
	}, CompileOptions{})

	if !strings.Contains(q.SQL, `EXISTS (SELECT 1 FROM "Patient" AS "c1" WHERE "c1"."deleted" = false`) {
		t.Errorf("chain subquery: %s", q.SQL)
	}
	// The chained tail compiles against the target alias.
	if !strings.Contains(q.SQL, `"c2"."resourceId" = "c1"."id"`) {
		t.Errorf("chained lookup join: %s", q.SQL)
	}
}

func TestCompileHas(t *testing.T) {
	q := compile(t, &Request{
		ResourceType: "Patient",
		Has: []HasParam{{
			SourceType: "Observation",
			RefCode:    "subject",
			Param:      Param{Code: "code", Values: []string{"1234-5"}},
		}},
		Count: 10,
	}, CompileOptions{})

	if !strings.Contains(q.SQL, `EXISTS (SELECT 1 FROM "Observation" AS "c1" WHERE "c1"."deleted" = false`) {
		t.Errorf("has subquery: %s", q.SQL)
	}
	if !strings.Contains(q.SQL, `"c1"."subject" = ($1 || "Patient"."id"::text)`) {
		t.Errorf("has join: %s", q.SQL)
	}
	if q.Args[0] != "Patient/" {
		t.Errorf("join arg = %v", q.Args[0])
	}
}

func TestCompileComposite(t *testing.T) {
	_, err := newTestCompiler(t).Compile(&Request{
		ResourceType: "Observation",
		Params:       []Param{{Code: "code-value-quantity", Values: []string{"a$b"}}},
		Count:        10,
	}, CompileOptions{})
	if fhir.KindOf(err) != fhir.KindBadRequest {
		t.Errorf("err = %v, want BadRequest", err)
	}
}

func TestCompileUnknownParamIgnored(t *testing.T) {
	q := compile(t, &Request{
		ResourceType: "Patient",
		Params:       []Param{{Code: "favorite-color", Values: []string{"blue"}}},
		Count:        10,
	}, CompileOptions{})
	if strings.Contains(q.SQL, "favorite") {
		t.Errorf("unknown parameter leaked into SQL: %s", q.SQL)
	}
}

func TestCompileOrAndGrouping(t *testing.T) {
	q := compile(t, &Request{
		ResourceType: "Patient",
		Params: []Param{
			{Code: "gender", Values: []string{"male", "female"}},
			{Code: "birthdate", Values: []string{"ge2000"}},
		},
		Count: 10,
	}, CompileOptions{})

	// Comma alternatives OR within the group.
	if !strings.Contains(q.SQL, `("Patient"."__gender" @> ARRAY[$1]::uuid[] OR "Patient"."__gender" @> ARRAY[$2]::uuid[])`) {
		t.Errorf("or group: %s", q.SQL)
	}
	// Distinct codes AND together.
	if !strings.Contains(q.SQL, `) AND "Patient"."birthdate" >= $3`) {
		t.Errorf("and join: %s", q.SQL)
	}
}

func TestCompileNumber(t *testing.T) {
	q := compile(t, &Request{
		ResourceType: "Observation",
		Params:       []Param{{Code: "value-quantity", Values: []string{"lt5.4|http://unitsofmeasure.org|mg"}}},
		Count:        10,
	}, CompileOptions{})
	if !strings.Contains(q.SQL, `"Observation"."valueQuantity" < $1`) {
		t.Errorf("number clause: %s", q.SQL)
	}
	if q.Args[0] != 5.4 {
		t.Errorf("arg = %v, want 5.4", q.Args[0])
	}
}

func TestCompileSort(t *testing.T) {
	t.Run("column sort", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Patient",
			Sort:         []SortField{{Code: "birthdate", Descending: true}},
			Count:        10,
		}, CompileOptions{})
		if !strings.Contains(q.SQL, `ORDER BY "Patient"."birthdate" DESC, "Patient"."id"`) {
			t.Errorf("sort: %s", q.SQL)
		}
	})

	t.Run("lookup sort uses the mirror column", func(t *testing.T) {
		q := compile(t, &Request{
			ResourceType: "Patient",
			Sort:         []SortField{{Code: "name"}},
			Count:        10,
		}, CompileOptions{})
		if !strings.Contains(q.SQL, `ORDER BY "Patient"."__nameSort", "Patient"."id"`) {
			t.Errorf("sort: %s", q.SQL)
		}
	})

	t.Run("unknown sort fails", func(t *testing.T) {
		_, err := newTestCompiler(t).Compile(&Request{
			ResourceType: "Patient",
			Sort:         []SortField{{Code: "nope"}},
			Count:        10,
		}, CompileOptions{})
		if fhir.KindOf(err) != fhir.KindBadRequest {
			t.Errorf("err = %v, want BadRequest", err)
		}
	})
}

func TestCompileCursor(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cursor := EncodeCursor(ts, "abc")

	q := compile(t, &Request{ResourceType: "Patient", Cursor: cursor, Count: 10}, CompileOptions{})
	// Ties on lastUpdated must continue in ascending id order, matching the
	// default ORDER BY; a row-wise comparison would skip and repeat rows.
	want := `("Patient"."lastUpdated" < $1 OR ("Patient"."lastUpdated" = $2 AND "Patient"."id" > $3))`
	if !strings.Contains(q.SQL, want) {
		t.Errorf("cursor clause: %s", q.SQL)
	}
	for _, i := range []int{0, 1} {
		got, ok := q.Args[i].(time.Time)
		if !ok || !got.Equal(ts) {
			t.Errorf("cursor time arg %d = %v, want %v", i, q.Args[i], ts)
		}
	}
	if q.Args[2] != "abc" {
		t.Errorf("cursor id arg = %v", q.Args[2])
	}

	t.Run("invalid cursor", func(t *testing.T) {
		_, err := newTestCompiler(t).Compile(&Request{ResourceType: "Patient", Cursor: "junk", Count: 10}, CompileOptions{})
		if fhir.KindOf(err) != fhir.KindBadRequest {
			t.Errorf("err = %v, want BadRequest", err)
		}
	})
}

func TestCompileCountOnly(t *testing.T) {
	q := compile(t, &Request{
		ResourceType: "Patient",
		Params:       []Param{{Code: "gender", Values: []string{"female"}}},
		Count:        10,
	}, CompileOptions{CountOnly: true})

	if !strings.HasPrefix(q.SQL, `SELECT COUNT(*) FROM "Patient"`) {
		t.Errorf("count select: %s", q.SQL)
	}
	if strings.Contains(q.SQL, "ORDER BY") || strings.Contains(q.SQL, "LIMIT") {
		t.Errorf("count query must not sort or page: %s", q.SQL)
	}
}

func TestCompileForUpdate(t *testing.T) {
	q := compile(t, &Request{ResourceType: "Patient", Count: 2}, CompileOptions{ForUpdate: true, Limit: 2})
	if !strings.HasSuffix(q.SQL, " FOR UPDATE") {
		t.Errorf("missing FOR UPDATE: %s", q.SQL)
	}
}

func TestCompileDeletedFilter(t *testing.T) {
	q := compile(t, &Request{ResourceType: "Patient", IncludeDeleted: true, Count: 10}, CompileOptions{})
	if strings.Contains(q.SQL, `"deleted" = false`) {
		t.Errorf("_deleted=true must lift the tombstone filter: %s", q.SQL)
	}
}

func TestCompileOffset(t *testing.T) {
	q := compile(t, &Request{ResourceType: "Patient", Count: 10, Offset: 30}, CompileOptions{})
	if !strings.Contains(q.SQL, "OFFSET $2") {
		t.Errorf("missing offset: %s", q.SQL)
	}
	if q.Args[1] != 30 {
		t.Errorf("offset arg = %v", q.Args[1])
	}
}
