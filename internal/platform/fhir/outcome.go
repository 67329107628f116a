package fhir

// Issue severity codes.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// Issue type codes used by this server.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeDeleted      = "deleted"
	IssueTypeConflict     = "conflict"
	IssueTypeDuplicate    = "duplicate"
	IssueTypeSecurity     = "security"
	IssueTypeNotSupported = "not-supported"
	IssueTypeProcessing   = "processing"
	IssueTypeException    = "exception"
	IssueTypeInformational = "informational"
)

// OperationOutcome is the FHIR error/report resource returned on every
// failure reaching the HTTP boundary.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome creates an OperationOutcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// AllOK is the outcome attached to successful operation responses.
func AllOK() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, "All OK")
}

// ValidationIssue is a single finding from the resource validator
// collaborator.
type ValidationIssue struct {
	Severity    string
	Code        string
	Diagnostics string
	Location    string
}

// ValidationResult is the contract of the external resource validator.
type ValidationResult struct {
	Valid  bool
	Issues []ValidationIssue
}

// ValidationOutcome projects validator findings into an OperationOutcome.
// An empty issue list yields an All OK information issue.
func ValidationOutcome(result ValidationResult) *OperationOutcome {
	if len(result.Issues) == 0 {
		return AllOK()
	}
	issues := make([]OperationOutcomeIssue, 0, len(result.Issues))
	for _, vi := range result.Issues {
		issue := OperationOutcomeIssue{
			Severity:    vi.Severity,
			Code:        vi.Code,
			Diagnostics: vi.Diagnostics,
		}
		if vi.Location != "" {
			issue.Expression = []string{vi.Location}
		}
		issues = append(issues, issue)
	}
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: issues}
}
