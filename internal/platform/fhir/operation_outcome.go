package fhir

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4 spec.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeStructure     = "structure"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeNotFound      = "not-found"
	IssueTypeConflict      = "conflict"
	IssueTypeProcessing    = "processing"
	IssueTypeSecurity      = "security"
	IssueTypeLogin         = "login"
	IssueTypeThrottled     = "throttled"
	IssueTypeNotSupported  = "not-supported"
	IssueTypeBusinessRule  = "business-rule"
	IssueTypeException     = "exception"
	IssueTypeTooCostly     = "too-costly"
	IssueTypeDeleted       = "deleted"
	IssueTypeInformational = "informational"
)

// OutcomeBuilder provides a fluent API for constructing OperationOutcome resources.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

// NewOutcomeBuilder returns an empty builder.
func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{
			ResourceType: "OperationOutcome",
		},
	}
}

// AddIssue adds a single issue to the OperationOutcome.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddIssueWithDetails adds an issue with a CodeableConcept details field.
func (b *OutcomeBuilder) AddIssueWithDetails(severity, code, diagnostics string, details *CodeableConcept) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Details:     details,
	})
	return b
}

// Build returns the outcome with the issues added so far.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// OKOutcome is the informational "All OK" outcome returned by account
// operations that have no other result.
func OKOutcome() *OperationOutcome {
	return NewOutcomeBuilder().
		AddIssueWithDetails(IssueSeverityInformation, IssueTypeInformational, "", &CodeableConcept{Text: "All OK"}).
		Build()
}

// GoneOutcome creates a 410-style OperationOutcome for a deleted resource.
func GoneOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeDeleted, resourceType+"/"+id+" has been deleted")
}
