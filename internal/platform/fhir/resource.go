package fhir

import (
	"strings"
)

// Resource is the decoded JSON form of any FHIR resource. The server does
// not model individual resource types; it reads and writes the handful of
// elements it needs through the helpers below.
type Resource = map[string]interface{}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
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

// NewOperationOutcome returns an outcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// ErrorOutcome returns a processing error outcome.
func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// NotFoundOutcome reports an unknown resource.
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// ResourceType returns resource.resourceType, or "" when absent.
func ResourceType(resource Resource) string {
	s, _ := resource["resourceType"].(string)
	return s
}

// ResourceID returns resource.id, or "" when absent.
func ResourceID(resource Resource) string {
	s, _ := resource["id"].(string)
	return s
}

// VersionID returns resource.meta.versionId, or "" when absent.
func VersionID(resource Resource) string {
	meta, _ := resource["meta"].(map[string]interface{})
	s, _ := meta["versionId"].(string)
	return s
}

// Meta returns resource.meta, creating it when absent.
func Meta(resource Resource) map[string]interface{} {
	meta, ok := resource["meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
		resource["meta"] = meta
	}
	return meta
}

// Object returns the JSON object stored under key, or nil.
func Object(m map[string]interface{}, key string) map[string]interface{} {
	o, _ := m[key].(map[string]interface{})
	return o
}

// Array returns the JSON array stored under key, or nil.
func Array(m map[string]interface{}, key string) []interface{} {
	a, _ := m[key].([]interface{})
	return a
}

// String returns the string stored under key, or "".
func String(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// Clone returns a deep copy of a decoded JSON value.
func Clone(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = Clone(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = Clone(child)
		}
		return out
	default:
		return val
	}
}

// CloneResource returns a deep copy of resource.
func CloneResource(resource Resource) Resource {
	if resource == nil {
		return nil
	}
	return Clone(resource).(map[string]interface{})
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// FormatHistoryReference creates a versioned reference "Type/id/_history/v".
func FormatHistoryReference(resourceType, id, version string) string {
	return resourceType + "/" + id + "/_history/" + version
}

// SplitReference splits a relative reference into type, id and version.
// Absolute URLs are reduced to their last "Type/id[/_history/v]" segments.
// ok is false when ref does not name a type and id.
func SplitReference(ref string) (resourceType, id, version string, ok bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "urn:") || strings.HasPrefix(ref, "#") {
		return "", "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(ref, "/"), "/")
	if n := len(parts); n >= 4 && parts[n-2] == "_history" {
		return parts[n-4], parts[n-3], parts[n-1], parts[n-4] != "" && parts[n-3] != ""
	}
	if len(parts) < 2 {
		return "", "", "", false
	}
	resourceType, id = parts[len(parts)-2], parts[len(parts)-1]
	return resourceType, id, "", resourceType != "" && id != ""
}

// ReferenceOf returns m[key].reference for a Reference-typed element.
func ReferenceOf(m map[string]interface{}, key string) string {
	return String(Object(m, key), "reference")
}

// ExtractReferences recursively collects every "reference" string in a
// resource.
func ExtractReferences(resource map[string]interface{}) []string {
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				refs = append(refs, ref)
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
	return refs
}
