package fhir

// OperationParam describes a single input or output parameter for an
// OperationDefinition.
type OperationParam struct {
	Name          string `json:"name"`
	Use           string `json:"use"` // "in" or "out"
	Min           int    `json:"min"`
	Max           string `json:"max"` // "1", "*"
	Type          string `json:"type,omitempty"`
	Documentation string `json:"documentation,omitempty"`
}

// OperationDefinitionResource is the FHIR OperationDefinition resource
// representation advertised in the CapabilityStatement.
type OperationDefinitionResource struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	URL          string           `json:"url"`
	Name         string           `json:"name"`
	Status       string           `json:"status"`
	Kind         string           `json:"kind"` // "operation" or "query"
	Code         string           `json:"code"` // e.g. "process-message"
	System       bool             `json:"system"`
	Type         bool             `json:"type"`
	Instance     bool             `json:"instance"`
	Resource     []string         `json:"resource,omitempty"`
	Parameter    []OperationParam `json:"parameter,omitempty"`
	Description  string           `json:"description,omitempty"`
}

// Parameters returns the parameter objects of a Parameters resource.
func Parameters(params Resource) []map[string]interface{} {
	raw := Array(params, "parameter")
	out := make([]map[string]interface{}, 0, len(raw))
	for _, p := range raw {
		if m, ok := p.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// ParameterString returns the valueString of the named parameter.
func ParameterString(params Resource, name string) (string, bool) {
	for _, p := range Parameters(params) {
		if String(p, "name") == name {
			v, ok := p["valueString"].(string)
			return v, ok
		}
	}
	return "", false
}

// FirstParameter returns the first parameter object, or nil.
func FirstParameter(params Resource) map[string]interface{} {
	ps := Parameters(params)
	if len(ps) == 0 {
		return nil
	}
	return ps[0]
}

// StringParameter is a Parameters.parameter entry with a valueString.
type StringParameter struct {
	Name  string
	Value string
}

// NewParameters builds a Parameters resource from string parameters.
func NewParameters(params ...StringParameter) Resource {
	raw := make([]interface{}, 0, len(params))
	for _, p := range params {
		raw = append(raw, map[string]interface{}{
			"name":        p.Name,
			"valueString": p.Value,
		})
	}
	return Resource{
		"resourceType": "Parameters",
		"parameter":    raw,
	}
}
