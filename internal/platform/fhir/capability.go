package fhir

import (
	"sort"
	"time"
)

// CapabilityStatement represents the FHIR CapabilityStatement (metadata).
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode        string          `json:"mode"`
	Resource    []CSResource    `json:"resource"`
	Interaction []CSInteraction `json:"interaction,omitempty"`
	Operation   []CSOperation   `json:"operation,omitempty"`
}

type CSResource struct {
	Type        string          `json:"type"`
	Interaction []CSInteraction `json:"interaction"`
	Versioning  string          `json:"versioning,omitempty"`
	ReadHistory bool            `json:"readHistory,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type CSOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// NewCapabilityStatement describes a server that offers versioned CRUD on
// the given resource types, system-level transaction/batch, and the listed
// operations.
func NewCapabilityStatement(baseURL string, resourceTypes []string, operations []OperationDefinitionResource) *CapabilityStatement {
	types := append([]string(nil), resourceTypes...)
	sort.Strings(types)

	resources := make([]CSResource, 0, len(types))
	for _, rt := range types {
		resources = append(resources, ResourceCapability(rt))
	}

	ops := make([]CSOperation, 0, len(operations))
	for _, op := range operations {
		ops = append(ops, CSOperation{Name: op.Code, Definition: op.URL})
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })

	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"json"},
		Implementation: &CSImplementation{
			Description: "Health Manager FHIR R4 account server",
			URL:         baseURL,
		},
		Rest: []CSRest{
			{
				Mode:     "server",
				Resource: resources,
				Interaction: []CSInteraction{
					{Code: "transaction"},
					{Code: "batch"},
				},
				Operation: ops,
			},
		},
	}
}

// ResourceCapability creates a CSResource with standard CRUD interactions.
func ResourceCapability(resourceType string) CSResource {
	return CSResource{
		Type: resourceType,
		Interaction: []CSInteraction{
			{Code: "read"},
			{Code: "vread"},
			{Code: "history-instance"},
			{Code: "search-type"},
			{Code: "create"},
			{Code: "update"},
			{Code: "delete"},
		},
		Versioning:  "versioned",
		ReadHistory: true,
	}
}
