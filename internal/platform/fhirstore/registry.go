package fhirstore

import (
	"sort"
	"sync"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

// resourceTypes lists the FHIR R4 resource types the store accepts.
var resourceTypes = map[string]bool{
	"Account": true, "ActivityDefinition": true, "AdverseEvent": true,
	"AllergyIntolerance": true, "Appointment": true, "AppointmentResponse": true,
	"AuditEvent": true, "Basic": true, "Binary": true,
	"BiologicallyDerivedProduct": true, "BodyStructure": true, "Bundle": true,
	"CapabilityStatement": true, "CarePlan": true, "CareTeam": true,
	"CatalogEntry": true, "ChargeItem": true, "ChargeItemDefinition": true,
	"Claim": true, "ClaimResponse": true, "ClinicalImpression": true,
	"CodeSystem": true, "Communication": true, "CommunicationRequest": true,
	"CompartmentDefinition": true, "Composition": true, "ConceptMap": true,
	"Condition": true, "Consent": true, "Contract": true, "Coverage": true,
	"CoverageEligibilityRequest": true, "CoverageEligibilityResponse": true,
	"DetectedIssue": true, "Device": true, "DeviceDefinition": true,
	"DeviceMetric": true, "DeviceRequest": true, "DeviceUseStatement": true,
	"DiagnosticReport": true, "DocumentManifest": true, "DocumentReference": true,
	"EffectEvidenceSynthesis": true, "Encounter": true, "Endpoint": true,
	"EnrollmentRequest": true, "EnrollmentResponse": true, "EpisodeOfCare": true,
	"EventDefinition": true, "Evidence": true, "EvidenceVariable": true,
	"ExampleScenario": true, "ExplanationOfBenefit": true,
	"FamilyMemberHistory": true, "Flag": true, "Goal": true,
	"GraphDefinition": true, "Group": true, "GuidanceResponse": true,
	"HealthcareService": true, "ImagingStudy": true, "Immunization": true,
	"ImmunizationEvaluation": true, "ImmunizationRecommendation": true,
	"ImplementationGuide": true, "InsurancePlan": true, "Invoice": true,
	"Library": true, "Linkage": true, "List": true, "Location": true,
	"Measure": true, "MeasureReport": true, "Media": true, "Medication": true,
	"MedicationAdministration": true, "MedicationDispense": true,
	"MedicationKnowledge": true, "MedicationRequest": true,
	"MedicationStatement": true, "MedicinalProduct": true,
	"MedicinalProductAuthorization": true, "MedicinalProductContraindication": true,
	"MedicinalProductIndication": true, "MedicinalProductIngredient": true,
	"MedicinalProductInteraction": true, "MedicinalProductManufactured": true,
	"MedicinalProductPackaged": true, "MedicinalProductPharmaceutical": true,
	"MedicinalProductUndesirableEffect": true, "MessageDefinition": true,
	"MessageHeader": true, "MolecularSequence": true, "NamingSystem": true,
	"NutritionOrder": true, "Observation": true, "ObservationDefinition": true,
	"OperationDefinition": true, "OperationOutcome": true, "Organization": true,
	"OrganizationAffiliation": true, "Parameters": true, "Patient": true,
	"PaymentNotice": true, "PaymentReconciliation": true, "Person": true,
	"PlanDefinition": true, "Practitioner": true, "PractitionerRole": true,
	"Procedure": true, "Provenance": true, "Questionnaire": true,
	"QuestionnaireResponse": true, "RelatedPerson": true, "RequestGroup": true,
	"ResearchDefinition": true, "ResearchElementDefinition": true,
	"ResearchStudy": true, "ResearchSubject": true, "RiskAssessment": true,
	"RiskEvidenceSynthesis": true, "Schedule": true, "SearchParameter": true,
	"ServiceRequest": true, "Slot": true, "Specimen": true,
	"SpecimenDefinition": true, "StructureDefinition": true, "StructureMap": true,
	"Subscription": true, "Substance": true, "SubstanceNucleicAcid": true,
	"SubstancePolymer": true, "SubstanceProtein": true,
	"SubstanceReferenceInformation": true, "SubstanceSourceMaterial": true,
	"SubstanceSpecification": true, "SupplyDelivery": true, "SupplyRequest": true,
	"Task": true, "TerminologyCapabilities": true, "TestReport": true,
	"TestScript": true, "ValueSet": true, "VerificationResult": true,
	"VisionPrescription": true,
}

// Registry hands out DAOs by resource type. DAOs are created on first use
// and shared afterwards.
type Registry struct {
	backend Backend

	mu   sync.Mutex
	daos map[string]ResourceDAO
}

// NewRegistry creates a DAO for every supported resource type on backend.
func NewRegistry(backend Backend) *Registry {
	return &Registry{
		backend: backend,
		daos:    make(map[string]ResourceDAO),
	}
}

// DAO returns the DAO for resourceType, or a not-found OperationError for
// a type the server does not know.
func (r *Registry) DAO(resourceType string) (ResourceDAO, error) {
	if !resourceTypes[resourceType] {
		return nil, fhir.ResourceNotFound("unknown resource type %q", resourceType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if dao, ok := r.daos[resourceType]; ok {
		return dao, nil
	}
	base := &resourceDAO{resourceType: resourceType, backend: r.backend}
	var dao ResourceDAO = base
	if resourceType == "Patient" {
		dao = &patientDAO{resourceDAO: base}
	}
	r.daos[resourceType] = dao
	return dao, nil
}

func (r *Registry) mustDAO(resourceType string) ResourceDAO {
	dao, err := r.DAO(resourceType)
	if err != nil {
		panic(err)
	}
	return dao
}

// Patients returns the Patient DAO.
func (r *Registry) Patients() PatientDAO {
	return r.mustDAO("Patient").(PatientDAO)
}

func (r *Registry) Bundles() ResourceDAO {
	return r.mustDAO("Bundle")
}

func (r *Registry) MessageHeaders() ResourceDAO {
	return r.mustDAO("MessageHeader")
}

// Backend returns the storage engine shared by every DAO.
func (r *Registry) Backend() Backend {
	return r.backend
}

// ResourceTypes returns the supported resource types in sorted order.
func (r *Registry) ResourceTypes() []string {
	out := make([]string, 0, len(resourceTypes))
	for rt := range resourceTypes {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}
