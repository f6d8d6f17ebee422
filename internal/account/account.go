// Package account layers user accounts over the FHIR store. An account is
// a Patient carrying a username identifier; everything an account holder
// submits is recorded in Patient Data Receipts (PDRs), message Bundles that
// link to the resource versions they produced.
package account

import (
	"github.com/ohm/healthmanager/internal/platform/fhir"
)

const (
	UsernameSystem = "urn:mitre:healthmanager:account:username"
	PDREvent       = "urn:mitre:healthmanager:pdr"

	extensionBase           = "https://github.com/Open-Health-Manager/patient-data-receipt-ig/StructureDefinition/"
	AccountExtensionURL     = extensionBase + "AccountExtension"
	PDRLinkListExtensionURL = extensionBase + "PDRLinkListExtension"
	PDRLinkExtensionURL     = extensionBase + "PDRLinkExtension"

	HealthKitEndpoint = "urn:apple:health-kit"
)

// sharedTypes are not owned by a single account and are never tracked in
// or reverted by PDRs.
var sharedTypes = map[string]bool{
	"Practitioner": true,
	"Organization": true,
	"Location":     true,
	"Medication":   true,
	"Device":       true,
	"Substance":    true,
}

// untrackedTypes are the account's own bookkeeping resources.
var untrackedTypes = map[string]bool{
	"Bundle":        true,
	"MessageHeader": true,
}

func isShared(resourceType string) bool { return sharedTypes[resourceType] }

func isTracked(resourceType string) bool {
	return resourceType != "" && !sharedTypes[resourceType] && !untrackedTypes[resourceType]
}

// SkeletonPatient returns a Patient holding only the account identifier.
func SkeletonPatient(username string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "Patient",
		"identifier": []interface{}{
			map[string]interface{}{"system": UsernameSystem, "value": username},
		},
	}
}

// UsernameFromPatient returns the value of the first account identifier.
func UsernameFromPatient(patient fhir.Resource) string {
	for _, raw := range fhir.Array(patient, "identifier") {
		ident, _ := raw.(map[string]interface{})
		if fhir.String(ident, "system") == UsernameSystem {
			return fhir.String(ident, "value")
		}
	}
	return ""
}

// AddUsernameToPatient appends the account identifier.
func AddUsernameToPatient(patient fhir.Resource, username string) {
	patient["identifier"] = append(fhir.Array(patient, "identifier"), map[string]interface{}{
		"system": UsernameSystem,
		"value":  username,
	})
}

// UsernameFromHeader reads the account extension of a PDR MessageHeader.
func UsernameFromHeader(header fhir.Resource) (string, error) {
	ext := findExtension(fhir.Array(header, "extension"), AccountExtensionURL)
	if ext == nil {
		return "", fhir.UnprocessableEntity("no username found in pdr message header")
	}
	username, ok := ext["valueString"].(string)
	if !ok {
		return "", fhir.UnprocessableEntity("invalid username extension in pdr message header")
	}
	return username, nil
}

// IsPDR reports whether bundle is a stored Patient Data Receipt.
func IsPDR(bundle fhir.Resource) bool {
	if fhir.BundleType(bundle) != fhir.BundleTypeMessage {
		return false
	}
	entries := fhir.Entries(bundle)
	if len(entries) == 0 {
		return false
	}
	header := fhir.EntryResource(entries[0])
	return fhir.ResourceType(header) == "MessageHeader" && fhir.EventCode(header) == PDREvent
}

func findExtension(exts []interface{}, url string) map[string]interface{} {
	for _, raw := range exts {
		ext, _ := raw.(map[string]interface{})
		if fhir.String(ext, "url") == url {
			return ext
		}
	}
	return nil
}

func removeExtension(exts []interface{}, url string) []interface{} {
	out := exts[:0:0]
	for _, raw := range exts {
		ext, _ := raw.(map[string]interface{})
		if fhir.String(ext, "url") != url {
			out = append(out, raw)
		}
	}
	return out
}

// accountUsername returns the username stamped in resource.meta.
func accountUsername(resource fhir.Resource) string {
	meta := fhir.Object(resource, "meta")
	ext := findExtension(fhir.Array(meta, "extension"), AccountExtensionURL)
	return fhir.String(ext, "valueString")
}

// setAccountExtension replaces the account extension in resource.meta.
func setAccountExtension(resource fhir.Resource, username string) {
	meta := fhir.Meta(resource)
	exts := removeExtension(fhir.Array(meta, "extension"), AccountExtensionURL)
	meta["extension"] = append(exts, map[string]interface{}{
		"url":         AccountExtensionURL,
		"valueString": username,
	})
}

// pdrLinks returns the Bundle references of the PDR link list in
// resource.meta, oldest first.
func pdrLinks(resource fhir.Resource) []string {
	meta := fhir.Object(resource, "meta")
	list := findExtension(fhir.Array(meta, "extension"), PDRLinkListExtensionURL)
	var out []string
	for _, raw := range fhir.Array(list, "extension") {
		link, _ := raw.(map[string]interface{})
		if fhir.String(link, "url") != PDRLinkExtensionURL {
			continue
		}
		if ref := fhir.ReferenceOf(link, "valueReference"); ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

// setPDRLinks replaces the PDR link list in resource.meta.
func setPDRLinks(resource fhir.Resource, refs []string) {
	meta := fhir.Meta(resource)
	exts := removeExtension(fhir.Array(meta, "extension"), PDRLinkListExtensionURL)
	links := make([]interface{}, 0, len(refs))
	for _, ref := range refs {
		links = append(links, map[string]interface{}{
			"url":            PDRLinkExtensionURL,
			"valueReference": map[string]interface{}{"reference": ref},
		})
	}
	meta["extension"] = append(exts, map[string]interface{}{
		"url":       PDRLinkListExtensionURL,
		"extension": links,
	})
}

// stampPDR appends bundleID to the link list carried over in previous and
// marks resource as belonging to username.
func stampPDR(resource fhir.Resource, previous []string, bundleID, username string) {
	refs := append(append([]string(nil), previous...), fhir.FormatReference("Bundle", bundleID))
	setPDRLinks(resource, refs)
	setAccountExtension(resource, username)
}
