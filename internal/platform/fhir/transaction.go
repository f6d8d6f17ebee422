package fhir

import (
	"fmt"
	"sort"
	"strings"
)

// BundleEntryRequest represents the request details for an entry in a
// transaction or batch Bundle.
type BundleEntryRequest struct {
	Method string
	URL    string
}

// BundleEntryResponse represents the response details for an entry after
// a transaction or batch Bundle has been processed.
type BundleEntryResponse struct {
	Status       string
	Location     string
	ETag         string
	LastModified string
	Resource     Resource
	Outcome      *OperationOutcome
}

// TransactionEntry represents a single entry in a transaction or batch
// Bundle. Index is the entry's position in the submitted Bundle.
type TransactionEntry struct {
	Index    int
	FullURL  string
	Resource Resource
	Request  BundleEntryRequest
}

// TransactionBundle is the parsed representation of a FHIR transaction or
// batch Bundle ready for processing.
type TransactionBundle struct {
	Type    string
	Entries []TransactionEntry
}

var validHTTPMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
	"PATCH":  true,
	"HEAD":   true,
}

// methodSortOrder defines the FHIR processing order for transaction entries:
// DELETE first, then POST, then PUT/PATCH, then GET/HEAD.
var methodSortOrder = map[string]int{
	"DELETE": 0,
	"POST":   1,
	"PUT":    2,
	"PATCH":  3,
	"GET":    4,
	"HEAD":   5,
}

// ParseTransactionBundle extracts the entries of a decoded transaction or
// batch Bundle.
func ParseTransactionBundle(bundle Resource) (*TransactionBundle, error) {
	if rt := ResourceType(bundle); rt != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", rt)
	}

	bt := BundleType(bundle)
	if bt == "" {
		return nil, fmt.Errorf("bundle type is required")
	}

	entries := Entries(bundle)
	tb := &TransactionBundle{
		Type:    bt,
		Entries: make([]TransactionEntry, 0, len(entries)),
	}
	for i, e := range entries {
		req := Object(e, "request")
		tb.Entries = append(tb.Entries, TransactionEntry{
			Index:    i,
			FullURL:  String(e, "fullUrl"),
			Resource: EntryResource(e),
			Request: BundleEntryRequest{
				Method: strings.ToUpper(String(req, "method")),
				URL:    strings.TrimPrefix(String(req, "url"), "/"),
			},
		})
	}
	return tb, nil
}

// ValidateTransactionBundle reports structural problems that make a
// transaction or batch Bundle unprocessable.
func ValidateTransactionBundle(bundle *TransactionBundle) []OperationOutcomeIssue {
	var issues []OperationOutcomeIssue
	add := func(code, location, format string, args ...interface{}) {
		issues = append(issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        code,
			Diagnostics: fmt.Sprintf(format, args...),
			Expression:  []string{location},
		})
	}

	if bundle.Type != BundleTypeTransaction && bundle.Type != BundleTypeBatch {
		add(IssueTypeValue, "Bundle.type", "bundle type must be 'transaction' or 'batch', got %q", bundle.Type)
	}

	fullURLs := make(map[string]bool)
	for _, entry := range bundle.Entries {
		prefix := fmt.Sprintf("Bundle.entry[%d]", entry.Index)

		switch {
		case entry.Request.Method == "":
			add(IssueTypeRequired, prefix+".request.method", "entry %d: request.method is required", entry.Index)
		case !validHTTPMethods[entry.Request.Method]:
			add(IssueTypeValue, prefix+".request.method", "entry %d: invalid HTTP method %q", entry.Index, entry.Request.Method)
		}

		if entry.Request.URL == "" {
			add(IssueTypeRequired, prefix+".request.url", "entry %d: request.url is required", entry.Index)
		}

		if (entry.Request.Method == "POST" || entry.Request.Method == "PUT") && entry.Resource == nil {
			add(IssueTypeRequired, prefix+".resource", "entry %d: resource is required for %s", entry.Index, entry.Request.Method)
		}

		if entry.FullURL != "" {
			if fullURLs[entry.FullURL] {
				add(IssueTypeBusinessRule, prefix+".fullUrl", "entry %d: duplicate fullUrl %q", entry.Index, entry.FullURL)
			}
			fullURLs[entry.FullURL] = true
		}
	}

	return issues
}

// SortTransactionEntries sorts entries into FHIR processing order. The sort
// is stable so entries with the same method keep their submitted order.
func SortTransactionEntries(entries []TransactionEntry) []TransactionEntry {
	sorted := make([]TransactionEntry, len(entries))
	copy(sorted, entries)

	sort.SliceStable(sorted, func(i, j int) bool {
		return methodSortOrder[sorted[i].Request.Method] < methodSortOrder[sorted[j].Request.Method]
	})

	return sorted
}

// ResolveReferences walks a resource and replaces every reference found in
// idMap (typically urn:uuid fullUrls) with the mapped value.
func ResolveReferences(resource Resource, idMap map[string]string) {
	if len(idMap) == 0 {
		return
	}
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				if ref, ok := child.(string); ok && k == "reference" {
					if mapped, found := idMap[ref]; found {
						val[k] = mapped
					}
					continue
				}
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
}

// ReplaceURNRefs replaces mapped references inside a request URL.
func ReplaceURNRefs(s string, idMap map[string]string) string {
	for urn, actual := range idMap {
		s = strings.ReplaceAll(s, urn, actual)
	}
	return s
}

// ParseEntryURL parses a relative FHIR URL from a Bundle entry request.
//
//	"Patient/123"           -> ("Patient", "123", false)
//	"Patient?name=Smith"    -> ("Patient", "", true)
//	"Patient"               -> ("Patient", "", false)
func ParseEntryURL(url string) (resourceType, id string, isSearch bool) {
	url = strings.TrimPrefix(url, "/")
	if idx := strings.Index(url, "?"); idx >= 0 {
		return url[:idx], "", true
	}

	parts := strings.SplitN(url, "/", 3)
	resourceType = parts[0]
	if len(parts) >= 2 {
		id = parts[1]
	}
	return resourceType, id, false
}

// NewTransactionResponse builds a transaction-response or batch-response
// Bundle. responses must be in submitted entry order.
func NewTransactionResponse(bundleType string, responses []BundleEntryResponse) Resource {
	bundle := NewBundle(bundleType)
	for _, r := range responses {
		resp := map[string]interface{}{"status": r.Status}
		if r.Location != "" {
			resp["location"] = r.Location
		}
		if r.ETag != "" {
			resp["etag"] = r.ETag
		}
		if r.LastModified != "" {
			resp["lastModified"] = r.LastModified
		}
		if r.Outcome != nil {
			resp["outcome"] = r.Outcome
		}
		entry := map[string]interface{}{"response": resp}
		if r.Resource != nil {
			entry["resource"] = r.Resource
		}
		if r.Location != "" {
			if rt, id, _, ok := SplitReference(r.Location); ok {
				entry["fullUrl"] = FormatReference(rt, id)
			}
		}
		AddEntry(bundle, entry)
	}
	return bundle
}

// ResponseLocations returns entry.response.location for every entry of a
// transaction-response Bundle, "" where absent.
func ResponseLocations(bundle Resource) []string {
	entries := Entries(bundle)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = String(Object(e, "response"), "location")
	}
	return out
}
