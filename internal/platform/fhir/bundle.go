package fhir

import (
	"time"
)

const (
	BundleTypeMessage             = "message"
	BundleTypeTransaction         = "transaction"
	BundleTypeBatch               = "batch"
	BundleTypeSearchset           = "searchset"
	BundleTypeHistory             = "history"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeBatchResponse       = "batch-response"
	BundleTypeCollection          = "collection"
)

// NewBundle returns an empty Bundle of the given type.
func NewBundle(bundleType string) Resource {
	return Resource{
		"resourceType": "Bundle",
		"type":         bundleType,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"entry":        []interface{}{},
	}
}

// BundleType returns bundle.type.
func BundleType(bundle Resource) string {
	return String(bundle, "type")
}

// Entries returns the entry objects of a Bundle. Malformed entries are
// returned as empty objects so indexes stay aligned with bundle.entry.
func Entries(bundle Resource) []map[string]interface{} {
	raw := Array(bundle, "entry")
	out := make([]map[string]interface{}, len(raw))
	for i, e := range raw {
		entry, ok := e.(map[string]interface{})
		if !ok {
			entry = map[string]interface{}{}
		}
		out[i] = entry
	}
	return out
}

// SetEntries replaces bundle.entry.
func SetEntries(bundle Resource, entries []map[string]interface{}) {
	raw := make([]interface{}, len(entries))
	for i, e := range entries {
		raw[i] = e
	}
	bundle["entry"] = raw
}

// AddEntry appends entry to bundle.entry and returns its index.
func AddEntry(bundle Resource, entry map[string]interface{}) int {
	raw := Array(bundle, "entry")
	bundle["entry"] = append(raw, entry)
	return len(raw)
}

// EntryResource returns entry.resource, or nil.
func EntryResource(entry map[string]interface{}) Resource {
	return Object(entry, "resource")
}

// EntryLinkURL returns entry.link[0].url, or "".
func EntryLinkURL(entry map[string]interface{}) string {
	links := Array(entry, "link")
	if len(links) == 0 {
		return ""
	}
	link, _ := links[0].(map[string]interface{})
	return String(link, "url")
}

// AddEntryLink appends a link with the given url to entry.link.
func AddEntryLink(entry map[string]interface{}, url string) {
	entry["link"] = append(Array(entry, "link"), map[string]interface{}{
		"relation": "related",
		"url":      url,
	})
}

// NewSearchBundle creates a searchset Bundle from a list of resources.
func NewSearchBundle(resources []Resource, selfURL string) Resource {
	bundle := NewBundle(BundleTypeSearchset)
	bundle["total"] = len(resources)
	bundle["link"] = []interface{}{
		map[string]interface{}{"relation": "self", "url": selfURL},
	}
	for _, r := range resources {
		AddEntry(bundle, map[string]interface{}{
			"fullUrl":  FormatReference(ResourceType(r), ResourceID(r)),
			"resource": r,
			"search":   map[string]interface{}{"mode": "match"},
		})
	}
	return bundle
}

// NewHistoryBundle creates a history Bundle, newest version first.
func NewHistoryBundle(versions []Resource, selfURL string) Resource {
	bundle := NewSearchBundle(versions, selfURL)
	bundle["type"] = BundleTypeHistory
	for _, entry := range Entries(bundle) {
		delete(entry, "search")
	}
	return bundle
}
