package fhir

import (
	"testing"

	"github.com/goccy/go-json"
)

func decode(t *testing.T, body string) Resource {
	t.Helper()
	var r Resource
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("invalid test JSON: %v", err)
	}
	return r
}
