package fhir

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestFormatReference(t *testing.T) {
	if got := FormatReference("Subscription", "sub-1"); got != "Subscription/sub-1" {
		t.Errorf("expected Subscription/sub-1, got %q", got)
	}
}

func TestBundleJSON_OmitsEmptyFields(t *testing.T) {
	b := Bundle{ResourceType: "Bundle", Type: "history", Entry: []BundleEntry{{FullURL: "Observation/o1"}}}
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	s := string(data)
	for _, field := range []string{`"id"`, `"timestamp"`, `"resource"`, `"request"`} {
		if strings.Contains(s, field) {
			t.Errorf("expected %s to be omitted, got %s", field, s)
		}
	}
}

func TestBundleJSON_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := Bundle{
		ResourceType: "Bundle",
		ID:           "b1",
		Type:         "history",
		Timestamp:    &ts,
		Entry: []BundleEntry{{
			FullURL:  "http://fhir.example.org/Observation/o1",
			Resource: json.RawMessage(`{"resourceType":"Observation","id":"o1"}`),
			Request:  &EntryRequest{Method: "PUT", URL: "Observation/o1"},
			Response: &EntryResponse{Status: "200"},
		}},
	}
	data, err := MarshalBundle(&in)
	if err != nil {
		t.Fatalf("MarshalBundle failed: %v", err)
	}
	var out Bundle
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.ID != "b1" || len(out.Entry) != 1 || out.Entry[0].Request.Method != "PUT" {
		t.Errorf("unexpected bundle %+v", out)
	}
	if !out.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, out.Timestamp)
	}
}
