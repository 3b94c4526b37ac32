// Package fhir builds the FHIR R4 resources the notification server emits:
// subscription-notification Bundles and NDJSON resource streams.
package fhir

import (
	"encoding/json"
	"time"
)

// Bundle is the subset of the FHIR Bundle resource used for
// subscription notifications.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource of a notification. Resource is left empty
// for id-only entries.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *EntryRequest   `json:"request,omitempty"`
	Response *EntryResponse  `json:"response,omitempty"`
}

// EntryRequest is the history-bundle request element.
type EntryRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// EntryResponse is the history-bundle response element.
type EntryResponse struct {
	Status string `json:"status"`
}

type Reference struct {
	Reference string `json:"reference"`
}

// FormatReference returns the relative reference "Type/id".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
