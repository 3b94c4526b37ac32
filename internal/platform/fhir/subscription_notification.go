package fhir

import (
	"encoding/json"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Backport profile used on the SubscriptionStatus Parameters resource.
const subscriptionStatusProfile = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-subscription-status-r4"

// NotificationStatus is the status information carried as the first entry of
// a subscription-notification Bundle.
type NotificationStatus struct {
	BaseURL          string
	SubscriptionID   string
	Topic            string
	Status           string
	Type             string
	EventsSinceStart int64
	Events           []StatusEvent
}

// StatusEvent describes one notification-event part.
type StatusEvent struct {
	EventNumber int64
	Timestamp   time.Time
	Focus       string // relative reference, e.g. "Observation/obs-1"
}

// FocusResource is a resource carried in the notification. A nil Body yields
// an id-only entry.
type FocusResource struct {
	Reference string
	Body      json.RawMessage
}

type parameters struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Meta         *meta       `json:"meta,omitempty"`
	Parameter    []parameter `json:"parameter"`
}

type meta struct {
	Profile []string `json:"profile,omitempty"`
}

type parameter struct {
	Name           string      `json:"name"`
	ValueString    string      `json:"valueString,omitempty"`
	ValueCode      string      `json:"valueCode,omitempty"`
	ValueCanonical string      `json:"valueCanonical,omitempty"`
	ValueInstant   *time.Time  `json:"valueInstant,omitempty"`
	ValueReference *Reference  `json:"valueReference,omitempty"`
	Part           []parameter `json:"part,omitempty"`
}

// BuildSubscriptionNotification assembles a FHIR R4 backport
// subscription-notification Bundle. The SubscriptionStatus is always the
// first entry; focus resources follow in the given order.
func BuildSubscriptionNotification(status NotificationStatus, focus []FocusResource, now time.Time) (*Bundle, error) {
	statusID := uuid.New().String()
	params := parameters{
		ResourceType: "Parameters",
		ID:           statusID,
		Meta:         &meta{Profile: []string{subscriptionStatusProfile}},
		Parameter: []parameter{
			{Name: "subscription", ValueReference: &Reference{Reference: absoluteURL(status.BaseURL, FormatReference("Subscription", status.SubscriptionID))}},
			{Name: "topic", ValueCanonical: status.Topic},
			{Name: "status", ValueCode: status.Status},
			{Name: "type", ValueCode: status.Type},
			{Name: "events-since-subscription-start", ValueString: strconv.FormatInt(status.EventsSinceStart, 10)},
		},
	}
	for _, ev := range status.Events {
		part := []parameter{{Name: "event-number", ValueString: strconv.FormatInt(ev.EventNumber, 10)}}
		if !ev.Timestamp.IsZero() {
			ts := ev.Timestamp.UTC()
			part = append(part, parameter{Name: "timestamp", ValueInstant: &ts})
		}
		if ev.Focus != "" {
			part = append(part, parameter{Name: "focus", ValueReference: &Reference{Reference: absoluteURL(status.BaseURL, ev.Focus)}})
		}
		params.Parameter = append(params.Parameter, parameter{Name: "notification-event", Part: part})
	}

	statusJSON, err := gojson.Marshal(params)
	if err != nil {
		return nil, err
	}

	ts := now.UTC()
	bundle := &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.New().String(),
		Type:         "history",
		Timestamp:    &ts,
		Entry: []BundleEntry{{
			FullURL:  "urn:uuid:" + statusID,
			Resource: statusJSON,
			Request:  &EntryRequest{Method: "GET", URL: absoluteURL(status.BaseURL, FormatReference("Subscription", status.SubscriptionID)) + "/$status"},
			Response: &EntryResponse{Status: "200"},
		}},
	}
	for _, f := range focus {
		entry := BundleEntry{
			FullURL:  absoluteURL(status.BaseURL, f.Reference),
			Request:  &EntryRequest{Method: "PUT", URL: f.Reference},
			Response: &EntryResponse{Status: "200"},
		}
		if len(f.Body) > 0 {
			entry.Resource = f.Body
		}
		bundle.Entry = append(bundle.Entry, entry)
	}
	return bundle, nil
}

// MarshalBundle encodes b as compact JSON.
func MarshalBundle(b *Bundle) ([]byte, error) {
	return gojson.Marshal(b)
}

func absoluteURL(base, ref string) string {
	if base == "" {
		return ref
	}
	if base[len(base)-1] == '/' {
		return base + ref
	}
	return base + "/" + ref
}
