package subscription

import (
	"encoding/json"
	"time"

	"github.com/ehr/notify/internal/platform/fhir"
)

// buildPayload renders the notification envelope for sub. Resources are
// matched to events by reference; the channel content level decides whether
// focus references and entries are emitted at all.
func buildPayload(baseURL string, sub *Subscription, t NotificationType, events []NotificationEvent, resources []Resource, eventsSinceStart int64, includeResources bool, now time.Time) ([]byte, error) {
	st := sub.Snapshot()
	status := fhir.NotificationStatus{
		BaseURL:          baseURL,
		SubscriptionID:   sub.ID,
		Topic:            sub.Topic,
		Status:           string(st.Status),
		Type:             string(t),
		EventsSinceStart: eventsSinceStart,
	}
	for _, ev := range events {
		se := fhir.StatusEvent{EventNumber: ev.EventNumber, Timestamp: ev.Timestamp}
		// empty content never names the changed resources
		if sub.Channel.ContentType != ContentEmpty {
			se.Focus = ev.Focus.Reference()
		}
		status.Events = append(status.Events, se)
	}

	var focus []fhir.FocusResource
	if t == NotificationEventNotification && sub.Channel.ContentType != ContentEmpty {
		bodies := make(map[string]json.RawMessage, len(resources))
		for _, r := range resources {
			bodies[r.Ref().Reference()] = r.Body
		}
		for _, ev := range events {
			f := fhir.FocusResource{Reference: ev.Focus.Reference()}
			if includeResources {
				f.Body = bodies[f.Reference]
			}
			focus = append(focus, f)
		}
	}

	bundle, err := fhir.BuildSubscriptionNotification(status, focus, now)
	if err != nil {
		return nil, err
	}
	return fhir.MarshalBundle(bundle)
}
