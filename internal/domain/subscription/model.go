package subscription

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusRequested Status = "requested"
	StatusActive    Status = "active"
	StatusError     Status = "error"
	StatusOff       Status = "off"
)

// ChannelType is the tag used to select a delivery channel implementation.
type ChannelType string

const (
	ChannelRestHook  ChannelType = "rest-hook"
	ChannelStorage   ChannelType = "storage"
	ChannelDataLake  ChannelType = "data-lake"
	ChannelEventGrid ChannelType = "event-grid"
)

// ContentType controls how much of a matched resource is carried by a notification.
type ContentType string

const (
	ContentEmpty        ContentType = "empty"
	ContentIDOnly       ContentType = "id-only"
	ContentFullResource ContentType = "full-resource"
)

// NotificationType identifies the kind of notification being sent.
type NotificationType string

const (
	NotificationHandshake         NotificationType = "handshake"
	NotificationHeartbeat         NotificationType = "heartbeat"
	NotificationEventNotification NotificationType = "event-notification"
	NotificationQueryStatus       NotificationType = "query-status"
	NotificationQueryEvent        NotificationType = "query-event"
)

// DefaultPayloadMimeType is used when a channel does not declare one.
const DefaultPayloadMimeType = "application/fhir+json"

// Parameter is one entry of the ordered channel parameter multi-map.
type Parameter struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// ChannelInfo describes where and how notifications for a subscription are delivered.
type ChannelInfo struct {
	Type            ChannelType `json:"type"`
	Endpoint        string      `json:"endpoint"`
	ContentType     ContentType `json:"content"`
	PayloadMimeType string      `json:"payload,omitempty"`
	Parameters      []Parameter `json:"parameters,omitempty"`
}

// MimeType returns the payload mime type, falling back to FHIR JSON.
func (c ChannelInfo) MimeType() string {
	if c.PayloadMimeType == "" {
		return DefaultPayloadMimeType
	}
	return c.PayloadMimeType
}

// AddParameter appends a value under name, keeping first-seen order of names.
func (c *ChannelInfo) AddParameter(name, value string) {
	for i := range c.Parameters {
		if strings.EqualFold(c.Parameters[i].Name, name) {
			c.Parameters[i].Values = append(c.Parameters[i].Values, value)
			return
		}
	}
	c.Parameters = append(c.Parameters, Parameter{Name: name, Values: []string{value}})
}

// ParseHeaderParameters converts FHIR R4 style "Name: value" header strings
// into channel parameters.
func ParseHeaderParameters(headers []string) []Parameter {
	var info ChannelInfo
	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if name == "" {
			continue
		}
		info.AddParameter(name, strings.TrimSpace(parts[1]))
	}
	return info.Parameters
}

// ResourceRef locates a resource version without carrying its body.
type ResourceRef struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	VersionID    string `json:"versionId,omitempty"`
}

// Reference returns the relative literal reference, e.g. "Observation/obs-1".
func (r ResourceRef) Reference() string {
	return r.ResourceType + "/" + r.ID
}

// Resource is a materialized resource body.
type Resource struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	VersionID    string          `json:"versionId,omitempty"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	Body         json.RawMessage `json:"body"`
}

// Ref returns the locator for r.
func (r Resource) Ref() ResourceRef {
	return ResourceRef{ResourceType: r.ResourceType, ID: r.ID, VersionID: r.VersionID}
}

// NotificationEvent is one matched change, numbered per tenant store.
type NotificationEvent struct {
	EventNumber int64       `json:"eventNumber"`
	Focus       ResourceRef `json:"focus"`
	Timestamp   time.Time   `json:"timestamp"`
}

// SendEventArgs carries everything needed to send one notification.
type SendEventArgs struct {
	Tenant       string
	Subscription *Subscription
	Type         NotificationType
	Events       []NotificationEvent
}

// EventNumbers returns the event numbers carried by a.
func (a SendEventArgs) EventNumbers() []int64 {
	out := make([]int64, len(a.Events))
	for i, e := range a.Events {
		out[i] = e.EventNumber
	}
	return out
}

// MaxEventNumber returns the highest event number in a, or 0 when empty.
func (a SendEventArgs) MaxEventNumber() int64 {
	var highest int64
	for _, e := range a.Events {
		if e.EventNumber > highest {
			highest = e.EventNumber
		}
	}
	return highest
}

// State is a consistent copy of a subscription's notification state.
type State struct {
	Status             Status    `json:"status"`
	LastCommunication  time.Time `json:"last_communication"`
	LastError          string    `json:"last_error,omitempty"`
	MaxEventNumberSent int64     `json:"max_event_number_sent"`
	ConsecutiveErrors  int       `json:"consecutive_errors"`
}

// Subscription is a topic-based subscription owned by a tenant store. The
// dispatch engine only mutates the notification state, always through the
// methods below.
type Subscription struct {
	ID                string
	Tenant            string
	Topic             string
	Channel           ChannelInfo
	HeartbeatInterval int // seconds, <= 0 disables heartbeats

	mu    sync.Mutex
	state State
}

// New returns a subscription in the requested state.
func New(id, tenant, topic string, channel ChannelInfo) *Subscription {
	return &Subscription{
		ID:      id,
		Tenant:  tenant,
		Topic:   topic,
		Channel: channel,
		state:   State{Status: StatusRequested},
	}
}

// Snapshot returns a copy of the current notification state.
func (s *Subscription) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restore replaces the notification state, used by stores when loading records.
func (s *Subscription) Restore(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Status returns the current status.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// SetStatus sets the status unconditionally. Only stores call this.
func (s *Subscription) SetStatus(st Status) {
	s.mu.Lock()
	s.state.Status = st
	s.mu.Unlock()
}

// HeartbeatPeriod returns the configured heartbeat interval, zero when disabled.
func (s *Subscription) HeartbeatPeriod() time.Duration {
	if s.HeartbeatInterval <= 0 {
		return 0
	}
	return time.Duration(s.HeartbeatInterval) * time.Second
}

// Activate moves a requested subscription to active. It reports whether the
// transition happened, so callers can act on it exactly once.
func (s *Subscription) Activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status != StatusRequested {
		return false
	}
	s.state.Status = StatusActive
	return true
}

// heartbeatSeedSlack is how far short of a full interval a never-contacted
// subscription is seeded.
const heartbeatSeedSlack = time.Second

// ClaimHeartbeat evaluates the heartbeat gate at now. A subscription that was
// never contacted is seeded to almost one interval ago and is not due. A due
// subscription has its last communication moved to now before returning, so a
// concurrent sweep cannot claim it again.
func (s *Subscription) ClaimHeartbeat(now time.Time) (due, seeded bool) {
	interval := s.HeartbeatPeriod()
	if interval <= 0 {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status != StatusActive {
		return false, false
	}
	if s.state.LastCommunication.IsZero() {
		s.state.LastCommunication = now.Add(-interval + heartbeatSeedSlack)
		return false, true
	}
	threshold := now.Add(-interval)
	if !s.state.LastCommunication.Before(threshold) {
		return false, false
	}
	s.state.LastCommunication = now
	return true, false
}

// Touch records an attempted send at now.
func (s *Subscription) Touch(now time.Time) {
	s.mu.Lock()
	s.state.LastCommunication = now
	s.mu.Unlock()
}

// RecordSuccess records a successful send and raises the resend high-water mark.
func (s *Subscription) RecordSuccess(now time.Time, maxEventNumber int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastCommunication = now
	s.state.LastError = ""
	s.state.ConsecutiveErrors = 0
	if maxEventNumber > s.state.MaxEventNumberSent {
		s.state.MaxEventNumberSent = maxEventNumber
	}
}

// RecordFailure records a failed send. The status is left alone.
func (s *Subscription) RecordFailure(now time.Time, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastCommunication = now
	s.state.LastError = message
	s.state.ConsecutiveErrors++
}

// ToFHIR converts the Subscription to an R4B/R5 style Subscription resource map.
func (s *Subscription) ToFHIR() map[string]interface{} {
	st := s.Snapshot()
	result := map[string]interface{}{
		"resourceType": "Subscription",
		"id":           s.ID,
		"status":       string(st.Status),
		"topic":        s.Topic,
		"channelType":  map[string]interface{}{"code": string(s.Channel.Type)},
		"endpoint":     s.Channel.Endpoint,
		"content":      string(s.Channel.ContentType),
		"contentType":  s.Channel.MimeType(),
	}
	if s.HeartbeatInterval > 0 {
		result["heartbeatPeriod"] = s.HeartbeatInterval
	}
	if len(s.Channel.Parameters) > 0 {
		var params []map[string]string
		for _, p := range s.Channel.Parameters {
			for _, v := range p.Values {
				params = append(params, map[string]string{"name": p.Name, "value": v})
			}
		}
		result["parameter"] = params
	}
	if st.LastError != "" {
		result["error"] = st.LastError
	}
	return result
}
