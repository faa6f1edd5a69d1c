package domain

import "time"

// HotspotState is a node in the hotspot lifecycle.
type HotspotState string

const (
	StateForming   HotspotState = "forming"
	StateActive    HotspotState = "active"
	StateEscalated HotspotState = "escalated"
	StateResolved  HotspotState = "resolved"
)

// Member is one report that joined a hotspot.
type Member struct {
	ReportID   string    `json:"report_id"`
	ReporterID string    `json:"reporter_id"`
	Geo        Geo       `json:"geo"`
	Timestamp  time.Time `json:"timestamp"`
	Severity   Severity  `json:"severity"`
}

// Hotspot is a spatiotemporal cluster of corroborating credible reports.
type Hotspot struct {
	ID           string       `json:"id"`
	HazardType   HazardType   `json:"hazard_type"`
	Centroid     Geo          `json:"centroid"`
	RadiusKm     float64      `json:"radius_km"`
	Members      []Member     `json:"members"`
	Severity     Severity     `json:"severity"`
	State        HotspotState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	LastReportAt time.Time    `json:"last_report_at"`
	ResolvedAt   time.Time    `json:"resolved_at,omitzero"`
}

// MemberIDs returns the report IDs of every member in join order.
func (h Hotspot) MemberIDs() []string {
	ids := make([]string, len(h.Members))
	for i, m := range h.Members {
		ids[i] = m.ReportID
	}
	return ids
}

// Reporters counts distinct reporters among the members.
func (h Hotspot) Reporters() int {
	seen := make(map[string]struct{}, len(h.Members))
	for _, m := range h.Members {
		seen[m.ReporterID] = struct{}{}
	}
	return len(seen)
}

// Clone returns a deep copy safe to hand outside the owning goroutine.
func (h Hotspot) Clone() Hotspot {
	c := h
	c.Members = append([]Member(nil), h.Members...)
	return c
}

// Transition records one hotspot state change.
type Transition struct {
	HotspotID   string       `json:"hotspot_id"`
	HazardType  HazardType   `json:"hazard_type"`
	From        HotspotState `json:"from"`
	To          HotspotState `json:"to"`
	Severity    Severity     `json:"severity"`
	Centroid    Geo          `json:"centroid"`
	RadiusKm    float64      `json:"radius_km"`
	MemberCount int          `json:"member_count"`
	At          time.Time    `json:"at"`
}

// Alerting reports whether the transition is one of the edges that must
// produce an alert trigger.
func (t Transition) Alerting() bool {
	if t.From == t.To {
		return false
	}
	return t.To == StateActive || t.To == StateEscalated
}

// Key identifies the trigger for at-least-once bookkeeping.
func (t Transition) Key() string {
	return t.HotspotID + ":" + string(t.From) + "->" + string(t.To)
}

// DeliveryState tracks an AlertTask through retries.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryExhausted DeliveryState = "exhausted"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryState) Terminal() bool {
	return s == DeliverySent || s == DeliveryExhausted
}

// AlertTask is one notification for one subscriber on one channel.
type AlertTask struct {
	ID           string        `json:"id"`
	HotspotID    string        `json:"hotspot_id"`
	HazardType   HazardType    `json:"hazard_type"`
	Trigger      Transition    `json:"trigger"`
	Channel      string        `json:"channel"`
	SubscriberID string        `json:"subscriber_id"`
	State        DeliveryState `json:"state"`
	Attempts     int           `json:"attempts"`
	NextRetryAt  time.Time     `json:"next_retry_at,omitzero"`
	LastError    string        `json:"last_error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
