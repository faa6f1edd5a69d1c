package domain

import (
	"context"
	"strings"
	"time"
)

// HazardType identifies the kind of coastal hazard a report describes.
type HazardType string

const (
	HazardFlood    HazardType = "flood"
	HazardCyclone  HazardType = "cyclone"
	HazardOilSpill HazardType = "oil-spill"
	HazardOther    HazardType = "other"
)

// HazardTypes lists every recognised hazard type.
var HazardTypes = []HazardType{HazardFlood, HazardCyclone, HazardOilSpill, HazardOther}

// ParseHazardType accepts the canonical names plus common spellings
// ("Oil Spill", "oil_spill") and reports whether the value was recognised.
func ParseHazardType(s string) (HazardType, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer("_", "-", " ", "-").Replace(v)
	switch v {
	case "flood", "flooding":
		return HazardFlood, true
	case "cyclone", "hurricane", "typhoon":
		return HazardCyclone, true
	case "oil-spill", "oilspill":
		return HazardOilSpill, true
	case "other":
		return HazardOther, true
	default:
		return "", false
	}
}

// Geo represents a WGS-84 latitude/longitude coordinate pair.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Submission is the raw payload accepted by the ingestion API and the Kafka
// source topic, before validation.
type Submission struct {
	ReporterID  string   `json:"reporter_id"`
	HazardType  string   `json:"hazard_type"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	Timestamp   string   `json:"timestamp"`
	Description string   `json:"description"`
	MediaRef    string   `json:"media_ref,omitempty"`
}

// Report is a validated, canonical hazard report. Apart from Verification it
// is immutable once created.
type Report struct {
	ID          string     `json:"id"`
	ReporterID  string     `json:"reporter_id"`
	HazardType  HazardType `json:"hazard_type"`
	Geo         Geo        `json:"geo"`
	Timestamp   time.Time  `json:"timestamp"`
	Description string     `json:"description"`
	MediaRef    string     `json:"media_ref,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`

	Verification *VerificationResult `json:"verification,omitempty"`
}

// Category is the credibility bucket assigned by the verification scorer.
type Category string

const (
	CategoryCredible       Category = "credible"
	CategoryUncertain      Category = "uncertain"
	CategoryMisinformation Category = "misinformation"
)

// VerificationResult is attached once to a Report and never changes.
type VerificationResult struct {
	ReportID   string    `json:"report_id"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label,omitempty"`
	Category   Category  `json:"category"`
	Severity   Severity  `json:"severity"`
	Degraded   bool      `json:"scoring_degraded"`
	ScoredAt   time.Time `json:"scored_at"`
}

// Clusterable reports whether the report should enter hotspot clustering.
// Degraded results are clustered too: missing a real hazard costs more than
// a spurious forming hotspot.
func (v VerificationResult) Clusterable() bool {
	return v.Category == CategoryCredible || v.Degraded
}

// OracleResult is the raw output of a scoring oracle.
type OracleResult struct {
	Confidence float64
	Label      string
}

// Oracle scores free text for credibility. Implementations may block and
// must honour context cancellation.
type Oracle interface {
	Score(ctx context.Context, text string) (OracleResult, error)
}

// RawEvent represents an unprocessed message from the source topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// Query filters stored records by hazard type and time range. Zero values
// match everything.
type Query struct {
	HazardType HazardType
	From       time.Time
	To         time.Time
	Limit      int
}

// Matches reports whether a record with the given hazard type and time
// satisfies the query.
func (q Query) Matches(h HazardType, at time.Time) bool {
	if q.HazardType != "" && q.HazardType != h {
		return false
	}
	if !q.From.IsZero() && at.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && at.After(q.To) {
		return false
	}
	return true
}
