package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultClockSkew is how far in the future a report timestamp may be.
	DefaultClockSkew = 2 * time.Minute

	maxDescriptionRunes = 4000
	maxReporterIDLen    = 128
	maxMediaRefLen      = 1024
)

// timestampLayouts are accepted submission timestamp formats. Layouts without
// a zone are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Normalize validates a submission and produces a canonical Report: hazard
// type canonicalised, coordinates rounded to CoordinatePrecision, timestamp
// in UTC, description whitespace collapsed. All field failures are returned
// together as joined *ValidationError values.
func Normalize(sub Submission, skew time.Duration) (Report, error) {
	var errs []error
	now := Now()

	reporter := strings.TrimSpace(sub.ReporterID)
	switch {
	case reporter == "":
		errs = append(errs, &ValidationError{Field: "reporter_id", Reason: "required"})
	case len(reporter) > maxReporterIDLen:
		errs = append(errs, &ValidationError{Field: "reporter_id", Reason: fmt.Sprintf("longer than %d bytes", maxReporterIDLen)})
	}

	hazard, ok := ParseHazardType(sub.HazardType)
	if !ok {
		errs = append(errs, &ValidationError{Field: "hazard_type", Value: sub.HazardType, Reason: "unrecognized hazard type"})
	}

	geo, geoErrs := normalizeGeo(sub.Lat, sub.Lon)
	errs = append(errs, geoErrs...)

	ts, err := normalizeTimestamp(sub.Timestamp, now, skew)
	if err != nil {
		errs = append(errs, err)
	}

	desc := collapseSpace(sub.Description)
	switch {
	case desc == "":
		errs = append(errs, &ValidationError{Field: "description", Reason: "required"})
	case utf8.RuneCountInString(desc) > maxDescriptionRunes:
		errs = append(errs, &ValidationError{Field: "description", Reason: fmt.Sprintf("longer than %d characters", maxDescriptionRunes)})
	}

	media, err := normalizeMediaRef(sub.MediaRef)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return Report{}, errors.Join(errs...)
	}

	return Report{
		ID:          generateID(reporter, hazard, geo, ts, desc),
		ReporterID:  reporter,
		HazardType:  hazard,
		Geo:         geo,
		Timestamp:   ts,
		Description: desc,
		MediaRef:    media,
		ReceivedAt:  now,
	}, nil
}

func normalizeGeo(lat, lon *float64) (Geo, []error) {
	var errs []error
	check := func(field string, v *float64, limit float64) float64 {
		switch {
		case v == nil:
			errs = append(errs, &ValidationError{Field: field, Reason: "required"})
		case math.IsNaN(*v) || math.IsInf(*v, 0):
			errs = append(errs, &ValidationError{Field: field, Value: *v, Reason: "not a finite number"})
		case *v < -limit || *v > limit:
			errs = append(errs, &ValidationError{Field: field, Value: *v, Reason: fmt.Sprintf("must be between %g and %g", -limit, limit)})
		default:
			return RoundCoord(*v)
		}
		return 0
	}
	g := Geo{Lat: check("lat", lat, 90), Lon: check("lon", lon, 180)}
	return g, errs
}

func normalizeTimestamp(raw string, now time.Time, skew time.Duration) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "required"}
	}
	var ts time.Time
	var parsed bool
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			ts, parsed = t, true
			break
		}
	}
	if !parsed {
		return time.Time{}, &ValidationError{Field: "timestamp", Value: raw, Reason: "expected RFC 3339"}
	}
	ts = ts.UTC()
	if ts.After(now.Add(skew)) {
		return time.Time{}, &ValidationError{Field: "timestamp", Value: raw, Reason: "in the future"}
	}
	return ts, nil
}

func normalizeMediaRef(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if len(raw) > maxMediaRefLen {
		return "", &ValidationError{Field: "media_ref", Reason: fmt.Sprintf("longer than %d bytes", maxMediaRefLen)}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", &ValidationError{Field: "media_ref", Value: raw, Reason: "must be an absolute URL"}
	}
	switch u.Scheme {
	case "http", "https", "s3":
		return u.String(), nil
	default:
		return "", &ValidationError{Field: "media_ref", Value: raw, Reason: "unsupported scheme"}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// generateID produces a deterministic report ID so redelivered submissions
// map to the same record.
func generateID(reporter string, hazard HazardType, g Geo, ts time.Time, desc string) string {
	input := fmt.Sprintf("%s|%s|%.5f|%.5f|%s|%s", reporter, hazard, g.Lat, g.Lon, ts.Format(time.RFC3339Nano), desc)
	hash := sha256.Sum256([]byte(input))
	return "rpt-" + hex.EncodeToString(hash[:8])
}
