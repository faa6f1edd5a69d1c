package scoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/observability"
)

type mockLister struct {
	reports []domain.Report
	err     error
	queries []domain.Query
}

func (m *mockLister) ListReports(_ context.Context, q domain.Query) ([]domain.Report, error) {
	m.queries = append(m.queries, q)
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Report
	for _, r := range m.reports {
		if q.Matches(r.HazardType, r.Timestamp) {
			out = append(out, r)
		}
	}
	return out, nil
}

func neighbour(id, reporter string, lat, lon float64, at time.Time, confidence float64) domain.Report {
	return domain.Report{
		ID:           id,
		ReporterID:   reporter,
		HazardType:   domain.HazardFlood,
		Geo:          domain.Geo{Lat: lat, Lon: lon},
		Timestamp:    at,
		Verification: &domain.VerificationResult{ReportID: id, Confidence: confidence},
	}
}

func TestCorroborator_Evidence(t *testing.T) {
	r := floodReport()
	degraded := neighbour("rpt-degraded", "erin", 13.08, 80.27, r.Timestamp, 0.5)
	degraded.Verification.Degraded = true
	unverified := neighbour("rpt-unverified", "fay", 13.08, 80.27, r.Timestamp, 0)
	unverified.Verification = nil
	cyclone := neighbour("rpt-cyclone", "gus", 13.08, 80.27, r.Timestamp, 0.99)
	cyclone.HazardType = domain.HazardCyclone

	lister := &mockLister{reports: []domain.Report{
		r,
		neighbour("rpt-bob", "bob", 13.09, 80.28, r.Timestamp.Add(-time.Hour), 0.9),
		neighbour("rpt-carol", "carol", 13.05, 80.25, r.Timestamp.Add(2*time.Hour), 0.7),
		neighbour("rpt-alice-again", "alice", 13.08, 80.27, r.Timestamp, 0.1),
		neighbour("rpt-far", "dan", 17.69, 83.22, r.Timestamp, 0.1),
		neighbour("rpt-old", "hal", 13.08, 80.27, r.Timestamp.Add(-96*time.Hour), 0.1),
		degraded, unverified, cyclone,
	}}
	c := NewCorroborator(lister, DefaultCorroborationConfig())

	mean, n, err := c.Evidence(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "bob and carol only")
	assert.InDelta(t, 0.8, mean, 1e-9)

	require.Len(t, lister.queries, 1)
	assert.Equal(t, domain.HazardFlood, lister.queries[0].HazardType)
	assert.Equal(t, r.Timestamp.Add(-72*time.Hour), lister.queries[0].From)
	assert.Equal(t, r.Timestamp.Add(72*time.Hour), lister.queries[0].To)
}

func TestCorroborator_Blend(t *testing.T) {
	c := NewCorroborator(&mockLister{}, DefaultCorroborationConfig())
	assert.InDelta(t, 0.7, c.Blend(0.5, 1.0), 1e-9)
	assert.InDelta(t, 0.6, c.Blend(0.6, 0.6), 1e-9)

	zero := NewCorroborator(&mockLister{}, CorroborationConfig{})
	assert.InDelta(t, 0.9, zero.Blend(0.2, 0.9), 1e-9)
}

func newCorroboratingScorer(o domain.Oracle, lister ReportLister) (*Scorer, *observability.Metrics) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	m := observability.NewMetricsForTesting()
	c := NewCorroborator(lister, DefaultCorroborationConfig())
	return NewScorer(o, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), m, WithCorroboration(c)), m
}

func TestScore_CorroborationLiftsUncertainReport(t *testing.T) {
	r := floodReport()
	lister := &mockLister{reports: []domain.Report{
		neighbour("rpt-bob", "bob", 13.09, 80.28, r.Timestamp, 0.9),
		neighbour("rpt-carol", "carol", 13.07, 80.26, r.Timestamp, 0.9),
	}}
	s, m := newCorroboratingScorer(&mockOracle{results: []domain.OracleResult{{Confidence: 0.6, Label: "flood"}}}, lister)

	v := s.Score(context.Background(), r)
	assert.InDelta(t, 0.72, v.Confidence, 1e-9)
	assert.Equal(t, domain.CategoryCredible, v.Category)
	assert.Equal(t, "flood", v.Label)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Corroborated), 0)
}

func TestScore_CorroborationDisputedReport(t *testing.T) {
	r := floodReport()
	lister := &mockLister{reports: []domain.Report{
		neighbour("rpt-bob", "bob", 13.09, 80.28, r.Timestamp, 0.05),
	}}
	s, _ := newCorroboratingScorer(&mockOracle{results: []domain.OracleResult{{Confidence: 0.75}}}, lister)

	v := s.Score(context.Background(), r)
	assert.InDelta(t, 0.47, v.Confidence, 1e-9)
	assert.Equal(t, domain.CategoryUncertain, v.Category)
}

func TestScore_CorroborationWithoutEvidenceKeepsOracleConfidence(t *testing.T) {
	tests := []struct {
		name   string
		lister *mockLister
	}{
		{"no neighbours", &mockLister{}},
		{"lookup error", &mockLister{err: errors.New("database is down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, m := newCorroboratingScorer(&mockOracle{results: []domain.OracleResult{{Confidence: 0.9}}}, tt.lister)

			v := s.Score(context.Background(), floodReport())
			assert.InDelta(t, 0.9, v.Confidence, 1e-9)
			assert.Equal(t, domain.CategoryCredible, v.Category)
			assert.InDelta(t, 0, testutil.ToFloat64(m.Corroborated), 0)
		})
	}
}

func TestScore_DegradedIsNotCorroborated(t *testing.T) {
	r := floodReport()
	lister := &mockLister{reports: []domain.Report{
		neighbour("rpt-bob", "bob", 13.09, 80.28, r.Timestamp, 0.95),
	}}
	s, _ := newCorroboratingScorer(&mockOracle{block: true}, lister)

	v := s.Score(context.Background(), r)
	assert.True(t, v.Degraded)
	assert.InDelta(t, DegradedConfidence, v.Confidence, 1e-9)
	assert.Empty(t, lister.queries)
}
