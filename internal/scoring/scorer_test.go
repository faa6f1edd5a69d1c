package scoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mock oracle ---

type mockOracle struct {
	mu      sync.Mutex
	calls   int
	results []domain.OracleResult
	errs    []error
	block   bool
}

func (m *mockOracle) Score(ctx context.Context, _ string) (domain.OracleResult, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()

	if m.block {
		<-ctx.Done()
		return domain.OracleResult{}, ctx.Err()
	}
	if i < len(m.errs) && m.errs[i] != nil {
		return domain.OracleResult{}, m.errs[i]
	}
	if i < len(m.results) {
		return m.results[i], nil
	}
	return m.results[len(m.results)-1], nil
}

func (m *mockOracle) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestScorer(o domain.Oracle) (*Scorer, *observability.Metrics) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	m := observability.NewMetricsForTesting()
	return NewScorer(o, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), m), m
}

func floodReport() domain.Report {
	return domain.Report{
		ID:          "rpt-0001",
		ReporterID:  "alice",
		HazardType:  domain.HazardFlood,
		Geo:         domain.Geo{Lat: 13.0827, Lon: 80.2707},
		Timestamp:   time.Date(2025, 9, 3, 9, 30, 0, 0, time.UTC),
		Description: "street flooding near the harbour",
	}
}

func TestScore_Categories(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		want       domain.Category
	}{
		{"credible at threshold", 0.7, domain.CategoryCredible},
		{"credible high", 0.95, domain.CategoryCredible},
		{"uncertain upper", 0.69, domain.CategoryUncertain},
		{"uncertain at lower threshold", 0.3, domain.CategoryUncertain},
		{"misinformation", 0.29, domain.CategoryMisinformation},
		{"zero", 0, domain.CategoryMisinformation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &mockOracle{results: []domain.OracleResult{{Confidence: tt.confidence, Label: "flood"}}}
			s, _ := newTestScorer(o)

			v := s.Score(context.Background(), floodReport())
			assert.Equal(t, tt.want, v.Category)
			assert.InDelta(t, tt.confidence, v.Confidence, 1e-9)
			assert.Equal(t, "rpt-0001", v.ReportID)
			assert.False(t, v.Degraded)
			assert.Equal(t, 1, o.callCount())
		})
	}
}

func TestScore_SeverityEscalatesOnHighConfidence(t *testing.T) {
	o := &mockOracle{results: []domain.OracleResult{{Confidence: 0.9}}}
	s, _ := newTestScorer(o)

	v := s.Score(context.Background(), floodReport())
	assert.Equal(t, domain.SeverityHigh, v.Severity)
}

func TestScore_TimeoutDegrades(t *testing.T) {
	o := &mockOracle{block: true}
	s, m := newTestScorer(o)

	v := s.Score(context.Background(), floodReport())

	assert.True(t, v.Degraded)
	assert.Equal(t, domain.CategoryUncertain, v.Category)
	assert.InDelta(t, DegradedConfidence, v.Confidence, 1e-9)
	assert.True(t, v.Clusterable(), "degraded reports still cluster")
	assert.Equal(t, 2, o.callCount(), "one retry after the first timeout")
	assert.InDelta(t, 2, testutil.ToFloat64(m.OracleCalls.WithLabelValues("timeout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ScoringDegraded), 0)
}

func TestScore_RetrySucceeds(t *testing.T) {
	o := &mockOracle{
		errs:    []error{errors.New("connection refused")},
		results: []domain.OracleResult{{}, {Confidence: 0.8, Label: "flood"}},
	}
	s, m := newTestScorer(o)

	v := s.Score(context.Background(), floodReport())

	assert.False(t, v.Degraded)
	assert.Equal(t, domain.CategoryCredible, v.Category)
	assert.Equal(t, 2, o.callCount())
	assert.InDelta(t, 1, testutil.ToFloat64(m.OracleCalls.WithLabelValues("error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OracleCalls.WithLabelValues("success")), 0)
}

func TestScore_OutOfRangeConfidenceDegrades(t *testing.T) {
	o := &mockOracle{results: []domain.OracleResult{{Confidence: 1.7}}}
	s, m := newTestScorer(o)

	v := s.Score(context.Background(), floodReport())

	assert.True(t, v.Degraded)
	assert.InDelta(t, 2, testutil.ToFloat64(m.OracleCalls.WithLabelValues("invalid")), 0)
}

func TestScore_CanceledContextDoesNotRetry(t *testing.T) {
	o := &mockOracle{block: true}
	s, _ := newTestScorer(o)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := s.Score(ctx, floodReport())

	assert.True(t, v.Degraded)
	assert.Equal(t, 0, o.callCount())
}

func TestCallOracle_WrapsDegradedSentinel(t *testing.T) {
	o := &mockOracle{errs: []error{errors.New("boom"), errors.New("boom")}, results: []domain.OracleResult{{}}}
	s, _ := newTestScorer(o)

	_, err := s.callOracle(context.Background(), floodReport())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScoringDegraded)
}
