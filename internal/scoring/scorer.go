package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/observability"
)

// DegradedConfidence is assigned when no oracle response could be obtained.
const DegradedConfidence = 0.5

// Config holds the category thresholds and oracle call bounds.
type Config struct {
	CredibleThreshold       float64
	MisinformationThreshold float64
	EscalateConfidence      float64
	Timeout                 time.Duration
	Retries                 int
}

// DefaultConfig returns the documented scoring defaults.
func DefaultConfig() Config {
	return Config{
		CredibleThreshold:       0.7,
		MisinformationThreshold: 0.3,
		EscalateConfidence:      0.85,
		Timeout:                 3 * time.Second,
		Retries:                 1,
	}
}

// Scorer maps oracle output into VerificationResults. The oracle is called
// with a bounded timeout and retried Retries times; if every attempt fails
// the report is scored as uncertain and flagged degraded.
type Scorer struct {
	oracle       domain.Oracle
	cfg          Config
	corroborator *Corroborator
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithCorroboration blends each oracle confidence with the evidence c finds.
// Reports with no corroborating evidence keep the oracle confidence.
func WithCorroboration(c *Corroborator) Option { return func(s *Scorer) { s.corroborator = c } }

// NewScorer creates a Scorer around the given oracle.
func NewScorer(oracle domain.Oracle, cfg Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Scorer {
	s := &Scorer{oracle: oracle, cfg: cfg, logger: logger, metrics: metrics}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score never fails: oracle problems degrade the result instead.
func (s *Scorer) Score(ctx context.Context, r domain.Report) domain.VerificationResult {
	res, err := s.callOracle(ctx, r)
	if err != nil {
		s.logger.Warn("oracle unavailable, scoring degraded",
			"report_id", r.ID,
			"hazard_type", r.HazardType,
			"error", err,
		)
		s.metrics.ScoringDegraded.Inc()
		v := domain.VerificationResult{
			ReportID:   r.ID,
			Confidence: DegradedConfidence,
			Category:   domain.CategoryUncertain,
			Severity:   domain.DeriveSeverity(r.HazardType, DegradedConfidence, s.cfg.EscalateConfidence, r.Description),
			Degraded:   true,
			ScoredAt:   domain.Now(),
		}
		s.metrics.Verifications.WithLabelValues(string(v.Category)).Inc()
		return v
	}

	confidence := s.corroborate(ctx, r, res.Confidence)
	v := domain.VerificationResult{
		ReportID:   r.ID,
		Confidence: confidence,
		Label:      res.Label,
		Category:   s.Categorize(confidence),
		Severity:   domain.DeriveSeverity(r.HazardType, confidence, s.cfg.EscalateConfidence, r.Description),
		ScoredAt:   domain.Now(),
	}
	s.metrics.Verifications.WithLabelValues(string(v.Category)).Inc()
	return v
}

// corroborate blends the oracle confidence with nearby evidence. Lookup
// failures keep the oracle confidence.
func (s *Scorer) corroborate(ctx context.Context, r domain.Report, ai float64) float64 {
	if s.corroborator == nil {
		return ai
	}
	evidence, n, err := s.corroborator.Evidence(ctx, r)
	if err != nil {
		s.logger.Warn("corroboration lookup failed", "report_id", r.ID, "error", err)
		return ai
	}
	if n == 0 {
		return ai
	}
	blended := s.corroborator.Blend(ai, evidence)
	s.metrics.Corroborated.Inc()
	s.logger.Debug("report corroborated",
		"report_id", r.ID,
		"oracle_confidence", ai,
		"evidence_confidence", evidence,
		"evidence_reports", n,
		"confidence", blended,
	)
	return blended
}

// Categorize applies the configured thresholds to a confidence value.
func (s *Scorer) Categorize(confidence float64) domain.Category {
	switch {
	case confidence >= s.cfg.CredibleThreshold:
		return domain.CategoryCredible
	case confidence < s.cfg.MisinformationThreshold:
		return domain.CategoryMisinformation
	default:
		return domain.CategoryUncertain
	}
}

func (s *Scorer) callOracle(ctx context.Context, r domain.Report) (domain.OracleResult, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if ctx.Err() != nil {
			return domain.OracleResult{}, errors.Join(domain.ErrScoringDegraded, ctx.Err())
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		res, err := s.oracle.Score(callCtx, r.Description)
		cancel()
		s.metrics.OracleDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			err = validate(res)
			if err != nil {
				s.metrics.OracleCalls.WithLabelValues("invalid").Inc()
			}
		} else if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.OracleCalls.WithLabelValues("timeout").Inc()
		} else {
			s.metrics.OracleCalls.WithLabelValues("error").Inc()
		}
		if err == nil {
			s.metrics.OracleCalls.WithLabelValues("success").Inc()
			return res, nil
		}

		lastErr = err
		s.logger.Debug("oracle attempt failed",
			"report_id", r.ID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return domain.OracleResult{}, fmt.Errorf("%w: %w", domain.ErrScoringDegraded, lastErr)
}

func validate(res domain.OracleResult) error {
	if math.IsNaN(res.Confidence) || res.Confidence < 0 || res.Confidence > 1 {
		return fmt.Errorf("oracle confidence %v outside [0,1]", res.Confidence)
	}
	return nil
}
