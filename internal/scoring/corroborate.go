package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// ReportLister finds stored reports by hazard type and time range.
type ReportLister interface {
	ListReports(ctx context.Context, q domain.Query) ([]domain.Report, error)
}

// CorroborationConfig weighs the oracle against nearby evidence.
type CorroborationConfig struct {
	AIWeight float64
	Weight   float64
	RadiusKm float64
	Window   time.Duration
}

// DefaultCorroborationConfig returns 0.6/0.4 weights over 50 km and three days.
func DefaultCorroborationConfig() CorroborationConfig {
	return CorroborationConfig{
		AIWeight: 0.6,
		Weight:   0.4,
		RadiusKm: 50,
		Window:   72 * time.Hour,
	}
}

// Corroborator gathers evidence for a report from other reporters' verified
// reports of the same hazard nearby.
type Corroborator struct {
	reports ReportLister
	cfg     CorroborationConfig
}

// NewCorroborator creates a Corroborator reading from reports.
func NewCorroborator(reports ReportLister, cfg CorroborationConfig) *Corroborator {
	return &Corroborator{reports: reports, cfg: cfg}
}

// Evidence returns the mean confidence of verified, non-degraded reports of
// r's hazard type from other reporters within RadiusKm of r whose timestamps
// fall within Window either side of r's, and how many reports contributed.
func (c *Corroborator) Evidence(ctx context.Context, r domain.Report) (float64, int, error) {
	candidates, err := c.reports.ListReports(ctx, domain.Query{
		HazardType: r.HazardType,
		From:       r.Timestamp.Add(-c.cfg.Window),
		To:         r.Timestamp.Add(c.cfg.Window),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("list corroborating reports: %w", err)
	}

	var sum float64
	n := 0
	for _, o := range candidates {
		if o.ID == r.ID || o.ReporterID == r.ReporterID {
			continue
		}
		if o.Verification == nil || o.Verification.Degraded {
			continue
		}
		if domain.Distance(r.Geo, o.Geo) > c.cfg.RadiusKm {
			continue
		}
		sum += o.Verification.Confidence
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}

// Blend is the weighted mean of the oracle and evidence confidences, clamped
// to [0,1]. With no positive weight the larger of the two wins.
func (c *Corroborator) Blend(ai, evidence float64) float64 {
	total := c.cfg.AIWeight + c.cfg.Weight
	if total <= 0 {
		return max(ai, evidence)
	}
	blended := (ai*c.cfg.AIWeight + evidence*c.cfg.Weight) / total
	return min(max(blended, 0), 1)
}
