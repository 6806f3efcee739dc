package usecase

import (
	"fmt"

	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

// thresholds define the pass/fail envelope for one profile. Bandwidths are
// MiB/s, latency milliseconds. Zero excellent/recommended values mean the
// tier is not defined for the profile.
type thresholds struct {
	MinBW        float64
	RecommendBW  float64
	ExcellentBW  float64
	MaxLatMs     float64
	MinReadIOPS  float64
	MinStability float64
}

var profileThresholds = map[domain.ProfileID]thresholds{
	domain.ProfileQuickMaxMix:     {MinBW: 300, RecommendBW: 500, ExcellentBW: 600, MaxLatMs: 2.0, MinReadIOPS: 20000},
	domain.ProfileProRes422Real:   {MinBW: 350, RecommendBW: 500, ExcellentBW: 600, MaxLatMs: 3.0},
	domain.ProfileProRes422HQReal: {MinBW: 700, RecommendBW: 1000, ExcellentBW: 1200, MaxLatMs: 3.0},
	domain.ProfileThermalMaximum:  {MinBW: 400, MaxLatMs: 3.0, MinStability: 0.70},
}

// Grade classifies a Summary against the profile's show thresholds. It is a
// pure function: identical inputs always produce the same verdict and the
// same reasons in the same order.
func Grade(profile domain.ProfileID, s domain.Summary) domain.Grading {
	th := profileThresholds[profile]
	bwMiB := s.ReadBWKiB / 1024

	g := domain.Grading{
		Profile:        profile,
		ReadBWMiB:      bwMiB,
		ReadLatMs:      s.ReadLatMs,
		ReadIOPS:       s.ReadIOPS,
		StabilityRatio: s.StabilityRatio,
		Reasons:        []string{},
	}

	if bwMiB < th.MinBW {
		g.Reasons = append(g.Reasons, fmt.Sprintf("read_bw_mb %.1f < min %.0f", bwMiB, th.MinBW))
	}
	if th.MaxLatMs > 0 && s.ReadLatMs > th.MaxLatMs {
		g.Reasons = append(g.Reasons, fmt.Sprintf("latency %.2fms > %.1fms", s.ReadLatMs, th.MaxLatMs))
	}
	if th.MinReadIOPS > 0 && s.ReadIOPS < th.MinReadIOPS {
		g.Reasons = append(g.Reasons, fmt.Sprintf("read_iops %.0f < min %.0f", s.ReadIOPS, th.MinReadIOPS))
	}
	if th.MinStability > 0 {
		if s.StabilityRatio == nil {
			g.Reasons = append(g.Reasons, fmt.Sprintf("stability_ratio unavailable, min %.2f required", th.MinStability))
		} else if *s.StabilityRatio < th.MinStability {
			g.Reasons = append(g.Reasons, fmt.Sprintf("stability_ratio %.2f < min %.2f", *s.StabilityRatio, th.MinStability))
		}
	}

	switch {
	case len(g.Reasons) > 0:
		g.Verdict = domain.VerdictFail
	case th.ExcellentBW > 0 && bwMiB >= th.ExcellentBW && s.ReadLatMs <= th.MaxLatMs:
		g.Verdict = domain.VerdictExcellent
	default:
		g.Verdict = domain.VerdictPass
	}
	return g
}
