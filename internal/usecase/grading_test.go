package usecase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
	"github.com/fairyhunter13/showdisk-qualifier/internal/usecase"
)

func ratio(v float64) *float64 { return &v }

func TestGrade_QuickExcellent(t *testing.T) {
	t.Parallel()
	s := domain.Summary{ReadBWKiB: 614400, ReadLatMs: 1.5, ReadIOPS: 30000}
	g := usecase.Grade(domain.ProfileQuickMaxMix, s)
	assert.Equal(t, domain.VerdictExcellent, g.Verdict)
	assert.Empty(t, g.Reasons)
	assert.InDelta(t, 600, g.ReadBWMiB, 0.001)
}

func TestGrade_ThroughputFloorFail(t *testing.T) {
	t.Parallel()
	s := domain.Summary{ReadBWKiB: 102400, ReadLatMs: 1.0, ReadIOPS: 30000}
	g := usecase.Grade(domain.ProfileQuickMaxMix, s)
	assert.Equal(t, domain.VerdictFail, g.Verdict)
	assert.Contains(t, g.Reasons, "read_bw_mb 100.0 < min 300")
}

func TestGrade_LatencyFail(t *testing.T) {
	t.Parallel()
	s := domain.Summary{ReadBWKiB: 716800, ReadLatMs: 5.0}
	g := usecase.Grade(domain.ProfileProRes422Real, s)
	assert.Equal(t, domain.VerdictFail, g.Verdict)
	assert.Contains(t, g.Reasons, "latency 5.00ms > 3.0ms")
}

func TestGrade_StabilityFail(t *testing.T) {
	t.Parallel()
	s := domain.Summary{ReadBWKiB: 512000, ReadLatMs: 1.0, StabilityRatio: ratio(0.60)}
	g := usecase.Grade(domain.ProfileThermalMaximum, s)
	assert.Equal(t, domain.VerdictFail, g.Verdict)
	assert.Contains(t, g.Reasons, "stability_ratio 0.60 < min 0.70")
}

func TestGrade_ThermalPassWithStability(t *testing.T) {
	t.Parallel()
	s := domain.Summary{ReadBWKiB: 512000, ReadLatMs: 1.0, StabilityRatio: ratio(0.85)}
	g := usecase.Grade(domain.ProfileThermalMaximum, s)
	assert.Equal(t, domain.VerdictPass, g.Verdict)
	assert.Empty(t, g.Reasons)
}

func TestGrade_IOPSFloorOnlyForQuick(t *testing.T) {
	t.Parallel()
	s := domain.Summary{ReadBWKiB: 614400, ReadLatMs: 1.0, ReadIOPS: 100}
	g := usecase.Grade(domain.ProfileQuickMaxMix, s)
	assert.Equal(t, domain.VerdictFail, g.Verdict)
	require.Len(t, g.Reasons, 1)
	assert.Contains(t, g.Reasons[0], "read_iops")

	// ProRes profiles carry no IOPS floor.
	g = usecase.Grade(domain.ProfileProRes422Real, s)
	assert.Equal(t, domain.VerdictExcellent, g.Verdict)
}

func TestGrade_PassBetweenMinAndExcellent(t *testing.T) {
	t.Parallel()
	s := domain.Summary{ReadBWKiB: 409600, ReadLatMs: 1.5, ReadIOPS: 25000}
	g := usecase.Grade(domain.ProfileQuickMaxMix, s)
	assert.Equal(t, domain.VerdictPass, g.Verdict)
}

// Grading is a pure function of (Summary, ProfileID).
func TestGrade_Deterministic(t *testing.T) {
	t.Parallel()
	s := domain.Summary{ReadBWKiB: 102400, ReadLatMs: 5.0, ReadIOPS: 10, StabilityRatio: ratio(0.1)}
	first := usecase.Grade(domain.ProfileQuickMaxMix, s)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, usecase.Grade(domain.ProfileQuickMaxMix, s))
	}
}
