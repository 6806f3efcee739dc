package planner_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/planner"
	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

const gib = uint64(1024 * 1024 * 1024)

// plentyFree reports 4 TiB free regardless of path.
func plentyFree(string) (uint64, error) { return 4096 * gib, nil }

func TestPlan_QuickMaxMix(t *testing.T) {
	t.Parallel()
	p := planner.New("/tmp/scratch", plentyFree)
	plan, err := p.Plan(context.Background(), domain.ProfileQuickMaxMix, "/Volumes/Scratch", 1)
	require.NoError(t, err)
	require.Len(t, plan.Stanzas, 1)
	s := plan.Stanzas[0]
	assert.Equal(t, "read", s.RW)
	assert.Equal(t, "4M", s.BlockSize)
	assert.Equal(t, 32, s.IODepth)
	assert.Equal(t, 60*time.Second, s.Runtime)
	assert.Zero(t, s.RateMiB)
	assert.Equal(t, "/Volumes/Scratch/qlab_test_file_1G", s.FilePath)
	assert.Equal(t, 60*time.Second, plan.TotalDuration())
	assert.Empty(t, plan.Warning)
}

func TestPlan_ProResShowPhases(t *testing.T) {
	t.Parallel()
	p := planner.New("/tmp/scratch", plentyFree)
	plan, err := p.Plan(context.Background(), domain.ProfileProRes422Real, "/Volumes/Show", 100)
	require.NoError(t, err)
	require.Len(t, plan.Stanzas, 4)
	assert.Equal(t, 9300*time.Second, plan.TotalDuration())

	sustained := plan.Stanzas[1]
	assert.Equal(t, 800, sustained.RateMiB)
	assert.True(t, sustained.Poisson)
	assert.Equal(t, 30*time.Minute, sustained.StartDelay)

	cue := plan.Stanzas[3]
	assert.Equal(t, "randread", cue.RW)
	assert.Equal(t, "64k", cue.BlockSize)
	assert.Equal(t, 150*time.Minute, cue.StartDelay)
}

func TestPlan_HQVariantDoublesRates(t *testing.T) {
	t.Parallel()
	p := planner.New("/tmp/scratch", plentyFree)
	plan, err := p.Plan(context.Background(), domain.ProfileProRes422HQReal, "/Volumes/Show", 100)
	require.NoError(t, err)
	assert.Equal(t, 900, plan.Stanzas[0].RateMiB)
	assert.Equal(t, 1600, plan.Stanzas[1].RateMiB)
	assert.Equal(t, 4096, plan.Stanzas[2].RateMiB)
	assert.Equal(t, "8M", plan.Stanzas[0].BlockSize)
	assert.Equal(t, 9300*time.Second, plan.TotalDuration())
}

func TestPlan_ThermalMaximumSteps(t *testing.T) {
	t.Parallel()
	p := planner.New("/tmp/scratch", plentyFree)
	plan, err := p.Plan(context.Background(), domain.ProfileThermalMaximum, "/Volumes/Show", 200)
	require.NoError(t, err)
	require.Len(t, plan.Stanzas, 13)
	assert.Equal(t, 500, plan.Stanzas[0].RateMiB)
	assert.Equal(t, 5000, plan.Stanzas[11].RateMiB)
	// Validation phase is unconstrained.
	assert.Zero(t, plan.Stanzas[12].RateMiB)
	assert.Equal(t, 5400*time.Second, plan.TotalDuration())
}

func TestPlan_UnknownProfileRejected(t *testing.T) {
	t.Parallel()
	p := planner.New("/tmp/scratch", plentyFree)
	_, err := p.Plan(context.Background(), domain.ProfileID("bogus"), "/Volumes/Show", 1)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestPlan_SystemMountRejected(t *testing.T) {
	t.Parallel()
	p := planner.New("/tmp/scratch", plentyFree)
	for _, mount := range []string{"/", "/System", "/usr", "/bin", "/sbin"} {
		_, err := p.Plan(context.Background(), domain.ProfileQuickMaxMix, mount, 1)
		require.ErrorIs(t, err, domain.ErrInvalidRequest, "mount %s", mount)
	}
}

func TestPlan_RawDeviceUsesScratchDir(t *testing.T) {
	t.Parallel()
	p := planner.New("/tmp/scratch", plentyFree)
	plan, err := p.Plan(context.Background(), domain.ProfileQuickMaxMix, "/dev/disk4", 1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plan.Stanzas[0].FilePath, "/tmp/scratch/"))
}

func TestPlan_SizeClampedToQuarterOfFreeSpace(t *testing.T) {
	t.Parallel()
	// 40 GiB free -> 10 GiB cap.
	p := planner.New("/tmp/scratch", func(string) (uint64, error) { return 40 * gib, nil })
	plan, err := p.Plan(context.Background(), domain.ProfileQuickMaxMix, "/Volumes/Small", 20)
	require.NoError(t, err)
	assert.InDelta(t, 10, plan.Stanzas[0].SizeGB, 0.01)
	assert.Contains(t, plan.Warning, "clamped")
}

func TestPlan_FloorRaisesRequestedSize(t *testing.T) {
	t.Parallel()
	p := planner.New("/tmp/scratch", plentyFree)
	plan, err := p.Plan(context.Background(), domain.ProfileThermalMaximum, "/Volumes/Big", 1)
	require.NoError(t, err)
	assert.InDelta(t, 100, plan.Stanzas[0].SizeGB, 0.01)
}

func TestPlan_InsufficientSpaceBelowFloor(t *testing.T) {
	t.Parallel()
	// 40 GiB free -> 10 GiB cap, below the 50 GiB show floor.
	p := planner.New("/tmp/scratch", func(string) (uint64, error) { return 40 * gib, nil })
	_, err := p.Plan(context.Background(), domain.ProfileProRes422Real, "/Volumes/Small", 50)
	require.ErrorIs(t, err, domain.ErrInsufficientSpace)
}

func TestPlan_NonPositiveSizeRejected(t *testing.T) {
	t.Parallel()
	p := planner.New("/tmp/scratch", plentyFree)
	_, err := p.Plan(context.Background(), domain.ProfileQuickMaxMix, "/Volumes/Show", 0)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestRender_JobFileShape(t *testing.T) {
	t.Parallel()
	p := planner.New("/tmp/scratch", plentyFree)
	plan, err := p.Plan(context.Background(), domain.ProfileProRes422Real, "/Volumes/Show", 100)
	require.NoError(t, err)
	out := string(p.Render(plan))
	assert.Contains(t, out, "[global]")
	assert.Contains(t, out, "[show_sustained]")
	assert.Contains(t, out, "rate=800m")
	assert.Contains(t, out, "rate_process=poisson")
	assert.Contains(t, out, "startdelay=1800")
	assert.Contains(t, out, "rwmixread=80")
	assert.Contains(t, out, "filename=/Volumes/Show/qlab_test_file_100G")
	assert.Contains(t, out, "size=102400M")
}
