// Package planner translates a named workload profile plus device context
// into a concrete fio job plan.
package planner

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

// UsageFunc reports the free bytes on the filesystem containing path.
type UsageFunc func(path string) (uint64, error)

// systemMounts are rejected as test targets outright.
var systemMounts = []string{"/", "/System", "/usr", "/bin", "/sbin"}

// sizeFloorGB is the per-profile minimum working-set size.
var sizeFloorGB = map[domain.ProfileID]float64{
	domain.ProfileQuickMaxMix:     0.1,
	domain.ProfileProRes422Real:   50,
	domain.ProfileProRes422HQReal: 50,
	domain.ProfileThermalMaximum:  100,
}

// FioPlanner builds workload plans from fixed per-profile templates. Profiles
// are not user-configurable; adding one is a code change.
type FioPlanner struct {
	scratchDir string
	usage      UsageFunc
}

// New constructs a planner. usage may be nil, in which case gopsutil's disk
// usage probe is used.
func New(scratchDir string, usage UsageFunc) *FioPlanner {
	if usage == nil {
		usage = func(path string) (uint64, error) {
			st, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return st.Free, nil
		}
	}
	return &FioPlanner{scratchDir: scratchDir, usage: usage}
}

// Plan substitutes the target file path and clamped size into the profile's
// template. The clamp keeps the working set at or below 25% of the device's
// free space; dropping below the profile floor is an insufficient-space error.
func (p *FioPlanner) Plan(_ domain.Context, profile domain.ProfileID, targetPath string, sizeGB float64) (domain.WorkloadPlan, error) {
	floor, ok := sizeFloorGB[profile]
	if !ok {
		return domain.WorkloadPlan{}, fmt.Errorf("%w: unknown profile %q", domain.ErrInvalidRequest, profile)
	}
	if sizeGB <= 0 {
		return domain.WorkloadPlan{}, fmt.Errorf("%w: size must be positive, got %.1f GB", domain.ErrInvalidRequest, sizeGB)
	}

	filePath, usagePath, err := p.targetFile(targetPath, sizeGB)
	if err != nil {
		return domain.WorkloadPlan{}, err
	}

	size := sizeGB
	if size < floor {
		size = floor
	}

	var warning string
	free, err := p.usage(usagePath)
	if err != nil {
		return domain.WorkloadPlan{}, fmt.Errorf("op=planner.usage path=%s: %w", usagePath, err)
	}
	maxGB := float64(free) / (1024 * 1024 * 1024) * 0.25
	if size > maxGB {
		if maxGB < floor {
			return domain.WorkloadPlan{}, fmt.Errorf("%w: profile %s needs at least %.1f GB, 25%% of free space is %.1f GB",
				domain.ErrInsufficientSpace, profile, floor, maxGB)
		}
		warning = fmt.Sprintf("requested size %.1f GB clamped to %.1f GB (25%% of free space)", size, maxGB)
		size = maxGB
	}

	plan := domain.WorkloadPlan{Profile: profile, Warning: warning}
	switch profile {
	case domain.ProfileQuickMaxMix:
		plan.Stanzas = quickMaxMix(filePath, size)
	case domain.ProfileProRes422Real:
		plan.Stanzas = proresShow(filePath, size, 1)
	case domain.ProfileProRes422HQReal:
		plan.Stanzas = proresShow(filePath, size, 2)
	case domain.ProfileThermalMaximum:
		plan.Stanzas = thermalMaximum(filePath, size)
	}
	return plan, nil
}

// targetFile applies the target-file policy: mounted volumes host the file
// directly, raw devices (deprecated inputs) redirect to the scratch
// directory, and system-critical mounts are rejected. It returns the file
// path and the directory whose free space governs the clamp.
func (p *FioPlanner) targetFile(targetPath string, sizeGB float64) (string, string, error) {
	clean := filepath.Clean(targetPath)
	for _, m := range systemMounts {
		if clean == m {
			return "", "", fmt.Errorf("%w: refusing to test system mount %q", domain.ErrInvalidRequest, targetPath)
		}
	}
	name := fmt.Sprintf("qlab_test_file_%sG", trimFloat(sizeGB))
	if strings.HasPrefix(clean, "/dev/") {
		return filepath.Join(p.scratchDir, name), p.scratchDir, nil
	}
	return filepath.Join(clean, name), clean, nil
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func quickMaxMix(file string, sizeGB float64) []domain.Stanza {
	return []domain.Stanza{{
		Name:              "quick_max_read",
		RW:                "read",
		BlockSize:         "4M",
		IODepth:           32,
		NumJobs:           1,
		Runtime:           60 * time.Second,
		FilePath:          file,
		SizeGB:            sizeGB,
		EstimatedDuration: 60 * time.Second,
	}}
}

// proresShow models a realistic show: warmup, sustained playback, a peak
// finale, and a cue-response phase of random small-block reads. rateScale 2
// is the HQ variant with double bitrates and a larger block size.
func proresShow(file string, sizeGB float64, rateScale int) []domain.Stanza {
	bs := "4M"
	if rateScale > 1 {
		bs = "8M"
	}
	mk := func(name, rw string, mix, depth, jobs, rate int, poisson bool, runtime, delay time.Duration) domain.Stanza {
		return domain.Stanza{
			Name:              name,
			RW:                rw,
			BlockSize:         bs,
			IODepth:           depth,
			NumJobs:           jobs,
			RateMiB:           rate,
			Poisson:           poisson,
			ReadMixPercent:    mix,
			Runtime:           runtime,
			StartDelay:        delay,
			FilePath:          file,
			SizeGB:            sizeGB,
			EstimatedDuration: runtime,
		}
	}
	return []domain.Stanza{
		mk("show_warmup", "rw", 70, 8, 2, 450*rateScale, false, 30*time.Minute, 0),
		mk("show_sustained", "rw", 80, 16, 4, 800*rateScale, true, 90*time.Minute, 30*time.Minute),
		mk("show_finale_peak", "read", 0, 32, 4, 2048*rateScale, false, 30*time.Minute, 120*time.Minute),
		{
			Name:              "cue_response",
			RW:                "randread",
			BlockSize:         "64k",
			IODepth:           16,
			NumJobs:           2,
			Runtime:           5 * time.Minute,
			StartDelay:        150 * time.Minute,
			FilePath:          file,
			SizeGB:            sizeGB,
			EstimatedDuration: 5 * time.Minute,
		},
	}
}

// thermalMaximum graduates sustained reads through rising rate caps, then
// runs an unconstrained validation phase.
func thermalMaximum(file string, sizeGB float64) []domain.Stanza {
	rates := []int{500, 750, 1000, 1250, 1500, 1750, 2000, 2500, 3000, 3500, 4000, 5000}
	const step = 6 * time.Minute
	stanzas := make([]domain.Stanza, 0, len(rates)+1)
	for i, rate := range rates {
		stanzas = append(stanzas, domain.Stanza{
			Name:              fmt.Sprintf("thermal_step_%d", rate),
			RW:                "read",
			BlockSize:         "1M",
			IODepth:           32,
			NumJobs:           1,
			RateMiB:           rate,
			Runtime:           step,
			StartDelay:        time.Duration(i) * step,
			FilePath:          file,
			SizeGB:            sizeGB,
			EstimatedDuration: step,
		})
	}
	stanzas = append(stanzas, domain.Stanza{
		Name:              "thermal_validation",
		RW:                "read",
		BlockSize:         "1M",
		IODepth:           32,
		NumJobs:           1,
		Runtime:           18 * time.Minute,
		StartDelay:        time.Duration(len(rates)) * step,
		FilePath:          file,
		SizeGB:            sizeGB,
		EstimatedDuration: 18 * time.Minute,
	})
	return stanzas
}

// Render serialises the plan as a fio job file. Each stanza becomes one job
// section; start delays layer the sections into phases within a single
// invocation.
func (p *FioPlanner) Render(plan domain.WorkloadPlan) []byte {
	var b strings.Builder
	b.WriteString("[global]\n")
	b.WriteString("time_based=1\n")
	b.WriteString("direct=1\n")
	b.WriteString("randrepeat=0\n\n")
	for _, s := range plan.Stanzas {
		fmt.Fprintf(&b, "[%s]\n", s.Name)
		fmt.Fprintf(&b, "rw=%s\n", s.RW)
		if s.ReadMixPercent > 0 {
			fmt.Fprintf(&b, "rwmixread=%d\n", s.ReadMixPercent)
		}
		fmt.Fprintf(&b, "bs=%s\n", s.BlockSize)
		fmt.Fprintf(&b, "iodepth=%d\n", s.IODepth)
		fmt.Fprintf(&b, "numjobs=%d\n", s.NumJobs)
		if s.RateMiB > 0 {
			fmt.Fprintf(&b, "rate=%dm\n", s.RateMiB)
		}
		if s.Poisson {
			b.WriteString("rate_process=poisson\n")
		}
		fmt.Fprintf(&b, "runtime=%d\n", int(s.Runtime.Seconds()))
		if s.StartDelay > 0 {
			fmt.Fprintf(&b, "startdelay=%d\n", int(s.StartDelay.Seconds()))
		}
		fmt.Fprintf(&b, "filename=%s\n", s.FilePath)
		fmt.Fprintf(&b, "size=%dM\n", int(s.SizeGB*1024))
		b.WriteString("\n")
	}
	return []byte(b.String())
}
