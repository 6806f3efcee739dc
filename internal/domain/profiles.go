package domain

import "time"

// ProfileID is a closed enumeration of the named workload profiles.
type ProfileID string

const (
	ProfileQuickMaxMix     ProfileID = "quick_max_mix"
	ProfileProRes422Real   ProfileID = "prores_422_real"
	ProfileProRes422HQReal ProfileID = "prores_422_hq_real"
	ProfileThermalMaximum  ProfileID = "thermal_maximum"
)

// profileAliases maps legacy profile names to their canonical ids. Aliases
// are accepted only at admission; the canonical id is always the one stored.
var profileAliases = map[string]ProfileID{
	"quick_max_speed":      ProfileQuickMaxMix,
	"qlab_prores_422_show": ProfileProRes422Real,
	"qlab_prores_hq_show":  ProfileProRes422HQReal,
	"max_sustained":        ProfileThermalMaximum,
}

// profileEstimates holds the per-profile wall-clock estimates.
var profileEstimates = map[ProfileID]time.Duration{
	ProfileQuickMaxMix:     60 * time.Second,
	ProfileProRes422Real:   9300 * time.Second,
	ProfileProRes422HQReal: 9300 * time.Second,
	ProfileThermalMaximum:  5400 * time.Second,
}

// CanonicalProfile resolves a profile name, following the legacy alias table.
// The resolution is idempotent: canonical ids resolve to themselves.
func CanonicalProfile(name string) (ProfileID, bool) {
	p := ProfileID(name)
	if _, ok := profileEstimates[p]; ok {
		return p, true
	}
	if canonical, ok := profileAliases[name]; ok {
		return canonical, true
	}
	return "", false
}

// EstimatedDuration returns the profile's wall-clock estimate, zero for
// unknown profiles.
func (p ProfileID) EstimatedDuration() time.Duration {
	return profileEstimates[p]
}

// ProfileIDs lists the canonical profiles in display order.
func ProfileIDs() []ProfileID {
	return []ProfileID{
		ProfileQuickMaxMix,
		ProfileProRes422Real,
		ProfileProRes422HQReal,
		ProfileThermalMaximum,
	}
}
