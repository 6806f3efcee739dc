// Package disks enumerates mounted volumes and marks which ones are
// reasonable benchmark targets.
package disks

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

// Disk is the enumeration result for one mounted volume.
type Disk struct {
	Name       string `json:"name"`
	Device     string `json:"device"`
	MountPoint string `json:"mount_point"`
	Size       uint64 `json:"size"`
	FreeSpace  uint64 `json:"free_space"`
	Type       string `json:"type"`
	Suitable   bool   `json:"suitable_for_testing"`
}

// systemMounts are never suitable benchmark targets.
var systemMounts = []string{"/", "/System", "/usr", "/bin", "/sbin", "/boot", "/private"}

// virtualFilesystems carry no real storage behind them.
var virtualFilesystems = []string{
	"devfs", "devtmpfs", "tmpfs", "proc", "sysfs", "autofs",
	"overlay", "squashfs", "cgroup", "cgroup2", "fusectl", "securityfs",
}

// PartitionsFunc and UsageFunc mirror the gopsutil signatures so tests can
// inject fixtures.
type (
	PartitionsFunc func(ctx domain.Context, all bool) ([]disk.PartitionStat, error)
	UsageFunc      func(ctx domain.Context, path string) (*disk.UsageStat, error)
)

// Lister enumerates candidate volumes.
type Lister struct {
	partitions PartitionsFunc
	usage      UsageFunc
}

// New constructs a Lister backed by the live system.
func New() *Lister {
	return &Lister{
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
	}
}

// NewWithProbes constructs a Lister with injected probes (tests).
func NewWithProbes(partitions PartitionsFunc, usage UsageFunc) *Lister {
	return &Lister{partitions: partitions, usage: usage}
}

// List returns every physical mounted volume with its capacity and a
// suitability flag. Volumes whose usage probe fails are skipped.
func (l *Lister) List(ctx domain.Context) ([]Disk, error) {
	parts, err := l.partitions(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("op=disks.List: %w", err)
	}
	disks := make([]Disk, 0, len(parts))
	for _, p := range parts {
		if slices.Contains(virtualFilesystems, strings.ToLower(p.Fstype)) {
			continue
		}
		u, err := l.usage(ctx, p.Mountpoint)
		if err != nil || u.Total == 0 {
			continue
		}
		disks = append(disks, Disk{
			Name:       mountName(p.Mountpoint),
			Device:     p.Device,
			MountPoint: p.Mountpoint,
			Size:       u.Total,
			FreeSpace:  u.Free,
			Type:       p.Fstype,
			Suitable:   suitable(p),
		})
	}
	return disks, nil
}

func mountName(mountpoint string) string {
	if mountpoint == "/" {
		return "/"
	}
	return filepath.Base(mountpoint)
}

func suitable(p disk.PartitionStat) bool {
	for _, m := range systemMounts {
		if p.Mountpoint == m {
			return false
		}
	}
	return !slices.Contains(p.Opts, "ro")
}
