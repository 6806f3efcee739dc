// Package resolver locates an acceptable benchmark worker (fio) binary and
// reports its capability.
package resolver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

// workerBinary is the external benchmark engine this service drives.
const workerBinary = "fio"

// defaultCandidateDirs is the ordered search list: vendored-with-app first,
// then package-manager prefixes. $PATH lookup runs after these.
func defaultCandidateDirs() []string {
	dirs := []string{}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	return append(dirs,
		"/opt/homebrew/bin",
		"/usr/local/bin",
		"/opt/local/bin",
		"/usr/bin",
	)
}

// FioResolver probes candidate binaries with a version check and a JSON
// capability check. The first qualifying candidate wins.
type FioResolver struct {
	// Pinned, when set, bypasses the search entirely.
	Pinned string
	// CandidateDirs overrides the default search list (tests).
	CandidateDirs []string
	ProbeTimeout  time.Duration
}

// New constructs a resolver. pinned may be empty; probeTimeout zero selects
// the 5 s default.
func New(pinned string, probeTimeout time.Duration) *FioResolver {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &FioResolver{Pinned: pinned, ProbeTimeout: probeTimeout}
}

// Resolve returns the first candidate that exists, is executable, answers a
// version probe in time, and advertises JSON output in its help text.
func (r *FioResolver) Resolve(ctx domain.Context) (domain.WorkerInfo, error) {
	var probed bool
	for _, path := range r.candidates() {
		if !executable(path) {
			continue
		}
		info, err := r.probe(ctx, path)
		if err != nil {
			probed = true
			continue
		}
		return info, nil
	}
	if probed {
		return domain.WorkerInfo{}, fmt.Errorf("%w: a candidate exists but failed the capability probe; %s",
			domain.ErrWorkerUnusable, r.InstallHint())
	}
	return domain.WorkerInfo{}, fmt.Errorf("%w: %s", domain.ErrWorkerMissing, r.InstallHint())
}

func (r *FioResolver) candidates() []string {
	if r.Pinned != "" {
		return []string{r.Pinned}
	}
	dirs := r.CandidateDirs
	if dirs == nil {
		dirs = defaultCandidateDirs()
	}
	paths := make([]string, 0, len(dirs)+1)
	for _, d := range dirs {
		paths = append(paths, filepath.Join(d, workerBinary))
	}
	if fromPath, err := exec.LookPath(workerBinary); err == nil {
		paths = append(paths, fromPath)
	}
	return paths
}

// probe runs the version and help checks, retrying transient exec failures
// briefly.
func (r *FioResolver) probe(ctx domain.Context, path string) (domain.WorkerInfo, error) {
	var info domain.WorkerInfo
	op := func() error {
		version, err := r.run(ctx, path, "--version")
		if err != nil {
			return err
		}
		help, err := r.run(ctx, path, "--help")
		if err != nil {
			return err
		}
		if !strings.Contains(help, "--output-format") {
			return backoff.Permanent(fmt.Errorf("no JSON output capability advertised"))
		}
		info = domain.WorkerInfo{
			Path:         path,
			Version:      strings.TrimSpace(version),
			SupportsJSON: true,
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return domain.WorkerInfo{}, fmt.Errorf("op=resolver.probe path=%s: %w", path, err)
	}
	return info, nil
}

func (r *FioResolver) run(ctx context.Context, path string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.ProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("probe %s %s: %w", path, strings.Join(args, " "), err)
	}
	return string(out), nil
}

func executable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode().Perm()&0o111 != 0
}

// InstallHint names the package-manager command for the current system.
func (r *FioResolver) InstallHint() string {
	switch {
	case commandExists("brew"):
		return "install fio with: brew install fio"
	case commandExists("apt-get"):
		return "install fio with: sudo apt-get install fio"
	case commandExists("dnf"):
		return "install fio with: sudo dnf install fio"
	default:
		return "install fio from https://github.com/axboe/fio and ensure it is on PATH"
	}
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
