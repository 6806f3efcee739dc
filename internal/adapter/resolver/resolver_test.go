package resolver_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/resolver"
	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

// writeFakeWorker drops an executable fio stand-in into dir.
func writeFakeWorker(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "fio")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

const goodWorker = `case "$1" in
--version) echo "fio-3.36" ;;
--help) echo "usage: fio ... --output-format=json ..." ;;
esac`

func TestResolve_FirstQualifyingCandidateWins(t *testing.T) {
	t.Parallel()
	first := t.TempDir()
	second := t.TempDir()
	writeFakeWorker(t, first, goodWorker)
	writeFakeWorker(t, second, `echo "should never be probed"; exit 1`)

	r := resolver.New("", time.Second)
	r.CandidateDirs = []string{first, second}
	info, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(first, "fio"), info.Path)
	assert.Equal(t, "fio-3.36", info.Version)
	assert.True(t, info.SupportsJSON)
}

func TestResolve_SkipsMissingCandidates(t *testing.T) {
	t.Parallel()
	empty := t.TempDir()
	good := t.TempDir()
	writeFakeWorker(t, good, goodWorker)

	r := resolver.New("", time.Second)
	r.CandidateDirs = []string{empty, good}
	info, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(good, "fio"), info.Path)
}

func TestResolve_MissingWhenNoCandidates(t *testing.T) {
	r := resolver.New("", time.Second)
	r.CandidateDirs = []string{t.TempDir()}
	// Hide any system fio from the $PATH fallback.
	t.Setenv("PATH", t.TempDir())

	_, err := r.Resolve(context.Background())
	require.ErrorIs(t, err, domain.ErrWorkerMissing)
	assert.Contains(t, err.Error(), "install fio")
}

func TestResolve_UnusableWhenProbeFails(t *testing.T) {
	dir := t.TempDir()
	// Exists and executes but never advertises JSON output.
	writeFakeWorker(t, dir, `case "$1" in
--version) echo "fio-2.1" ;;
--help) echo "usage: fio [options]" ;;
esac`)

	r := resolver.New("", time.Second)
	r.CandidateDirs = []string{dir}
	t.Setenv("PATH", t.TempDir())

	_, err := r.Resolve(context.Background())
	require.ErrorIs(t, err, domain.ErrWorkerUnusable)
}

func TestResolve_PinnedBypassesSearch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pinned := writeFakeWorker(t, dir, goodWorker)

	r := resolver.New(pinned, time.Second)
	r.CandidateDirs = []string{t.TempDir()}
	info, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pinned, info.Path)
}

func TestResolve_HungProbeTimesOut(t *testing.T) {
	dir := t.TempDir()
	writeFakeWorker(t, dir, "sleep 30")

	r := resolver.New("", 100*time.Millisecond)
	r.CandidateDirs = []string{dir}
	t.Setenv("PATH", t.TempDir())

	start := time.Now()
	_, err := r.Resolve(context.Background())
	require.ErrorIs(t, err, domain.ErrWorkerUnusable)
	assert.Less(t, time.Since(start), 10*time.Second)
}
