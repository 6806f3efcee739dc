package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/disks"
	"github.com/fairyhunter13/showdisk-qualifier/internal/config"
	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

// Version is the service version reported by /api/version; overridden at
// build time with -ldflags.
var Version = "dev"

// Orchestrator is the slice of the usecase layer the handlers need.
type Orchestrator interface {
	Start(ctx domain.Context, profile, targetPath string, sizeGB float64) (domain.TestRecord, string, error)
	Stop(ctx domain.Context, id string) (domain.TestRecord, error)
	StopAll(ctx domain.Context) (int, error)
	Status(ctx domain.Context, id string) (domain.TestRecord, error)
	Current(ctx domain.Context) (domain.TestRecord, error)
	Background(ctx domain.Context) ([]domain.TestRecord, error)
	History(ctx domain.Context) ([]domain.TestRecord, error)
	CleanupBackground(ctx domain.Context, id string) (domain.CleanupResult, error)
}

// DiskLister enumerates candidate volumes.
type DiskLister interface {
	List(ctx domain.Context) ([]disks.Disk, error)
}

// StatsReader exposes the state store's summary counters.
type StatsReader interface {
	Stats(ctx domain.Context) (domain.StoreStats, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Orch     Orchestrator
	Disks    DiskLister
	Resolver domain.Resolver
	Stats    StatsReader
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, orch Orchestrator, lister DiskLister, resolver domain.Resolver, stats StatsReader) *Server {
	return &Server{Cfg: cfg, Orch: orch, Disks: lister, Resolver: resolver, Stats: stats}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// testDTO is the wire form of a TestRecord.
type testDTO struct {
	TestID            string          `json:"test_id"`
	TestType          string          `json:"test_type"`
	RequestedType     string          `json:"requested_type,omitempty"`
	State             string          `json:"state"`
	DiskPath          string          `json:"disk_path"`
	SizeGB            float64         `json:"size_gb"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Progress          int             `json:"progress"`
	EstimatedDuration int             `json:"estimated_duration"`
	Summary           *domain.Summary `json:"summary,omitempty"`
	Grading           *domain.Grading `json:"grading,omitempty"`
	Error             string          `json:"error,omitempty"`
}

func toDTO(rec domain.TestRecord) testDTO {
	return testDTO{
		TestID:            rec.ID,
		TestType:          string(rec.Profile),
		RequestedType:     rec.RequestedProfile,
		State:             string(rec.State),
		DiskPath:          rec.TargetPath,
		SizeGB:            rec.SizeGB,
		StartedAt:         rec.StartedAt,
		CompletedAt:       rec.CompletedAt,
		Progress:          rec.Progress,
		EstimatedDuration: int(rec.EstimatedDuration.Seconds()),
		Summary:           rec.Summary,
		Grading:           rec.Grading,
		Error:             rec.Error,
	}
}

// DisksHandler lists mounted volumes.
func (s *Server) DisksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := s.Disks.List(r.Context())
		if err != nil {
			LoggerFrom(r).Error("disk enumeration", "error", err)
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]any{
			"disks":     list,
			"count":     len(list),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// StatusHandler reports the worker and environment probe.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		worker := map[string]any{"installed": false}
		if info, err := s.Resolver.Resolve(r.Context()); err == nil {
			worker = map[string]any{
				"installed":     true,
				"path":          info.Path,
				"version":       info.Version,
				"supports_json": info.SupportsJSON,
			}
		} else {
			worker["hint"] = s.Resolver.InstallHint()
		}

		testRunning := false
		if _, err := s.Orch.Current(r.Context()); err == nil {
			testRunning = true
		}

		payload := map[string]any{
			"worker":       worker,
			"test_running": testRunning,
			"environment": map[string]any{
				"platform":    runtime.GOOS,
				"arch":        runtime.GOARCH,
				"scratch_dir": s.Cfg.ScratchDir,
				"data_dir":    s.Cfg.DataDir,
			},
		}
		if stats, err := s.Stats.Stats(r.Context()); err == nil {
			payload["store"] = map[string]any{
				"by_state":   stats.ByState,
				"size_bytes": stats.SizeBytes,
			}
		}
		writeOK(w, payload)
	}
}

// VersionHandler reports the service and worker versions.
func (s *Server) VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workerVersion := ""
		if info, err := s.Resolver.Resolve(r.Context()); err == nil {
			workerVersion = info.Version
		}
		writeOK(w, map[string]any{
			"service_version": Version,
			"worker_version":  workerVersion,
		})
	}
}

// sysCheck is one row of the /api/validate report.
type sysCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// ValidateHandler runs structured system compatibility checks.
func (s *Server) ValidateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var checks []sysCheck

		workerCheck := sysCheck{Name: "worker"}
		if info, err := s.Resolver.Resolve(r.Context()); err == nil {
			workerCheck.OK = true
			workerCheck.Detail = info.Version
		} else {
			workerCheck.Detail = err.Error()
		}
		checks = append(checks, workerCheck)

		checks = append(checks, dirCheck("scratch_dir", s.Cfg.ScratchDir))
		checks = append(checks, dirCheck("data_dir", s.Cfg.DataDir))

		valid := true
		for _, c := range checks {
			valid = valid && c.OK
		}
		writeOK(w, map[string]any{"checks": checks, "valid": valid})
	}
}

func dirCheck(name, dir string) sysCheck {
	c := sysCheck{Name: name}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.Detail = err.Error()
		return c
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	c.OK = true
	c.Detail = dir
	return c
}

// CurrentTestHandler returns the running test, or test_running=false.
func (s *Server) CurrentTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.Orch.Current(r.Context())
		if err != nil {
			writeOK(w, map[string]any{"test_running": false})
			return
		}
		writeOK(w, map[string]any{"test_running": true, "test": toDTO(rec)})
	}
}

// TestStatusHandler returns one test by id.
func (s *Server) TestStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.Orch.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]any{"test": toDTO(rec)})
	}
}

// BackgroundTestsHandler returns the disconnected and unknown records left
// behind by a previous instance.
func (s *Server) BackgroundTestsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := s.Orch.Background(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		tests := make([]testDTO, 0, len(recs))
		for _, rec := range recs {
			tests = append(tests, toDTO(rec))
		}
		writeOK(w, map[string]any{"tests": tests, "count": len(tests)})
	}
}

// HistoryHandler returns recent terminal tests, newest first.
func (s *Server) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hist, err := s.Orch.History(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		tests := make([]testDTO, 0, len(hist))
		for _, rec := range hist {
			tests = append(tests, toDTO(rec))
		}
		writeOK(w, map[string]any{"tests": tests, "count": len(tests)})
	}
}

// CleanupBackgroundHandler removes one record by id, or every background
// record when the id is "all", reporting what was removed and killed.
func (s *Server) CleanupBackgroundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Orch.CleanupBackground(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]any{"removed": res.Removed, "killed": res.Killed})
	}
}

type startRequest struct {
	TestType string  `json:"test_type" validate:"required"`
	DiskPath string  `json:"disk_path" validate:"required"`
	SizeGB   float64 `json:"size_gb" validate:"gte=0"`
}

// StartTestHandler admits and launches a new benchmark test.
func (s *Server) StartTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
			return
		}

		rec, warning, err := s.Orch.Start(r.Context(), req.TestType, req.DiskPath, req.SizeGB)
		if err != nil {
			writeError(w, r, err)
			return
		}
		payload := map[string]any{
			"test_id":            rec.ID,
			"test_type":          string(rec.Profile),
			"estimated_duration": int(rec.EstimatedDuration.Seconds()),
		}
		if warning != "" {
			payload["warning"] = warning
		}
		writeOK(w, payload)
	}
}

// StopTestHandler stops one test.
func (s *Server) StopTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.Orch.Stop(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]any{"test": toDTO(rec)})
	}
}

// StopAllHandler stops every non-terminal test.
func (s *Server) StopAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Orch.StopAll(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]any{"stopped": n})
	}
}

type setupRequest struct {
	Action string `json:"action" validate:"required,oneof=install_worker"`
}

// SetupHandler re-resolves the worker and reports the install hint when it
// is still missing. It never mutates the system.
func (s *Server) SetupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
			return
		}
		info, err := s.Resolver.Resolve(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]any{
			"worker": map[string]any{
				"installed":     true,
				"path":          info.Path,
				"version":       info.Version,
				"supports_json": info.SupportsJSON,
			},
		})
	}
}
