package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
	"github.com/fairyhunter13/showdisk-qualifier/pkg/fiojson"
)

// stderrTailLines is how many trailing worker stderr lines are kept for
// failure records.
const stderrTailLines = 20

// MetricsSink receives orchestrator domain events. A nil sink is valid.
type MetricsSink interface {
	TestStarted(profile string)
	TestFinished(profile, state string, runtime time.Duration)
}

// Options tunes the orchestrator; zero values select defaults.
type Options struct {
	ScratchDir        string
	SupervisionBuffer time.Duration
	HistoryLimit      int
	Metrics           MetricsSink
}

// Orchestrator coordinates one benchmark test at a time: admission, launch,
// supervision, ingestion, grading, and durable state transitions.
type Orchestrator struct {
	store    domain.StateStore
	sup      domain.Supervisor
	resolver domain.Resolver
	planner  domain.Planner
	metrics  MetricsSink

	scratchDir   string
	buffer       time.Duration
	historyLimit int

	mu     sync.Mutex
	active *activeTest
}

// activeTest is the in-memory side of the single running slot.
type activeTest struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator wires the orchestrator's collaborators.
func NewOrchestrator(store domain.StateStore, sup domain.Supervisor, res domain.Resolver, planner domain.Planner, opts Options) *Orchestrator {
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if opts.SupervisionBuffer <= 0 {
		opts.SupervisionBuffer = 120 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Orchestrator{
		store:        store,
		sup:          sup,
		resolver:     res,
		planner:      planner,
		metrics:      opts.Metrics,
		scratchDir:   opts.ScratchDir,
		buffer:       opts.SupervisionBuffer,
		historyLimit: opts.HistoryLimit,
	}
}

// Recover reconciles state left behind by a previous service instance. Rows
// whose worker is still alive become disconnected; rows whose worker died are
// failed and any matching stray processes are killed; rows without a pid are
// unknown. Nothing remains in starting afterwards.
func (o *Orchestrator) Recover(ctx domain.Context) error {
	probe := func(pid, _ int) domain.Liveness {
		if o.sup.Alive(pid) {
			return domain.LivenessLive
		}
		return domain.LivenessDead
	}
	recovered, err := o.store.RecoverOrphans(ctx, 0, probe)
	if err != nil {
		return fmt.Errorf("op=orchestrator.Recover: %w", err)
	}
	for _, r := range recovered {
		slog.Info("recovered stale test",
			slog.String("id", r.Record.ID),
			slog.String("from", string(r.From)),
			slog.String("to", string(r.To)))
		if r.To != domain.StateFailed || r.Record.OutputPath == "" {
			continue
		}
		// The recorded pid is gone but the worker may have left group
		// members behind; sweep by the per-test artifact path.
		pids, err := o.sup.FindOrphans(ctx, func(cmdline string) bool {
			return strings.Contains(cmdline, r.Record.OutputPath)
		})
		if err != nil {
			slog.Warn("orphan scan", slog.Any("error", err))
			continue
		}
		for _, pid := range pids {
			if err := o.sup.KillPID(pid); err != nil {
				slog.Warn("orphan kill", slog.Int("pid", pid), slog.Any("error", err))
			}
		}
	}
	return nil
}

// Start admits, persists, and launches a new test. It returns the starting
// record and any planner warning; the test itself runs asynchronously.
func (o *Orchestrator) Start(ctx domain.Context, profileName, targetPath string, sizeGB float64) (domain.TestRecord, string, error) {
	profile, ok := domain.CanonicalProfile(profileName)
	if !ok {
		return domain.TestRecord{}, "", fmt.Errorf("%w: unknown profile %q", domain.ErrInvalidRequest, profileName)
	}

	if err := o.admit(ctx); err != nil {
		return domain.TestRecord{}, "", err
	}

	// The planner and resolver exec the worker and probe the filesystem;
	// they run outside the slot lock and admission is re-checked below.
	plan, err := o.planner.Plan(ctx, profile, targetPath, sizeGB)
	if err != nil {
		return domain.TestRecord{}, "", err
	}
	worker, err := o.resolver.Resolve(ctx)
	if err != nil {
		return domain.TestRecord{}, "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return domain.TestRecord{}, "", fmt.Errorf("%w: test %s", domain.ErrAlreadyRunning, o.active.id)
	}
	running, err := o.store.ListRunning(ctx)
	if err != nil {
		return domain.TestRecord{}, "", fmt.Errorf("op=orchestrator.Start: %w", err)
	}
	if len(running) > 0 {
		return domain.TestRecord{}, "", fmt.Errorf("%w: test %s is %s", domain.ErrAlreadyRunning, running[0].ID, running[0].State)
	}

	id := uuid.NewString()
	rec := domain.TestRecord{
		TestRequest: domain.TestRequest{
			ID:                id,
			Profile:           profile,
			RequestedProfile:  profileName,
			TargetPath:        planTarget(plan, targetPath),
			SizeGB:            sizeGB,
			EstimatedDuration: profile.EstimatedDuration(),
			OutputPath:        filepath.Join(o.scratchDir, id+".json"),
		},
		State:     domain.StateStarting,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.SaveStart(ctx, rec); err != nil {
		return domain.TestRecord{}, "", fmt.Errorf("op=orchestrator.Start: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	active := &activeTest{id: id, cancel: cancel, done: make(chan struct{})}
	o.active = active
	if o.metrics != nil {
		o.metrics.TestStarted(string(profile))
	}
	go o.runTest(runCtx, rec, worker, plan, active)

	return rec, plan.Warning, nil
}

// admit rejects early when the single slot is taken. Disconnected or unknown
// rows from a previous instance also hold the slot until an operator resolves
// them.
func (o *Orchestrator) admit(ctx domain.Context) error {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active != nil {
		return fmt.Errorf("%w: test %s", domain.ErrAlreadyRunning, active.id)
	}
	running, err := o.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("op=orchestrator.Start: %w", err)
	}
	if len(running) > 0 {
		return fmt.Errorf("%w: test %s is %s", domain.ErrAlreadyRunning, running[0].ID, running[0].State)
	}
	return nil
}

func planTarget(plan domain.WorkloadPlan, fallback string) string {
	if len(plan.Stanzas) > 0 {
		return plan.Stanzas[0].FilePath
	}
	return fallback
}

// runTest drives one worker invocation to a terminal state.
func (o *Orchestrator) runTest(ctx domain.Context, rec domain.TestRecord, worker domain.WorkerInfo, plan domain.WorkloadPlan, active *activeTest) {
	started := time.Now()
	defer close(active.done)
	defer o.release(active.id)
	defer o.removeArtifacts(rec)

	if err := os.MkdirAll(o.scratchDir, 0o755); err != nil {
		o.finish(rec, domain.StateFailed, domain.StateUpdate{Error: "scratch dir: " + err.Error()}, started)
		return
	}
	jobfile := filepath.Join(o.scratchDir, rec.ID+".job")
	if err := os.WriteFile(jobfile, o.planner.Render(plan), 0o644); err != nil {
		o.finish(rec, domain.StateFailed, domain.StateUpdate{Error: "write job file: " + err.Error()}, started)
		return
	}
	defer func() { _ = os.Remove(jobfile) }()

	spec := domain.LaunchSpec{
		Path: worker.Path,
		Args: []string{"--output-format=json", "--output=" + rec.OutputPath, jobfile},
		Env:  workerEnv(o.scratchDir),
		Dir:  o.scratchDir,
	}
	h, err := o.sup.Launch(ctx, spec)
	if err != nil {
		o.finish(rec, domain.StateFailed, domain.StateUpdate{Error: err.Error()}, started)
		return
	}
	bg := context.Background()
	if err := o.store.SetProcess(bg, rec.ID, h.PID(), h.PGID()); err != nil {
		slog.Warn("record worker process", slog.String("id", rec.ID), slog.Any("error", err))
	}
	if err := o.store.UpdateState(bg, rec.ID, domain.StateRunning, domain.StateUpdate{}); err != nil {
		slog.Warn("mark running", slog.String("id", rec.ID), slog.Any("error", err))
	}

	tail := newTail(stderrTailLines)
	tailDone := make(chan struct{})
	go func() {
		defer close(tailDone)
		for line := range h.Stderr() {
			tail.add(line)
		}
	}()

	deadline := plan.TotalDuration() + o.buffer
	res, err := o.sup.Wait(ctx, h, deadline)
	// The stderr channel closes once the worker is reaped; join the tail
	// reader so failure records see the final lines.
	<-tailDone
	if err != nil {
		o.finish(rec, domain.StateFailed, domain.StateUpdate{Error: err.Error()}, started)
		return
	}

	switch res.Outcome {
	case domain.OutcomeKilledByTimeout:
		o.finish(rec, domain.StateTimeout, domain.StateUpdate{
			Error: fmt.Sprintf("%s: killed after %s", domain.ErrDeadlineExceeded, deadline),
		}, started)
	case domain.OutcomeKilledBySignal:
		if ctx.Err() != nil {
			o.finish(rec, domain.StateStopped, domain.StateUpdate{}, started)
			return
		}
		o.finish(rec, domain.StateFailed, domain.StateUpdate{
			Error: withTail("worker killed by signal", tail),
		}, started)
	default:
		o.ingest(rec, res, tail, started)
	}
}

// ingest turns the worker's output into a Summary and Grading, preferring the
// JSON artifact file over captured stdout.
func (o *Orchestrator) ingest(rec domain.TestRecord, res domain.WaitResult, tail *tailBuffer, started time.Time) {
	raw := res.Stdout
	if data, err := os.ReadFile(rec.OutputPath); err == nil && len(data) > 0 {
		raw = data
	}

	if res.ExitCode != 0 {
		o.finish(rec, domain.StateFailed, domain.StateUpdate{
			Error: withTail(fmt.Sprintf("%s: exit code %d", domain.ErrWorkerFailed, res.ExitCode), tail),
		}, started)
		return
	}

	parsed, err := fiojson.Parse(raw)
	if err != nil {
		o.finish(rec, domain.StateFailed, domain.StateUpdate{
			Error: withTail(fmt.Sprintf("%s: %v", domain.ErrParseFailure, err), tail),
		}, started)
		return
	}

	summary := toDomainSummary(parsed)
	grading := Grade(rec.Profile, summary)
	o.finish(rec, domain.StateCompleted, domain.StateUpdate{
		Summary: &summary,
		Grading: &grading,
	}, started)

	bg := context.Background()
	for _, m := range []struct {
		name  string
		value float64
		unit  string
	}{
		{"read_bw", summary.ReadBWKiB, "KiB/s"},
		{"write_bw", summary.WriteBWKiB, "KiB/s"},
		{"read_iops", summary.ReadIOPS, "iops"},
		{"write_iops", summary.WriteIOPS, "iops"},
		{"read_lat", summary.ReadLatMs, "ms"},
	} {
		if err := o.store.AppendMetric(bg, rec.ID, m.name, m.value, m.unit); err != nil {
			slog.Warn("append metric", slog.String("id", rec.ID), slog.Any("error", err))
		}
	}
}

// finish applies the terminal transition. A lost first-transition race is
// logged and otherwise ignored.
func (o *Orchestrator) finish(rec domain.TestRecord, state domain.TestState, upd domain.StateUpdate, started time.Time) {
	if err := o.store.UpdateState(context.Background(), rec.ID, state, upd); err != nil {
		slog.Warn("terminal transition lost",
			slog.String("id", rec.ID),
			slog.String("state", string(state)),
			slog.Any("error", err))
	} else {
		slog.Info("test finished",
			slog.String("id", rec.ID),
			slog.String("profile", string(rec.Profile)),
			slog.String("state", string(state)),
			slog.Duration("runtime", time.Since(started)))
	}
	if o.metrics != nil {
		o.metrics.TestFinished(string(rec.Profile), string(state), time.Since(started))
	}
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil && o.active.id == id {
		o.active = nil
	}
}

// removeArtifacts deletes the JSON artifact and the benchmark data file.
func (o *Orchestrator) removeArtifacts(rec domain.TestRecord) {
	_ = os.Remove(rec.OutputPath)
	if rec.TargetPath != "" {
		_ = os.Remove(rec.TargetPath)
	}
}

// Stop terminates a test's worker group and records the stopped state. It is
// idempotent for tests that are already gone; terminal tests are refused.
func (o *Orchestrator) Stop(ctx domain.Context, id string) (domain.TestRecord, error) {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return domain.TestRecord{}, err
	}
	if rec.State.Terminal() {
		return domain.TestRecord{}, fmt.Errorf("%w: test %s is %s", domain.ErrNotStoppable, id, rec.State)
	}

	o.mu.Lock()
	active := o.active
	o.mu.Unlock()

	if active != nil && active.id == id {
		active.cancel()
		<-active.done
		return o.statusOf(ctx, id)
	}

	// No in-memory worker: a disconnected or unknown row from a previous
	// instance. Kill the recorded pid and sweep stragglers by artifact path.
	if rec.PID != nil {
		if err := o.sup.KillPID(*rec.PID); err != nil {
			slog.Warn("kill recorded pid", slog.Int("pid", *rec.PID), slog.Any("error", err))
		}
	}
	if rec.OutputPath != "" {
		pids, err := o.sup.FindOrphans(ctx, func(cmdline string) bool {
			return strings.Contains(cmdline, rec.OutputPath)
		})
		if err == nil {
			for _, pid := range pids {
				_ = o.sup.KillPID(pid)
			}
		}
	}
	if err := o.store.UpdateState(ctx, id, domain.StateStopped, domain.StateUpdate{}); err != nil {
		return domain.TestRecord{}, fmt.Errorf("op=orchestrator.Stop id=%s: %w", id, err)
	}
	return o.statusOf(ctx, id)
}

// StopAll stops every non-terminal test and returns how many were stopped.
func (o *Orchestrator) StopAll(ctx domain.Context) (int, error) {
	running, err := o.store.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=orchestrator.StopAll: %w", err)
	}
	stopped := 0
	for _, rec := range running {
		if _, err := o.Stop(ctx, rec.ID); err != nil {
			if errors.Is(err, domain.ErrNotStoppable) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return stopped, err
		}
		stopped++
	}
	return stopped, nil
}

// Status returns one test with its derived progress.
func (o *Orchestrator) Status(ctx domain.Context, id string) (domain.TestRecord, error) {
	return o.statusOf(ctx, id)
}

// Current returns the non-terminal test, if any.
func (o *Orchestrator) Current(ctx domain.Context) (domain.TestRecord, error) {
	running, err := o.store.ListRunning(ctx)
	if err != nil {
		return domain.TestRecord{}, fmt.Errorf("op=orchestrator.Current: %w", err)
	}
	if len(running) == 0 {
		return domain.TestRecord{}, fmt.Errorf("no test running: %w", domain.ErrNotFound)
	}
	rec := running[len(running)-1]
	rec.Progress = deriveProgress(rec)
	return rec, nil
}

// Background returns the disconnected and unknown records left behind by a
// previous instance, newest first.
func (o *Orchestrator) Background(ctx domain.Context) ([]domain.TestRecord, error) {
	recs, err := o.store.ListBackground(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=orchestrator.Background: %w", err)
	}
	for i := range recs {
		recs[i].Progress = deriveProgress(recs[i])
	}
	return recs, nil
}

// History returns recent terminal tests, newest first.
func (o *Orchestrator) History(ctx domain.Context) ([]domain.TestRecord, error) {
	hist, err := o.store.History(ctx, o.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("op=orchestrator.History: %w", err)
	}
	for i := range hist {
		hist[i].Progress = deriveProgress(hist[i])
	}
	return hist, nil
}

// CleanupAll is the id value that sweeps every background record.
const CleanupAll = "all"

// CleanupBackground removes one record by id, or every disconnected and
// unknown record when id is "all". Worker processes still tied to a removed
// background record are killed first. Records that are actively supervised
// (starting or running) are refused; those go through Stop.
func (o *Orchestrator) CleanupBackground(ctx domain.Context, id string) (domain.CleanupResult, error) {
	if id == CleanupAll {
		recs, err := o.store.ListBackground(ctx)
		if err != nil {
			return domain.CleanupResult{}, fmt.Errorf("op=orchestrator.CleanupBackground: %w", err)
		}
		var total domain.CleanupResult
		for _, rec := range recs {
			res, err := o.cleanupOne(ctx, rec)
			total.Removed += res.Removed
			total.Killed += res.Killed
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return domain.CleanupResult{}, err
	}
	switch rec.State {
	case domain.StateStarting, domain.StateRunning:
		return domain.CleanupResult{}, fmt.Errorf("%w: test %s is still %s", domain.ErrInvalidRequest, id, rec.State)
	}
	return o.cleanupOne(ctx, rec)
}

// cleanupOne kills any worker processes tied to a background record, then
// deletes the record.
func (o *Orchestrator) cleanupOne(ctx domain.Context, rec domain.TestRecord) (domain.CleanupResult, error) {
	var res domain.CleanupResult
	if rec.State == domain.StateDisconnected || rec.State == domain.StateUnknown {
		killed := map[int]bool{}
		if rec.PID != nil {
			if err := o.sup.KillPID(*rec.PID); err != nil {
				slog.Warn("kill recorded pid", slog.Int("pid", *rec.PID), slog.Any("error", err))
			} else {
				killed[*rec.PID] = true
			}
		}
		if rec.OutputPath != "" {
			pids, err := o.sup.FindOrphans(ctx, func(cmdline string) bool {
				return strings.Contains(cmdline, rec.OutputPath)
			})
			if err != nil {
				slog.Warn("orphan scan", slog.Any("error", err))
			}
			for _, pid := range pids {
				if killed[pid] {
					continue
				}
				if err := o.sup.KillPID(pid); err == nil {
					killed[pid] = true
				}
			}
		}
		res.Killed = len(killed)
	}
	if err := o.store.Delete(ctx, rec.ID); err != nil {
		return res, err
	}
	res.Removed = 1
	return res, nil
}

func (o *Orchestrator) statusOf(ctx domain.Context, id string) (domain.TestRecord, error) {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return domain.TestRecord{}, err
	}
	rec.Progress = deriveProgress(rec)
	return rec, nil
}

// deriveProgress estimates completion percent. It is read-time only and
// capped below 100 until the test reaches a terminal state.
func deriveProgress(rec domain.TestRecord) int {
	if rec.State.Terminal() {
		return 100
	}
	if rec.EstimatedDuration <= 0 {
		return 0
	}
	end := time.Now()
	if rec.CompletedAt != nil {
		end = *rec.CompletedAt
	}
	pct := int(100 * end.Sub(rec.StartedAt) / rec.EstimatedDuration)
	if pct < 0 {
		pct = 0
	}
	if pct > 95 {
		pct = 95
	}
	return pct
}

func toDomainSummary(p fiojson.Summary) domain.Summary {
	return domain.Summary{
		ReadBWKiB:      p.ReadBWKiB,
		WriteBWKiB:     p.WriteBWKiB,
		ReadIOPS:       p.ReadIOPS,
		WriteIOPS:      p.WriteIOPS,
		ReadLatMs:      p.ReadLatMs,
		WriteLatMs:     p.WriteLatMs,
		RuntimeMs:      p.RuntimeMs,
		StabilityRatio: p.StabilityRatio,
	}
}

// workerEnv builds the worker environment: shared-memory segments disabled
// and temp files kept on the scratch volume.
func workerEnv(scratchDir string) []string {
	env := append([]string{}, os.Environ()...)
	return append(env,
		"FIO_DISABLE_SHM=1",
		"TMPDIR="+scratchDir,
	)
}

func withTail(msg string, tail *tailBuffer) string {
	if lines := tail.lines(); len(lines) > 0 {
		return msg + "; stderr: " + strings.Join(lines, " | ")
	}
	return msg
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	items []string
}

func newTail(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append(t.items, line)
	if len(t.items) > t.max {
		t.items = t.items[len(t.items)-t.max:]
	}
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.items))
	copy(out, t.items)
	return out
}
