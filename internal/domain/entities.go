// Package domain defines the entities, ports, and error taxonomy of the
// show-disk qualifier: benchmark tests, workload plans, parsed summaries,
// and the collaborator interfaces the orchestrator depends on.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrWorkerMissing     = errors.New("benchmark worker not installed")
	ErrWorkerUnusable    = errors.New("benchmark worker unusable")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInsufficientSpace = errors.New("insufficient free space")
	ErrLaunchFailed      = errors.New("worker launch failed")
	ErrWorkerFailed      = errors.New("worker exited with error")
	ErrParseFailure      = errors.New("worker output unparseable")
	ErrDeadlineExceeded  = errors.New("supervision deadline exceeded")
	ErrAlreadyRunning    = errors.New("a test is already running")
	ErrNotFound          = errors.New("not found")
	ErrNotStoppable      = errors.New("test is not stoppable")
)

// TestState is the lifecycle state of a benchmark test.
type TestState string

const (
	StateStarting     TestState = "starting"
	StateRunning      TestState = "running"
	StateCompleted    TestState = "completed"
	StateFailed       TestState = "failed"
	StateStopped      TestState = "stopped"
	StateTimeout      TestState = "timeout"
	StateDisconnected TestState = "disconnected"
	StateUnknown      TestState = "unknown"
)

// Terminal reports whether the state admits no further transitions
// (other than history pruning).
func (s TestState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped, StateTimeout, StateUnknown:
		return true
	}
	return false
}

// TestRequest is immutable once admitted by the orchestrator.
type TestRequest struct {
	ID string
	// Profile is the canonical profile id; RequestedProfile retains the
	// value the caller sent (possibly a legacy alias).
	Profile           ProfileID
	RequestedProfile  string
	TargetPath        string
	SizeGB            float64
	EstimatedDuration time.Duration
	OutputPath        string
}

// Summary is the canonical parsed worker output. Bandwidths are KiB/s,
// latencies milliseconds, runtime milliseconds. Missing values are zero,
// never a sentinel; all fields are non-negative.
type Summary struct {
	ReadBWKiB      float64  `json:"read_bw_kib"`
	WriteBWKiB     float64  `json:"write_bw_kib"`
	ReadIOPS       float64  `json:"read_iops"`
	WriteIOPS      float64  `json:"write_iops"`
	ReadLatMs      float64  `json:"read_lat_ms"`
	WriteLatMs     float64  `json:"write_lat_ms"`
	RuntimeMs      int64    `json:"runtime_ms"`
	StabilityRatio *float64 `json:"stability_ratio,omitempty"`
}

// Verdict classifies a Summary against a profile's thresholds.
type Verdict string

const (
	VerdictExcellent Verdict = "excellent"
	VerdictPass      Verdict = "pass"
	VerdictFail      Verdict = "fail"
)

// Grading is the result of applying show-profile thresholds to a Summary.
type Grading struct {
	Profile        ProfileID `json:"profile"`
	ReadBWMiB      float64   `json:"read_bw_mb"`
	ReadLatMs      float64   `json:"read_lat_ms"`
	ReadIOPS       float64   `json:"read_iops"`
	StabilityRatio *float64  `json:"stability_ratio,omitempty"`
	Verdict        Verdict   `json:"verdict"`
	Reasons        []string  `json:"reasons"`
}

// Stanza is one contiguous phase of a workload plan. Start delays layer
// stanzas into phases within a single worker invocation.
type Stanza struct {
	Name              string
	RW                string // read, write, rw, randread, randrw
	BlockSize         string // fio size suffix form, e.g. "4M", "64k"
	IODepth           int
	NumJobs           int
	RateMiB           int // target throughput cap in MiB/s; 0 means uncapped
	Poisson           bool
	ReadMixPercent    int // only meaningful for mixed rw patterns
	Runtime           time.Duration
	StartDelay        time.Duration
	FilePath          string
	SizeGB            float64
	EstimatedDuration time.Duration
}

// WorkloadPlan is an ordered sequence of stanzas submitted as one worker
// invocation.
type WorkloadPlan struct {
	Profile ProfileID
	Stanzas []Stanza
	// Warning is set when the planner had to clamp the requested size.
	Warning string
}

// TotalDuration is the wall-clock estimate of the whole plan: stanzas run
// offset by their start delays, so the plan ends when the latest stanza does.
func (p WorkloadPlan) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range p.Stanzas {
		if end := s.StartDelay + s.Runtime; end > total {
			total = end
		}
	}
	return total
}

// TestRecord is the durable, orchestrator-owned record of one test.
type TestRecord struct {
	TestRequest
	State       TestState
	StartedAt   time.Time
	CompletedAt *time.Time
	PID         *int
	PGID        *int
	Summary     *Summary
	Grading     *Grading
	Error       string
	// Progress is derived at read time, never persisted.
	Progress int
}

// StateUpdate carries the optional payload of a state transition.
type StateUpdate struct {
	Summary *Summary
	Grading *Grading
	Error   string
}

// Liveness is the answer of a process liveness probe during recovery.
type Liveness int

const (
	LivenessDead Liveness = iota
	LivenessLive
	LivenessUnknown
)

// LivenessProbe decides whether a recorded worker process is still alive.
type LivenessProbe func(pid, pgid int) Liveness

// Recovered describes a single recovery transition performed by the store.
type Recovered struct {
	Record TestRecord
	From   TestState
	To     TestState
}

// CleanupResult reports what a background cleanup removed.
type CleanupResult struct {
	Removed int `json:"removed"`
	Killed  int `json:"killed"`
}

// StoreStats summarises the state store contents.
type StoreStats struct {
	ByState   map[TestState]int
	SizeBytes int64
}

// StateStore is the durable record of tests (port).
type StateStore interface {
	SaveStart(ctx Context, rec TestRecord) error
	UpdateState(ctx Context, id string, state TestState, upd StateUpdate) error
	SetProcess(ctx Context, id string, pid, pgid int) error
	Get(ctx Context, id string) (TestRecord, error)
	ListRunning(ctx Context) ([]TestRecord, error)
	ListBackground(ctx Context) ([]TestRecord, error)
	RecoverOrphans(ctx Context, minAge time.Duration, probe LivenessProbe) ([]Recovered, error)
	History(ctx Context, limit int) ([]TestRecord, error)
	Prune(ctx Context, olderThan time.Duration) (int64, error)
	Stats(ctx Context) (StoreStats, error)
	AppendMetric(ctx Context, testID, name string, value float64, unit string) error
	Delete(ctx Context, id string) error
}

// LaunchSpec describes a worker invocation.
type LaunchSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// WaitOutcome is the terminal disposition of a supervised worker.
type WaitOutcome int

const (
	OutcomeExited WaitOutcome = iota
	OutcomeKilledByTimeout
	OutcomeKilledBySignal
)

// WaitResult carries the worker's disposition and captured stdout.
type WaitResult struct {
	Outcome  WaitOutcome
	ExitCode int
	Stdout   []byte
}

// WorkerHandle identifies a launched worker process group.
type WorkerHandle interface {
	PID() int
	PGID() int
	// Stderr delivers the worker's stderr lines in emission order. The
	// channel closes when the worker exits; a slow consumer never blocks
	// the worker.
	Stderr() <-chan string
}

// Supervisor owns the worker process lifecycle (port).
type Supervisor interface {
	Launch(ctx Context, spec LaunchSpec) (WorkerHandle, error)
	Wait(ctx Context, h WorkerHandle, deadline time.Duration) (WaitResult, error)
	Terminate(h WorkerHandle) error
	Kill(h WorkerHandle) error
	Alive(pid int) bool
	FindOrphans(ctx Context, match func(cmdline string) bool) ([]int, error)
	KillPID(pid int) error
}

// WorkerInfo is the resolver's report on the located worker binary.
type WorkerInfo struct {
	Path         string
	Version      string
	SupportsJSON bool
}

// Resolver locates an acceptable benchmark worker binary (port).
type Resolver interface {
	Resolve(ctx Context) (WorkerInfo, error)
	InstallHint() string
}

// Planner turns a profile plus device context into a workload plan (port).
type Planner interface {
	Plan(ctx Context, profile ProfileID, targetPath string, sizeGB float64) (WorkloadPlan, error)
	Render(plan WorkloadPlan) []byte
}

// Context aliases context.Context so ports read uniformly; adapters and
// usecases pass context.Context through.
type Context = context.Context
