// Package sqlite persists the orchestrator's observable state in a single
// database file, with indexed lookup and atomic status updates.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

// ErrTerminalState is returned when a transition targets a record that is
// already terminal. Terminal records are immutable until pruned.
var ErrTerminalState = errors.New("record is in a terminal state")

const schema = `
CREATE TABLE IF NOT EXISTS tests (
	id                 TEXT PRIMARY KEY,
	state              TEXT NOT NULL,
	profile            TEXT NOT NULL,
	requested_profile  TEXT NOT NULL DEFAULT '',
	target             TEXT NOT NULL,
	size_gb            REAL NOT NULL,
	started_at         TIMESTAMP NOT NULL,
	completed_at       TIMESTAMP,
	pid                INTEGER,
	pgid               INTEGER,
	result_blob        TEXT,
	error              TEXT NOT NULL DEFAULT '',
	estimated_duration INTEGER NOT NULL,
	output_path        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tests_state ON tests(state);
CREATE INDEX IF NOT EXISTS idx_tests_started_at ON tests(started_at);

CREATE TABLE IF NOT EXISTS processes (
	test_id    TEXT NOT NULL,
	pid        INTEGER NOT NULL,
	pgid       INTEGER NOT NULL,
	command    TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NOT NULL,
	state      TEXT NOT NULL,
	PRIMARY KEY (test_id, pid)
);
CREATE INDEX IF NOT EXISTS idx_processes_state ON processes(state);

CREATE TABLE IF NOT EXISTS metrics (
	test_id TEXT NOT NULL,
	ts      TIMESTAMP NOT NULL,
	name    TEXT NOT NULL,
	value   REAL NOT NULL,
	unit    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_metrics_test ON metrics(test_id);
`

// Store is the durable state store. A single connection with serialised
// write transactions; every public operation acquires the store lock and
// commits or rolls back before returning.
type Store struct {
	mu   sync.Mutex
	db   *sqlx.DB
	path string
}

// Open creates the database file (and its directory) if needed and applies
// the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("op=store.Open: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_loc=UTC", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=store.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=store.Open schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

type testRow struct {
	ID                string         `db:"id"`
	State             string         `db:"state"`
	Profile           string         `db:"profile"`
	RequestedProfile  string         `db:"requested_profile"`
	Target            string         `db:"target"`
	SizeGB            float64        `db:"size_gb"`
	StartedAt         time.Time      `db:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	PID               sql.NullInt64  `db:"pid"`
	PGID              sql.NullInt64  `db:"pgid"`
	ResultBlob        sql.NullString `db:"result_blob"`
	Error             string         `db:"error"`
	EstimatedDuration int64          `db:"estimated_duration"`
	OutputPath        string         `db:"output_path"`
}

// resultBlob is the persisted JSON form of a test's outcome.
type resultBlob struct {
	Summary *domain.Summary `json:"summary,omitempty"`
	Grading *domain.Grading `json:"grading,omitempty"`
}

func (r testRow) toRecord() (domain.TestRecord, error) {
	rec := domain.TestRecord{
		TestRequest: domain.TestRequest{
			ID:                r.ID,
			Profile:           domain.ProfileID(r.Profile),
			RequestedProfile:  r.RequestedProfile,
			TargetPath:        r.Target,
			SizeGB:            r.SizeGB,
			EstimatedDuration: time.Duration(r.EstimatedDuration) * time.Second,
			OutputPath:        r.OutputPath,
		},
		State:     domain.TestState(r.State),
		StartedAt: r.StartedAt,
		Error:     r.Error,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		rec.CompletedAt = &t
	}
	if r.PID.Valid {
		pid := int(r.PID.Int64)
		rec.PID = &pid
	}
	if r.PGID.Valid {
		pgid := int(r.PGID.Int64)
		rec.PGID = &pgid
	}
	if r.ResultBlob.Valid && r.ResultBlob.String != "" {
		var blob resultBlob
		if err := json.Unmarshal([]byte(r.ResultBlob.String), &blob); err != nil {
			return rec, fmt.Errorf("op=store.decode id=%s: %w", r.ID, err)
		}
		rec.Summary = blob.Summary
		rec.Grading = blob.Grading
	}
	return rec, nil
}

var testColumns = []string{
	"id", "state", "profile", "requested_profile", "target", "size_gb",
	"started_at", "completed_at", "pid", "pgid", "result_blob", "error",
	"estimated_duration", "output_path",
}

// SaveStart inserts the test row plus its process row in one transaction.
func (s *Store) SaveStart(_ domain.Context, rec domain.TestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("op=store.SaveStart: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pid, pgid any
	if rec.PID != nil {
		pid = *rec.PID
	}
	if rec.PGID != nil {
		pgid = *rec.PGID
	}
	insert := sq.Insert("tests").Columns(testColumns...).Values(
		rec.ID, string(rec.State), string(rec.Profile), rec.RequestedProfile,
		rec.TargetPath, rec.SizeGB, rec.StartedAt.UTC(), nil, pid, pgid, nil,
		rec.Error, int64(rec.EstimatedDuration.Seconds()), rec.OutputPath,
	)
	if _, err := insert.RunWith(tx).Exec(); err != nil {
		return fmt.Errorf("op=store.SaveStart id=%s: %w", rec.ID, err)
	}
	if rec.PID != nil && rec.PGID != nil {
		procInsert := sq.Insert("processes").
			Columns("test_id", "pid", "pgid", "command", "started_at", "state").
			Values(rec.ID, *rec.PID, *rec.PGID, rec.OutputPath, rec.StartedAt.UTC(), string(rec.State))
		if _, err := procInsert.RunWith(tx).Exec(); err != nil {
			return fmt.Errorf("op=store.SaveStart process id=%s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=store.SaveStart commit: %w", err)
	}
	return nil
}

// SetProcess records the launched worker's pid/pgid on an existing test.
func (s *Store) SetProcess(_ domain.Context, id string, pid, pgid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("op=store.SetProcess: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := getRowTx(tx, id)
	if err != nil {
		return err
	}
	if _, err := sq.Update("tests").Set("pid", pid).Set("pgid", pgid).
		Where(sq.Eq{"id": id}).RunWith(tx).Exec(); err != nil {
		return fmt.Errorf("op=store.SetProcess id=%s: %w", id, err)
	}
	procInsert := sq.Insert("processes").
		Columns("test_id", "pid", "pgid", "command", "started_at", "state").
		Values(id, pid, pgid, row.OutputPath, time.Now().UTC(), row.State)
	if _, err := procInsert.RunWith(tx).Exec(); err != nil {
		return fmt.Errorf("op=store.SetProcess process id=%s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=store.SetProcess commit: %w", err)
	}
	return nil
}

// UpdateState transitions a test's state atomically. Terminal transitions
// set completed_at; the process row is updated to match. Transitions out of
// a terminal state are refused with ErrTerminalState.
func (s *Store) UpdateState(_ domain.Context, id string, state domain.TestState, upd domain.StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("op=store.UpdateState: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateStateTx(tx, id, state, upd); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=store.UpdateState commit: %w", err)
	}
	return nil
}

func updateStateTx(tx *sqlx.Tx, id string, state domain.TestState, upd domain.StateUpdate) error {
	row, err := getRowTx(tx, id)
	if err != nil {
		return err
	}
	if domain.TestState(row.State).Terminal() {
		return fmt.Errorf("op=store.UpdateState id=%s state=%s: %w", id, row.State, ErrTerminalState)
	}

	update := sq.Update("tests").Set("state", string(state)).Where(sq.Eq{"id": id})
	if state.Terminal() {
		update = update.Set("completed_at", time.Now().UTC())
	}
	if upd.Error != "" {
		update = update.Set("error", upd.Error)
	}
	if upd.Summary != nil || upd.Grading != nil {
		blob, err := json.Marshal(resultBlob{Summary: upd.Summary, Grading: upd.Grading})
		if err != nil {
			return fmt.Errorf("op=store.UpdateState encode id=%s: %w", id, err)
		}
		update = update.Set("result_blob", string(blob))
	}
	if _, err := update.RunWith(tx).Exec(); err != nil {
		return fmt.Errorf("op=store.UpdateState id=%s: %w", id, err)
	}
	if _, err := sq.Update("processes").Set("state", string(state)).
		Where(sq.Eq{"test_id": id}).RunWith(tx).Exec(); err != nil {
		return fmt.Errorf("op=store.UpdateState process id=%s: %w", id, err)
	}
	return nil
}

func getRowTx(tx *sqlx.Tx, id string) (testRow, error) {
	query, args, err := sq.Select(testColumns...).From("tests").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return testRow{}, fmt.Errorf("op=store.get: %w", err)
	}
	var row testRow
	if err := tx.Get(&row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return testRow{}, fmt.Errorf("op=store.get id=%s: %w", id, domain.ErrNotFound)
		}
		return testRow{}, fmt.Errorf("op=store.get id=%s: %w", id, err)
	}
	return row, nil
}

// Get loads one test record by id.
func (s *Store) Get(_ domain.Context, id string) (domain.TestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query, args, err := sq.Select(testColumns...).From("tests").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.TestRecord{}, fmt.Errorf("op=store.Get: %w", err)
	}
	var row testRow
	if err := s.db.Get(&row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TestRecord{}, fmt.Errorf("op=store.Get id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.TestRecord{}, fmt.Errorf("op=store.Get id=%s: %w", id, err)
	}
	return row.toRecord()
}

var nonTerminalStates = []string{
	string(domain.StateStarting),
	string(domain.StateRunning),
	string(domain.StateDisconnected),
}

// ListRunning returns all rows with a non-terminal state, oldest first.
func (s *Store) ListRunning(_ domain.Context) ([]domain.TestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectRecords(sq.Select(testColumns...).From("tests").
		Where(sq.Eq{"state": nonTerminalStates}).OrderBy("started_at ASC"))
}

// ListBackground returns the disconnected and unknown rows left behind by a
// previous service instance, newest first.
func (s *Store) ListBackground(_ domain.Context) ([]domain.TestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := []string{string(domain.StateDisconnected), string(domain.StateUnknown)}
	return s.selectRecords(sq.Select(testColumns...).From("tests").
		Where(sq.Eq{"state": states}).OrderBy("started_at DESC"))
}

// History returns the most recent terminal rows, newest first.
func (s *Store) History(_ domain.Context, limit int) ([]domain.TestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := sq.Select(testColumns...).From("tests").
		Where(sq.NotEq{"state": nonTerminalStates}).OrderBy("started_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.selectRecords(q)
}

func (s *Store) selectRecords(q sq.SelectBuilder) ([]domain.TestRecord, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("op=store.select: %w", err)
	}
	var rows []testRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("op=store.select: %w", err)
	}
	records := make([]domain.TestRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// RecoverOrphans reconciles non-terminal rows older than minAge using the
// caller's liveness probe: live processes become disconnected, dead ones
// failed (reason "orphaned"), undecidable ones unknown. Rows without a
// recorded pid are unknown by definition.
func (s *Store) RecoverOrphans(_ domain.Context, minAge time.Duration, probe domain.LivenessProbe) ([]domain.Recovered, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("op=store.RecoverOrphans: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().UTC().Add(-minAge)
	query, args, err := sq.Select(testColumns...).From("tests").
		Where(sq.Eq{"state": nonTerminalStates}).
		Where(sq.LtOrEq{"started_at": cutoff}).
		OrderBy("started_at ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("op=store.RecoverOrphans: %w", err)
	}
	var rows []testRow
	if err := tx.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("op=store.RecoverOrphans: %w", err)
	}

	var recovered []domain.Recovered
	for _, row := range rows {
		from := domain.TestState(row.State)
		var to domain.TestState
		var upd domain.StateUpdate
		switch {
		case !row.PID.Valid:
			to = domain.StateUnknown
			upd.Error = "no worker pid recorded at restart"
		default:
			pgid := int(row.PID.Int64)
			if row.PGID.Valid {
				pgid = int(row.PGID.Int64)
			}
			switch probe(int(row.PID.Int64), pgid) {
			case domain.LivenessLive:
				to = domain.StateDisconnected
			case domain.LivenessDead:
				to = domain.StateFailed
				upd.Error = "orphaned during restart"
			default:
				to = domain.StateUnknown
				upd.Error = "worker liveness undecidable at restart"
			}
		}
		if to == from {
			rec, err := row.toRecord()
			if err != nil {
				return nil, err
			}
			recovered = append(recovered, domain.Recovered{Record: rec, From: from, To: to})
			continue
		}
		if err := updateStateTx(tx, row.ID, to, upd); err != nil {
			return nil, err
		}
		updatedRow, err := getRowTx(tx, row.ID)
		if err != nil {
			return nil, err
		}
		rec, err := updatedRow.toRecord()
		if err != nil {
			return nil, err
		}
		recovered = append(recovered, domain.Recovered{Record: rec, From: from, To: to})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("op=store.RecoverOrphans commit: %w", err)
	}
	return recovered, nil
}

// Prune deletes terminal rows beyond retention, cascading to processes and
// metrics. Returns the number of test rows removed.
func (s *Store) Prune(_ domain.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("op=store.Prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().UTC().Add(-olderThan)
	const sub = `SELECT id FROM tests WHERE state NOT IN (?, ?, ?) AND started_at < ?`
	subArgs := []any{
		string(domain.StateStarting), string(domain.StateRunning),
		string(domain.StateDisconnected), cutoff,
	}
	if _, err := tx.Exec(`DELETE FROM processes WHERE test_id IN (`+sub+`)`, subArgs...); err != nil {
		return 0, fmt.Errorf("op=store.Prune processes: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM metrics WHERE test_id IN (`+sub+`)`, subArgs...); err != nil {
		return 0, fmt.Errorf("op=store.Prune metrics: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM tests WHERE state NOT IN (?, ?, ?) AND started_at < ?`, subArgs...)
	if err != nil {
		return 0, fmt.Errorf("op=store.Prune tests: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("op=store.Prune commit: %w", err)
	}
	return n, nil
}

// Delete removes one record and its dependents regardless of state. It backs
// the operator-facing background cleanup.
func (s *Store) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("op=store.Delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM processes WHERE test_id = ?`, id); err != nil {
		return fmt.Errorf("op=store.Delete processes id=%s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM metrics WHERE test_id = ?`, id); err != nil {
		return fmt.Errorf("op=store.Delete metrics id=%s: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM tests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("op=store.Delete id=%s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=store.Delete id=%s: %w", id, domain.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=store.Delete commit: %w", err)
	}
	return nil
}

// AppendMetric records one point of a test's time series.
func (s *Store) AppendMetric(_ domain.Context, testID, name string, value float64, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	insert := sq.Insert("metrics").Columns("test_id", "ts", "name", "value", "unit").
		Values(testID, time.Now().UTC(), name, value, unit)
	if _, err := insert.RunWith(s.db).Exec(); err != nil {
		return fmt.Errorf("op=store.AppendMetric id=%s name=%s: %w", testID, name, err)
	}
	return nil
}

// Stats reports per-state counts and the database file size.
func (s *Store) Stats(_ domain.Context) (domain.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM tests GROUP BY state`)
	if err != nil {
		return domain.StoreStats{}, fmt.Errorf("op=store.Stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := domain.StoreStats{ByState: map[domain.TestState]int{}}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return domain.StoreStats{}, fmt.Errorf("op=store.Stats: %w", err)
		}
		stats.ByState[domain.TestState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return domain.StoreStats{}, fmt.Errorf("op=store.Stats: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, nil
}
