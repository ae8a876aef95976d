// Package storage provides the SQLite-backed persistence layer: candidate
// records, the append-only response log, and ability-estimate history.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/XiaoConstantine/fluidopt/pkg/core"
	"github.com/XiaoConstantine/fluidopt/pkg/errors"
	"github.com/XiaoConstantine/fluidopt/pkg/irt"
)

// SQLiteStore implements core.Persistence on a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string

	initialized sync.Once
}

var _ core.Persistence = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path. ":memory:" creates
// an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to open SQLite database"),
			errors.Fields{"path": path},
		)
	}
	// A single connection sidesteps per-connection :memory: databases and
	// writer contention.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, path: path}
	if err := store.ensureInitialized(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) ensureInitialized() error {
	var initErr error
	s.initialized.Do(func() {
		// WAL mode for better concurrency
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			initErr = errors.Wrap(err, errors.Unknown, "failed to enable WAL mode")
			return
		}

		query := `
        CREATE TABLE IF NOT EXISTS candidates (
            id TEXT PRIMARY KEY,
            payload TEXT NOT NULL,
            parent_ids TEXT,
            generation INTEGER NOT NULL,
            metrics TEXT,
            status TEXT NOT NULL,
            operator TEXT,
            created_at DATETIME NOT NULL
        );

        -- Append-only: rows are inserted once and never updated.
        CREATE TABLE IF NOT EXISTS responses (
            id TEXT PRIMARY KEY,
            subject_id TEXT NOT NULL,
            item_id TEXT NOT NULL,
            score REAL NOT NULL,
            correct INTEGER NOT NULL,
            no_response INTEGER NOT NULL,
            timestamp DATETIME NOT NULL,
            latency_ms INTEGER NOT NULL,
            cost_usd REAL NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_responses_subject ON responses(subject_id);
        CREATE INDEX IF NOT EXISTS idx_responses_item ON responses(item_id);
        CREATE INDEX IF NOT EXISTS idx_responses_timestamp ON responses(timestamp);

        -- Item parameters per bank snapshot version.
        CREATE TABLE IF NOT EXISTS items (
            snapshot_version INTEGER NOT NULL,
            id TEXT NOT NULL,
            payload TEXT NOT NULL,
            difficulty REAL NOT NULL,
            discrimination REAL NOT NULL,
            guessing REAL NOT NULL,
            domain TEXT,
            state TEXT,
            PRIMARY KEY (snapshot_version, id)
        );

        CREATE TABLE IF NOT EXISTS abilities (
            subject_id TEXT NOT NULL,
            theta REAL NOT NULL,
            std_err REAL NOT NULL,
            ci_low REAL NOT NULL,
            ci_high REAL NOT NULL,
            items_administered INTEGER NOT NULL,
            low_confidence INTEGER NOT NULL,
            snapshot_version INTEGER NOT NULL,
            created_at DATETIME NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_abilities_subject ON abilities(subject_id);
        `

		if _, err := s.db.Exec(query); err != nil {
			initErr = errors.Wrap(err, errors.Unknown, "failed to initialize database schema")
		}
	})
	return initErr
}

// SaveCandidate upserts a candidate record.
func (s *SQLiteStore) SaveCandidate(ctx context.Context, c *core.Candidate) error {
	if c == nil || c.ID == "" {
		return errors.New(errors.InvalidInput, "candidate must have an id")
	}

	parents, err := json.Marshal(c.ParentIDs)
	if err != nil {
		return errors.Wrap(err, errors.InvalidInput, "failed to marshal parent ids")
	}
	metrics, err := json.Marshal(c.Metrics)
	if err != nil {
		return errors.Wrap(err, errors.InvalidInput, "failed to marshal metrics")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
    INSERT INTO candidates (id, payload, parent_ids, generation, metrics, status, operator, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET
        payload = excluded.payload,
        parent_ids = excluded.parent_ids,
        generation = excluded.generation,
        metrics = excluded.metrics,
        status = excluded.status,
        operator = excluded.operator
    `
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.Payload, string(parents), c.Generation, string(metrics),
		string(c.Status), c.Operator, c.CreatedAt.UTC())
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to save candidate"),
			errors.Fields{"candidate_id": c.ID},
		)
	}
	return nil
}

// LoadCandidate fetches a candidate by id.
func (s *SQLiteStore) LoadCandidate(ctx context.Context, id string) (*core.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
    SELECT id, payload, parent_ids, generation, metrics, status, operator, created_at
    FROM candidates WHERE id = ?
    `
	var c core.Candidate
	var parents, metrics, status string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Payload, &parents, &c.Generation, &metrics, &status, &c.Operator, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithFields(
			errors.New(errors.ResourceNotFound, "candidate not found"),
			errors.Fields{"candidate_id": id},
		)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to load candidate")
	}

	c.Status = core.CandidateStatus(status)
	if err := json.Unmarshal([]byte(parents), &c.ParentIDs); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to decode parent ids")
	}
	if err := json.Unmarshal([]byte(metrics), &c.Metrics); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to decode metrics")
	}
	return &c, nil
}

// AppendResponse writes one response record. Records are immutable: a
// duplicate id is an error, never an overwrite.
func (s *SQLiteStore) AppendResponse(ctx context.Context, r *core.ResponseRecord) error {
	if r == nil || r.ID == "" {
		return errors.New(errors.InvalidInput, "response record must have an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
    INSERT INTO responses (id, subject_id, item_id, score, correct, no_response, timestamp, latency_ms, cost_usd)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.SubjectID, r.ItemID, r.Score, boolToInt(r.Correct),
		boolToInt(r.NoResponse), r.Timestamp.UTC(), r.LatencyMS, r.CostUSD)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to append response"),
			errors.Fields{"response_id": r.ID},
		)
	}
	return nil
}

// QueryResponses returns records matching the filter, oldest first.
func (s *SQLiteStore) QueryResponses(ctx context.Context, filter core.ResponseFilter) ([]core.ResponseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
    SELECT id, subject_id, item_id, score, correct, no_response, timestamp, latency_ms, cost_usd
    FROM responses
    `
	var clauses []string
	var args []interface{}

	if len(filter.SubjectIDs) > 0 {
		clauses = append(clauses, "subject_id IN ("+placeholders(len(filter.SubjectIDs))+")")
		for _, id := range filter.SubjectIDs {
			args = append(args, id)
		}
	}
	if len(filter.ItemIDs) > 0 {
		clauses = append(clauses, "item_id IN ("+placeholders(len(filter.ItemIDs))+")")
		for _, id := range filter.ItemIDs {
			args = append(args, id)
		}
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to query responses")
	}
	defer rows.Close()

	var out []core.ResponseRecord
	for rows.Next() {
		var r core.ResponseRecord
		var correct, noResponse int
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.ItemID, &r.Score, &correct,
			&noResponse, &r.Timestamp, &r.LatencyMS, &r.CostUSD); err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to scan response row")
		}
		r.Correct = correct != 0
		r.NoResponse = noResponse != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "response row iteration failed")
	}
	return out, nil
}

// SaveAbility appends one ability estimate to the subject's history.
func (s *SQLiteStore) SaveAbility(ctx context.Context, a *core.AbilityEstimate) error {
	if a == nil || a.SubjectID == "" {
		return errors.New(errors.InvalidInput, "ability estimate must have a subject id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
    INSERT INTO abilities (subject_id, theta, std_err, ci_low, ci_high, items_administered, low_confidence, snapshot_version, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := s.db.ExecContext(ctx, query,
		a.SubjectID, a.Theta, a.StdErr, a.CI95[0], a.CI95[1],
		a.ItemsAdministered, boolToInt(a.LowConfidence), a.SnapshotVersion, time.Now().UTC())
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to save ability estimate"),
			errors.Fields{"subject_id": a.SubjectID},
		)
	}
	return nil
}

// LoadAbilities returns a subject's ability history, oldest first.
func (s *SQLiteStore) LoadAbilities(ctx context.Context, subjectID string) ([]core.AbilityEstimate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
    SELECT subject_id, theta, std_err, ci_low, ci_high, items_administered, low_confidence, snapshot_version
    FROM abilities WHERE subject_id = ? ORDER BY rowid ASC
    `
	rows, err := s.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to query abilities")
	}
	defer rows.Close()

	var out []core.AbilityEstimate
	for rows.Next() {
		var a core.AbilityEstimate
		var lowConfidence int
		if err := rows.Scan(&a.SubjectID, &a.Theta, &a.StdErr, &a.CI95[0], &a.CI95[1],
			&a.ItemsAdministered, &lowConfidence, &a.SnapshotVersion); err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to scan ability row")
		}
		a.LowConfidence = lowConfidence != 0
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "ability row iteration failed")
	}
	return out, nil
}

// SaveSnapshot checkpoints one bank snapshot's item parameters. Saving the
// same version twice replaces its rows, so a re-checkpoint is idempotent.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *irt.Snapshot) error {
	if snap == nil {
		return errors.New(errors.InvalidInput, "snapshot is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM items WHERE snapshot_version = ?", snap.Version()); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to clear snapshot rows")
	}

	query := `
    INSERT INTO items (snapshot_version, id, payload, difficulty, discrimination, guessing, domain, state)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `
	for _, item := range snap.Items() {
		if _, err := tx.ExecContext(ctx, query,
			snap.Version(), item.ID, item.Payload, item.Difficulty,
			item.Discrimination, item.Guessing, item.Domain, string(item.State)); err != nil {
			return errors.WithFields(
				errors.Wrap(err, errors.Unknown, "failed to save item"),
				errors.Fields{"item_id": item.ID, "snapshot_version": snap.Version()},
			)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to commit snapshot")
	}
	return nil
}

// LoadSnapshotItems returns the item parameters checkpointed for a version.
func (s *SQLiteStore) LoadSnapshotItems(ctx context.Context, version int64) ([]*irt.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
    SELECT id, payload, difficulty, discrimination, guessing, domain, state
    FROM items WHERE snapshot_version = ? ORDER BY id ASC
    `
	rows, err := s.db.QueryContext(ctx, query, version)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to query snapshot items")
	}
	defer rows.Close()

	var out []*irt.Item
	for rows.Next() {
		var item irt.Item
		var state string
		if err := rows.Scan(&item.ID, &item.Payload, &item.Difficulty,
			&item.Discrimination, &item.Guessing, &item.Domain, &state); err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to scan item row")
		}
		item.State = irt.CalibrationState(state)
		out = append(out, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "item row iteration failed")
	}
	if len(out) == 0 {
		return nil, errors.WithFields(
			errors.New(errors.ResourceNotFound, "no items for snapshot version"),
			errors.Fields{"snapshot_version": version},
		)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
