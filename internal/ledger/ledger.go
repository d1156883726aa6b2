// Package ledger is the orchestrator's single source of truth: every
// operation any component performs is recorded here before, during, and
// after it runs, alongside whatever kind-specific facts that operation
// produced.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/reflexor/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	external_id    TEXT NOT NULL DEFAULT '',
	context_json   TEXT NOT NULL DEFAULT '{}',
	started_at     DATETIME NOT NULL,
	completed_at   DATETIME,
	duration_s     REAL,
	success        INTEGER,
	error_message  TEXT NOT NULL DEFAULT '',
	error_kind     TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_operations_kind ON operations(kind);
CREATE INDEX IF NOT EXISTS idx_operations_started_at ON operations(started_at);
CREATE INDEX IF NOT EXISTS idx_operations_external_id ON operations(external_id);

CREATE TABLE IF NOT EXISTS issue_processing (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	action       TEXT NOT NULL,
	recorded_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS code_generation (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id     TEXT NOT NULL,
	provider         TEXT NOT NULL,
	model            TEXT NOT NULL,
	input_tokens     INTEGER NOT NULL DEFAULT 0,
	output_tokens    INTEGER NOT NULL DEFAULT 0,
	cost_usd         REAL NOT NULL DEFAULT 0,
	test_pass_rate   REAL NOT NULL DEFAULT 0,
	first_attempt_ok INTEGER NOT NULL DEFAULT 0,
	recorded_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pr_management (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id TEXT NOT NULL,
	pr_number    INTEGER NOT NULL,
	action       TEXT NOT NULL,
	merged       INTEGER NOT NULL DEFAULT 0,
	recorded_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS roadmap_tracking (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id    TEXT NOT NULL,
	theme           TEXT NOT NULL,
	issues_created  INTEGER NOT NULL DEFAULT 0,
	recorded_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_templates (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL,
	version      INTEGER NOT NULL,
	action       TEXT NOT NULL,
	recorded_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS repository_context (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	snapshot_json TEXT NOT NULL,
	captured_at   DATETIME NOT NULL
);
`

// migration is one ordered, idempotent step applied against a fresh or
// existing database. Migrations never run out of order: schema_version
// records the highest version already applied.
type migration struct {
	version int
	apply   func(*sql.DB) error
}

// migrations lists every schema change in order. version 1 is the base
// schema above; later entries are additive column/table changes appended
// here as the schema evolves, never rewritten in place.
var migrations = []migration{
	{version: 1, apply: func(db *sql.DB) error {
		_, err := db.Exec(schema)
		return err
	}},
	{version: 2, apply: func(db *sql.DB) error {
		_, err := db.Exec(`ALTER TABLE roadmap_tracking ADD COLUMN refined_phases_json TEXT NOT NULL DEFAULT '[]'`)
		return err
	}},
}

// Ledger is the SQLite-backed operation log (C1).
type Ledger struct {
	db *sql.DB
}

// storageRetries/storageJitter bound the local retry a StorageFault gets
// before it surfaces to the caller.
const (
	storageRetries = 2
	storageJitter  = 100 * time.Millisecond
)

// retryStorage runs fn with the §7 StorageFault retry policy and wraps a
// final failure as errs.StorageFault tagged with op.
func retryStorage(op string, fn func() error) error {
	if err := errs.Retry(storageRetries, storageJitter, fn); err != nil {
		return errs.New(op, errs.StorageFault, err)
	}
	return nil
}

// Open creates or upgrades the ledger database at dbPath and applies any
// migrations not yet recorded in schema_version.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errs.New("ledger.Open", errs.StorageFault, fmt.Errorf("open %s: %w", dbPath, err))
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL)`); err != nil {
		db.Close()
		return nil, errs.New("ledger.Open", errs.StorageFault, fmt.Errorf("bootstrap schema_version: %w", err))
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, errs.New("ledger.Open", errs.StorageFault, err)
	}
	return &Ledger{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`, m.version, time.Now().UTC()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// DB exposes the underlying handle for packages (metrics, analytics) that
// need read-only SQL access beyond this package's own query helpers.
func (l *Ledger) DB() *sql.DB { return l.db }

// Operation is one recorded unit of work, open or closed.
type Operation struct {
	ID           string
	Kind         string
	ExternalID   string
	Context      map[string]any
	StartedAt    time.Time
	CompletedAt  *time.Time
	DurationS    *float64
	Success      *bool
	ErrorMessage string
	ErrorKind    string
	RetryCount   int
}

// StartOperation records the start of a new operation and returns its id.
func (l *Ledger) StartOperation(ctx context.Context, kind, externalID string, opContext map[string]any) (string, error) {
	id := uuid.NewString()
	ctxJSON, err := json.Marshal(opContext)
	if err != nil {
		return "", errs.New("ledger.StartOperation", errs.ValidationFailed, err)
	}
	err = retryStorage("ledger.StartOperation", func() error {
		_, execErr := l.db.ExecContext(ctx,
			`INSERT INTO operations (id, kind, external_id, context_json, started_at) VALUES (?, ?, ?, ?, ?)`,
			id, kind, externalID, string(ctxJSON), time.Now().UTC())
		return execErr
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CompleteOperation closes out an open operation with its outcome.
func (l *Ledger) CompleteOperation(ctx context.Context, opID string, success bool, errorMessage string, errorKind errs.Kind, retryCount int) error {
	var startedAt time.Time
	if err := retryStorage("ledger.CompleteOperation", func() error {
		return l.db.QueryRowContext(ctx, `SELECT started_at FROM operations WHERE id = ?`, opID).Scan(&startedAt)
	}); err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	duration := completedAt.Sub(startedAt).Seconds()
	return retryStorage("ledger.CompleteOperation", func() error {
		_, err := l.db.ExecContext(ctx,
			`UPDATE operations SET completed_at = ?, duration_s = ?, success = ?, error_message = ?, error_kind = ?, retry_count = ? WHERE id = ?`,
			completedAt, duration, success, errorMessage, string(errorKind), retryCount, opID)
		return err
	})
}

// Fact is a kind-specific side record attached to an operation (spec §4.1's
// per-kind fact tables: issue_processing, code_generation, pr_management,
// roadmap_tracking, prompt_templates).
type Fact struct {
	Table  string
	Fields map[string]any
}

// AttachFact writes one kind-specific fact row tied to opID.
func (l *Ledger) AttachFact(ctx context.Context, opID string, fact Fact) error {
	switch fact.Table {
	case "issue_processing":
		return retryStorage("ledger.AttachFact", func() error {
			_, err := l.db.ExecContext(ctx,
				`INSERT INTO issue_processing (operation_id, issue_number, action, recorded_at) VALUES (?, ?, ?, ?)`,
				opID, fact.Fields["issue_number"], fact.Fields["action"], time.Now().UTC())
			return err
		})
	case "code_generation":
		return retryStorage("ledger.AttachFact", func() error {
			_, err := l.db.ExecContext(ctx,
				`INSERT INTO code_generation (operation_id, provider, model, input_tokens, output_tokens, cost_usd, test_pass_rate, first_attempt_ok, recorded_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				opID, fact.Fields["provider"], fact.Fields["model"], fact.Fields["input_tokens"], fact.Fields["output_tokens"],
				fact.Fields["cost_usd"], fact.Fields["test_pass_rate"], fact.Fields["first_attempt_ok"], time.Now().UTC())
			return err
		})
	case "pr_management":
		return retryStorage("ledger.AttachFact", func() error {
			_, err := l.db.ExecContext(ctx,
				`INSERT INTO pr_management (operation_id, pr_number, action, merged, recorded_at) VALUES (?, ?, ?, ?, ?)`,
				opID, fact.Fields["pr_number"], fact.Fields["action"], fact.Fields["merged"], time.Now().UTC())
			return err
		})
	case "roadmap_tracking":
		refinedPhases := fact.Fields["refined_phases_json"]
		if refinedPhases == nil {
			refinedPhases = "[]"
		}
		return retryStorage("ledger.AttachFact", func() error {
			_, err := l.db.ExecContext(ctx,
				`INSERT INTO roadmap_tracking (operation_id, theme, issues_created, refined_phases_json, recorded_at) VALUES (?, ?, ?, ?, ?)`,
				opID, fact.Fields["theme"], fact.Fields["issues_created"], refinedPhases, time.Now().UTC())
			return err
		})
	case "prompt_templates":
		return retryStorage("ledger.AttachFact", func() error {
			_, err := l.db.ExecContext(ctx,
				`INSERT INTO prompt_templates (operation_id, name, version, action, recorded_at) VALUES (?, ?, ?, ?, ?)`,
				opID, fact.Fields["name"], fact.Fields["version"], fact.Fields["action"], time.Now().UTC())
			return err
		})
	default:
		return errs.New("ledger.AttachFact", errs.ValidationFailed, fmt.Errorf("unknown fact table %q", fact.Table))
	}
}

// SnapshotRepositoryContext overwrites the single repository_context row
// used by the roadmap cycle (C15) to avoid re-deriving codebase structure
// on every run.
func (l *Ledger) SnapshotRepositoryContext(ctx context.Context, snapshot map[string]any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return errs.New("ledger.SnapshotRepositoryContext", errs.ValidationFailed, err)
	}
	return retryStorage("ledger.SnapshotRepositoryContext", func() error {
		_, execErr := l.db.ExecContext(ctx,
			`INSERT INTO repository_context (id, snapshot_json, captured_at) VALUES (1, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET snapshot_json = excluded.snapshot_json, captured_at = excluded.captured_at`,
			string(data), time.Now().UTC())
		return execErr
	})
}

// RepositoryContext returns the last snapshot, or nil if none was ever recorded.
func (l *Ledger) RepositoryContext(ctx context.Context) (map[string]any, error) {
	var data string
	err := retryStorage("ledger.RepositoryContext", func() error {
		scanErr := l.db.QueryRowContext(ctx, `SELECT snapshot_json FROM repository_context WHERE id = 1`).Scan(&data)
		if scanErr == sql.ErrNoRows {
			return nil
		}
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	if data == "" {
		return nil, nil
	}
	var snapshot map[string]any
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, errs.New("ledger.RepositoryContext", errs.StorageFault, err)
	}
	return snapshot, nil
}

// QueryOptions bounds an operation-history query.
type QueryOptions struct {
	Kind       string
	Since      time.Time
	OnlyFailed bool
	Limit      int
}

// Query returns operations matching the given options, most recent first.
func (l *Ledger) Query(ctx context.Context, opts QueryOptions) ([]Operation, error) {
	query := `SELECT id, kind, external_id, context_json, started_at, completed_at, duration_s, success, error_message, error_kind, retry_count
		FROM operations WHERE started_at >= ?`
	args := []any{opts.Since}
	if opts.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, opts.Kind)
	}
	if opts.OnlyFailed {
		query += ` AND success = 0`
	}
	query += ` ORDER BY started_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	var rows *sql.Rows
	err := retryStorage("ledger.Query", func() error {
		var queryErr error
		rows, queryErr = l.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		var ctxJSON string
		var completedAt sql.NullTime
		var durationS sql.NullFloat64
		var success sql.NullBool
		if err := rows.Scan(&op.ID, &op.Kind, &op.ExternalID, &ctxJSON, &op.StartedAt, &completedAt, &durationS, &success, &op.ErrorMessage, &op.ErrorKind, &op.RetryCount); err != nil {
			return nil, errs.New("ledger.Query", errs.StorageFault, err)
		}
		if err := json.Unmarshal([]byte(ctxJSON), &op.Context); err != nil {
			return nil, errs.New("ledger.Query", errs.StorageFault, err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			op.CompletedAt = &t
		}
		if durationS.Valid {
			d := durationS.Float64
			op.DurationS = &d
		}
		if success.Valid {
			s := success.Bool
			op.Success = &s
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
