// Package sqlitestore backs the task ledger and cost bins with SQLite.
//
// DESIGN: Every write-once gate and bin add is a single SQL statement, so
// the atomicity the pipeline needs comes from the database, not from
// read-modify-write in the application. The conditional upserts use
// "ON CONFLICT DO UPDATE ... WHERE <field> IS NULL": zero affected rows
// means the gate failed, which maps to ledger.ErrAlreadyRecorded.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qubitcloud/cost-guard/internal/ledger"
	"github.com/qubitcloud/cost-guard/internal/money"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id        TEXT PRIMARY KEY,
	user_identity  TEXT,
	device_id      TEXT,
	task_creation  TEXT,
	task_execution TEXT,
	shots          INTEGER,
	cost_micros    INTEGER,
	task_ttl       INTEGER
);
CREATE TABLE IF NOT EXISTS cost_bins (
	bin                 TEXT PRIMARY KEY,
	cost_micros         INTEGER NOT NULL,
	last_task_execution TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS aggregated_tasks (
	task_id       TEXT PRIMARY KEY,
	aggregated_at TEXT NOT NULL
);
`

// Store implements ledger.TaskStore and aggregator.BinStore on one SQLite
// database.
type Store struct {
	db *sql.DB
}

// Open opens (and bootstraps) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutIdentity implements the write-once identity upsert.
func (s *Store) PutIdentity(ctx context.Context, taskID string, eventTime time.Time, userIdentity, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, user_identity, device_id, task_creation)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			user_identity = excluded.user_identity,
			device_id     = excluded.device_id,
			task_creation = excluded.task_creation
		WHERE tasks.user_identity IS NULL`,
		taskID, userIdentity, deviceID, eventTime.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: put identity: %w", err)
	}
	return gateResult(res)
}

// PutCost implements the write-once cost upsert.
func (s *Store) PutCost(ctx context.Context, taskID string, eventTime time.Time, deviceID string, shots int64, cost money.Amount, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, task_execution, device_id, shots, cost_micros, task_ttl)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			task_execution = excluded.task_execution,
			device_id      = excluded.device_id,
			shots          = excluded.shots,
			cost_micros    = excluded.cost_micros,
			task_ttl       = excluded.task_ttl
		WHERE tasks.cost_micros IS NULL`,
		taskID, eventTime.UTC().Format(time.RFC3339Nano), deviceID, shots, cost.Micros(), expiry.Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: put cost: %w", err)
	}
	return gateResult(res)
}

// gateResult maps "no row changed" to the write-once gate failure.
func gateResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: rows affected: %w", err)
	}
	if n == 0 {
		return ledger.ErrAlreadyRecorded
	}
	return nil
}

// Get reads a task record; unknown tasks return (nil, nil).
func (s *Store) Get(ctx context.Context, taskID string) (*ledger.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_identity, device_id, task_creation, task_execution, shots, cost_micros, task_ttl
		FROM tasks WHERE task_id = ?`, taskID)

	var (
		user, device, creation, execution sql.NullString
		shots, costMicros, ttl            sql.NullInt64
	)
	err := row.Scan(&user, &device, &creation, &execution, &shots, &costMicros, &ttl)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get %s: %w", taskID, err)
	}

	rec := &ledger.Record{
		TaskID:       taskID,
		UserIdentity: user.String,
		DeviceID:     device.String,
		Shots:        shots.Int64,
	}
	if creation.Valid {
		rec.CreationTime, _ = time.Parse(time.RFC3339Nano, creation.String)
	}
	if execution.Valid {
		rec.ExecutionTime, _ = time.Parse(time.RFC3339Nano, execution.String)
	}
	if costMicros.Valid {
		c := money.FromMicros(costMicros.Int64)
		rec.Cost = &c
	}
	if ttl.Valid {
		rec.Expiry = time.Unix(ttl.Int64, 0).UTC()
	}
	return rec, nil
}

// AddCosted claims the task id and folds the cost into every bin inside
// one transaction, keeping aggregation exactly-once per task.
func (s *Store) AddCosted(ctx context.Context, taskID string, bins []string, cost money.Amount, executionTime time.Time) (map[string]money.Amount, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO aggregated_tasks (task_id, aggregated_at)
		VALUES (?, ?)
		ON CONFLICT(task_id) DO NOTHING`,
		taskID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: claim task %s: %w", taskID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: rows affected: %w", err)
	} else if n == 0 {
		return nil, false, nil
	}

	execStr := executionTime.UTC().Format(time.RFC3339Nano)
	totals := make(map[string]money.Amount, len(bins))
	for _, bin := range bins {
		var total int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO cost_bins (bin, cost_micros, last_task_execution)
			VALUES (?, ?, ?)
			ON CONFLICT(bin) DO UPDATE SET
				cost_micros         = cost_bins.cost_micros + excluded.cost_micros,
				last_task_execution = excluded.last_task_execution
			RETURNING cost_micros`,
			bin, cost.Micros(), execStr,
		).Scan(&total)
		if err != nil {
			return nil, false, fmt.Errorf("sqlitestore: add to bin %s: %w", bin, err)
		}
		totals[bin] = money.FromMicros(total)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return totals, true, nil
}

// BinTotal reads a bin's running total; absent bins read as zero.
func (s *Store) BinTotal(ctx context.Context, bin string) (money.Amount, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cost_micros FROM cost_bins WHERE bin = ?`, bin).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: bin total %s: %w", bin, err)
	}
	return money.FromMicros(total), nil
}

// PurgeExpired deletes task records whose retention window has passed.
// Bins are never purged; they are monotonic for the account's lifetime.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE task_ttl IS NOT NULL AND task_ttl < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: purge expired: %w", err)
	}
	return res.RowsAffected()
}
