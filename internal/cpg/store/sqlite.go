package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
	"github.com/openprocess/cpgraph/internal/cpg/instance"
	"github.com/openprocess/cpgraph/internal/cpg/trace"
)

// Open opens (or creates) an SQLite database at path. ":memory:" works for
// tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

type SQLiteInstanceRepository struct {
	db *sql.DB
}

func NewSQLiteInstanceRepository(db *sql.DB) (*SQLiteInstanceRepository, error) {
	r := &SQLiteInstanceRepository{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteInstanceRepository) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL,
		graph_version TEXT NOT NULL,
		correlation_id TEXT,
		status TEXT NOT NULL,
		revision INTEGER NOT NULL,
		snapshot JSON NOT NULL,
		pending_edges JSON NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
	CREATE INDEX IF NOT EXISTS idx_instances_correlation ON instances(correlation_id);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

func (r *SQLiteInstanceRepository) SaveInstance(ctx context.Context, in *instance.Instance) error {
	var prev uint64
	err := r.db.QueryRowContext(ctx, `SELECT revision FROM instances WHERE id = ?`, in.ID).Scan(&prev)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	case in.Revision <= prev:
		return cpgerr.New(cpgerr.KindInvalidState, "stale write for instance %s: revision %d <= %d", in.ID, in.Revision, prev)
	}

	blob, err := json.Marshal(snapshotOf(in))
	if err != nil {
		return err
	}
	pending, err := json.Marshal(in.PendingEdgeIDs())
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO instances (id, graph_id, graph_version, correlation_id, status, revision, snapshot, pending_edges)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			revision = excluded.revision,
			snapshot = excluded.snapshot,
			pending_edges = excluded.pending_edges`,
		in.ID, in.GraphID, in.GraphVersion, in.CorrelationID, string(in.Status), in.Revision, blob, pending)
	return err
}

func (r *SQLiteInstanceRepository) FindInstance(ctx context.Context, id string) (*instance.Instance, error) {
	var blob, pending []byte
	err := r.db.QueryRowContext(ctx, `SELECT snapshot, pending_edges FROM instances WHERE id = ?`, id).Scan(&blob, &pending)
	if err == sql.ErrNoRows {
		return nil, cpgerr.New(cpgerr.KindNotFound, "instance %s", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(blob, pending)
}

func (r *SQLiteInstanceRepository) ListInstances(ctx context.Context, status instance.Status) ([]*instance.Instance, error) {
	query := `SELECT snapshot, pending_edges FROM instances ORDER BY id`
	args := []any{}
	if status != "" {
		query = `SELECT snapshot, pending_edges FROM instances WHERE status = ? ORDER BY id`
		args = append(args, string(status))
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*instance.Instance
	for rows.Next() {
		var blob, pending []byte
		if err := rows.Scan(&blob, &pending); err != nil {
			return nil, err
		}
		in, err := decodeInstance(blob, pending)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func decodeInstance(blob, pending []byte) (*instance.Instance, error) {
	var snap instanceSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, err
	}
	var edges []string
	if len(pending) > 0 {
		if err := json.Unmarshal(pending, &edges); err != nil {
			return nil, err
		}
	}
	return restore(snap, edges), nil
}

type SQLiteTraceRepository struct {
	db *sql.DB
}

func NewSQLiteTraceRepository(db *sql.DB) (*SQLiteTraceRepository, error) {
	r := &SQLiteTraceRepository{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteTraceRepository) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS decision_traces (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		seq INTEGER,
		body JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_traces_instance ON decision_traces(instance_id, seq);
	CREATE INDEX IF NOT EXISTS idx_traces_timestamp ON decision_traces(timestamp);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

func (r *SQLiteTraceRepository) Append(ctx context.Context, tr trace.Trace) error {
	body, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	var seq int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM decision_traces WHERE instance_id = ?`, tr.InstanceID).Scan(&seq); err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO decision_traces (id, instance_id, type, timestamp, seq, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.InstanceID, string(tr.Type), tr.Timestamp.UTC(), seq, body)
	return err
}

func (r *SQLiteTraceRepository) FindByID(ctx context.Context, id string) (*trace.Trace, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM decision_traces WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, cpgerr.New(cpgerr.KindNotFound, "trace %s", id)
	}
	if err != nil {
		return nil, err
	}
	var tr trace.Trace
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (r *SQLiteTraceRepository) FindByInstance(ctx context.Context, instanceID string) ([]trace.Trace, error) {
	return r.query(ctx, `SELECT body FROM decision_traces WHERE instance_id = ? ORDER BY seq`, instanceID)
}

func (r *SQLiteTraceRepository) FindByType(ctx context.Context, t trace.Type) ([]trace.Trace, error) {
	return r.query(ctx, `SELECT body FROM decision_traces WHERE type = ? ORDER BY timestamp, id`, string(t))
}

func (r *SQLiteTraceRepository) query(ctx context.Context, query string, args ...any) ([]trace.Trace, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []trace.Trace
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var tr trace.Trace
		if err := json.Unmarshal(body, &tr); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (r *SQLiteTraceRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM decision_traces WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
