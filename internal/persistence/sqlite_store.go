package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/vuo/pkg/api"
)

// SQLiteStore is a FlowStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Compensation actions are durable only when recorded through
// RecordNamedCompensation and registered in the store's registry at
// load time; anonymous closures do not survive a restart.
type SQLiteStore struct {
	db       *sql.DB
	registry *api.CompensationRegistry
}

// Ensure SQLiteStore implements the store contracts.
var (
	_ api.FlowStore         = (*SQLiteStore)(nil)
	_ api.ContextQueryStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema and returns a new
// SQLiteStore resolving named compensations through registry.
func NewSQLiteStore(db *sql.DB, registry *api.CompensationRegistry) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, registry: registry}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			flow_id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_flow_id TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, inst *api.FlowInstance) error {
	payload, err := EncodeInstance(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO flows (flow_id, definition_id, version, status, parent_flow_id, payload, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.FlowID,
		inst.DefinitionID,
		inst.Version,
		string(inst.Status),
		inst.ParentFlowID,
		payload,
		inst.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, flowID string) (*api.FlowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM flows WHERE flow_id = ?`, flowID)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", api.ErrFlowNotFound, flowID)
		}
		return nil, err
	}
	return DecodeInstance(payload, s.registry)
}

func (s *SQLiteStore) Delete(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE flow_id = ?`, flowID)
	return err
}

func (s *SQLiteStore) Exists(ctx context.Context, flowID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM flows WHERE flow_id = ?`, flowID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter api.Filter) ([]*api.FlowInstance, error) {
	query := `SELECT payload FROM flows`
	var args []any
	var clauses []string

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DefinitionID != "" {
		clauses = append(clauses, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Version != "" {
		clauses = append(clauses, "version = ?")
		args = append(args, filter.Version)
	}
	if filter.ParentFlowID != "" {
		clauses = append(clauses, "parent_flow_id = ?")
		args = append(args, filter.ParentFlowID)
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.FlowInstance
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		inst, err := DecodeInstance(payload, s.registry)
		if err != nil {
			return nil, err
		}
		// The current-state membership predicate stays in Go; the
		// current state is stored only inside the JSON payload.
		if !filter.Matches(inst) {
			continue
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

func (s *SQLiteStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM idempotency_keys WHERE key = ?`, key)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) SaveIdempotencyKey(ctx context.Context, key, flowID string) error {
	// Keys are write-once; re-binding an existing key is a no-op.
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO idempotency_keys (key, flow_id) VALUES (?, ?)`,
		key, flowID,
	)
	return err
}

func (s *SQLiteStore) FlowIDByIdempotencyKey(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT flow_id FROM idempotency_keys WHERE key = ?`, key)
	var flowID string
	if err := row.Scan(&flowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", api.ErrIdempotencyKeyNotFound, key)
		}
		return "", err
	}
	return flowID, nil
}

func (s *SQLiteStore) QueryByContext(ctx context.Context, match map[string]any) ([]*api.FlowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM flows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.FlowInstance
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		inst, err := DecodeInstance(payload, s.registry)
		if err != nil {
			return nil, err
		}
		if api.ContextMatches(inst, match) {
			instances = append(instances, inst)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}
