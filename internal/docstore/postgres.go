package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres implements Store on a single JSONB documents table. Reads
// inside RunTransaction take row locks (SELECT ... FOR UPDATE), so
// transactional read-modify-write cycles on coordination documents are
// isolated across processes, not just within one.
type Postgres struct {
	db *sql.DB
}

// Schema is the documents table DDL, applied by the operator or a
// migration step before the service starts.
const Schema = `
create table if not exists documents (
    collection text        not null,
    id         text        not null,
    data       jsonb       not null,
    updated_at timestamptz not null default now(),
    primary key (collection, id)
);
`

// OpenPostgres connects to the database behind the given DSN.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests.
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle; used by tests.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type pgQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func pgGet(ctx context.Context, q pgQuerier, collection, id string, forUpdate bool) (Document, error) {
	if err := validateRef(collection, id); err != nil {
		return nil, err
	}
	query := `select data from documents where collection = $1 and id = $2`
	if forUpdate {
		query += ` for update`
	}
	var raw []byte
	err := q.QueryRowContext(ctx, query, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", ErrUnavailable, collection, id, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func pgSet(ctx context.Context, q pgQuerier, collection, id string, doc Document) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	if doc == nil {
		doc = Document{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
	}
	_, err = q.ExecContext(ctx, `
		insert into documents (collection, id, data, updated_at)
		values ($1, $2, $3, now())
		on conflict (collection, id) do update
		set data = excluded.data, updated_at = now()
	`, collection, id, raw)
	if err != nil {
		return fmt.Errorf("%w: set %s/%s: %v", ErrUnavailable, collection, id, err)
	}
	return nil
}

func pgDelete(ctx context.Context, q pgQuerier, collection, id string) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`delete from documents where collection = $1 and id = $2`,
		collection, id); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrUnavailable, collection, id, err)
	}
	return nil
}

func pgUpdate(ctx context.Context, q pgQuerier, collection, id string, fields Document) error {
	current, err := pgGet(ctx, q, collection, id, false)
	if err != nil {
		return err
	}
	normalized, err := Clone(fields)
	if err != nil {
		return err
	}
	for k, v := range normalized {
		current[k] = v
	}
	return pgSet(ctx, q, collection, id, current)
}

// Get retrieves a document. Returns ErrNotFound if absent.
func (s *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	return pgGet(ctx, s.db, collection, id, false)
}

// Set replaces the document, creating it if absent.
func (s *Postgres) Set(ctx context.Context, collection, id string, doc Document) error {
	return pgSet(ctx, s.db, collection, id, doc)
}

// Update shallow-merges fields into an existing document.
func (s *Postgres) Update(ctx context.Context, collection, id string, fields Document) error {
	return s.RunTransaction(ctx, func(tx Tx) error {
		return tx.Update(collection, id, fields)
	})
}

// Delete removes the document; deleting an absent document succeeds.
func (s *Postgres) Delete(ctx context.Context, collection, id string) error {
	return pgDelete(ctx, s.db, collection, id)
}

// RunTransaction runs fn inside one database transaction. Reads lock the
// rows they touch, writes go straight to the transaction and roll back
// together when fn errors.
func (s *Postgres) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrUnavailable, err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&postgresTx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", ErrConflict, err)
	}
	return nil
}

// BatchWrite applies the operations inside one database transaction.
func (s *Postgres) BatchWrite(ctx context.Context, ops []WriteOp) error {
	return s.RunTransaction(ctx, func(tx Tx) error {
		for _, op := range ops {
			var err error
			switch op.Kind {
			case WriteSet:
				err = tx.Set(op.Collection, op.ID, op.Doc)
			case WriteUpdate:
				err = tx.Update(op.Collection, op.ID, op.Doc)
			case WriteDelete:
				err = tx.Delete(op.Collection, op.ID)
			default:
				err = fmt.Errorf("%w: unknown write kind %q", ErrInvalidArgument, op.Kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Query filters on JSONB fields server-side where the predicate allows,
// ordered by document id.
func (s *Postgres) Query(ctx context.Context, collection string, filters []Filter) ([]Snapshot, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: collection cannot be empty", ErrInvalidArgument)
	}

	query := `select id, data from documents where collection = $1`
	args := []any{collection}
	for _, f := range filters {
		path := "{" + strings.ReplaceAll(f.Field, ".", ",") + "}"
		args = append(args, path, filterText(f.Value))
		switch f.Op {
		case OpEqual:
			query += fmt.Sprintf(` and data #>> $%d = $%d`, len(args)-1, len(args))
		case OpLess:
			query += fmt.Sprintf(` and data #>> $%d < $%d`, len(args)-1, len(args))
		default:
			return nil, fmt.Errorf("%w: unknown filter op %q", ErrInvalidArgument, f.Op)
		}
	}
	query += ` order by id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrUnavailable, collection, err)
	}
	defer rows.Close()

	var results []Snapshot
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, collection, err)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
		}
		results = append(results, Snapshot{
			Collection: collection,
			ID:         id,
			Exists:     true,
			Data:       doc,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrUnavailable, collection, err)
	}
	return results, nil
}

// filterText renders a filter value the way `#>>` renders JSONB leaves.
func filterText(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case time.Time:
		return FormatTime(tv)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}

// Ping verifies database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Postgres) Close(ctx context.Context) error {
	return s.db.Close()
}

// postgresTx executes reads and writes directly inside the SQL
// transaction; the database provides buffering and rollback.
type postgresTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *postgresTx) Get(collection, id string) (Document, error) {
	return pgGet(t.ctx, t.tx, collection, id, true)
}

func (t *postgresTx) Set(collection, id string, doc Document) error {
	return pgSet(t.ctx, t.tx, collection, id, doc)
}

func (t *postgresTx) Update(collection, id string, fields Document) error {
	return pgUpdate(t.ctx, t.tx, collection, id, fields)
}

func (t *postgresTx) Delete(collection, id string) error {
	return pgDelete(t.ctx, t.tx, collection, id)
}
