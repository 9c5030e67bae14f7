package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dwsmith1983/ferry/internal/pgutil"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// Postgres is a Target backed by a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string]string
}

var _ Target = (*Postgres)(nil)

// OpenPostgres connects to the target with room for parallelism concurrent tables.
func OpenPostgres(ctx context.Context, conn types.ConnectionConfig, parallelism int, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if parallelism < 1 {
		parallelism = 1
	}
	pool, err := pgutil.Open(ctx, conn, int32(parallelism)+1)
	if err != nil {
		return nil, fmt.Errorf("target connect: %w", err)
	}
	return &Postgres{pool: pool, schema: conn.Schema, logger: logger, keys: make(map[string]string)}, nil
}

func (p *Postgres) table(name string) string { return pgutil.QuoteTable(name, p.schema) }

// PrepareStaging drops and recreates a TEXT-typed staging table.
func (p *Postgres) PrepareStaging(ctx context.Context, table string, columns []string, key string) error {
	schema, _ := pgutil.SplitName(table, p.schema)
	return pgutil.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgutil.QuoteColumn(schema)); err != nil {
			return fmt.Errorf("create staging schema: %w", err)
		}
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+p.table(table)); err != nil {
			return fmt.Errorf("drop staging table: %w", err)
		}
		if _, err := tx.Exec(ctx, stagingDDL(p.table(table), columns, key)); err != nil {
			return fmt.Errorf("create staging table: %w", err)
		}
		return nil
	})
}

// InsertStaging bulk-copies one batch into a staging table.
func (p *Postgres) InsertStaging(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	schema, name := pgutil.SplitName(table, p.schema)
	n, err := p.pool.CopyFrom(ctx, pgx.Identifier{schema, name}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("copy into %s: %w", table, err)
	}
	return n, nil
}

// Transform applies steps to a staging table in one transaction.
func (p *Postgres) Transform(ctx context.Context, table string, steps []Transformation) error {
	stmts := make([]string, len(steps))
	args := make([][]any, len(steps))
	for i, st := range steps {
		sql, a, err := Compile(p.table(table), st)
		if err != nil {
			return err
		}
		stmts[i], args[i] = sql, a
	}
	return pgutil.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		for i, sql := range stmts {
			if _, err := tx.Exec(ctx, sql, args[i]...); err != nil {
				return fmt.Errorf("transformation %s on %s.%s: %w", steps[i].Kind, table, steps[i].Column, err)
			}
		}
		return nil
	})
}

// CountRows returns the number of rows in table.
func (p *Postgres) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, "SELECT count(*) FROM "+p.table(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// CountNulls returns the number of rows in table where column is null.
func (p *Postgres) CountNulls(ctx context.Context, table, column string) (int64, error) {
	var n int64
	q := "SELECT count(*) FROM " + p.table(table) + " WHERE " + pgutil.QuoteColumn(column) + " IS NULL"
	if err := p.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nulls %s.%s: %w", table, column, err)
	}
	return n, nil
}

// Load moves one staging table into its target inside a single transaction.
// Identities are only reported once the transaction has committed.
func (p *Postgres) Load(ctx context.Context, spec LoadSpec) (LoadResult, error) {
	res := LoadResult{Staged: -1}
	staging, target := p.table(spec.StagingTable), p.table(spec.TargetTable)
	var pending []IdentityPair

	err := pgutil.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if spec.CaptureIdentity {
			if _, err := tx.Exec(ctx, "ALTER TABLE "+target+
				" ADD COLUMN IF NOT EXISTS "+AttachmentURLColumn+" TEXT,"+
				" ADD COLUMN IF NOT EXISTS "+AttachmentMetadataColumn+" JSONB"); err != nil {
				return fmt.Errorf("add attachment columns: %w", err)
			}
			var err error
			if res.SourceKey, err = pgutil.PrimaryKey(ctx, tx, spec.StagingTable, p.schema); err != nil {
				return err
			}
			if res.TargetKey, err = pgutil.PrimaryKey(ctx, tx, spec.TargetTable, p.schema); err != nil {
				return err
			}
		}

		var staged int64
		if err := tx.QueryRow(ctx, "SELECT count(*) FROM "+staging).Scan(&staged); err != nil {
			return fmt.Errorf("count staged rows: %w", err)
		}
		res.Staged = staged

		if spec.Strategy == types.TruncateLoad {
			if _, err := tx.Exec(ctx, truncateSQL(target, spec.Kind)); err != nil {
				return fmt.Errorf("truncate %s: %w", spec.TargetTable, err)
			}
		}

		sql, capture, err := insertSQL(spec, staging, target, res.SourceKey, res.TargetKey)
		if err != nil {
			return err
		}
		if !capture {
			tag, err := tx.Exec(ctx, sql)
			if err != nil {
				return fmt.Errorf("load %s: %w", spec.TargetTable, err)
			}
			res.Inserted = tag.RowsAffected()
			return nil
		}

		rows, err := tx.Query(ctx, sql)
		if err != nil {
			return fmt.Errorf("load %s: %w", spec.TargetTable, err)
		}
		defer rows.Close()
		for rows.Next() {
			var targetID string
			var sourceID *string
			if err := rows.Scan(&targetID, &sourceID); err != nil {
				return fmt.Errorf("scan identity: %w", err)
			}
			res.Inserted++
			if sourceID != nil {
				pending = append(pending, IdentityPair{SourceID: *sourceID, TargetID: targetID})
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("load %s: %w", spec.TargetTable, err)
		}
		return nil
	})
	if err != nil {
		return LoadResult{Staged: res.Staged}, err
	}
	res.Identities = pending
	if spec.CaptureIdentity && (res.SourceKey == "" || res.TargetKey == "") {
		p.logger.Warn("no primary key, identities not captured",
			"staging", spec.StagingTable, "target", spec.TargetTable,
			"sourceKey", res.SourceKey, "targetKey", res.TargetKey)
	}
	return res, nil
}

// AttachmentManifests reads the staged attachment manifests of a document table.
func (p *Postgres) AttachmentManifests(ctx context.Context, stagingTable string) ([]DocumentManifest, error) {
	q := "SELECT _id, _attachments FROM " + p.table(stagingTable) +
		" WHERE _attachments IS NOT NULL AND _attachments <> '' ORDER BY _id"
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read manifests from %s: %w", stagingTable, err)
	}
	defer rows.Close()

	var out []DocumentManifest
	for rows.Next() {
		var m DocumentManifest
		if err := rows.Scan(&m.DocumentID, &m.Manifest); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetAttachment records a migrated attachment on its target row.
func (p *Postgres) SetAttachment(ctx context.Context, u AttachmentUpdate) error {
	key, err := p.primaryKey(ctx, u.Table)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("table %s has no primary key", u.Table)
	}
	meta, err := json.Marshal(u.Metadata)
	if err != nil {
		return fmt.Errorf("marshal attachment metadata: %w", err)
	}
	q := fmt.Sprintf(attachmentUpdateSQL, p.table(u.Table), pgutil.QuoteColumn(key))
	tag, err := p.pool.Exec(ctx, q, u.URL, u.Name, string(meta), u.TargetID)
	if err != nil {
		return fmt.Errorf("update attachment on %s: %w", u.Table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target row %s not found in %s", u.TargetID, u.Table)
	}
	return nil
}

func (p *Postgres) primaryKey(ctx context.Context, table string) (string, error) {
	p.mu.Lock()
	key, ok := p.keys[table]
	p.mu.Unlock()
	if ok {
		return key, nil
	}
	key, err := pgutil.PrimaryKey(ctx, p.pool, table, p.schema)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.keys[table] = key
	p.mu.Unlock()
	return key, nil
}

// DropTable drops table if it exists.
func (p *Postgres) DropTable(ctx context.Context, table string) error {
	if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+p.table(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close(_ context.Context) error {
	p.pool.Close()
	return nil
}
