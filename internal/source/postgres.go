package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dwsmith1983/ferry/internal/pgutil"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// Postgres reads relational source tables.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// OpenPostgres connects to a Postgres source.
func OpenPostgres(ctx context.Context, conn types.ConnectionConfig) (*Postgres, error) {
	pool, err := pgutil.Open(ctx, conn, 2)
	if err != nil {
		return nil, fmt.Errorf("source connect: %w", err)
	}
	return &Postgres{pool: pool, schema: conn.Schema}, nil
}

// Schema puts the table's primary key first, followed by the mapped columns.
func (p *Postgres) Schema(ctx context.Context, m types.TableMapping) (TableSchema, error) {
	key, err := pgutil.PrimaryKey(ctx, p.pool, m.SourceTable, p.schema)
	if err != nil {
		return TableSchema{}, err
	}
	return TableSchema{Columns: mappedColumns(m, key), Key: key}, nil
}

// Read streams the table as text values in batches of batchSize.
func (p *Postgres) Read(ctx context.Context, m types.TableMapping, schema TableSchema, batchSize int, fn BatchFunc) (int64, error) {
	exprs := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		exprs[i] = pgutil.QuoteColumn(c) + "::text"
	}
	query := "SELECT " + strings.Join(exprs, ", ") + " FROM " + pgutil.QuoteTable(m.SourceTable, p.schema)
	if schema.Key != "" {
		query += " ORDER BY " + pgutil.QuoteColumn(schema.Key)
	}

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", m.SourceTable, err)
	}
	defer rows.Close()

	var total int64
	batch := make([][]any, 0, batchSize)
	for rows.Next() {
		vals := make([]*string, len(schema.Columns))
		dest := make([]any, len(vals))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return total, fmt.Errorf("scanning %s: %w", m.SourceTable, err)
		}
		row := make([]any, len(vals))
		for i, v := range vals {
			if v != nil {
				row[i] = *v
			}
		}
		batch = append(batch, row)
		if len(batch) >= batchSize {
			if err := fn(batch); err != nil {
				return total, err
			}
			total += int64(len(batch))
			batch = make([][]any, 0, batchSize)
		}
	}
	if err := rows.Err(); err != nil {
		return total, fmt.Errorf("reading %s: %w", m.SourceTable, err)
	}
	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return total, err
		}
		total += int64(len(batch))
	}
	return total, nil
}

// Close releases the connection pool.
func (p *Postgres) Close(_ context.Context) error {
	p.pool.Close()
	return nil
}
