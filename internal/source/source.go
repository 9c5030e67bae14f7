// Package source reads rows from migration sources: relational tables and
// document databases.
package source

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dwsmith1983/ferry/pkg/types"
)

const (
	// DocumentKeyColumn holds the document id in staging tables of document sources.
	DocumentKeyColumn = "_id"
	// AttachmentsColumn holds the raw attachment manifest of each document.
	AttachmentsColumn = "_attachments"
)

// TableSchema describes the staging layout for one table mapping.
// Key is empty when the source has no identifiable primary key.
type TableSchema struct {
	Columns []string
	Key     string
}

// BatchFunc receives rows in staging column order. Values are strings or nil.
type BatchFunc func(rows [][]any) error

// Reader reads a source in batches.
type Reader interface {
	Schema(ctx context.Context, m types.TableMapping) (TableSchema, error)
	Read(ctx context.Context, m types.TableMapping, schema TableSchema, batchSize int, fn BatchFunc) (int64, error)
	Close(ctx context.Context) error
}

// Open connects to the source described by conn.
func Open(ctx context.Context, conn types.ConnectionConfig) (Reader, error) {
	switch conn.Engine {
	case types.EnginePostgres:
		return OpenPostgres(ctx, conn)
	case types.EngineCouchDB:
		return NewCouchDB(conn, http.DefaultClient)
	default:
		return nil, fmt.Errorf("unsupported source engine %q", conn.Engine)
	}
}

func mappedColumns(m types.TableMapping, key string) []string {
	seen := map[string]bool{}
	var cols []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	add(key)
	for _, c := range m.Columns {
		add(c.SourceColumn)
	}
	return cols
}
