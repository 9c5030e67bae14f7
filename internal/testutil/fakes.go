package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dwsmith1983/ferry/internal/source"
	"github.com/dwsmith1983/ferry/internal/warehouse"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// FakeTable is a source table or document collection held in memory.
type FakeTable struct {
	Key     string
	Columns []string
	Rows    [][]any
}

// FakeSource is an in-memory source.Reader that can also serve attachments.
type FakeSource struct {
	mu      sync.Mutex
	tables  map[string]FakeTable
	readErr map[string]error

	// Downloads counts Download calls.
	Downloads atomic.Int64
}

// NewFakeSource creates an empty FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{tables: make(map[string]FakeTable), readErr: make(map[string]error)}
}

// AddTable registers a source table.
func (f *FakeSource) AddTable(name string, t FakeTable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = t
}

// FailRead makes reads of table return err.
func (f *FakeSource) FailRead(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr[table] = err
}

func (f *FakeSource) Schema(_ context.Context, m types.TableMapping) (source.TableSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[m.SourceTable]
	if !ok {
		return source.TableSchema{}, fmt.Errorf("source table %s does not exist", m.SourceTable)
	}
	return source.TableSchema{Columns: t.Columns, Key: t.Key}, nil
}

func (f *FakeSource) Read(_ context.Context, m types.TableMapping, _ source.TableSchema, batchSize int, fn source.BatchFunc) (int64, error) {
	f.mu.Lock()
	t := f.tables[m.SourceTable]
	err := f.readErr[m.SourceTable]
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	var n int64
	for start := 0; start < len(t.Rows); start += batchSize {
		end := min(start+batchSize, len(t.Rows))
		if err := fn(t.Rows[start:end]); err != nil {
			return n, err
		}
		n += int64(end - start)
	}
	return n, nil
}

func (f *FakeSource) AttachmentURL(documentID, name string) string {
	return "fake://" + documentID + "/" + name
}

func (f *FakeSource) Download(_ context.Context, documentID, name string) ([]byte, string, error) {
	f.Downloads.Add(1)
	return []byte(documentID + "/" + name), "application/octet-stream", nil
}

func (f *FakeSource) Close(context.Context) error { return nil }

type fakeRelation struct {
	columns []string
	key     string
	rows    [][]any
}

// FakeTarget is an in-memory warehouse.Target. Loads copy staged rows and
// assign sequential target ids.
type FakeTarget struct {
	mu          sync.Mutex
	tables      map[string]*fakeRelation
	nextID      int
	failLoad    map[string]error
	failTrans   map[string]error
	transforms  map[string][]warehouse.Transformation
	attachments []warehouse.AttachmentUpdate
	dropped     []string
	targetKeys  map[string]string

	// Closes counts Close calls.
	Closes atomic.Int64
}

var _ warehouse.Target = (*FakeTarget)(nil)

// NewFakeTarget creates an empty FakeTarget.
func NewFakeTarget() *FakeTarget {
	return &FakeTarget{
		tables:     make(map[string]*fakeRelation),
		failLoad:   make(map[string]error),
		failTrans:  make(map[string]error),
		transforms: make(map[string][]warehouse.Transformation),
		targetKeys: make(map[string]string),
	}
}

// SetTargetKey declares the primary key of a target table.
func (f *FakeTarget) SetTargetKey(table, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targetKeys[table] = key
}

// FailLoad makes loads into target table return err.
func (f *FakeTarget) FailLoad(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLoad[table] = err
}

// FailTransform makes transformations of the staging table return err.
func (f *FakeTarget) FailTransform(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTrans[table] = err
}

// Rows returns the row count of a table, or -1 when it does not exist.
func (f *FakeTarget) Rows(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return -1
	}
	return len(t.rows)
}

// Transforms returns the transformations applied to a staging table.
func (f *FakeTarget) Transforms(table string) []warehouse.Transformation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]warehouse.Transformation(nil), f.transforms[table]...)
}

// Attachments returns the attachment updates applied so far.
func (f *FakeTarget) Attachments() []warehouse.AttachmentUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]warehouse.AttachmentUpdate(nil), f.attachments...)
}

// Dropped returns the dropped tables in sorted order.
func (f *FakeTarget) Dropped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.dropped...)
	sort.Strings(out)
	return out
}

func (f *FakeTarget) PrepareStaging(_ context.Context, table string, columns []string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = &fakeRelation{columns: columns, key: key}
	return nil
}

func (f *FakeTarget) InsertStaging(_ context.Context, table string, _ []string, rows [][]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return 0, fmt.Errorf("relation %s does not exist", table)
	}
	t.rows = append(t.rows, rows...)
	return int64(len(rows)), nil
}

func (f *FakeTarget) Transform(_ context.Context, table string, steps []warehouse.Transformation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTrans[table]; err != nil {
		return err
	}
	for _, st := range steps {
		if _, _, err := warehouse.Compile(table, st); err != nil {
			return err
		}
	}
	f.transforms[table] = append(f.transforms[table], steps...)
	return nil
}

func (f *FakeTarget) CountRows(_ context.Context, table string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return 0, fmt.Errorf("relation %s does not exist", table)
	}
	return int64(len(t.rows)), nil
}

func (f *FakeTarget) CountNulls(_ context.Context, table, column string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return 0, fmt.Errorf("relation %s does not exist", table)
	}
	idx := indexOf(t.columns, column)
	if idx < 0 {
		return 0, fmt.Errorf("column %s does not exist", column)
	}
	var n int64
	for _, r := range t.rows {
		if idx >= len(r) || r[idx] == nil {
			n++
		}
	}
	return n, nil
}

func (f *FakeTarget) Load(_ context.Context, spec warehouse.LoadSpec) (warehouse.LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := warehouse.LoadResult{Staged: -1}
	stg, ok := f.tables[spec.StagingTable]
	if !ok {
		return res, fmt.Errorf("relation %s does not exist", spec.StagingTable)
	}
	res.Staged = int64(len(stg.rows))
	if err := f.failLoad[spec.TargetTable]; err != nil {
		return warehouse.LoadResult{Staged: res.Staged}, err
	}

	cols := make([]string, len(spec.Columns))
	idx := make([]int, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = c.TargetColumn
		idx[i] = indexOf(stg.columns, c.SourceColumn)
	}
	tgt, ok := f.tables[spec.TargetTable]
	if !ok || spec.Strategy == types.TruncateLoad {
		tgt = &fakeRelation{columns: cols, key: f.targetKeys[spec.TargetTable]}
		f.tables[spec.TargetTable] = tgt
	}
	if spec.CaptureIdentity {
		res.SourceKey = stg.key
		res.TargetKey = tgt.key
	}
	keyIdx := indexOf(stg.columns, stg.key)
	for _, r := range stg.rows {
		row := make([]any, len(idx))
		for i, j := range idx {
			if j >= 0 && j < len(r) {
				row[i] = r[j]
			}
		}
		tgt.rows = append(tgt.rows, row)
		res.Inserted++
		f.nextID++
		if spec.CaptureIdentity && res.SourceKey != "" && res.TargetKey != "" && keyIdx >= 0 {
			res.Identities = append(res.Identities, warehouse.IdentityPair{
				SourceID: fmt.Sprint(r[keyIdx]),
				TargetID: fmt.Sprint(f.nextID),
			})
		}
	}
	return res, nil
}

func (f *FakeTarget) AttachmentManifests(_ context.Context, stagingTable string) ([]warehouse.DocumentManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[stagingTable]
	if !ok {
		return nil, fmt.Errorf("relation %s does not exist", stagingTable)
	}
	idIdx, attIdx := indexOf(t.columns, source.DocumentKeyColumn), indexOf(t.columns, source.AttachmentsColumn)
	if idIdx < 0 || attIdx < 0 {
		return nil, nil
	}
	var out []warehouse.DocumentManifest
	for _, r := range t.rows {
		manifest, _ := r[attIdx].(string)
		if manifest == "" {
			continue
		}
		out = append(out, warehouse.DocumentManifest{DocumentID: fmt.Sprint(r[idIdx]), Manifest: manifest})
	}
	return out, nil
}

func (f *FakeTarget) SetAttachment(_ context.Context, u warehouse.AttachmentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments = append(f.attachments, u)
	return nil
}

func (f *FakeTarget) DropTable(_ context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[table]; ok {
		delete(f.tables, table)
		f.dropped = append(f.dropped, table)
	}
	return nil
}

func (f *FakeTarget) Close(context.Context) error {
	f.Closes.Add(1)
	return nil
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
