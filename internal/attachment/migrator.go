// Package attachment moves binary attachments from a document store to the
// object store and links them to the target rows loaded from their documents.
package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/ferry/internal/identity"
	"github.com/dwsmith1983/ferry/internal/metrics"
	"github.com/dwsmith1983/ferry/internal/objectstore"
	"github.com/dwsmith1983/ferry/internal/schedule"
	"github.com/dwsmith1983/ferry/internal/source"
	"github.com/dwsmith1983/ferry/internal/warehouse"
	"github.com/dwsmith1983/ferry/pkg/types"
)

const (
	defaultConcurrency = 5
	defaultMaxRetries  = 3
)

// NotFoundMessage is recorded for attachments whose document has no identity mapping.
const NotFoundMessage = "not found: no identity mapping for document"

// Downloader fetches attachment bodies from the source document store.
type Downloader interface {
	Download(ctx context.Context, documentID, name string) ([]byte, string, error)
	AttachmentURL(documentID, name string) string
}

// RowUpdater links a migrated attachment to its target row.
type RowUpdater interface {
	SetAttachment(ctx context.Context, u warehouse.AttachmentUpdate) error
}

// Store persists attachment outcomes.
type Store interface {
	PutAttachmentMigration(ctx context.Context, m types.AttachmentMigration) error
}

// Document is a source document with its attachment manifest and the
// target table its row was loaded into.
type Document struct {
	ID          string
	Table       string
	Attachments []source.AttachmentStub
}

// Request is one subsystem call.
type Request struct {
	ProjectID   string
	ExecutionID string
	Documents   []Document
	Resolve     identity.Resolver
	Source      Downloader
	Target      RowUpdater
	Mode        types.ErrorHandling
}

// Result counts terminal outcomes.
type Result struct {
	Migrated int
	Failed   int
}

func (r Result) add(o Result) Result {
	return Result{Migrated: r.Migrated + o.Migrated, Failed: r.Failed + o.Failed}
}

// Migrator runs attachment migrations with bounded concurrency and per-object retry.
type Migrator struct {
	store       Store
	objects     objectstore.Store
	concurrency int
	policy      types.RetryPolicy
	sleep       func(context.Context, time.Duration) error
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithConcurrency sets how many attachments are moved at once.
func WithConcurrency(n int) Option {
	return func(m *Migrator) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithMaxRetries sets the attempts per attachment.
func WithMaxRetries(n int) Option {
	return func(m *Migrator) {
		if n > 0 {
			m.policy = schedule.AttachmentRetryPolicy(n)
		}
	}
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(m *Migrator) { m.sleep = fn }
}

// WithLogger sets the migrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Migrator) { m.logger = l }
}

// New creates a Migrator writing outcomes to store and bodies to objects.
func New(store Store, objects objectstore.Store, opts ...Option) *Migrator {
	m := &Migrator{
		store:       store,
		objects:     objects,
		concurrency: defaultConcurrency,
		policy:      schedule.AttachmentRetryPolicy(defaultMaxRetries),
		sleep:       sleepCtx,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ObjectKey is the object store key of an attachment.
func ObjectKey(projectID, executionID, documentID, name string) string {
	return projectID + "/" + executionID + "/" + documentID + "/" + name
}

type item struct {
	doc      Document
	stub     source.AttachmentStub
	targetID string
}

type outcome struct {
	migrated bool
	err      error
}

// Migrate moves every attachment of req.Documents. In fail-fast mode the
// first terminal failure is returned once its chunk has finished; otherwise
// failures are only counted.
func (m *Migrator) Migrate(ctx context.Context, req Request) (Result, error) {
	failFast := req.Mode != types.ContinueOnError
	var res Result
	var items []item

	for _, doc := range req.Documents {
		if len(doc.Attachments) == 0 {
			continue
		}
		targetID, ok, err := req.Resolve(ctx, doc.Table, doc.ID)
		if err == nil && ok {
			for _, a := range doc.Attachments {
				items = append(items, item{doc: doc, stub: a, targetID: targetID})
			}
			continue
		}

		msg := NotFoundMessage
		if err != nil {
			msg = "identity lookup: " + err.Error()
		}
		for _, a := range doc.Attachments {
			row := m.row(req, item{doc: doc, stub: a})
			row.Status = types.AttachmentFailed
			row.ErrorMessage = msg
			if perr := m.store.PutAttachmentMigration(ctx, row); perr != nil {
				return res, fmt.Errorf("record attachment %s/%s: %w", doc.ID, a.Name, perr)
			}
			res.Failed++
			metrics.AttachmentsFailed.Add(1)
		}
		m.logger.Warn("attachments skipped", "execution", req.ExecutionID, "document", doc.ID, "count", len(doc.Attachments), "reason", msg)
		if failFast {
			return res, fmt.Errorf("attachments of document %s: %s", doc.ID, msg)
		}
	}

	for start := 0; start < len(items); start += m.concurrency {
		end := min(start+m.concurrency, len(items))
		chunk := items[start:end]
		outcomes := make([]outcome, len(chunk))

		var g errgroup.Group
		for i := range chunk {
			g.Go(func() error {
				outcomes[i] = m.migrateOne(ctx, req, chunk[i])
				return nil
			})
		}
		_ = g.Wait()

		var firstErr error
		for i, o := range outcomes {
			if o.migrated {
				res = res.add(Result{Migrated: 1})
				continue
			}
			res = res.add(Result{Failed: 1})
			if firstErr == nil {
				firstErr = fmt.Errorf("attachment %s/%s: %w", chunk[i].doc.ID, chunk[i].stub.Name, o.err)
			}
		}
		if firstErr != nil && failFast {
			return res, firstErr
		}
	}

	m.logger.Info("attachments migrated", "execution", req.ExecutionID, "migrated", res.Migrated, "failed", res.Failed)
	return res, nil
}

func (m *Migrator) row(req Request, it item) types.AttachmentMigration {
	return types.AttachmentMigration{
		ExecutionID:    req.ExecutionID,
		ProjectID:      req.ProjectID,
		DocumentID:     it.doc.ID,
		AttachmentName: it.stub.Name,
		TableName:      it.doc.Table,
		TargetID:       it.targetID,
		SourceURL:      req.Source.AttachmentURL(it.doc.ID, it.stub.Name),
		ContentType:    it.stub.ContentType,
		SizeBytes:      it.stub.Length,
	}
}

// migrateOne writes the attachment row once, when the transfer concludes.
func (m *Migrator) migrateOne(ctx context.Context, req Request, it item) outcome {
	row := m.row(req, it)
	url, err := m.transfer(ctx, req, it, &row)
	if err == nil {
		now := m.now().UTC()
		err = req.Target.SetAttachment(ctx, warehouse.AttachmentUpdate{
			Table:    it.doc.Table,
			TargetID: it.targetID,
			Name:     it.stub.Name,
			URL:      url,
			Metadata: map[string]interface{}{
				"url":         url,
				"contentType": row.ContentType,
				"sizeBytes":   row.SizeBytes,
				"sourceUrl":   row.SourceURL,
				"migratedAt":  now.Format(time.RFC3339),
			},
		})
		if err == nil {
			row.Status = types.AttachmentSuccess
			row.TargetURL = url
			row.MigratedAt = &now
		} else {
			err = fmt.Errorf("link target row: %w", err)
		}
	}

	if err != nil {
		row.Status = types.AttachmentFailed
		row.ErrorMessage = err.Error()
		metrics.AttachmentsFailed.Add(1)
		m.logger.Warn("attachment failed", "execution", req.ExecutionID, "document", it.doc.ID, "attachment", it.stub.Name, "attempts", row.Attempts, "error", err)
	} else {
		metrics.AttachmentsMigrated.Add(1)
	}

	if perr := m.store.PutAttachmentMigration(ctx, row); perr != nil {
		return outcome{err: fmt.Errorf("record outcome: %w", perr)}
	}
	return outcome{migrated: err == nil, err: err}
}

// transfer downloads and uploads one attachment, retrying the pair with
// exponential backoff.
func (m *Migrator) transfer(ctx context.Context, req Request, it item, row *types.AttachmentMigration) (string, error) {
	key := ObjectKey(req.ProjectID, req.ExecutionID, it.doc.ID, it.stub.Name)
	var lastErr error
	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		row.Attempts = attempt
		body, contentType, err := req.Source.Download(ctx, it.doc.ID, it.stub.Name)
		if err == nil {
			if row.ContentType == "" {
				row.ContentType = contentType
			}
			if row.SizeBytes == 0 {
				row.SizeBytes = int64(len(body))
			}
			var url string
			url, err = m.objects.Put(ctx, key, body, row.ContentType)
			if err == nil {
				return url, nil
			}
		}
		lastErr = err
		if !schedule.ShouldRetry(m.policy, attempt) {
			break
		}
		metrics.AttachmentRetries.Add(1)
		if err := m.sleep(ctx, schedule.CalculateBackoff(m.policy, attempt)); err != nil {
			return "", fmt.Errorf("%w (retry aborted: %v)", lastErr, err)
		}
	}
	return "", lastErr
}
