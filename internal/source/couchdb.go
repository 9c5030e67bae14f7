package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dwsmith1983/ferry/pkg/types"
)

// AttachmentStub is one entry of a document's attachment manifest.
type AttachmentStub struct {
	Name        string
	ContentType string
	Length      int64
}

// CouchDB reads documents and their attachments over the CouchDB HTTP API.
type CouchDB struct {
	client   *http.Client
	base     string
	user     string
	password string
}

// NewCouchDB creates a reader for conn.URL/conn.Database.
func NewCouchDB(conn types.ConnectionConfig, client *http.Client) (*CouchDB, error) {
	if conn.URL == "" {
		return nil, fmt.Errorf("couchdb source: url is required")
	}
	if conn.Database == "" {
		return nil, fmt.Errorf("couchdb source: database is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &CouchDB{
		client:   client,
		base:     strings.TrimRight(conn.URL, "/") + "/" + url.PathEscape(conn.Database),
		user:     conn.User,
		password: conn.Password,
	}, nil
}

// Schema lays out the document id, the mapped JSON paths and the attachment manifest.
func (c *CouchDB) Schema(_ context.Context, m types.TableMapping) (TableSchema, error) {
	cols := mappedColumns(m, DocumentKeyColumn)
	filtered := cols[:0]
	for _, col := range cols {
		if col != AttachmentsColumn {
			filtered = append(filtered, col)
		}
	}
	return TableSchema{Columns: append(filtered, AttachmentsColumn), Key: DocumentKeyColumn}, nil
}

// Read pages through _all_docs and emits matching documents in batches.
// Design documents are skipped; DocumentType filters on the "type" field.
func (c *CouchDB) Read(ctx context.Context, m types.TableMapping, schema TableSchema, batchSize int, fn BatchFunc) (int64, error) {
	var (
		total    int64
		startKey string
		batch    = make([][]any, 0, batchSize)
	)
	for {
		q := url.Values{}
		q.Set("include_docs", "true")
		q.Set("limit", strconv.Itoa(batchSize))
		if startKey != "" {
			key, _ := json.Marshal(startKey)
			q.Set("startkey", string(key))
			q.Set("skip", "1")
		}
		body, err := c.get(ctx, c.base+"/_all_docs?"+q.Encode())
		if err != nil {
			return total, fmt.Errorf("reading %s: %w", m.SourceTable, err)
		}

		rows := gjson.GetBytes(body, "rows").Array()
		for _, r := range rows {
			startKey = r.Get("id").String()
			doc := r.Get("doc")
			if strings.HasPrefix(startKey, "_design/") || !doc.Exists() {
				continue
			}
			if m.DocumentType != "" && doc.Get("type").String() != m.DocumentType {
				continue
			}
			batch = append(batch, documentRow(doc, schema.Columns))
			if len(batch) >= batchSize {
				if err := fn(batch); err != nil {
					return total, err
				}
				total += int64(len(batch))
				batch = make([][]any, 0, batchSize)
			}
		}
		if len(rows) < batchSize {
			break
		}
	}
	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return total, err
		}
		total += int64(len(batch))
	}
	return total, nil
}

func documentRow(doc gjson.Result, columns []string) []any {
	row := make([]any, len(columns))
	for i, col := range columns {
		v := doc.Get(col)
		switch {
		case !v.Exists() || v.Type == gjson.Null:
			row[i] = nil
		case v.IsObject() || v.IsArray():
			row[i] = v.Raw
		default:
			row[i] = v.String()
		}
	}
	return row
}

// ParseAttachments decodes an attachment manifest, sorted by name.
func ParseAttachments(manifest string) []AttachmentStub {
	if manifest == "" {
		return nil
	}
	var out []AttachmentStub
	gjson.Parse(manifest).ForEach(func(name, meta gjson.Result) bool {
		out = append(out, AttachmentStub{
			Name:        name.String(),
			ContentType: meta.Get("content_type").String(),
			Length:      meta.Get("length").Int(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AttachmentURL returns the source URL of an attachment.
func (c *CouchDB) AttachmentURL(documentID, name string) string {
	return c.base + "/" + url.PathEscape(documentID) + "/" + url.PathEscape(name)
}

// Download fetches an attachment body and its content type.
func (c *CouchDB) Download(ctx context.Context, documentID, name string) ([]byte, string, error) {
	req, err := c.request(ctx, c.AttachmentURL(documentID, name))
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("couchdb download: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("couchdb download: reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("couchdb download: returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Close is a no-op; the HTTP client is shared.
func (c *CouchDB) Close(_ context.Context) error { return nil }

func (c *CouchDB) request(ctx context.Context, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("couchdb: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	return req, nil
}

func (c *CouchDB) get(ctx context.Context, u string) ([]byte, error) {
	req, err := c.request(ctx, u)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("couchdb: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("couchdb: reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("couchdb: returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
