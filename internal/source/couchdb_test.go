package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/ferry/pkg/types"
)

const allDocsPage1 = `{"total_rows":4,"rows":[
 {"id":"_design/views","doc":{"_id":"_design/views"}},
 {"id":"order-1","doc":{"_id":"order-1","type":"order","total":12.5,"customer":{"name":"Ada"},
   "_attachments":{"invoice.pdf":{"content_type":"application/pdf","length":4,"stub":true}}}}
]}`

const allDocsPage2 = `{"total_rows":4,"rows":[
 {"id":"order-2","doc":{"_id":"order-2","type":"order","total":null,"customer":{"name":"Bob"}}},
 {"id":"user-1","doc":{"_id":"user-1","type":"user"}}
]}`

func newCouchServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "pw", pass)

		switch {
		case r.URL.Path == "/crm/_all_docs" && r.URL.Query().Get("startkey") == "":
			assert.Equal(t, "true", r.URL.Query().Get("include_docs"))
			_, _ = w.Write([]byte(allDocsPage1))
		case r.URL.Path == "/crm/_all_docs" && r.URL.Query().Get("startkey") == `"order-1"`:
			assert.Equal(t, "1", r.URL.Query().Get("skip"))
			_, _ = w.Write([]byte(allDocsPage2))
		case r.URL.Path == "/crm/_all_docs":
			_, _ = w.Write([]byte(`{"rows":[]}`))
		case r.URL.Path == "/crm/order-1/invoice.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF"))
		default:
			http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		}
	}))
}

func testCouch(t *testing.T, srv *httptest.Server) *CouchDB {
	t.Helper()
	c, err := NewCouchDB(types.ConnectionConfig{Engine: types.EngineCouchDB, URL: srv.URL + "/", Database: "crm", User: "admin", Password: "pw"}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestCouchDB_SchemaPutsKeyFirstAndManifestLast(t *testing.T) {
	c := &CouchDB{}
	schema, err := c.Schema(context.Background(), types.TableMapping{Columns: []types.ColumnMapping{
		{SourceColumn: "total"}, {SourceColumn: "_id"}, {SourceColumn: "customer.name"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"_id", "total", "customer.name", "_attachments"}, schema.Columns)
	assert.Equal(t, "_id", schema.Key)
}

func TestCouchDB_ReadPagesAndFilters(t *testing.T) {
	srv := newCouchServer(t)
	defer srv.Close()
	c := testCouch(t, srv)

	m := types.TableMapping{SourceTable: "orders", DocumentType: "order", Columns: []types.ColumnMapping{
		{SourceColumn: "total"}, {SourceColumn: "customer.name"},
	}}
	schema, err := c.Schema(context.Background(), m)
	require.NoError(t, err)

	var rows [][]any
	n, err := c.Read(context.Background(), m, schema, 2, func(batch [][]any) error {
		rows = append(rows, batch...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, rows, 2)

	assert.Equal(t, "order-1", rows[0][0])
	assert.Equal(t, "12.5", rows[0][1])
	assert.Equal(t, "Ada", rows[0][2])
	assert.True(t, strings.Contains(rows[0][3].(string), "invoice.pdf"))

	assert.Equal(t, "order-2", rows[1][0])
	assert.Nil(t, rows[1][1])
	assert.Nil(t, rows[1][3])
}

func TestCouchDB_Download(t *testing.T) {
	srv := newCouchServer(t)
	defer srv.Close()
	c := testCouch(t, srv)

	data, ct, err := c.Download(context.Background(), "order-1", "invoice.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))
	assert.Equal(t, "application/pdf", ct)

	_, _, err = c.Download(context.Background(), "order-1", "missing.png")
	assert.ErrorContains(t, err, "status 404")
	assert.Equal(t, srv.URL+"/crm/order-1/invoice.pdf", c.AttachmentURL("order-1", "invoice.pdf"))
}

func TestNewCouchDB_Validation(t *testing.T) {
	_, err := NewCouchDB(types.ConnectionConfig{Database: "crm"}, nil)
	assert.ErrorContains(t, err, "url is required")
	_, err = NewCouchDB(types.ConnectionConfig{URL: "http://x"}, nil)
	assert.ErrorContains(t, err, "database is required")
}

func TestParseAttachments(t *testing.T) {
	stubs := ParseAttachments(`{"b.png":{"content_type":"image/png","length":10},"a.pdf":{"content_type":"application/pdf","length":4}}`)
	require.Len(t, stubs, 2)
	assert.Equal(t, AttachmentStub{Name: "a.pdf", ContentType: "application/pdf", Length: 4}, stubs[0])
	assert.Equal(t, "b.png", stubs[1].Name)
	assert.Nil(t, ParseAttachments(""))
}

func TestOpen_UnsupportedEngine(t *testing.T) {
	_, err := Open(context.Background(), types.ConnectionConfig{Engine: "mongo"})
	assert.ErrorContains(t, err, "unsupported source engine")
}
