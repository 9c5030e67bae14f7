package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/ferry/pkg/types"
)

func testAlert() types.Alert {
	return types.Alert{
		Level:       types.AlertLevelError,
		ProjectID:   "crm",
		ExecutionID: "exec-1",
		StageID:     types.StageLoadFacts,
		Message:     "stage failed",
		Timestamp:   time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func TestConsoleSink_Send(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)
	assert.Equal(t, "console", sink.Name())

	for _, level := range []types.AlertLevel{types.AlertLevelError, types.AlertLevelWarning, types.AlertLevelInfo} {
		a := testAlert()
		a.Level = level
		require.NoError(t, sink.Send(context.Background(), a))
	}
	assert.Equal(t, 3, strings.Count(buf.String(), "[exec-1/load-facts] stage failed"))
}

func TestWebhookSink_Send_Success(t *testing.T) {
	var received []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	alert := testAlert()
	require.NoError(t, NewWebhookSink(ts.URL).Send(context.Background(), alert))

	var got types.Alert
	require.NoError(t, json.Unmarshal(received, &got))
	assert.Equal(t, alert.Message, got.Message)
	assert.Equal(t, alert.ExecutionID, got.ExecutionID)
	assert.Equal(t, alert.StageID, got.StageID)

	var envelope struct{ Text string }
	require.NoError(t, json.Unmarshal(received, &envelope))
	assert.Equal(t, "[error] crm/exec-1 Load Facts: stage failed", envelope.Text)
}

func TestWebhookSink_Headers(t *testing.T) {
	headers := make(chan http.Header, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	require.NoError(t, NewWebhookSink(ts.URL).Send(context.Background(), testAlert()))
	h := <-headers
	assert.Equal(t, "error", h.Get("X-Ferry-Level"))
	assert.Equal(t, "exec-1", h.Get("X-Ferry-Execution"))
}

func TestSummary_SystemAlert(t *testing.T) {
	assert.Equal(t, "[warning]: queue paused", summary(types.Alert{Level: types.AlertLevelWarning, Message: "queue paused"}))
}

func TestWebhookSink_Send_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("channel archived\n"))
	}))
	defer ts.Close()

	err := NewWebhookSink(ts.URL).Send(context.Background(), testAlert())
	assert.ErrorContains(t, err, "status 500: channel archived")
}

func TestFileSink_Send(t *testing.T) {
	path := t.TempDir() + "/alerts.jsonl"
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	assert.Equal(t, "file", sink.Name())

	require.NoError(t, sink.Send(context.Background(), testAlert()))
	require.NoError(t, sink.Send(context.Background(), testAlert()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var got types.Alert
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, "stage failed", got.Message)

	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Send(context.Background(), testAlert()), os.ErrClosed)
	assert.NoError(t, sink.Close())
}

type memObjects struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (m *memObjects) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, key)
	m.bodies = append(m.bodies, body)
	return "s3://b/" + key, nil
}

func TestArchiveSink_Send(t *testing.T) {
	objs := &memObjects{}
	sink := NewArchiveSink(objs, "/ops/alerts/")
	require.NoError(t, sink.Send(context.Background(), testAlert()))

	require.Len(t, objs.keys, 1)
	assert.Equal(t, "ops/alerts/2026-03-04/exec-1/"+
		"1772600767000-error.json", objs.keys[0])
	assert.Contains(t, string(objs.bodies[0]), `"stage failed"`)

	objs.err = errors.New("access denied")
	assert.ErrorContains(t, sink.Send(context.Background(), testAlert()), "access denied")
}

func TestArchiveKey_SystemAlert(t *testing.T) {
	a := types.Alert{Level: types.AlertLevelInfo, Timestamp: time.Unix(0, 0)}
	assert.Equal(t, "alerts/1970-01-01/system/0-info.json", ArchiveKey("alerts", a))
}

func TestNewDispatcher(t *testing.T) {
	_, err := NewDispatcher([]types.AlertConfig{{Type: types.AlertWebhook}}, nil, nil)
	assert.ErrorContains(t, err, "webhook URL required")

	_, err = NewDispatcher([]types.AlertConfig{{Type: types.AlertS3}}, nil, nil)
	assert.ErrorContains(t, err, "object store required")

	_, err = NewDispatcher([]types.AlertConfig{{Type: "pager"}}, nil, nil)
	assert.ErrorContains(t, err, `unknown alert type "pager"`)

	d, err := NewDispatcher([]types.AlertConfig{{Type: types.AlertConsole}, {Type: types.AlertS3}}, &memObjects{}, nil)
	require.NoError(t, err)
	assert.Len(t, d.sinks, 2)
}

type errSink struct{}

func (s *errSink) Send(context.Context, types.Alert) error { return errors.New("sink error") }
func (s *errSink) Name() string                            { return "error-sink" }

type recordSink struct {
	alerts []types.Alert
}

func (s *recordSink) Send(_ context.Context, a types.Alert) error {
	s.alerts = append(s.alerts, a)
	return nil
}
func (s *recordSink) Name() string { return "record-sink" }

func TestDispatcher_MultiSink(t *testing.T) {
	s1, s2 := &recordSink{}, &recordSink{}
	d := &Dispatcher{sinks: []Sink{s1, s2}, logger: slog.Default()}

	d.Dispatch(context.Background(), testAlert())

	assert.Len(t, s1.alerts, 1)
	assert.Len(t, s2.alerts, 1)
}

func TestDispatcher_SinkError_ContinuesOthers(t *testing.T) {
	recording := &recordSink{}
	d := &Dispatcher{sinks: []Sink{&errSink{}, recording}, logger: slog.Default()}

	d.AlertFunc()(context.Background(), types.Alert{Message: "x"})

	require.Len(t, recording.alerts, 1)
	assert.False(t, recording.alerts[0].Timestamp.IsZero())
}

func TestDispatcher_CloseReleasesFileSink(t *testing.T) {
	path := t.TempDir() + "/alerts.jsonl"
	d, err := NewDispatcher([]types.AlertConfig{{Type: types.AlertConsole}, {Type: types.AlertFile, Path: path}}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	fs := d.sinks[1].(*FileSink)
	assert.ErrorIs(t, fs.Send(context.Background(), testAlert()), os.ErrClosed)
}
