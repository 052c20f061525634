package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudq/pkg/dispatch"
	"cloudq/pkg/store/memory"
)

func newTestServer(t *testing.T, timeout time.Duration) *httptest.Server {
	t.Helper()
	st := memory.New()
	d := dispatch.New(st, dispatch.WithTimeout(timeout))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(New(d, st, logger, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type jobDoc struct {
	ID     string          `json:"id"`
	Queue  string          `json:"queue"`
	Job    json.RawMessage `json:"job"`
	State  string          `json:"state"`
	Status string          `json:"status"`
	Error  string          `json:"error"`
}

func TestPublishConsumeCompleteFlow(t *testing.T) {
	ts := newTestServer(t, time.Second)

	resp := postJSON(t, ts.URL+"/emails", `{"job":{"to":"a@example.com"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var published jobDoc
	decodeBody(t, resp, &published)
	assert.NotEmpty(t, published.ID)
	assert.Equal(t, "emails", published.Queue)
	assert.Equal(t, "queued", published.State)

	resp, err := http.Get(ts.URL + "/emails")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var consumed jobDoc
	decodeBody(t, resp, &consumed)
	assert.Equal(t, published.ID, consumed.ID)
	assert.Equal(t, "reserved", consumed.State)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(consumed.Job))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/emails/"+consumed.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var completed jobDoc
	decodeBody(t, resp, &completed)
	assert.Equal(t, "completed", completed.State)

	// A second complete with the same id fails.
	resp, err = http.DefaultClient.Do(req.Clone(req.Context()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestPublish_RequiresJSONContentType(t *testing.T) {
	ts := newTestServer(t, time.Second)

	resp, err := http.Post(ts.URL+"/emails", "text/plain", bytes.NewReader([]byte("hi")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	var body jobDoc
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.Error)
}

func TestPublish_RequiresJobField(t *testing.T) {
	ts := newTestServer(t, time.Second)

	resp := postJSON(t, ts.URL+"/emails", `{"other":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestPublish_PutIsAccepted(t *testing.T) {
	ts := newTestServer(t, time.Second)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/emails",
		bytes.NewReader([]byte(`{"job":{"n":1}}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestConsume_EmptyQueue(t *testing.T) {
	ts := newTestServer(t, 50*time.Millisecond)

	start := time.Now()
	resp, err := http.Get(ts.URL + "/jobs")
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body jobDoc
	decodeBody(t, resp, &body)
	assert.Equal(t, "empty", body.Status)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestComplete_UnknownJob(t *testing.T) {
	ts := newTestServer(t, time.Second)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/emails/no-such-id", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Second)

	postJSON(t, ts.URL+"/emails", `{"job":{"n":1}}`).Body.Close()
	postJSON(t, ts.URL+"/emails", `{"job":{"n":2}}`).Body.Close()

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]map[string]int64
	decodeBody(t, resp, &stats)
	assert.Equal(t, int64(2), stats["emails"]["queued"])
}

func TestWorkersEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Second)

	resp, err := http.Get(ts.URL + "/workers")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Online int `json:"online"`
	}
	decodeBody(t, resp, &body)
	assert.Zero(t, body.Online)
}

func TestReservedQueueNames(t *testing.T) {
	ts := newTestServer(t, time.Second)

	resp := postJSON(t, ts.URL+"/workers", `{"job":{"n":1}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Second)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
