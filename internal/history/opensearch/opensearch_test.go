package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/epithetd/internal/history"
)

func TestSendIndexesDailyDocument(t *testing.T) {
	var body []byte
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	at := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
	started := at.Add(-time.Minute)
	sink := New(srv.URL+"/", "/broker-history/")
	err := sink.Send(context.Background(), history.Event{
		Type:       history.EventRunning,
		OccurredAt: at,
		Record: history.Record{
			Name: "corp", BrokerID: "id-1", PID: 12345, State: "running",
			RuntimeDir: "/run/abc", StartedAt: started,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	// the date is taken in UTC
	assert.Equal(t, "/broker-history-2026.03.10/_doc", path)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "running", doc["event"])
	assert.Equal(t, map[string]any{"name": "corp", "id": "id-1"}, doc["broker"])
	assert.Equal(t, float64(12345), doc["pid"])
	assert.Equal(t, "/run/abc", doc["runtime_dir"])
	assert.Equal(t, "2026-03-10T01:30:00Z", doc["@timestamp"])
	assert.Contains(t, doc, "started_at")
}

func TestSendOmitsEmptyFields(t *testing.T) {
	var doc map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&doc)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "h").Send(context.Background(), history.Event{
		Type: history.EventStop, OccurredAt: time.Now(), Record: history.Record{Name: "a", State: "stopped"},
	}))
	assert.NotContains(t, doc, "pid")
	assert.NotContains(t, doc, "started_at")
	assert.NotContains(t, doc, "message")
}

func TestSendReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()

	err := New(srv.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStart, OccurredAt: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	assert.Error(t, New(url, "idx").Send(context.Background(), history.Event{}))
}
