// Package opensearch indexes broker lifecycle events into daily
// OpenSearch (or Elasticsearch) indices over the REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/epithetd/internal/history"
)

// Sink posts one document per event to <index>-YYYY.MM.DD.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   strings.Trim(index, "/"),
	}
}

type brokerRef struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// document flattens an event into the field layout dashboards expect.
type document struct {
	Timestamp  time.Time  `json:"@timestamp"`
	Event      string     `json:"event"`
	Broker     brokerRef  `json:"broker"`
	PID        int        `json:"pid,omitempty"`
	State      string     `json:"state"`
	RuntimeDir string     `json:"runtime_dir,omitempty"`
	Message    string     `json:"message,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

func toDocument(e history.Event) document {
	d := document{
		Timestamp:  e.OccurredAt.UTC(),
		Event:      string(e.Type),
		Broker:     brokerRef{Name: e.Record.Name, ID: e.Record.BrokerID},
		PID:        e.Record.PID,
		State:      e.Record.State,
		RuntimeDir: e.Record.RuntimeDir,
		Message:    e.Record.Message,
	}
	if !e.Record.StartedAt.IsZero() {
		t := e.Record.StartedAt.UTC()
		d.StartedAt = &t
	}
	return d
}

// IndexFor returns the daily index an event lands in.
func (s *Sink) IndexFor(e history.Event) string {
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return s.index + "-" + at.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(toDocument(e))
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	u := s.baseURL + "/" + s.IndexFor(e) + "/_doc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.IndexFor(e), resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
