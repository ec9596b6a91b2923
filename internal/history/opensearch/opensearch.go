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

	"github.com/loykin/torvisr/internal/history"
)

const DefaultIndex = "tor-events"

// Options configures the document endpoint. With Daily set every event is
// written to "<Index>-YYYY.MM.DD" and searches span "<Index>-*".
type Options struct {
	URL      string
	Index    string
	Username string
	Password string
	Daily    bool
	Timeout  time.Duration
}

// Sink indexes events as JSON documents over the REST API.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	opts.URL = strings.TrimRight(opts.URL, "/")
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

func (s *Sink) indexFor(t time.Time) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + t.UTC().Format("2006.01.02")
}

func (s *Sink) searchTarget() string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-*"
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, "/"+s.indexFor(e.OccurredAt)+"/_doc", b)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source history.Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *Sink) Recent(ctx context.Context, q history.Query) ([]history.Event, error) {
	var filters []any
	if q.Type != "" {
		filters = append(filters, map[string]any{"match": map[string]any{"type": string(q.Type)}})
	}
	if !q.Since.IsZero() {
		filters = append(filters, map[string]any{"range": map[string]any{
			"occurred_at": map[string]any{"gte": q.Since.UTC().Format(time.RFC3339Nano)},
		}})
	}
	body := map[string]any{
		"size": q.Bounded(),
		"sort": []any{map[string]any{"occurred_at": map[string]any{"order": "desc"}}},
		"query": map[string]any{"bool": map[string]any{"filter": filters}},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, "/"+s.searchTarget()+"/_search?ignore_unavailable=true", b)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode opensearch response: %w", err)
	}
	out := make([]history.Event, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

func (s *Sink) do(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("opensearch %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
