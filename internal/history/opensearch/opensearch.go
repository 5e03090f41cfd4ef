// Package opensearch indexes lifecycle events into OpenSearch or Elasticsearch
// through the plain document API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/camvisr/internal/history"
)

// Sink indexes each event as one document. The document id is derived from
// the worker run and event type, so a resent event overwrites itself.
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	daily    bool
	user     string
	password string
}

type Option func(*Sink)

// WithBasicAuth authenticates every request.
func WithBasicAuth(user, password string) Option {
	return func(s *Sink) { s.user, s.password = user, password }
}

// WithDailyIndex writes into <index>-YYYY.MM.DD by event time.
func WithDailyIndex() Option {
	return func(s *Sink) { s.daily = true }
}

// WithHTTPClient replaces the default client with a 5s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

func New(baseURL, index string, opts ...Option) *Sink {
	s := &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IndexFor returns the index an event occurring at t is written to.
func (s *Sink) IndexFor(t time.Time) string {
	if !s.daily {
		return s.index
	}
	return s.index + "-" + t.UTC().Format("2006.01.02")
}

func docID(e history.Event) string {
	return e.Record.Key() + "/" + string(e.Type)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.IndexFor(e.OccurredAt), url.PathEscape(docID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if len(msg) > 0 {
			return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		}
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
