package history

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher retrieves channel history over HTTP.
//
// Fetch never fails: a non-200 status, a transport error and an
// undecodable body all yield an empty history. Callers proceed with an
// empty baseline and let the live handshake fill the gap, so "no history"
// and "history unavailable" are deliberately indistinguishable.
type Fetcher struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	maxBody int64
}

// DefaultMaxBody bounds the history response a Fetcher reads. Longer
// bodies are treated as undecodable.
const DefaultMaxBody = 64 << 20

type FetcherOption func(*Fetcher)

func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

func WithLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = l }
}

// WithMaxBody replaces DefaultMaxBody.
func WithMaxBody(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxBody = n }
}

func NewFetcher(baseURL string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
		maxBody: DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the updates broadcast on channel, oldest first.
func (f *Fetcher) Fetch(ctx context.Context, channel, apiKey string) [][]byte {
	logger := f.logger.With("channel", channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/yjs/"+url.PathEscape(channel), nil)
	if err != nil {
		logger.Warn("building history request", "error", err)
		return [][]byte{}
	}
	req.Header.Set(APIKeyHeader, apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		logger.Warn("fetching history", "error", err)
		return [][]byte{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("history endpoint returned non-200 status", "status", resp.StatusCode)
		return [][]byte{}
	}

	var body Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, f.maxBody)).Decode(&body); err != nil {
		logger.Warn("decoding history", "error", err)
		return [][]byte{}
	}

	updates := make([][]byte, 0, len(body.Events))
	for _, e := range body.Events {
		updates = append(updates, []byte(e.Update.Data))
	}
	logger.Debug("fetched history", "events", len(updates))
	return updates
}
