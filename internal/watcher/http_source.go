package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/util"
	"golang.org/x/time/rate"
)

// HTTPSource pages through GET {base_url}{path}?since=..&page=..&limit=..,
// pacing requests with a token bucket.
type HTTPSource struct {
	cfg     config.UpstreamConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPSource(cfg config.UpstreamConfig) (*HTTPSource, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("upstream base_url: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "incident-relay"
	}
	lim := rate.Inf
	if cfg.RatePerSecond > 0 {
		lim = rate.Limit(cfg.RatePerSecond)
	}

	return &HTTPSource{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(lim, cfg.Burst),
	}, nil
}

func (s *HTTPSource) Fetch(ctx context.Context, since time.Time) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for page := 1; page <= s.cfg.MaxPages; page++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		batch, err := s.fetchPage(ctx, since, page)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < s.cfg.PageSize {
			break
		}
	}
	return out, nil
}

func (s *HTTPSource) fetchPage(ctx context.Context, since time.Time, page int) ([]json.RawMessage, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(s.cfg.PageSize))
	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + s.cfg.Path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitedError{Status: res.StatusCode, RetryAfter: util.RetryAfter(res.Header, time.Now())}
	}
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("upstream page=%d status=%d", page, res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	return decodeListing(body)
}

// decodeListing accepts a bare array or an object wrapping it under
// data, items or results.
func decodeListing(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(body, &arr); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
		return arr, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	for _, k := range []string{"data", "items", "results"} {
		if raw, ok := wrapped[k]; ok {
			var arr []json.RawMessage
			if err := json.Unmarshal(raw, &arr); err != nil {
				return nil, fmt.Errorf("decode listing %s: %w", k, err)
			}
			return arr, nil
		}
	}
	return nil, errors.New("decode listing: no data array")
}

