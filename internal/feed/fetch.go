// Package feed fetches GTFS-RT and outage feeds, normalizes their entities
// into ActiveStop records, and aggregates them into servable payloads.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
)

// Error classes mapped to HTTP-equivalent statuses at the handler boundary.
var (
	ErrUpstream = errors.New("upstream fetch failed")
	ErrDecode   = errors.New("feed decode failed")
)

// fetchWithRetry GETs url with a bounded retry budget: attempts tries with a
// doubling backoff between them. A non-2xx status counts as a failed attempt.
// The schedule bounds total latency (~3.5s at the defaults) in place of an
// explicit deadline.
func fetchWithRetry(ctx context.Context, client *http.Client, url string, header http.Header, attempts int, backoff time.Duration) ([]byte, error) {
	var lastErr error
	delay := backoff
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrUpstream, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
			continue
		}
		return body, nil
	}
	if lastErr == nil {
		lastErr = errors.New("max retries reached")
	}
	return nil, fmt.Errorf("%w: %w", ErrUpstream, lastErr)
}

// fetchFeedMessage fetches and decodes one GTFS-RT protobuf feed. Decode
// failures are not retried.
func fetchFeedMessage(ctx context.Context, client *http.Client, url string, attempts int, backoff time.Duration) (*gtfsrt.FeedMessage, error) {
	body, err := fetchWithRetry(ctx, client, url, nil, attempts, backoff)
	if err != nil {
		return nil, err
	}
	var fm gtfsrt.FeedMessage
	if err := proto.Unmarshal(body, &fm); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, url, err)
	}
	return &fm, nil
}
