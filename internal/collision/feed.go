package collision

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/metrics"
)

// maxBodyBytes bounds a feed response.
const maxBodyBytes = 1 << 20

// Fetcher retrieves the raw collision feed.
type Fetcher struct {
	sourceURL  string
	httpClient *http.Client
}

// NewFetcher creates a Fetcher. A zero timeout means 5s.
func NewFetcher(sourceURL string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fetcher{
		sourceURL:  sourceURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch performs an HTTP GET to retrieve the feed text.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching collision feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, f.sourceURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("collision feed exceeds %d byte limit", maxBodyBytes)
	}
	return body, nil
}

// Snapshot is the latest state of the feed. Collisions are those of the last
// successful fetch; Err describes the last failure, if the last attempt failed.
type Snapshot struct {
	Collisions []Collision `json:"collisions"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	Err        string      `json:"error,omitempty"`
}

// Degraded reports whether the latest refresh failed.
func (s *Snapshot) Degraded() bool {
	return s != nil && s.Err != ""
}

// Feed polls the fetcher and publishes snapshots.
type Feed struct {
	fetcher  *Fetcher
	loc      *time.Location
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	current atomic.Pointer[Snapshot]
}

// NewFeed creates a Feed. loc is the site time zone of the feed's clock times.
func NewFeed(fetcher *Fetcher, loc *time.Location, interval time.Duration, logger *slog.Logger) *Feed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Feed{
		fetcher:  fetcher,
		loc:      loc,
		interval: interval,
		logger:   logger.With("component", "collisions"),
		now:      time.Now,
	}
}

// Get returns the latest snapshot, or nil before the first refresh.
func (f *Feed) Get() *Snapshot {
	return f.current.Load()
}

// Refresh fetches and parses the feed once and publishes the result. On
// failure the previous collisions are kept and the snapshot is flagged.
func (f *Feed) Refresh(ctx context.Context) error {
	now := f.now()
	body, err := f.fetcher.Fetch(ctx)
	var cs []Collision
	if err == nil {
		cs, err = Parse(bytes.NewReader(body), now, f.loc, f.logger)
	}

	if err != nil {
		metrics.IncCollisionFetchError()
		prev := f.current.Load()
		next := &Snapshot{UpdatedAt: now, Err: err.Error()}
		if prev != nil {
			next.Collisions = prev.Collisions
		}
		f.current.Store(next)
		return err
	}

	metrics.SetCollisions(len(cs))
	f.current.Store(&Snapshot{Collisions: cs, UpdatedAt: now})
	return nil
}

// Run refreshes every interval until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	failing := false
	for {
		if err := f.Refresh(ctx); err != nil {
			if !failing {
				f.logger.Warn("collision feed unavailable", "error", err)
			}
			failing = true
		} else if failing {
			f.logger.Info("collision feed recovered")
			failing = false
		}

		select {
		case <-ctx.Done():
			f.logger.Info("collision feed stopped")
			return
		case <-ticker.C:
		}
	}
}
