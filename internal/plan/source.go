// Package plan queries the observing plan for a night.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/model"
	"github.com/gemini-hlsw/lch-sub000/internal/sky"
)

// maxBodyBytes bounds a plan response.
const maxBodyBytes = 16 << 20

// Entry is one target of one observation as the plan reports it.
type Entry struct {
	ObservationID string  `json:"observationId"`
	TargetName    string  `json:"targetName"`
	TargetType    string  `json:"targetType"`
	Frame         string  `json:"frame"`
	A             float64 `json:"a"`
	B             float64 `json:"b"`
}

// Source returns the authoritative plan for the night starting on day.
type Source interface {
	Query(ctx context.Context, site string, day time.Time) ([]Entry, error)
}

// HTTPSource queries a plan service that answers GET ?site=..&date=YYYY-MM-DD
// with a JSON array of entries.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSource creates an HTTPSource. A zero timeout means 30s.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Query performs the HTTP GET and decodes the entries.
func (s *HTTPSource) Query(ctx context.Context, site string, day time.Time) ([]Entry, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing plan URL: %w", err)
	}
	q := u.Query()
	q.Set("site", site)
	q.Set("date", day.Format("2006-01-02"))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching plan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, u.Redacted())
	}

	return decode(io.LimitReader(resp.Body, maxBodyBytes))
}

// FileSource reads the plan from a JSON file. Useful for test nights and for
// sites without a plan service.
type FileSource struct {
	Path string
}

// Query ignores site and day and returns the file contents.
func (s FileSource) Query(_ context.Context, _ string, _ time.Time) ([]Entry, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("opening plan file: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	return entries, nil
}

// Observations groups entries by observation id, keeping the order in which
// observations first appear. Entries with an unknown type or frame, or an
// empty observation id, are skipped with a warning. Observations without a
// base target are dropped. Target ids are left at zero.
func Observations(entries []Entry, logger *slog.Logger) []model.Observation {
	index := make(map[string]int)
	var out []model.Observation

	for i, e := range entries {
		t, err := toTarget(e)
		if err != nil {
			logger.Warn("skipping plan entry", "index", i, "observation", e.ObservationID, "error", err)
			continue
		}
		j, ok := index[e.ObservationID]
		if !ok {
			j = len(out)
			index[e.ObservationID] = j
			out = append(out, model.Observation{ID: e.ObservationID})
		}
		out[j].Targets = append(out[j].Targets, t)
	}

	kept := out[:0]
	for _, o := range out {
		if _, ok := o.Base(); !ok {
			logger.Warn("dropping observation without base target", "observation", o.ID, "targets", len(o.Targets))
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

func toTarget(e Entry) (model.ObservationTarget, error) {
	if e.ObservationID == "" {
		return model.ObservationTarget{}, errors.New("missing observation id")
	}
	typ, err := model.ParseTargetType(e.TargetType)
	if err != nil {
		return model.ObservationTarget{}, err
	}
	frame, err := sky.ParseFrame(e.Frame)
	if err != nil {
		return model.ObservationTarget{}, err
	}
	return model.ObservationTarget{
		Name:     e.TargetName,
		Type:     typ,
		Position: sky.Coordinates{Frame: frame, A: e.A, B: e.B},
	}, nil
}
