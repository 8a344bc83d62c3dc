// Package collision reads the collision-avoidance feed: periods during which
// another observatory's beam or a priority object crosses our path.
package collision

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

// NoLGS is the priority value the feed uses for entries that are not real
// collisions.
const NoLGS = "NO-LGS"

// Collision is one reported conflict.
type Collision struct {
	Observatory string `json:"observatory"`
	Priority    string `json:"priority"`
	window.Window
}

// Parse reads whitespace-separated "observatory priority HH:MM:SS HH:MM:SS"
// lines. Times are site-local on the day of now. A line whose end is before
// now is moved one day forward, then a start after the end is moved one day
// back; no collision spans more than a day. Malformed lines are skipped with a
// warning, NO-LGS lines silently.
func Parse(r io.Reader, now time.Time, loc *time.Location, logger *slog.Logger) ([]Collision, error) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	scanner := bufio.NewScanner(r)
	var out []Collision
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			logger.Warn("skipping malformed collision line", "line", lineNo, "fields", len(fields))
			continue
		}
		if strings.EqualFold(fields[1], NoLGS) {
			continue
		}

		start, err := clock(local, fields[2])
		if err != nil {
			logger.Warn("skipping collision with invalid start", "line", lineNo, "value", fields[2], "error", err)
			continue
		}
		end, err := clock(local, fields[3])
		if err != nil {
			logger.Warn("skipping collision with invalid end", "line", lineNo, "value", fields[3], "error", err)
			continue
		}

		if end.Before(now) {
			start, end = start.AddDate(0, 0, 1), end.AddDate(0, 0, 1)
		}
		if start.After(end) {
			start = start.AddDate(0, 0, -1)
		}
		if !start.Before(end) {
			logger.Warn("skipping empty collision", "line", lineNo)
			continue
		}

		out = append(out, Collision{
			Observatory: fields[0],
			Priority:    fields[1],
			Window:      window.Window{Start: start, End: end},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading collision feed: %w", err)
	}
	return out, nil
}

// clock places HH:MM:SS on the calendar day of day.
func clock(day time.Time, s string) (time.Time, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), t.Second(), 0, day.Location()), nil
}

// Windows returns the collision intervals.
func Windows(cs []Collision) []window.Window {
	out := make([]window.Window, len(cs))
	for i, c := range cs {
		out[i] = c.Window
	}
	return out
}
