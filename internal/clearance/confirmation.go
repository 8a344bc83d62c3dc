package clearance

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/metrics"
	"github.com/gemini-hlsw/lch-sub000/internal/model"
	"github.com/gemini-hlsw/lch-sub000/internal/sky"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

var (
	// ErrStale is returned for a target whose stored windows are at least as
	// new as the report.
	ErrStale = model.ErrStale

	// ErrUnmatched means no transmitted laser target lies within the match
	// tolerance of a reported position.
	ErrUnmatched = errors.New("no laser target at reported position")
)

// maxReportBytes bounds an uploaded report.
const maxReportBytes = 4 << 20

// Report is a confirmation (PAM) from the clearinghouse.
type Report struct {
	Site         string         `json:"site"`
	ReportTime   time.Time      `json:"reportTime"`
	MissionStart time.Time      `json:"missionStart"`
	MissionEnd   time.Time      `json:"missionEnd"`
	Targets      []ReportTarget `json:"targets"`
}

// ReportTarget carries the approved windows of one position.
type ReportTarget struct {
	Position sky.Coordinates `json:"position"`
	Windows  []ReportWindow  `json:"windows"`
}

// ReportWindow is an approved interval as reported, before validation.
type ReportWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Decode reads a JSON report. Unknown fields are rejected.
func Decode(r io.Reader) (Report, error) {
	dec := json.NewDecoder(io.LimitReader(r, maxReportBytes))
	dec.DisallowUnknownFields()
	var rep Report
	if err := dec.Decode(&rep); err != nil {
		return Report{}, fmt.Errorf("%w: decoding confirmation: %v", model.ErrIntegrity, err)
	}
	return rep, nil
}

// Outcome summarizes an applied report.
type Outcome struct {
	Applied int            `json:"applied"`
	Skipped int            `json:"skipped"`
	Notices []model.Notice `json:"notices"`
}

// Applier applies confirmation reports to a night.
type Applier struct {
	matchDeg float64
	logger   *slog.Logger
}

// NewApplier creates an Applier that matches reported positions to laser
// targets within matchDeg.
func NewApplier(matchDeg float64, logger *slog.Logger) *Applier {
	return &Applier{matchDeg: matchDeg, logger: logger.With("component", "confirmations")}
}

// Apply returns a clone of n with the report applied. Integrity failures
// reject the whole report and return ErrIntegrity; stale or unmatched entries
// are skipped and recorded as notices on the clone.
func (a *Applier) Apply(n *model.Night, rep Report, now time.Time) (*model.Night, Outcome, error) {
	windows, err := a.validate(n, rep)
	if err != nil {
		metrics.IncConfirmationRejection("integrity")
		a.logger.Error("confirmation rejected", "night", n.ID, "report_time", rep.ReportTime, "error", err)
		return nil, Outcome{}, err
	}

	next := n.Clone()
	var out Outcome
	skip := func(reason string, msg string, args ...any) {
		out.Skipped++
		metrics.IncConfirmationRejection(reason)
		text := fmt.Sprintf(msg, args...)
		out.Notices = append(out.Notices, model.Notice{Severity: model.SeverityWarning, Message: text, At: now})
		a.logger.Warn("confirmation entry skipped", "night", n.ID, "reason", reason, "detail", text)
	}

	transmitted := func(lt *model.LaserTarget) bool { return lt.Transmitted }
	for i, rt := range rep.Targets {
		lt, d := next.Nearest(rt.Position, transmitted)
		if lt == nil || d > a.matchDeg {
			skip("unmatched", "%v: %s", ErrUnmatched, rt.Position)
			continue
		}

		err := next.ReplaceWindows(lt.ID, rep.ReportTime, windows[i])
		switch {
		case errors.Is(err, ErrStale):
			skip("stale", "laser target %d: %v", lt.ID, err)
			continue
		case err != nil:
			metrics.IncConfirmationRejection("integrity")
			a.logger.Error("confirmation rejected", "night", n.ID, "laser_target", lt.ID, "error", err)
			return nil, Outcome{}, err
		}
		out.Applied++
	}

	if out.Applied > 0 {
		out.Notices = append(out.Notices, model.Notice{
			Severity: model.SeverityInfo,
			Message:  fmt.Sprintf("confirmation of %s applied to %d laser targets", rep.ReportTime.UTC().Format(time.RFC3339), out.Applied),
			At:       now,
		})
	}
	next.LatestPamReceived = now
	next.Notices = out.Notices

	a.logger.Info("confirmation applied", "night", n.ID, "applied", out.Applied, "skipped", out.Skipped)
	return next, out, nil
}

// validate runs the whole-report checks and converts the windows.
func (a *Applier) validate(n *model.Night, rep Report) ([][]window.Window, error) {
	if rep.Site != n.Site {
		return nil, fmt.Errorf("%w: report for site %q, night is %q", model.ErrIntegrity, rep.Site, n.Site)
	}
	if rep.ReportTime.IsZero() {
		return nil, fmt.Errorf("%w: report has no timestamp", model.ErrIntegrity)
	}
	if !rep.MissionStart.Before(rep.MissionEnd) {
		return nil, fmt.Errorf("%w: mission ends at %s before it starts at %s", model.ErrIntegrity,
			rep.MissionEnd.UTC().Format(time.RFC3339), rep.MissionStart.UTC().Format(time.RFC3339))
	}

	out := make([][]window.Window, len(rep.Targets))
	for i, rt := range rep.Targets {
		for _, rw := range rt.Windows {
			w, err := window.New(rw.Start, rw.End)
			if err != nil {
				return nil, fmt.Errorf("%w: target %s window [%s, %s): %v", model.ErrIntegrity, rt.Position,
					rw.Start.UTC().Format(time.RFC3339), rw.End.UTC().Format(time.RFC3339), err)
			}
			out[i] = append(out[i], w)
		}
	}
	return out, nil
}
