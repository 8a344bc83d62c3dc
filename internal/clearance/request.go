// Package clearance builds clearance requests for the laser clearinghouse and
// applies the confirmations it sends back.
package clearance

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/model"
	"github.com/gemini-hlsw/lch-sub000/internal/sky"
)

// ErrNothingToSend means every laser target of the night was already sent.
var ErrNothingToSend = errors.New("no untransmitted laser targets")

// Request is the content of one clearance request (PRM).
type Request struct {
	Site         string          `json:"site"`
	Night        string          `json:"night"`
	Created      time.Time       `json:"created"`
	MissionStart time.Time       `json:"missionStart"`
	MissionEnd   time.Time       `json:"missionEnd"`
	Targets      []RequestTarget `json:"targets"`
}

// RequestTarget is one position in a Request.
type RequestTarget struct {
	ID       model.LaserTargetID `json:"id"`
	Position sky.Coordinates     `json:"position"`
}

// BuildRequest lists the untransmitted laser targets of n that some
// observation target references. The mission spans the propagation envelope.
func BuildRequest(n *model.Night, now time.Time) (Request, error) {
	refs := make(map[model.LaserTargetID]bool)
	n.EachTarget(func(_ *model.Observation, t *model.ObservationTarget) {
		if t.State != model.StateRemoved && t.LaserTarget != 0 {
			refs[t.LaserTarget] = true
		}
	})

	req := Request{
		Site:         n.Site,
		Night:        n.ID,
		Created:      now.UTC(),
		MissionStart: n.EarliestPropagation.UTC(),
		MissionEnd:   n.LatestPropagation.UTC(),
	}
	for _, lt := range n.LaserTargets() {
		if lt.Transmitted || !refs[lt.ID] {
			continue
		}
		req.Targets = append(req.Targets, RequestTarget{ID: lt.ID, Position: lt.Position})
	}
	if len(req.Targets) == 0 {
		return Request{}, ErrNothingToSend
	}
	return req, nil
}

// WriteTo renders the request as the plain-text document sent to the
// clearinghouse.
func (r Request) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SITE %s\n", r.Site)
	fmt.Fprintf(&b, "NIGHT %s\n", r.Night)
	fmt.Fprintf(&b, "CREATED %s\n", r.Created.Format(time.RFC3339))
	fmt.Fprintf(&b, "MISSION %s %s\n", r.MissionStart.Format(time.RFC3339), r.MissionEnd.Format(time.RFC3339))
	fmt.Fprintf(&b, "TARGETS %d\n", len(r.Targets))
	for _, t := range r.Targets {
		fmt.Fprintf(&b, "%d %s %.6f %.6f\n", t.ID, strings.ToUpper(t.Position.Frame.String()), t.Position.A, t.Position.B)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Transmit builds the request for n and returns a clone in which the request
// is recorded as sent: its laser targets are transmitted and ADDED targets are
// promoted to OK. n is not modified.
func Transmit(n *model.Night, now time.Time) (*model.Night, Request, error) {
	req, err := BuildRequest(n, now)
	if err != nil {
		return nil, Request{}, err
	}
	next := n.Clone()
	if _, err := next.MarkTransmitted(now); err != nil {
		return nil, Request{}, fmt.Errorf("marking %s transmitted: %w", n.ID, err)
	}
	return next, req, nil
}
