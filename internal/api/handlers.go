package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/alarm"
	"github.com/gemini-hlsw/lch-sub000/internal/clearance"
	"github.com/gemini-hlsw/lch-sub000/internal/events"
	"github.com/gemini-hlsw/lch-sub000/internal/model"
	"github.com/gemini-hlsw/lch-sub000/internal/nightstore"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

// maxBodyBytes bounds JSON request bodies other than confirmations.
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "ltts", "site": s.deps.Site})
}

// StatusView is the body of GET /api/v1/status and of stream status messages.
type StatusView struct {
	State       alarm.State `json:"state"`
	Clear       bool        `json:"clear"`
	Night       string      `json:"night,omitempty"`
	DistanceDeg *float64    `json:"distanceDeg,omitempty"`
	*alarm.Snapshot
}

// NewStatusView combines the engine's state, clear flag and snapshot.
func NewStatusView(e *alarm.Engine) StatusView {
	v := StatusView{State: e.State(), Clear: e.Clear(), Snapshot: e.Snapshot()}
	if v.Snapshot != nil {
		if v.Snapshot.Night != nil {
			v.Night = v.Snapshot.Night.ID
		}
		if v.Snapshot.HasTarget() {
			d := v.Snapshot.Distance
			v.DistanceDeg = &d
		}
	}
	return v
}

// StatusSource feeds the status stream from the alarm engine.
type StatusSource struct {
	Site   string
	Engine *alarm.Engine
}

func (src StatusSource) Hello() any {
	v := NewStatusView(src.Engine)
	return map[string]any{"site": src.Site, "night": v.Night, "state": v.State}
}

func (src StatusSource) Status() any {
	if src.Engine.Snapshot() == nil {
		return nil
	}
	return NewStatusView(src.Engine)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v := NewStatusView(s.deps.Alarm)
	if v.Snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type nightView struct {
	*model.Night
	Counts     map[model.State]int `json:"counts"`
	AgeSeconds float64             `json:"ageSeconds"`
}

func (s *Server) handleNight(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Nights.Get()
	if n == nil {
		writeError(w, http.StatusServiceUnavailable, nightstore.ErrNoNight.Error())
		return
	}
	writeJSON(w, http.StatusOK, nightView{Night: n, Counts: n.StateCounts(), AgeSeconds: s.deps.Nights.AgeSeconds()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "no plan source configured")
		return
	}
	res, err := s.deps.Refresher.Refresh(r.Context())
	if err != nil {
		s.logger.Warn("plan refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.publish(r.Context(), events.TypeNightChanged, "refresh")
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":       res.Mode.String(),
		"counts":     res.Counts,
		"reset":      res.Reset,
		"recycled":   res.Recycled,
		"unassigned": len(res.Unassigned),
	})
}

func writeRequest(w http.ResponseWriter, code int, req clearance.Request) {
	var buf bytes.Buffer
	req.WriteTo(&buf)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "PRM_"+req.Night+".txt"))
	w.WriteHeader(code)
	w.Write(buf.Bytes())
}

func (s *Server) handlePRMPreview(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Nights.Get()
	if n == nil {
		writeError(w, http.StatusServiceUnavailable, nightstore.ErrNoNight.Error())
		return
	}
	req, err := clearance.BuildRequest(n, s.now())
	if errors.Is(err, clearance.ErrNothingToSend) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeRequest(w, http.StatusOK, req)
}

// handleTransmit builds the clearance request and records it as sent. The
// request text is the response; delivering it is up to the caller.
func (s *Server) handleTransmit(w http.ResponseWriter, r *http.Request) {
	var req clearance.Request
	_, err := s.deps.Nights.Update(func(cur *model.Night) (*model.Night, error) {
		next, rq, err := clearance.Transmit(cur, s.now())
		req = rq
		return next, err
	})
	switch {
	case errors.Is(err, nightstore.ErrNoNight):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, clearance.ErrNothingToSend):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("transmit failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.logger.Info("clearance request recorded as sent", "night", req.Night, "targets", len(req.Targets))
	s.publish(r.Context(), events.TypeNightChanged, "transmit")
	writeRequest(w, http.StatusOK, req)
}

func (s *Server) handleListClosures(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Nights.Get()
	if n == nil {
		writeError(w, http.StatusServiceUnavailable, nightstore.ErrNoNight.Error())
		return
	}
	closures := n.Closures
	if closures == nil {
		closures = []model.BlanketClosure{}
	}
	writeJSON(w, http.StatusOK, closures)
}

type closureRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (c closureRequest) window() (window.Window, error) {
	return window.New(c.Start, c.End)
}

func (s *Server) handleAddClosure(w http.ResponseWriter, r *http.Request) {
	var body closureRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid closure: "+err.Error())
		return
	}
	win, err := body.window()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var added model.BlanketClosure
	_, err = s.deps.Nights.Update(func(cur *model.Night) (*model.Night, error) {
		next := cur.Clone()
		c, err := next.AddClosure(win)
		added = c
		return next, err
	})
	if err != nil {
		s.writeUpdateError(w, err)
		return
	}
	s.logger.Info("blanket closure added", "closure", added.ID, "window", win.String())
	s.publish(r.Context(), events.TypeNightChanged, "closure added")
	writeJSON(w, http.StatusCreated, added)
}

var errNotFound = errors.New("closure not found")

func closureID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) handleUpdateClosure(w http.ResponseWriter, r *http.Request) {
	id, err := closureID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid closure id")
		return
	}
	var body closureRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid closure: "+err.Error())
		return
	}
	win, err := body.window()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err = s.deps.Nights.Update(func(cur *model.Night) (*model.Night, error) {
		next := cur.Clone()
		if !next.UpdateClosure(id, win) {
			return nil, errNotFound
		}
		return next, nil
	})
	if err != nil {
		s.writeUpdateError(w, err)
		return
	}
	s.publish(r.Context(), events.TypeNightChanged, "closure updated")
	writeJSON(w, http.StatusOK, model.BlanketClosure{ID: id, Window: win})
}

func (s *Server) handleDeleteClosure(w http.ResponseWriter, r *http.Request) {
	id, err := closureID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid closure id")
		return
	}
	_, err = s.deps.Nights.Update(func(cur *model.Night) (*model.Night, error) {
		next := cur.Clone()
		if !next.RemoveClosure(id) {
			return nil, errNotFound
		}
		return next, nil
	})
	if err != nil {
		s.writeUpdateError(w, err)
		return
	}
	s.publish(r.Context(), events.TypeNightChanged, "closure removed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeUpdateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, nightstore.ErrNoNight):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, window.ErrEmpty), errors.Is(err, model.ErrIntegrity):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("night update failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleConfirmation applies an uploaded confirmation report. Integrity
// failures reject the whole report; skipped entries are listed in the
// response and in the night's notices.
func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	rep, err := clearance.Decode(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var out clearance.Outcome
	_, err = s.deps.Nights.Update(func(cur *model.Night) (*model.Night, error) {
		next, o, err := s.deps.Applier.Apply(cur, rep, s.now())
		out = o
		return next, err
	})
	if err != nil {
		s.writeUpdateError(w, err)
		return
	}
	s.publish(r.Context(), events.TypeConfirmation, out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAutoShutter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"state": s.deps.Alarm.State(), "enabled": s.deps.Alarm.State() != alarm.Off})
}

func (s *Server) handleSetAutoShutter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	st := s.deps.Alarm.SetEnabled(r.Context(), *body.Enabled)
	s.logger.Info("auto-shutter switched by operator", "enabled", *body.Enabled, "state", st.String())
	writeJSON(w, http.StatusOK, map[string]any{"state": st, "enabled": st != alarm.Off})
}

func (s *Server) publish(ctx context.Context, typ string, data any) {
	nightID := ""
	if n := s.deps.Nights.Get(); n != nil {
		nightID = n.ID
	}
	ev := events.New(typ, s.deps.Site, nightID, s.now(), data)
	if err := s.deps.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("publishing event failed", "type", typ, "error", err)
	}
}
