package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/collision"
	"github.com/gemini-hlsw/lch-sub000/internal/events"
	"github.com/gemini-hlsw/lch-sub000/internal/metrics"
	"github.com/gemini-hlsw/lch-sub000/internal/model"
	"github.com/gemini-hlsw/lch-sub000/internal/tcs"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

// NightSource returns the current night, or nil.
type NightSource interface {
	Get() *model.Night
}

// StatusSource returns the latest telescope status, or nil.
type StatusSource interface {
	Get() *tcs.Status
}

// CollisionSource returns the latest collision feed snapshot, or nil.
type CollisionSource interface {
	Get() *collision.Snapshot
}

// Commander issues commands on the telescope-control channel.
type Commander interface {
	Shutter(ctx context.Context) error
	WriteHeartbeat(ctx context.Context, v int) error
}

// Config holds the engine parameters.
type Config struct {
	Site         string
	ErrorConeDeg float64
	Buffers      Buffers
	SettleTime   time.Duration
	Production   bool
	// CommandTimeout bounds each command sequence on the channel.
	CommandTimeout time.Duration
}

// Engine owns the snapshot, the clear flag and the auto-shutter state.
type Engine struct {
	cfg        Config
	nights     NightSource
	status     StatusSource
	collisions CollisionSource
	commander  Commander
	publisher  events.Publisher
	logger     *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)

	snapshot atomic.Pointer[Snapshot]
	clear    atomic.Bool
	state    atomic.Int32

	decide sync.Mutex // guards transitions and the shutter sequence
	beat   int
}

// New creates an Engine. It starts INACTIVE in production and OFF otherwise.
// collisions and publisher may be nil.
func New(cfg Config, nights NightSource, status StatusSource, collisions CollisionSource, commander Commander, publisher events.Publisher, logger *slog.Logger) *Engine {
	if cfg.ErrorConeDeg <= 0 {
		cfg.ErrorConeDeg = 0.1
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	e := &Engine{
		cfg:        cfg,
		nights:     nights,
		status:     status,
		collisions: collisions,
		commander:  commander,
		publisher:  publisher,
		logger:     logger.With("component", "alarm"),
		now:        time.Now,
		sleep:      time.Sleep,
	}
	initial := Off
	if cfg.Production {
		initial = Inactive
	}
	e.state.Store(int32(initial))
	metrics.SetAutoShutterState(initial.String(), stateNames())
	return e
}

// State returns the current auto-shutter state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Snapshot returns the latest snapshot, or nil before the first build.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Clear returns the latest clear-to-propagate evaluation.
func (e *Engine) Clear() bool {
	return e.clear.Load()
}

// Refresh builds and publishes a new snapshot.
func (e *Engine) Refresh() *Snapshot {
	start := time.Now()
	var coll *collision.Snapshot
	if e.collisions != nil {
		coll = e.collisions.Get()
	}
	s := build(e.now(), e.cfg.ErrorConeDeg, e.cfg.Buffers, e.nights.Get(), e.status.Get(), coll)

	prev := e.snapshot.Swap(s)
	if s.NightChanged(prev) && s.Night != nil {
		e.logger.Info("snapshot night changed", "night", s.Night.ID)
	}
	if s.TargetChanged(prev) {
		if s.Target != nil {
			e.logger.Info("matched laser target", "target", s.Target.ID, "distance_deg", s.Distance)
		} else if prev != nil {
			e.logger.Info("no laser target matched")
		}
	}
	metrics.ObserveSnapshotBuild(time.Since(start))
	return s
}

// ClearToPropagate evaluates the predicate at now against the latest
// snapshot and telescope status.
func (e *Engine) ClearToPropagate(now time.Time) bool {
	s := e.snapshot.Load()
	if !s.HasTarget() {
		return false
	}
	if now.Before(s.Earliest) || now.After(s.Latest) {
		return false
	}
	st := e.status.Get()
	if !st.Connected() {
		return false
	}
	if pointingDistance(st, s.Target) > e.cfg.ErrorConeDeg/2 {
		return false
	}
	_, ok := window.Find(s.Propagation, now)
	return ok
}

// UpdateClear evaluates the predicate now and publishes the result.
func (e *Engine) UpdateClear() bool {
	c := e.ClearToPropagate(e.now())
	if e.clear.Swap(c) != c {
		e.logger.Info("clear to propagate changed", "clear", c)
	}
	metrics.SetClearToPropagate(c)
	return c
}

// Decide runs one auto-shutter cycle and returns the resulting state.
// Entering SHUTTERING issues the shutter sequence and waits the settle time
// before returning; concurrent calls wait for it.
func (e *Engine) Decide(ctx context.Context) State {
	e.decide.Lock()
	defer e.decide.Unlock()

	cur := e.State()
	if cur == Off {
		return cur
	}

	now := e.now()
	night := e.nights.Get()
	st := e.status.Get()
	in := Inputs{
		InNight: night != nil && night.Covers(now),
		Clear:   e.clear.Load(),
		// An unknown laser status is treated as on sky.
		LaserOnSky: st == nil || st.LaserOnSky,
	}
	nxt := next(cur, in)
	if nxt == cur {
		return cur
	}

	e.transition(ctx, cur, nxt, reason(in))
	if nxt == Shuttering {
		e.shutter(ctx)
		if e.cfg.SettleTime > 0 {
			e.sleep(e.cfg.SettleTime)
		}
	}
	return nxt
}

// RetryShutter reissues the shutter sequence while SHUTTERING and the laser
// is still on sky. It does nothing while a decision cycle holds the lock.
func (e *Engine) RetryShutter(ctx context.Context) bool {
	if !e.decide.TryLock() {
		return false
	}
	defer e.decide.Unlock()

	if e.State() != Shuttering {
		return false
	}
	if st := e.status.Get(); st != nil && !st.LaserOnSky {
		return false
	}
	e.logger.Warn("laser still on sky, reissuing shutter sequence")
	e.shutter(ctx)
	return true
}

// Heartbeat writes the next liveness value while the auto-shutter is
// enabled.
func (e *Engine) Heartbeat(ctx context.Context) error {
	if e.State() == Off {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	if err := e.commander.WriteHeartbeat(ctx, e.beat); err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}
	e.beat = (e.beat + 1) % tcs.HeartbeatModulus
	return nil
}

// SetEnabled is the operator switch. Disabling moves to OFF; enabling moves
// from OFF to INACTIVE and lets the next cycle decide.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool) State {
	e.decide.Lock()
	defer e.decide.Unlock()

	cur := e.State()
	switch {
	case !enabled && cur != Off:
		e.transition(ctx, cur, Off, "disabled by operator")
		return Off
	case enabled && cur == Off:
		e.transition(ctx, cur, Inactive, "enabled by operator")
		return Inactive
	}
	return cur
}

func (e *Engine) shutter(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommandTimeout)
	defer cancel()
	if err := e.commander.Shutter(ctx); err != nil {
		e.logger.Error("shutter sequence failed", "error", err)
	}
}

func (e *Engine) transition(ctx context.Context, from, to State, why string) {
	e.state.Store(int32(to))
	metrics.SetAutoShutterState(to.String(), stateNames())

	log := e.logger.Info
	if to == Shuttering {
		log = e.logger.Warn
	}
	log("auto-shutter transition", "from", from.String(), "to", to.String(), "reason", why)

	payload := events.Transition{From: from.String(), To: to.String(), Reason: why}
	nightID := ""
	if s := e.snapshot.Load(); s != nil {
		if s.Target != nil {
			payload.Target = int64(s.Target.ID)
		}
		if s.Night != nil {
			nightID = s.Night.ID
		}
	}
	ev := events.New(events.TypeTransition, e.cfg.Site, nightID, e.now(), payload)
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("publishing transition failed", "error", err)
	}
}

func reason(in Inputs) string {
	switch {
	case !in.InNight:
		return "outside laser night"
	case in.Clear:
		return "clear to propagate"
	case in.LaserOnSky:
		return "not clear, laser on sky"
	default:
		return "not clear, laser off"
	}
}
