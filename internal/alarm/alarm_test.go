package alarm

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-hlsw/lch-sub000/internal/collision"
	"github.com/gemini-hlsw/lch-sub000/internal/events"
	"github.com/gemini-hlsw/lch-sub000/internal/model"
	"github.com/gemini-hlsw/lch-sub000/internal/sky"
	"github.com/gemini-hlsw/lch-sub000/internal/tcs"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

var hst = time.FixedZone("HST", -10*3600)

// T is the start of the only propagation window in the fixtures.
var T = time.Date(2026, 6, 15, 22, 0, 0, 0, hst)

type nightBox struct{ n *model.Night }

func (b *nightBox) Get() *model.Night { return b.n }

type statusBox struct {
	mu sync.Mutex
	st *tcs.Status
}

func (b *statusBox) Get() *tcs.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

func (b *statusBox) set(st tcs.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = &st
}

type collisionBox struct{ s *collision.Snapshot }

func (b *collisionBox) Get() *collision.Snapshot { return b.s }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() {}

var target = sky.NewRaDec(83.8221, -5.3911)

// fixtureNight has one laser target whose only window is [T, T+10m).
func fixtureNight(t *testing.T) (*model.Night, *model.LaserTarget) {
	t.Helper()
	start := time.Date(2026, 6, 15, 19, 0, 0, 0, hst)
	n := model.NewNight("GN", window.Window{Start: start, End: start.Add(11 * time.Hour)})
	lt := n.AddLaserTarget(target)
	require.NoError(t, n.ReplaceWindows(lt.ID, T.Add(-time.Hour), []window.Window{{Start: T, End: T.Add(10 * time.Minute)}}))
	lt, _ = n.LaserTarget(lt.ID)
	return n, lt
}

type fixture struct {
	engine *Engine
	night  *nightBox
	status *statusBox
	kv     *tcs.MemoryKV
	events *recorder
	now    time.Time
	slept  []time.Duration
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	n, _ := fixtureNight(t)
	f := &fixture{
		night:  &nightBox{n: n},
		status: &statusBox{},
		kv:     tcs.NewMemoryKV(),
		events: &recorder{},
		now:    T.Add(5 * time.Minute),
	}
	f.status.set(tcs.Status{RaDec: target, AzEl: sky.NewAzEl(10, 45), LaserOnSky: true})
	if cfg.ErrorConeDeg == 0 {
		cfg.ErrorConeDeg = 0.1
	}
	cfg.Site = "GN"
	f.engine = New(cfg, f.night, f.status, nil, tcs.NewClient(f.kv, testLogger), f.events, testLogger)
	f.engine.now = func() time.Time { return f.now }
	f.engine.sleep = func(d time.Duration) { f.slept = append(f.slept, d) }
	return f
}

func TestClearToPropagateHalfOpen(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.engine.Refresh()
	require.True(t, s.HasTarget())
	assert.InDelta(t, 0, s.Distance, 1e-9)

	for _, tt := range []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before window", T.Add(-time.Nanosecond), false},
		{"window start", T, true},
		{"inside window", T.Add(5 * time.Minute), true},
		{"window end", T.Add(10 * time.Minute), false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.engine.ClearToPropagate(tt.at))
		})
	}
}

func TestClearToPropagateNeedsTarget(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.Refresh()

	// Pointing drifted off the target by more than half the cone.
	f.status.set(tcs.Status{RaDec: sky.NewRaDec(83.8221, -5.3911+0.06), LaserOnSky: true})
	assert.False(t, f.engine.ClearToPropagate(f.now))

	// Rebuilt from a far pointing, there is no target at all.
	f.status.set(tcs.Status{RaDec: sky.NewRaDec(200, 40), AzEl: sky.NewAzEl(10, 45), LaserOnSky: true})
	s := f.engine.Refresh()
	assert.False(t, s.HasTarget())
	assert.True(t, math.IsNaN(s.Distance))
	assert.False(t, f.engine.ClearToPropagate(f.now))
}

func TestClearToPropagateDisconnected(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.Refresh()
	f.status.set(tcs.Status{RaDec: target, LaserOnSky: true, Err: "connection refused"})
	assert.False(t, f.engine.ClearToPropagate(f.now))
}

func TestClearToPropagateOutsideEnvelope(t *testing.T) {
	f := newFixture(t, Config{})
	n, _ := fixtureNight(t)
	n.EarliestPropagation = T.Add(6 * time.Minute)
	f.night.n = n
	f.engine.Refresh()

	assert.False(t, f.engine.ClearToPropagate(T.Add(5*time.Minute)))
	assert.True(t, f.engine.ClearToPropagate(T.Add(7*time.Minute)))
}

func TestSnapshotNetsClosuresAndBuffers(t *testing.T) {
	f := newFixture(t, Config{Buffers: Buffers{Before: time.Minute, After: time.Minute}})

	n, lt := fixtureNight(t)
	require.NoError(t, n.ReplaceWindows(lt.ID, T, []window.Window{
		{Start: T, End: T.Add(10 * time.Minute)},
		{Start: T.Add(20 * time.Minute), End: T.Add(40 * time.Minute)},
	}))
	_, err := n.AddClosure(window.Window{Start: T.Add(30 * time.Minute), End: T.Add(32 * time.Minute)})
	require.NoError(t, err)
	f.night.n = n

	s := f.engine.Refresh()
	assert.Equal(t, []window.Window{
		{Start: T, End: T.Add(9 * time.Minute)},
		{Start: T.Add(21 * time.Minute), End: T.Add(29 * time.Minute)},
		{Start: T.Add(33 * time.Minute), End: T.Add(40 * time.Minute)},
	}, s.Propagation)

	require.Len(t, s.Shuttering, 2)
	assert.Equal(t, window.Window{Start: T.Add(9 * time.Minute), End: T.Add(21 * time.Minute)}, s.Shuttering[0].Window)
	assert.False(t, s.Shuttering[0].Closure)
	assert.Equal(t, window.Window{Start: T.Add(29 * time.Minute), End: T.Add(33 * time.Minute)}, s.Shuttering[1].Window)
	assert.True(t, s.Shuttering[1].Closure)

	assert.False(t, f.engine.ClearToPropagate(T.Add(30*time.Minute)))
	assert.True(t, f.engine.ClearToPropagate(T.Add(35*time.Minute)))
}

func TestNearestTieBreak(t *testing.T) {
	start := time.Date(2026, 6, 15, 19, 0, 0, 0, hst)
	n := model.NewNight("GN", window.Window{Start: start, End: start.Add(11 * time.Hour)})
	rd := n.AddLaserTarget(sky.NewRaDec(10, 10))
	ae := n.AddLaserTarget(sky.NewAzEl(100, 60))

	st := &tcs.Status{RaDec: sky.NewRaDec(10, 10.02), AzEl: sky.NewAzEl(100, 60.01)}
	got, dist := nearest(n, st, 0.1)
	assert.Same(t, ae, got)
	assert.InDelta(t, 0.01, dist, 1e-6)

	st.AzEl = sky.NewAzEl(100, 60.03)
	got, _ = nearest(n, st, 0.1)
	assert.Same(t, rd, got)

	st.RaDec = sky.NewRaDec(10, 10.2)
	st.AzEl = sky.NewAzEl(100, 60.2)
	got, _ = nearest(n, st, 0.1)
	assert.Nil(t, got)
}

func TestSnapshotIdentity(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.engine.Refresh()
	second := f.engine.Refresh()
	assert.NotSame(t, first, second)
	assert.False(t, second.NightChanged(first))
	assert.False(t, second.TargetChanged(first))

	n, _ := fixtureNight(t)
	f.night.n = n
	third := f.engine.Refresh()
	assert.True(t, third.NightChanged(second))
	assert.True(t, third.TargetChanged(second))
}

func TestSnapshotMessagesOrdered(t *testing.T) {
	f := newFixture(t, Config{})
	n, _ := fixtureNight(t)
	n.Notices = []model.Notice{{Severity: model.SeverityInfo, Message: "applied 1 target"}}
	f.night.n = n
	f.engine.collisions = &collisionBox{s: &collision.Snapshot{Err: "timeout"}}
	f.status.set(tcs.Status{RaDec: target, Err: "connection refused"})

	s := f.engine.Refresh()
	require.Len(t, s.Messages, 3)
	assert.Equal(t, model.SeverityError, s.Messages[0].Severity)
	assert.Contains(t, s.Messages[0].Text, "connection refused")
	assert.Equal(t, model.SeverityWarning, s.Messages[1].Severity)
	assert.Equal(t, model.SeverityInfo, s.Messages[2].Severity)
}

func TestSnapshotWithoutNight(t *testing.T) {
	f := newFixture(t, Config{})
	f.night.n = nil
	s := f.engine.Refresh()
	assert.False(t, s.HasTarget())
	require.NotEmpty(t, s.Messages)
	assert.Equal(t, "no laser night loaded", s.Messages[0].Text)
}

func TestAutoShutterScenario(t *testing.T) {
	f := newFixture(t, Config{Production: true, SettleTime: 2 * time.Second})
	ctx := context.Background()
	require.Equal(t, Inactive, f.engine.State())

	f.engine.Refresh()
	require.True(t, f.engine.UpdateClear())
	assert.Equal(t, Clear, f.engine.Decide(ctx))
	assert.Empty(t, f.kv.Writes())

	// The window closes while the laser is on sky.
	f.now = T.Add(10 * time.Minute)
	require.False(t, f.engine.UpdateClear())
	assert.Equal(t, Shuttering, f.engine.Decide(ctx))

	writes := f.kv.Writes()
	require.Len(t, writes, len(tcs.GuideLoopKeys)+1)
	assert.Equal(t, tcs.KeyShutter+"="+tcs.ShutterCloseValue, writes[len(writes)-1])
	assert.Equal(t, []time.Duration{2 * time.Second}, f.slept)

	// Still on sky: stays SHUTTERING without a second sequence.
	assert.Equal(t, Shuttering, f.engine.Decide(ctx))
	assert.Len(t, f.kv.Writes(), len(writes))

	f.status.set(tcs.Status{RaDec: target, LaserOnSky: false})
	assert.Equal(t, Shuttered, f.engine.Decide(ctx))

	require.Len(t, f.events.events, 3)
	var got []string
	for _, ev := range f.events.events {
		got = append(got, ev.Data.(events.Transition).To)
		assert.Equal(t, "GN-20260615", ev.Night)
	}
	assert.Equal(t, []string{"CLEAR", "SHUTTERING", "SHUTTERED"}, got)
}

func TestDecideOutsideNight(t *testing.T) {
	f := newFixture(t, Config{Production: true})
	f.now = time.Date(2026, 6, 16, 8, 0, 0, 0, hst)
	f.engine.Refresh()
	f.engine.UpdateClear()
	assert.Equal(t, Inactive, f.engine.Decide(context.Background()))
	assert.Empty(t, f.events.events)
}

func TestOffIsOperatorOnly(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.Equal(t, Off, f.engine.State())

	f.engine.Refresh()
	f.engine.UpdateClear()
	assert.Equal(t, Off, f.engine.Decide(ctx))
	require.NoError(t, f.engine.Heartbeat(ctx))
	_, ok := f.kv.Value(tcs.KeyHeartbeat)
	assert.False(t, ok, "no heartbeat while OFF")

	assert.Equal(t, Inactive, f.engine.SetEnabled(ctx, true))
	assert.Equal(t, Clear, f.engine.Decide(ctx))
	assert.Equal(t, Off, f.engine.SetEnabled(ctx, false))
	assert.Equal(t, Off, f.engine.Decide(ctx))
}

func TestRetryShutter(t *testing.T) {
	f := newFixture(t, Config{Production: true})
	ctx := context.Background()
	f.now = T.Add(20 * time.Minute)
	f.engine.Refresh()
	f.engine.UpdateClear()

	assert.False(t, f.engine.RetryShutter(ctx), "not shuttering yet")
	require.Equal(t, Shuttering, f.engine.Decide(ctx))
	n := len(f.kv.Writes())

	assert.True(t, f.engine.RetryShutter(ctx))
	assert.Len(t, f.kv.Writes(), 2*n)

	f.status.set(tcs.Status{RaDec: target, LaserOnSky: false})
	assert.False(t, f.engine.RetryShutter(ctx))
}

func TestHeartbeatCycles(t *testing.T) {
	f := newFixture(t, Config{Production: true})
	ctx := context.Background()
	for i := 0; i < tcs.HeartbeatModulus+3; i++ {
		require.NoError(t, f.engine.Heartbeat(ctx))
	}
	v, ok := f.kv.Value(tcs.KeyHeartbeat)
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestNextTable(t *testing.T) {
	for _, tt := range []struct {
		cur  State
		in   Inputs
		want State
	}{
		{Off, Inputs{InNight: true, Clear: true}, Off},
		{Inactive, Inputs{InNight: false, Clear: true}, Inactive},
		{Clear, Inputs{InNight: false}, Inactive},
		{Inactive, Inputs{InNight: true, Clear: true}, Clear},
		{Clear, Inputs{InNight: true, LaserOnSky: true}, Shuttering},
		{Clear, Inputs{InNight: true}, Shuttered},
		{Shuttering, Inputs{InNight: true, LaserOnSky: true}, Shuttering},
		{Shuttering, Inputs{InNight: true}, Shuttered},
		{Shuttering, Inputs{InNight: true, Clear: true}, Clear},
		{Shuttered, Inputs{InNight: true, Clear: true}, Clear},
		{Shuttered, Inputs{InNight: true, LaserOnSky: true}, Shuttering},
	} {
		if got := next(tt.cur, tt.in); got != tt.want {
			t.Errorf("next(%s, %+v) = %s, want %s", tt.cur, tt.in, got, tt.want)
		}
	}
}

func TestStateText(t *testing.T) {
	for _, s := range States {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("OPEN")))
}
