package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-hlsw/lch-sub000/internal/model"
	"github.com/gemini-hlsw/lch-sub000/internal/plan"
	"github.com/gemini-hlsw/lch-sub000/internal/sky"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

var nightStart = time.Date(2026, 9, 2, 5, 0, 0, 0, time.UTC)

type staticSource []plan.Entry

func (s staticSource) Query(context.Context, string, time.Time) ([]plan.Entry, error) {
	return s, nil
}

func entry(obs, name, typ string, ra, dec float64) plan.Entry {
	return plan.Entry{ObservationID: obs, TargetName: name, TargetType: typ, Frame: "radec", A: ra, B: dec}
}

func target(name string, typ model.TargetType, ra, dec float64) model.ObservationTarget {
	return model.ObservationTarget{Name: name, Type: typ, Position: sky.NewRaDec(ra, dec)}
}

// sentNight returns a night with one observation of three OK targets, each on
// its own transmitted laser target.
func sentNight(t *testing.T) *model.Night {
	t.Helper()
	n := model.NewNight("GN", window.Window{Start: nightStart, End: nightStart.Add(10 * time.Hour)})
	obs := model.Observation{ID: "GN-2026B-Q-1-1"}
	for _, tg := range []model.ObservationTarget{
		target("base", model.TypeBase, 10, 20),
		target("guide", model.TypeGuide, 10.02, 20.01),
		target("guide2", model.TypeGuide, 9.98, 19.99),
	} {
		lt := n.AddLaserTarget(tg.Position)
		tg.ID = n.NewTargetID()
		tg.LaserTarget = lt.ID
		tg.State = model.StateAdded
		obs.Targets = append(obs.Targets, tg)
	}
	n.Observations = []model.Observation{obs}
	_, err := n.MarkTransmitted(nightStart.Add(-2 * time.Hour))
	require.NoError(t, err)
	return n
}

func sentPlan() []model.Observation {
	return []model.Observation{{
		ID: "GN-2026B-Q-1-1",
		Targets: []model.ObservationTarget{
			target("base", model.TypeBase, 10, 20),
			target("guide", model.TypeGuide, 10.02, 20.01),
			target("guide2", model.TypeGuide, 9.98, 19.99),
		},
	}}
}

func TestUpdateRemovedObservation(t *testing.T) {
	n := sentNight(t)
	res := Engine{MaxRecycleDeg: 0.1}.Update(n, nil)

	assert.Equal(t, Update, res.Mode)
	assert.Len(t, n.Observations, 1)
	assert.Equal(t, 3, res.Counts[model.StateRemoved])
	assert.Equal(t, 0, res.Counts[model.StateAdded])
	assert.Equal(t, 0, res.Counts[model.StateOK])
	assert.Empty(t, res.Unassigned)
}

func TestUpdateUnchangedIsOK(t *testing.T) {
	n := sentNight(t)
	fresh := sentPlan()
	// Another source rounds differently.
	fresh[0].Targets[0].Position.A += 2e-5

	res := Engine{MaxRecycleDeg: 0.1}.Update(n, fresh)
	assert.Equal(t, 3, res.Counts[model.StateOK])
	assert.Equal(t, 0, res.Counts[model.StateAdded])
	assert.Equal(t, 0, res.Counts[model.StateRemoved])
}

func TestUpdateAddedObservationRecyclesNearbyTarget(t *testing.T) {
	n := sentNight(t)
	existing := n.Observations[0].Targets[0].LaserTarget

	fresh := append(sentPlan(), model.Observation{
		ID: "GN-2026B-Q-2-4",
		Targets: []model.ObservationTarget{
			target("base", model.TypeBase, 10.001, 20),
			target("guide", model.TypeGuide, 50, 10),
			target("guide2", model.TypeGuide, 80, -30),
		},
	})

	c := NewCollector(nil, Engine{MaxRecycleDeg: 0.05}, 0.01, testLogger)
	res := c.engine.Update(n, fresh)
	require.Equal(t, 1, res.Recycled)
	require.Len(t, res.Unassigned, 2)
	assert.Equal(t, 2, c.Assign(n, res.Unassigned))

	require.Len(t, n.Observations, 2)
	added := n.Observations[1]
	transmitted := 0
	for _, tg := range added.Targets {
		assert.Equal(t, model.StateAdded, tg.State)
		lt, ok := n.LaserTarget(tg.LaserTarget)
		require.True(t, ok, "target %q has no laser target", tg.Name)
		if lt.Transmitted {
			transmitted++
			assert.Equal(t, existing, lt.ID)
		}
	}
	assert.Equal(t, 1, transmitted)

	// Sending the request promotes everything.
	marked, err := n.MarkTransmitted(nightStart)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)
	assert.Equal(t, 6, n.StateCounts()[model.StateOK])
}

func TestUpdateAddedTargetOnExistingObservation(t *testing.T) {
	n := sentNight(t)
	fresh := sentPlan()
	fresh[0].Targets = append(fresh[0].Targets, target("guide3", model.TypeGuide, 30, 30))
	fresh[0].Targets = fresh[0].Targets[1:] // base moved away

	res := Engine{MaxRecycleDeg: 0.05}.Update(n, fresh)
	assert.Len(t, n.Observations, 1)
	assert.Equal(t, 2, res.Counts[model.StateOK])
	assert.Equal(t, 1, res.Counts[model.StateRemoved])
	assert.Equal(t, 1, res.Counts[model.StateAdded])
	assert.Len(t, res.Unassigned, 1)
}

func TestUpdateIsIdempotent(t *testing.T) {
	n := sentNight(t)
	fresh := append(sentPlan(), model.Observation{
		ID:      "GN-2026B-Q-3-1",
		Targets: []model.ObservationTarget{target("base", model.TypeBase, 120, -5)},
	})
	c := NewCollector(staticSource(nil), Engine{MaxRecycleDeg: 0.05}, 0.01, testLogger)

	first := c.engine.Update(n, fresh)
	c.Assign(n, first.Unassigned)
	targetsAfterFirst := len(n.Targets)

	second := c.engine.Update(n, fresh)
	c.Assign(n, second.Unassigned)

	assert.Equal(t, first.Counts, second.Counts)
	assert.Equal(t, 1, second.Reset)
	assert.Equal(t, targetsAfterFirst, len(n.Targets), "laser targets must not accumulate")
	assert.Len(t, n.Observations, 2)
}

func TestUpdateRemovedTargetReappears(t *testing.T) {
	n := sentNight(t)
	e := Engine{MaxRecycleDeg: 0.05}
	e.Update(n, nil)
	res := e.Update(n, sentPlan())
	assert.Equal(t, 3, res.Counts[model.StateOK])
	assert.Equal(t, 0, res.Counts[model.StateRemoved])
}

func TestCollectReplaceGroupsAndKeepsIdentity(t *testing.T) {
	src := staticSource{
		entry("GN-2026B-Q-5-1", "M31", "base", 10.6847, 41.2690),
		entry("GN-2026B-Q-5-1", "TT", "guide", 10.6850, 41.2695),
		entry("GN-2026B-Q-5-2", "M33", "base", 23.4621, 30.6599),
	}
	n := model.NewNight("GN", window.Window{Start: nightStart, End: nightStart.Add(10 * time.Hour)})
	c := NewCollector(src, Engine{MaxRecycleDeg: 0.05}, 0.01, testLogger)

	first, res, err := c.Collect(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, Replace, res.Mode)
	assert.Equal(t, 3, res.Counts[model.StateOK])
	assert.Len(t, first.Targets, 2, "nearby targets share one laser target")
	assert.Empty(t, n.Observations, "input night must not be modified")

	second, _, err := c.Collect(context.Background(), first)
	require.NoError(t, err)
	assert.Len(t, second.Targets, 2)
	for id, lt := range first.Targets {
		assert.Same(t, lt, second.Targets[id], "laser target %d changed identity", id)
	}
}

func TestCollectSwitchesToUpdateAfterTransmission(t *testing.T) {
	src := staticSource{entry("GN-2026B-Q-1-1", "base", "base", 10, 20)}
	n := sentNight(t)
	c := NewCollector(src, Engine{MaxRecycleDeg: 0.05}, 0.01, testLogger)

	next, res, err := c.Collect(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, Update, res.Mode)
	assert.Equal(t, 1, res.Counts[model.StateOK])
	assert.Equal(t, 2, res.Counts[model.StateRemoved])
	assert.Len(t, next.Targets, 3, "transmitted laser targets are kept")
}

func TestCollectUpdateKeepsPendingLaserTarget(t *testing.T) {
	src := staticSource{
		entry("GN-2026B-Q-1-1", "base", "base", 10, 20),
		entry("GN-2026B-Q-1-1", "guide", "guide", 10.02, 20.01),
		entry("GN-2026B-Q-1-1", "guide2", "guide", 9.98, 19.99),
		entry("GN-2026B-Q-4-2", "NGC 7000", "base", 314.75, 44.33),
	}
	c := NewCollector(src, Engine{MaxRecycleDeg: 0.05}, 0.01, testLogger)

	first, res, err := c.Collect(context.Background(), sentNight(t))
	require.NoError(t, err)
	require.Equal(t, Update, res.Mode)
	require.Len(t, first.Observations, 2)
	pendingID := first.Observations[1].Targets[0].LaserTarget
	pending, ok := first.LaserTarget(pendingID)
	require.True(t, ok)
	assert.False(t, pending.Transmitted)

	second, res, err := c.Collect(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reset)
	require.Len(t, second.Observations, 2)
	assert.Equal(t, pendingID, second.Observations[1].Targets[0].LaserTarget)
	again, ok := second.LaserTarget(pendingID)
	require.True(t, ok)
	assert.Same(t, pending, again)
	assert.Len(t, second.Targets, 4)
}
