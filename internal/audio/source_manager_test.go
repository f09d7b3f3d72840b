package audio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easmon/easmon-go/internal/conf"
)

// newTestManager builds a manager with the named sources registered but not
// started, so tests drive monitorTick and mixTick directly.
func newTestManager(t *testing.T, sources ...conf.CaptureSourceConfig) *SourceManager {
	t.Helper()

	sm, err := NewSourceManager(testAudioSettings(), nil)
	require.NoError(t, err)
	for _, cfg := range sources {
		_, err := sm.AddSource(cfg)
		require.NoError(t, err)
	}
	return sm
}

func markHealthy(t *testing.T, sm *SourceManager, names ...string) {
	t.Helper()
	for _, name := range names {
		src := sm.Source(name)
		require.NotNil(t, src)
		src.setHealth(HealthHealthy)
	}
}

func TestAddSourceRejectsDuplicates(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t, testSourceConfig("vhf", 10))
	_, err := sm.AddSource(testSourceConfig("vhf", 20))
	assert.Error(t, err)
}

func TestRemoveSource(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t, testSourceConfig("vhf", 10))
	require.NoError(t, sm.RemoveSource("vhf"))
	assert.Nil(t, sm.Source("vhf"))
	assert.Error(t, sm.RemoveSource("vhf"))
}

func TestInitialSelectionPicksLowestPriority(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "vhf", "sdr")

	sm.monitorTick(time.Now())

	assert.Equal(t, "vhf", sm.ActiveSource())
	history := sm.History()
	require.Len(t, history, 1)
	assert.Equal(t, "", history[0].From)
	assert.Equal(t, "vhf", history[0].To)
}

func TestFailoverOnSourceFailure(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "vhf", "sdr")

	now := time.Now()
	sm.monitorTick(now)
	require.Equal(t, "vhf", sm.ActiveSource())

	sm.Source("vhf").setHealth(HealthFailed)
	sm.monitorTick(now)

	assert.Equal(t, "sdr", sm.ActiveSource())
	history := sm.History()
	require.Len(t, history, 2)
	assert.Equal(t, ReasonSourceFailed, history[1].Reason)
	assert.Equal(t, "vhf", history[1].From)
	assert.Equal(t, "sdr", history[1].To)

	// Further ticks must not flap.
	sm.monitorTick(now)
	assert.Len(t, sm.History(), 2)
}

func TestNoUsableSourceClearsActive(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t, testSourceConfig("vhf", 10))
	markHealthy(t, sm, "vhf")

	now := time.Now()
	sm.monitorTick(now)
	require.Equal(t, "vhf", sm.ActiveSource())

	sm.Source("vhf").setHealth(HealthFailed)
	sm.monitorTick(now)

	assert.Equal(t, "", sm.ActiveSource())
	history := sm.History()
	require.Len(t, history, 2)
	assert.Equal(t, "", history[1].To)
}

func TestDisabledSourceNeverSelected(t *testing.T) {
	t.Parallel()

	disabled := testSourceConfig("vhf", 10)
	disabled.Enabled = false

	sm := newTestManager(t, disabled, testSourceConfig("sdr", 20))
	markHealthy(t, sm, "vhf", "sdr")

	sm.monitorTick(time.Now())

	assert.Equal(t, "sdr", sm.ActiveSource(), "disabled source must be skipped despite better priority")
}

func TestPriorityPreemption(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "sdr")
	sm.Source("vhf").setHealth(HealthFailed)

	now := time.Now()
	sm.monitorTick(now)
	require.Equal(t, "sdr", sm.ActiveSource())

	// Degraded is restarting, not recovered: no preemption yet.
	sm.Source("vhf").setHealth(HealthDegraded)
	sm.monitorTick(now)
	assert.Equal(t, "sdr", sm.ActiveSource())
	assert.Len(t, sm.History(), 1)

	// Fully healthy again: the higher-priority source takes over.
	sm.Source("vhf").setHealth(HealthHealthy)
	sm.monitorTick(now)

	assert.Equal(t, "vhf", sm.ActiveSource())
	history := sm.History()
	require.Len(t, history, 2)
	assert.Equal(t, ReasonPriorityChange, history[1].Reason)
}

func TestDegradedSourceStillSelectable(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "sdr")
	sm.Source("vhf").setHealth(HealthDegraded)

	sm.monitorTick(time.Now())

	// A degraded source keeps delivering audio between restart attempts,
	// so the best priority wins even over a healthy backup.
	assert.Equal(t, "vhf", sm.ActiveSource())
}

func TestActiveSourceSurvivesDegradation(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "vhf", "sdr")

	now := time.Now()
	sm.monitorTick(now)
	require.Equal(t, "vhf", sm.ActiveSource())

	// A restart window on the active source must not flap the selection.
	sm.Source("vhf").setHealth(HealthDegraded)
	sm.monitorTick(now)
	sm.monitorTick(now)

	assert.Equal(t, "vhf", sm.ActiveSource())
	assert.Len(t, sm.History(), 1, "degradation alone produces no failover event")
}

func TestSilenceFailoverDebounce(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "vhf", "sdr")

	t0 := time.Now()
	sm.monitorTick(t0)
	require.Equal(t, "vhf", sm.ActiveSource())

	// Below the 5s silence duration: no failover yet.
	sm.monitorTick(t0.Add(3 * time.Second))
	assert.Equal(t, "vhf", sm.ActiveSource())

	// Past the duration: exactly one silence failover.
	sm.monitorTick(t0.Add(6 * time.Second))
	assert.Equal(t, "sdr", sm.ActiveSource())

	history := sm.History()
	require.Len(t, history, 2)
	assert.Equal(t, ReasonSilenceDetected, history[1].Reason)
}

func TestSilenceWithNoAlternativeStays(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t, testSourceConfig("vhf", 10))
	markHealthy(t, sm, "vhf")

	t0 := time.Now()
	sm.monitorTick(t0)
	require.Equal(t, "vhf", sm.ActiveSource())

	sm.monitorTick(t0.Add(10 * time.Second))
	assert.Equal(t, "vhf", sm.ActiveSource(), "no alternative, stay on the silent source")
	assert.Len(t, sm.History(), 1, "no failover event without an alternative")

	// The trigger must not repeat every tick.
	sm.monitorTick(t0.Add(20 * time.Second))
	assert.Len(t, sm.History(), 1)
}

func TestLoudAudioResetsSilenceClock(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "vhf", "sdr")

	t0 := time.Now()
	sm.monitorTick(t0)
	require.Equal(t, "vhf", sm.ActiveSource())

	// Loud audio arrives at t0+4s, just before the 5s deadline.
	chunk := make([]float32, len(sm.mixScratch))
	for i := range chunk {
		chunk[i] = 0.5
	}
	sm.Source("vhf").FailoverRing().Write(chunk)
	sm.mixTick(t0.Add(4 * time.Second))

	// t0+6s would have triggered without the loud chunk.
	sm.monitorTick(t0.Add(6 * time.Second))
	assert.Equal(t, "vhf", sm.ActiveSource())

	// Silence since t0+4s finally triggers at t0+10s.
	sm.monitorTick(t0.Add(10 * time.Second))
	assert.Equal(t, "sdr", sm.ActiveSource())
}

func TestMixTickRoutesOnlyActiveSource(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "vhf", "sdr")

	now := time.Now()
	sm.monitorTick(now)
	require.Equal(t, "vhf", sm.ActiveSource())

	chunkSize := len(sm.mixScratch)
	active := make([]float32, chunkSize)
	for i := range active {
		active[i] = 0.25
	}
	sm.Source("vhf").FailoverRing().Write(active)
	sm.Source("sdr").FailoverRing().Write(make([]float32, chunkSize))

	sm.mixTick(now)

	// Master holds exactly the active source's chunk; both rings drained.
	assert.Equal(t, chunkSize, sm.MasterRing().Len())
	assert.Equal(t, 0, sm.Source("vhf").FailoverRing().Len())
	assert.Equal(t, 0, sm.Source("sdr").FailoverRing().Len())

	out := make([]float32, chunkSize)
	require.Equal(t, chunkSize, sm.ReadAudio(out))
	assert.InDelta(t, 0.25, float64(out[0]), 1e-6)
}

func TestManualFailover(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "vhf", "sdr")
	sm.monitorTick(time.Now())
	require.Equal(t, "vhf", sm.ActiveSource())

	require.NoError(t, sm.ManualFailover("sdr"))
	assert.Equal(t, "sdr", sm.ActiveSource())
	history := sm.History()
	assert.Equal(t, ReasonManual, history[len(history)-1].Reason)

	assert.Error(t, sm.ManualFailover("missing"))

	sm.Source("vhf").setHealth(HealthFailed)
	assert.Error(t, sm.ManualFailover("vhf"), "failed source cannot be forced active")
}

func TestFailoverHistoryBounded(t *testing.T) {
	t.Parallel()

	settings := testAudioSettings()
	settings.FailoverHistorySize = 2

	sm, err := NewSourceManager(settings, nil)
	require.NoError(t, err)
	for _, cfg := range []conf.CaptureSourceConfig{
		testSourceConfig("a", 10),
		testSourceConfig("b", 20),
	} {
		_, err := sm.AddSource(cfg)
		require.NoError(t, err)
	}
	markHealthy(t, sm, "a", "b")
	sm.monitorTick(time.Now())

	// Bounce between the two sources to generate events.
	require.NoError(t, sm.ManualFailover("b"))
	require.NoError(t, sm.ManualFailover("a"))
	require.NoError(t, sm.ManualFailover("b"))

	history := sm.History()
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[1].To, "history keeps the most recent events")
}

func TestFailoverCallback(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "vhf", "sdr")

	var events []FailoverEvent
	sm.SetFailoverCallback(func(ev FailoverEvent) {
		events = append(events, ev)
	})

	now := time.Now()
	sm.monitorTick(now)
	sm.Source("vhf").setHealth(HealthFailed)
	sm.monitorTick(now)

	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.Equal(t, ReasonSourceFailed, events[1].Reason)
}

// The failover callback may call back into the manager (the health publisher
// reads ActiveSource and Sources when building payloads). Dispatching it with
// sm.mu held would deadlock here.
func TestFailoverCallbackRunsOutsideManagerLock(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "vhf", "sdr")

	var seen []string
	sm.SetFailoverCallback(func(ev FailoverEvent) {
		seen = append(seen, sm.ActiveSource())
	})

	now := time.Now()
	sm.monitorTick(now)
	sm.Source("vhf").setHealth(HealthFailed)
	sm.monitorTick(now)

	require.Equal(t, []string{"vhf", "sdr"}, seen)
}

func TestStopSourceTriggersReselection(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)
	markHealthy(t, sm, "vhf", "sdr")

	now := time.Now()
	sm.monitorTick(now)
	require.Equal(t, "vhf", sm.ActiveSource())

	require.NoError(t, sm.StopSource("vhf"))
	require.Equal(t, HealthStopped, sm.Source("vhf").Health())

	sm.monitorTick(now)
	assert.Equal(t, "sdr", sm.ActiveSource())
	history := sm.History()
	require.Len(t, history, 2)
	assert.Equal(t, ReasonSourceFailed, history[1].Reason)

	assert.Error(t, sm.StopSource("missing"))
}

func TestStartSourceRebuildsStoppedInstance(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t, testSourceConfig("vhf", 10))
	old := sm.Source("vhf")
	require.NoError(t, sm.StopSource("vhf"))

	fresh, err := sm.StartSource("vhf")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh, "a stopped instance cannot run again")
	assert.Same(t, fresh, sm.Source("vhf"), "registration points at the fresh instance")
	assert.Equal(t, HealthStopped, fresh.Health())

	_, err = sm.StartSource("missing")
	assert.Error(t, err)
}

func TestAddSourceAfterStartLaunchesSupervision(t *testing.T) {
	t.Parallel()

	settings := testAudioSettings()
	settings.FfmpegPath = "/nonexistent/easmon-decoder"

	sm, err := NewSourceManager(settings, nil)
	require.NoError(t, err)
	require.NoError(t, sm.Start(context.Background()))
	defer sm.Stop()

	src, err := sm.AddSource(testSourceConfig("vhf", 10))
	require.NoError(t, err)

	// The supervision loop launches immediately and starts reporting
	// failures for the bogus decoder path.
	assert.Eventually(t, func() bool {
		return src.Health() != HealthStopped
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSourcesSnapshot(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t,
		testSourceConfig("vhf", 10),
		testSourceConfig("sdr", 20),
	)

	snaps := sm.Sources()
	require.Len(t, snaps, 2)
	assert.Equal(t, "vhf", snaps[0].Name)
	assert.Equal(t, "stopped", snaps[0].HealthLabel)
}
