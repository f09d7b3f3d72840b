package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easmon/easmon-go/internal/conf"
)

func testSettings() *conf.Settings {
	return &conf.Settings{
		Main: conf.MainSettings{Name: "teststation"},
		Realtime: conf.RealtimeSettings{
			Audio: testAudioSettings(),
			Sources: []conf.CaptureSourceConfig{
				testSourceConfig("vhf", 10),
				testSourceConfig("sdr", 20),
			},
			Streams: []conf.StreamOutputConfig{
				testStreamConfig(),
			},
		},
	}
}

func TestNewStreamOrchestratorPairsByPosition(t *testing.T) {
	t.Parallel()

	orch, err := NewStreamOrchestrator(testSettings(), nil)
	require.NoError(t, err)

	// The single stream binds to the first source.
	require.Len(t, orch.outputs, 1)
	assert.Equal(t, "vhf", orch.outputs[0].SourceName())
	assert.Equal(t, "/alerts.mp3", orch.outputs[0].Mount())

	// Both sources are registered even though only one streams.
	assert.NotNil(t, orch.Manager().Source("vhf"))
	assert.NotNil(t, orch.Manager().Source("sdr"))

	require.Len(t, orch.pushers, 1)
}

func TestNewStreamOrchestratorRejectsUnboundStream(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	second := testStreamConfig()
	second.Mount = "/backup.mp3"
	third := testStreamConfig()
	third.Mount = "/extra.mp3"
	settings.Realtime.Streams = append(settings.Realtime.Streams, second, third)

	// Three streams, two sources: the third has nothing to bind.
	_, err := NewStreamOrchestrator(settings, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/extra.mp3")
}

func TestOrchestratorStreamStats(t *testing.T) {
	t.Parallel()

	orch, err := NewStreamOrchestrator(testSettings(), nil)
	require.NoError(t, err)

	stats := orch.StreamStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "/alerts.mp3", stats[0].Mount)
	assert.Equal(t, "vhf", stats[0].Source)
	assert.False(t, stats[0].Connected)
}

func TestOrchestratorRemoveSourceTearsDownOutputs(t *testing.T) {
	t.Parallel()

	orch, err := NewStreamOrchestrator(testSettings(), nil)
	require.NoError(t, err)

	require.NoError(t, orch.RemoveSource("vhf"))

	assert.Nil(t, orch.Manager().Source("vhf"), "source is unregistered")
	assert.True(t, orch.outputs[0].Stopped(), "the bound output is stopped with it")
	assert.NotNil(t, orch.Manager().Source("sdr"), "unrelated sources stay")

	assert.Error(t, orch.RemoveSource("vhf"))
}

func TestOrchestratorStopStartSourceRebuildsOutputs(t *testing.T) {
	t.Parallel()

	orch, err := NewStreamOrchestrator(testSettings(), nil)
	require.NoError(t, err)

	old := orch.outputs[0]
	require.NoError(t, orch.StopSource("vhf"))
	assert.True(t, old.Stopped())
	assert.Equal(t, HealthStopped, orch.Manager().Source("vhf").Health())

	// Restarting rebuilds the source and its output: the restarted
	// instance carries fresh ring buffers the old output cannot read.
	require.NoError(t, orch.StartSource("vhf"))
	rebuilt := orch.outputs[0]
	assert.NotSame(t, old, rebuilt)
	assert.Equal(t, "vhf", rebuilt.SourceName())
	assert.False(t, rebuilt.Stopped())

	assert.Error(t, orch.StartSource("missing"))
}

func TestOrchestratorStopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()

	orch, err := NewStreamOrchestrator(testSettings(), nil)
	require.NoError(t, err)
	orch.Stop()
}
