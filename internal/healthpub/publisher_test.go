package healthpub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easmon/easmon-go/internal/audio"
	"github.com/easmon/easmon-go/internal/conf"
)

type publishedMessage struct {
	Topic   string
	Payload string
	Retain  bool
}

// mockClient records published messages instead of talking to a broker.
type mockClient struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
}

func (m *mockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *mockClient) Publish(ctx context.Context, topic, payload string, retain bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{Topic: topic, Payload: payload, Retain: retain})
	return nil
}

func (m *mockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *mockClient) published() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishedMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

func testSettings() *conf.Settings {
	return &conf.Settings{
		Main: conf.MainSettings{Name: "station-1"},
		Realtime: conf.RealtimeSettings{
			Audio: conf.AudioSettings{
				SampleRate:          22050,
				WatchdogTimeout:     10 * time.Second,
				MaxRestartAttempts:  3,
				MasterBufferSeconds: 1,
				SourceBufferSeconds: 1,
				StreamBufferSeconds: 1,
				FailoverHistorySize: 8,
				SilenceThresholdDB:  -50,
				SilenceDuration:     30 * time.Second,
				JitterBufferSeconds: 1,
			},
			Sources: []conf.CaptureSourceConfig{
				{Name: "vhf", Locator: "rtsp://example.test/vhf", Priority: 10, Enabled: true},
			},
			MQTT: conf.MQTTSettings{
				Enabled: true,
				Broker:  "tcp://broker.test:1883",
				Topic:   "easmon/station-1",
				Retain:  true,
			},
		},
	}
}

func newTestPublisher(t *testing.T) (*Publisher, *mockClient, *audio.StreamOrchestrator) {
	t.Helper()

	settings := testSettings()
	orch, err := audio.NewStreamOrchestrator(settings, nil)
	require.NoError(t, err)

	client := &mockClient{}
	return NewPublisher(settings, client, orch), client, orch
}

func TestPublisherSnapshot(t *testing.T) {
	t.Parallel()

	pub, client, _ := newTestPublisher(t)
	pub.ctx, pub.cancel = context.WithCancel(context.Background())
	defer pub.cancel()

	pub.publishSnapshot()

	msgs := client.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "easmon/station-1/snapshot", msgs[0].Topic)
	assert.True(t, msgs[0].Retain)

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Payload), &snap))
	assert.Equal(t, "station-1", snap.Station)
	require.Len(t, snap.Sources, 1)
	assert.Equal(t, "vhf", snap.Sources[0].Name)
	assert.Equal(t, "stopped", snap.Sources[0].HealthLabel)
}

func TestPublisherFailoverEvents(t *testing.T) {
	t.Parallel()

	pub, client, _ := newTestPublisher(t)
	require.NoError(t, pub.Start(context.Background()))
	defer pub.Stop()

	ev := audio.FailoverEvent{ID: "test-id", From: "vhf", To: "sdr", Reason: audio.ReasonSourceFailed}
	pub.publishFailover(ev)

	require.Eventually(t, func() bool {
		return len(client.published()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs := client.published()
	assert.Equal(t, "easmon/station-1/failover", msgs[0].Topic)
	assert.False(t, msgs[0].Retain, "failover events are not retained")

	var got audio.FailoverEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Payload), &got))
	assert.Equal(t, "test-id", got.ID)
	assert.Equal(t, audio.ReasonSourceFailed, got.Reason)
}

func TestPublisherHealthChangeDedupe(t *testing.T) {
	t.Parallel()

	pub, client, _ := newTestPublisher(t)
	require.NoError(t, pub.Start(context.Background()))
	defer pub.Stop()

	pub.publishHealthChange("vhf", audio.HealthStopped, audio.HealthHealthy)
	pub.publishHealthChange("vhf", audio.HealthStopped, audio.HealthHealthy)
	pub.publishHealthChange("vhf", audio.HealthHealthy, audio.HealthDegraded)

	require.Eventually(t, func() bool {
		return len(client.published()) == 2
	}, 2*time.Second, 10*time.Millisecond, "repeated identical state suppressed")

	msgs := client.published()
	assert.Equal(t, "easmon/station-1/health/vhf", msgs[0].Topic)
	assert.Equal(t, "easmon/station-1/health/vhf", msgs[1].Topic)
}

// stuckClient simulates a broker whose publishes hang until released.
type stuckClient struct {
	mockClient
	release chan struct{}
}

func (s *stuckClient) Publish(ctx context.Context, topic, payload string, retain bool) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.mockClient.Publish(ctx, topic, payload, retain)
}

// Failover and health callbacks run inside the pipeline, so they must return
// immediately even when the broker is not accepting publishes.
func TestPublisherCallbacksDoNotBlockOnBroker(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	orch, err := audio.NewStreamOrchestrator(settings, nil)
	require.NoError(t, err)

	client := &stuckClient{release: make(chan struct{})}
	pub := NewPublisher(settings, client, orch)
	require.NoError(t, pub.Start(context.Background()))
	defer pub.Stop()

	done := make(chan struct{})
	go func() {
		pub.publishFailover(audio.FailoverEvent{ID: "ev-1", To: "sdr", Reason: audio.ReasonSourceFailed})
		pub.publishHealthChange("vhf", audio.HealthHealthy, audio.HealthFailed)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher callbacks blocked on a stuck broker")
	}

	close(client.release)
	require.Eventually(t, func() bool {
		return len(client.published()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublisherStartStop(t *testing.T) {
	t.Parallel()

	pub, client, _ := newTestPublisher(t)

	require.NoError(t, pub.Start(context.Background()))
	assert.True(t, client.IsConnected())

	pub.Stop()
	assert.False(t, client.IsConnected())
}
