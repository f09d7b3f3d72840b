// publisher.go: periodic health snapshots plus event-driven failover and
// health-change messages, with unchanged payloads suppressed.
package healthpub

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/easmon/easmon-go/internal/audio"
	"github.com/easmon/easmon-go/internal/conf"
	"github.com/easmon/easmon-go/internal/logging"
)

const (
	// snapshotInterval is how often a full health snapshot is published
	// regardless of changes.
	snapshotInterval = 30 * time.Second

	// dedupeTTL is how long an unchanged per-source payload is suppressed.
	dedupeTTL = 5 * time.Minute

	// queueSize bounds the event delivery queue. Events beyond it are
	// dropped rather than blocking the pipeline callbacks.
	queueSize = 64
)

// Shared logger for health publishing
var pubLogger *slog.Logger

func init() {
	pubLogger = logging.ForService("healthpub")
	if pubLogger == nil {
		// Fallback if logging not initialized (tests)
		pubLogger = slog.Default().With("service", "healthpub")
	}
}

// Snapshot is the periodic full-state payload.
type Snapshot struct {
	Station      string                `json:"station"`
	Timestamp    time.Time             `json:"timestamp"`
	ActiveSource string                `json:"active_source"`
	Sources      []audio.SourceMetrics `json:"sources"`
	Streams      []audio.StreamStats   `json:"streams"`
}

// Publisher pushes pipeline state to the broker. Failover events and health
// transitions publish immediately; full snapshots go out on a fixed
// interval. Per-source payloads that have not changed within the dedupe TTL
// are skipped.
type Publisher struct {
	settings *conf.Settings
	client   Client
	orch     *audio.StreamOrchestrator

	seen   *cache.Cache
	events chan queuedEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// queuedEvent is a pending broker message. Pipeline callbacks enqueue these
// and return immediately; the delivery worker performs the actual publish so
// a slow broker never stalls the capture path.
type queuedEvent struct {
	topic   string
	payload string
	retain  bool
}

// NewPublisher creates a publisher over the given orchestrator. Call
// Start to connect and begin publishing.
func NewPublisher(settings *conf.Settings, client Client, orch *audio.StreamOrchestrator) *Publisher {
	return &Publisher{
		settings: settings,
		client:   client,
		orch:     orch,
		seen:     cache.New(dedupeTTL, 10*time.Minute),
		events:   make(chan queuedEvent, queueSize),
	}
}

// Start connects to the broker and begins the snapshot loop. It also hooks
// the source manager's failover and health callbacks, so it must run before
// the orchestrator starts.
func (p *Publisher) Start(parentCtx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ctx, p.cancel = context.WithCancel(parentCtx)

	if err := p.client.Connect(p.ctx); err != nil {
		// The paho client retries in the background; log and carry on.
		pubLogger.Warn("initial MQTT connect failed, will retry in background",
			"broker", p.settings.Realtime.MQTT.Broker,
			"error", err,
			"component", "healthpub",
			"operation", "connect")
		log.Printf("⚠️ MQTT connect failed, retrying in background: %v", err)
	}

	mgr := p.orch.Manager()
	mgr.SetFailoverCallback(p.publishFailover)
	mgr.SetHealthCallback(p.publishHealthChange)

	p.wg.Add(2)
	go p.snapshotLoop()
	go p.deliverLoop()

	pubLogger.Info("health publisher started",
		"broker", p.settings.Realtime.MQTT.Broker,
		"topic", p.settings.Realtime.MQTT.Topic,
		"component", "healthpub",
		"operation", "start")
	return nil
}

// Stop shuts the publisher down and disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.client.Disconnect()
}

func (p *Publisher) snapshotLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.publishSnapshot()
		}
	}
}

// deliverLoop drains the event queue and publishes each message.
func (p *Publisher) deliverLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.events:
			if err := p.client.Publish(p.ctx, ev.topic, ev.payload, ev.retain); err != nil {
				pubLogger.Warn("failed to publish event",
					"topic", ev.topic,
					"error", err,
					"component", "healthpub",
					"operation", "deliver")
			}
		}
	}
}

// enqueue hands an event to the delivery worker without blocking. When the
// queue is full the event is dropped; the next snapshot carries the state.
func (p *Publisher) enqueue(ev queuedEvent) {
	select {
	case p.events <- ev:
	default:
		pubLogger.Warn("event queue full, dropping message",
			"topic", ev.topic,
			"component", "healthpub",
			"operation", "enqueue")
	}
}

func (p *Publisher) topic(suffix string) string {
	base := p.settings.Realtime.MQTT.Topic
	if base == "" {
		base = "easmon"
	}
	return base + "/" + suffix
}

func (p *Publisher) publishSnapshot() {
	mgr := p.orch.Manager()
	snap := Snapshot{
		Station:      p.settings.Main.Name,
		Timestamp:    time.Now(),
		ActiveSource: mgr.ActiveSource(),
		Sources:      mgr.Sources(),
		Streams:      p.orch.StreamStats(),
	}

	payload, err := json.Marshal(&snap)
	if err != nil {
		pubLogger.Warn("failed to marshal snapshot",
			"error", err,
			"operation", "publish_snapshot")
		return
	}

	if err := p.client.Publish(p.ctx, p.topic("snapshot"), string(payload), p.settings.Realtime.MQTT.Retain); err != nil {
		pubLogger.Warn("failed to publish snapshot",
			"error", err,
			"component", "healthpub",
			"operation", "publish_snapshot")
	}
}

// publishFailover queues each failover event for delivery. It runs as a
// source-manager callback, so it must not block on the broker.
func (p *Publisher) publishFailover(ev audio.FailoverEvent) {
	payload, err := json.Marshal(&ev)
	if err != nil {
		return
	}
	p.enqueue(queuedEvent{topic: p.topic("failover"), payload: string(payload)})
}

// publishHealthChange queues per-source health transitions, suppressing
// repeats of the same state within the dedupe TTL.
func (p *Publisher) publishHealthChange(name string, old, new audio.Health) {
	key := name + ":" + new.String()
	if _, found := p.seen.Get(key); found {
		return
	}
	p.seen.Set(key, struct{}{}, cache.DefaultExpiration)

	payload, err := json.Marshal(map[string]string{
		"source":    name,
		"from":      old.String(),
		"to":        new.String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	p.enqueue(queuedEvent{
		topic:   p.topic("health/" + name),
		payload: string(payload),
		retain:  p.settings.Realtime.MQTT.Retain,
	})
}
