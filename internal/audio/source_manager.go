// source_manager.go: owns all capture sources, selects the active one by
// priority and health, and mixes the active source into the master buffer.
package audio

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/easmon/easmon-go/internal/conf"
	"github.com/easmon/easmon-go/internal/diagnostics"
	"github.com/easmon/easmon-go/internal/errors"
	"github.com/easmon/easmon-go/internal/observability/metrics"
)

const (
	// monitorInterval is how often source health and silence are evaluated.
	monitorInterval = time.Second

	// mixInterval matches the capture chunk cadence.
	mixInterval = conf.ChunkMilliseconds * time.Millisecond
)

// silenceState tracks the silence debounce for the active source.
type silenceState struct {
	lastLoud  time.Time
	triggered bool
}

// SourceManager owns the capture sources of a station. It keeps exactly one
// source active at a time, fails over on source failure, sustained silence or
// priority recovery, and copies the active source's audio into the master
// ring buffer.
type SourceManager struct {
	audio   conf.AudioSettings
	metrics *metrics.PipelineMetrics

	mu      sync.RWMutex
	sources []*CaptureSource
	byName  map[string]*CaptureSource
	active  string

	masterRing *RingBuffer

	silence silenceState

	history   []FailoverEvent
	historyMu sync.RWMutex

	failoverCb func(FailoverEvent)
	healthCb   HealthCallback

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex

	mixScratch []float32
}

// NewSourceManager creates a manager with an empty source set and a master
// ring sized from the audio settings.
func NewSourceManager(audio conf.AudioSettings, m *metrics.PipelineMetrics) (*SourceManager, error) {
	masterRing, err := NewRingBuffer(audio.SampleRate * audio.MasterBufferSeconds)
	if err != nil {
		return nil, err
	}

	chunkSamples := audio.SampleRate * conf.ChunkMilliseconds / 1000
	return &SourceManager{
		audio:      audio,
		metrics:    m,
		byName:     make(map[string]*CaptureSource),
		masterRing: masterRing,
		mixScratch: make([]float32, chunkSamples),
	}, nil
}

// SetFailoverCallback registers a callback invoked on every active-source
// transition. Must be called before Start.
func (sm *SourceManager) SetFailoverCallback(cb func(FailoverEvent)) {
	sm.failoverCb = cb
}

// SetHealthCallback registers a callback forwarded to every source's health
// transitions, including sources already registered. Must be called before
// Start.
func (sm *SourceManager) SetHealthCallback(cb HealthCallback) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.healthCb = cb
	for _, src := range sm.sources {
		src.SetHealthCallback(cb)
	}
}

// AddSource creates and registers a capture source. Names must be unique.
// When the manager is already running, an enabled source's supervision loop
// launches immediately.
func (sm *SourceManager) AddSource(cfg conf.CaptureSourceConfig) (*CaptureSource, error) {
	sm.startMu.Lock()
	defer sm.startMu.Unlock()

	sm.mu.Lock()
	if _, exists := sm.byName[cfg.Name]; exists {
		sm.mu.Unlock()
		return nil, errors.Newf("capture source %s already registered", cfg.Name).
			Category(errors.CategoryConflict).
			Component("source-manager").
			Context("source", cfg.Name).
			Build()
	}

	src, err := NewCaptureSource(cfg, sm.audio, sm.metrics)
	if err != nil {
		sm.mu.Unlock()
		return nil, err
	}
	if sm.healthCb != nil {
		src.SetHealthCallback(sm.healthCb)
	}

	sm.sources = append(sm.sources, src)
	sm.byName[cfg.Name] = src
	sm.mu.Unlock()

	if sm.started && src.Enabled() {
		sm.launchSource(src)
	}

	audioLogger.Info("capture source registered",
		"source", cfg.Name,
		"priority", cfg.Priority,
		"enabled", cfg.Enabled,
		"component", "source-manager",
		"operation", "add_source")
	return src, nil
}

// RemoveSource stops and unregisters a source. If it was active, the next
// monitor tick selects a replacement.
func (sm *SourceManager) RemoveSource(name string) error {
	sm.mu.Lock()
	src, exists := sm.byName[name]
	if !exists {
		sm.mu.Unlock()
		return errors.Newf("capture source %s not found", name).
			Category(errors.CategoryNotFound).
			Component("source-manager").
			Context("source", name).
			Build()
	}
	delete(sm.byName, name)
	for i, s := range sm.sources {
		if s == src {
			sm.sources = append(sm.sources[:i], sm.sources[i+1:]...)
			break
		}
	}
	wasActive := sm.active == name
	if wasActive {
		sm.active = ""
	}
	sm.mu.Unlock()

	src.Stop()

	audioLogger.Info("capture source removed",
		"source", name,
		"was_active", wasActive,
		"component", "source-manager",
		"operation", "remove_source")
	return nil
}

// Start launches all registered sources and the monitor and mixer loops.
func (sm *SourceManager) Start(parentCtx context.Context) error {
	sm.startMu.Lock()
	defer sm.startMu.Unlock()
	if sm.started {
		return errors.Newf("source manager already started").
			Category(errors.CategoryState).
			Component("source-manager").
			Build()
	}
	sm.started = true

	sm.ctx, sm.cancel = context.WithCancel(parentCtx)

	sm.mu.RLock()
	sources := make([]*CaptureSource, len(sm.sources))
	copy(sources, sm.sources)
	sm.mu.RUnlock()

	for _, src := range sources {
		if !src.Enabled() {
			continue
		}
		sm.launchSource(src)
	}

	sm.wg.Add(2)
	go sm.monitorLoop()
	go sm.mixLoop()

	audioLogger.Info("source manager started",
		"sources", len(sources),
		"component", "source-manager",
		"operation", "start")
	log.Printf("🚀 Source manager started with %d sources", len(sources))
	return nil
}

// Stop shuts down the loops and all sources, waiting for them to exit.
func (sm *SourceManager) Stop() {
	sm.startMu.Lock()
	defer sm.startMu.Unlock()
	if !sm.started {
		return
	}
	sm.started = false

	sm.mu.RLock()
	sources := make([]*CaptureSource, len(sm.sources))
	copy(sources, sm.sources)
	sm.mu.RUnlock()

	for _, src := range sources {
		src.Stop()
	}
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()

	audioLogger.Info("source manager stopped",
		"component", "source-manager",
		"operation", "stop")
	log.Printf("🛑 Source manager stopped")
}

// launchSource runs a source's supervision loop under the manager's wait
// group. Callers hold sm.startMu.
func (sm *SourceManager) launchSource(src *CaptureSource) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		src.Run(sm.ctx)
	}()
}

// StopSource stops the named source's supervision loop without removing it
// from the manager. If it was active, the next monitor tick selects a
// replacement.
func (sm *SourceManager) StopSource(name string) error {
	sm.mu.RLock()
	src, exists := sm.byName[name]
	sm.mu.RUnlock()
	if !exists {
		return errors.Newf("capture source %s not found", name).
			Category(errors.CategoryNotFound).
			Component("source-manager").
			Context("source", name).
			Build()
	}

	src.Stop()

	audioLogger.Info("capture source stopped",
		"source", name,
		"component", "source-manager",
		"operation", "stop_source")
	log.Printf("🛑 Source %s stopped", name)
	return nil
}

// StartSource brings a stopped or permanently failed source back. A capture
// source instance cannot run twice, so a fresh instance is built from the
// same configuration and takes over the registration. Returns the source
// that is now registered under the name.
func (sm *SourceManager) StartSource(name string) (*CaptureSource, error) {
	sm.startMu.Lock()
	defer sm.startMu.Unlock()

	sm.mu.Lock()
	src, exists := sm.byName[name]
	if !exists {
		sm.mu.Unlock()
		return nil, errors.Newf("capture source %s not found", name).
			Category(errors.CategoryNotFound).
			Component("source-manager").
			Context("source", name).
			Build()
	}
	if src.Running() {
		sm.mu.Unlock()
		return src, nil
	}

	fresh, err := NewCaptureSource(src.cfg, sm.audio, sm.metrics)
	if err != nil {
		sm.mu.Unlock()
		return nil, err
	}
	if sm.healthCb != nil {
		fresh.SetHealthCallback(sm.healthCb)
	}
	sm.byName[name] = fresh
	for i, s := range sm.sources {
		if s == src {
			sm.sources[i] = fresh
			break
		}
	}
	sm.mu.Unlock()

	if sm.started && fresh.Enabled() {
		sm.launchSource(fresh)
	}

	audioLogger.Info("capture source restarted",
		"source", name,
		"component", "source-manager",
		"operation", "start_source")
	log.Printf("♻️ Source %s restarted", name)
	return fresh, nil
}

func (sm *SourceManager) monitorLoop() {
	defer sm.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-ticker.C:
			sm.monitorTick(time.Now())
		}
	}
}

func (sm *SourceManager) mixLoop() {
	defer sm.wg.Done()
	ticker := time.NewTicker(mixInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-ticker.C:
			sm.mixTick(time.Now())
		}
	}
}

// selectable reports whether a source can be chosen as active. Degraded
// sources still qualify: they are restarting but expected back, and audio
// keeps flowing between their restart attempts.
func selectable(src *CaptureSource) bool {
	h := src.Health()
	return src.Enabled() && (h == HealthHealthy || h == HealthDegraded)
}

// preemptor reports whether a source is solid enough to displace a working
// active source during priority recovery. Degraded is not good enough.
func preemptor(src *CaptureSource) bool {
	return src.Enabled() && src.Health() == HealthHealthy
}

// pickBest returns the allowed source with the lowest priority number,
// excluding the named source. Ties resolve by registration order. Returns
// nil when nothing qualifies.
func (sm *SourceManager) pickBest(exclude string, allow func(*CaptureSource) bool) *CaptureSource {
	candidates := make([]*CaptureSource, 0, len(sm.sources))
	for _, src := range sm.sources {
		if src.Name() == exclude {
			continue
		}
		if allow(src) {
			candidates = append(candidates, src)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority() < candidates[j].Priority()
	})
	return candidates[0]
}

// monitorTick evaluates failure, silence and priority conditions once.
// Split out from monitorLoop so tests can drive it directly. The failover
// callback fires after the lock is released so a slow callback cannot stall
// the monitor or mix cadence.
func (sm *SourceManager) monitorTick(now time.Time) {
	sm.mu.Lock()
	ev := sm.evaluateSelectionLocked(now)
	sm.mu.Unlock()
	sm.notifyFailover(ev)
}

func (sm *SourceManager) evaluateSelectionLocked(now time.Time) *FailoverEvent {
	active := sm.byName[sm.active]

	// No active source yet, or the active source dropped out of the set.
	// Initial selection is reported as a priority change.
	if active == nil {
		if best := sm.pickBest("", selectable); best != nil {
			return sm.switchActiveLocked(best.Name(), ReasonPriorityChange, now)
		}
		return nil
	}

	// Reselect only when the active source is genuinely gone: Failed,
	// stopped or disabled. A merely Degraded source stays active through
	// its restart window.
	if !selectable(active) {
		if best := sm.pickBest(active.Name(), selectable); best != nil {
			return sm.switchActiveLocked(best.Name(), ReasonSourceFailed, now)
		}
		// Nothing to switch to. Clear the active slot so audio stops
		// flowing rather than replaying a dead source's buffer.
		return sm.clearActiveLocked(ReasonSourceFailed, now)
	}

	// Sustained silence on the active source. Trigger once per silent
	// episode, and only when an alternative exists.
	silenceDur := sm.silenceDuration(active)
	if silenceDur > 0 && !sm.silence.lastLoud.IsZero() &&
		now.Sub(sm.silence.lastLoud) >= silenceDur && !sm.silence.triggered {
		if best := sm.pickBest(active.Name(), selectable); best != nil {
			sm.silence.triggered = true
			return sm.switchActiveLocked(best.Name(), ReasonSilenceDetected, now)
		}
		// Stay on the silent source, but do not retrigger every tick.
		sm.silence.triggered = true
		audioLogger.Warn("active source silent with no alternative",
			"source", active.Name(),
			"silence_seconds", now.Sub(sm.silence.lastLoud).Seconds(),
			"component", "source-manager",
			"operation", "silence_no_alternative")
		return nil
	}

	// Priority recovery: only a strictly better Healthy source preempts.
	if best := sm.pickBest("", preemptor); best != nil && best.Priority() < active.Priority() {
		return sm.switchActiveLocked(best.Name(), ReasonPriorityChange, now)
	}
	return nil
}

// notifyFailover dispatches an event to the registered callback. Callers
// must not hold sm.mu.
func (sm *SourceManager) notifyFailover(ev *FailoverEvent) {
	if ev == nil || sm.failoverCb == nil {
		return
	}
	sm.failoverCb(*ev)
}

func (sm *SourceManager) silenceDuration(src *CaptureSource) time.Duration {
	if src.cfg.SilenceDuration > 0 {
		return src.cfg.SilenceDuration
	}
	return sm.audio.SilenceDuration
}

func (sm *SourceManager) silenceThreshold(src *CaptureSource) float64 {
	if src.cfg.SilenceThresholdDB != 0 {
		return src.cfg.SilenceThresholdDB
	}
	return sm.audio.SilenceThresholdDB
}

// mixTick drains every source's failover ring once. Chunks from the active
// source feed the master ring and the silence detector; chunks from the
// others are discarded so their rings never back up.
func (sm *SourceManager) mixTick(now time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, src := range sm.sources {
		ring := src.FailoverRing()
		isActive := src.Name() == sm.active

		for ring.Len() >= len(sm.mixScratch) {
			n := ring.Read(sm.mixScratch)
			if n == 0 {
				break
			}
			if !isActive {
				continue
			}

			chunk := sm.mixScratch[:n]
			level := CalculateLevel(chunk)
			if level.RMSDB > sm.silenceThreshold(src) {
				sm.silence.lastLoud = now
				sm.silence.triggered = false
			}

			if written := sm.masterRing.Write(chunk); written == 0 {
				if sm.metrics != nil {
					sm.metrics.RecordBufferOverrun("master")
				}
				diagnostics.CaptureSystemInfo("master buffer overrun")
			}
		}
	}

	if sm.metrics != nil {
		sm.metrics.UpdateBufferUtilization("master", sm.masterRing.Utilization())
	}
}

// switchActiveLocked performs the active-source transition and returns the
// event for the caller to dispatch once the lock is released. Callers hold
// sm.mu.
func (sm *SourceManager) switchActiveLocked(to string, reason FailoverReason, now time.Time) *FailoverEvent {
	from := sm.active
	if from == to {
		return nil
	}
	sm.active = to

	// New episode: the silence clock restarts on the new source.
	sm.silence.lastLoud = now
	sm.silence.triggered = false

	ev := newFailoverEvent(from, to, reason)
	sm.appendHistory(ev)

	if sm.metrics != nil {
		sm.metrics.RecordFailover(string(reason))
		names := make([]string, 0, len(sm.sources))
		for _, s := range sm.sources {
			names = append(names, s.Name())
		}
		sm.metrics.UpdateActiveSource(to, names)
	}

	audioLogger.Info("active source changed",
		"from", from,
		"to", to,
		"reason", string(reason),
		"event_id", ev.ID,
		"component", "source-manager",
		"operation", "failover")
	log.Printf("🔀 Failover: %s → %s (%s)", orNone(from), to, reason)

	return &ev
}

// clearActiveLocked drops the active source without choosing a successor
// and returns the event for dispatch outside the lock.
func (sm *SourceManager) clearActiveLocked(reason FailoverReason, now time.Time) *FailoverEvent {
	from := sm.active
	if from == "" {
		return nil
	}
	sm.active = ""

	ev := newFailoverEvent(from, "", reason)
	sm.appendHistory(ev)

	if sm.metrics != nil {
		sm.metrics.RecordFailover(string(reason))
		names := make([]string, 0, len(sm.sources))
		for _, s := range sm.sources {
			names = append(names, s.Name())
		}
		sm.metrics.UpdateActiveSource("", names)
	}

	audioLogger.Warn("no usable capture source remains",
		"from", from,
		"reason", string(reason),
		"component", "source-manager",
		"operation", "failover_no_source")
	log.Printf("⚠️ No usable source remains (last active: %s)", from)

	return &ev
}

func (sm *SourceManager) appendHistory(ev FailoverEvent) {
	sm.historyMu.Lock()
	defer sm.historyMu.Unlock()
	sm.history = append(sm.history, ev)
	limit := sm.audio.FailoverHistorySize
	if limit > 0 && len(sm.history) > limit {
		sm.history = sm.history[len(sm.history)-limit:]
	}
}

// ManualFailover forces the active source to the named source regardless of
// priority. The target must be registered, enabled and healthy.
func (sm *SourceManager) ManualFailover(name string) error {
	sm.mu.Lock()

	src, exists := sm.byName[name]
	if !exists {
		sm.mu.Unlock()
		return errors.Newf("capture source %s not found", name).
			Category(errors.CategoryNotFound).
			Component("source-manager").
			Context("source", name).
			Build()
	}
	if !selectable(src) {
		sm.mu.Unlock()
		return errors.Newf("capture source %s is not selectable (health: %s, enabled: %t)",
			name, src.Health(), src.Enabled()).
			Category(errors.CategoryState).
			Component("source-manager").
			Context("source", name).
			Build()
	}

	ev := sm.switchActiveLocked(name, ReasonManual, time.Now())
	sm.mu.Unlock()
	sm.notifyFailover(ev)
	return nil
}

// ActiveSource returns the name of the currently active source, or "".
func (sm *SourceManager) ActiveSource() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.active
}

// Source returns the named source, or nil.
func (sm *SourceManager) Source(name string) *CaptureSource {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.byName[name]
}

// Sources returns metric snapshots of all registered sources.
func (sm *SourceManager) Sources() []SourceMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]SourceMetrics, 0, len(sm.sources))
	for _, src := range sm.sources {
		out = append(out, src.Metrics())
	}
	return out
}

// History returns a copy of the bounded failover event history, oldest
// first.
func (sm *SourceManager) History() []FailoverEvent {
	sm.historyMu.RLock()
	defer sm.historyMu.RUnlock()
	out := make([]FailoverEvent, len(sm.history))
	copy(out, sm.history)
	return out
}

// ReadAudio consumes up to len(dst) mixed samples from the master ring.
func (sm *SourceManager) ReadAudio(dst []float32) int {
	return sm.masterRing.Read(dst)
}

// MasterRing exposes the master mix buffer. The source manager's mixer is
// its only writer.
func (sm *SourceManager) MasterRing() *RingBuffer {
	return sm.masterRing
}

func orNone(name string) string {
	if name == "" {
		return "(none)"
	}
	return name
}
