// orchestrator.go: wires the whole pipeline together. One capture source per
// configured input, one stream output per configured mount, paired by
// position, plus a metadata pusher per mount.
package audio

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/easmon/easmon-go/internal/conf"
	"github.com/easmon/easmon-go/internal/errors"
	"github.com/easmon/easmon-go/internal/observability/metrics"
)

// sweepInterval is how often dead stream outputs are checked for restart.
const sweepInterval = 10 * time.Second

// StreamOrchestrator owns the source manager and all stream outputs. Each
// configured stream is bound to the capture source at the same position, so
// every mount publishes exactly one source's audio.
type StreamOrchestrator struct {
	settings *conf.Settings
	metrics  *metrics.PipelineMetrics

	manager *SourceManager

	mu           sync.Mutex
	outputs      []*StreamOutput
	pushers      []*MetadataPusher
	pusherCancel []context.CancelFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewStreamOrchestrator builds the pipeline from settings. Sources are
// registered with the manager; each stream config is paired with the source
// at the same index.
func NewStreamOrchestrator(settings *conf.Settings, m *metrics.PipelineMetrics) (*StreamOrchestrator, error) {
	audio := settings.Realtime.Audio

	manager, err := NewSourceManager(audio, m)
	if err != nil {
		return nil, err
	}

	o := &StreamOrchestrator{
		settings: settings,
		metrics:  m,
		manager:  manager,
	}

	sources := make([]*CaptureSource, 0, len(settings.Realtime.Sources))
	for _, cfg := range settings.Realtime.Sources {
		src, err := manager.AddSource(cfg)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	for i := range settings.Realtime.Streams {
		streamCfg := settings.Realtime.Streams[i]
		if i >= len(sources) {
			return nil, errors.Newf("stream %s has no capture source to bind (stream %d of %d sources)",
				streamCfg.Mount, i+1, len(sources)).
				Category(errors.CategoryConfiguration).
				Component("orchestrator").
				Context("mount", streamCfg.Mount).
				Build()
		}

		out, err := NewStreamOutput(streamCfg, audio, sources[i], m)
		if err != nil {
			return nil, err
		}
		o.outputs = append(o.outputs, out)

		cfgCopy := streamCfg
		pusher, err := NewMetadataPusher(streamCfg, audio, func() string {
			return DeriveTitle(&cfgCopy, manager.ActiveSource())
		}, m)
		if err != nil {
			return nil, err
		}
		o.pushers = append(o.pushers, pusher)
	}

	return o, nil
}

// Manager returns the source manager for health queries and manual
// failover.
func (o *StreamOrchestrator) Manager() *SourceManager { return o.manager }

// Start launches the source manager, every stream output and metadata
// pusher, and the sweep loop.
func (o *StreamOrchestrator) Start(parentCtx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.Newf("orchestrator already started").
			Category(errors.CategoryState).
			Component("orchestrator").
			Build()
	}
	o.started = true

	o.ctx, o.cancel = context.WithCancel(parentCtx)

	if err := o.manager.Start(o.ctx); err != nil {
		return err
	}

	for _, out := range o.outputs {
		o.runOutput(out)
	}
	o.pusherCancel = make([]context.CancelFunc, len(o.pushers))
	for i, pusher := range o.pushers {
		pctx, pcancel := context.WithCancel(o.ctx)
		o.pusherCancel[i] = pcancel
		o.wg.Add(1)
		go func(p *MetadataPusher) {
			defer o.wg.Done()
			p.Run(pctx)
		}(pusher)
	}

	o.wg.Add(1)
	go o.sweepLoop()

	audioLogger.Info("orchestrator started",
		"sources", len(o.settings.Realtime.Sources),
		"streams", len(o.outputs),
		"component", "orchestrator",
		"operation", "start")
	log.Printf("🎛️ Pipeline started: %d sources, %d streams", len(o.settings.Realtime.Sources), len(o.outputs))
	return nil
}

func (o *StreamOrchestrator) runOutput(out *StreamOutput) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		out.Run(o.ctx)
	}()
}

// sweepLoop restarts stream outputs whose run loop died while the pipeline
// is still up. The capture sources are supervised by their own run loops;
// only the outputs need this safety net.
func (o *StreamOrchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.sweepOutputs()
		}
	}
}

func (o *StreamOrchestrator) sweepOutputs() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.ctx.Err() != nil {
		return
	}

	audio := o.settings.Realtime.Audio
	for i, out := range o.outputs {
		select {
		case <-out.Done():
		default:
			continue
		}

		// A removed or stopped source takes its outputs down with it;
		// StartSource brings them back.
		src := o.manager.Source(out.SourceName())
		if src == nil || !src.Running() {
			continue
		}

		// The run loop exited while the pipeline is still up. Rebuild
		// the output on the same source and mount.
		replacement, err := NewStreamOutput(o.settings.Realtime.Streams[i], audio,
			src, o.metrics)
		if err != nil {
			audioLogger.Error("failed to rebuild dead stream output",
				"mount", out.Mount(),
				"error", err,
				"component", "orchestrator",
				"operation", "sweep_rebuild")
			continue
		}

		audioLogger.Warn("restarting dead stream output",
			"mount", out.Mount(),
			"source", out.SourceName(),
			"component", "orchestrator",
			"operation", "sweep_restart")
		log.Printf("♻️ Restarting dead stream output for %s", out.Mount())

		o.outputs[i] = replacement
		o.runOutput(replacement)
	}
}

// StopSource stops a capture source and the stream outputs bound to it.
// The source stays registered; StartSource brings everything back.
func (o *StreamOrchestrator) StopSource(name string) error {
	for _, out := range o.boundOutputs(name) {
		out.Stop()
	}
	return o.manager.StopSource(name)
}

// StartSource restarts a stopped source and rebuilds the stream outputs
// bound to it. A restarted source carries fresh ring buffers, so the old
// outputs cannot be reused.
func (o *StreamOrchestrator) StartSource(name string) error {
	src, err := o.manager.StartSource(name)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for i, out := range o.outputs {
		if out.SourceName() != name {
			continue
		}
		out.Stop()
		replacement, err := NewStreamOutput(o.settings.Realtime.Streams[i],
			o.settings.Realtime.Audio, src, o.metrics)
		if err != nil {
			audioLogger.Error("failed to rebuild stream output for restarted source",
				"mount", out.Mount(),
				"source", name,
				"error", err,
				"component", "orchestrator",
				"operation", "start_source")
			continue
		}
		o.outputs[i] = replacement
		if o.started {
			o.runOutput(replacement)
		}
	}
	return nil
}

// RemoveSource tears down everything bound to the named source: its stream
// outputs stop publishing, their metadata pushers stop, and the source is
// unregistered from the manager.
func (o *StreamOrchestrator) RemoveSource(name string) error {
	o.mu.Lock()
	var stops []*StreamOutput
	for i, out := range o.outputs {
		if out.SourceName() != name {
			continue
		}
		stops = append(stops, out)
		if i < len(o.pusherCancel) && o.pusherCancel[i] != nil {
			o.pusherCancel[i]()
		}
	}
	o.mu.Unlock()

	for _, out := range stops {
		out.Stop()
	}
	return o.manager.RemoveSource(name)
}

func (o *StreamOrchestrator) boundOutputs(name string) []*StreamOutput {
	o.mu.Lock()
	defer o.mu.Unlock()
	var bound []*StreamOutput
	for _, out := range o.outputs {
		if out.SourceName() == name {
			bound = append(bound, out)
		}
	}
	return bound
}

// Stop shuts down the whole pipeline and waits for every component.
func (o *StreamOrchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	outputs := make([]*StreamOutput, len(o.outputs))
	copy(outputs, o.outputs)
	o.mu.Unlock()

	for _, out := range outputs {
		out.Stop()
	}
	o.manager.Stop()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	audioLogger.Info("orchestrator stopped",
		"component", "orchestrator",
		"operation", "stop")
	log.Printf("🛑 Pipeline stopped")
}

// StreamStats returns snapshots of every stream output.
func (o *StreamOrchestrator) StreamStats() []StreamStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]StreamStats, 0, len(o.outputs))
	for _, s := range o.outputs {
		out = append(out, s.Stats())
	}
	return out
}
