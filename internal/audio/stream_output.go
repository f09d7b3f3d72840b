// stream_output.go: publishes one source's audio to an Icecast mount through
// an external ffmpeg encode process, smoothing delivery with a jitter buffer.
package audio

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/easmon/easmon-go/internal/conf"
	"github.com/easmon/easmon-go/internal/errors"
	"github.com/easmon/easmon-go/internal/observability/metrics"
)

const (
	// emptyWarnInterval rate-limits jitter-buffer-empty warnings.
	emptyWarnInterval = 30 * time.Second

	// encoderCleanupTimeout bounds how long encoder teardown waits for the
	// process to be reaped.
	encoderCleanupTimeout = 5 * time.Second
)

// StreamStats is a point-in-time snapshot of a stream output's counters.
type StreamStats struct {
	Mount         string        `json:"mount"`
	Source        string        `json:"source"`
	Connected     bool          `json:"connected"`
	BytesSent     int64         `json:"bytes_sent"`
	Reconnects    int64         `json:"reconnects"`
	DroppedChunks int64         `json:"dropped_chunks"`
	JitterDepth   time.Duration `json:"jitter_depth"`
	Uptime        time.Duration `json:"uptime"`
}

// StreamOutput consumes one capture source's stream ring, buffers the PCM in
// a byte jitter buffer, and feeds it to an external encode process that
// publishes to an Icecast mount. The encoder is restarted after a fixed
// cooldown whenever it exits or its stdin breaks.
type StreamOutput struct {
	cfg    conf.StreamOutputConfig
	audio  conf.AudioSettings
	source *CaptureSource

	jitter  *ringbuffer.RingBuffer
	metrics *metrics.PipelineMetrics

	cmd              *exec.Cmd
	stdin            io.WriteCloser
	stderr           *stderrTail
	processStartTime time.Time
	cmdMu            sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	cancelMu sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	doneChan chan struct{}

	stopped   bool
	stoppedMu sync.RWMutex

	connected  atomic.Bool
	bytesSent  atomic.Int64
	reconnects atomic.Int64
	dropped    atomic.Int64

	lastEmptyWarn time.Time
	emptyWarnMu   sync.Mutex
}

// NewStreamOutput binds a stream output to a capture source. The output is
// the single consumer of the source's stream ring.
func NewStreamOutput(cfg conf.StreamOutputConfig, audio conf.AudioSettings, source *CaptureSource, m *metrics.PipelineMetrics) (*StreamOutput, error) {
	if source == nil {
		return nil, errors.Newf("stream output %s requires a capture source", cfg.Mount).
			Category(errors.CategoryValidation).
			Component("stream-output").
			Context("mount", cfg.Mount).
			Build()
	}
	if cfg.Host == "" || cfg.Mount == "" {
		return nil, errors.Newf("stream output requires host and mount").
			Category(errors.CategoryValidation).
			Component("stream-output").
			Context("source", source.Name()).
			Build()
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	cfg.SampleRate = sampleRate

	jitterBytes := sampleRate * conf.BytesPerSample * conf.NumChannels * audio.JitterBufferSeconds
	return &StreamOutput{
		cfg:      cfg,
		audio:    audio,
		source:   source,
		jitter:   ringbuffer.New(jitterBytes),
		metrics:  m,
		stderr:   &stderrTail{},
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Mount returns the mount path this output publishes to.
func (so *StreamOutput) Mount() string { return so.cfg.Mount }

// SourceName returns the name of the bound capture source.
func (so *StreamOutput) SourceName() string { return so.source.Name() }

// Run operates the output until the context is cancelled or Stop is called.
// A filler goroutine moves PCM from the source ring into the jitter buffer
// while the main loop supervises the encode process. It blocks; callers run
// it in a goroutine.
func (so *StreamOutput) Run(parentCtx context.Context) {
	defer close(so.doneChan)

	func() {
		so.cancelMu.Lock()
		defer so.cancelMu.Unlock()
		so.ctx, so.cancel = context.WithCancel(parentCtx)
	}()
	defer func() {
		so.cancelMu.Lock()
		defer so.cancelMu.Unlock()
		if so.cancel != nil {
			so.cancel()
		}
	}()

	var fillerWg sync.WaitGroup
	fillerWg.Add(1)
	go func() {
		defer fillerWg.Done()
		so.fillLoop()
	}()
	defer fillerWg.Wait()

	for {
		select {
		case <-so.ctx.Done():
			so.cleanupEncoder()
			return
		case <-so.stopChan:
			so.cleanupEncoder()
			return
		default:
			if err := so.prebuffer(); err != nil {
				return
			}

			if err := so.startEncoder(); err != nil {
				audioLogger.Error("failed to start encode process",
					"mount", so.cfg.Mount,
					"error", err,
					"component", "stream-output",
					"operation", "start_encoder")
				log.Printf("❌ Failed to start encoder for %s: %v", so.cfg.Mount, err)
				if !so.reconnectWait() {
					return
				}
				continue
			}

			err := so.drain()

			so.stoppedMu.RLock()
			stopped := so.stopped
			so.stoppedMu.RUnlock()

			so.cleanupEncoder()

			if stopped || so.ctx.Err() != nil {
				return
			}

			runtime := time.Since(so.getProcessStartTime())
			audioLogger.Warn("encode process ended",
				"mount", so.cfg.Mount,
				"error", err,
				"runtime_seconds", runtime.Seconds(),
				"component", "stream-output",
				"operation", "encoder_ended")
			log.Printf("⚠️ Encoder ended for %s after %s: %v", so.cfg.Mount, runtime.Round(time.Millisecond), err)

			so.reconnects.Add(1)
			if so.metrics != nil {
				so.metrics.RecordStreamReconnect(so.cfg.Mount)
			}
			if !so.reconnectWait() {
				return
			}
		}
	}
}

// fillLoop moves PCM from the source's stream ring into the jitter buffer at
// chunk cadence. A full jitter buffer drops the incoming chunk whole.
func (so *StreamOutput) fillLoop() {
	sampleRate := so.source.SampleRate()
	chunkSamples := sampleRate * conf.ChunkMilliseconds / 1000
	samples := make([]float32, chunkSamples)
	pcm := make([]byte, chunkSamples*conf.BytesPerSample)

	ticker := time.NewTicker(mixInterval)
	defer ticker.Stop()

	ring := so.source.StreamRing()
	for {
		select {
		case <-so.ctx.Done():
			return
		case <-so.stopChan:
			return
		case <-ticker.C:
			for ring.Len() >= chunkSamples {
				n := ring.Read(samples)
				if n == 0 {
					break
				}
				nb := SamplesToPCM(samples[:n], pcm)
				if nb > so.jitter.Free() {
					so.dropped.Add(1)
					if so.metrics != nil {
						so.metrics.RecordBufferOverrun("jitter:" + so.cfg.Mount)
					}
					continue
				}
				if _, err := so.jitter.Write(pcm[:nb]); err != nil {
					so.dropped.Add(1)
				}
			}
			if so.metrics != nil {
				so.metrics.UpdateJitterDepth(so.cfg.Mount, so.jitterDepth().Seconds())
			}
		}
	}
}

// jitterDepth converts the buffered byte count to playback time.
func (so *StreamOutput) jitterDepth() time.Duration {
	bytesPerSecond := so.cfg.SampleRate * conf.BytesPerSample * conf.NumChannels
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(so.jitter.Length()) / float64(bytesPerSecond) * float64(time.Second))
}

// prebuffer waits until the jitter buffer holds the pre-fill target of
// audio, bounded by the configured maximum wait. Returns an error only when
// the output is shutting down.
func (so *StreamOutput) prebuffer() error {
	target := so.audio.PrebufferTarget
	deadline := time.Now().Add(so.audio.PrebufferMaxWait)

	for so.jitterDepth() < target && time.Now().Before(deadline) {
		select {
		case <-so.ctx.Done():
			return so.ctx.Err()
		case <-so.stopChan:
			return context.Canceled
		case <-time.After(mixInterval):
		}
	}

	audioLogger.Debug("prebuffer complete",
		"mount", so.cfg.Mount,
		"depth_seconds", so.jitterDepth().Seconds(),
		"target_seconds", target.Seconds(),
		"operation", "prebuffer")
	return nil
}

// icecastURL builds the destination URL with source credentials.
func (so *StreamOutput) icecastURL() string {
	u := url.URL{
		Scheme: "icecast",
		User:   url.UserPassword("source", so.cfg.Password),
		Host:   fmt.Sprintf("%s:%d", so.cfg.Host, so.cfg.Port),
		Path:   so.cfg.Mount,
	}
	return u.String()
}

// encodeArgs builds the ffmpeg argument list that encodes raw PCM from
// stdin and publishes it to the Icecast mount.
func (so *StreamOutput) encodeArgs() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-re",
		"-f", "s16le",
		"-ar", strconv.Itoa(so.cfg.SampleRate),
		"-ac", strconv.Itoa(conf.NumChannels),
		"-i", "pipe:0",
	}

	switch so.cfg.Format {
	case "ogg":
		args = append(args,
			"-c:a", "libvorbis",
			"-b:a", fmt.Sprintf("%dk", so.cfg.Bitrate),
			"-f", "ogg",
			"-content_type", "application/ogg",
		)
	default:
		args = append(args,
			"-c:a", "libmp3lame",
			"-b:a", fmt.Sprintf("%dk", so.cfg.Bitrate),
			"-f", "mp3",
			"-content_type", "audio/mpeg",
		)
	}

	if so.cfg.Name != "" {
		args = append(args, "-ice_name", so.cfg.Name)
	}
	if so.cfg.Description != "" {
		args = append(args, "-ice_description", so.cfg.Description)
	}
	if so.cfg.Genre != "" {
		args = append(args, "-ice_genre", so.cfg.Genre)
	}

	return append(args, so.icecastURL())
}

// startEncoder launches the encode process and wires up its stdin pipe.
func (so *StreamOutput) startEncoder() error {
	so.cmdMu.Lock()
	defer so.cmdMu.Unlock()

	ffmpegPath := so.audio.FfmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return errors.New(fmt.Errorf("ffmpeg not found: %w", err)).
			Category(errors.CategoryValidation).
			Component("stream-output").
			Context("operation", "start_encoder").
			Context("ffmpeg_path", ffmpegPath).
			Build()
	}

	cmd := exec.CommandContext(so.ctx, resolved, so.encodeArgs()...)
	setupProcessGroup(cmd)
	so.stderr.Reset()
	cmd.Stderr = so.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.New(fmt.Errorf("failed to create stdin pipe: %w", err)).
			Category(errors.CategoryStreamOutput).
			Component("stream-output").
			Context("operation", "start_encoder").
			Context("mount", so.cfg.Mount).
			Build()
	}

	if err := cmd.Start(); err != nil {
		return errors.New(fmt.Errorf("failed to start ffmpeg: %w", err)).
			Category(errors.CategoryStreamOutput).
			Component("stream-output").
			Context("operation", "start_encoder").
			Context("mount", so.cfg.Mount).
			Build()
	}

	so.cmd = cmd
	so.stdin = stdin
	so.processStartTime = time.Now()
	so.connected.Store(true)

	audioLogger.Info("encode process started",
		"mount", so.cfg.Mount,
		"pid", cmd.Process.Pid,
		"format", so.cfg.Format,
		"bitrate_kbps", so.cfg.Bitrate,
		"component", "stream-output",
		"operation", "start_encoder")
	log.Printf("📡 Encoder started for %s (PID: %d)", so.cfg.Mount, cmd.Process.Pid)
	return nil
}

func (so *StreamOutput) getProcessStartTime() time.Time {
	so.cmdMu.Lock()
	defer so.cmdMu.Unlock()
	return so.processStartTime
}

// drain feeds jitter buffer bytes to the encoder's stdin until the pipe
// breaks or shutdown is requested. A broken pipe means the encoder (or its
// upstream connection) died; the caller handles the restart.
func (so *StreamOutput) drain() error {
	so.cmdMu.Lock()
	stdin := so.stdin
	so.cmdMu.Unlock()

	if stdin == nil {
		return errors.Newf("no encode process to write to").
			Category(errors.CategoryStreamOutput).
			Component("stream-output").
			Context("mount", so.cfg.Mount).
			Build()
	}

	chunkBytes := so.cfg.SampleRate * conf.BytesPerSample * conf.ChunkMilliseconds / 1000
	buf := make([]byte, chunkBytes)

	for {
		select {
		case <-so.ctx.Done():
			return context.Canceled
		case <-so.stopChan:
			return context.Canceled
		default:
		}

		if so.jitter.Length() < chunkBytes {
			so.warnEmpty()
			select {
			case <-so.ctx.Done():
				return context.Canceled
			case <-so.stopChan:
				return context.Canceled
			case <-time.After(mixInterval):
			}
			continue
		}

		n, err := so.jitter.Read(buf)
		if err != nil || n == 0 {
			continue
		}

		written, err := stdin.Write(buf[:n])
		if written > 0 {
			so.bytesSent.Add(int64(written))
			if so.metrics != nil {
				so.metrics.RecordStreamBytes(so.cfg.Mount, written)
			}
		}
		if err != nil {
			so.connected.Store(false)
			stderr := so.stderr.String()
			if stderr != "" {
				return errors.New(fmt.Errorf("encoder write failed: %w (stderr: %s)", err, stderr)).
					Category(errors.CategoryStreamOutput).
					Component("stream-output").
					Context("mount", so.cfg.Mount).
					Build()
			}
			return errors.New(fmt.Errorf("encoder write failed: %w", err)).
				Category(errors.CategoryStreamOutput).
				Component("stream-output").
				Context("mount", so.cfg.Mount).
				Build()
		}
	}
}

// warnEmpty logs jitter buffer starvation at most once per emptyWarnInterval.
func (so *StreamOutput) warnEmpty() {
	so.emptyWarnMu.Lock()
	defer so.emptyWarnMu.Unlock()
	if time.Since(so.lastEmptyWarn) < emptyWarnInterval {
		return
	}
	so.lastEmptyWarn = time.Now()

	audioLogger.Warn("jitter buffer empty, stream starving",
		"mount", so.cfg.Mount,
		"source", so.source.Name(),
		"component", "stream-output",
		"operation", "jitter_empty")
	log.Printf("⚠️ Jitter buffer empty for %s, stream is starving", so.cfg.Mount)
	if so.metrics != nil {
		so.metrics.RecordBufferUnderrun("jitter:" + so.cfg.Mount)
	}
}

// reconnectWait applies the fixed reconnect cooldown. Returns false when
// shutdown was requested during the wait.
func (so *StreamOutput) reconnectWait() bool {
	cooldown := so.audio.ReconnectCooldown
	audioLogger.Info("waiting before encoder restart",
		"mount", so.cfg.Mount,
		"cooldown_seconds", cooldown.Seconds(),
		"reconnects", so.reconnects.Load(),
		"component", "stream-output",
		"operation", "reconnect_wait")
	log.Printf("⏳ Waiting %s before reconnecting %s", cooldown, so.cfg.Mount)

	select {
	case <-time.After(cooldown):
		return true
	case <-so.ctx.Done():
		return false
	case <-so.stopChan:
		return false
	}
}

// cleanupEncoder tears down the encode process, closing stdin first so
// ffmpeg can flush, then escalating to a kill.
func (so *StreamOutput) cleanupEncoder() {
	so.cmdMu.Lock()
	cmd := so.cmd
	stdin := so.stdin
	pid := 0
	if cmd != nil && cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	so.cmd = nil
	so.stdin = nil
	so.processStartTime = time.Time{}
	so.cmdMu.Unlock()

	so.connected.Store(false)

	if cmd == nil || cmd.Process == nil {
		return
	}

	if stdin != nil {
		if err := stdin.Close(); err != nil {
			audioLogger.Debug("failed to close encoder stdin",
				"mount", so.cfg.Mount,
				"error", err,
				"operation", "cleanup_encoder")
		}
	}

	waitDone := make(chan error, 1)
	go func() {
		waitErr := cmd.Wait()
		select {
		case waitDone <- waitErr:
		default:
		}
	}()

	select {
	case <-waitDone:
	case <-time.After(gracefulShutdownTimeout):
		if err := killProcessGroup(cmd); err != nil {
			if killErr := cmd.Process.Kill(); killErr != nil {
				audioLogger.Warn("failed to kill encode process",
					"mount", so.cfg.Mount,
					"pid", pid,
					"error", killErr,
					"operation", "cleanup_encoder_kill")
			}
		}
		select {
		case <-waitDone:
		case <-time.After(encoderCleanupTimeout):
			audioLogger.Warn("encode process cleanup timeout, reaping asynchronously",
				"mount", so.cfg.Mount,
				"pid", pid,
				"component", "stream-output",
				"operation", "cleanup_encoder_timeout")
		}
	}

	audioLogger.Info("encode process stopped",
		"mount", so.cfg.Mount,
		"pid", pid,
		"component", "stream-output",
		"operation", "cleanup_encoder")
	log.Printf("🛑 Encoder stopped for %s (PID: %d)", so.cfg.Mount, pid)
}

// Stop gracefully stops the stream output. Idempotent.
func (so *StreamOutput) Stop() {
	so.stopOnce.Do(func() {
		so.stoppedMu.Lock()
		so.stopped = true
		so.stoppedMu.Unlock()

		close(so.stopChan)

		so.cancelMu.Lock()
		if so.cancel != nil {
			so.cancel()
		}
		so.cancelMu.Unlock()
	})
}

// Done returns a channel closed when the Run loop has exited.
func (so *StreamOutput) Done() <-chan struct{} { return so.doneChan }

// Stopped reports whether Stop has been called.
func (so *StreamOutput) Stopped() bool {
	so.stoppedMu.RLock()
	defer so.stoppedMu.RUnlock()
	return so.stopped
}

// Connected reports whether an encode process is currently running.
func (so *StreamOutput) Connected() bool { return so.connected.Load() }

// Stats returns a point-in-time snapshot of the output's counters.
func (so *StreamOutput) Stats() StreamStats {
	uptime := time.Duration(0)
	if start := so.getProcessStartTime(); !start.IsZero() {
		uptime = time.Since(start)
	}
	return StreamStats{
		Mount:         so.cfg.Mount,
		Source:        so.source.Name(),
		Connected:     so.connected.Load(),
		BytesSent:     so.bytesSent.Load(),
		Reconnects:    so.reconnects.Load(),
		DroppedChunks: so.dropped.Load(),
		JitterDepth:   so.jitterDepth(),
		Uptime:        uptime,
	}
}
