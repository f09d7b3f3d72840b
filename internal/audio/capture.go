// capture.go: supervises one external ffmpeg decode process and feeds its
// PCM output into the pipeline ring buffers.
package audio

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"math/big"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/easmon/easmon-go/internal/conf"
	"github.com/easmon/easmon-go/internal/errors"
	"github.com/easmon/easmon-go/internal/observability/metrics"
)

const (
	// processCleanupTimeout bounds how long cleanup waits for the decoder
	// to be reaped before abandoning the wait to a background goroutine.
	processCleanupTimeout = 5 * time.Second

	// gracefulShutdownTimeout is how long the decoder gets to exit after
	// SIGTERM before it is killed.
	gracefulShutdownTimeout = 2 * time.Second

	// dropLogInterval rate-limits dropped-chunk warnings.
	dropLogInterval = 30 * time.Second

	// restartJitterPercentMax is the maximum jitter added to backoff waits
	// to avoid synchronized restarts across sources.
	restartJitterPercentMax = 20

	// stderrTailSize bounds how much decoder stderr is kept for error context.
	stderrTailSize = 4096
)

// restartBackoff is the wait schedule between restart attempts. Attempts
// beyond the table reuse the last entry.
var restartBackoff = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// stderrTail is a concurrency-safe bounded buffer keeping the most recent
// decoder stderr output for error reporting.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (w *stderrTail) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > stderrTailSize {
		w.buf = w.buf[len(w.buf)-stderrTailSize:]
	}
	return len(p), nil
}

func (w *stderrTail) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}

func (w *stderrTail) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = w.buf[:0]
}

// HealthCallback is invoked on every health transition of a capture source.
type HealthCallback func(name string, old, new Health)

// CaptureSource supervises a single external decode process, restarting it
// with backoff on failure and writing its PCM output into two ring buffers:
// one consumed by the source manager's mixer and one by the bound stream
// output.
type CaptureSource struct {
	cfg   conf.CaptureSourceConfig
	audio conf.AudioSettings

	failoverRing *RingBuffer
	streamRing   *RingBuffer

	metrics *metrics.PipelineMetrics

	cmd              *exec.Cmd
	stdout           io.ReadCloser
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

	running atomic.Bool

	health   Health
	healthMu sync.RWMutex
	healthCb HealthCallback

	restartCount        atomic.Int64
	consecutiveFailures int
	failuresMu          sync.Mutex

	bytesReceived atomic.Int64
	lastDataTime  time.Time
	lastDataMu    sync.RWMutex
	startTime     time.Time

	// data rate tracking window
	rateBytes     int64
	rateWindow    time.Time
	rateValue     float64
	rateMu        sync.Mutex

	levelBits atomic.Uint64 // math.Float64bits of last chunk RMS dB

	droppedChunks   atomic.Int64
	lastDropLogTime time.Time
	dropLogMu       sync.Mutex
}

// NewCaptureSource creates a capture source for one configured input. The
// failover and stream rings are sized from the audio settings; the source
// is the single writer of both.
func NewCaptureSource(cfg conf.CaptureSourceConfig, audio conf.AudioSettings, m *metrics.PipelineMetrics) (*CaptureSource, error) {
	if cfg.Name == "" {
		return nil, errors.Newf("capture source requires a name").
			Category(errors.CategoryValidation).
			Component("capture").
			Build()
	}
	if cfg.Locator == "" {
		return nil, errors.Newf("capture source %s requires a locator", cfg.Name).
			Category(errors.CategoryValidation).
			Component("capture").
			Context("source", cfg.Name).
			Build()
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}

	failoverRing, err := NewRingBuffer(sampleRate * audio.SourceBufferSeconds)
	if err != nil {
		return nil, err
	}
	streamRing, err := NewRingBuffer(sampleRate * audio.StreamBufferSeconds)
	if err != nil {
		return nil, err
	}

	cfg.SampleRate = sampleRate
	return &CaptureSource{
		cfg:          cfg,
		audio:        audio,
		failoverRing: failoverRing,
		streamRing:   streamRing,
		metrics:      m,
		stderr:       &stderrTail{},
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		health:       HealthStopped,
	}, nil
}

// Name returns the unique source identifier.
func (c *CaptureSource) Name() string { return c.cfg.Name }

// Priority returns the configured failover priority. Lower wins.
func (c *CaptureSource) Priority() int { return c.cfg.Priority }

// Enabled reports whether the source participates in selection.
func (c *CaptureSource) Enabled() bool { return c.cfg.Enabled }

// FailoverRing returns the ring consumed by the source manager's mixer.
func (c *CaptureSource) FailoverRing() *RingBuffer { return c.failoverRing }

// StreamRing returns the ring consumed by the bound stream output.
func (c *CaptureSource) StreamRing() *RingBuffer { return c.streamRing }

// SampleRate returns the effective PCM sample rate of this source.
func (c *CaptureSource) SampleRate() int { return c.cfg.SampleRate }

// SetHealthCallback registers a callback invoked on health transitions.
// Must be called before Run.
func (c *CaptureSource) SetHealthCallback(cb HealthCallback) {
	c.healthCb = cb
}

// Health returns the current lifecycle state.
func (c *CaptureSource) Health() Health {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.health
}

func (c *CaptureSource) setHealth(h Health) {
	c.healthMu.Lock()
	old := c.health
	c.health = h
	c.healthMu.Unlock()

	if old == h {
		return
	}

	if c.metrics != nil {
		c.metrics.UpdateCaptureHealth(c.cfg.Name, float64(h))
	}
	audioLogger.Info("capture source health changed",
		"source", c.cfg.Name,
		"from", old.String(),
		"to", h.String(),
		"component", "capture",
		"operation", "health_transition")

	if c.healthCb != nil {
		c.healthCb(c.cfg.Name, old, h)
	}
}

// Run supervises the decode process until the context is cancelled, Stop is
// called, or the restart budget is exhausted. It blocks; callers run it in
// a goroutine.
func (c *CaptureSource) Run(parentCtx context.Context) {
	defer close(c.doneChan)

	c.running.Store(true)
	defer c.running.Store(false)

	func() {
		c.cancelMu.Lock()
		defer c.cancelMu.Unlock()
		c.ctx, c.cancel = context.WithCancel(parentCtx)
	}()
	defer func() {
		c.cancelMu.Lock()
		defer c.cancelMu.Unlock()
		if c.cancel != nil {
			c.cancel()
		}
	}()

	c.startTime = time.Now()

	for {
		select {
		case <-c.ctx.Done():
			c.setHealth(HealthStopped)
			return
		case <-c.stopChan:
			c.setHealth(HealthStopped)
			return
		default:
			if err := c.startProcess(); err != nil {
				audioLogger.Error("failed to start decode process",
					"source", c.cfg.Name,
					"error", err,
					"component", "capture",
					"operation", "start_process")
				log.Printf("❌ Failed to start decoder for %s: %v", c.cfg.Name, err)
				if c.recordFailure() {
					return
				}
				c.handleRestartBackoff()
				continue
			}

			// A fresh start reports Healthy right away; after failures
			// the source stays Degraded until data actually arrives.
			if c.Health() == HealthStopped {
				c.setHealth(HealthHealthy)
			}

			err := c.processAudio()

			c.stoppedMu.RLock()
			stopped := c.stopped
			c.stoppedMu.RUnlock()

			c.cleanupProcess()

			if stopped {
				c.setHealth(HealthStopped)
				return
			}

			runtime := time.Since(c.getProcessStartTime())
			if err != nil && !errors.Is(err, context.Canceled) {
				audioLogger.Warn("decode process ended",
					"source", c.cfg.Name,
					"error", err,
					"runtime_seconds", runtime.Seconds(),
					"component", "capture",
					"operation", "process_ended")
				log.Printf("⚠️ Decoder ended for %s after %s: %v", c.cfg.Name, runtime.Round(time.Millisecond), err)
			} else {
				// A live source's decoder exiting cleanly is still a
				// stall; restart it like any other exit.
				audioLogger.Info("decode process ended normally",
					"source", c.cfg.Name,
					"runtime_seconds", runtime.Seconds(),
					"component", "capture",
					"operation", "process_ended")
				log.Printf("ℹ️ Decoder ended normally for %s after %s", c.cfg.Name, runtime.Round(time.Millisecond))
			}

			if errors.Is(err, context.Canceled) {
				c.setHealth(HealthStopped)
				return
			}

			if c.recordFailure() {
				return
			}
			c.handleRestartBackoff()
		}
	}
}

// recordFailure bumps the consecutive failure counter and returns true if
// the restart budget is exhausted, marking the source Failed.
func (c *CaptureSource) recordFailure() bool {
	c.failuresMu.Lock()
	c.consecutiveFailures++
	failures := c.consecutiveFailures
	c.failuresMu.Unlock()

	c.restartCount.Add(1)
	if c.metrics != nil {
		c.metrics.RecordCaptureRestart(c.cfg.Name)
		c.metrics.UpdateConsecutiveFailures(c.cfg.Name, float64(failures))
	}

	if c.audio.MaxRestartAttempts > 0 && failures >= c.audio.MaxRestartAttempts {
		audioLogger.Error("capture source exhausted restart budget",
			"source", c.cfg.Name,
			"consecutive_failures", failures,
			"max_restart_attempts", c.audio.MaxRestartAttempts,
			"component", "capture",
			"operation", "restart_budget_exhausted")
		log.Printf("❌ Source %s failed permanently after %d attempts", c.cfg.Name, failures)
		c.setHealth(HealthFailed)
		return true
	}

	c.setHealth(HealthDegraded)
	return false
}

// resetFailures clears the consecutive failure counter after a run proved
// the source is delivering audio again.
func (c *CaptureSource) resetFailures() {
	c.failuresMu.Lock()
	changed := c.consecutiveFailures != 0
	c.consecutiveFailures = 0
	c.failuresMu.Unlock()

	if changed {
		if c.metrics != nil {
			c.metrics.UpdateConsecutiveFailures(c.cfg.Name, 0)
		}
		audioLogger.Debug("consecutive failure count reset",
			"source", c.cfg.Name,
			"operation", "reset_failures")
	}
}

// handleRestartBackoff waits between restart attempts. The wait follows the
// backoff schedule indexed by consecutive failures, plus random jitter.
func (c *CaptureSource) handleRestartBackoff() {
	c.failuresMu.Lock()
	idx := c.consecutiveFailures - 1
	c.failuresMu.Unlock()

	if idx < 0 {
		idx = 0
	}
	if idx >= len(restartBackoff) {
		idx = len(restartBackoff) - 1
	}
	backoff := restartBackoff[idx]

	// Jitter avoids synchronized restarts across many sources.
	wait := backoff
	factor := float64(restartJitterPercentMax) / 100.0
	jitterRange := time.Duration(float64(backoff) * factor)
	if jitterRange > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(jitterRange.Nanoseconds())); err == nil {
			wait = backoff + time.Duration(n.Int64())
		}
	}

	audioLogger.Info("waiting before restart attempt",
		"source", c.cfg.Name,
		"wait_seconds", wait.Seconds(),
		"restart_count", c.restartCount.Load(),
		"component", "capture",
		"operation", "restart_wait")
	log.Printf("⏳ Waiting %s before restarting decoder for %s", wait.Round(time.Millisecond), c.cfg.Name)

	select {
	case <-time.After(wait):
	case <-c.ctx.Done():
	case <-c.stopChan:
	}
}

// decodeArgs builds the ffmpeg argument list that turns the source locator
// into raw mono signed 16-bit little-endian PCM on stdout.
func (c *CaptureSource) decodeArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-i", c.cfg.Locator,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(c.cfg.SampleRate),
		"-ac", strconv.Itoa(conf.NumChannels),
		"pipe:1",
	}
}

// startProcess launches the decode process and wires up its stdout pipe.
func (c *CaptureSource) startProcess() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	ffmpegPath := c.audio.FfmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return errors.New(fmt.Errorf("ffmpeg not found: %w", err)).
			Category(errors.CategoryValidation).
			Component("capture").
			Context("operation", "start_process").
			Context("ffmpeg_path", ffmpegPath).
			Build()
	}

	cmd := exec.CommandContext(c.ctx, resolved, c.decodeArgs()...)
	setupProcessGroup(cmd)
	c.stderr.Reset()
	cmd.Stderr = c.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.New(fmt.Errorf("failed to create stdout pipe: %w", err)).
			Category(errors.CategoryCapture).
			Component("capture").
			Context("operation", "start_process").
			Context("source", c.cfg.Name).
			Build()
	}

	if err := cmd.Start(); err != nil {
		return errors.New(fmt.Errorf("failed to start ffmpeg: %w", err)).
			Category(errors.CategoryCapture).
			Component("capture").
			Context("operation", "start_process").
			Context("source", c.cfg.Name).
			Build()
	}

	c.cmd = cmd
	c.stdout = stdout
	c.processStartTime = time.Now()
	c.updateLastDataTime()

	audioLogger.Info("decode process started",
		"source", c.cfg.Name,
		"pid", cmd.Process.Pid,
		"sample_rate", c.cfg.SampleRate,
		"component", "capture",
		"operation", "start_process")
	log.Printf("🎧 Decoder started for %s (PID: %d)", c.cfg.Name, cmd.Process.Pid)
	return nil
}

func (c *CaptureSource) getProcessStartTime() time.Time {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.processStartTime
}

// processAudio reads fixed-size PCM chunks from the decoder until it exits
// or the watchdog fires. A separate goroutine watches for data stalls and
// kills the process group so the blocked read unblocks.
func (c *CaptureSource) processAudio() error {
	c.cmdMu.Lock()
	stdout := c.stdout
	cmd := c.cmd
	c.cmdMu.Unlock()

	if stdout == nil || cmd == nil {
		return errors.Newf("no decode process to read from").
			Category(errors.CategoryCapture).
			Component("capture").
			Context("source", c.cfg.Name).
			Build()
	}

	watchdogFired := make(chan struct{})
	watchdogDone := make(chan struct{})
	go c.runWatchdog(cmd, watchdogFired, watchdogDone)
	defer close(watchdogDone)

	chunkBytes := c.cfg.SampleRate * conf.BytesPerSample * conf.ChunkMilliseconds / 1000
	buf := make([]byte, chunkBytes)

	sampleBuf := make([]float32, chunkBytes/conf.BytesPerSample)

	delivered := false

	for {
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			c.handleAudioData(buf[:n], sampleBuf)
			// The first successful read clears the failure budget and
			// promotes a Degraded source back to Healthy.
			if !delivered {
				delivered = true
				c.resetFailures()
				c.setHealth(HealthHealthy)
			}
		}
		if err != nil {
			select {
			case <-watchdogFired:
				return errors.Newf("watchdog timeout: no data for %s", c.audio.WatchdogTimeout).
					Category(errors.CategoryTimeout).
					Component("capture").
					Context("source", c.cfg.Name).
					Build()
			default:
			}
			if c.ctx.Err() != nil {
				return context.Canceled
			}
			stderr := c.stderr.String()
			if stderr != "" {
				return errors.New(fmt.Errorf("decoder read failed: %w (stderr: %s)", err, stderr)).
					Category(errors.CategoryCapture).
					Component("capture").
					Context("source", c.cfg.Name).
					Build()
			}
			return errors.New(fmt.Errorf("decoder read failed: %w", err)).
				Category(errors.CategoryCapture).
				Component("capture").
				Context("source", c.cfg.Name).
				Build()
		}

		select {
		case <-c.ctx.Done():
			return context.Canceled
		case <-c.stopChan:
			return context.Canceled
		default:
		}
	}
}

// runWatchdog kills the decode process when no data has arrived within the
// watchdog timeout. The blocked pipe read then fails and the run loop
// restarts the process.
func (c *CaptureSource) runWatchdog(cmd *exec.Cmd, fired chan<- struct{}, done <-chan struct{}) {
	timeout := c.audio.WatchdogTimeout
	if timeout <= 0 {
		return
	}
	interval := timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.lastDataMu.RLock()
			last := c.lastDataTime
			c.lastDataMu.RUnlock()

			if time.Since(last) <= timeout {
				continue
			}

			if c.metrics != nil {
				c.metrics.RecordWatchdogTimeout(c.cfg.Name)
			}
			audioLogger.Warn("watchdog timeout, killing stalled decoder",
				"source", c.cfg.Name,
				"timeout_seconds", timeout.Seconds(),
				"last_data_age_seconds", time.Since(last).Seconds(),
				"component", "capture",
				"operation", "watchdog_timeout")
			log.Printf("🐕 Watchdog timeout for %s, restarting decoder", c.cfg.Name)

			close(fired)
			if err := killProcessGroup(cmd); err != nil {
				audioLogger.Debug("watchdog kill failed",
					"source", c.cfg.Name,
					"error", err,
					"operation", "watchdog_kill")
			}
			return
		}
	}
}

// handleAudioData converts one PCM chunk to samples and writes it to both
// the failover and stream rings. Writes are all-or-nothing; a full ring
// drops the whole chunk. scratch is reused across chunks to avoid
// per-chunk allocation.
func (c *CaptureSource) handleAudioData(data []byte, scratch []float32) {
	c.updateLastDataTime()
	c.bytesReceived.Add(int64(len(data)))
	c.trackDataRate(len(data))
	if c.metrics != nil {
		c.metrics.RecordCaptureBytes(c.cfg.Name, len(data))
	}

	n := PCMToSamples(data, scratch)
	samples := scratch[:n]
	level := CalculateLevel(samples)
	c.levelBits.Store(floatBits(level.RMSDB))

	if n := c.failoverRing.Write(samples); n == 0 {
		c.logDroppedChunk("failover")
		if c.metrics != nil {
			c.metrics.RecordBufferOverrun("failover:" + c.cfg.Name)
		}
	}
	if n := c.streamRing.Write(samples); n == 0 {
		c.logDroppedChunk("stream")
		if c.metrics != nil {
			c.metrics.RecordBufferOverrun("stream:" + c.cfg.Name)
		}
	}

	if c.metrics != nil {
		c.metrics.UpdateBufferUtilization("failover:"+c.cfg.Name, c.failoverRing.Utilization())
		c.metrics.UpdateBufferUtilization("stream:"+c.cfg.Name, c.streamRing.Utilization())
	}
}

// logDroppedChunk logs dropped chunks at most once per dropLogInterval.
func (c *CaptureSource) logDroppedChunk(ring string) {
	dropped := c.droppedChunks.Add(1)

	c.dropLogMu.Lock()
	defer c.dropLogMu.Unlock()
	if time.Since(c.lastDropLogTime) < dropLogInterval {
		return
	}
	c.lastDropLogTime = time.Now()

	audioLogger.Warn("dropping audio chunks, ring buffer full",
		"source", c.cfg.Name,
		"ring", ring,
		"dropped_total", dropped,
		"component", "capture",
		"operation", "chunk_dropped")
	log.Printf("⚠️ Dropping audio for %s (%s ring full, %d chunks dropped so far)", c.cfg.Name, ring, dropped)
}

func (c *CaptureSource) updateLastDataTime() {
	c.lastDataMu.Lock()
	c.lastDataTime = time.Now()
	c.lastDataMu.Unlock()
}

// trackDataRate maintains a rolling bytes-per-second estimate over one
// second windows.
func (c *CaptureSource) trackDataRate(n int) {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	now := time.Now()
	if c.rateWindow.IsZero() {
		c.rateWindow = now
	}
	c.rateBytes += int64(n)
	if elapsed := now.Sub(c.rateWindow); elapsed >= time.Second {
		c.rateValue = float64(c.rateBytes) / elapsed.Seconds()
		c.rateBytes = 0
		c.rateWindow = now
	}
}

// cleanupProcess tears down the decode process: SIGTERM first, then a kill
// after a grace period, always reaping the zombie even if the wait has to
// be abandoned to a background goroutine.
func (c *CaptureSource) cleanupProcess() {
	c.cmdMu.Lock()
	cmd := c.cmd
	stdout := c.stdout
	pid := 0
	if cmd != nil && cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	c.cmd = nil
	c.stdout = nil
	c.processStartTime = time.Time{}
	c.cmdMu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	if stdout != nil {
		if err := stdout.Close(); err != nil {
			audioLogger.Debug("failed to close decoder stdout",
				"source", c.cfg.Name,
				"error", err,
				"operation", "cleanup_process")
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

	// Graceful first: SIGTERM, short wait, then kill the group.
	if err := terminateProcessGroup(cmd); err != nil {
		audioLogger.Debug("terminate failed, killing process group",
			"source", c.cfg.Name,
			"pid", pid,
			"error", err,
			"operation", "cleanup_terminate")
	}

	select {
	case err := <-waitDone:
		c.logProcessStopped(pid, err)
		return
	case <-time.After(gracefulShutdownTimeout):
	}

	if err := killProcessGroup(cmd); err != nil {
		if killErr := cmd.Process.Kill(); killErr != nil {
			audioLogger.Warn("failed to kill decode process",
				"source", c.cfg.Name,
				"pid", pid,
				"error", killErr,
				"operation", "cleanup_process_kill")
		}
	}

	select {
	case err := <-waitDone:
		c.logProcessStopped(pid, err)
	case <-time.After(processCleanupTimeout):
		// The goroutine keeps waiting and will eventually reap the zombie.
		audioLogger.Warn("decode process cleanup timeout, reaping asynchronously",
			"source", c.cfg.Name,
			"pid", pid,
			"timeout_seconds", processCleanupTimeout.Seconds(),
			"component", "capture",
			"operation", "cleanup_process_timeout")
		log.Printf("⚠️ Decoder cleanup timeout for %s (PID: %d), reaping asynchronously", c.cfg.Name, pid)
	}
}

func (c *CaptureSource) logProcessStopped(pid int, err error) {
	if err != nil && !strings.Contains(err.Error(), "signal: killed") && !strings.Contains(err.Error(), "signal: terminated") {
		audioLogger.Warn("decode process wait error",
			"source", c.cfg.Name,
			"pid", pid,
			"error", err,
			"component", "capture",
			"operation", "process_wait")
	}
	audioLogger.Info("decode process stopped",
		"source", c.cfg.Name,
		"pid", pid,
		"component", "capture",
		"operation", "cleanup_process")
	log.Printf("🛑 Decoder stopped for %s (PID: %d)", c.cfg.Name, pid)
}

// Stop gracefully stops the capture source. Idempotent.
func (c *CaptureSource) Stop() {
	c.stopOnce.Do(func() {
		c.stoppedMu.Lock()
		c.stopped = true
		c.stoppedMu.Unlock()

		close(c.stopChan)

		c.cancelMu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.cancelMu.Unlock()

		// A run loop that never launched cannot observe the stop, so the
		// health state is updated here. An exited loop already set its
		// final state and keeps it.
		if !c.running.Load() {
			select {
			case <-c.doneChan:
			default:
				c.setHealth(HealthStopped)
			}
		}
	})
}

// Running reports whether the supervision loop is live.
func (c *CaptureSource) Running() bool { return c.running.Load() }

// Done returns a channel closed when the Run loop has exited.
func (c *CaptureSource) Done() <-chan struct{} { return c.doneChan }

// LastDataTime returns when the source last delivered audio.
func (c *CaptureSource) LastDataTime() time.Time {
	c.lastDataMu.RLock()
	defer c.lastDataMu.RUnlock()
	return c.lastDataTime
}

// Level returns the RMS level in dBFS of the most recent chunk.
func (c *CaptureSource) Level() float64 {
	return floatFromBits(c.levelBits.Load())
}

// Metrics returns a point-in-time snapshot of the source's counters.
func (c *CaptureSource) Metrics() SourceMetrics {
	c.failuresMu.Lock()
	failures := c.consecutiveFailures
	c.failuresMu.Unlock()

	c.rateMu.Lock()
	rate := c.rateValue
	c.rateMu.Unlock()

	uptime := time.Duration(0)
	if start := c.getProcessStartTime(); !start.IsZero() {
		uptime = time.Since(start)
	}

	h := c.Health()
	return SourceMetrics{
		Name:                c.cfg.Name,
		Health:              h,
		HealthLabel:         h.String(),
		Priority:            c.cfg.Priority,
		BytesReceived:       c.bytesReceived.Load(),
		RestartCount:        c.restartCount.Load(),
		ConsecutiveFailures: failures,
		LastDataTime:        c.LastDataTime(),
		DataRate:            rate,
		Uptime:              uptime,
		LevelDB:             c.Level(),
	}
}
