// types.go: shared pipeline types for source health and failover reporting
package audio

import (
	"time"

	"github.com/google/uuid"
)

// Health describes the lifecycle state of a capture source.
type Health int

const (
	// HealthStopped means the source has not been started or was stopped.
	HealthStopped Health = iota
	// HealthHealthy means the source is delivering audio.
	HealthHealthy
	// HealthDegraded means the source is restarting after a failure.
	HealthDegraded
	// HealthFailed means the source exhausted its restart budget.
	HealthFailed
)

func (h Health) String() string {
	switch h {
	case HealthStopped:
		return "stopped"
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailoverReason classifies why the source manager switched active sources.
type FailoverReason string

const (
	// ReasonSourceFailed means the previous active source stopped delivering audio.
	ReasonSourceFailed FailoverReason = "source_failed"
	// ReasonSilenceDetected means the previous active source went silent.
	ReasonSilenceDetected FailoverReason = "silence_detected"
	// ReasonManual means an operator forced the switch.
	ReasonManual FailoverReason = "manual"
	// ReasonPriorityChange means a higher-priority source recovered.
	ReasonPriorityChange FailoverReason = "priority_change"
)

// FailoverEvent records a single active-source transition.
type FailoverEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Reason    FailoverReason `json:"reason"`
}

func newFailoverEvent(from, to string, reason FailoverReason) FailoverEvent {
	return FailoverEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// SourceMetrics is a point-in-time snapshot of a capture source's counters.
type SourceMetrics struct {
	Name                string        `json:"name"`
	Health              Health        `json:"-"`
	HealthLabel         string        `json:"health"`
	Priority            int           `json:"priority"`
	BytesReceived       int64         `json:"bytes_received"`
	RestartCount        int64         `json:"restart_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastDataTime        time.Time     `json:"last_data_time"`
	DataRate            float64       `json:"data_rate_bps"`
	Uptime              time.Duration `json:"uptime"`
	LevelDB             float64       `json:"level_db"`
}
