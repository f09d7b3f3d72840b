// metadata.go: pushes now-playing metadata to the Icecast admin interface,
// throttled and deduplicated so the server only sees real changes.
package audio

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/easmon/easmon-go/internal/conf"
	"github.com/easmon/easmon-go/internal/errors"
	"github.com/easmon/easmon-go/internal/observability/metrics"
)

// metadataBackoffBase is the first wait between retryable push attempts.
// Each retry doubles it. Variable so tests can shrink it.
var metadataBackoffBase = time.Second

// TitleProvider returns the current stream title. Called once per push
// interval.
type TitleProvider func() string

// MetadataPusher periodically pushes the stream title to an Icecast mount's
// admin endpoint. Pushes are skipped while the title is unchanged, retried
// with doubling backoff on transient failures, and abandoned immediately on
// authentication failures.
type MetadataPusher struct {
	cfg     conf.StreamOutputConfig
	audio   conf.AudioSettings
	client  *http.Client
	title   TitleProvider
	metrics *metrics.PipelineMetrics

	lastPushed string
}

// NewMetadataPusher creates a pusher for one mount. The title provider must
// not be nil.
func NewMetadataPusher(cfg conf.StreamOutputConfig, audio conf.AudioSettings, title TitleProvider, m *metrics.PipelineMetrics) (*MetadataPusher, error) {
	if title == nil {
		return nil, errors.Newf("metadata pusher requires a title provider").
			Category(errors.CategoryValidation).
			Component("metadata").
			Context("mount", cfg.Mount).
			Build()
	}
	return &MetadataPusher{
		cfg:   cfg,
		audio: audio,
		client: &http.Client{
			Timeout: audio.MetadataRequestTimeout,
		},
		title:   title,
		metrics: m,
	}, nil
}

// DeriveTitle builds a stream title from the first non-empty candidate
// field of the stream configuration, suffixed with the active source name.
func DeriveTitle(cfg *conf.StreamOutputConfig, activeSource string) string {
	base := cfg.Name
	if base == "" {
		base = cfg.Description
	}
	if base == "" {
		base = strings.TrimPrefix(cfg.Mount, "/")
	}
	if activeSource == "" {
		return base
	}
	return base + " [" + activeSource + "]"
}

// Run pushes metadata on the configured interval until the context is
// cancelled. It blocks; callers run it in a goroutine.
func (mp *MetadataPusher) Run(ctx context.Context) {
	interval := mp.audio.MetadataInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			title := mp.title()
			if title == "" || title == mp.lastPushed {
				continue
			}
			if err := mp.pushWithRetry(ctx, title); err != nil {
				audioLogger.Warn("metadata push failed",
					"mount", mp.cfg.Mount,
					"title", title,
					"error", err,
					"component", "metadata",
					"operation", "push_failed")
				// A transient failure is worth another attempt on the
				// next tick. A permanent one (bad credentials) is not;
				// remember the title so the doomed request is not
				// replayed every interval.
				if !isRetryableMetadataError(err) {
					mp.lastPushed = title
				}
				continue
			}
			mp.lastPushed = title
		}
	}
}

// pushWithRetry attempts a push, retrying transient failures with doubling
// backoff up to the configured retry budget. Permanent failures return
// immediately.
func (mp *MetadataPusher) pushWithRetry(ctx context.Context, title string) error {
	backoff := metadataBackoffBase
	var lastErr error

	for attempt := 0; attempt <= mp.audio.MetadataMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := mp.push(ctx, title)
		if err == nil {
			if mp.metrics != nil {
				mp.metrics.RecordMetadataPush(mp.cfg.Mount)
			}
			audioLogger.Debug("metadata pushed",
				"mount", mp.cfg.Mount,
				"title", title,
				"attempt", attempt+1,
				"operation", "push")
			return nil
		}
		lastErr = err

		if !isRetryableMetadataError(err) {
			if mp.metrics != nil {
				mp.metrics.RecordMetadataFailure(mp.cfg.Mount, "permanent")
			}
			return err
		}
		if mp.metrics != nil {
			mp.metrics.RecordMetadataFailure(mp.cfg.Mount, "transient")
		}
	}

	return errors.New(fmt.Errorf("metadata push exhausted %d retries: %w", mp.audio.MetadataMaxRetries, lastErr)).
		Category(errors.CategoryMetadata).
		Component("metadata").
		Context("mount", mp.cfg.Mount).
		Build()
}

// retryableError marks errors worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableMetadataError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// push performs a single metadata update request against the Icecast admin
// endpoint.
func (mp *MetadataPusher) push(ctx context.Context, title string) error {
	q := url.Values{}
	q.Set("mount", mp.cfg.Mount)
	q.Set("mode", "updinfo")
	q.Set("song", title)

	endpoint := url.URL{
		Scheme:   "http",
		Host:     fmt.Sprintf("%s:%d", mp.cfg.Host, mp.cfg.Port),
		Path:     "/admin/metadata",
		RawQuery: q.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryMetadata).
			Component("metadata").
			Context("mount", mp.cfg.Mount).
			Build()
	}

	user := mp.cfg.AdminUser
	if user == "" {
		user = "admin"
	}
	req.SetBasicAuth(user, mp.cfg.AdminPassword)

	resp, err := mp.client.Do(req)
	if err != nil {
		// Transport errors are transient: the server may be restarting.
		return &retryableError{err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			audioLogger.Debug("failed to close metadata response body",
				"mount", mp.cfg.Mount,
				"error", closeErr,
				"operation", "push")
		}
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		log.Printf("❌ Metadata auth failed for %s (status %d), check admin credentials", mp.cfg.Mount, resp.StatusCode)
		return errors.Newf("metadata auth failed: status %d", resp.StatusCode).
			Category(errors.CategoryMetadata).
			Component("metadata").
			Context("mount", mp.cfg.Mount).
			Context("status", resp.StatusCode).
			Build()
	case resp.StatusCode >= 500:
		return &retryableError{err: fmt.Errorf("server error: status %d", resp.StatusCode)}
	case strings.Contains(strings.ToLower(string(body)), "source does not exist") ||
		strings.Contains(strings.ToLower(string(body)), "not yet registered"):
		// The encoder has not connected the mount yet. Worth retrying.
		return &retryableError{err: fmt.Errorf("mount not registered yet: status %d", resp.StatusCode)}
	default:
		return errors.Newf("metadata push rejected: status %d", resp.StatusCode).
			Category(errors.CategoryMetadata).
			Component("metadata").
			Context("mount", mp.cfg.Mount).
			Context("status", resp.StatusCode).
			Build()
	}
}
