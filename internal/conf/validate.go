// conf/validate.go settings validation at load time
package conf

import (
	"strings"

	"github.com/easmon/easmon-go/internal/errors"
)

// ValidateSettings checks the loaded settings for configuration errors.
// Validation failures are rejected synchronously with no partial state mutation.
func ValidateSettings(settings *Settings) error {
	var errs []error

	if settings.Realtime.Audio.SampleRate <= 0 {
		errs = append(errs, errors.Newf("invalid sample rate: %d", settings.Realtime.Audio.SampleRate).
			Category(errors.CategoryValidation).
			Context("operation", "validate-audio").
			Build())
	}
	if settings.Realtime.Audio.WatchdogTimeout <= 0 {
		errs = append(errs, errors.Newf("watchdog timeout must be positive").
			Category(errors.CategoryValidation).
			Context("operation", "validate-audio").
			Build())
	}
	if settings.Realtime.Audio.MaxRestartAttempts <= 0 {
		errs = append(errs, errors.Newf("max restart attempts must be positive").
			Category(errors.CategoryValidation).
			Context("operation", "validate-audio").
			Build())
	}

	seen := make(map[string]bool, len(settings.Realtime.Sources))
	for i := range settings.Realtime.Sources {
		src := &settings.Realtime.Sources[i]
		if src.Name == "" {
			errs = append(errs, errors.Newf("capture source at index %d has no name", i).
				Category(errors.CategoryValidation).
				Context("operation", "validate-sources").
				Build())
			continue
		}
		if seen[src.Name] {
			errs = append(errs, errors.Newf("duplicate capture source name: %s", src.Name).
				Category(errors.CategoryConflict).
				Context("operation", "validate-sources").
				Context("source", src.Name).
				Build())
		}
		seen[src.Name] = true
		if src.Locator == "" {
			errs = append(errs, errors.Newf("capture source %s has no locator", src.Name).
				Category(errors.CategoryValidation).
				Context("source", src.Name).
				Build())
		}
		// Per-source settings fall back to the pipeline defaults
		if src.SampleRate == 0 {
			src.SampleRate = settings.Realtime.Audio.SampleRate
		}
		if src.SilenceThresholdDB == 0 {
			src.SilenceThresholdDB = settings.Realtime.Audio.SilenceThresholdDB
		}
		if src.SilenceDuration == 0 {
			src.SilenceDuration = settings.Realtime.Audio.SilenceDuration
		}
	}

	for i := range settings.Realtime.Streams {
		stream := &settings.Realtime.Streams[i]
		if stream.Host == "" || stream.Port <= 0 {
			errs = append(errs, errors.Newf("stream at index %d has no destination host/port", i).
				Category(errors.CategoryValidation).
				Context("operation", "validate-streams").
				Build())
		}
		if !strings.HasPrefix(stream.Mount, "/") {
			stream.Mount = "/" + stream.Mount
		}
		switch strings.ToLower(stream.Format) {
		case "mp3", "ogg":
			stream.Format = strings.ToLower(stream.Format)
		case "":
			stream.Format = "mp3"
		default:
			errs = append(errs, errors.Newf("unsupported stream format: %s", stream.Format).
				Category(errors.CategoryValidation).
				Context("mount", stream.Mount).
				Build())
		}
		if stream.Bitrate <= 0 {
			stream.Bitrate = 128
		}
		if stream.SampleRate == 0 {
			stream.SampleRate = settings.Realtime.Audio.SampleRate
		}
	}

	return errors.Join(errs...)
}
