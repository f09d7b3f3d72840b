package audio

import (
	"log/slog"

	"github.com/easmon/easmon-go/internal/logging"
)

// Shared logger for the audio pipeline components
var audioLogger *slog.Logger

func init() {
	audioLogger = logging.ForService("audio")
	if audioLogger == nil {
		// Fallback if logging not initialized (tests)
		audioLogger = slog.Default().With("service", "audio")
	}
}
