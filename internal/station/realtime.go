// realtime.go: Package station wires the full monitoring pipeline together
// and runs it until shutdown.
package station

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/easmon/easmon-go/internal/audio"
	"github.com/easmon/easmon-go/internal/conf"
	"github.com/easmon/easmon-go/internal/healthpub"
	"github.com/easmon/easmon-go/internal/logging"
	"github.com/easmon/easmon-go/internal/observability"
)

var stationLogger *slog.Logger

func init() {
	stationLogger = logging.ForService("station")
	if stationLogger == nil {
		stationLogger = slog.Default().With("service", "station")
	}
}

// RunRealtime starts the capture, failover and streaming pipeline and blocks
// until SIGINT or SIGTERM.
func RunRealtime(settings *conf.Settings) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	orch, err := audio.NewStreamOrchestrator(settings, obs.Pipeline)
	if err != nil {
		return err
	}

	var publisher *healthpub.Publisher
	if settings.Realtime.MQTT.Enabled {
		publisher = healthpub.NewPublisher(settings, healthpub.NewClient(settings), orch)
		if err := publisher.Start(ctx); err != nil {
			return err
		}
	}

	var metricsWg sync.WaitGroup
	quitChan := make(chan struct{})
	if settings.Realtime.Metrics.Enabled {
		endpoint, err := observability.NewEndpoint(settings, obs)
		if err != nil {
			return err
		}
		endpoint.Start(&metricsWg, quitChan)
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}

	stationLogger.Info("station running",
		"name", settings.Main.Name,
		"sources", len(settings.Realtime.Sources),
		"streams", len(settings.Realtime.Streams),
		"component", "station",
		"operation", "run")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	stationLogger.Info("shutdown signal received",
		"signal", sig.String(),
		"component", "station",
		"operation", "shutdown")
	log.Printf("🛑 Received %s, shutting down", sig)

	orch.Stop()
	if publisher != nil {
		publisher.Stop()
	}
	close(quitChan)
	metricsWg.Wait()
	return nil
}
