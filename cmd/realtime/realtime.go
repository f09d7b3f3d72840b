// Package realtime provides the command that runs the monitoring pipeline.
package realtime

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/easmon/easmon-go/internal/conf"
	"github.com/easmon/easmon-go/internal/station"
)

// Command creates the realtime monitoring command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Run the monitoring pipeline",
		Long:  "Capture all configured audio sources, keep the highest-priority healthy one active, and publish it to the configured stream mounts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return station.RunRealtime(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the realtime command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Realtime.Audio.FfmpegPath, "ffmpeg", viper.GetString("realtime.audio.ffmpegpath"), "Path to the ffmpeg binary")
	cmd.Flags().BoolVar(&settings.Realtime.Metrics.Enabled, "metrics", viper.GetBool("realtime.metrics.enabled"), "Enable Prometheus metrics endpoint")
	cmd.Flags().StringVar(&settings.Realtime.Metrics.Listen, "listen", viper.GetString("realtime.metrics.listen"), "Listen address and port of metrics endpoint")
	cmd.Flags().BoolVar(&settings.Realtime.MQTT.Enabled, "mqtt", viper.GetBool("realtime.mqtt.enabled"), "Enable MQTT health publishing")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
