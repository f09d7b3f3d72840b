// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "easmon")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "easmon.log")

	viper.SetDefault("realtime.audio.ffmpegpath", "ffmpeg")
	viper.SetDefault("realtime.audio.samplerate", 22050)
	viper.SetDefault("realtime.audio.watchdogtimeout", 10*time.Second)
	viper.SetDefault("realtime.audio.maxrestartattempts", 10)
	viper.SetDefault("realtime.audio.masterbufferseconds", 10)
	viper.SetDefault("realtime.audio.sourcebufferseconds", 10)
	viper.SetDefault("realtime.audio.streambufferseconds", 10)
	viper.SetDefault("realtime.audio.failoverhistorysize", 100)
	viper.SetDefault("realtime.audio.silencethresholddb", -40.0)
	viper.SetDefault("realtime.audio.silenceduration", 30*time.Second)
	viper.SetDefault("realtime.audio.jitterbufferseconds", 10)
	viper.SetDefault("realtime.audio.prebuffertarget", 5*time.Second)
	viper.SetDefault("realtime.audio.prebuffermaxwait", 12*time.Second)
	viper.SetDefault("realtime.audio.reconnectcooldown", 5*time.Second)
	viper.SetDefault("realtime.audio.metadatainterval", 1*time.Second)
	viper.SetDefault("realtime.audio.metadatamaxretries", 5)
	viper.SetDefault("realtime.audio.metadatarequesttimeout", 5*time.Second)

	viper.SetDefault("realtime.sources", []map[string]any{})
	viper.SetDefault("realtime.streams", []map[string]any{})

	viper.SetDefault("realtime.mqtt.enabled", false)
	viper.SetDefault("realtime.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("realtime.mqtt.topic", "easmon/health")
	viper.SetDefault("realtime.mqtt.retain", true)

	viper.SetDefault("realtime.metrics.enabled", false)
	viper.SetDefault("realtime.metrics.listen", "0.0.0.0:8090")
}
