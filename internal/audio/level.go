// level.go: RMS level measurement used for silence detection and monitoring
package audio

import (
	"math"
)

// silenceFloorDB is the level reported for an all-zero or empty chunk.
const silenceFloorDB = -96.0

// LevelData holds the measured level of one audio chunk.
type LevelData struct {
	RMSDB    float64 // RMS level in dBFS
	Peak     float64 // absolute peak sample value
	Clipping bool    // true if samples reached full scale
}

// CalculateLevel computes the RMS level in dBFS of normalized samples,
// along with peak and clipping detection.
func CalculateLevel(samples []float32) LevelData {
	if len(samples) == 0 {
		return LevelData{RMSDB: silenceFloorDB}
	}

	var sum float64
	var peak float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	db := silenceFloorDB
	if rms > 0 {
		db = 20 * math.Log10(rms)
		if db < silenceFloorDB {
			db = silenceFloorDB
		}
	}

	return LevelData{
		RMSDB:    db,
		Peak:     peak,
		Clipping: peak >= 0.999,
	}
}
