// conf/consts.go fixed constants of the capture pipeline
package conf

// Audio chunk constants shared by the capture and output stages.
const (
	NumChannels = 1  // pipeline audio is mono
	BitDepth    = 16 // external processes speak signed 16-bit PCM
	BytesPerSample = BitDepth / 8

	// ChunkMilliseconds is the duration of one capture read and one mix copy.
	ChunkMilliseconds = 50
)
