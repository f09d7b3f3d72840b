// Package audio implements the realtime capture, failover and publish pipeline.
//
// The pipeline is built from single-purpose components: RingBuffer is a
// lock-free single-producer/single-consumer sample buffer, CaptureSource
// supervises one external decode process per audio input, SourceManager
// selects the active source by priority and health and mixes it into a
// master buffer, StreamOutput supervises one encode/publish process per
// published stream, and StreamOrchestrator binds one StreamOutput to each
// capture source.
//
// Every ring buffer has exactly one writer and one reader goroutine by
// construction; only aggregate statistics are lock-protected. Component
// failures never terminate the process, they surface through health state,
// metrics and callbacks.
package audio
