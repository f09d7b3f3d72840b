package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRingBufferCapacityRounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		requested int
		want      int
		wantErr   bool
	}{
		{name: "exact power of two", requested: 2048, want: 2048},
		{name: "rounds up to power of two", requested: 1000, want: 1024},
		{name: "rounds up above minimum", requested: 1025, want: 2048},
		{name: "below minimum rejected", requested: 512, wantErr: true},
		{name: "zero rejected", requested: 0, wantErr: true},
		{name: "negative rejected", requested: -1, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rb, err := NewRingBuffer(tt.requested)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rb.Capacity())
		})
	}
}

func TestRingBufferWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	rb, err := NewRingBuffer(1024)
	require.NoError(t, err)

	in := make([]float32, 300)
	for i := range in {
		in[i] = float32(i) / 300.0
	}

	require.Equal(t, len(in), rb.Write(in))
	assert.Equal(t, len(in), rb.Len())

	out := make([]float32, 300)
	require.Equal(t, len(out), rb.Read(out))
	assert.Equal(t, in, out)
	assert.Equal(t, 0, rb.Len())
}

func TestRingBufferReservedSlot(t *testing.T) {
	t.Parallel()

	rb, err := NewRingBuffer(1024)
	require.NoError(t, err)

	// One slot is reserved, so a full write of the capacity must fail
	// while capacity-1 succeeds.
	full := make([]float32, 1024)
	assert.Equal(t, 0, rb.Write(full))
	assert.Equal(t, 1023, rb.Write(full[:1023]))
	assert.Equal(t, 0, rb.AvailableWrite())
}

func TestRingBufferOverrunIsAllOrNothing(t *testing.T) {
	t.Parallel()

	rb, err := NewRingBuffer(1024)
	require.NoError(t, err)

	require.Equal(t, 1000, rb.Write(make([]float32, 1000)))

	// 23 slots remain; a 24-sample chunk must be dropped whole.
	written := rb.Write(make([]float32, 24))
	assert.Equal(t, 0, written)
	assert.Equal(t, 1000, rb.Len(), "failed write must not consume space")

	stats := rb.Stats()
	assert.Equal(t, uint64(1), stats.Overruns)
	assert.Equal(t, uint64(1000), stats.TotalWritten)
}

func TestRingBufferUnderrunIsAllOrNothing(t *testing.T) {
	t.Parallel()

	rb, err := NewRingBuffer(1024)
	require.NoError(t, err)

	require.Equal(t, 100, rb.Write(make([]float32, 100)))

	// Asking for more than is buffered consumes nothing.
	out := make([]float32, 200)
	assert.Equal(t, 0, rb.Read(out))
	assert.Equal(t, 100, rb.Len())

	stats := rb.Stats()
	assert.Equal(t, uint64(1), stats.Underruns)
}

func TestRingBufferWraparound(t *testing.T) {
	t.Parallel()

	rb, err := NewRingBuffer(1024)
	require.NoError(t, err)

	chunk := make([]float32, 700)
	out := make([]float32, 700)

	// Drive the cursors past the physical end several times and verify
	// content integrity across the wrap.
	for round := 0; round < 10; round++ {
		for i := range chunk {
			chunk[i] = float32(round*len(chunk) + i)
		}
		require.Equal(t, len(chunk), rb.Write(chunk))
		require.Equal(t, len(out), rb.Read(out))
		assert.Equal(t, chunk, out, "round %d", round)
	}
}

func TestRingBufferConcurrentTransferIsLossless(t *testing.T) {
	t.Parallel()

	rb, err := NewRingBuffer(4096)
	require.NoError(t, err)

	// A multiple of the chunk size, so the reader collects exactly this many.
	const chunkSize = 128
	const total = 800 * chunkSize

	var wg sync.WaitGroup
	received := make([]float32, 0, total)

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]float32, chunkSize)
		for len(received) < total {
			if n := rb.ReadBlocking(buf, time.Second); n > 0 {
				received = append(received, buf[:n]...)
			}
		}
	}()

	chunk := make([]float32, chunkSize)
	sent := 0
	for sent < total {
		for i := range chunk {
			chunk[i] = float32(sent + i)
		}
		if rb.Write(chunk) > 0 {
			sent += chunkSize
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	require.Len(t, received, total)
	for i, v := range received {
		if float32(i) != v {
			t.Fatalf("sample %d: got %v, want %v", i, v, float32(i))
		}
	}

	stats := rb.Stats()
	assert.Equal(t, uint64(total), stats.TotalWritten)
	assert.Equal(t, uint64(total), stats.TotalRead)
}

func TestRingBufferPeakFill(t *testing.T) {
	t.Parallel()

	rb, err := NewRingBuffer(1024)
	require.NoError(t, err)

	rb.Write(make([]float32, 800))
	rb.Read(make([]float32, 800))
	rb.Write(make([]float32, 100))

	assert.Equal(t, 800, rb.Stats().PeakFill)
}

func TestRingBufferReset(t *testing.T) {
	t.Parallel()

	rb, err := NewRingBuffer(1024)
	require.NoError(t, err)

	rb.Write(make([]float32, 500))
	rb.Reset()

	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, 1023, rb.AvailableWrite())
	stats := rb.Stats()
	assert.Zero(t, stats.TotalWritten)
	assert.Zero(t, stats.Overruns)
}
