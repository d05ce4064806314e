// Package audio implements the client-side buffers that sit between the
// audio source/sink and whichever connection is currently authoritative.
// Both tolerate a connection refresh underneath them without loss or
// reordering.
package audio

import (
	"context"
	"io"
	"sync"
	"time"

	"linguacast/internal/types"
)

// OverflowEvent is raised when a bounded buffer evicts unread data.
type OverflowEvent struct {
	Buffer          string
	EvictedSequence uint64
	EvictedDuration time.Duration
}

// nearCapacityRatio is the fill level at which Write starts signalling
// callers to apply backpressure (pause capture) instead of overflowing.
const nearCapacityRatio = 0.8

// CaptureBuffer is a bounded, time-capacity ring of audio chunks on the
// speaker side. It absorbs audio produced while no connection is writable,
// e.g. mid-refresh. Writes never block; when capacity is exceeded the oldest
// unread chunk is evicted and an overflow event raised.
type CaptureBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks []types.AudioChunk
	// bufferedMs tracks the total duration currently held.
	bufferedMs int
	capacityMs int
	closed     bool
	events     chan OverflowEvent
}

// NewCaptureBuffer creates a ring holding up to capacity worth of audio.
func NewCaptureBuffer(capacity time.Duration) *CaptureBuffer {
	b := &CaptureBuffer{
		capacityMs: int(capacity / time.Millisecond),
		events:     make(chan OverflowEvent, 16),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends a chunk. The returned flag is true when the buffer is near
// capacity so callers can pause capture rather than silently drop. Write
// never blocks: over capacity, the oldest chunk is evicted.
func (b *CaptureBuffer) Write(chunk types.AudioChunk) (nearCapacity bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, io.ErrClosedPipe
	}

	b.chunks = append(b.chunks, chunk)
	b.bufferedMs += chunk.DurationMs

	// A single chunk longer than the whole capacity evicts itself; the
	// reported duration never exceeds the configured maximum.
	for b.bufferedMs > b.capacityMs && len(b.chunks) > 0 {
		evicted := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.bufferedMs -= evicted.DurationMs
		b.emitOverflow(evicted)
	}

	b.cond.Broadcast()
	return float64(b.bufferedMs) >= nearCapacityRatio*float64(b.capacityMs), nil
}

// Next blocks until a chunk is available or ctx is done. The buffer does not
// know which connection is draining it; during a refresh switch the consumer
// simply changes underneath.
func (b *CaptureBuffer) Next(ctx context.Context) (types.AudioChunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if len(b.chunks) > 0 {
			chunk := b.chunks[0]
			b.chunks = b.chunks[1:]
			b.bufferedMs -= chunk.DurationMs
			return chunk, nil
		}

		if b.closed {
			return types.AudioChunk{}, io.EOF
		}

		if err := b.wait(ctx); err != nil {
			return types.AudioChunk{}, err
		}
	}
}

// wait parks on the cond until the buffer changes or ctx is done. Caller
// holds the lock on entry and on return; cond.Wait releases it while parked.
func (b *CaptureBuffer) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.cond.Wait()
	return ctx.Err()
}

// BufferedDuration reports how much audio is currently held. Never exceeds
// the configured capacity.
func (b *CaptureBuffer) BufferedDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.bufferedMs) * time.Millisecond
}

// Len returns the number of buffered chunks.
func (b *CaptureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Events exposes overflow notifications. The channel is buffered and drops
// when full; overflow is advisory, never fatal.
func (b *CaptureBuffer) Events() <-chan OverflowEvent {
	return b.events
}

// Close marks the buffer closed and wakes blocked readers.
func (b *CaptureBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

func (b *CaptureBuffer) emitOverflow(evicted types.AudioChunk) {
	ev := OverflowEvent{
		Buffer:          "capture",
		EvictedSequence: evicted.SequenceNumber,
		EvictedDuration: time.Duration(evicted.DurationMs) * time.Millisecond,
	}
	select {
	case b.events <- ev:
	default:
	}
}
