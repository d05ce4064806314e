package audio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"linguacast/internal/types"
)

// ChunkFetcher dereferences a chunk payload pointer (e.g. an object-store
// URL) ahead of playback need.
type ChunkFetcher interface {
	Fetch(ctx context.Context, payloadRef string) ([]byte, error)
}

// PlaybackQueue is the listener-side ordered buffer. Chunks are deduplicated
// by sequence number (idempotent under the redelivery a refresh race can
// cause) and drained strictly in order: when the next expected sequence
// number is not present, the drain blocks and the queue reports buffering
// instead of skipping ahead.
type PlaybackQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	chunks   map[uint64]types.AudioChunk
	expected uint64
	// primed is false until the first drain anchors expected to the lowest
	// buffered sequence.
	primed   bool
	capacity int
	prefetch int
	paused   bool
	closed   bool

	fetcher  ChunkFetcher
	logger   *slog.Logger
	fetching map[uint64]struct{}

	buffering  atomic.Bool
	duplicates atomic.Uint64
	events     chan OverflowEvent
}

// PlaybackConfig sizes the queue.
type PlaybackConfig struct {
	// Capacity is the maximum number of buffered chunks.
	Capacity int
	// Prefetch is the look-ahead: how many upcoming chunks to dereference
	// ahead of playback need. Zero disables prefetching.
	Prefetch int
	// Fetcher dereferences payload pointers. Required when Prefetch > 0 and
	// chunks arrive by reference.
	Fetcher ChunkFetcher
}

// NewPlaybackQueue creates an empty queue.
func NewPlaybackQueue(cfg PlaybackConfig, logger *slog.Logger) *PlaybackQueue {
	q := &PlaybackQueue{
		chunks:   make(map[uint64]types.AudioChunk),
		capacity: cfg.Capacity,
		prefetch: cfg.Prefetch,
		fetcher:  cfg.Fetcher,
		logger:   logger,
		fetching: make(map[uint64]struct{}),
		events:   make(chan OverflowEvent, 16),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue inserts a chunk. Duplicates (same sequence number, or sequence
// numbers already played) are discarded silently; redelivery across a
// refresh switch is expected. Enqueue never blocks the producer: over
// capacity, the oldest unread chunk is evicted with an overflow event.
func (q *PlaybackQueue) Enqueue(ctx context.Context, chunk types.AudioChunk) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return io.ErrClosedPipe
	}

	if q.primed && chunk.SequenceNumber < q.expected {
		q.duplicates.Add(1)
		q.mu.Unlock()
		return nil
	}
	if _, dup := q.chunks[chunk.SequenceNumber]; dup {
		q.duplicates.Add(1)
		q.mu.Unlock()
		return nil
	}

	q.chunks[chunk.SequenceNumber] = chunk

	for len(q.chunks) > q.capacity {
		q.evictOldestLocked()
	}

	q.cond.Broadcast()
	toFetch := q.prefetchCandidatesLocked()
	q.mu.Unlock()

	q.startFetches(ctx, toFetch)
	return nil
}

// Next returns the next chunk in strict sequence order, blocking while the
// expected chunk is absent or the queue is paused. It returns io.EOF once
// the queue is closed and fully drained.
func (q *PlaybackQueue) Next(ctx context.Context) (types.AudioChunk, error) {
	q.mu.Lock()

	for {
		if !q.primed && len(q.chunks) > 0 && !q.paused {
			q.expected = q.lowestLocked()
			q.primed = true
		}

		if q.primed && !q.paused {
			if chunk, ok := q.chunks[q.expected]; ok {
				// A by-reference chunk is only held back when a fetcher can
				// actually dereference it; otherwise the caller gets the
				// pointer as-is.
				ready := len(chunk.Payload) > 0 || chunk.PayloadURL == "" || q.fetcher == nil
				if ready {
					delete(q.chunks, q.expected)
					q.expected++
					q.buffering.Store(false)
					toFetch := q.prefetchCandidatesLocked()
					q.mu.Unlock()
					q.startFetches(ctx, toFetch)
					return chunk, nil
				}
				// Present but not yet dereferenced; make sure a fetch is
				// running and wait for it.
				toFetch := q.prefetchCandidatesLocked()
				if len(toFetch) > 0 {
					q.mu.Unlock()
					q.startFetches(ctx, toFetch)
					q.mu.Lock()
				}
			}
		}

		if q.closed && len(q.chunks) == 0 {
			q.mu.Unlock()
			return types.AudioChunk{}, io.EOF
		}

		// Still stalled if the caller's bounded wait expires; buffering
		// clears only when a chunk is actually delivered.
		q.buffering.Store(true)
		if err := q.waitLocked(ctx); err != nil {
			q.mu.Unlock()
			return types.AudioChunk{}, err
		}
	}
}

// Pause stops draining. Writes continue to be accepted up to capacity.
func (q *PlaybackQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts draining. Everything accumulated while paused plays first,
// in order, before live-tail playback resumes.
func (q *PlaybackQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Reset discards all buffered chunks and forgets the expected sequence.
// Used on target-language change: the new stream starts from scratch.
func (q *PlaybackQueue) Reset() {
	q.mu.Lock()
	q.chunks = make(map[uint64]types.AudioChunk)
	q.fetching = make(map[uint64]struct{})
	q.primed = false
	q.expected = 0
	q.buffering.Store(false)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// IsBuffering reports whether the drain is currently stalled waiting for the
// next expected chunk.
func (q *PlaybackQueue) IsBuffering() bool {
	return q.buffering.Load()
}

// Duplicates returns how many redelivered chunks were discarded.
func (q *PlaybackQueue) Duplicates() uint64 {
	return q.duplicates.Load()
}

// Len returns the number of buffered chunks.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// Events exposes overflow notifications.
func (q *PlaybackQueue) Events() <-chan OverflowEvent {
	return q.events
}

// Close marks the queue closed. Buffered chunks remain drainable; Next
// returns io.EOF once empty.
func (q *PlaybackQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

func (q *PlaybackQueue) lowestLocked() uint64 {
	var lowest uint64
	first := true
	for seq := range q.chunks {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}

func (q *PlaybackQueue) evictOldestLocked() {
	oldest := q.lowestLocked()
	evicted := q.chunks[oldest]
	delete(q.chunks, oldest)
	// Playback must resume past the hole the eviction created.
	if q.primed && oldest >= q.expected {
		q.expected = oldest + 1
	}
	ev := OverflowEvent{
		Buffer:          "playback",
		EvictedSequence: evicted.SequenceNumber,
	}
	select {
	case q.events <- ev:
	default:
	}
}

// prefetchCandidatesLocked returns the upcoming by-reference chunks within
// the look-ahead window that are not already being fetched.
func (q *PlaybackQueue) prefetchCandidatesLocked() []types.AudioChunk {
	if q.fetcher == nil || q.prefetch <= 0 || !q.primed {
		return nil
	}
	var out []types.AudioChunk
	for seq := q.expected; seq < q.expected+uint64(q.prefetch); seq++ {
		chunk, ok := q.chunks[seq]
		if !ok || len(chunk.Payload) > 0 || chunk.PayloadURL == "" {
			continue
		}
		if _, busy := q.fetching[seq]; busy {
			continue
		}
		q.fetching[seq] = struct{}{}
		out = append(out, chunk)
	}
	return out
}

func (q *PlaybackQueue) startFetches(ctx context.Context, chunks []types.AudioChunk) {
	for _, chunk := range chunks {
		go q.fetchOne(ctx, chunk)
	}
}

func (q *PlaybackQueue) fetchOne(ctx context.Context, chunk types.AudioChunk) {
	payload, err := q.fetcher.Fetch(ctx, chunk.PayloadURL)

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.fetching, chunk.SequenceNumber)

	if err != nil {
		if q.logger != nil {
			q.logger.Warn("chunk prefetch failed",
				slog.Uint64("sequence", chunk.SequenceNumber),
				slog.String("error", err.Error()))
		}
		q.cond.Broadcast()
		return
	}

	// The chunk may have been played, evicted, or reset away meanwhile.
	if current, ok := q.chunks[chunk.SequenceNumber]; ok && current.PayloadURL == chunk.PayloadURL {
		current.Payload = payload
		q.chunks[chunk.SequenceNumber] = current
	}
	q.cond.Broadcast()
}

// waitLocked parks on the cond until the queue changes or ctx is done. Lock
// held on entry and return; cond.Wait releases it while parked.
func (q *PlaybackQueue) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.cond.Wait()
	return ctx.Err()
}
