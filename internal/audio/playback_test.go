package audio_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"linguacast/internal/audio"
	"linguacast/internal/types"
)

func newQueue(capacity int) *audio.PlaybackQueue {
	return audio.NewPlaybackQueue(audio.PlaybackConfig{Capacity: capacity}, nil)
}

func enqueue(t *testing.T, q *audio.PlaybackQueue, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		if err := q.Enqueue(context.Background(), chunk(seq, 100)); err != nil {
			t.Fatalf("enqueue %d failed: %v", seq, err)
		}
	}
}

func drain(t *testing.T, q *audio.PlaybackQueue, n int) []uint64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seqs []uint64
	for i := 0; i < n; i++ {
		c, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("next failed after %d chunks: %v", i, err)
		}
		seqs = append(seqs, c.SequenceNumber)
	}
	return seqs
}

func TestPlaybackQueue_InOrderDrain(t *testing.T) {
	q := newQueue(16)
	enqueue(t, q, 3, 1, 2)

	got := drain(t, q, 3)
	for i, want := range []uint64{1, 2, 3} {
		if got[i] != want {
			t.Fatalf("expected %v, got %v", []uint64{1, 2, 3}, got)
		}
	}
}

func TestPlaybackQueue_DedupBySequence(t *testing.T) {
	q := newQueue(16)
	enqueue(t, q, 1, 2, 2, 1, 3)

	if got := drain(t, q, 3); got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected 1,2,3 got %v", got)
	}
	if q.Duplicates() != 2 {
		t.Fatalf("expected 2 discarded duplicates, got %d", q.Duplicates())
	}
}

func TestPlaybackQueue_LateDuplicateAfterPlay(t *testing.T) {
	q := newQueue(16)
	enqueue(t, q, 1, 2)
	_ = drain(t, q, 2)

	// A stale redelivery of an already-played chunk must be discarded.
	enqueue(t, q, 1)
	if q.Len() != 0 {
		t.Fatalf("stale chunk must not be buffered, len=%d", q.Len())
	}
	if q.Duplicates() != 1 {
		t.Fatalf("expected 1 duplicate, got %d", q.Duplicates())
	}
}

func TestPlaybackQueue_BlocksOnGap(t *testing.T) {
	q := newQueue(16)
	enqueue(t, q, 1, 3)

	got := drain(t, q, 1)
	if got[0] != 1 {
		t.Fatalf("expected 1 first, got %d", got[0])
	}

	// Chunk 2 is missing: Next must block and report buffering, not skip.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain to block on gap, got %v", err)
	}
	if !q.IsBuffering() {
		t.Fatalf("expected buffering state while stalled on gap")
	}

	enqueue(t, q, 2)
	got = drain(t, q, 2)
	if got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected 2,3 after gap fill, got %v", got)
	}
	if q.IsBuffering() {
		t.Fatalf("buffering should clear once the gap fills")
	}
}

// TestPlaybackQueue_GapWakesOnLateEnqueue parks a live drain on a sequence
// gap and wakes it with the missing chunk, several times over. The queue must
// stay usable across the park/wake cycles.
func TestPlaybackQueue_GapWakesOnLateEnqueue(t *testing.T) {
	q := newQueue(16)
	ctx := context.Background()
	enqueue(t, q, 1)
	if got := drain(t, q, 1); got[0] != 1 {
		t.Fatalf("expected 1 first, got %d", got[0])
	}

	for seq := uint64(2); seq <= 6; seq++ {
		got := make(chan types.AudioChunk, 1)
		errs := make(chan error, 1)
		go func() {
			c, err := q.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			got <- c
		}()

		time.Sleep(20 * time.Millisecond)
		enqueue(t, q, seq)

		select {
		case c := <-got:
			if c.SequenceNumber != seq {
				t.Fatalf("expected seq %d, got %d", seq, c.SequenceNumber)
			}
		case err := <-errs:
			t.Fatalf("next failed waiting for %d: %v", seq, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("drain did not wake when chunk %d arrived", seq)
		}
	}
}

// TestPlaybackQueue_RefreshTransparency models the switch boundary: chunks
// 1..N are delivered through two overlapping connections with redelivery
// around the switch point k, and the queue must emit exactly 1..N.
func TestPlaybackQueue_RefreshTransparency(t *testing.T) {
	const n, k = 20, 9
	q := newQueue(64)

	// Anchor the stream start before the connections race.
	enqueue(t, q, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	// Old connection delivers 2..k+2 (overlap past the switch).
	go func() {
		defer wg.Done()
		for seq := uint64(2); seq <= k+2; seq++ {
			_ = q.Enqueue(context.Background(), chunk(seq, 100))
		}
	}()
	// New connection delivers k..n concurrently (redelivers k..k+2).
	go func() {
		defer wg.Done()
		for seq := uint64(k); seq <= n; seq++ {
			_ = q.Enqueue(context.Background(), chunk(seq, 100))
		}
	}()

	got := drain(t, q, n)
	wg.Wait()

	for i := 0; i < n; i++ {
		if got[i] != uint64(i+1) {
			t.Fatalf("expected strictly increasing 1..%d with no gap or duplicate, got %v", n, got)
		}
	}
}

func TestPlaybackQueue_PauseResume(t *testing.T) {
	q := newQueue(16)
	enqueue(t, q, 1)
	q.Pause()

	// Paused: writes accepted, drain blocked.
	enqueue(t, q, 2, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Next to block while paused, got %v", err)
	}

	q.Resume()
	got := drain(t, q, 3)
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected accumulated chunks in order after resume, got %v", got)
	}
}

func TestPlaybackQueue_ResetOnLanguageChange(t *testing.T) {
	q := newQueue(16)
	enqueue(t, q, 1, 2, 3)
	_ = drain(t, q, 1)

	q.Reset()
	if q.Len() != 0 {
		t.Fatalf("reset must discard buffered audio, len=%d", q.Len())
	}

	// The new stream numbers from 1 again; the queue must accept it.
	enqueue(t, q, 1, 2)
	got := drain(t, q, 2)
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected fresh stream 1,2 after reset, got %v", got)
	}
}

func TestPlaybackQueue_OverflowEvictsOldest(t *testing.T) {
	q := newQueue(4)
	enqueue(t, q, 1, 2, 3, 4, 5, 6)

	if q.Len() != 4 {
		t.Fatalf("expected capacity-bounded queue of 4, got %d", q.Len())
	}

	select {
	case ev := <-q.Events():
		if ev.Buffer != "playback" {
			t.Fatalf("expected playback overflow event, got %q", ev.Buffer)
		}
	default:
		t.Fatalf("expected overflow event")
	}

	// Oldest were evicted; playback resumes from the lowest surviving chunk.
	got := drain(t, q, 4)
	if got[0] != 3 {
		t.Fatalf("expected drain to resume at 3 after eviction, got %v", got)
	}
}

type mapFetcher struct {
	mu      sync.Mutex
	payload map[string][]byte
	fetched []string
}

func (f *mapFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, ref)
	p, ok := f.payload[ref]
	if !ok {
		return nil, fmt.Errorf("no payload for %s", ref)
	}
	return p, nil
}

func TestPlaybackQueue_PrefetchDereferencesPointers(t *testing.T) {
	fetcher := &mapFetcher{payload: map[string][]byte{}}
	for seq := 1; seq <= 6; seq++ {
		fetcher.payload[fmt.Sprintf("chunks/%d", seq)] = []byte{byte(seq)}
	}

	q := audio.NewPlaybackQueue(audio.PlaybackConfig{
		Capacity: 16,
		Prefetch: 3,
		Fetcher:  fetcher,
	}, nil)

	for seq := uint64(1); seq <= 6; seq++ {
		ref := types.AudioChunk{
			SequenceNumber: seq,
			DurationMs:     100,
			PayloadURL:     fmt.Sprintf("chunks/%d", seq),
		}
		if err := q.Enqueue(context.Background(), ref); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for seq := uint64(1); seq <= 6; seq++ {
		c, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if c.SequenceNumber != seq {
			t.Fatalf("expected seq %d, got %d", seq, c.SequenceNumber)
		}
		if len(c.Payload) == 0 {
			t.Fatalf("chunk %d should have been dereferenced before delivery", seq)
		}
	}
}

func TestPlaybackQueue_CloseDrainsToEOF(t *testing.T) {
	q := newQueue(16)
	enqueue(t, q, 1)
	_ = q.Close()

	ctx := context.Background()
	if _, err := q.Next(ctx); err != nil {
		t.Fatalf("buffered chunk should drain after close: %v", err)
	}
	if _, err := q.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after drain, got %v", err)
	}
	if err := q.Enqueue(ctx, chunk(2, 100)); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected ErrClosedPipe, got %v", err)
	}
}
