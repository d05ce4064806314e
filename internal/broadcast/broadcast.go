// Package broadcast fans translated speaker audio out to listener streams.
// A stream is one (session, target language) pair; each stream carries its
// own monotonically increasing sequence numbers so listeners can reorder and
// deduplicate independently of every other stream.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"linguacast/internal/metrics"
	"linguacast/internal/translate"
	"linguacast/internal/types"
)

type streamKey struct {
	sessionID string
	language  string
}

type subscriber struct {
	key  streamKey
	sink chan<- types.AudioChunk
}

// Broadcaster routes speaker chunks through the translator and delivers the
// per-language result to every subscribed listener. Delivery never blocks:
// a listener whose sink is full loses the chunk and recovers through the
// playback queue's gap handling.
type Broadcaster struct {
	translator translate.Translator
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu sync.Mutex
	// Next sequence number to assign, per stream.
	seqs map[streamKey]uint64
	// Highest source sequence published, per session. Speaker redelivery
	// across a refresh switch is dropped here.
	sourceSeqs map[string]uint64
	subs       map[streamKey]map[string]*subscriber
	byConn     map[string]*subscriber
}

// New creates an empty broadcaster.
func New(translator translate.Translator, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		translator: translator,
		logger:     logger,
		metrics:    m,
		seqs:       make(map[streamKey]uint64),
		sourceSeqs: make(map[string]uint64),
		subs:       make(map[streamKey]map[string]*subscriber),
		byConn:     make(map[string]*subscriber),
	}
}

// Subscribe attaches a listener connection's sink to a stream. A connection
// subscribes to exactly one stream; subscribing again moves it.
func (b *Broadcaster) Subscribe(sessionID, language, connectionID string, sink chan<- types.AudioChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.byConn[connectionID]; ok {
		b.removeLocked(connectionID, prev)
	}

	key := streamKey{sessionID: sessionID, language: language}
	sub := &subscriber{key: key, sink: sink}
	if b.subs[key] == nil {
		b.subs[key] = make(map[string]*subscriber)
	}
	b.subs[key][connectionID] = sub
	b.byConn[connectionID] = sub
}

// Rebind moves a connection to a different target language within its
// session, keeping the same sink. Used on language change after the playback
// queue has been flushed.
func (b *Broadcaster) Rebind(connectionID, language string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byConn[connectionID]
	if !ok {
		return
	}
	b.removeLocked(connectionID, sub)

	key := streamKey{sessionID: sub.key.sessionID, language: language}
	moved := &subscriber{key: key, sink: sub.sink}
	if b.subs[key] == nil {
		b.subs[key] = make(map[string]*subscriber)
	}
	b.subs[key][connectionID] = moved
	b.byConn[connectionID] = moved
}

// Unsubscribe detaches a connection. Idempotent. The sink channel stays open;
// it belongs to the connection.
func (b *Broadcaster) Unsubscribe(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.byConn[connectionID]; ok {
		b.removeLocked(connectionID, sub)
	}
}

// DropSession detaches every subscriber of a session and forgets its
// sequence counters. Called when a session ends.
func (b *Broadcaster) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, conns := range b.subs {
		if key.sessionID != sessionID {
			continue
		}
		for connID := range conns {
			delete(b.byConn, connID)
		}
		delete(b.subs, key)
		delete(b.seqs, key)
	}
	delete(b.sourceSeqs, sessionID)
}

// ResetSource forgets the session's uplink high-water mark. Called when a
// speaker attaches fresh rather than as a refresh successor: its sequence
// numbering starts over and must not be mistaken for redelivery. Listener
// stream numbering is untouched.
func (b *Broadcaster) ResetSource(sessionID string) {
	b.mu.Lock()
	delete(b.sourceSeqs, sessionID)
	b.mu.Unlock()
}

// Publish translates one speaker chunk into every language the session has
// listeners for and fans the results out. Source chunks already published
// (redelivery during a refresh overlap) are discarded.
func (b *Broadcaster) Publish(ctx context.Context, sessionID, sourceLanguage string, chunk types.AudioChunk) error {
	b.mu.Lock()
	if last := b.sourceSeqs[sessionID]; chunk.SequenceNumber != 0 && chunk.SequenceNumber <= last {
		b.mu.Unlock()
		b.metrics.ChunksDuplicated.Inc()
		return nil
	}
	if chunk.SequenceNumber != 0 {
		b.sourceSeqs[sessionID] = chunk.SequenceNumber
	}

	// Snapshot the target languages so translation runs outside the lock.
	languages := make([]string, 0, 4)
	for key := range b.subs {
		if key.sessionID == sessionID && len(b.subs[key]) > 0 {
			languages = append(languages, key.language)
		}
	}
	b.mu.Unlock()

	for _, lang := range languages {
		translated, err := b.translator.Translate(ctx, sessionID, chunk, sourceLanguage, lang)
		if err != nil {
			b.logger.Warn("translation failed",
				slog.String("session_id", sessionID),
				slog.String("language", lang),
				slog.String("error", err.Error()))
			continue
		}
		b.deliver(sessionID, lang, translated)
	}
	return nil
}

func (b *Broadcaster) deliver(sessionID, language string, chunk types.AudioChunk) {
	key := streamKey{sessionID: sessionID, language: language}

	b.mu.Lock()
	b.seqs[key]++
	chunk.SequenceNumber = b.seqs[key]
	sinks := make([]chan<- types.AudioChunk, 0, len(b.subs[key]))
	for _, sub := range b.subs[key] {
		sinks = append(sinks, sub.sink)
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		select {
		case sink <- chunk:
		default:
			// Slow listener: drop rather than stall the whole stream.
			b.metrics.BufferOverflows.WithLabelValues("listener_send").Inc()
		}
	}
	b.metrics.ChunksRelayed.WithLabelValues(language).Inc()
}

func (b *Broadcaster) removeLocked(connectionID string, sub *subscriber) {
	if conns, ok := b.subs[sub.key]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(b.subs, sub.key)
		}
	}
	delete(b.byConn, connectionID)
}
