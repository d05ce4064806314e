package translate

import (
	"context"
	"time"

	"linguacast/internal/types"
)

// StubConfig configures the stub translator behavior.
type StubConfig struct {
	// ProcessingDelay simulates pipeline latency.
	ProcessingDelay time.Duration
	// Languages lists the target languages the stub claims to support.
	Languages []string
}

// DefaultStubConfig returns sensible defaults for testing.
func DefaultStubConfig() StubConfig {
	return StubConfig{
		ProcessingDelay: 0,
		Languages:       []string{"en", "es", "fr", "de", "pt", "ja"},
	}
}

// Stub is a deterministic Translator for tests and local runs: it passes the
// source payload through untouched, tagged for the target language.
type Stub struct {
	cfg StubConfig
}

// NewStub creates a stub translator.
func NewStub(cfg StubConfig) *Stub {
	if len(cfg.Languages) == 0 {
		cfg = DefaultStubConfig()
	}
	return &Stub{cfg: cfg}
}

// Translate returns a chunk with the source payload and timing preserved.
func (s *Stub) Translate(ctx context.Context, _ string, source types.AudioChunk, _, _ string) (types.AudioChunk, error) {
	if s.cfg.ProcessingDelay > 0 {
		select {
		case <-time.After(s.cfg.ProcessingDelay):
		case <-ctx.Done():
			return types.AudioChunk{}, ctx.Err()
		}
	}

	return types.AudioChunk{
		Timestamp:  source.Timestamp,
		DurationMs: source.DurationMs,
		Payload:    source.Payload,
		PayloadURL: source.PayloadURL,
	}, nil
}

// SupportedLanguages returns the configured language list.
func (s *Stub) SupportedLanguages() []string {
	return s.cfg.Languages
}

var _ Translator = (*Stub)(nil)
