// Package translate defines the boundary to the speech translation
// pipeline. The pipeline itself (speech-to-text, translation,
// text-to-speech) is an external collaborator; this package only fixes its
// contract: source audio in, translated audio per target language out.
package translate

import (
	"context"

	"linguacast/internal/types"
)

// Translator converts speaker audio into translated audio chunks for a
// target language. Implementations must be safe for concurrent use.
type Translator interface {
	// Translate converts one source chunk. The returned chunk carries the
	// translated payload; sequencing is the caller's concern.
	Translate(ctx context.Context, sessionID string, source types.AudioChunk, sourceLang, targetLang string) (types.AudioChunk, error)

	// SupportedLanguages returns the target languages this translator can
	// produce.
	SupportedLanguages() []string
}
