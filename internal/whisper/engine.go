package whisper

import (
	"context"
	"errors"
	"iter"
	"strings"
)

const (
	DefaultLanguage = "en"
	DefaultBeamSize = 5
)

// Segment is one timed piece of transcript. Start and End are seconds from
// the beginning of the audio.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type TranscriptionRequest struct {
	AudioPath string
	Language  string
	BeamSize  int
	Prompt    string
}

// Engine turns an audio file into a lazy sequence of segments. A non-nil
// error ends the sequence; implementations must not yield after it and must
// stop their work once the consumer stops ranging.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, req TranscriptionRequest) iter.Seq2[Segment, error]
}

// FormatReader is implemented by engines that only decode some containers.
// ext is a lower-case extension with its leading dot.
type FormatReader interface {
	ReadsFormat(ext string) bool
}

// UserError pairs an engine failure with a message that is safe to show a
// remote caller. The message carries no paths or tool output.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *UserError) Unwrap() error { return e.Err }

// GenericFailure is shown for failures that carry no UserError.
const GenericFailure = "transcription failed"

// PublicMessage returns the caller-facing text for an engine failure.
func PublicMessage(err error) string {
	var userErr *UserError
	if errors.As(err, &userErr) && userErr.Message != "" {
		return userErr.Message
	}
	return GenericFailure
}

func formatSet(exts ...string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		set[ext] = true
	}
	return set
}

const blankAudioToken = "[BLANK_AUDIO]"

// IsBlank reports whether text carries no speech.
func IsBlank(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	return strings.EqualFold(trimmed, blankAudioToken)
}

// SanitizeLanguage lower-cases a language code and maps empty input to auto.
func SanitizeLanguage(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return "auto"
	}
	return trimmed
}

func failed(err error) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		yield(Segment{}, err)
	}
}
