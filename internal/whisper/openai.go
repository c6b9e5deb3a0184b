package whisper

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  *zap.Logger
}

// OpenAIEngine delegates transcription to an OpenAI-compatible audio API.
// The API answers with the whole transcript at once; segments are then
// replayed in order.
type OpenAIEngine struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewOpenAIEngine(opts OpenAIOptions) (*OpenAIEngine, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		cfg.BaseURL = strings.TrimRight(base, "/")
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = openai.Whisper1
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenAIEngine{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}, nil
}

func (o *OpenAIEngine) Name() string {
	return "openai"
}

func (o *OpenAIEngine) Model() string {
	return o.model
}

// Containers accepted by the audio transcription endpoint.
var openAIFormats = formatSet(".flac", ".m4a", ".mp3", ".mp4", ".mpeg", ".mpga", ".oga", ".ogg", ".wav", ".webm")

func (o *OpenAIEngine) ReadsFormat(ext string) bool {
	return openAIFormats[strings.ToLower(ext)]
}

func (o *OpenAIEngine) Transcribe(ctx context.Context, req TranscriptionRequest) iter.Seq2[Segment, error] {
	if strings.TrimSpace(req.AudioPath) == "" {
		return failed(errors.New("audio path is required"))
	}

	return func(yield func(Segment, error) bool) {
		request := openai.AudioRequest{
			Model:    o.model,
			FilePath: req.AudioPath,
			Prompt:   req.Prompt,
			Format:   openai.AudioResponseFormatVerboseJSON,
		}
		if lang := SanitizeLanguage(req.Language); lang != "auto" {
			request.Language = lang
		}

		o.logger.Debug("requesting openai transcription", zap.String("model", o.model), zap.String("audio", req.AudioPath))
		resp, err := o.client.CreateTranscription(ctx, request)
		if err != nil {
			yield(Segment{}, &UserError{Message: "transcription service request failed", Err: fmt.Errorf("openai transcribe failed: %w", err)})
			return
		}

		if len(resp.Segments) == 0 {
			if !IsBlank(resp.Text) {
				yield(Segment{Text: strings.TrimSpace(resp.Text), Start: 0, End: resp.Duration}, nil)
			}
			return
		}

		for _, s := range resp.Segments {
			if IsBlank(s.Text) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(Segment{}, err)
				return
			}
			if !yield(Segment{Text: strings.TrimSpace(s.Text), Start: s.Start, End: s.End}, nil) {
				return
			}
		}
	}
}
