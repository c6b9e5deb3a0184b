package cli

import (
	"context"
	"fmt"

	"github.com/fmueller/voxstream/internal/config"
	"github.com/fmueller/voxstream/internal/download"
	"github.com/fmueller/voxstream/internal/whisper"
	"go.uber.org/zap"
)

func (a *appState) buildEngine(ctx context.Context) (whisper.Engine, string, error) {
	cfg := a.config()

	if cfg.Engine.Backend == config.BackendOpenAI {
		engine, err := whisper.NewOpenAIEngine(whisper.OpenAIOptions{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Logger:  a.log().Named("openai"),
		})
		if err != nil {
			return nil, "", err
		}
		return engine, engine.Model(), nil
	}

	// Resolve the executable first so a missing whisper-cli fails before a
	// model download starts.
	executable, err := whisper.ResolveExecutable(cfg.Engine.WhisperPath)
	if err != nil {
		return nil, "", err
	}

	model, err := a.ensureModelAvailable(ctx)
	if err != nil {
		return nil, "", err
	}

	engine, err := whisper.NewBundledEngine(whisper.BundledOptions{
		Executable: executable,
		ModelPath:  model.Path,
		Threads:    cfg.Engine.Threads,
		Logger:     a.log().Named("whisper"),
	})
	if err != nil {
		return nil, "", err
	}

	name := model.Name
	if name == "" {
		name = model.Path
	}
	return engine, name, nil
}

func (a *appState) ensureModelAvailable(ctx context.Context) (whisper.ResolvedModel, error) {
	modelDir, err := a.modelStorageDir()
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	resolved, err := whisper.ResolveModel(a.config().Engine.Model, modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !a.config().Engine.AutoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `voxstream setup --model %s` or use --auto-download=true", resolved.Name, resolved.Path, resolved.Name)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		NoProgress:     a.noProgress,
		Logger:         a.log(),
	}); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}
