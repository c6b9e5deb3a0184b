package cli

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/fmueller/voxstream/internal/config"
	"github.com/fmueller/voxstream/internal/whisper"
	"github.com/stretchr/testify/require"
)

func TestBuildEngineOpenAI(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Engine.Backend = config.BackendOpenAI
	cfg.OpenAI.APIKey = "sk-test"
	cfg.OpenAI.Model = "gpt-4o-mini-transcribe"

	app := &appState{cfg: cfg}
	engine, model, err := app.buildEngine(context.Background())
	require.NoError(t, err)
	require.Equal(t, "openai", engine.Name())
	require.Equal(t, "gpt-4o-mini-transcribe", model)
}

func TestBuildEngineBundledWithCustomModel(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine")
	}

	dir := t.TempDir()
	exe := filepath.Join(dir, "whisper-cli")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	model := filepath.Join(dir, "custom.bin")
	require.NoError(t, os.WriteFile(model, []byte("weights"), 0o644))

	cfg := config.Default()
	cfg.Engine.WhisperPath = exe
	cfg.Engine.Model = model
	cfg.Engine.ModelDir = filepath.Join(dir, "models")

	app := &appState{cfg: cfg}
	engine, name, err := app.buildEngine(context.Background())
	require.NoError(t, err)
	require.Equal(t, "bundled", engine.Name())
	require.Equal(t, model, name)
}

func TestBuildEngineFailsBeforeDownloadWhenExecutableMissing(t *testing.T) {
	t.Parallel()

	modelDir := filepath.Join(t.TempDir(), "models")
	cfg := config.Default()
	cfg.Engine.WhisperPath = filepath.Join(t.TempDir(), "missing-whisper-cli")
	cfg.Engine.ModelDir = modelDir

	app := &appState{cfg: cfg}
	_, _, err := app.buildEngine(context.Background())
	require.ErrorContains(t, err, "configured whisper path is not executable")

	_, statErr := os.Stat(modelDir)
	require.True(t, os.IsNotExist(statErr), "no model directory should be created")
}

func TestEnsureModelAvailableWithoutAutoDownload(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Engine.ModelDir = t.TempDir()
	cfg.Engine.AutoDownload = false

	app := &appState{cfg: cfg}
	_, err := app.ensureModelAvailable(context.Background())
	require.ErrorContains(t, err, "voxstream setup --model tiny")
}

func TestEnsureModelAvailableFindsInstalledModel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model, ok := whisper.LookupModel("base")
	require.True(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(dir, model.FileName), []byte("weights"), 0o644))

	cfg := config.Default()
	cfg.Engine.ModelDir = dir
	cfg.Engine.Model = "base"
	cfg.Engine.AutoDownload = false

	app := &appState{cfg: cfg}
	resolved, err := app.ensureModelAvailable(context.Background())
	require.NoError(t, err)
	require.Equal(t, "base", resolved.Name)
	require.Equal(t, filepath.Join(dir, model.FileName), resolved.Path)
	require.False(t, resolved.NeedsDownload)
}
