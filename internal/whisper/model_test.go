package whisper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveModelDefaultsToTiny(t *testing.T) {
	t.Parallel()

	modelDir := t.TempDir()
	resolved, err := ResolveModel("", modelDir)
	require.NoError(t, err)
	require.Equal(t, "tiny", resolved.Name)
	require.Equal(t, filepath.Join(modelDir, "ggml-tiny.bin"), resolved.Path)
	require.Equal(t, "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin", resolved.URL)
	require.True(t, resolved.NeedsDownload)
	require.False(t, resolved.IsCustomPath)
}

func TestResolveModelPresentOnDisk(t *testing.T) {
	t.Parallel()

	modelDir := t.TempDir()
	modelPath := filepath.Join(modelDir, "ggml-base.bin")
	require.NoError(t, os.WriteFile(modelPath, []byte("ok"), 0o644))

	resolved, err := ResolveModel("base", modelDir)
	require.NoError(t, err)
	require.Equal(t, modelPath, resolved.Path)
	require.False(t, resolved.NeedsDownload)
}

func TestResolveModelNamedRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := ResolveModel("tiny", "  ")
	require.Error(t, err)
}

func TestResolveModelCustomPath(t *testing.T) {
	t.Parallel()

	custom := filepath.Join(t.TempDir(), "custom.bin")
	require.NoError(t, os.WriteFile(custom, []byte("x"), 0o644))

	resolved, err := ResolveModel(custom, t.TempDir())
	require.NoError(t, err)
	require.True(t, resolved.IsCustomPath)
	require.Equal(t, custom, resolved.Path)
}

func TestResolveModelMissingCustomPath(t *testing.T) {
	t.Parallel()

	_, err := ResolveModel(filepath.Join(t.TempDir(), "gone.bin"), t.TempDir())
	require.ErrorContains(t, err, "custom model path does not exist")
}

func TestResolveModelUnknownName(t *testing.T) {
	t.Parallel()

	_, err := ResolveModel("super-huge", t.TempDir())
	require.ErrorContains(t, err, "unknown model")
}

func TestModelNamesOrderedBySize(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"tiny", "base", "small", "medium", "large-v3"}, ModelNames())
	for _, name := range ModelNames() {
		model, ok := LookupModel(name)
		require.True(t, ok)
		require.Lenf(t, model.SHA256, 64, "model %s should have pinned sha256", name)
	}
}
