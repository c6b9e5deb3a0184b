package whisper

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newOpenAITestEngine(t *testing.T, handler http.HandlerFunc) (*OpenAIEngine, string) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	engine, err := NewOpenAIEngine(OpenAIOptions{APIKey: "test-key", BaseURL: server.URL + "/v1/"})
	require.NoError(t, err)

	audio := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))
	return engine, audio
}

func TestOpenAIEngineReplaysSegments(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth, gotModel, gotFormat, gotLanguage string
	engine, audio := newOpenAITestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = r.ParseMultipartForm(1 << 20)
		gotModel = r.FormValue("model")
		gotFormat = r.FormValue("response_format")
		gotLanguage = r.FormValue("language")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task":"transcribe","language":"english","duration":4.5,"text":"hello there world",
			"segments":[{"id":0,"start":0,"end":1.2,"text":" hello"},{"id":1,"start":1.2,"end":2.0,"text":" "},{"id":2,"start":2.0,"end":4.5,"text":" there world"}]}`))
	})

	segments, err := collect(t, engine, TranscriptionRequest{AudioPath: audio, Language: "EN"})
	require.NoError(t, err)
	require.Equal(t, []Segment{
		{Text: "hello", Start: 0, End: 1.2},
		{Text: "there world", Start: 2.0, End: 4.5},
	}, segments)
	require.Equal(t, "/v1/audio/transcriptions", gotPath)
	require.Equal(t, "Bearer test-key", gotAuth)
	require.Equal(t, "whisper-1", gotModel)
	require.Equal(t, "verbose_json", gotFormat)
	require.Equal(t, "en", gotLanguage)
}

func TestOpenAIEngineFallsBackToWholeText(t *testing.T) {
	t.Parallel()

	engine, audio := newOpenAITestEngine(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" just text ","duration":2.5}`))
	})

	segments, err := collect(t, engine, TranscriptionRequest{AudioPath: audio})
	require.NoError(t, err)
	require.Equal(t, []Segment{{Text: "just text", Start: 0, End: 2.5}}, segments)
}

func TestOpenAIEngineReportsAPIError(t *testing.T) {
	t.Parallel()

	engine, audio := newOpenAITestEngine(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"could not decode audio","type":"invalid_request_error"}}`))
	})

	segments, err := collect(t, engine, TranscriptionRequest{AudioPath: audio})
	require.Empty(t, segments)
	require.ErrorContains(t, err, "openai transcribe failed")
	require.ErrorContains(t, err, "could not decode audio")
	require.Equal(t, "transcription service request failed", PublicMessage(err))
}

func TestNewOpenAIEngineRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAIEngine(OpenAIOptions{})
	require.Error(t, err)
}

func TestNewOpenAIEngineDefaultsModel(t *testing.T) {
	t.Parallel()

	engine, err := NewOpenAIEngine(OpenAIOptions{APIKey: "k"})
	require.NoError(t, err)
	require.Equal(t, "whisper-1", engine.Model())
	require.Equal(t, "openai", engine.Name())

	custom, err := NewOpenAIEngine(OpenAIOptions{APIKey: "k", Model: " gpt-4o-transcribe "})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-transcribe", custom.Model())
}

func TestOpenAIEngineReadsFormat(t *testing.T) {
	t.Parallel()

	engine := &OpenAIEngine{}
	require.True(t, engine.ReadsFormat(".mp4"))
	require.True(t, engine.ReadsFormat(".WEBM"))
	require.False(t, engine.ReadsFormat(".mov"))
	require.False(t, engine.ReadsFormat(".mkv"))
}
