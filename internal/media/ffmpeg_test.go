package media

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxstream/internal/whisper"
)

func writeFakeFFmpeg(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg uses a POSIX shell script")
	}

	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestToWAVWritesOutput(t *testing.T) {
	t.Parallel()

	// The output path is the last argument.
	exe := writeFakeFFmpeg(t, `for last; do :; done
printf 'RIFFwav' > "$last"
`)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.wav")

	tc := NewTranscoder(Options{Executable: exe})
	require.NoError(t, tc.ToWAV(context.Background(), filepath.Join(dir, "in.mp4"), out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "RIFFwav", string(data))
}

func TestToWAVReportsDecodeFailure(t *testing.T) {
	t.Parallel()

	exe := writeFakeFFmpeg(t, `echo "$7: Invalid data found when processing input" >&2
exit 1
`)

	tc := NewTranscoder(Options{Executable: exe})
	err := tc.ToWAV(context.Background(), "/srv/scratch/temp_1_clip.mkv", "/srv/scratch/temp_2_clip.wav")
	require.ErrorContains(t, err, "Invalid data found")
	require.Equal(t, "audio could not be decoded", whisper.PublicMessage(err))
}

func TestToWAVMissingExecutable(t *testing.T) {
	t.Parallel()

	tc := NewTranscoder(Options{Executable: filepath.Join(t.TempDir(), "no-ffmpeg")})
	err := tc.ToWAV(context.Background(), "in.mov", "out.wav")
	require.ErrorIs(t, err, ErrFFmpegNotFound)
	require.Equal(t, "audio format is not supported by this server", whisper.PublicMessage(err))
}

func TestToWAVHonoursCancellation(t *testing.T) {
	t.Parallel()

	exe := writeFakeFFmpeg(t, "exec sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewTranscoder(Options{Executable: exe}).ToWAV(ctx, "in.webm", "out.wav")
	require.ErrorIs(t, err, context.Canceled)
}

func TestWAVArgs(t *testing.T) {
	t.Parallel()

	args := wavArgs("in.mp4", "out.wav")
	require.Equal(t, []string{"-i", "in.mp4"}, args[5:7])
	require.Contains(t, args, "-vn")
	require.Equal(t, "out.wav", args[len(args)-1])
}

func TestNewTranscoderDefaultsToPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ffmpeg", NewTranscoder(Options{Executable: "  "}).Executable())
}
