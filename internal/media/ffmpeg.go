// Package media converts uploads into audio the transcription engine reads.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxstream/internal/whisper"
)

var ErrFFmpegNotFound = errors.New("ffmpeg not found")

const (
	defaultExecutable = "ffmpeg"
	waitDelay         = 2 * time.Second
)

type Options struct {
	// Executable defaults to ffmpeg on PATH.
	Executable string
	Logger     *zap.Logger
}

// Transcoder runs ffmpeg to extract 16 kHz mono PCM WAV from any audio or
// video container ffmpeg understands.
type Transcoder struct {
	executable string
	logger     *zap.Logger
}

func NewTranscoder(opts Options) *Transcoder {
	executable := strings.TrimSpace(opts.Executable)
	if executable == "" {
		executable = defaultExecutable
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcoder{executable: executable, logger: logger}
}

func (t *Transcoder) Executable() string {
	return t.executable
}

// ToWAV writes the audio track of in to out, replacing out. Failures are
// whisper.UserError values so callers can report them without exposing paths.
func (t *Transcoder) ToWAV(ctx context.Context, in, out string) error {
	args := wavArgs(in, out)
	cmd := exec.CommandContext(ctx, t.executable, args...)
	cmd.WaitDelay = waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	t.logger.Debug("running ffmpeg", zap.String("ffmpeg", t.executable), zap.Strings("args", args))
	started := time.Now()
	err := cmd.Run()
	if err == nil {
		t.logger.Debug("ffmpeg finished", zap.Duration("elapsed", time.Since(started)))
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return &whisper.UserError{
			Message: "audio format is not supported by this server",
			Err:     fmt.Errorf("%w at %s: %w", ErrFFmpegNotFound, t.executable, err),
		}
	}

	detail := strings.TrimSpace(stderr.String())
	if detail != "" {
		err = fmt.Errorf("%w (%s)", err, lastLine(detail))
	}
	return &whisper.UserError{Message: "audio could not be decoded", Err: fmt.Errorf("ffmpeg: %w", err)}
}

func wavArgs(in, out string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-i", in,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		"-f", "wav",
		out,
	}
}

func lastLine(text string) string {
	lines := strings.Split(text, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
