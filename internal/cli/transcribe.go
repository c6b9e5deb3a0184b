package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/client"
	"github.com/fmueller/voxstream/internal/media"
	"github.com/fmueller/voxstream/internal/platform"
	"github.com/fmueller/voxstream/internal/scratch"
	"github.com/fmueller/voxstream/internal/stream"
	"github.com/fmueller/voxstream/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	var (
		serverURL string
		events    bool
	)

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file",
		Long: "Transcribe an audio file with the local engine, or upload it to a running\n" +
			"voxstream server with --server. Segments are printed as they arrive.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			audioPath := filepath.Clean(args[0])
			if _, err := os.Stat(audioPath); err != nil {
				return fmt.Errorf("audio file not found: %w", err)
			}

			// Interrupting stops the engine process instead of orphaning it.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			printer := &segmentPrinter{w: cmd.OutOrStdout(), events: events}

			var err error
			if serverURL != "" {
				// Without an explicit --language the server default applies.
				var language string
				if cmd.Flags().Changed("language") {
					language = app.config().Engine.Language
				}
				err = app.transcribeRemote(ctx, serverURL, audioPath, language, printer)
			} else {
				err = app.transcribeLocal(ctx, audioPath, printer)
			}
			if err != nil {
				return err
			}

			if printer.segments == 0 {
				app.log().Warn(noSpeechHint())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Base URL of a running voxstream server, e.g. http://localhost:8000")
	cmd.Flags().BoolVar(&events, "events", false, "Print raw event JSON, one object per line")
	return cmd
}

func (a *appState) transcribeLocal(ctx context.Context, audioPath string, printer *segmentPrinter) error {
	cfg := a.config()

	level, probed := a.probeWAV(audioPath)
	if probed && cfg.Engine.SilenceGate && level.Silent(cfg.Engine.SilenceThresholdDBFS) {
		a.log().Info(
			"audio considered silent; skipping transcription",
			zap.String("audio", audioPath),
			zap.Float64("rms_dbfs", level.RMSdBFS),
			zap.Float64("peak_dbfs", level.PeakdBFS),
			zap.Float64("threshold_dbfs", cfg.Engine.SilenceThresholdDBFS),
		)
		return nil
	}

	engineFn := a.engineFn
	if engineFn == nil {
		engineFn = a.buildEngine
	}

	engine, model, err := engineFn(ctx)
	if err != nil {
		return err
	}

	enginePath, release, err := a.prepareAudio(ctx, engine, audioPath)
	if err != nil {
		return err
	}
	defer release()

	a.log().Info("transcribing...", zap.String("audio", audioPath), zap.String("model", model), zap.String("language", cfg.Engine.Language))
	advance, stop := a.startProgress(printer.w, level.Duration())
	defer stop()
	started := time.Now()

	for segment, err := range engine.Transcribe(ctx, whisper.TranscriptionRequest{
		AudioPath: enginePath,
		Language:  cfg.Engine.Language,
		BeamSize:  cfg.Engine.BeamSize,
	}) {
		if err != nil {
			stop()
			a.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
			if printer.events {
				_ = printer.print(stream.ErrorEvent(err))
			}
			return err
		}

		advance(segment.End)
		if err := printer.print(stream.SegmentEvent(segment)); err != nil {
			return err
		}
	}

	stop()
	a.log().Info("transcription finished", zap.Duration("elapsed", time.Since(started)), zap.Int("segments", printer.segments))
	return nil
}

func (a *appState) transcribeRemote(ctx context.Context, serverURL, audioPath, language string, printer *segmentPrinter) error {
	c, err := client.New(serverURL, client.Options{Field: a.config().Upload.Field})
	if err != nil {
		return err
	}

	a.log().Info("uploading to server", zap.String("audio", audioPath), zap.String("server", serverURL))
	stop := startSpinner(a.progressEnabled(), "Transcribing")
	defer stop()

	return c.TranscribeStream(ctx, audioPath, language, func(ev stream.Event) error {
		stop()
		return printer.print(ev)
	})
}

// prepareAudio converts containers the engine cannot read into a temporary
// WAV. release removes it again.
func (a *appState) prepareAudio(ctx context.Context, engine whisper.Engine, audioPath string) (string, func(), error) {
	reader, ok := engine.(whisper.FormatReader)
	if !ok || reader.ReadsFormat(strings.ToLower(filepath.Ext(audioPath))) {
		return audioPath, func() {}, nil
	}

	cfg := a.config()
	dir, err := scratch.NewDir(platform.ResolveScratchDir(cfg.Upload.ScratchDir))
	if err != nil {
		return "", nil, err
	}
	base := filepath.Base(audioPath)
	converted, err := dir.Reserve(strings.TrimSuffix(base, filepath.Ext(base)) + ".wav")
	if err != nil {
		return "", nil, err
	}
	release := func() {
		if err := converted.Remove(); err != nil {
			a.log().Warn("failed to remove converted audio", zap.Error(err))
		}
	}

	transcoder := media.NewTranscoder(media.Options{Executable: cfg.Engine.FFmpegPath, Logger: a.log()})
	a.log().Info("extracting audio", zap.String("audio", audioPath), zap.String("ffmpeg", transcoder.Executable()))
	if err := transcoder.ToWAV(ctx, audioPath, converted.Path()); err != nil {
		release()
		return "", nil, err
	}
	return converted.Path(), release, nil
}

// probeWAV measures WAV input for the silence gate and the progress bar.
// Other formats and unreadable files report false.
func (a *appState) probeWAV(audioPath string) (audio.Level, bool) {
	if !strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		return audio.Level{}, false
	}

	level, err := audio.ProbeFile(audioPath)
	if err != nil {
		a.log().Warn("audio probe failed; continuing transcription", zap.Error(err), zap.String("audio", audioPath))
		return audio.Level{}, false
	}
	return level, true
}

// startProgress shows how far into the audio the engine is when segments go
// somewhere other than the terminal. Otherwise a spinner covers the wait for
// the first segment.
func (a *appState) startProgress(out io.Writer, total time.Duration) (func(float64), stopFunc) {
	if total > 0 && !isTerminal(out) {
		return startPositionProgress(a.progressEnabled(), "Transcribing", total)
	}

	stop := startSpinner(a.progressEnabled(), "Transcribing")
	return func(float64) { stop() }, stop
}

type segmentPrinter struct {
	w        io.Writer
	events   bool
	segments int
}

func (p *segmentPrinter) print(ev stream.Event) error {
	if !ev.IsError() {
		p.segments++
	}

	if p.events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.w, string(data))
		return err
	}

	if ev.IsError() {
		return nil
	}
	_, err := fmt.Fprintln(p.w, formatSegment(ev.Segment()))
	return err
}
