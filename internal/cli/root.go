package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fmueller/voxstream/internal/config"
	"github.com/fmueller/voxstream/internal/logging"
	"github.com/fmueller/voxstream/internal/platform"
	"github.com/fmueller/voxstream/internal/version"
	"github.com/fmueller/voxstream/internal/whisper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

type appState struct {
	configPath string
	envFiles   []string
	verbose    bool
	jsonLogs   bool
	noProgress bool

	backend      string
	model        string
	modelDir     string
	language     string
	whisperPath  string
	ffmpegPath   string
	threads      int
	beamSize     int
	autoDownload bool
	silenceGate  bool
	silenceDBFS  float64

	address        string
	port           int
	pacingMs       int
	scratchDir     string
	requestTimeout int
	maxUploadBytes int64

	cfg    *config.Config
	logger *zap.Logger

	// engineFn builds the transcription engine and names the model it serves.
	engineFn func(ctx context.Context) (whisper.Engine, string, error)
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newAppState() *appState {
	defaults := config.Default()
	app := &appState{
		envFiles:     []string{".env"},
		backend:      defaults.Engine.Backend,
		model:        defaults.Engine.Model,
		language:     defaults.Engine.Language,
		threads:      defaults.Engine.Threads,
		beamSize:     defaults.Engine.BeamSize,
		autoDownload: defaults.Engine.AutoDownload,
		silenceGate:  defaults.Engine.SilenceGate,
		silenceDBFS:  defaults.Engine.SilenceThresholdDBFS,

		address:        defaults.Server.Address,
		port:           defaults.Server.Port,
		pacingMs:       defaults.Stream.PacingMs,
		requestTimeout: defaults.Stream.RequestTimeout,
		maxUploadBytes: defaults.Upload.MaxBytes,
	}
	app.engineFn = app.buildEngine
	return app
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "voxstream",
		Short:         "Stream audio transcriptions over HTTP with a whisper engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.initialize(cmd)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", app.configPath, "Path to a YAML config file")
	flags.StringSliceVar(&app.envFiles, "env-file", app.envFiles, "Dotenv files loaded before reading VOXSTREAM_* variables")
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	bindEngineFlags(cmd, app)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindEngineFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&app.backend, "engine", app.backend, "Transcription engine: bundled|openai")
	flags.StringVar(&app.model, "model", app.model, "Model name or model file path")
	flags.StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
	flags.StringVar(&app.language, "language", app.language, "Language code (auto|en|de|...) for transcription")
	flags.StringVar(&app.whisperPath, "whisper-path", app.whisperPath, "Path to the whisper-cli executable")
	flags.StringVar(&app.ffmpegPath, "ffmpeg-path", app.ffmpegPath, "Path to ffmpeg, used for formats the engine cannot read")
	flags.IntVar(&app.threads, "threads", app.threads, "Threads used by whisper-cli; 0 lets the engine decide")
	flags.IntVar(&app.beamSize, "beam-size", app.beamSize, "Beam search width")
	flags.BoolVar(&app.autoDownload, "auto-download", app.autoDownload, "Automatically download missing models")
	flags.BoolVar(&app.silenceGate, "silence-gate", app.silenceGate, "Detect near-silent WAV audio and skip transcription")
	flags.Float64Var(&app.silenceDBFS, "silence-threshold-dbfs", app.silenceDBFS, "Silence gate threshold in dBFS")
}

// initialize layers configuration (defaults, file, dotenv, environment, then
// flags the user actually set) and builds the logger.
func (a *appState) initialize(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(a.envFiles...); err != nil {
		return err
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	a.applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Verbose: a.verbose,
		JSON:    a.jsonLogs || cfg.Logging.JSON,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *appState) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("engine") {
		cfg.Engine.Backend = strings.ToLower(strings.TrimSpace(a.backend))
	}
	if changed("model") {
		cfg.Engine.Model = a.model
	}
	if changed("model-dir") {
		cfg.Engine.ModelDir = a.modelDir
	}
	if changed("language") {
		cfg.Engine.Language = whisper.SanitizeLanguage(a.language)
	}
	if changed("whisper-path") {
		cfg.Engine.WhisperPath = a.whisperPath
	}
	if changed("ffmpeg-path") {
		cfg.Engine.FFmpegPath = a.ffmpegPath
	}
	if changed("threads") {
		cfg.Engine.Threads = a.threads
	}
	if changed("beam-size") {
		cfg.Engine.BeamSize = a.beamSize
	}
	if changed("auto-download") {
		cfg.Engine.AutoDownload = a.autoDownload
	}
	if changed("silence-gate") {
		cfg.Engine.SilenceGate = a.silenceGate
	}
	if changed("silence-threshold-dbfs") {
		cfg.Engine.SilenceThresholdDBFS = a.silenceDBFS
	}

	if changed("address") {
		cfg.Server.Address = a.address
	}
	if changed("port") {
		cfg.Server.Port = a.port
	}
	if changed("pacing-ms") {
		cfg.Stream.PacingMs = a.pacingMs
	}
	if changed("scratch-dir") {
		cfg.Upload.ScratchDir = a.scratchDir
	}
	if changed("request-timeout") {
		cfg.Stream.RequestTimeout = a.requestTimeout
	}
	if changed("max-upload-bytes") {
		cfg.Upload.MaxBytes = a.maxUploadBytes
	}
}

func (a *appState) config() *config.Config {
	if a.cfg == nil {
		a.cfg = config.Default()
	}
	return a.cfg
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.config().Engine.ModelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
