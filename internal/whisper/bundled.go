package whisper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxstream/internal/platform"
	"go.uber.org/zap"
)

// waitDelay bounds how long Wait blocks on output pipes held open by
// children of a killed engine process.
const waitDelay = 2 * time.Second

var ErrEngineNotFound = errors.New("whisper engine not found")

// whisper-cli prints one line per segment, e.g.
// [00:00:01.240 --> 00:00:03.900]   hello there
var segmentLinePattern = regexp.MustCompile(`^\[(\d+):(\d{2}):(\d{2})[.,](\d{3}) --> (\d+):(\d{2}):(\d{2})[.,](\d{3})\]\s?(.*)$`)

type BundledOptions struct {
	// Executable overrides engine discovery when set.
	Executable string
	ModelPath  string
	Threads    int
	Logger     *zap.Logger
}

// BundledEngine runs whisper.cpp's whisper-cli once per request and streams
// segments from its stdout as they are printed.
type BundledEngine struct {
	Executable string
	ModelPath  string
	Threads    int
	Logger     *zap.Logger
}

func NewBundledEngine(opts BundledOptions) (*BundledEngine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if strings.TrimSpace(opts.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}

	executable, err := ResolveExecutable(opts.Executable)
	if err != nil {
		return nil, err
	}

	return &BundledEngine{
		Executable: executable,
		ModelPath:  opts.ModelPath,
		Threads:    opts.Threads,
		Logger:     logger,
	}, nil
}

// ResolveExecutable finds whisper-cli: the override if set, then the bundled
// locations next to the running binary, then PATH.
func ResolveExecutable(override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		if err := ensureExecutable(override); err != nil {
			return "", fmt.Errorf("configured whisper path is not executable: %w", err)
		}
		return override, nil
	}

	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve voxstream executable path: %w", err)
	}

	if path, err := ResolveBundledEnginePath(self); err == nil {
		return path, nil
	}

	if path, err := exec.LookPath(engineBinaryName()); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w near %s or on PATH; install whisper-cli or set engine.whisper_path", ErrEngineNotFound, self)
}

func ResolveBundledEnginePath(executable string) (string, error) {
	for _, candidate := range EnginePathCandidates(executable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w near %s, expected at ../libexec/whisper/%s", ErrEngineNotFound, executable, engineBinaryName())
}

func EnginePathCandidates(executable string) []string {
	binDir := filepath.Dir(executable)
	engineName := engineBinaryName()
	hostTarget := platform.CurrentRuntime().Target()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

func (b *BundledEngine) Name() string {
	return "bundled"
}

// whisper-cli decodes these itself. Anything else needs converting first.
var bundledFormats = formatSet(".wav", ".mp3", ".flac")

func (b *BundledEngine) ReadsFormat(ext string) bool {
	return bundledFormats[strings.ToLower(ext)]
}

func (b *BundledEngine) Transcribe(ctx context.Context, req TranscriptionRequest) iter.Seq2[Segment, error] {
	if strings.TrimSpace(req.AudioPath) == "" {
		return failed(errors.New("audio path is required"))
	}

	return func(yield func(Segment, error) bool) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		args := b.args(req)
		cmd := exec.CommandContext(runCtx, b.Executable, args...)
		cmd.WaitDelay = waitDelay
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(Segment{}, fmt.Errorf("attach whisper stdout: %w", err))
			return
		}

		b.Logger.Debug("running whisper engine", zap.String("engine", b.Executable), zap.Strings("args", args))
		if err := cmd.Start(); err != nil {
			yield(Segment{}, fmt.Errorf("start whisper engine: %w", err))
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			segment, ok := parseSegmentLine(scanner.Text())
			if !ok || IsBlank(segment.Text) {
				continue
			}
			if !yield(segment, nil) {
				cancel()
				_ = cmd.Wait()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			// Nothing drains stdout any more, so the engine would block on a
			// full pipe.
			cancel()
			_ = cmd.Wait()
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(Segment{}, ctxErr)
				return
			}
			yield(Segment{}, fmt.Errorf("read whisper output: %w", err))
			return
		}

		if err := cmd.Wait(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(Segment{}, ctxErr)
				return
			}
			yield(Segment{}, b.classify(err, stderr.String()))
		}
	}
}

func (b *BundledEngine) args(req TranscriptionRequest) []string {
	args := []string{"-m", b.ModelPath, "-f", req.AudioPath, "-np"}

	lang := SanitizeLanguage(req.Language)
	if lang != "auto" {
		args = append(args, "-l", lang)
	}
	if req.BeamSize > 0 {
		args = append(args, "-bs", strconv.Itoa(req.BeamSize))
	}
	if b.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.Threads))
	}
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		args = append(args, "--prompt", prompt)
	}

	return args
}

const engineUnavailable = "transcription engine is unavailable"

func (b *BundledEngine) classify(err error, stderr string) error {
	errText := strings.TrimSpace(stderr)
	if isMissingSharedLibraryError(errText) {
		return &UserError{
			Message: engineUnavailable,
			Err:     fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", b.Executable, errText),
		}
	}
	if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
		return &UserError{
			Message: engineUnavailable,
			Err: errors.New("whisper engine crashed with an illegal CPU instruction; " +
				"set engine.whisper_path to a whisper-cli binary built for this CPU"),
		}
	}

	message := GenericFailure
	if isUnreadableAudioError(errText) {
		message = "audio could not be decoded"
	}
	if errText == "" {
		return &UserError{Message: message, Err: fmt.Errorf("whisper transcribe failed: %w", err)}
	}
	return &UserError{Message: message, Err: fmt.Errorf("whisper transcribe failed: %w (%s)", err, lastLine(errText))}
}

func parseSegmentLine(line string) (Segment, bool) {
	match := segmentLinePattern.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return Segment{}, false
	}

	return Segment{
		Start: clockSeconds(match[1:5]),
		End:   clockSeconds(match[5:9]),
		Text:  strings.TrimSpace(match[9]),
	}, true
}

func clockSeconds(parts []string) float64 {
	hours, _ := strconv.Atoi(parts[0])
	minutes, _ := strconv.Atoi(parts[1])
	seconds, _ := strconv.Atoi(parts[2])
	millis, _ := strconv.Atoi(parts[3])

	total := hours*3600_000 + minutes*60_000 + seconds*1000 + millis
	return float64(total) / 1000
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isUnreadableAudioError(stderr string) bool {
	value := strings.ToLower(stderr)
	for _, pattern := range []string{"failed to read audio", "failed to open", "failed to decode"} {
		if strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
