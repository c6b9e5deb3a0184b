package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/media"
	"github.com/fmueller/voxstream/internal/metrics"
	"github.com/fmueller/voxstream/internal/scratch"
	"github.com/fmueller/voxstream/internal/stream"
	"github.com/fmueller/voxstream/internal/whisper"
)

var (
	ErrMissingFile     = errors.New("missing file field")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrInvalidLanguage = errors.New("invalid language")

	errRequestTimeout = errors.New("transcription timed out")
)

const (
	languageField    = "language"
	maxLanguageBytes = 16
)

var languagePattern = regexp.MustCompile(`^([a-z]{2,3}|auto)$`)

// HandlerOptions configures a TranscribeHandler.
type HandlerOptions struct {
	Engine  whisper.Engine
	Scratch *scratch.Dir
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// Transcoder converts uploads the engine cannot decode. Nil passes every
	// upload through unchanged.
	Transcoder *media.Transcoder

	Field             string
	MaxBytes          int64
	AllowedExtensions []string

	Language string
	BeamSize int

	Pacing         time.Duration
	RequestTimeout time.Duration

	SilenceGate          bool
	SilenceThresholdDBFS float64
}

// TranscribeHandler serves POST /transcribe-stream. Every request owns its
// upload artifact, plus a converted WAV when the engine cannot read the
// upload. Both are removed before ServeHTTP returns.
type TranscribeHandler struct {
	engine  whisper.Engine
	scratch *scratch.Dir
	metrics *metrics.Metrics
	logger  *zap.Logger
	media   *media.Transcoder

	field      string
	maxBytes   int64
	extensions map[string]bool

	language string
	beamSize int

	pacing  time.Duration
	timeout time.Duration

	silenceGate      bool
	silenceThreshold float64
}

func NewTranscribeHandler(opts HandlerOptions) (*TranscribeHandler, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Scratch == nil {
		return nil, errors.New("scratch directory is required")
	}
	if opts.Metrics == nil {
		return nil, errors.New("metrics are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Field == "" {
		opts.Field = "file"
	}
	if opts.Language == "" {
		opts.Language = whisper.DefaultLanguage
	}
	if opts.BeamSize == 0 {
		opts.BeamSize = whisper.DefaultBeamSize
	}

	extensions := make(map[string]bool, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		extensions[strings.ToLower(ext)] = true
	}

	return &TranscribeHandler{
		engine:           opts.Engine,
		scratch:          opts.Scratch,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		media:            opts.Transcoder,
		field:            opts.Field,
		maxBytes:         opts.MaxBytes,
		extensions:       extensions,
		language:         opts.Language,
		beamSize:         opts.BeamSize,
		pacing:           opts.Pacing,
		timeout:          opts.RequestTimeout,
		silenceGate:      opts.SilenceGate,
		silenceThreshold: opts.SilenceThresholdDBFS,
	}, nil
}

type upload struct {
	artifact *scratch.Artifact
	// converted holds the WAV extracted from artifact, if any.
	converted *scratch.Artifact
	filename  string
	language  string
}

// intakeError is a failure before the stream opens. It becomes a plain HTTP
// error response.
type intakeError struct {
	status int
	reason string
	err    error
}

func (e *intakeError) Error() string { return e.err.Error() }
func (e *intakeError) Unwrap() error { return e.err }

func reject(status int, reason string, err error) error {
	return &intakeError{status: status, reason: reason, err: err}
}

func (h *TranscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.logger.With(zap.String("request_id", uuid.NewString()))
	started := time.Now()

	up, err := h.receive(w, r)
	if err != nil {
		h.writeIntakeError(w, log, err)
		return
	}
	defer h.cleanup(log, up)

	log = log.With(zap.String("filename", up.filename), zap.Int64("bytes", up.artifact.Size()))
	h.metrics.RecordUpload(up.artifact.Size())
	log.Debug("upload persisted", zap.String("path", up.artifact.Path()))

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, h.timeout, errRequestTimeout)
		defer cancel()
	}

	sw := stream.NewWriter(w)
	if err := sw.Open(); err != nil {
		log.Warn("could not open event stream", zap.Error(err))
		return
	}

	h.metrics.StreamOpened()
	opened := time.Now()
	outcome, segments := h.stream(ctx, sw, up, log)
	h.metrics.StreamClosed(outcome, time.Since(opened).Seconds())

	log.Info("stream finished",
		zap.Int("segments", segments),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", time.Since(started)),
	)
}

// receive reads the multipart body and persists the file part. On error no
// artifact is left behind.
func (h *TranscribeHandler) receive(w http.ResponseWriter, r *http.Request) (up *upload, err error) {
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, reject(http.StatusBadRequest, "malformed", fmt.Errorf("expected multipart/form-data body: %w", err))
	}

	up = &upload{language: h.language}
	defer func() {
		if err != nil && up.artifact != nil {
			_ = up.artifact.Remove()
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return up, readError(err)
		}

		switch part.FormName() {
		case h.field:
			if up.artifact != nil {
				break
			}
			if err := h.persist(part, up); err != nil {
				return up, err
			}
		case languageField:
			language, err := readLanguage(part)
			if err != nil {
				return up, err
			}
			if language != "" {
				up.language = language
			}
		}
		_ = part.Close()
	}

	if up.artifact == nil {
		return up, reject(http.StatusBadRequest, "missing_file", fmt.Errorf("%w %q", ErrMissingFile, h.field))
	}
	return up, nil
}

func (h *TranscribeHandler) persist(part *multipart.Part, up *upload) error {
	filename := part.FileName()

	if len(h.extensions) > 0 {
		ext := strings.ToLower(filepath.Ext(scratch.SanitizeFilename(filename)))
		if !h.extensions[ext] {
			return reject(http.StatusUnsupportedMediaType, "unsupported_type", fmt.Errorf("%w %q", ErrUnsupportedType, ext))
		}
	}

	body := &trackingReader{r: part}
	artifact, err := h.scratch.Create(filename, body)
	switch {
	case err == nil:
		up.artifact = artifact
		up.filename = filename
		return nil
	case body.err != nil:
		return readError(body.err)
	case errors.Is(err, scratch.ErrEmptyUpload):
		return reject(http.StatusBadRequest, "empty", err)
	default:
		return reject(http.StatusInternalServerError, "storage", fmt.Errorf("persist upload: %w", err))
	}
}

func readLanguage(part io.Reader) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(part, maxLanguageBytes+1))
	if err != nil {
		return "", readError(err)
	}
	if len(raw) > maxLanguageBytes {
		return "", reject(http.StatusBadRequest, "invalid_language", fmt.Errorf("%w: longer than %d bytes", ErrInvalidLanguage, maxLanguageBytes))
	}

	language := strings.ToLower(strings.TrimSpace(string(raw)))
	if language == "" {
		return "", nil
	}
	if !languagePattern.MatchString(language) {
		return "", reject(http.StatusBadRequest, "invalid_language", fmt.Errorf("%w %q", ErrInvalidLanguage, language))
	}
	return language, nil
}

func readError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return reject(http.StatusRequestEntityTooLarge, "too_large", fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
	}
	return reject(http.StatusBadRequest, "malformed", fmt.Errorf("read upload: %w", err))
}

// stream drives the engine and forwards its segments. It returns one of the
// metrics.Outcome* values and the number of segments delivered.
func (h *TranscribeHandler) stream(ctx context.Context, sw *stream.Writer, up *upload, log *zap.Logger) (string, int) {
	if h.silent(up, log) {
		return metrics.OutcomeSilent, 0
	}

	audioPath, err := h.prepare(ctx, up, log)
	if err != nil {
		if ctx.Err() != nil {
			return h.interrupted(ctx, sw, log), 0
		}
		log.Warn("audio conversion failed", zap.Error(err))
		h.fail(sw, log, err)
		return metrics.OutcomeFailed, 0
	}

	req := whisper.TranscriptionRequest{
		AudioPath: audioPath,
		Language:  up.language,
		BeamSize:  h.beamSize,
	}

	opened := time.Now()
	sent := 0
	for segment, err := range h.engine.Transcribe(ctx, req) {
		if err != nil {
			if ctx.Err() != nil {
				return h.interrupted(ctx, sw, log), sent
			}
			log.Warn("transcription failed", zap.Int("segments", sent), zap.Error(err))
			h.fail(sw, log, err)
			return metrics.OutcomeFailed, sent
		}

		if sent > 0 {
			if err := h.pace(ctx); err != nil {
				return h.interrupted(ctx, sw, log), sent
			}
		}

		if err := sw.Send(stream.SegmentEvent(segment)); err != nil {
			log.Debug("client stopped reading", zap.Error(err))
			return metrics.OutcomeCancelled, sent
		}
		if sent == 0 {
			h.metrics.RecordFirstSegment(time.Since(opened).Seconds())
		}
		sent++
		h.metrics.RecordSegment()
	}

	if ctx.Err() != nil {
		return h.interrupted(ctx, sw, log), sent
	}
	return metrics.OutcomeCompleted, sent
}

// fail sends the terminal error event. The detail stays in the log since it
// may name scratch paths or engine output.
func (h *TranscribeHandler) fail(sw *stream.Writer, log *zap.Logger, err error) {
	if sendErr := sw.Send(stream.ErrorEvent(errors.New(whisper.PublicMessage(err)))); sendErr != nil {
		log.Debug("could not deliver error event", zap.Error(sendErr))
	}
}

// prepare returns the file handed to the engine. Containers the engine
// cannot decode are converted to WAV in a second artifact of the request.
func (h *TranscribeHandler) prepare(ctx context.Context, up *upload, log *zap.Logger) (string, error) {
	name := scratch.SanitizeFilename(up.filename)
	ext := strings.ToLower(filepath.Ext(name))

	reader, ok := h.engine.(whisper.FormatReader)
	if h.media == nil || !ok || reader.ReadsFormat(ext) {
		return up.artifact.Path(), nil
	}

	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = "audio"
	}
	converted, err := h.scratch.Reserve(base + ".wav")
	if err != nil {
		return "", err
	}
	up.converted = converted

	started := time.Now()
	if err := h.media.ToWAV(ctx, up.artifact.Path(), converted.Path()); err != nil {
		return "", err
	}
	h.metrics.RecordConversion(time.Since(started).Seconds())
	log.Debug("upload converted", zap.String("format", ext), zap.Duration("elapsed", time.Since(started)))
	return converted.Path(), nil
}

// pace waits between two events. It returns early with the context error.
func (h *TranscribeHandler) pace(ctx context.Context) error {
	if h.pacing <= 0 {
		return nil
	}

	timer := time.NewTimer(h.pacing)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// interrupted handles a cancelled context. A request deadline is reported
// to the client. A disconnected client gets nothing.
func (h *TranscribeHandler) interrupted(ctx context.Context, sw *stream.Writer, log *zap.Logger) string {
	if errors.Is(context.Cause(ctx), errRequestTimeout) {
		log.Warn("transcription exceeded request timeout", zap.Duration("timeout", h.timeout))
		if err := sw.Send(stream.ErrorEvent(errRequestTimeout)); err != nil {
			log.Debug("could not deliver timeout event", zap.Error(err))
		}
		return metrics.OutcomeFailed
	}

	log.Info("client disconnected", zap.Error(ctx.Err()))
	return metrics.OutcomeCancelled
}

// silent reports whether a WAV upload carries no signal. Other formats and
// unreadable files always go to the engine.
func (h *TranscribeHandler) silent(up *upload, log *zap.Logger) bool {
	if !h.silenceGate || !strings.EqualFold(filepath.Ext(up.filename), ".wav") {
		return false
	}

	level, err := audio.ProbeFile(up.artifact.Path())
	if err != nil {
		log.Debug("silence probe skipped", zap.Error(err))
		return false
	}

	if !level.Silent(h.silenceThreshold) {
		return false
	}

	log.Info("upload is silent, skipping transcription",
		zap.Float64("rms_dbfs", level.RMSdBFS),
		zap.Float64("peak_dbfs", level.PeakdBFS),
		zap.Duration("duration", level.Duration()),
	)
	return true
}

func (h *TranscribeHandler) cleanup(log *zap.Logger, up *upload) {
	for _, artifact := range []*scratch.Artifact{up.converted, up.artifact} {
		if artifact == nil {
			continue
		}
		if err := artifact.Remove(); err != nil {
			h.metrics.RecordCleanupFailure()
			log.Warn("failed to remove scratch file", zap.String("path", artifact.Path()), zap.Error(err))
		}
	}
}

func (h *TranscribeHandler) writeIntakeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status, reason := http.StatusInternalServerError, "internal"
	var intake *intakeError
	if errors.As(err, &intake) {
		status, reason = intake.status, intake.reason
	}

	h.metrics.RecordRejectedUpload(reason)
	if status >= http.StatusInternalServerError {
		log.Error("upload rejected", zap.Int("status", status), zap.Error(err))
	} else {
		log.Info("upload rejected", zap.Int("status", status), zap.String("reason", reason), zap.Error(err))
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// trackingReader remembers the first read error so storage failures can be
// told apart from a broken request body.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}
