package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"iter"
	"sync"
	"testing"

	"github.com/fmueller/voxstream/internal/whisper"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	return runApp(t, newAppState(), args)
}

func runApp(t *testing.T, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// newFakeApp returns an app whose engine is engine. calls counts how often the
// engine was built.
func newFakeApp(engine whisper.Engine) (app *appState, calls func() int) {
	var (
		mu    sync.Mutex
		count int
	)

	app = newAppState()
	app.engineFn = func(context.Context) (whisper.Engine, string, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return engine, "fake-model", nil
	}

	return app, func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}
}

type fakeEngine struct {
	segments []whisper.Segment
	err      error
	// formats limits the extensions the engine reads. Nil reads everything.
	formats map[string]bool

	mu       sync.Mutex
	requests []whisper.TranscriptionRequest
}

func (f *fakeEngine) Name() string {
	return "fake"
}

func (f *fakeEngine) ReadsFormat(ext string) bool {
	return f.formats == nil || f.formats[ext]
}

func (f *fakeEngine) Transcribe(_ context.Context, req whisper.TranscriptionRequest) iter.Seq2[whisper.Segment, error] {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	return func(yield func(whisper.Segment, error) bool) {
		for _, segment := range f.segments {
			if !yield(segment, nil) {
				return
			}
		}
		if f.err != nil {
			yield(whisper.Segment{}, f.err)
		}
	}
}

func (f *fakeEngine) lastRequest() (whisper.TranscriptionRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.requests) == 0 {
		return whisper.TranscriptionRequest{}, false
	}
	return f.requests[len(f.requests)-1], true
}

// syncBuffer is written by a command goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func makePCM16WAVForTest(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], []byte("RIFF"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], []byte("WAVE"))
	off += 4

	copy(out[off:], []byte("fmt "))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], []byte("data"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}
