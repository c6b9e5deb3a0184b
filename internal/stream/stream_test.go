package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fmueller/voxstream/internal/whisper"
	"github.com/stretchr/testify/require"
)

type noFlushWriter struct {
	header http.Header
	body   strings.Builder
}

func (w *noFlushWriter) Header() http.Header {
	return w.header
}

func (w *noFlushWriter) WriteHeader(int) {}

func (w *noFlushWriter) Write(p []byte) (int, error) {
	return w.body.Write(p)
}

func TestEventWireFormat(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(SegmentEvent(whisper.Segment{Text: "hi", Start: 0, End: 1.25}))
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"hi","start":0,"end":1.25}`, string(payload))

	payload, err = json.Marshal(ErrorEvent(errors.New("bad audio")))
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"bad audio"}`, string(payload))

	payload, err = json.Marshal(ErrorEvent(nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"transcription failed"}`, string(payload))
}

func TestEventUnmarshalRejectsUnknownShape(t *testing.T) {
	t.Parallel()

	var ev Event
	require.Error(t, json.Unmarshal([]byte(`{"foo":1}`), &ev))
	require.NoError(t, json.Unmarshal([]byte(`{"text":"","start":0,"end":0}`), &ev))
	require.False(t, ev.IsError())
}

func TestWriterEmitsFlushedBlocks(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	require.NoError(t, w.Open())
	require.True(t, rec.Flushed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ContentType, rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	require.NoError(t, w.Send(SegmentEvent(whisper.Segment{Text: "one", Start: 0, End: 1})))
	require.NoError(t, w.Send(ErrorEvent(errors.New("boom"))))
	require.Equal(t, 2, w.Sent())
	require.Equal(t, "data: {\"text\":\"one\",\"start\":0,\"end\":1}\n\ndata: {\"error\":\"boom\"}\n\n", rec.Body.String())
}

func TestWriterReportsMissingFlusher(t *testing.T) {
	t.Parallel()

	w := NewWriter(&noFlushWriter{header: http.Header{}})
	require.Error(t, w.Open())
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	segments := []whisper.Segment{
		{Text: "one", Start: 0, End: 1.5},
		{Text: "two", Start: 1.5, End: 3},
	}
	for _, s := range segments {
		require.NoError(t, w.Send(SegmentEvent(s)))
	}
	require.NoError(t, w.Send(ErrorEvent(errors.New("engine crashed"))))

	var got []Event
	err := Decode(rec.Body, func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, segments[0], got[0].Segment())
	require.Equal(t, segments[1], got[1].Segment())
	require.True(t, got[2].IsError())
	require.EqualError(t, got[2].Err(), "engine crashed")
}

func TestDecodeStopsAfterErrorEvent(t *testing.T) {
	t.Parallel()

	body := "data: {\"error\":\"first\"}\n\ndata: {\"text\":\"late\",\"start\":0,\"end\":1}\n\n"
	count := 0
	require.NoError(t, Decode(strings.NewReader(body), func(Event) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)
}

func TestDecodeIgnoresCommentsAndCRLF(t *testing.T) {
	t.Parallel()

	body := ": keep-alive\r\nevent: segment\r\ndata: {\"text\":\"a\",\"start\":0,\"end\":1}\r\n\r\ndata: {\"text\":\"b\",\"start\":1,\"end\":2}"
	var texts []string
	require.NoError(t, Decode(strings.NewReader(body), func(ev Event) error {
		texts = append(texts, ev.Segment().Text)
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, texts)
}

func TestDecodeCallbackStop(t *testing.T) {
	t.Parallel()

	body := "data: {\"text\":\"a\",\"start\":0,\"end\":1}\n\ndata: {\"text\":\"b\",\"start\":1,\"end\":2}\n\n"
	count := 0
	require.NoError(t, Decode(strings.NewReader(body), func(Event) error {
		count++
		return ErrStop
	}))
	require.Equal(t, 1, count)
}

func TestDecodeMalformedPayload(t *testing.T) {
	t.Parallel()

	err := Decode(strings.NewReader("data: not-json\n\n"), func(Event) error { return nil })
	require.ErrorContains(t, err, "decode event")
}
