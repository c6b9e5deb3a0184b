package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const ContentType = "text/event-stream"

// Writer emits one SSE block per event and flushes it right away.
type Writer struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	opened bool
	sent   int
}

func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// Open commits the response: status 200 and event-stream headers. Nothing
// after Open can change the status.
func (s *Writer) Open() error {
	if s.opened {
		return nil
	}

	h := s.w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.opened = true

	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush stream headers: %w", err)
	}
	return nil
}

// Send writes ev as `data: <json>\n\n` and flushes.
func (s *Writer) Send(ev Event) error {
	if err := s.Open(); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}

	s.sent++
	return nil
}

// Sent reports how many events reached the connection.
func (s *Writer) Sent() int {
	return s.sent
}
