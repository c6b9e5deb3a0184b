// Package stream carries transcript segments to HTTP clients as
// Server-Sent Events and reads them back.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fmueller/voxstream/internal/whisper"
)

// Event is either a segment or a terminal error.
type Event struct {
	segment whisper.Segment
	err     string
}

func SegmentEvent(segment whisper.Segment) Event {
	return Event{segment: segment}
}

// ErrorEvent builds the terminal event for err. A nil error still produces an
// error event with a generic message.
func ErrorEvent(err error) Event {
	msg := "transcription failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Event{err: msg}
}

func (e Event) IsError() bool {
	return e.err != ""
}

func (e Event) Segment() whisper.Segment {
	return e.segment
}

// Err returns the error carried by a terminal event, or nil.
func (e Event) Err() error {
	if e.err == "" {
		return nil
	}
	return errors.New(e.err)
}

type errorPayload struct {
	Error string `json:"error"`
}

type wirePayload struct {
	Text  *string  `json:"text"`
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
	Error *string  `json:"error"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.IsError() {
		return json.Marshal(errorPayload{Error: e.err})
	}
	return json.Marshal(e.segment)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var p wirePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	if p.Error != nil {
		msg := *p.Error
		if msg == "" {
			msg = "transcription failed"
		}
		*e = Event{err: msg}
		return nil
	}

	if p.Text == nil || p.Start == nil || p.End == nil {
		return fmt.Errorf("event is neither a segment nor an error: %s", data)
	}

	*e = Event{segment: whisper.Segment{Text: *p.Text, Start: *p.Start, End: *p.End}}
	return nil
}
