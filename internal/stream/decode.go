package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrStop ends Decode early without reporting an error.
var ErrStop = errors.New("stop decoding")

// Decode reads SSE blocks from r and calls fn for every event in order.
// Comment lines and fields other than data are ignored. Decode returns after
// a terminal error event, at EOF, or when fn returns an error.
func Decode(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []string
	dispatch := func() (bool, error) {
		if len(data) == 0 {
			return false, nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]

		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return false, fmt.Errorf("decode event %q: %w", payload, err)
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStop) {
				return true, nil
			}
			return true, err
		}
		return ev.IsError(), nil
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			done, err := dispatch()
			if done || err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		data = append(data, strings.TrimPrefix(value, " "))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}

	_, err := dispatch()
	return err
}
