package chatsync

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one dispatched Server-Sent Event.
type sseEvent struct {
	Event string
	Data  string
	ID    string
}

// sseReader splits a text/event-stream body into events. Comment lines
// (heartbeats) are skipped; an event without a name is a "message".
type sseReader struct {
	scanner *bufio.Scanner
	// onLine, if set, is called for every line read, comments included.
	onLine func()
}

func newSSEReader(r io.Reader) *sseReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{scanner: s}
}

// Next blocks until a full event is read. It returns io.EOF when the body
// ends cleanly.
func (r *sseReader) Next() (sseEvent, error) {
	var (
		ev   sseEvent
		data []string
		seen bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if r.onLine != nil {
			r.onLine()
		}
		if line == "" {
			if !seen {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			if ev.Event == "" {
				ev.Event = "message"
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		seen = true
		switch field {
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if seen {
		ev.Data = strings.Join(data, "\n")
		if ev.Event == "" {
			ev.Event = "message"
		}
		return ev, nil
	}
	return sseEvent{}, io.EOF
}
