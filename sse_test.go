package chatsync

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r *sseReader) []sseEvent {
	t.Helper()
	var out []sseEvent
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestSSEReader(t *testing.T) {
	t.Run("named events and heartbeats", func(t *testing.T) {
		r := newSSEReader(strings.NewReader(": ping\n\nevent: chunk\ndata: a\n\n:\n\nevent: done\ndata: {}\n\n"))
		evs := readAll(t, r)
		require.Len(t, evs, 2)
		assert.Equal(t, sseEvent{Event: "chunk", Data: "a"}, evs[0])
		assert.Equal(t, sseEvent{Event: "done", Data: "{}"}, evs[1])
	})

	t.Run("multi-line data is joined", func(t *testing.T) {
		evs := readAll(t, newSSEReader(strings.NewReader("data: one\ndata: two\ndata:three\n\n")))
		require.Len(t, evs, 1)
		assert.Equal(t, "one\ntwo\nthree", evs[0].Data)
	})

	t.Run("unnamed events are messages", func(t *testing.T) {
		evs := readAll(t, newSSEReader(strings.NewReader("id: 7\ndata: {\"action\":\"create\"}\n\n")))
		require.Len(t, evs, 1)
		assert.Equal(t, "message", evs[0].Event)
		assert.Equal(t, "7", evs[0].ID)
	})

	t.Run("trailing event without blank line", func(t *testing.T) {
		evs := readAll(t, newSSEReader(strings.NewReader("event: done\ndata: x")))
		require.Len(t, evs, 1)
		assert.Equal(t, "done", evs[0].Event)
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := newSSEReader(strings.NewReader("")).Next()
		assert.Equal(t, io.EOF, err)
	})

	t.Run("every line is reported", func(t *testing.T) {
		r := newSSEReader(strings.NewReader(": ping\n\ndata: a\n\n"))
		lines := 0
		r.onLine = func() { lines++ }
		readAll(t, r)
		assert.Equal(t, 4, lines)
	})
}
