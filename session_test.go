package chatsync

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeStreamer opens streams whose bodies the test writes to.
type pipeStreamer struct {
	mu      sync.Mutex
	reqs    []StreamRequest
	err     error
	writers chan *io.PipeWriter
}

func newPipeStreamer() *pipeStreamer {
	return &pipeStreamer{writers: make(chan *io.PipeWriter, 4)}
}

func (p *pipeStreamer) OpenStream(ctx context.Context, req StreamRequest) (*Stream, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	st := newStream(pr, nil)
	go st.run(ctx, pr)
	p.writers <- pw
	return st, nil
}

func (p *pipeStreamer) next(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case w := <-p.writers:
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("stream was never opened")
		return nil
	}
}

func chunk(w io.Writer, id, text string) {
	fmt.Fprintf(w, "event: chunk\ndata: {\"text\":%q,\"msgId\":%q}\n\n", text, id)
}

// failingStore rejects every create.
type failingStore struct {
	*MemoryStore
}

func (f failingStore) CreateEntry(ctx context.Context, c Collection, d Draft) (*Entry, error) {
	return nil, errors.New("write rejected")
}

// editedStore updates every record it creates before answering, so the
// realtime update reaches subscribers ahead of the create response.
type editedStore struct {
	*MemoryStore
	fields map[string]any
}

func (s editedStore) CreateEntry(ctx context.Context, c Collection, d Draft) (*Entry, error) {
	e, err := s.MemoryStore.CreateEntry(ctx, c, d)
	if err != nil {
		return nil, err
	}
	if _, err := s.MemoryStore.UpdateEntry(ctx, c, e.ID, s.fields); err != nil {
		return nil, err
	}
	return e, nil
}

func TestSessionSendMessage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	streamer := newPipeStreamer()
	s := NewSession(store, "u1", WithStreamer(streamer))
	defer s.Close()
	require.NoError(t, s.OpenChat(ctx, "c1"))

	tempID, err := s.SendMessage(ctx, Draft{Content: "hi"}, SendOptions{SourceIDs: []string{"doc-1"}})
	require.NoError(t, err)
	placeholder, ok := s.Messages.Cache().Get(tempID)
	require.True(t, ok)
	assert.Equal(t, "user", placeholder.Field("role"))
	assert.Equal(t, "c1", placeholder.ParentID)

	w := streamer.next(t)
	defer w.Close()

	// The backend persists the user message, then opens the reply.
	_, err = store.CreateEntry(ctx, Messages, Draft{ParentID: "c1", Content: "hi", Fields: map[string]any{"role": "user"}})
	require.NoError(t, err)
	_, ok = s.Messages.Cache().Get(tempID)
	assert.False(t, ok)

	reply, err := store.CreateEntry(ctx, Messages, Draft{ParentID: "c1", Fields: map[string]any{"role": "assistant", "status": "streaming"}})
	require.NoError(t, err)

	chunk(w, reply.ID, "He")
	chunk(w, reply.ID, "llo")
	require.Eventually(t, func() bool {
		e, _ := s.Messages.Cache().Get(reply.ID)
		return e.Content == "Hello"
	}, 5*time.Second, 5*time.Millisecond)

	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	_, err = store.UpdateEntry(ctx, Messages, reply.ID, map[string]any{"status": "final", "content": "Hello"})
	require.NoError(t, err)

	snap := s.Messages.Snapshot()
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, StatusFinal, snap.Entries[1].Status)
	assert.Equal(t, "Hello", snap.Entries[1].Content)

	streamer.mu.Lock()
	assert.Equal(t, []StreamRequest{{ChatID: "c1", Query: "hi", SourceIDs: []string{"doc-1"}}}, streamer.reqs)
	streamer.mu.Unlock()
}

func TestSessionSendMessageErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no streamer", func(t *testing.T) {
		s := NewSession(NewMemoryStore(), "u1")
		defer s.Close()
		_, err := s.SendMessage(ctx, Draft{ParentID: "c1", Content: "hi"}, SendOptions{})
		assert.ErrorIs(t, err, ErrNoStreamer)
	})

	t.Run("empty content", func(t *testing.T) {
		s := NewSession(NewMemoryStore(), "u1", WithStreamer(newPipeStreamer()))
		defer s.Close()
		_, err := s.SendMessage(ctx, Draft{ParentID: "c1", Content: "  "}, SendOptions{})
		assert.ErrorIs(t, err, ErrEmptyContent)
		assert.Equal(t, 0, s.Messages.Cache().Len())
	})

	t.Run("stream that fails to open rolls back", func(t *testing.T) {
		streamer := newPipeStreamer()
		streamer.err = errors.New("503")
		s := NewSession(NewMemoryStore(), "u1", WithStreamer(streamer))
		defer s.Close()

		_, err := s.SendMessage(ctx, Draft{ParentID: "c1", Content: "hi"}, SendOptions{})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return s.Messages.Cache().Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	})

	t.Run("close aborts open streams", func(t *testing.T) {
		streamer := newPipeStreamer()
		s := NewSession(NewMemoryStore(), "u1", WithStreamer(streamer))
		require.NoError(t, s.OpenChat(ctx, "c1"))
		_, err := s.SendMessage(ctx, Draft{Content: "hi"}, SendOptions{})
		require.NoError(t, err)
		w := streamer.next(t)
		defer w.Close()

		done := make(chan struct{})
		go func() {
			s.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Close did not return")
		}
		assert.Empty(t, s.Messages.Snapshot().Entries)
		assert.Equal(t, "", s.Messages.Owner())

		_, err = s.SendMessage(ctx, Draft{ParentID: "c1", Content: "again"}, SendOptions{})
		assert.ErrorIs(t, err, ErrSessionClosed)
		s.Close()
	})
}

func TestSessionSend(t *testing.T) {
	ctx := context.Background()

	t.Run("placeholder is replaced by the stored record", func(t *testing.T) {
		store := NewMemoryStore()
		s := NewSession(store, "u1")
		defer s.Close()
		require.NoError(t, s.OpenChat(ctx, "c1"))

		e, err := s.Send(ctx, Draft{Content: "hi"})
		require.NoError(t, err)
		snap := s.Messages.Snapshot()
		assert.Equal(t, []string{e.ID}, ids(snap.Entries))
		assert.Empty(t, s.Messages.Optimistic().Pending())
		assert.Equal(t, "user", snap.Entries[0].Field("role"))
	})

	t.Run("store rejection rolls back", func(t *testing.T) {
		s := NewSession(failingStore{NewMemoryStore()}, "u1")
		defer s.Close()
		require.NoError(t, s.OpenChat(ctx, "c1"))
		rec := &recorder{}
		s.Messages.Observe(rec.observe)

		_, err := s.Send(ctx, Draft{Content: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "write rejected")
		assert.Equal(t, 0, s.Messages.Cache().Len())
		require.Len(t, rec.all(), 2)
		assert.Len(t, rec.all()[0].Entries, 1)
	})
}

func TestSessionCreateAfterRealtimeUpdate(t *testing.T) {
	ctx := context.Background()
	store := editedStore{MemoryStore: NewMemoryStore(), fields: map[string]any{"status": "going", "title": "renamed"}}
	s := NewSession(store, "u1")
	defer s.Close()
	require.NoError(t, s.LoadChats(ctx))

	chat, err := s.CreateChat(ctx, "New Chat")
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, chat.Status)

	stored, ok := store.Get(Chats, chat.ID)
	require.True(t, ok)
	assert.Equal(t, StatusGoing, stored.Status)

	snap := s.Chats.Snapshot()
	require.Equal(t, []string{chat.ID}, ids(snap.Entries))
	assert.Equal(t, StatusGoing, snap.Entries[0].Status)
	assert.Equal(t, "renamed", snap.Entries[0].Field("title"))
	assert.Empty(t, s.Chats.Optimistic().Pending())
}

func TestSessionChats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(Chats, numbered("chat", "u1", 2, 1)...)
	s := NewSession(store, "u1")
	defer s.Close()

	require.NoError(t, s.LoadChats(ctx))
	_, ok := s.EmptyChat()
	assert.False(t, ok)

	chat, err := s.CreateChat(ctx, "Research notes")
	require.NoError(t, err)
	assert.Equal(t, "u1", chat.ParentID)
	assert.Equal(t, StatusEmpty, chat.Status)

	snap := s.Chats.Snapshot()
	assert.Equal(t, []string{chat.ID, "chat-2", "chat-1"}, ids(snap.Entries))
	empty, ok := s.EmptyChat()
	require.True(t, ok)
	assert.Equal(t, chat.ID, empty.ID)
	assert.Equal(t, "Research notes", empty.Field("title"))
}
