package chatsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNoStreamer is returned by SendMessage on a session without a streaming
// transport.
var ErrNoStreamer = errors.New("session has no streaming transport")

// ErrSessionClosed is returned by writes issued after Close.
var ErrSessionClosed = errors.New("session closed")

// SendOptions carries the extra parameters of a streamed send.
type SendOptions struct {
	// SourceIDs restricts retrieval to these sources.
	SourceIDs []string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithStreamer enables SendMessage through st.
func WithStreamer(st Streamer) SessionOption {
	return func(s *Session) { s.streamer = st }
}

// Session is the per-sign-in view of one user's chats and the currently
// open conversation. Construct one when a user signs in and Close it on
// sign-out; nothing is shared between sessions.
type Session struct {
	backend  Backend
	streamer Streamer
	userID   string

	Chats    *List
	Messages *List

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[*Stream]struct{}
	closed  bool
}

// NewSession creates a session for userID over backend.
func NewSession(backend Backend, userID string, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		backend:  backend,
		userID:   userID,
		Chats:    NewList(Chats, backend, backend),
		Messages: NewList(Messages, backend, backend),
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[*Stream]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UserID returns the owner of the chat list.
func (s *Session) UserID() string { return s.userID }

// LoadChats loads the first page of the user's chats and subscribes to
// their changes.
func (s *Session) LoadChats(ctx context.Context) error {
	return s.Chats.Load(ctx, s.userID)
}

// OpenChat makes chatID the open conversation, replacing the previous one.
func (s *Session) OpenChat(ctx context.Context, chatID string) error {
	return s.Messages.Load(ctx, chatID)
}

// EmptyChat returns a chat that has no messages yet, if the loaded page
// holds one. Callers reuse it instead of creating another.
func (s *Session) EmptyChat() (Entry, bool) {
	return s.Chats.cache.Find(func(e Entry) bool { return e.Status == StatusEmpty })
}

// AddOptimisticMessage shows d in the open conversation before the store
// has it and returns the placeholder's temporary id.
func (s *Session) AddOptimisticMessage(d Draft) (string, error) {
	if d.ParentID == "" {
		d.ParentID = s.Messages.Owner()
	}
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	if _, ok := d.Fields["role"]; !ok {
		d.Fields["role"] = "user"
	}
	return s.Messages.optimistic.Add(d)
}

// SendMessage inserts a placeholder for d and returns its temporary id
// right away. The generation stream is opened in the background; its
// fragments are merged into the reply as they arrive and the stream is
// closed on done or error. Realtime notifications promote the placeholder
// and finalize the reply.
func (s *Session) SendMessage(ctx context.Context, d Draft, opts SendOptions) (string, error) {
	if s.streamer == nil {
		return "", ErrNoStreamer
	}
	if err := s.Messages.optimistic.Validate(d); err != nil {
		return "", err
	}
	if s.isClosed() {
		return "", ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tempID, err := s.AddOptimisticMessage(d)
	if err != nil {
		return "", err
	}

	req := StreamRequest{ChatID: s.Messages.Owner(), Query: d.Content, SourceIDs: opts.SourceIDs}
	if d.ParentID != "" {
		req.ChatID = d.ParentID
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStream(req, tempID)
	}()
	return tempID, nil
}

func (s *Session) runStream(req StreamRequest, tempID string) {
	logger := log.WithFields(log.Fields{"chat": req.ChatID, "placeholder": tempID})

	stream, err := s.streamer.OpenStream(s.ctx, req)
	if err != nil {
		logger.WithError(err).Error("failed to open stream")
		s.Messages.optimistic.Rollback(tempID)
		return
	}
	if !s.track(stream) {
		_ = stream.Close()
		return
	}
	defer s.untrack(stream)
	defer stream.Close()

	if err := s.Messages.merger.Drain(stream); err != nil {
		logger.WithError(err).Warn("stream closed early")
		return
	}
	logger.Debug("stream done")
}

// Send is the non-streaming path: the placeholder is replaced by the record
// the store returns, or removed if the store rejects it.
func (s *Session) Send(ctx context.Context, d Draft) (*Entry, error) {
	return s.create(ctx, s.Messages, d)
}

// CreateChat creates a chat owned by the session user.
func (s *Session) CreateChat(ctx context.Context, title string) (*Entry, error) {
	d := Draft{ParentID: s.userID, Fields: map[string]any{"title": title, "status": string(StatusEmpty)}}
	return s.create(ctx, s.Chats, d)
}

func (s *Session) create(ctx context.Context, l *List, d Draft) (*Entry, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if d.ParentID == "" {
		d.ParentID = l.Owner()
	}
	if l == s.Messages {
		if d.Fields == nil {
			d.Fields = map[string]any{}
		}
		if _, ok := d.Fields["role"]; !ok {
			d.Fields["role"] = "user"
		}
	}
	tempID, err := l.optimistic.Add(d)
	if err != nil {
		return nil, err
	}
	e, err := s.backend.CreateEntry(ctx, l.cache.coll, d)
	if err != nil {
		l.optimistic.Rollback(tempID)
		return nil, errors.Wrapf(err, "create %s", l.cache.coll.Name)
	}
	// Realtime events for the record may have landed before this response
	// and are at least as new, so a cached copy wins.
	l.cache.Promote(*e, keepExisting)
	return e, nil
}

func keepExisting(existing, _ Entry) Entry { return existing }

// Close aborts open streams, drops subscriptions and empties both lists.
// It waits for background stream goroutines to exit.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	s.cancel()
	for _, st := range streams {
		_ = st.Close()
	}
	s.wg.Wait()
	s.Messages.Clear()
	s.Chats.Clear()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) track(st *Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.streams[st] = struct{}{}
	return true
}

func (s *Session) untrack(st *Stream) {
	s.mu.Lock()
	delete(s.streams, st)
	s.mu.Unlock()
}
