package chatsync

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ErrMalformedFragment is reported by a stream that received a chunk it
// could not decode. The stream is closed when this happens.
var ErrMalformedFragment = errors.New("malformed stream fragment")

// ============================================================================
// Merger
// ============================================================================

// Merger applies streaming fragments to entries of one list. It knows
// nothing about pagination; entries are addressed by id only.
type Merger struct {
	cache *Cache

	mu      sync.Mutex
	lastSeq map[string]int
}

// NewMerger creates a merge engine writing into cache.
func NewMerger(cache *Cache) *Merger {
	return &Merger{cache: cache, lastSeq: make(map[string]int)}
}

// Apply appends f.Text to the addressed entry. Fragments for entries that
// are absent or no longer streaming are dropped, as are fragments whose
// sequence number was already applied. Apply reports whether the content
// changed.
func (m *Merger) Apply(f Fragment) bool {
	reason := ""
	applied := m.cache.Update(f.EntryID, func(e Entry) (Entry, bool) {
		if e.Status != StatusStreaming {
			reason = "not_streaming"
			return e, false
		}
		if f.Seq != nil {
			m.mu.Lock()
			last, seen := m.lastSeq[f.EntryID]
			if seen && *f.Seq <= last {
				m.mu.Unlock()
				reason = "duplicate"
				return e, false
			}
			m.lastSeq[f.EntryID] = *f.Seq
			m.mu.Unlock()
		}
		e.Content += f.Text
		return e, true
	})
	if applied {
		fragmentsApplied.WithLabelValues(m.cache.coll.Name).Inc()
		return true
	}
	if reason == "" {
		reason = "absent"
	}
	if reason != "duplicate" {
		m.Forget(f.EntryID)
	}
	fragmentsDropped.WithLabelValues(m.cache.coll.Name, reason).Inc()
	log.WithFields(log.Fields{"id": f.EntryID, "reason": reason}).Debug("fragment dropped")
	return false
}

// Forget discards sequence bookkeeping for an entry.
func (m *Merger) Forget(entryID string) {
	m.mu.Lock()
	delete(m.lastSeq, entryID)
	m.mu.Unlock()
}

// Drain applies every fragment of s in arrival order until the stream ends
// and returns the stream's terminal error, if any.
func (m *Merger) Drain(s *Stream) error {
	touched := make(map[string]struct{})
	for f := range s.Fragments() {
		m.Apply(f)
		touched[f.EntryID] = struct{}{}
	}
	for id := range touched {
		m.Forget(id)
	}
	return s.Err()
}

// ============================================================================
// Stream
// ============================================================================

// Stream is one generation stream. Fragments are delivered in transport
// order on Fragments; the channel is closed when the stream ends for any
// reason.
type Stream struct {
	fragments chan Fragment
	body      io.Closer
	cancel    context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	finished  bool
}

func newStream(body io.Closer, cancel context.CancelFunc) *Stream {
	return &Stream{
		fragments: make(chan Fragment, 64),
		body:      body,
		cancel:    cancel,
	}
}

// Fragments returns the fragment channel.
func (s *Stream) Fragments() <-chan Fragment {
	return s.fragments
}

// Err returns why the stream ended: nil after a done signal or Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the stream. It is safe to call any number of times,
// including after the stream completed on its own.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		if s.body != nil {
			_ = s.body.Close()
		}
	})
	return nil
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil && !s.finished {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Stream) closedByCaller() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// run reads SSE events until done, error, EOF or Close. It owns the
// fragment channel.
func (s *Stream) run(ctx context.Context, r io.Reader) {
	defer close(s.fragments)
	defer s.Close()

	events := newSSEReader(r)
	for {
		ev, err := events.Next()
		if err != nil {
			if !s.closedByCaller() {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				s.fail(errors.Wrap(err, "stream ended before done"))
			}
			return
		}

		switch ev.Event {
		case "chunk":
			f, err := parseFragment(ev.Data)
			if err != nil {
				log.WithError(err).WithField("data", ev.Data).Warn("dropping malformed fragment, closing stream")
				s.fail(err)
				return
			}
			if f.EntryID == "" {
				// The reply record could not be saved; there is nothing to merge into.
				log.WithField("data", ev.Data).Debug("dropping fragment without a message id")
				continue
			}
			select {
			case s.fragments <- f:
			case <-ctx.Done():
				return
			}
		case "error":
			msg := gjson.Get(ev.Data, "message").String()
			if msg == "" {
				msg = ev.Data
			}
			s.fail(errors.Errorf("stream error: %s", msg))
			return
		case "done":
			return
		}
	}
}

// parseFragment decodes a chunk payload: {"text": "...", "msgId": "...", "i": 3}.
// An empty msgId decodes to a fragment with no EntryID.
func parseFragment(data string) (Fragment, error) {
	if !gjson.Valid(data) {
		return Fragment{}, ErrMalformedFragment
	}
	res := gjson.Parse(data)
	id := res.Get("msgId")
	text := res.Get("text")
	if id.Type != gjson.String || (text.Exists() && text.Type != gjson.String) {
		return Fragment{}, errors.Wrapf(ErrMalformedFragment, "payload %q", data)
	}
	f := Fragment{EntryID: id.String(), Text: text.String()}
	if i := res.Get("i"); i.Type == gjson.Number {
		seq := int(i.Int())
		f.Seq = &seq
	}
	return f, nil
}
