package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by MemoryStore for unknown record ids.
var ErrNotFound = errors.New("record not found")

const defaultPerPage = 30

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Backend. Every write is
// reported to matching subscribers synchronously, in write order, before
// the write returns. Subscriber callbacks must not write to the store.
type MemoryStore struct {
	// emitMu serializes writes with their notifications.
	emitMu sync.Mutex

	mu      sync.RWMutex
	records map[string]map[string]*memRecord
	subs    map[*memSubscription]struct{}
	seq     int64
	now     func() time.Time
}

type memRecord struct {
	raw     map[string]any
	created time.Time
	seq     int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]*memRecord),
		subs:    make(map[*memSubscription]struct{}),
		now:     time.Now,
	}
}

// ── Writes ───────────────────────────────────────────────

// Put stores records verbatim without notifying subscribers. Records with
// an empty id get a generated one; a zero CreatedAt means now.
func (s *MemoryStore) Put(c Collection, entries ...Entry) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			e.ID = newRecordID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = e.CreatedAt
		}
		s.putLocked(c, e.ID, encodeRecord(c, e), e.CreatedAt)
		out = append(out, decodeRecord(c, s.records[c.Name][e.ID].raw))
	}
	return out
}

// CreateEntry stores d as a new record and notifies subscribers.
func (s *MemoryStore) CreateEntry(ctx context.Context, c Collection, d Draft) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	now := s.now()
	raw := d.body(c)
	id := newRecordID()
	raw["id"] = id
	raw["created"] = formatTime(now)
	raw["updated"] = formatTime(now)
	s.putLocked(c, id, raw, now)
	e := decodeRecord(c, raw)
	subs := s.matchingLocked(c, e.ParentID)
	s.mu.Unlock()

	notify(subs, RecordEvent{Action: ActionCreate, Record: e})
	return &e, nil
}

// UpdateEntry merges fields into the record id and notifies subscribers.
func (s *MemoryStore) UpdateEntry(ctx context.Context, c Collection, id string, fields map[string]any) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	rec, ok := s.records[c.Name][id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "%s %s", c.Name, id)
	}
	for k, v := range fields {
		switch k {
		case "id", "created":
			continue
		}
		rec.raw[k] = v
	}
	rec.raw["updated"] = formatTime(s.now())
	e := decodeRecord(c, rec.raw)
	subs := s.matchingLocked(c, e.ParentID)
	s.mu.Unlock()

	notify(subs, RecordEvent{Action: ActionUpdate, Record: e})
	return &e, nil
}

// AppendContent appends text to the record's content, the way a generation
// backend grows a reply, and notifies subscribers.
func (s *MemoryStore) AppendContent(ctx context.Context, c Collection, id, text string) (*Entry, error) {
	s.mu.RLock()
	rec, ok := s.records[c.Name][id]
	var content string
	if ok {
		content = strOr(rec.raw, "content", "")
	}
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s %s", c.Name, id)
	}
	return s.UpdateEntry(ctx, c, id, map[string]any{"content": content + text})
}

// DeleteEntry removes the record id and notifies subscribers.
func (s *MemoryStore) DeleteEntry(ctx context.Context, c Collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	rec, ok := s.records[c.Name][id]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%s %s", c.Name, id)
	}
	delete(s.records[c.Name], id)
	e := decodeRecord(c, rec.raw)
	subs := s.matchingLocked(c, e.ParentID)
	s.mu.Unlock()

	notify(subs, RecordEvent{Action: ActionDelete, Record: e})
	return nil
}

func (s *MemoryStore) putLocked(c Collection, id string, raw map[string]any, created time.Time) {
	if s.records[c.Name] == nil {
		s.records[c.Name] = make(map[string]*memRecord)
	}
	s.seq++
	s.records[c.Name][id] = &memRecord{raw: raw, created: created, seq: s.seq}
}

// ── Reads ────────────────────────────────────────────────

// Get returns the record id of c.
func (s *MemoryStore) Get(c Collection, id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[c.Name][id]
	if !ok {
		return Entry{}, false
	}
	return decodeRecord(c, rec.raw), true
}

// ListPage returns one page of q.OwnerKey's records, newest first.
func (s *MemoryStore) ListPage(ctx context.Context, q ListQuery) (*ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	perPage := q.PageSize
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	page := q.Page
	if page < 1 {
		page = 1
	}

	s.mu.RLock()
	var matched []*memRecord
	for _, rec := range s.records[q.Collection.Name] {
		if strOr(rec.raw, q.Collection.OwnerField, "") == q.OwnerKey {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].created.Equal(matched[j].created) {
			return matched[i].created.After(matched[j].created)
		}
		return matched[i].seq > matched[j].seq
	})

	res := &ListResult{
		Page:       page,
		PerPage:    perPage,
		TotalItems: len(matched),
		TotalPages: (len(matched) + perPage - 1) / perPage,
		Items:      []Entry{},
	}
	start := (page - 1) * perPage
	for i := start; i < len(matched) && i < start+perPage; i++ {
		res.Items = append(res.Items, decodeRecord(q.Collection, matched[i].raw))
	}
	s.mu.RUnlock()
	return res, nil
}

// ── Subscriptions ────────────────────────────────────────

type memSubscription struct {
	store   *MemoryStore
	query   SubscribeQuery
	onEvent func(RecordEvent)
	once    sync.Once
}

func (m *memSubscription) Unsubscribe() error {
	m.once.Do(func() {
		m.store.mu.Lock()
		delete(m.store.subs, m)
		m.store.mu.Unlock()
	})
	return nil
}

// Subscribe delivers every write to q.OwnerKey's records of q.Collection.
func (s *MemoryStore) Subscribe(ctx context.Context, q SubscribeQuery, onEvent func(RecordEvent)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memSubscription{store: s, query: q, onEvent: onEvent}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

// Subscribers returns the number of live subscriptions.
func (s *MemoryStore) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *MemoryStore) matchingLocked(c Collection, owner string) []*memSubscription {
	var out []*memSubscription
	for sub := range s.subs {
		if sub.query.Collection.Name == c.Name && sub.query.OwnerKey == owner {
			out = append(out, sub)
		}
	}
	return out
}

func notify(subs []*memSubscription, ev RecordEvent) {
	for _, sub := range subs {
		sub.onEvent(ev.withClonedRecord())
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (ev RecordEvent) withClonedRecord() RecordEvent {
	ev.Record = ev.Record.Clone()
	return ev
}

func newRecordID() string {
	return uuid.NewString()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayouts[0])
}

// encodeRecord is the inverse of decodeRecord.
func encodeRecord(c Collection, e Entry) map[string]any {
	raw := make(map[string]any, len(e.Fields)+6)
	for k, v := range e.Fields {
		raw[k] = v
	}
	raw["id"] = e.ID
	raw[c.OwnerField] = e.ParentID
	raw["content"] = e.Content
	raw["status"] = string(e.Status)
	raw["created"] = formatTime(e.CreatedAt)
	raw["updated"] = formatTime(e.UpdatedAt)
	return raw
}
