package chatsync

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrEmptyContent rejects a send without content. No placeholder is
// created when it is returned.
var ErrEmptyContent = errors.New("content is required")

// Optimistic synthesizes placeholder entries for writes the store has not
// acknowledged yet. The list allows one placeholder at a time; the
// reconciler evicts it when the authoritative record arrives.
type Optimistic struct {
	cache *Cache
	now   func() time.Time
}

// NewOptimistic creates a manager writing into cache.
func NewOptimistic(cache *Cache) *Optimistic {
	return &Optimistic{cache: cache, now: time.Now}
}

// Validate checks d before anything touches the cache.
func (o *Optimistic) Validate(d Draft) error {
	if o.cache.coll.RequireContent && strings.TrimSpace(d.Content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// Add inserts a placeholder for d where a new entry belongs and returns
// its temporary id.
func (o *Optimistic) Add(d Draft) (string, error) {
	if err := o.Validate(d); err != nil {
		return "", err
	}
	e := Entry{
		ID:          NewTempID(),
		ParentID:    d.ParentID,
		Content:     d.Content,
		Status:      StatusOptimistic,
		Provisional: true,
		CreatedAt:   o.now(),
	}
	if len(d.Fields) > 0 {
		e.Fields = make(map[string]any, len(d.Fields))
		for k, v := range d.Fields {
			e.Fields[k] = v
		}
	}
	o.cache.Insert(e, Newest)
	log.WithField("collection", o.cache.coll.Name).WithField("id", e.ID).Debug("optimistic entry added")
	return e.ID, nil
}

// Rollback removes a placeholder whose write failed. It is a no-op when
// the placeholder was already promoted.
func (o *Optimistic) Rollback(tempID string) bool {
	e, ok := o.cache.Get(tempID)
	if !ok || !e.Provisional {
		return false
	}
	return o.cache.Remove(tempID)
}

// Pending returns the ids of placeholders awaiting promotion.
func (o *Optimistic) Pending() []string {
	return o.cache.Provisional()
}

// keepStreamed resolves an authoritative record landing on an entry that
// is already present. The incoming record wins, except that a record still
// streaming never shortens content accumulated from fragments.
func keepStreamed(existing, incoming Entry) Entry {
	if incoming.Status != StatusStreaming || existing.Status != StatusStreaming {
		return incoming
	}
	if len(existing.Content) > len(incoming.Content) && strings.HasPrefix(existing.Content, incoming.Content) {
		incoming.Content = existing.Content
	}
	return incoming
}
