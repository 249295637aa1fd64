package chatsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Entry
// ============================================================================

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusOptimistic Status = "optimistic"
	StatusStreaming  Status = "streaming"
	StatusComplete   Status = "complete"

	// Terminal states written by the backend.
	StatusFinal Status = "final"
	StatusEmpty Status = "empty"
	StatusGoing Status = "going"
)

// Terminal reports whether no further content growth is expected for s.
// Anything other than optimistic and streaming is terminal, including
// states this package does not know about.
func (s Status) Terminal() bool {
	return s != StatusOptimistic && s != StatusStreaming
}

// TempIDPrefix marks identifiers synthesized on the client.
const TempIDPrefix = "temp-"

// NewTempID returns a fresh client-side identifier.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Entry is a chat or a message held in an ordered list.
type Entry struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	Content  string `json:"content,omitempty"`
	Status   Status `json:"status,omitempty"`

	// Provisional is set on placeholders awaiting their authoritative record.
	Provisional bool `json:"provisional,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`

	// Fields carries collection-specific payload (role, meta, title...).
	// The engine never interprets it.
	Fields map[string]any `json:"fields,omitempty"`
}

// Clone returns a copy that shares nothing mutable with e.
func (e Entry) Clone() Entry {
	if e.Fields != nil {
		f := make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			f[k] = v
		}
		e.Fields = f
	}
	return e
}

// Field returns the string value of a payload field, or "".
func (e Entry) Field(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// ============================================================================
// Ordering
// ============================================================================

// Order is the canonical ordering of one list.
type Order int

const (
	// NewestFirst keeps the most recent entry at the head. Pages are
	// appended at the tail. Used for the chat list.
	NewestFirst Order = iota
	// Chronological keeps the most recent entry at the tail. Pages walk
	// backwards in time and are prepended. Used for an open conversation.
	Chronological
)

func (o Order) String() string {
	if o == Chronological {
		return "chronological"
	}
	return "newest-first"
}

// Position selects where Insert places an entry.
type Position int

const (
	// Newest is wherever a freshly created entry belongs under the list order.
	Newest Position = iota
	Head
	Tail
)

// resolve maps Newest onto Head or Tail.
func (o Order) resolve(p Position) Position {
	if p != Newest {
		return p
	}
	if o == Chronological {
		return Tail
	}
	return Head
}

// ============================================================================
// Collections
// ============================================================================

// Collection describes one list type and how it is scoped and paged.
type Collection struct {
	Name string
	// OwnerField is the record field the list is filtered by.
	OwnerField string
	Order      Order
	PageSize   int
	// RequireContent rejects drafts without content.
	RequireContent bool
}

var (
	Chats = Collection{
		Name:       "chats",
		OwnerField: "user",
		Order:      NewestFirst,
		PageSize:   20,
	}
	Messages = Collection{
		Name:           "messages",
		OwnerField:     "chat",
		Order:          Chronological,
		PageSize:       50,
		RequireContent: true,
	}
)
