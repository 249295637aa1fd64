package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-2xx response from the backing store.
type APIError struct {
	Status  int            `json:"status"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// ============================================================================
// Store Types
// ============================================================================

// ListQuery selects one page of one owner's list, newest first.
type ListQuery struct {
	Collection Collection
	OwnerKey   string
	Page       int
	PageSize   int
}

// ListResult is one page as returned by the store. Items are ordered
// newest first regardless of the collection's display order.
type ListResult struct {
	Page       int     `json:"page"`
	PerPage    int     `json:"perPage"`
	TotalItems int     `json:"totalItems"`
	TotalPages int     `json:"totalPages"`
	Items      []Entry `json:"items"`
}

// Draft is a user-initiated write before the store has acknowledged it.
type Draft struct {
	ParentID string
	Content  string
	Fields   map[string]any
}

// body renders the draft as a record body for c.
func (d Draft) body(c Collection) map[string]any {
	b := make(map[string]any, len(d.Fields)+2)
	for k, v := range d.Fields {
		b[k] = v
	}
	if d.ParentID != "" {
		b[c.OwnerField] = d.ParentID
	}
	if d.Content != "" {
		b["content"] = d.Content
	}
	return b
}

// ============================================================================
// Realtime Types
// ============================================================================

// Action is the kind of server-side mutation a RecordEvent reports.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// RecordEvent is one realtime notification, already scoped to a list.
type RecordEvent struct {
	Action Action
	Record Entry
}

// SubscribeQuery scopes a realtime subscription to one owner's list.
type SubscribeQuery struct {
	Collection Collection
	OwnerKey   string
}

// ============================================================================
// Streaming Types
// ============================================================================

// Fragment is an incremental text delta addressed to one streaming entry.
type Fragment struct {
	EntryID string
	Text    string
	// Seq is the optional per-stream sequence number.
	Seq *int
}

// StreamRequest opens a generation stream for one chat.
type StreamRequest struct {
	ChatID    string
	Query     string
	SourceIDs []string
}

// ============================================================================
// Record decoding
// ============================================================================

var timeLayouts = []string{
	"2006-01-02 15:04:05.000Z",
	"2006-01-02 15:04:05Z",
	time.RFC3339Nano,
	time.RFC3339,
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// decodeRecord maps a raw store record onto an Entry. Keys the engine does
// not understand are kept in Fields.
func decodeRecord(c Collection, raw map[string]any) Entry {
	e := Entry{
		ID:        strOr(raw, "id", ""),
		ParentID:  strOr(raw, c.OwnerField, ""),
		Content:   strOr(raw, "content", ""),
		Status:    Status(strOr(raw, "status", "")),
		CreatedAt: parseTime(strOr(raw, "created", "")),
		UpdatedAt: parseTime(strOr(raw, "updated", "")),
	}
	for k, v := range raw {
		switch k {
		case "id", c.OwnerField, "content", "status", "created", "updated", "collectionId", "collectionName":
			continue
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields[k] = v
	}
	return e
}

func decodeRecordJSON(c Collection, data []byte) (Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Entry{}, err
	}
	return decodeRecord(c, raw), nil
}

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
