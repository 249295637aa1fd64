package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreListPage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put(Messages, numbered("msg", "c1", 5, 1)...)
	s.Put(Messages, numbered("other", "c2", 2, 1)...)

	res, err := s.ListPage(ctx, ListQuery{Collection: Messages, OwnerKey: "c1", Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-5", "msg-4"}, ids(res.Items))
	assert.Equal(t, 3, res.TotalPages)
	assert.Equal(t, 5, res.TotalItems)

	res, err = s.ListPage(ctx, ListQuery{Collection: Messages, OwnerKey: "c1", Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-1"}, ids(res.Items))

	res, err = s.ListPage(ctx, ListQuery{Collection: Messages, OwnerKey: "c1", Page: 4, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	res, err = s.ListPage(ctx, ListQuery{Collection: Messages, OwnerKey: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalPages)
	assert.Equal(t, defaultPerPage, res.PerPage)
}

func TestMemoryStoreWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	fixed := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	var events []RecordEvent
	sub, err := s.Subscribe(ctx, SubscribeQuery{Collection: Messages, OwnerKey: "c1"}, func(ev RecordEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	e, err := s.CreateEntry(ctx, Messages, Draft{ParentID: "c1", Content: "hi", Fields: map[string]any{"role": "user"}})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "c1", e.ParentID)
	assert.Equal(t, "user", e.Field("role"))
	assert.True(t, fixed.Equal(e.CreatedAt))

	// Subscribers get their own copy of the record.
	require.Len(t, events, 1)
	events[0].Record.Fields["role"] = "mutated"
	got, ok := s.Get(Messages, e.ID)
	require.True(t, ok)
	assert.Equal(t, "user", got.Field("role"))

	_, err = s.AppendContent(ctx, Messages, e.ID, " there")
	require.NoError(t, err)
	got, _ = s.Get(Messages, e.ID)
	assert.Equal(t, "hi there", got.Content)

	_, err = s.UpdateEntry(ctx, Messages, e.ID, map[string]any{"status": "final", "id": "hijack"})
	require.NoError(t, err)
	got, _ = s.Get(Messages, e.ID)
	assert.Equal(t, StatusFinal, got.Status)
	assert.Equal(t, e.ID, got.ID)

	require.NoError(t, s.DeleteEntry(ctx, Messages, e.ID))
	_, ok = s.Get(Messages, e.ID)
	assert.False(t, ok)

	require.Len(t, events, 4)
	assert.Equal(t, []Action{ActionCreate, ActionUpdate, ActionUpdate, ActionDelete},
		[]Action{events[0].Action, events[1].Action, events[2].Action, events[3].Action})

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	_, err = s.CreateEntry(ctx, Messages, Draft{ParentID: "c1", Content: "quiet"})
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestMemoryStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.UpdateEntry(ctx, Messages, "missing", map[string]any{"content": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.AppendContent(ctx, Messages, "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteEntry(ctx, Messages, "missing"), ErrNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.CreateEntry(cancelled, Messages, Draft{ParentID: "c1", Content: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.ListPage(cancelled, ListQuery{Collection: Messages, OwnerKey: "c1"})
	assert.ErrorIs(t, err, context.Canceled)
}
