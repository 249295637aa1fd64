package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/chatsync"
)

var _ chatsync.Backend = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chatsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Ping(ctx))

	var events []chatsync.RecordEvent
	sub, err := s.Subscribe(ctx, chatsync.SubscribeQuery{Collection: chatsync.Messages, OwnerKey: "c1"}, func(ev chatsync.RecordEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	e, err := s.CreateEntry(ctx, chatsync.Messages, chatsync.Draft{
		ParentID: "c1",
		Content:  "hi",
		Fields:   map[string]any{"role": "user", "status": "final"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", e.ParentID)
	assert.Equal(t, chatsync.StatusFinal, e.Status)
	assert.Equal(t, "user", e.Field("role"))
	assert.NotContains(t, e.Fields, "status")

	_, err = s.CreateEntry(ctx, chatsync.Messages, chatsync.Draft{ParentID: "c2", Content: "elsewhere"})
	require.NoError(t, err)

	updated, err := s.UpdateEntry(ctx, chatsync.Messages, e.ID, map[string]any{"content": "hi!", "meta": "edited", "id": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, e.ID, updated.ID)
	assert.Equal(t, "hi!", updated.Content)
	assert.Equal(t, "edited", updated.Field("meta"))
	assert.Equal(t, "user", updated.Field("role"))

	require.NoError(t, s.DeleteEntry(ctx, chatsync.Messages, e.ID))

	require.Len(t, events, 3)
	assert.Equal(t, chatsync.ActionCreate, events[0].Action)
	assert.Equal(t, chatsync.ActionUpdate, events[1].Action)
	assert.Equal(t, "hi!", events[1].Record.Content)
	assert.Equal(t, chatsync.ActionDelete, events[2].Action)
	assert.Equal(t, e.ID, events[2].Record.ID)

	_, err = s.UpdateEntry(ctx, chatsync.Messages, e.ID, map[string]any{"content": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteEntry(ctx, chatsync.Messages, e.ID), ErrNotFound)
}

func TestStoreListPage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var created []string
	for i := 0; i < 5; i++ {
		e, err := s.CreateEntry(ctx, chatsync.Chats, chatsync.Draft{ParentID: "u1", Fields: map[string]any{"title": "chat"}})
		require.NoError(t, err)
		created = append(created, e.ID)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := s.CreateEntry(ctx, chatsync.Chats, chatsync.Draft{ParentID: "u2"})
	require.NoError(t, err)

	res, err := s.ListPage(ctx, chatsync.ListQuery{Collection: chatsync.Chats, OwnerKey: "u1", Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalItems)
	assert.Equal(t, 3, res.TotalPages)
	require.Len(t, res.Items, 2)
	assert.Equal(t, created[4], res.Items[0].ID)
	assert.Equal(t, created[3], res.Items[1].ID)

	res, err = s.ListPage(ctx, chatsync.ListQuery{Collection: chatsync.Chats, OwnerKey: "u1", Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, created[0], res.Items[0].ID)

	res, err = s.ListPage(ctx, chatsync.ListQuery{Collection: chatsync.Messages, OwnerKey: "u1"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, defaultPerPage, res.PerPage)
}

func TestStoreSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := chatsync.NewSession(s, "local")
	defer sess.Close()

	require.NoError(t, sess.LoadChats(ctx))
	chat, err := sess.CreateChat(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, []string{chat.ID}, entryIDs(sess.Chats.Snapshot().Entries))

	require.NoError(t, sess.OpenChat(ctx, chat.ID))
	msg, err := sess.Send(ctx, chatsync.Draft{Content: "remember the milk"})
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, entryIDs(sess.Messages.Snapshot().Entries))

	require.NoError(t, s.DeleteEntry(ctx, chatsync.Messages, msg.ID))
	assert.Empty(t, sess.Messages.Snapshot().Entries)
}

func entryIDs(entries []chatsync.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
