package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.CreateSession(ctx, Session{Title: "support chat", DocumentIDs: []string{"doc-1"}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := store.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	list, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteSession(ctx, created.ID))
	_, err = store.GetSession(ctx, created.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, store.DeleteSession(ctx, created.ID), ErrSessionNotFound)
}

func TestMemoryStore_AppendMessage_UnknownSession(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.AppendMessage(context.Background(), Message{SessionID: "missing", Role: RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStore_RecentMessages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sess, err := store.CreateSession(ctx, Session{})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := store.AppendMessage(ctx, Message{
			SessionID: sess.ID,
			Role:      RoleUser,
			Content:   fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	recent, err := store.RecentMessages(ctx, sess.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// Oldest first within the window.
	assert.Equal(t, "message 2", recent[0].Content)
	assert.Equal(t, "message 4", recent[2].Content)

	// Excluding the newest message shifts the window back.
	recent, err = store.RecentMessages(ctx, sess.ID, 3, ids[4])
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "message 3", recent[2].Content)
}
