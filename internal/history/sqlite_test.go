package history

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestCreateAndGetConversation(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx)
	require.NoError(t, err)
	assert.NotZero(t, conv.ID)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, 0, got.MessageCount)

	_, err = store.GetConversation(ctx, 9999)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestGetLatestConversation(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	latest, err := store.GetLatestConversation(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest, "should return nil when no conversations exist")

	first, err := store.CreateConversation(ctx)
	require.NoError(t, err)
	second, err := store.CreateConversation(ctx)
	require.NoError(t, err)

	latest, err = store.GetLatestConversation(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)

	// Appending to the older conversation makes it the latest again
	require.NoError(t, store.AppendMessage(ctx, first.ID, &Message{Role: "user", Content: "back again"}))
	latest, err = store.GetLatestConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
}

func TestAppendAndGetMessages(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx)
	require.NoError(t, err)

	msgs := []*Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi! How can I help you?", ReasoningContent: "greeting"},
		{Role: "user", Content: "Tell me about Rust"},
	}
	for _, msg := range msgs {
		require.NoError(t, store.AppendMessage(ctx, conv.ID, msg))
		assert.NotZero(t, msg.ID)
		assert.Equal(t, conv.ID, msg.ConversationID)
	}

	retrieved, err := store.GetMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, retrieved, 3)
	assert.Equal(t, "Hello", retrieved[0].Content)
	assert.Equal(t, "greeting", retrieved[1].ReasoningContent)
	assert.Equal(t, "Tell me about Rust", retrieved[2].Content)

	limited, err := store.GetMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "Hi! How can I help you?", limited[0].Content, "limit keeps the most recent messages")

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Title, "first user message becomes the title")
	assert.Equal(t, 3, got.MessageCount)
}

func TestAppendMessage_StructuredColumns(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx)
	require.NoError(t, err)

	toolCalls := `[{"id":"call_1","tool_name":"web_search","phase":"complete"}]`
	msg := &Message{
		Role:      "assistant",
		Content:   "done",
		ToolCalls: toolCalls,
		Links:     `[{"url":"https://go.dev"}]`,
		Error:     "stream reset",
	}
	require.NoError(t, store.AppendMessage(ctx, conv.ID, msg))

	retrieved, err := store.GetMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, retrieved, 1)
	assert.Equal(t, toolCalls, retrieved[0].ToolCalls)
	assert.Equal(t, `[{"url":"https://go.dev"}]`, retrieved[0].Links)
	assert.Equal(t, "stream reset", retrieved[0].Error)
}

func TestTitleIsTruncated(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, conv.ID, &Message{Role: "user", Content: strings.Repeat("é", 100)}))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", maxTitleRunes)+"...", got.Title)
}

func TestDeleteMessage(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx)
	require.NoError(t, err)

	msg := &Message{Role: "user", Content: "test"}
	require.NoError(t, store.AppendMessage(ctx, conv.ID, msg))

	require.NoError(t, store.DeleteMessage(ctx, msg.ID))
	require.NoError(t, store.DeleteMessage(ctx, msg.ID), "deleting twice is a no-op")

	msgs, err := store.GetMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestClearConversation(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx)
	require.NoError(t, err)
	other, err := store.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, store.AppendMessage(ctx, conv.ID, &Message{Role: "user", Content: "test"}))
	require.NoError(t, store.AppendMessage(ctx, conv.ID, &Message{Role: "assistant", Content: "reply"}))
	require.NoError(t, store.AppendMessage(ctx, other.ID, &Message{Role: "user", Content: "keep me"}))

	require.NoError(t, store.ClearConversation(ctx, conv.ID))

	msgs, err := store.GetMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = store.GetMessages(ctx, other.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestListConversations(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.CreateConversation(ctx)
		require.NoError(t, err)
	}

	convs, err := store.ListConversations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Greater(t, convs[0].ID, convs[1].ID)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	conv, err := store.CreateConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, conv.ID, &Message{Role: "user", Content: "persist me"}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.GetMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persist me", msgs[0].Content)
}
