package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/recordsync/records"
)

func TestNotifications_Feed(t *testing.T) {
	feed := NewNotifications(2)
	changes := 0
	feed.OnChange(func() { changes++ })

	first := feed.Add(records.Notification{Message: "company added"})
	second := feed.Add(records.Notification{Message: "employee deleted", Level: "warning"})
	third := feed.Add(records.Notification{Message: "department updated"})

	list := feed.List()
	require.Len(t, list, 2, "oldest entry is evicted")
	assert.Equal(t, third.ID, list[0].ID, "newest first")
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, "info", third.Level)
	assert.Equal(t, "warning", second.Level)
	assert.Equal(t, 2, feed.UnreadCount())

	assert.False(t, feed.MarkRead(first.ID))
	assert.True(t, feed.MarkRead(second.ID))
	assert.Equal(t, 1, feed.UnreadCount())

	feed.MarkAllRead()
	assert.Zero(t, feed.UnreadCount())

	assert.True(t, feed.Remove(third.ID))
	assert.False(t, feed.Remove(third.ID))
	assert.Len(t, feed.List(), 1)
	assert.Equal(t, 6, changes)
}
