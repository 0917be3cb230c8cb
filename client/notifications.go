package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/recordsync/records"
)

// DefaultNotificationLimit caps how many notifications are kept.
const DefaultNotificationLimit = 50

// Notification is one toast-style entry of the notification feed.
type Notification struct {
	ID        string
	Message   string
	Level     string
	Resource  records.ResourceType
	Read      bool
	CreatedAt time.Time
}

// Notifications is the newest-first feed fed by room-channel notification
// envelopes. It is display-only and never touches a store.
type Notifications struct {
	mu       sync.RWMutex
	items    []Notification
	limit    int
	onChange []func()
}

// NewNotifications creates a feed keeping at most limit entries.
func NewNotifications(limit int) *Notifications {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	return &Notifications{limit: limit}
}

// OnChange registers fn to run after every change to the feed.
func (n *Notifications) OnChange(fn func()) {
	n.mu.Lock()
	n.onChange = append(n.onChange, fn)
	n.mu.Unlock()
}

func (n *Notifications) changed() {
	n.mu.RLock()
	fns := append([]func(){}, n.onChange...)
	n.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Add records a server notification and returns the stored entry.
func (n *Notifications) Add(src records.Notification) Notification {
	level := src.Level
	if level == "" {
		level = "info"
	}
	created := src.At
	if created.IsZero() {
		created = time.Now().UTC()
	}
	item := Notification{
		ID:        uuid.NewString(),
		Message:   src.Message,
		Level:     level,
		Resource:  src.Resource,
		CreatedAt: created,
	}

	n.mu.Lock()
	n.items = append([]Notification{item}, n.items...)
	if len(n.items) > n.limit {
		n.items = n.items[:n.limit]
	}
	n.mu.Unlock()
	n.changed()
	return item
}

// List returns the feed newest first.
func (n *Notifications) List() []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Notification(nil), n.items...)
}

// UnreadCount returns how many entries are unread.
func (n *Notifications) UnreadCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, item := range n.items {
		if !item.Read {
			count++
		}
	}
	return count
}

// MarkRead marks one entry read and reports whether it exists.
func (n *Notifications) MarkRead(id string) bool {
	n.mu.Lock()
	found := false
	for i := range n.items {
		if n.items[i].ID == id {
			n.items[i].Read = true
			found = true
			break
		}
	}
	n.mu.Unlock()
	if found {
		n.changed()
	}
	return found
}

// MarkAllRead marks every entry read.
func (n *Notifications) MarkAllRead() {
	n.mu.Lock()
	for i := range n.items {
		n.items[i].Read = true
	}
	n.mu.Unlock()
	n.changed()
}

// Remove deletes one entry and reports whether it existed.
func (n *Notifications) Remove(id string) bool {
	n.mu.Lock()
	found := false
	for i := range n.items {
		if n.items[i].ID == id {
			n.items = append(n.items[:i], n.items[i+1:]...)
			found = true
			break
		}
	}
	n.mu.Unlock()
	if found {
		n.changed()
	}
	return found
}
