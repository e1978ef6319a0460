package tessera

import "sync"

// ChatsKey is the sequence key of the chat list.
const ChatsKey = "chats"

// MessagesKey returns the sequence key of a chat's message pages.
func MessagesKey(chatID string) string {
	return "messages:" + chatID
}

// Cache holds every client-side sequence and point cache: message pages per
// chat, the chat-summary list, and standalone user profiles. It is the single
// owner of page data; the reconciler and the scroll engine mutate it only
// through its API.
type Cache struct {
	Messages *PageStore[Message]
	Chats    *PageStore[ChatSummary]

	mu       sync.RWMutex
	profiles map[string]UserProfile
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		Messages: NewPageStore[Message](),
		Chats:    NewPageStore[ChatSummary](),
		profiles: make(map[string]UserProfile),
	}
}

// Profile returns the cached profile for a user id, if present.
func (c *Cache) Profile(userID string) (UserProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[userID]
	return p, ok
}

// PutProfile stores (or overwrites) a user profile.
func (c *Cache) PutProfile(p UserProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.ID] = p
}

// MutateProfile applies fn to the cached profile for userID. A mutation
// against an uncached profile is a no-op: events may race ahead of cache
// population.
func (c *Cache) MutateProfile(userID string, fn func(UserProfile) UserProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.profiles[userID]; ok {
		c.profiles[userID] = fn(p)
	}
}

// RemoveProfile drops a cached profile.
func (c *Cache) RemoveProfile(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, userID)
}
