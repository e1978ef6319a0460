package tessera

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing flag survives without a re-signal.
const DefaultTypingTTL = 5 * time.Second

// TypingTracker holds ephemeral per-(chat, user) typing state. Each flag
// carries an explicit expiry deadline refreshed on every signal; expired
// entries are swept on access, so the tracker needs no background timers
// and tests can drive it with a fake clock.
type TypingTracker struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	deadlines map[string]map[string]time.Time // chat id → user id → expiry
}

// NewTypingTracker creates a tracker with the given TTL; ttl <= 0 selects
// DefaultTypingTTL.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:       ttl,
		now:       time.Now,
		deadlines: make(map[string]map[string]time.Time),
	}
}

// SetTyping sets or refreshes the typing flag for (chatID, userID) when on
// is true, and clears it immediately when on is false.
func (t *TypingTracker) SetTyping(chatID, userID string, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !on {
		t.clearLocked(chatID, userID)
		return
	}
	if t.deadlines[chatID] == nil {
		t.deadlines[chatID] = make(map[string]time.Time)
	}
	t.deadlines[chatID][userID] = t.now().Add(t.ttl)
}

// MessageReceived cancels the typing flag for a user who just delivered a
// real message in that chat.
func (t *TypingTracker) MessageReceived(chatID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked(chatID, userID)
}

// IsTyping reports whether the user's typing flag is set and unexpired.
func (t *TypingTracker) IsTyping(chatID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(chatID)
	_, ok := t.deadlines[chatID][userID]
	return ok
}

// TypingUsers returns the users currently typing in a chat, sorted by id.
func (t *TypingTracker) TypingUsers(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(chatID)
	users := make([]string, 0, len(t.deadlines[chatID]))
	for u := range t.deadlines[chatID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// ClearUser removes the user's typing flag from every chat. Used when the
// user is blocked.
func (t *TypingTracker) ClearUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for chatID := range t.deadlines {
		t.clearLocked(chatID, userID)
	}
}

// ClearChat removes every typing flag for a chat. Used when the chat is
// hidden or dissolved.
func (t *TypingTracker) ClearChat(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deadlines, chatID)
}

func (t *TypingTracker) clearLocked(chatID, userID string) {
	if m := t.deadlines[chatID]; m != nil {
		delete(m, userID)
		if len(m) == 0 {
			delete(t.deadlines, chatID)
		}
	}
}

func (t *TypingTracker) sweepLocked(chatID string) {
	now := t.now()
	for u, deadline := range t.deadlines[chatID] {
		if !deadline.After(now) {
			delete(t.deadlines[chatID], u)
		}
	}
	if len(t.deadlines[chatID]) == 0 {
		delete(t.deadlines, chatID)
	}
}
