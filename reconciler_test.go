package tessera

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeLookup struct {
	chats     map[string]*ChatSummary
	users     map[string]*UserProfile
	chatCalls int
	userCalls int
}

func (f *fakeLookup) GetChat(_ context.Context, chatID string) (*ChatSummary, error) {
	f.chatCalls++
	if c, ok := f.chats[chatID]; ok {
		out := *c
		return &out, nil
	}
	return nil, errors.New("chat not found")
}

func (f *fakeLookup) GetUser(_ context.Context, userID string) (*UserProfile, error) {
	f.userCalls++
	if u, ok := f.users[userID]; ok {
		out := *u
		return &out, nil
	}
	return nil, errors.New("user not found")
}

func newTestReconciler(t *testing.T) (*Reconciler, *Cache, *TypingTracker, *fakeLookup) {
	t.Helper()
	cache := NewCache()
	typing := NewTypingTracker(0)
	lookup := &fakeLookup{
		chats: map[string]*ChatSummary{},
		users: map[string]*UserProfile{},
	}
	return NewReconciler(cache, typing, lookup, "self"), cache, typing, lookup
}

func mustEvent(t *testing.T, typ string, payload interface{}, meta EventMeta) Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Event{Type: typ, Payload: data, Meta: meta}
}

func seedChat(cache *Cache, id, counterpart string) {
	cache.Chats.Replace(ChatsKey, []Page[ChatSummary]{{
		Data: []ChatSummary{{ID: id, CounterpartID: counterpart, CounterpartName: "Before"}},
	}})
}

func TestReconcilerMessageCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("appends message and bumps summary", func(t *testing.T) {
		r, cache, typing, _ := newTestReconciler(t)
		seedChat(cache, "c2", "u3")
		cache.Chats.AppendEntry(ChatsKey, ChatSummary{ID: "c1", CounterpartID: "u2", CounterpartName: "Before"})
		typing.SetTyping("c1", "u2", true)

		msg := testMessage("m1", "hello")
		msg.SenderID = "u2"
		ev := mustEvent(t, EventMessageCreated, MessagePayload{Message: msg}, EventMeta{ChatID: "c1"})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}

		if !cache.Messages.Contains(MessagesKey("c1"), "m1") {
			t.Fatal("message not cached")
		}
		chats := cache.Chats.Entries(ChatsKey)
		if chats[0].ID != "c1" {
			t.Fatalf("active chat should be promoted to head, got %s", chats[0].ID)
		}
		if chats[0].UnreadCount != 1 {
			t.Fatalf("expected unread 1, got %d", chats[0].UnreadCount)
		}
		if chats[0].LastMessage == nil || chats[0].LastMessage.ID != "m1" {
			t.Fatal("last message not updated")
		}
		if typing.IsTyping("c1", "u2") {
			t.Fatal("delivered message should cancel the sender's typing flag")
		}
	})

	t.Run("redelivery does not double-bump unread", func(t *testing.T) {
		r, cache, _, _ := newTestReconciler(t)
		seedChat(cache, "c1", "u2")

		msg := testMessage("m1", "hello")
		msg.SenderID = "u2"
		ev := mustEvent(t, EventMessageCreated, MessagePayload{Message: msg}, EventMeta{ChatID: "c1"})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("redelivery: %v", err)
		}

		if got := cache.Messages.Len(MessagesKey("c1")); got != 1 {
			t.Fatalf("expected 1 cached message, got %d", got)
		}
		chats := cache.Chats.Entries(ChatsKey)
		if chats[0].UnreadCount != 1 {
			t.Fatalf("expected unread 1 after redelivery, got %d", chats[0].UnreadCount)
		}
	})

	t.Run("own message does not bump unread", func(t *testing.T) {
		r, cache, _, _ := newTestReconciler(t)
		seedChat(cache, "c1", "u2")

		msg := testMessage("m1", "hello")
		msg.SenderID = "self"
		ev := mustEvent(t, EventMessageCreated, MessagePayload{Message: msg}, EventMeta{ChatID: "c1"})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if got := cache.Chats.Entries(ChatsKey)[0].UnreadCount; got != 0 {
			t.Fatalf("own send must not count as unread, got %d", got)
		}
	})

	t.Run("anchored window defers the append but still advances the summary", func(t *testing.T) {
		r, cache, _, _ := newTestReconciler(t)
		seedChat(cache, "c1", "u2")
		window := testPage("m1", "m2")
		window.Meta = PageMeta{HasPrev: true, PrevCursor: "newer-1"}
		cache.Messages.Replace(MessagesKey("c1"), []Page[Message]{window})

		msg := testMessage("m9", "live")
		msg.SenderID = "u2"
		ev := mustEvent(t, EventMessageCreated, MessagePayload{Message: msg}, EventMeta{ChatID: "c1"})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}

		if cache.Messages.Contains(MessagesKey("c1"), "m9") {
			t.Fatal("entry must wait for newer-page pagination, not tail-append")
		}
		chats := cache.Chats.Entries(ChatsKey)
		if chats[0].UnreadCount != 1 {
			t.Fatalf("expected unread 1, got %d", chats[0].UnreadCount)
		}
		if chats[0].LastMessage == nil || chats[0].LastMessage.ID != "m9" {
			t.Fatal("summary last message should still advance")
		}
	})

	t.Run("uncached summary is fetched and inserted", func(t *testing.T) {
		r, cache, _, lookup := newTestReconciler(t)
		lookup.chats["c9"] = &ChatSummary{ID: "c9", CounterpartID: "u9", UnreadCount: 3}

		msg := testMessage("m1", "hello")
		msg.ChatID = "c9"
		msg.SenderID = "u9"
		ev := mustEvent(t, EventMessageCreated, MessagePayload{Message: msg}, EventMeta{ChatID: "c9"})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}

		if lookup.chatCalls != 1 {
			t.Fatalf("expected one summary lookup, got %d", lookup.chatCalls)
		}
		got, ok := cache.Chats.Find(ChatsKey, "c9")
		if !ok {
			t.Fatal("fetched summary not inserted")
		}
		if got.UnreadCount != 3 {
			t.Fatalf("server summary is authoritative, got unread %d", got.UnreadCount)
		}
	})
}

func TestReconcilerEditAndDelete(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) (*Reconciler, *Cache) {
		r, cache, _, _ := newTestReconciler(t)
		target := testMessage("m1", "original")
		reply := testMessage("m2", "replying")
		reply.ReplyTo = &ReplyPreview{ID: "m1", SenderID: target.SenderID, Content: target.Content}
		cache.Messages.Replace(MessagesKey("c1"), []Page[Message]{{Data: []Message{target, reply}}})

		last := target
		cache.Chats.Replace(ChatsKey, []Page[ChatSummary]{{
			Data: []ChatSummary{{ID: "c1", CounterpartID: "u2", LastMessage: &last}},
		}})
		return r, cache
	}

	t.Run("edit patches entry, reply previews, and summary copy", func(t *testing.T) {
		r, cache := seed(t)
		edited := testMessage("m1", "fixed")
		edited.EditedAt = "2026-08-01T11:00:00Z"
		ev := mustEvent(t, EventMessageEdited, MessagePayload{Message: edited}, EventMeta{ChatID: "c1"})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}

		m, _ := cache.Messages.Find(MessagesKey("c1"), "m1")
		if *m.Content != "fixed" || m.EditedAt == "" {
			t.Fatalf("entry not patched: %+v", m)
		}
		reply, _ := cache.Messages.Find(MessagesKey("c1"), "m2")
		if reply.ReplyTo == nil || *reply.ReplyTo.Content != "fixed" {
			t.Fatal("reply preview snapshot not patched")
		}
		c, _ := cache.Chats.Find(ChatsKey, "c1")
		if *c.LastMessage.Content != "fixed" {
			t.Fatal("summary last message copy not patched")
		}
	})

	t.Run("delete tombstones entry, previews, and summary copy", func(t *testing.T) {
		r, cache := seed(t)
		ev := mustEvent(t, EventMessageDeleted,
			MessageDeletedPayload{ID: "m1", ChatID: "c1", DeletedAt: "2026-08-01T12:00:00Z"},
			EventMeta{ChatID: "c1"})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}

		m, ok := cache.Messages.Find(MessagesKey("c1"), "m1")
		if !ok {
			t.Fatal("tombstone must remain cached, not be removed")
		}
		if !m.Deleted() || m.Content != nil {
			t.Fatalf("entry not tombstoned: %+v", m)
		}
		reply, _ := cache.Messages.Find(MessagesKey("c1"), "m2")
		if reply.ReplyTo == nil || !reply.ReplyTo.Deleted || reply.ReplyTo.Content != nil {
			t.Fatal("reply preview not tombstoned")
		}
		c, _ := cache.Chats.Find(ChatsKey, "c1")
		if !c.LastMessage.Deleted() {
			t.Fatal("summary last message copy not tombstoned")
		}
	})

	t.Run("edit after delete does not resurrect previews", func(t *testing.T) {
		r, cache := seed(t)
		del := mustEvent(t, EventMessageDeleted,
			MessageDeletedPayload{ID: "m1", ChatID: "c1", DeletedAt: "2026-08-01T12:00:00Z"},
			EventMeta{ChatID: "c1"})
		if err := r.Apply(ctx, del); err != nil {
			t.Fatalf("delete: %v", err)
		}
		edited := testMessage("m1", "late edit")
		ev := mustEvent(t, EventMessageEdited, MessagePayload{Message: edited}, EventMeta{ChatID: "c1"})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("edit: %v", err)
		}
		reply, _ := cache.Messages.Find(MessagesKey("c1"), "m2")
		if !reply.ReplyTo.Deleted || reply.ReplyTo.Content != nil {
			t.Fatal("deleted preview must stay deleted")
		}
	})
}

func TestReconcilerChatEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("chat created prepends once", func(t *testing.T) {
		r, cache, _, _ := newTestReconciler(t)
		seedChat(cache, "c1", "u2")
		ev := mustEvent(t, EventChatCreated, ChatPayload{Chat: ChatSummary{ID: "c0", CounterpartID: "u9"}}, EventMeta{})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("redelivery: %v", err)
		}
		chats := cache.Chats.Entries(ChatsKey)
		if len(chats) != 2 || chats[0].ID != "c0" {
			t.Fatalf("expected [c0 c1], got %v", chats)
		}
	})

	t.Run("chat removal clears list entry and typing state", func(t *testing.T) {
		r, cache, typing, _ := newTestReconciler(t)
		seedChat(cache, "c1", "u2")
		typing.SetTyping("c1", "u2", true)

		ev := mustEvent(t, EventChatDissolved, ChatRemovedPayload{ChatID: "c1"}, EventMeta{})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if cache.Chats.Contains(ChatsKey, "c1") {
			t.Fatal("chat not removed")
		}
		if typing.IsTyping("c1", "u2") {
			t.Fatal("typing state not cleared")
		}
	})
}

func TestReconcilerPresenceAndReceipts(t *testing.T) {
	ctx := context.Background()

	t.Run("presence flips the counterpart flag", func(t *testing.T) {
		r, cache, _, _ := newTestReconciler(t)
		seedChat(cache, "c1", "u2")
		cache.PutProfile(UserProfile{ID: "u2", Name: "U2"})

		on := mustEvent(t, EventPresenceOnline, PresencePayload{UserID: "u2"}, EventMeta{})
		if err := r.Apply(ctx, on); err != nil {
			t.Fatalf("apply: %v", err)
		}
		c, _ := cache.Chats.Find(ChatsKey, "c1")
		if !c.IsOnline {
			t.Fatal("summary should be online")
		}
		if u, _ := cache.Profile("u2"); !u.IsOnline {
			t.Fatal("profile should be online")
		}

		off := mustEvent(t, EventPresenceOffline, PresencePayload{UserID: "u2"}, EventMeta{})
		if err := r.Apply(ctx, off); err != nil {
			t.Fatalf("apply: %v", err)
		}
		c, _ = cache.Chats.Find(ChatsKey, "c1")
		if c.IsOnline {
			t.Fatal("summary should be offline")
		}
	})

	t.Run("read receipt updates counterpart timestamp only", func(t *testing.T) {
		r, cache, _, _ := newTestReconciler(t)
		seedChat(cache, "c1", "u2")

		self := mustEvent(t, EventReadReceipt, ReadReceiptPayload{ChatID: "c1", UserID: "self", ReadAt: "t1"}, EventMeta{})
		if err := r.Apply(ctx, self); err != nil {
			t.Fatalf("apply: %v", err)
		}
		c, _ := cache.Chats.Find(ChatsKey, "c1")
		if c.CounterpartLastReadAt != "" {
			t.Fatal("self-echo must not move the counterpart timestamp")
		}

		other := mustEvent(t, EventReadReceipt, ReadReceiptPayload{ChatID: "c1", UserID: "u2", ReadAt: "t2"}, EventMeta{})
		if err := r.Apply(ctx, other); err != nil {
			t.Fatalf("apply: %v", err)
		}
		c, _ = cache.Chats.Find(ChatsKey, "c1")
		if c.CounterpartLastReadAt != "t2" {
			t.Fatalf("expected t2, got %q", c.CounterpartLastReadAt)
		}
	})
}

func TestReconcilerBlockAndProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("block flips flags, clears typing, refetches profile", func(t *testing.T) {
		r, cache, typing, lookup := newTestReconciler(t)
		seedChat(cache, "c1", "u2")
		typing.SetTyping("c1", "u2", true)
		lookup.users["u2"] = &UserProfile{ID: "u2", Name: "Fresh", BlockedByMe: true}

		ev := mustEvent(t, EventUserBlocked, BlockPayload{UserID: "u2", ByMe: true}, EventMeta{})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}

		c, _ := cache.Chats.Find(ChatsKey, "c1")
		if !c.BlockedByMe {
			t.Fatal("summary block flag not set")
		}
		if typing.IsTyping("c1", "u2") {
			t.Fatal("blocked user's typing flag must clear")
		}
		if lookup.userCalls != 1 {
			t.Fatalf("expected authoritative profile refetch, got %d calls", lookup.userCalls)
		}
		if u, ok := cache.Profile("u2"); !ok || u.Name != "Fresh" {
			t.Fatal("refetched profile not cached")
		}
	})

	t.Run("user updated patches summaries", func(t *testing.T) {
		r, cache, _, _ := newTestReconciler(t)
		seedChat(cache, "c1", "u2")

		ev := mustEvent(t, EventUserUpdated,
			UserUpdatedPayload{User: UserProfile{ID: "u2", Name: "After", AvatarURL: "a.png"}},
			EventMeta{})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
		c, _ := cache.Chats.Find(ChatsKey, "c1")
		if c.CounterpartName != "After" || c.CounterpartAvatar != "a.png" {
			t.Fatalf("summary not patched: %+v", c)
		}
	})
}

func TestReconcilerTypingSignal(t *testing.T) {
	ctx := context.Background()

	t.Run("sets and clears the flag", func(t *testing.T) {
		r, _, typing, _ := newTestReconciler(t)
		on := mustEvent(t, EventTyping, TypingPayload{ChatID: "c1", UserID: "u2", IsTyping: true}, EventMeta{})
		if err := r.Apply(ctx, on); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if !typing.IsTyping("c1", "u2") {
			t.Fatal("flag not set")
		}
	})

	t.Run("self-originated signal is ignored", func(t *testing.T) {
		r, _, typing, _ := newTestReconciler(t)
		ev := mustEvent(t, EventTyping, TypingPayload{ChatID: "c1", UserID: "self", IsTyping: true}, EventMeta{})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if typing.IsTyping("c1", "self") {
			t.Fatal("own typing must not be tracked")
		}
	})

	t.Run("falls back to event meta", func(t *testing.T) {
		r, _, typing, _ := newTestReconciler(t)
		ev := mustEvent(t, EventTyping, TypingPayload{IsTyping: true}, EventMeta{ChatID: "c1", SenderID: "u2"})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if !typing.IsTyping("c1", "u2") {
			t.Fatal("meta fallback not applied")
		}
	})
}

func TestReconcilerRobustness(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown event type is ignored", func(t *testing.T) {
		r, _, _, _ := newTestReconciler(t)
		if err := r.Apply(ctx, Event{Type: "totally.unknown", Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("unknown type must be a no-op, got %v", err)
		}
	})

	t.Run("malformed payload is reported", func(t *testing.T) {
		r, _, _, _ := newTestReconciler(t)
		if err := r.Apply(ctx, Event{Type: EventMessageCreated, Payload: []byte(`{broken`)}); err == nil {
			t.Fatal("expected an error for malformed payload")
		}
	})

	t.Run("event for absent entries is a no-op", func(t *testing.T) {
		r, _, _, _ := newTestReconciler(t)
		ev := mustEvent(t, EventMessageDeleted, MessageDeletedPayload{ID: "m404", ChatID: "c404"}, EventMeta{})
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatalf("stale delete must be a no-op, got %v", err)
		}
	})
}
