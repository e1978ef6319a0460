package tessera

import (
	"context"
	"encoding/json"
	"fmt"
)

// Lookup is the point-fetch fallback used when an event references a chat
// or user that is not cached yet. *Client implements it.
type Lookup interface {
	GetChat(ctx context.Context, chatID string) (*ChatSummary, error)
	GetUser(ctx context.Context, userID string) (*UserProfile, error)
}

// Reconciler maps each inbound event type to a deterministic cache
// mutation. Handlers mutate only through the cache API, and every handler
// is safe to run when its target entry is absent: events can race ahead of
// cache population, and a stale target is simply a no-op.
type Reconciler struct {
	cache  *Cache
	typing *TypingTracker
	lookup Lookup
	selfID string

	handlers map[string]func(context.Context, Event) error
}

// NewReconciler builds a reconciler over the given cache and typing
// tracker. selfID is the local user: self-originated typing events are
// ignored and own sends never bump unread counts.
func NewReconciler(cache *Cache, typing *TypingTracker, lookup Lookup, selfID string) *Reconciler {
	r := &Reconciler{
		cache:  cache,
		typing: typing,
		lookup: lookup,
		selfID: selfID,
	}
	r.handlers = map[string]func(context.Context, Event) error{
		EventMessageCreated:  r.messageCreated,
		EventMessageEdited:   r.messageEdited,
		EventMessageDeleted:  r.messageDeleted,
		EventChatCreated:     r.chatCreated,
		EventChatHidden:      r.chatRemoved,
		EventChatDissolved:   r.chatRemoved,
		EventPresenceOnline:  r.presence(true),
		EventPresenceOffline: r.presence(false),
		EventReadReceipt:     r.readReceipt,
		EventUserBlocked:     r.blockChanged(true),
		EventUserUnblocked:   r.blockChanged(false),
		EventTyping:          r.typingSignal,
		EventUserUpdated:     r.userUpdated,
	}
	return r
}

// Apply dispatches one event to its handler. Events for a chat must be
// applied in arrival order; Apply performs no internal reordering or
// coalescing. Unknown event types are ignored.
func (r *Reconciler) Apply(ctx context.Context, ev Event) error {
	h, ok := r.handlers[ev.Type]
	if !ok {
		return nil
	}
	return h(ctx, ev)
}

// ============================================================================
// Handlers
// ============================================================================

func (r *Reconciler) messageCreated(ctx context.Context, ev Event) error {
	var p MessagePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("message.created: %w", err)
	}
	msg := p.Message
	chatID := msg.ChatID
	if chatID == "" {
		chatID = ev.Meta.ChatID
	}
	if msg.ID == "" || chatID == "" {
		return fmt.Errorf("message.created: missing id or chat id")
	}
	msg.ChatID = chatID

	// A real message from a user supersedes their typing flag.
	r.typing.MessageReceived(chatID, msg.SenderID)

	// Dedup by id: re-delivery of the same event leaves the cache intact,
	// including the unread count.
	if r.cache.Messages.Contains(MessagesKey(chatID), msg.ID) {
		return nil
	}

	// The append is refused while the cached window stops short of the
	// newest end (a view anchored on a jump target); the anchored
	// newer-page fetches insert the message at its correct position
	// instead. The chat summary advances either way.
	r.cache.Messages.AppendEntry(MessagesKey(chatID), msg)

	if r.cache.Chats.Contains(ChatsKey, chatID) {
		last := msg
		r.cache.Chats.Mutate(ChatsKey, func(c ChatSummary) ChatSummary {
			if c.ID != chatID {
				return c
			}
			c.LastMessage = &last
			c.LastActivityAt = msg.CreatedAt
			if msg.SenderID != r.selfID {
				c.UnreadCount++
			}
			return c
		})
		r.cache.Chats.PromoteEntry(ChatsKey, chatID)
		return nil
	}

	// Summary not cached yet: fetch-and-insert rather than drop the event.
	// The server summary already reflects this message and its unread state.
	chat, err := r.lookup.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("message.created: summary lookup for %s: %w", chatID, err)
	}
	r.cache.Chats.PrependEntry(ChatsKey, *chat)
	return nil
}

func (r *Reconciler) messageEdited(_ context.Context, ev Event) error {
	var p MessagePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("message.edited: %w", err)
	}
	edit := p.Message
	chatID := edit.ChatID
	if chatID == "" {
		chatID = ev.Meta.ChatID
	}
	if edit.ID == "" {
		return fmt.Errorf("message.edited: missing id")
	}

	r.cache.Messages.Mutate(MessagesKey(chatID), func(m Message) Message {
		if m.ID == edit.ID {
			m.Content = edit.Content
			m.EditedAt = edit.EditedAt
			if edit.Attachments != nil {
				m.Attachments = edit.Attachments
			}
		}
		// Reply previews are snapshots: patch them too, never resolve lazily.
		if m.ReplyTo != nil && m.ReplyTo.ID == edit.ID && !m.ReplyTo.Deleted {
			preview := *m.ReplyTo
			preview.Content = edit.Content
			m.ReplyTo = &preview
		}
		return m
	})

	r.cache.Chats.Mutate(ChatsKey, func(c ChatSummary) ChatSummary {
		if c.LastMessage != nil && c.LastMessage.ID == edit.ID {
			last := *c.LastMessage
			last.Content = edit.Content
			last.EditedAt = edit.EditedAt
			c.LastMessage = &last
		}
		return c
	})
	return nil
}

func (r *Reconciler) messageDeleted(_ context.Context, ev Event) error {
	var p MessageDeletedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("message.deleted: %w", err)
	}
	chatID := p.ChatID
	if chatID == "" {
		chatID = ev.Meta.ChatID
	}
	if p.ID == "" {
		return fmt.Errorf("message.deleted: missing id")
	}
	deletedAt := p.DeletedAt
	if deletedAt == "" {
		deletedAt = ev.Meta.Timestamp
	}

	// One reconciliation pass tombstones the entry itself, every reply
	// preview that quoted it, and any chat-summary last_message copy.
	r.cache.Messages.Mutate(MessagesKey(chatID), func(m Message) Message {
		if m.ID == p.ID {
			m = m.Tombstone(deletedAt)
		}
		if m.ReplyTo != nil && m.ReplyTo.ID == p.ID {
			preview := *m.ReplyTo
			preview.Content = nil
			preview.Deleted = true
			m.ReplyTo = &preview
		}
		return m
	})

	r.cache.Chats.Mutate(ChatsKey, func(c ChatSummary) ChatSummary {
		if c.LastMessage != nil && c.LastMessage.ID == p.ID {
			last := c.LastMessage.Tombstone(deletedAt)
			c.LastMessage = &last
		}
		return c
	})
	return nil
}

func (r *Reconciler) chatCreated(_ context.Context, ev Event) error {
	var p ChatPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("chat.created: %w", err)
	}
	if p.Chat.ID == "" {
		return fmt.Errorf("chat.created: missing chat id")
	}
	r.cache.Chats.PrependEntry(ChatsKey, p.Chat)
	return nil
}

func (r *Reconciler) chatRemoved(_ context.Context, ev Event) error {
	var p ChatRemovedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("%s: %w", ev.Type, err)
	}
	chatID := p.ChatID
	if chatID == "" {
		chatID = ev.Meta.ChatID
	}
	if chatID == "" {
		return fmt.Errorf("%s: missing chat id", ev.Type)
	}
	r.cache.Chats.RemoveEntry(ChatsKey, chatID)
	r.typing.ClearChat(chatID)
	return nil
}

func (r *Reconciler) presence(online bool) func(context.Context, Event) error {
	return func(_ context.Context, ev Event) error {
		var p PresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("presence: %w", err)
		}
		if p.UserID == "" {
			return fmt.Errorf("presence: missing user id")
		}
		r.cache.Chats.Mutate(ChatsKey, func(c ChatSummary) ChatSummary {
			if c.CounterpartID == p.UserID {
				c.IsOnline = online
			}
			return c
		})
		r.cache.MutateProfile(p.UserID, func(u UserProfile) UserProfile {
			u.IsOnline = online
			return u
		})
		return nil
	}
}

func (r *Reconciler) readReceipt(_ context.Context, ev Event) error {
	var p ReadReceiptPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("receipt.read: %w", err)
	}
	if p.UserID == r.selfID {
		// Self-echo of our own mark-as-read; the counterpart timestamp
		// tracks the other side only.
		return nil
	}
	r.cache.Chats.Mutate(ChatsKey, func(c ChatSummary) ChatSummary {
		if c.ID == p.ChatID && c.CounterpartID == p.UserID {
			c.CounterpartLastReadAt = p.ReadAt
		}
		return c
	})
	return nil
}

func (r *Reconciler) blockChanged(blocked bool) func(context.Context, Event) error {
	return func(ctx context.Context, ev Event) error {
		var p BlockPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("block: %w", err)
		}
		if p.UserID == "" {
			return fmt.Errorf("block: missing user id")
		}

		r.cache.Chats.Mutate(ChatsKey, func(c ChatSummary) ChatSummary {
			if c.CounterpartID == p.UserID {
				if p.ByMe {
					c.BlockedByMe = blocked
				} else {
					c.BlockedMe = blocked
				}
			}
			return c
		})
		r.cache.MutateProfile(p.UserID, func(u UserProfile) UserProfile {
			if p.ByMe {
				u.BlockedByMe = blocked
			} else {
				u.BlockedMe = blocked
			}
			return u
		})
		if blocked {
			r.typing.ClearUser(p.UserID)
		}

		// Flags alone are insufficient: other profile fields may have
		// changed, so the profile is refetched authoritatively.
		user, err := r.lookup.GetUser(ctx, p.UserID)
		if err != nil {
			return fmt.Errorf("block: profile refetch for %s: %w", p.UserID, err)
		}
		r.cache.PutProfile(*user)
		return nil
	}
}

func (r *Reconciler) typingSignal(_ context.Context, ev Event) error {
	var p TypingPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("chat.typing: %w", err)
	}
	chatID := p.ChatID
	if chatID == "" {
		chatID = ev.Meta.ChatID
	}
	userID := p.UserID
	if userID == "" {
		userID = ev.Meta.SenderID
	}
	if userID == r.selfID {
		return nil
	}
	if chatID == "" || userID == "" {
		return fmt.Errorf("chat.typing: missing chat or user id")
	}
	r.typing.SetTyping(chatID, userID, p.IsTyping)
	return nil
}

func (r *Reconciler) userUpdated(_ context.Context, ev Event) error {
	var p UserUpdatedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("user.updated: %w", err)
	}
	if p.User.ID == "" {
		return fmt.Errorf("user.updated: missing user id")
	}
	r.cache.PutProfile(p.User)
	r.cache.Chats.Mutate(ChatsKey, func(c ChatSummary) ChatSummary {
		if c.CounterpartID == p.User.ID {
			c.CounterpartName = p.User.Name
			c.CounterpartAvatar = p.User.AvatarURL
		}
		return c
	})
	return nil
}
