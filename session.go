package tessera

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTypingSendInterval is the minimum gap between outbound typing
// signals per chat.
const DefaultTypingSendInterval = 3 * time.Second

// SessionConfig configures a session. Zero values select defaults.
type SessionConfig struct {
	Channel            ChannelConfig
	Scroll             ScrollConfig
	TypingTTL          time.Duration
	TypingSendInterval time.Duration
	// ResyncTimeout bounds the refetches triggered by a reconnect.
	ResyncTimeout time.Duration
}

func (c *SessionConfig) defaults() {
	if c.TypingSendInterval == 0 {
		c.TypingSendInterval = DefaultTypingSendInterval
	}
	if c.ResyncTimeout == 0 {
		c.ResyncTimeout = 15 * time.Second
	}
}

// Session owns the live-sync core for one signed-in user: the cache, the
// typing tracker, the event channel feeding the reconciler, and the active
// chat view. Its lifetime spans login to logout; Stop tears the channel
// down intentionally.
type Session struct {
	client *Client
	selfID string
	config SessionConfig

	Cache  *Cache
	Typing *TypingTracker

	rec *Reconciler
	ch  *Channel

	mu           sync.Mutex
	activeChat   string
	activeView   *ScrollEngine
	typingSentAt map[string]time.Time
	now          func() time.Time

	onError func(error)
	onEvent func(Event)
}

// NewSession builds a session over the given API client. selfID is the
// local user id. config may be nil for defaults.
func NewSession(client *Client, selfID string, config *SessionConfig) *Session {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	s := &Session{
		client:       client,
		selfID:       selfID,
		config:       cfg,
		Cache:        NewCache(),
		Typing:       NewTypingTracker(cfg.TypingTTL),
		typingSentAt: make(map[string]time.Time),
		now:          time.Now,
	}
	s.rec = NewReconciler(s.Cache, s.Typing, client, selfID)

	// The channel reads the credential through the client on every
	// attempt, so token rotation survives reconnects.
	s.ch = NewChannel(client.EventsURL(), client.Token, &cfg.Channel)
	s.ch.OnEvent(s.handleEvent)
	s.ch.OnResync(s.resync)
	return s
}

// OnError registers a handler for reconciliation and channel errors.
// Must be set before Start.
func (s *Session) OnError(h func(error)) {
	s.onError = h
	s.ch.OnChannelError(h)
}

// OnEvent registers an observer invoked after each event has been
// reconciled into the cache. Must be set before Start.
func (s *Session) OnEvent(h func(Event)) {
	s.onEvent = h
}

// Channel exposes the underlying event channel (state inspection,
// state-change hooks).
func (s *Session) Channel() *Channel {
	return s.ch
}

// Start loads the first chat-list page and connects the event channel.
func (s *Session) Start(ctx context.Context) error {
	page, err := s.client.FetchChats(ctx, FetchOptions{})
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	s.Cache.Chats.Replace(ChatsKey, []Page[ChatSummary]{*page})

	if err := s.ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}
	return nil
}

// Stop tears the session down: the channel closes intentionally and the
// active view, if any, is released.
func (s *Session) Stop() error {
	s.mu.Lock()
	view := s.activeView
	s.activeView = nil
	s.activeChat = ""
	s.mu.Unlock()
	if view != nil {
		view.Close()
	}
	return s.ch.Close()
}

// ============================================================================
// Chat views
// ============================================================================

// OpenChat makes chatID the active chat and runs the initial load of its
// view. A previously active view is closed first; its in-flight fetches
// become no-ops.
func (s *Session) OpenChat(ctx context.Context, chatID string, vp Viewport) (*ScrollEngine, error) {
	view := NewScrollEngine(chatID, s.Cache, s.client, vp, &s.config.Scroll)

	s.mu.Lock()
	prev := s.activeView
	s.activeChat = chatID
	s.activeView = view
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	if err := view.Load(ctx); err != nil {
		return nil, err
	}
	return view, nil
}

// CloseChat releases the active chat view.
func (s *Session) CloseChat() {
	s.mu.Lock()
	view := s.activeView
	s.activeView = nil
	s.activeChat = ""
	s.mu.Unlock()
	if view != nil {
		view.Close()
	}
}

// ActiveChat returns the id of the currently open chat, if any.
func (s *Session) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

// ============================================================================
// Inbound events
// ============================================================================

func (s *Session) handleEvent(ev Event) {
	if err := s.rec.Apply(context.Background(), ev); err != nil {
		s.reportError(err)
		return
	}
	if s.onEvent != nil {
		s.onEvent(ev)
	}

	// Content arriving in the active chat drives the stick-to-bottom /
	// new-content decision.
	chatID := eventChatID(ev)
	if chatID == "" {
		return
	}
	s.mu.Lock()
	view := s.activeView
	active := s.activeChat
	s.mu.Unlock()
	if view == nil || active != chatID {
		return
	}
	switch ev.Type {
	case EventMessageCreated, EventTyping:
		view.NotifyNewContent()
	}
}

// eventChatID resolves the chat an event belongs to, preferring the meta
// header and falling back to the payload the way the reconciler does.
func eventChatID(ev Event) string {
	if ev.Meta.ChatID != "" {
		return ev.Meta.ChatID
	}
	switch ev.Type {
	case EventMessageCreated, EventMessageEdited:
		var p MessagePayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			return p.Message.ChatID
		}
	case EventMessageDeleted:
		var p MessageDeletedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			return p.ChatID
		}
	case EventTyping:
		var p TypingPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			return p.ChatID
		}
	}
	return ""
}

// resync runs after a reconnect that followed a successful open: events
// missed while disconnected are unrecoverable, so the chat list and the
// active chat's sequence are invalidated and refetched from scratch.
func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ResyncTimeout)
	defer cancel()

	s.Cache.Chats.Invalidate(ChatsKey)
	page, err := s.client.FetchChats(ctx, FetchOptions{})
	if err != nil {
		s.reportError(fmt.Errorf("resync chats: %w", err))
	} else {
		s.Cache.Chats.Replace(ChatsKey, []Page[ChatSummary]{*page})
	}

	s.mu.Lock()
	view := s.activeView
	active := s.activeChat
	s.mu.Unlock()
	if view == nil {
		return
	}
	s.Cache.Messages.Invalidate(MessagesKey(active))
	if err := view.Load(ctx); err != nil {
		s.reportError(fmt.Errorf("resync active chat: %w", err))
	}
}

// ============================================================================
// Outbound
// ============================================================================

// SendTyping emits a typing-start signal for the chat, rate-limited to one
// signal per chat per TypingSendInterval. The signal is fire-and-forget:
// if the channel is not open it is dropped.
func (s *Session) SendTyping(ctx context.Context, chatID string) {
	s.mu.Lock()
	last, seen := s.typingSentAt[chatID]
	now := s.now()
	if seen && now.Sub(last) < s.config.TypingSendInterval {
		s.mu.Unlock()
		return
	}
	s.typingSentAt[chatID] = now
	s.mu.Unlock()

	s.ch.Send(ctx, Event{
		Type: EventTyping,
		Meta: EventMeta{ChatID: chatID},
	})
}

// SendMessage sends a message optimistically: a pending placeholder with a
// temporary id is cached immediately, then committed with the
// authoritative server entry on success or rolled back exactly on failure.
func (s *Session) SendMessage(ctx context.Context, chatID, content string, opts *SendOptions) (*Message, error) {
	key := MessagesKey(chatID)
	tempID := "local-" + uuid.NewString()

	body := content
	local := Message{
		ID:        tempID,
		ChatID:    chatID,
		SenderID:  s.selfID,
		Content:   &body,
		CreatedAt: s.now().UTC().Format(time.RFC3339Nano),
		Pending:   true,
	}
	if opts != nil && opts.ReplyToID != "" {
		local.ReplyTo = s.replyPreview(key, opts.ReplyToID)
	}
	if opts != nil {
		local.Attachments = opts.Attachments
	}

	s.Cache.Messages.OptimisticInsert(key, local)

	s.mu.Lock()
	view := s.activeView
	active := s.activeChat
	s.mu.Unlock()
	if view != nil && active == chatID {
		view.NotifyNewContent()
	}

	msg, err := s.client.SendMessage(ctx, chatID, content, opts)
	if err != nil {
		s.Cache.Messages.Rollback(key, tempID)
		return nil, fmt.Errorf("send message: %w", err)
	}

	s.Cache.Messages.Commit(key, tempID, *msg)
	s.bumpOwnSummary(chatID, *msg)
	return msg, nil
}

// replyPreview snapshots the quoted message for the optimistic entry.
func (s *Session) replyPreview(key, replyToID string) *ReplyPreview {
	quoted, ok := s.Cache.Messages.Find(key, replyToID)
	if !ok {
		return &ReplyPreview{ID: replyToID}
	}
	return &ReplyPreview{
		ID:       quoted.ID,
		SenderID: quoted.SenderID,
		Content:  quoted.Content,
		Deleted:  quoted.Deleted(),
	}
}

// bumpOwnSummary mirrors an own send into the chat list: last message and
// activity order move, the unread count does not.
func (s *Session) bumpOwnSummary(chatID string, msg Message) {
	if !s.Cache.Chats.Contains(ChatsKey, chatID) {
		return
	}
	s.Cache.Chats.Mutate(ChatsKey, func(c ChatSummary) ChatSummary {
		if c.ID == chatID {
			last := msg
			c.LastMessage = &last
			c.LastActivityAt = msg.CreatedAt
		}
		return c
	})
	s.Cache.Chats.PromoteEntry(ChatsKey, chatID)
}

func (s *Session) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}
