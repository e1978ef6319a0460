package tessera

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Chat Data Model
// ============================================================================

// Attachment is a file attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ReplyPreview is a denormalized snapshot of the message being replied to.
// It is a copy taken at send time, not a live reference: when the quoted
// message is edited or deleted, every preview pointing at it must be patched.
type ReplyPreview struct {
	ID       string  `json:"id"`
	SenderID string  `json:"senderId"`
	Content  *string `json:"content"`
	Deleted  bool    `json:"deleted,omitempty"`
}

// Message is a single chat message. Identity is immutable; a deleted message
// keeps its id and timestamps but loses content and attachments.
type Message struct {
	ID          string        `json:"id"`
	ChatID      string        `json:"chatId"`
	SenderID    string        `json:"senderId"`
	Content     *string       `json:"content"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	ReplyTo     *ReplyPreview `json:"replyTo,omitempty"`
	CreatedAt   string        `json:"createdAt"`
	EditedAt    string        `json:"editedAt,omitempty"`
	DeletedAt   string        `json:"deletedAt,omitempty"`

	// Pending marks an optimistic local entry that has not been
	// acknowledged by the server yet.
	Pending bool `json:"pending,omitempty"`
}

// EntryID implements Entry.
func (m Message) EntryID() string { return m.ID }

// Deleted reports whether the message is a tombstone.
func (m Message) Deleted() bool { return m.DeletedAt != "" }

// Tombstone returns a copy of the message with content and attachments
// nulled and the delete time stamped.
func (m Message) Tombstone(at string) Message {
	m.Content = nil
	m.Attachments = nil
	m.DeletedAt = at
	return m
}

// ChatSummary is one entry of the chat list: a denormalized view of a chat
// ordered by most recent activity. At most one summary exists per chat id
// across all cached pages.
type ChatSummary struct {
	ID                    string   `json:"id"`
	Title                 string   `json:"title,omitempty"`
	CounterpartID         string   `json:"counterpartId,omitempty"`
	CounterpartName       string   `json:"counterpartName,omitempty"`
	CounterpartAvatar     string   `json:"counterpartAvatar,omitempty"`
	LastMessage           *Message `json:"lastMessage,omitempty"`
	UnreadCount           int      `json:"unreadCount"`
	IsOnline              bool     `json:"isOnline"`
	BlockedByMe           bool     `json:"blockedByMe,omitempty"`
	BlockedMe             bool     `json:"blockedMe,omitempty"`
	CounterpartLastReadAt string   `json:"counterpartLastReadAt,omitempty"`
	LastActivityAt        string   `json:"lastActivityAt,omitempty"`
}

// EntryID implements Entry.
func (c ChatSummary) EntryID() string { return c.ID }

// UserProfile is a point-cached user record.
type UserProfile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	IsOnline    bool   `json:"isOnline"`
	BlockedByMe bool   `json:"blockedByMe,omitempty"`
	BlockedMe   bool   `json:"blockedMe,omitempty"`
}

// ============================================================================
// Pagination
// ============================================================================

// Direction selects which way a paginated fetch walks.
type Direction string

const (
	// DirectionOlder walks toward older entries (next_cursor).
	DirectionOlder Direction = "older"
	// DirectionNewer walks toward newer entries (prev_cursor); only
	// meaningful while a sequence is anchored.
	DirectionNewer Direction = "newer"
)

// PageMeta carries the cursor metadata returned with every page.
// next_cursor walks older, prev_cursor walks newer.
type PageMeta struct {
	HasNext    bool   `json:"has_next"`
	HasPrev    bool   `json:"has_prev"`
	NextCursor string `json:"next_cursor,omitempty"`
	PrevCursor string `json:"prev_cursor,omitempty"`
}

// FetchOptions parameterizes a paginated fetch.
type FetchOptions struct {
	Cursor          string
	Limit           int
	Direction       Direction
	AroundMessageID string
}

// ============================================================================
// Event Channel Wire Format
// ============================================================================

// EventMeta is the common metadata attached to inbound events.
type EventMeta struct {
	Timestamp string `json:"timestamp,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
}

// Event is the wire envelope for everything crossing the event channel.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Meta    EventMeta       `json:"meta,omitempty"`
}

// Inbound event types.
const (
	EventMessageCreated  = "message.created"
	EventMessageEdited   = "message.edited"
	EventMessageDeleted  = "message.deleted"
	EventChatCreated     = "chat.created"
	EventChatHidden      = "chat.hidden"
	EventChatDissolved   = "chat.dissolved"
	EventPresenceOnline  = "presence.online"
	EventPresenceOffline = "presence.offline"
	EventReadReceipt     = "receipt.read"
	EventUserBlocked     = "user.blocked"
	EventUserUnblocked   = "user.unblocked"
	EventTyping          = "chat.typing"
	EventUserUpdated     = "user.updated"
)

// MessagePayload is the payload of message.created and message.edited.
type MessagePayload struct {
	Message Message `json:"message"`
}

// MessageDeletedPayload is the payload of message.deleted.
type MessageDeletedPayload struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	DeletedAt string `json:"deletedAt,omitempty"`
}

// ChatPayload is the payload of chat.created.
type ChatPayload struct {
	Chat ChatSummary `json:"chat"`
}

// ChatRemovedPayload is the payload of chat.hidden and chat.dissolved.
type ChatRemovedPayload struct {
	ChatID string `json:"chatId"`
}

// PresencePayload is the payload of presence.online and presence.offline.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// ReadReceiptPayload is the payload of receipt.read.
type ReadReceiptPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	ReadAt string `json:"readAt"`
}

// BlockPayload is the payload of user.blocked and user.unblocked.
type BlockPayload struct {
	UserID string `json:"userId"`
	// ByMe is true when the local user initiated the block.
	ByMe bool `json:"byMe"`
}

// TypingPayload is the payload of chat.typing.
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// UserUpdatedPayload is the payload of user.updated.
type UserUpdatedPayload struct {
	User UserProfile `json:"user"`
}

// ============================================================================
// API Envelopes
// ============================================================================

// PageResult is the wire shape of a paginated fetch response.
type PageResult struct {
	Data json.RawMessage `json:"data"`
	Meta PageMeta        `json:"meta"`
}

// APIResult is the generic API response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
