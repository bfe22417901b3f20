package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Identifiers
// ============================================================================

// ThreadID identifies a conversation thread. Zero means "no thread".
type ThreadID int64

// MessageID identifies a message within a thread.
type MessageID int64

// ============================================================================
// Threads & Messages
// ============================================================================

// Thread is a conversation container as reported by get_threads.
type Thread struct {
	ID                ThreadID   `json:"id"`
	Title             string     `json:"title"`
	Participants      []string   `json:"participants"`
	LastMessageAt     *time.Time `json:"lastMessageAt,omitempty"`
	LastReadMessageID *MessageID `json:"lastReadMessageId,omitempty"`
	Unread            int        `json:"unread"`
}

// Message is a single entry of a thread's history.
type Message struct {
	ID             MessageID       `json:"id"`
	ThreadID       ThreadID        `json:"threadId"`
	SenderID       int64           `json:"senderId"`
	Sender         string          `json:"sender"`
	Text           string          `json:"text"`
	ParentID       *MessageID      `json:"parent_id,omitempty"`
	Timestamp      time.Time       `json:"ts"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	Reactions      []Reaction      `json:"reactions,omitempty"`
	ReactionCounts []ReactionCount `json:"reactionCounts,omitempty"`
	Deleted        bool            `json:"deleted,omitempty"`
	IsFirstUnread  bool            `json:"isFirstUnread,omitempty"`
}

// Attachment references an uploaded file attached to a message.
type Attachment struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name,omitempty"`
	Mime        string            `json:"mime,omitempty"`
	URL         string            `json:"url,omitempty"`
	Thumbnail   string            `json:"thumbnail,omitempty"`
	Variants    map[string]string `json:"variants,omitempty"`
	Width       *int              `json:"width,omitempty"`
	Height      *int              `json:"height,omitempty"`
	DurationSec *float64          `json:"duration_sec,omitempty"`
	Status      string            `json:"status,omitempty"`
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Emoji    string `json:"emoji"`
}

// ReactionCount aggregates reactions per emoji.
type ReactionCount struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is a cross-cutting feed entry (reply, mention, invite...).
type Notification struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"userId,omitempty"`
	ActorID        int64      `json:"actorId,omitempty"`
	ActorIDs       []int64    `json:"actorIds,omitempty"`
	ActorUsernames []string   `json:"actorUsernames,omitempty"`
	Action         string     `json:"action"`
	Text           string     `json:"text"`
	ParentType     string     `json:"parentType,omitempty"`
	ParentText     string     `json:"parentText,omitempty"`
	ParentID       *int64     `json:"parentId,omitempty"`
	PostID         *int64     `json:"postId,omitempty"`
	PostSlug       string     `json:"postSlug,omitempty"`
	CommentID      *int64     `json:"commentId,omitempty"`
	Total          int        `json:"total,omitempty"`
	IsRead         bool       `json:"isRead"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
}

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for every server-to-client frame.
// Acknowledgments carry the requestId of the command they answer.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first frame of every connection.
type AuthenticatedPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// Inbound event names.
const (
	EventAuthenticated     = "authenticated"
	EventAck               = "ack"
	EventMessage           = "message"
	EventThreadsRefresh    = "threads_refresh"
	EventThreadUpdated     = "thread_updated"
	EventAddedReaction     = "added_reaction"
	EventMessageDeleted    = "message_deleted"
	EventThreadInvited     = "thread_invited"
	EventNotificationsSync = "notifications:sync"
	EventNotificationsNew  = "notifications:new"
)

// Outbound request names.
const (
	ReqGetThreads          = "get_threads"
	ReqJoinThread          = "join_thread"
	ReqLoadThread          = "load_thread"
	ReqSend                = "send"
	ReqMarkRead            = "update_last_message_read"
	ReqCreateThread        = "create_thread"
	ReqSearchThread        = "search_thread"
	ReqChangeTitle         = "change_thread_title"
	ReqLeaveThread         = "leave_group_thread"
	ReqAddReaction         = "add_message_emoji"
	ReqDeleteMessage       = "delete_message"
	ReqAddUsers            = "add_users"
	ReqNotificationsSync   = "notifications:sync_request"
	ReqNotificationsOpened = "notifications:opened"
	ReqSendNotification    = "send_notification"
)

// ============================================================================
// Payloads
// ============================================================================

type threadRef struct {
	ThreadID ThreadID `json:"threadId"`
}

type sendPayload struct {
	ThreadID      ThreadID   `json:"threadId"`
	Text          string     `json:"text"`
	ParentID      *MessageID `json:"parentId"`
	AttachmentIDs []int64    `json:"attachmentIds"`
}

type createThreadPayload struct {
	ParticipantIDs []int64 `json:"participantIds"`
	Title          string  `json:"title"`
}

type searchThreadPayload struct {
	ParticipantIDs []int64 `json:"participantIds"`
}

type titlePayload struct {
	ThreadID ThreadID `json:"threadId"`
	Title    string   `json:"title"`
	Locale   string   `json:"locale"`
}

type leavePayload struct {
	ThreadID ThreadID `json:"threadId"`
	Locale   string   `json:"locale"`
}

type reactionPayload struct {
	ThreadID  ThreadID  `json:"threadId"`
	MessageID MessageID `json:"messageId"`
	Emoji     string    `json:"emoji"`
}

type deletePayload struct {
	ThreadID  ThreadID  `json:"threadId"`
	MessageID MessageID `json:"messageId"`
	Locale    string    `json:"locale"`
}

type addUsersPayload struct {
	ThreadID ThreadID `json:"threadId"`
	UserIDs  []int64  `json:"userIds"`
}

type localePayload struct {
	Locale string `json:"locale"`
}

type openedPayload struct {
	IDs []int64 `json:"ids"`
}

type sendNotificationPayload struct {
	CommentID int64  `json:"comment_id"`
	Locale    string `json:"locale"`
}

type threadUpdatedPayload struct {
	ID    ThreadID `json:"id"`
	Title string   `json:"title"`
}

type notificationSyncPayload struct {
	Items  []Notification `json:"items"`
	Unread int            `json:"unread"`
}
