package models

import "time"

// ThreadVisibility controls who may view a thread.
type ThreadVisibility int

const (
	VisibilityPublic ThreadVisibility = iota
	VisibilityPrivate
	VisibilityRestricted
)

// ThreadStatus is the lifecycle state of a thread. Transitions are
// one-directional except Archived, which may be manually reactivated.
type ThreadStatus int

const (
	StatusActive ThreadStatus = iota
	StatusArchived
	StatusLocked
	StatusDeleted
)

// ParticipationLevel is a total order; a higher level implies every
// permission of the levels below it.
type ParticipationLevel int

const (
	LevelObserver ParticipationLevel = iota
	LevelParticipant
	LevelModerator
	LevelAdmin
)

// Satisfies reports whether the level grants at least required.
func (l ParticipationLevel) Satisfies(required ParticipationLevel) bool {
	return l >= required
}

// Thread holds the metadata of a sub-conversation anchored to a parent
// message. Soft-deleted threads keep their record while replies
// reference them.
type Thread struct {
	ThreadID        string           `json:"thread_id"`
	ChatID          string           `json:"chat_id"`
	ParentMessageID string           `json:"parent_message_id"`
	Title           string           `json:"title,omitempty"`
	Description     string           `json:"description,omitempty"`
	Visibility      ThreadVisibility `json:"visibility"`
	Status          ThreadStatus     `json:"status"`
	CreatorID       string           `json:"creator_id"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	LastActivity    time.Time        `json:"last_activity"`

	MessageCount     uint32 `json:"message_count"`
	ParticipantCount uint32 `json:"participant_count"`
	ViewCount        uint32 `json:"view_count"`

	AllowReactions      bool          `json:"allow_reactions"`
	AllowReplies        bool          `json:"allow_replies"`
	AutoArchive         bool          `json:"auto_archive"`
	AutoArchiveDuration time.Duration `json:"auto_archive_duration"`
	MaxParticipants     uint32        `json:"max_participants"`

	Tags     []string `json:"tags,omitempty"`
	Category string   `json:"category,omitempty"`
	Priority uint8    `json:"priority"`
}

// ThreadPatch carries optional field updates for UpdateThread. Nil
// pointers leave the stored value untouched.
type ThreadPatch struct {
	Title               *string
	Description         *string
	Visibility          *ThreadVisibility
	AllowReactions      *bool
	AllowReplies        *bool
	AutoArchive         *bool
	AutoArchiveDuration *time.Duration
	MaxParticipants     *uint32
	Tags                []string
	Category            *string
	Priority            *uint8
}

// ThreadParticipant records one user's membership in a thread.
type ThreadParticipant struct {
	UserID   string             `json:"user_id"`
	ThreadID string             `json:"thread_id"`
	Level    ParticipationLevel `json:"level"`

	JoinedAt             time.Time `json:"joined_at"`
	LastRead             time.Time `json:"last_read"`
	LastActive           time.Time `json:"last_active"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	IsMuted              bool      `json:"is_muted"`
	UnreadCount          uint32    `json:"unread_count"`
	MessagesSent         uint32    `json:"messages_sent"`
	ReactionsGiven       uint32    `json:"reactions_given"`
}

// ThreadSortBy selects the search result ordering.
type ThreadSortBy int

const (
	SortByCreatedAt ThreadSortBy = iota
	SortByUpdatedAt
	SortByLastActivity
	SortByMessageCount
	SortByParticipantCount
	SortByRelevance
)

// ThreadSearchQuery filters and orders thread discovery. Zero values
// mean "no constraint" for every field.
type ThreadSearchQuery struct {
	QueryText       string
	ChatID          string
	Tags            []string
	Category        string
	Status          *ThreadStatus
	Visibility      *ThreadVisibility
	CreatorID       string
	CreatedAfter    time.Time
	CreatedBefore   time.Time
	MinParticipants uint32
	MaxParticipants uint32
	IncludeArchived bool

	Limit  int
	Offset int

	SortBy    ThreadSortBy
	Ascending bool
}

// ThreadEventType labels thread lifecycle events pushed through the hub.
type ThreadEventType string

const (
	ThreadCreated           ThreadEventType = "thread_created"
	ThreadUpdated           ThreadEventType = "thread_updated"
	ThreadArchived          ThreadEventType = "thread_archived"
	ThreadDeleted           ThreadEventType = "thread_deleted"
	ParticipantJoined       ThreadEventType = "participant_joined"
	ParticipantLeft         ThreadEventType = "participant_left"
	ParticipantLevelChanged ThreadEventType = "participant_level_changed"
	MessageReplied          ThreadEventType = "message_replied"
	ThreadRead              ThreadEventType = "thread_read"
)

// ThreadEvent is the thread change envelope delivered to subscribers.
type ThreadEvent struct {
	Type        ThreadEventType    `json:"type"`
	ThreadID    string             `json:"thread_id"`
	UserID      string             `json:"user_id,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Thread      *Thread            `json:"thread,omitempty"`
	Participant *ThreadParticipant `json:"participant,omitempty"`
	Reply       *MessageReply      `json:"reply,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}
