package models

import "time"

// TypingActivity is the kind of composing activity a user is performing.
type TypingActivity int

const (
	ActivityTyping TypingActivity = iota
	ActivityRecordingAudio
	ActivityRecordingVideo
	ActivityUploadingFile
	ActivityThinking
	ActivityEditing
)

// String returns the human description used in notification text.
func (a TypingActivity) String() string {
	switch a {
	case ActivityTyping:
		return "typing"
	case ActivityRecordingAudio:
		return "recording audio"
	case ActivityRecordingVideo:
		return "recording video"
	case ActivityUploadingFile:
		return "uploading file"
	case ActivityThinking:
		return "thinking"
	case ActivityEditing:
		return "editing"
	default:
		return "active"
	}
}

// TypingContext locates the activity within a conversation.
type TypingContext int

const (
	ContextMainChat TypingContext = iota
	ContextThread
	ContextReply
	ContextDirectMessage
)

// TypingIndicator is an ephemeral per-user-per-chat presence marker.
// Exactly one indicator exists per (user, chat) pair at a time.
type TypingIndicator struct {
	TypingID         string         `json:"typing_id"`
	UserID           string         `json:"user_id"`
	ChatID           string         `json:"chat_id"`
	ThreadID         string         `json:"thread_id,omitempty"`
	ReplyToMessageID string         `json:"reply_to_message_id,omitempty"`
	Activity         TypingActivity `json:"activity"`
	Context          TypingContext  `json:"context"`
	StartedAt        time.Time      `json:"started_at"`
	LastUpdate       time.Time      `json:"last_update"`
	ExpiresAt        time.Time      `json:"expires_at"`

	DeviceType       string  `json:"device_type,omitempty"`
	Platform         string  `json:"platform,omitempty"`
	IsDictating      bool    `json:"is_dictating,omitempty"`
	EstimatedLength  uint32  `json:"estimated_length,omitempty"`
	TypingSpeedWPM   float64 `json:"typing_speed_wpm,omitempty"`
	IsDraftSaved     bool    `json:"is_draft_saved,omitempty"`
	InForeground     bool    `json:"in_foreground"`
	HasFocus         bool    `json:"has_focus"`
	IsMobileKeyboard bool    `json:"is_mobile_keyboard,omitempty"`
}

// Expired reports whether the indicator's TTL has elapsed at now.
func (ti *TypingIndicator) Expired(now time.Time) bool {
	return !now.Before(ti.ExpiresAt)
}

// ChatTypingState is the derived per-chat aggregate of live indicators.
// Counters are recomputed from ActiveTypers on every mutation and never
// drift from the map contents.
type ChatTypingState struct {
	ChatID         string                              `json:"chat_id"`
	ActiveTypers   map[string]TypingIndicator          `json:"active_typers"`
	ActivityGroups map[TypingActivity]map[string]bool  `json:"activity_groups"`
	LastUpdate     time.Time                           `json:"last_update"`

	TotalActiveTypers   uint32 `json:"total_active_typers"`
	TypingTextCount     uint32 `json:"typing_text_count"`
	RecordingAudioCount uint32 `json:"recording_audio_count"`
	UploadingFileCount  uint32 `json:"uploading_file_count"`
}

// NewChatTypingState returns an empty aggregate for chatID.
func NewChatTypingState(chatID string) *ChatTypingState {
	return &ChatTypingState{
		ChatID:         chatID,
		ActiveTypers:   make(map[string]TypingIndicator),
		ActivityGroups: make(map[TypingActivity]map[string]bool),
	}
}

// AddTyper inserts or replaces the indicator and refreshes counters.
func (s *ChatTypingState) AddTyper(ind TypingIndicator, now time.Time) {
	if prev, ok := s.ActiveTypers[ind.UserID]; ok && prev.Activity != ind.Activity {
		delete(s.ActivityGroups[prev.Activity], prev.UserID)
		if len(s.ActivityGroups[prev.Activity]) == 0 {
			delete(s.ActivityGroups, prev.Activity)
		}
	}
	s.ActiveTypers[ind.UserID] = ind
	g := s.ActivityGroups[ind.Activity]
	if g == nil {
		g = make(map[string]bool)
		s.ActivityGroups[ind.Activity] = g
	}
	g[ind.UserID] = true
	s.LastUpdate = now
	s.refreshCounts()
}

// RemoveTyper deletes a user's indicator and refreshes counters.
func (s *ChatTypingState) RemoveTyper(userID string, now time.Time) {
	ind, ok := s.ActiveTypers[userID]
	if !ok {
		return
	}
	delete(s.ActiveTypers, userID)
	delete(s.ActivityGroups[ind.Activity], userID)
	if len(s.ActivityGroups[ind.Activity]) == 0 {
		delete(s.ActivityGroups, ind.Activity)
	}
	s.LastUpdate = now
	s.refreshCounts()
}

// CleanupExpired drops indicators whose TTL elapsed and returns the
// affected user ids.
func (s *ChatTypingState) CleanupExpired(now time.Time) []string {
	var expired []string
	for uid, ind := range s.ActiveTypers {
		if ind.Expired(now) {
			expired = append(expired, uid)
		}
	}
	for _, uid := range expired {
		s.RemoveTyper(uid, now)
	}
	return expired
}

// HasActivity reports whether any live indicator remains.
func (s *ChatTypingState) HasActivity() bool { return len(s.ActiveTypers) > 0 }

func (s *ChatTypingState) refreshCounts() {
	s.TotalActiveTypers = uint32(len(s.ActiveTypers))
	s.TypingTextCount = uint32(len(s.ActivityGroups[ActivityTyping]))
	s.RecordingAudioCount = uint32(len(s.ActivityGroups[ActivityRecordingAudio]))
	s.UploadingFileCount = uint32(len(s.ActivityGroups[ActivityUploadingFile]))
}

// GroupSize returns the live user count for one activity kind.
func (s *ChatTypingState) GroupSize(a TypingActivity) int { return len(s.ActivityGroups[a]) }

// Clone returns a deep copy safe to hand to subscribers.
func (s *ChatTypingState) Clone() *ChatTypingState {
	out := NewChatTypingState(s.ChatID)
	for uid, ind := range s.ActiveTypers {
		out.ActiveTypers[uid] = ind
	}
	for act, users := range s.ActivityGroups {
		g := make(map[string]bool, len(users))
		for uid := range users {
			g[uid] = true
		}
		out.ActivityGroups[act] = g
	}
	out.LastUpdate = s.LastUpdate
	out.TotalActiveTypers = s.TotalActiveTypers
	out.TypingTextCount = s.TypingTextCount
	out.RecordingAudioCount = s.RecordingAudioCount
	out.UploadingFileCount = s.UploadingFileCount
	return out
}

// NotificationConfig controls whether and how presence changes are
// surfaced to one user. Created with defaults, never auto-deleted.
type NotificationConfig struct {
	UserID                 string                  `json:"user_id"`
	Enabled                bool                    `json:"enabled"`
	ShowDetailedActivity   bool                    `json:"show_detailed_activity"`
	ShowTypingSpeed        bool                    `json:"show_typing_speed"`
	ShowDeviceType         bool                    `json:"show_device_type"`
	GroupSimilarActivities bool                    `json:"group_similar_activities"`
	NotificationDelay      time.Duration           `json:"notification_delay"`
	MinDuration            time.Duration           `json:"min_duration"`
	VisibleActivities      map[TypingActivity]bool `json:"visible_activities"`
}

// DefaultNotificationConfig mirrors the stock client behavior: presence
// visible, grouped, half-second delay before surfacing.
func DefaultNotificationConfig(userID string) NotificationConfig {
	return NotificationConfig{
		UserID:                 userID,
		Enabled:                true,
		ShowDetailedActivity:   true,
		GroupSimilarActivities: true,
		NotificationDelay:      500 * time.Millisecond,
		MinDuration:            time.Second,
		VisibleActivities: map[TypingActivity]bool{
			ActivityTyping:         true,
			ActivityRecordingAudio: true,
			ActivityRecordingVideo: true,
			ActivityUploadingFile:  true,
		},
	}
}

// TypingEventType labels presence events pushed through the hub.
type TypingEventType string

const (
	TypingStarted   TypingEventType = "typing_started"
	TypingStopped   TypingEventType = "typing_stopped"
	ActivityChanged TypingEventType = "activity_changed"
)

// TypingEvent is the presence change envelope delivered to subscribers.
type TypingEvent struct {
	Type      TypingEventType   `json:"type"`
	UserID    string            `json:"user_id"`
	ChatID    string            `json:"chat_id"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Activity  TypingActivity    `json:"activity"`
	Indicator *TypingIndicator  `json:"indicator,omitempty"`
	State     *ChatTypingState  `json:"state,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
