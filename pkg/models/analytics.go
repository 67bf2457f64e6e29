package models

import "time"

// ThreadAnalytics is the rolling per-thread window of engagement
// counters. Reset clears everything at a period boundary.
type ThreadAnalytics struct {
	ThreadID    string    `json:"thread_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	TotalMessages        uint32  `json:"total_messages"`
	MessagesPerHour      uint32  `json:"messages_per_hour"`
	AverageMessageLength float64 `json:"average_message_length"`
	PeakConcurrentUsers  uint32  `json:"peak_concurrent_users"`

	UniqueParticipants uint32  `json:"unique_participants"`
	ActiveParticipants uint32  `json:"active_participants"`
	ParticipationRate  float64 `json:"participation_rate"`

	UserMessageCounts map[string]uint32 `json:"user_message_counts,omitempty"`
	PopularReactions  map[string]uint32 `json:"popular_reactions,omitempty"`
	TrendingTopics    []string          `json:"trending_topics,omitempty"`

	// TrendingScore is recomputed on the background analytics cycle,
	// never on the mutation path.
	TrendingScore float64 `json:"trending_score"`
}

// UserTypingStats is the rolling per-user window of composing behavior,
// fed from presence session starts and stops.
type UserTypingStats struct {
	UserID      string    `json:"user_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	TotalSessions     uint32 `json:"total_sessions"`
	CompletedSessions uint32 `json:"completed_sessions"`
	// CompletionRate is sessions that ended in a sent message over all
	// sessions, expired ones included.
	CompletionRate float64 `json:"completion_rate"`

	TotalTypingTime    time.Duration `json:"total_typing_time"`
	AverageSessionTime time.Duration `json:"average_session_time"`

	AverageSpeedWPM float64 `json:"average_speed_wpm"`
	PeakSpeedWPM    float64 `json:"peak_speed_wpm"`
	SpeedSamples    uint32  `json:"speed_samples,omitempty"`

	ActivityCounts map[string]uint32 `json:"activity_counts,omitempty"`
	DraftSaves     uint32            `json:"draft_saves,omitempty"`
}

// Reset clears the window counters while keeping identity and period.
func (u *UserTypingStats) Reset() {
	u.TotalSessions = 0
	u.CompletedSessions = 0
	u.CompletionRate = 0
	u.TotalTypingTime = 0
	u.AverageSessionTime = 0
	u.AverageSpeedWPM = 0
	u.PeakSpeedWPM = 0
	u.SpeedSamples = 0
	u.ActivityCounts = nil
	u.DraftSaves = 0
}

// Reset clears the window counters while keeping identity and period.
func (a *ThreadAnalytics) Reset() {
	a.TotalMessages = 0
	a.MessagesPerHour = 0
	a.AverageMessageLength = 0
	a.PeakConcurrentUsers = 0
	a.UniqueParticipants = 0
	a.ActiveParticipants = 0
	a.ParticipationRate = 0
	a.UserMessageCounts = nil
	a.PopularReactions = nil
	a.TrendingTopics = nil
	a.TrendingScore = 0
}
