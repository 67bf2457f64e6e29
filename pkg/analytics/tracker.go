// Package analytics keeps rolling per-thread engagement windows. The
// mutation-path operations are O(1) counter bumps; ranking and trending
// scores are recomputed only on the background analytics cycle.
package analytics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatstate/pkg/clock"
	"chatstate/pkg/logger"
	"chatstate/pkg/models"
)

// DefaultPeriod is the analytics window length when none is configured.
const DefaultPeriod = 24 * time.Hour

// Tracker accumulates engagement counters per thread and composing
// stats per user. Safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	byThread map[string]*models.ThreadAnalytics
	byUser   map[string]*models.UserTypingStats

	enabled atomic.Bool

	clk    clock.Clock
	period time.Duration
}

// NewTracker returns an empty tracker using clk for window boundaries.
// Accumulation starts enabled.
func NewTracker(clk clock.Clock, period time.Duration) *Tracker {
	if clk == nil {
		clk = clock.System()
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	t := &Tracker{
		byThread: make(map[string]*models.ThreadAnalytics),
		byUser:   make(map[string]*models.UserTypingStats),
		clk:      clk,
		period:   period,
	}
	t.enabled.Store(true)
	return t
}

// SetEnabled toggles accumulation at runtime. While disabled the
// Record methods and Recompute are no-ops; existing windows are kept
// and accumulation resumes where it left off on re-enable.
func (t *Tracker) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Enabled reports whether accumulation is currently on.
func (t *Tracker) Enabled() bool { return t.enabled.Load() }

// Init opens a window for a new thread. Existing windows are kept.
func (t *Tracker) Init(threadID string) {
	now := t.clk.Now()
	t.mu.Lock()
	if _, ok := t.byThread[threadID]; !ok {
		t.byThread[threadID] = &models.ThreadAnalytics{
			ThreadID:    threadID,
			PeriodStart: now,
			PeriodEnd:   now.Add(t.period),
		}
	}
	t.mu.Unlock()
}

// Remove drops a thread's window, for example after hard cleanup.
func (t *Tracker) Remove(threadID string) {
	t.mu.Lock()
	delete(t.byThread, threadID)
	t.mu.Unlock()
}

// RecordMessage bumps the message counters for one posted message.
func (t *Tracker) RecordMessage(threadID, userID string, length int) {
	if !t.enabled.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.windowLocked(threadID)
	prevTotal := float64(a.TotalMessages)
	a.TotalMessages++
	a.AverageMessageLength = (a.AverageMessageLength*prevTotal + float64(length)) / float64(a.TotalMessages)
	if a.UserMessageCounts == nil {
		a.UserMessageCounts = make(map[string]uint32)
	}
	if a.UserMessageCounts[userID] == 0 {
		a.UniqueParticipants++
	}
	a.UserMessageCounts[userID]++
}

// RecordReaction bumps the per-reaction counter.
func (t *Tracker) RecordReaction(threadID, reaction string) {
	if !t.enabled.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.windowLocked(threadID)
	if a.PopularReactions == nil {
		a.PopularReactions = make(map[string]uint32)
	}
	a.PopularReactions[reaction]++
}

// RecordConcurrency tracks the peak number of simultaneously active
// users observed in the thread.
func (t *Tracker) RecordConcurrency(threadID string, active uint32) {
	if !t.enabled.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.windowLocked(threadID)
	a.ActiveParticipants = active
	if active > a.PeakConcurrentUsers {
		a.PeakConcurrentUsers = active
	}
}

// RecordTypingStart counts one composing session start against the
// user's activity distribution.
func (t *Tracker) RecordTypingStart(userID, activity string) {
	if !t.enabled.Load() || userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.userWindowLocked(userID)
	if u.ActivityCounts == nil {
		u.ActivityCounts = make(map[string]uint32)
	}
	u.ActivityCounts[activity]++
}

// RecordTypingStop closes one composing session: duration feeds the
// time averages, speedWPM (when positive) the speed averages and peak,
// and completed distinguishes a sent message from an abandoned or
// expired session.
func (t *Tracker) RecordTypingStop(userID string, duration time.Duration, speedWPM float64, completed bool) {
	if !t.enabled.Load() || userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.userWindowLocked(userID)
	u.TotalSessions++
	if completed {
		u.CompletedSessions++
	}
	u.CompletionRate = float64(u.CompletedSessions) / float64(u.TotalSessions)
	if duration > 0 {
		u.TotalTypingTime += duration
		u.AverageSessionTime = u.TotalTypingTime / time.Duration(u.TotalSessions)
	}
	if speedWPM > 0 {
		u.SpeedSamples++
		u.AverageSpeedWPM += (speedWPM - u.AverageSpeedWPM) / float64(u.SpeedSamples)
		if speedWPM > u.PeakSpeedWPM {
			u.PeakSpeedWPM = speedWPM
		}
	}
}

// RecordDraftSave counts one auto-saved draft for the user.
func (t *Tracker) RecordDraftSave(userID string) {
	if !t.enabled.Load() || userID == "" {
		return
	}
	t.mu.Lock()
	t.userWindowLocked(userID).DraftSaves++
	t.mu.Unlock()
}

// UserStats returns a copy of the user's composing window.
func (t *Tracker) UserStats(userID string) (models.UserTypingStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.byUser[userID]
	if !ok {
		return models.UserTypingStats{}, false
	}
	out := *u
	out.ActivityCounts = copyCounts(u.ActivityCounts)
	return out, true
}

func (t *Tracker) userWindowLocked(userID string) *models.UserTypingStats {
	u := t.byUser[userID]
	if u == nil {
		now := t.clk.Now()
		u = &models.UserTypingStats{
			UserID:      userID,
			PeriodStart: now,
			PeriodEnd:   now.Add(t.period),
		}
		t.byUser[userID] = u
	}
	return u
}

func (t *Tracker) windowLocked(threadID string) *models.ThreadAnalytics {
	a := t.byThread[threadID]
	if a == nil {
		now := t.clk.Now()
		a = &models.ThreadAnalytics{
			ThreadID:    threadID,
			PeriodStart: now,
			PeriodEnd:   now.Add(t.period),
		}
		t.byThread[threadID] = a
	}
	return a
}

// Snapshot returns a copy of the window for threadID.
func (t *Tracker) Snapshot(threadID string) (models.ThreadAnalytics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.byThread[threadID]
	if !ok {
		return models.ThreadAnalytics{}, false
	}
	out := *a
	out.UserMessageCounts = copyCounts(a.UserMessageCounts)
	out.PopularReactions = copyCounts(a.PopularReactions)
	out.TrendingTopics = append([]string(nil), a.TrendingTopics...)
	return out, true
}

func copyCounts(in map[string]uint32) map[string]uint32 {
	if in == nil {
		return nil
	}
	out := make(map[string]uint32, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// TrendingScore returns the last computed score for threadID.
func (t *Tracker) TrendingScore(threadID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.byThread[threadID]; ok {
		return a.TrendingScore
	}
	return 0
}

// ThreadActivity feeds Recompute with per-thread registry facts the
// tracker does not own itself.
type ThreadActivity struct {
	LastActivity     time.Time
	ParticipantCount uint32
}

// Recompute derives trending scores, message rates and participation
// rates for every tracked thread. lookup supplies registry-side facts;
// a nil result for a thread leaves its recency factor neutral. Expired
// windows are rolled over after scoring. Runs on the background
// analytics cycle, never on the mutation path.
func (t *Tracker) Recompute(lookup func(threadID string) (ThreadActivity, bool)) int {
	if !t.enabled.Load() {
		return 0
	}
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, a := range t.byThread {
		elapsed := now.Sub(a.PeriodStart)
		if elapsed > 0 {
			perHour := float64(a.TotalMessages) / elapsed.Hours()
			if perHour > math.MaxUint32 {
				perHour = math.MaxUint32
			}
			a.MessagesPerHour = uint32(perHour)
		}

		recency := 1.0
		if lookup != nil {
			if act, ok := lookup(id); ok {
				if act.ParticipantCount > 0 {
					a.ParticipationRate = float64(a.UniqueParticipants) / float64(act.ParticipantCount)
				}
				switch idle := now.Sub(act.LastActivity); {
				case idle <= time.Hour:
					recency = 2.0
				case idle <= 24*time.Hour:
					recency = 1.5
				}
			}
		}

		reactions := uint32(0)
		for _, n := range a.PopularReactions {
			reactions += n
		}
		a.TrendingScore = recency * (2.0*float64(a.TotalMessages) +
			3.0*float64(a.UniqueParticipants) +
			1.5*float64(reactions) +
			0.5*float64(a.PeakConcurrentUsers))
		a.TrendingTopics = topReactions(a.PopularReactions, 5)

		if !now.Before(a.PeriodEnd) {
			a.Reset()
			a.PeriodStart = now
			a.PeriodEnd = now.Add(t.period)
			logger.Debug("analytics_window_rolled", "thread", id)
		}
	}
	for id, u := range t.byUser {
		if !now.Before(u.PeriodEnd) {
			u.Reset()
			u.PeriodStart = now
			u.PeriodEnd = now.Add(t.period)
			logger.Debug("typing_window_rolled", "user", id)
		}
	}
	return len(t.byThread)
}

// Top returns up to limit thread ids ordered by descending trending
// score, ties broken by thread id for deterministic output.
func (t *Tracker) Top(limit int) []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.byThread))
	for id := range t.byThread {
		ids = append(ids, id)
	}
	scores := make(map[string]float64, len(ids))
	for id, a := range t.byThread {
		scores[id] = a.TrendingScore
	}
	t.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func topReactions(counts map[string]uint32, limit int) []string {
	if len(counts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return strings.Compare(keys[i], keys[j]) < 0
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
