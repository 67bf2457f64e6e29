// Package presence tracks who is composing what, where. It owns the
// ephemeral typing indicators, the derived per-chat aggregates and the
// notification fan-out for presence changes. All state is in memory;
// indicators carry a TTL and are pruned lazily on reads and eagerly by
// the background sweeper.
package presence

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chatstate/pkg/analytics"
	"chatstate/pkg/clock"
	"chatstate/pkg/dispatch"
	"chatstate/pkg/hub"
	"chatstate/pkg/ident"
	"chatstate/pkg/logger"
	"chatstate/pkg/models"
	"chatstate/pkg/telemetry"
)

// DefaultTimeout is the indicator TTL applied when no override is set.
const DefaultTimeout = 10 * time.Second

// Recorder receives best-effort durable copies of presence activity.
type Recorder interface {
	Record(models.Interaction)
}

// Callbacks are in-process listeners invoked after each mutation. They
// run on the registry's notifier goroutine, never under its locks, so
// they may call back into the registry.
type Callbacks struct {
	TypingStarted   func(models.TypingIndicator)
	TypingStopped   func(userID, chatID string, messageSent bool)
	ActivityChanged func(models.TypingIndicator)
}

// Registry is the in-memory presence store. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	chats map[string]*models.ChatTypingState

	draftMu sync.RWMutex
	drafts  map[string]string // userID+"|"+chatID -> draft text

	prefMu sync.RWMutex
	prefs  map[string]models.NotificationConfig

	timeout atomic.Int64 // nanoseconds

	clk      clock.Clock
	hub      *hub.Hub
	notifier *dispatch.Pool
	recorder Recorder
	tracker  *analytics.Tracker
	cbs      Callbacks
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clk = c }
}

// WithHub sets the pub/sub hub presence events are published to.
func WithHub(h *hub.Hub) Option {
	return func(r *Registry) { r.hub = h }
}

// WithTimeout sets the initial indicator TTL.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout.Store(int64(d))
		}
	}
}

// WithCallbacks registers in-process listeners.
func WithCallbacks(cbs Callbacks) Option {
	return func(r *Registry) { r.cbs = cbs }
}

// WithRecorder wires an optional durable interaction sink.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithAnalytics wires the accumulator that composing sessions feed
// their per-user stats into.
func WithAnalytics(t *analytics.Tracker) Option {
	return func(r *Registry) { r.tracker = t }
}

// NewRegistry returns an empty registry with a system clock and a
// private hub unless overridden.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		chats:  make(map[string]*models.ChatTypingState),
		drafts: make(map[string]string),
		prefs:  make(map[string]models.NotificationConfig),
		clk:    clock.System(),
	}
	r.timeout.Store(int64(DefaultTimeout))
	for _, o := range opts {
		o(r)
	}
	if r.hub == nil {
		r.hub = hub.New()
	}
	r.notifier = dispatch.NewPool(1, 4096)
	return r
}

// Hub returns the hub presence events are published to. Chat-level
// events are keyed "chat:<chatID>", per-user events "user:<userID>".
func (r *Registry) Hub() *hub.Hub { return r.hub }

// SetDefaultTimeout changes the TTL applied to indicators created or
// refreshed from now on. Existing expiry deadlines are not rewritten.
func (r *Registry) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		r.timeout.Store(int64(d))
	}
}

// DefaultTimeoutValue returns the currently configured indicator TTL.
func (r *Registry) DefaultTimeoutValue() time.Duration {
	return time.Duration(r.timeout.Load())
}

// StartTyping creates or replaces the indicator for (userID, chatID).
// Starting again while already active overwrites the existing indicator
// and resets its TTL. The returned indicator is the stored value.
func (r *Registry) StartTyping(userID, chatID string, activity models.TypingActivity, tctx models.TypingContext, threadID, replyToMessageID string) (models.TypingIndicator, error) {
	if userID == "" || chatID == "" {
		return models.TypingIndicator{}, ErrInvalidArgument
	}
	if tctx == models.ContextThread && threadID == "" {
		return models.TypingIndicator{}, ErrInvalidArgument
	}
	if tctx == models.ContextReply && replyToMessageID == "" {
		return models.TypingIndicator{}, ErrInvalidArgument
	}

	now := r.clk.Now()
	ind := models.TypingIndicator{
		TypingID:         ident.Typing(),
		UserID:           userID,
		ChatID:           chatID,
		ThreadID:         threadID,
		ReplyToMessageID: replyToMessageID,
		Activity:         activity,
		Context:          tctx,
		StartedAt:        now,
		LastUpdate:       now,
		ExpiresAt:        now.Add(r.DefaultTimeoutValue()),
		InForeground:     true,
		HasFocus:         true,
	}

	r.mu.Lock()
	st := r.chats[chatID]
	if st == nil {
		st = models.NewChatTypingState(chatID)
		r.chats[chatID] = st
	}
	_, existed := st.ActiveTypers[userID]
	st.AddTyper(ind, now)
	snapshot := st.Clone()
	r.enqueueLocked(models.TypingEvent{
		Type:      models.TypingStarted,
		UserID:    userID,
		ChatID:    chatID,
		ThreadID:  threadID,
		Activity:  activity,
		Indicator: &ind,
		State:     snapshot,
		Timestamp: now,
	}, func() {
		if r.cbs.TypingStarted != nil {
			r.cbs.TypingStarted(ind)
		}
	})
	r.mu.Unlock()

	if !existed {
		telemetry.ActiveIndicators.Inc()
	}
	if r.tracker != nil {
		r.tracker.RecordTypingStart(userID, activity.String())
	}
	telemetry.PresenceEvents.WithLabelValues("start").Inc()
	r.record(models.Interaction{ID: ind.TypingID, Kind: "typing_started", UserID: userID, ChatID: chatID, ThreadID: threadID, TS: now})
	logger.Debug("typing_started", "user", userID, "chat", chatID, "activity", activity.String())
	return ind, nil
}

// StartThreadTyping starts a thread-scoped indicator.
func (r *Registry) StartThreadTyping(userID, chatID, threadID string, activity models.TypingActivity) (models.TypingIndicator, error) {
	return r.StartTyping(userID, chatID, activity, models.ContextThread, threadID, "")
}

// StartReplyTyping starts an indicator scoped to composing a reply.
func (r *Registry) StartReplyTyping(userID, chatID, replyToMessageID string, activity models.TypingActivity) (models.TypingIndicator, error) {
	return r.StartTyping(userID, chatID, activity, models.ContextReply, "", replyToMessageID)
}

// UpdateTyping refreshes the TTL and composing metrics of an existing
// indicator. When the activity kind changed the change is published; a
// same-activity refresh is silent, which keeps one event per activity
// transition instead of one per keystroke. Returns false when no live
// indicator exists.
func (r *Registry) UpdateTyping(userID, chatID string, activity models.TypingActivity, estimatedLength uint32, speedWPM float64) (bool, error) {
	if userID == "" || chatID == "" {
		return false, ErrInvalidArgument
	}
	now := r.clk.Now()

	r.mu.Lock()
	st := r.chats[chatID]
	if st == nil {
		r.mu.Unlock()
		return false, nil
	}
	ind, ok := st.ActiveTypers[userID]
	if !ok || ind.Expired(now) {
		r.mu.Unlock()
		return false, nil
	}
	changed := ind.Activity != activity
	ind.Activity = activity
	ind.LastUpdate = now
	ind.ExpiresAt = now.Add(r.DefaultTimeoutValue())
	if estimatedLength > 0 {
		ind.EstimatedLength = estimatedLength
	}
	if ReasonableSpeed(speedWPM) {
		ind.TypingSpeedWPM = speedWPM
	}
	st.AddTyper(ind, now)
	if changed {
		snapshot := st.Clone()
		r.enqueueLocked(models.TypingEvent{
			Type:      models.ActivityChanged,
			UserID:    userID,
			ChatID:    chatID,
			ThreadID:  ind.ThreadID,
			Activity:  activity,
			Indicator: &ind,
			State:     snapshot,
			Timestamp: now,
		}, func() {
			if r.cbs.ActivityChanged != nil {
				r.cbs.ActivityChanged(ind)
			}
		})
	}
	r.mu.Unlock()

	telemetry.PresenceEvents.WithLabelValues("update").Inc()
	if changed {
		logger.Debug("typing_activity_changed", "user", userID, "chat", chatID, "activity", activity.String())
	}
	return true, nil
}

// StopTyping removes the indicator for (userID, chatID). Stopping an
// absent or already expired indicator is a no-op returning false; the
// sweeper owns expired removals. When messageSent is true any saved
// draft for the pair is discarded.
func (r *Registry) StopTyping(userID, chatID string, messageSent bool) (bool, error) {
	if userID == "" || chatID == "" {
		return false, ErrInvalidArgument
	}
	now := r.clk.Now()

	r.mu.Lock()
	st := r.chats[chatID]
	if st == nil {
		r.mu.Unlock()
		return false, nil
	}
	ind, ok := st.ActiveTypers[userID]
	if !ok || ind.Expired(now) {
		r.mu.Unlock()
		return false, nil
	}
	st.RemoveTyper(userID, now)
	var snapshot *models.ChatTypingState
	if st.HasActivity() {
		snapshot = st.Clone()
	} else {
		delete(r.chats, chatID)
		snapshot = models.NewChatTypingState(chatID)
	}
	r.enqueueLocked(models.TypingEvent{
		Type:      models.TypingStopped,
		UserID:    userID,
		ChatID:    chatID,
		ThreadID:  ind.ThreadID,
		Activity:  ind.Activity,
		State:     snapshot,
		Timestamp: now,
	}, func() {
		if r.cbs.TypingStopped != nil {
			r.cbs.TypingStopped(userID, chatID, messageSent)
		}
	})
	r.mu.Unlock()

	if messageSent {
		r.ClearTypingDraft(userID, chatID)
	}
	if r.tracker != nil {
		r.tracker.RecordTypingStop(userID, now.Sub(ind.StartedAt), ind.TypingSpeedWPM, messageSent)
	}
	telemetry.ActiveIndicators.Dec()
	telemetry.PresenceEvents.WithLabelValues("stop").Inc()
	r.record(models.Interaction{ID: ind.TypingID, Kind: "typing_stopped", UserID: userID, ChatID: chatID, ThreadID: ind.ThreadID, TS: now, Detail: map[string]any{"message_sent": messageSent, "duration_ms": now.Sub(ind.StartedAt).Milliseconds()}})
	logger.Debug("typing_stopped", "user", userID, "chat", chatID, "message_sent", messageSent)
	return true, nil
}

// GetChatTypers returns the live indicators in a chat, ordered by user
// id. Expired indicators are filtered out but not removed; removal is
// the sweeper's job.
func (r *Registry) GetChatTypers(chatID string) []models.TypingIndicator {
	now := r.clk.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.chats[chatID]
	if st == nil {
		return nil
	}
	out := make([]models.TypingIndicator, 0, len(st.ActiveTypers))
	for _, ind := range st.ActiveTypers {
		if !ind.Expired(now) {
			out = append(out, ind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// GetThreadTypers returns live indicators composing inside one thread.
func (r *Registry) GetThreadTypers(chatID, threadID string) []models.TypingIndicator {
	all := r.GetChatTypers(chatID)
	out := all[:0]
	for _, ind := range all {
		if ind.ThreadID == threadID {
			out = append(out, ind)
		}
	}
	return out
}

// GetChatTypingState returns a snapshot of the per-chat aggregate with
// expired indicators already pruned from the copy. The second return is
// false when the chat has no presence state.
func (r *Registry) GetChatTypingState(chatID string) (*models.ChatTypingState, bool) {
	now := r.clk.Now()
	r.mu.RLock()
	st := r.chats[chatID]
	var snapshot *models.ChatTypingState
	if st != nil {
		snapshot = st.Clone()
	}
	r.mu.RUnlock()
	if snapshot == nil {
		return nil, false
	}
	snapshot.CleanupExpired(now)
	return snapshot, true
}

// GetUserTypingState returns the live indicator for (userID, chatID).
func (r *Registry) GetUserTypingState(userID, chatID string) (models.TypingIndicator, bool) {
	now := r.clk.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.chats[chatID]
	if st == nil {
		return models.TypingIndicator{}, false
	}
	ind, ok := st.ActiveTypers[userID]
	if !ok || ind.Expired(now) {
		return models.TypingIndicator{}, false
	}
	return ind, true
}

// ActiveCount returns the number of live indicators across all chats,
// including ones whose TTL elapsed but were not yet swept.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.chats {
		n += len(st.ActiveTypers)
	}
	return n
}

// SetDeviceContext annotates the live indicator for (userID, chatID)
// with client device details. Returns false when no indicator is live.
func (r *Registry) SetDeviceContext(userID, chatID, deviceType, platform string, mobileKeyboard bool) (bool, error) {
	if userID == "" || chatID == "" {
		return false, ErrInvalidArgument
	}
	return r.mutateIndicator(userID, chatID, func(ind *models.TypingIndicator) {
		ind.DeviceType = deviceType
		ind.Platform = platform
		ind.IsMobileKeyboard = mobileKeyboard
	})
}

// SetAppContext records foreground and focus hints on the live
// indicator. Returns false when no indicator is live.
func (r *Registry) SetAppContext(userID, chatID string, inForeground, hasFocus bool) (bool, error) {
	if userID == "" || chatID == "" {
		return false, ErrInvalidArgument
	}
	return r.mutateIndicator(userID, chatID, func(ind *models.TypingIndicator) {
		ind.InForeground = inForeground
		ind.HasFocus = hasFocus
	})
}

// RecordTypingMetrics updates composing telemetry (estimated length,
// speed, dictation flag) on the live indicator.
func (r *Registry) RecordTypingMetrics(userID, chatID string, estimatedLength uint32, wpm float64, dictating bool) (bool, error) {
	if userID == "" || chatID == "" {
		return false, ErrInvalidArgument
	}
	return r.mutateIndicator(userID, chatID, func(ind *models.TypingIndicator) {
		ind.EstimatedLength = estimatedLength
		if ReasonableSpeed(wpm) {
			ind.TypingSpeedWPM = wpm
		}
		ind.IsDictating = dictating
	})
}

func (r *Registry) mutateIndicator(userID, chatID string, fn func(*models.TypingIndicator)) (bool, error) {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.chats[chatID]
	if st == nil {
		return false, nil
	}
	ind, ok := st.ActiveTypers[userID]
	if !ok || ind.Expired(now) {
		return false, nil
	}
	fn(&ind)
	ind.LastUpdate = now
	st.AddTyper(ind, now)
	return true, nil
}

// ExpireStale removes every indicator whose TTL elapsed, publishing a
// stop event per removal, and garbage-collects empty chat aggregates.
// Called by the background sweeper. Returns the number removed.
func (r *Registry) ExpireStale() int {
	now := r.clk.Now()
	removed := 0
	var abandoned []models.TypingIndicator

	r.mu.Lock()
	for chatID, st := range r.chats {
		for _, ind := range st.ActiveTypers {
			if ind.Expired(now) {
				abandoned = append(abandoned, ind)
			}
		}
		expired := st.CleanupExpired(now)
		for _, uid := range expired {
			uid := uid
			var snapshot *models.ChatTypingState
			if st.HasActivity() {
				snapshot = st.Clone()
			} else {
				snapshot = models.NewChatTypingState(chatID)
			}
			r.enqueueLocked(models.TypingEvent{
				Type:      models.TypingStopped,
				UserID:    uid,
				ChatID:    chatID,
				State:     snapshot,
				Timestamp: now,
			}, func() {
				if r.cbs.TypingStopped != nil {
					r.cbs.TypingStopped(uid, chatID, false)
				}
			})
		}
		removed += len(expired)
		if !st.HasActivity() {
			delete(r.chats, chatID)
		}
	}
	r.mu.Unlock()

	if r.tracker != nil {
		for _, ind := range abandoned {
			r.tracker.RecordTypingStop(ind.UserID, now.Sub(ind.StartedAt), ind.TypingSpeedWPM, false)
		}
	}
	if removed > 0 {
		telemetry.ActiveIndicators.Sub(float64(removed))
		telemetry.PresenceEvents.WithLabelValues("expire").Add(float64(removed))
		logger.Debug("typing_expired", "count", removed)
	}
	return removed
}

// CheckConsistency verifies that aggregate counters match the indicator
// maps, repairing and logging any divergence. Returns the number of
// chats repaired.
func (r *Registry) CheckConsistency() int {
	repaired := 0
	r.mu.Lock()
	for chatID, st := range r.chats {
		if consistent(st) {
			continue
		}
		logger.Error("presence_state_diverged", "chat", chatID, "typers", len(st.ActiveTypers), "counted", st.TotalActiveTypers)
		rebuilt := models.NewChatTypingState(chatID)
		for _, ind := range st.ActiveTypers {
			rebuilt.AddTyper(ind, st.LastUpdate)
		}
		r.chats[chatID] = rebuilt
		repaired++
	}
	r.mu.Unlock()
	return repaired
}

func consistent(st *models.ChatTypingState) bool {
	if int(st.TotalActiveTypers) != len(st.ActiveTypers) {
		return false
	}
	grouped := 0
	for _, g := range st.ActivityGroups {
		grouped += len(g)
	}
	return grouped == len(st.ActiveTypers)
}

// enqueueLocked hands an event to the single notifier worker. Enqueue
// order under r.mu is delivery order, so subscribers observe events for
// one chat in mutation order. Must be called with r.mu held.
func (r *Registry) enqueueLocked(ev models.TypingEvent, cb func()) {
	err := r.notifier.TrySubmit(func() {
		n := r.hub.Publish("chat:"+ev.ChatID, ev)
		n += r.hub.Publish("user:"+ev.UserID, ev)
		telemetry.HubDeliveries.Add(float64(n))
		if cb != nil {
			cb()
		}
	})
	if err != nil {
		logger.Warn("presence_notify_dropped", "chat", ev.ChatID, "user", ev.UserID, "type", string(ev.Type), "error", err)
	}
}

func (r *Registry) record(it models.Interaction) {
	if r.recorder != nil {
		r.recorder.Record(it)
	}
}

// Close flushes and stops the notifier worker. The registry must not
// be mutated after Close.
func (r *Registry) Close() {
	r.notifier.Close()
}
