// Package threads owns the conversational structure of chats: thread
// lifecycle and metadata, per-thread participants with ordered
// permission levels, and the reply graph used to compute message depth.
// All state lives in memory behind one reader/writer lock; thread
// records are soft-deleted and never physically removed while replies
// reference them.
package threads

import (
	"sort"
	"sync"
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

const (
	// DefaultMaxDepth caps reply nesting.
	DefaultMaxDepth = 50

	// DefaultAutoArchiveAfter is the inactivity window before an
	// auto-archiving thread is put to rest.
	DefaultAutoArchiveAfter = 7 * 24 * time.Hour

	// DefaultMaxParticipants bounds thread membership.
	DefaultMaxParticipants = 1000

	maxTitleLen       = 100
	maxDescriptionLen = 1000
)

// Recorder receives best-effort durable copies of thread activity.
type Recorder interface {
	Record(models.Interaction)
}

// Callbacks are in-process listeners invoked after mutations, on the
// registry's notifier goroutine and never under its locks.
type Callbacks struct {
	ThreadCreated func(models.Thread)
	ThreadUpdated func(models.Thread, string)
	ReplyAdded    func(models.MessageReply)
}

// Registry is the in-memory thread store. Safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	threads      map[string]*models.Thread
	participants map[string]map[string]*models.ThreadParticipant

	byChat          map[string]map[string]bool
	byUser          map[string]map[string]bool
	byParentMessage map[string]string

	replies        map[string]*models.MessageReply
	replyByMessage map[string]*models.MessageReply // replying message id -> its edge
	replyChildren  map[string][]string             // parent message id -> reply ids, creation order

	maxDepth           uint32
	defaultMaxMembers  uint32
	autoArchiveEnabled bool

	clk      clock.Clock
	hub      *hub.Hub
	notifier *dispatch.Pool
	tracker  *analytics.Tracker
	recorder Recorder
	cbs      Callbacks
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clk = c }
}

// WithHub sets the pub/sub hub thread events are published to.
func WithHub(h *hub.Hub) Option {
	return func(r *Registry) { r.hub = h }
}

// WithMaxDepth caps computed reply depth.
func WithMaxDepth(d uint32) Option {
	return func(r *Registry) {
		if d > 0 {
			r.maxDepth = d
		}
	}
}

// WithDefaultMaxParticipants sets the membership cap applied to new
// threads.
func WithDefaultMaxParticipants(n uint32) Option {
	return func(r *Registry) {
		if n > 0 {
			r.defaultMaxMembers = n
		}
	}
}

// WithAutoArchive toggles the inactivity sweep for all threads.
func WithAutoArchive(enabled bool) Option {
	return func(r *Registry) { r.autoArchiveEnabled = enabled }
}

// WithTracker wires the analytics accumulator.
func WithTracker(t *analytics.Tracker) Option {
	return func(r *Registry) { r.tracker = t }
}

// WithCallbacks registers in-process listeners.
func WithCallbacks(cbs Callbacks) Option {
	return func(r *Registry) { r.cbs = cbs }
}

// WithRecorder wires an optional durable interaction sink.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// NewRegistry returns an empty registry with defaults applied.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		threads:            make(map[string]*models.Thread),
		participants:       make(map[string]map[string]*models.ThreadParticipant),
		byChat:             make(map[string]map[string]bool),
		byUser:             make(map[string]map[string]bool),
		byParentMessage:    make(map[string]string),
		replies:            make(map[string]*models.MessageReply),
		replyByMessage:     make(map[string]*models.MessageReply),
		replyChildren:      make(map[string][]string),
		maxDepth:           DefaultMaxDepth,
		defaultMaxMembers:  DefaultMaxParticipants,
		autoArchiveEnabled: true,
		clk:                clock.System(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.hub == nil {
		r.hub = hub.New()
	}
	if r.tracker == nil {
		r.tracker = analytics.NewTracker(r.clk, analytics.DefaultPeriod)
	}
	r.notifier = dispatch.NewPool(1, 4096)
	return r
}

// Hub returns the hub thread events are published to. Per-thread
// events are keyed "thread:<threadID>", chat-wide "chat-threads:<chatID>".
func (r *Registry) Hub() *hub.Hub { return r.hub }

// Tracker returns the analytics accumulator backing trending queries.
func (r *Registry) Tracker() *analytics.Tracker { return r.tracker }

// SetMaxDepth changes the reply depth cap at runtime.
func (r *Registry) SetMaxDepth(d uint32) {
	if d == 0 {
		return
	}
	r.mu.Lock()
	r.maxDepth = d
	r.mu.Unlock()
}

// SetAutoArchive toggles the inactivity sweep at runtime.
func (r *Registry) SetAutoArchive(enabled bool) {
	r.mu.Lock()
	r.autoArchiveEnabled = enabled
	r.mu.Unlock()
}

// SetAnalyticsEnabled toggles analytics accumulation at runtime. While
// off, message, reaction and concurrency records are dropped and the
// background recompute is a no-op.
func (r *Registry) SetAnalyticsEnabled(enabled bool) {
	r.tracker.SetEnabled(enabled)
}

// CreateThread anchors a new thread to parentMessageID and enrolls the
// creator as its Admin participant. Creating a second thread on the
// same parent message returns the existing thread instead of a
// duplicate.
func (r *Registry) CreateThread(chatID, parentMessageID, creatorID, title, description string) (models.Thread, error) {
	if chatID == "" || parentMessageID == "" || creatorID == "" {
		return models.Thread{}, ErrInvalidArgument
	}
	if len(title) > maxTitleLen || len(description) > maxDescriptionLen {
		return models.Thread{}, ErrInvalidArgument
	}
	now := r.clk.Now()

	r.mu.Lock()
	if existingID, ok := r.byParentMessage[parentMessageID]; ok {
		existing := *r.threads[existingID]
		r.mu.Unlock()
		return existing, nil
	}

	th := &models.Thread{
		ThreadID:            ident.Thread(),
		ChatID:              chatID,
		ParentMessageID:     parentMessageID,
		Title:               title,
		Description:         description,
		Visibility:          models.VisibilityPublic,
		Status:              models.StatusActive,
		CreatorID:           creatorID,
		CreatedAt:           now,
		UpdatedAt:           now,
		LastActivity:        now,
		ParticipantCount:    1,
		AllowReactions:      true,
		AllowReplies:        true,
		AutoArchive:         true,
		AutoArchiveDuration: DefaultAutoArchiveAfter,
		MaxParticipants:     r.defaultMaxMembers,
		Category:            "general",
		Priority:            1,
	}
	r.threads[th.ThreadID] = th
	r.participants[th.ThreadID] = map[string]*models.ThreadParticipant{
		creatorID: {
			UserID:               creatorID,
			ThreadID:             th.ThreadID,
			Level:                models.LevelAdmin,
			JoinedAt:             now,
			LastRead:             now,
			LastActive:           now,
			NotificationsEnabled: true,
		},
	}
	r.indexLocked(th, creatorID)
	snapshot := *th
	r.enqueueLocked(models.ThreadEvent{
		Type:      models.ThreadCreated,
		ThreadID:  th.ThreadID,
		UserID:    creatorID,
		Thread:    &snapshot,
		Timestamp: now,
	}, func() {
		if r.cbs.ThreadCreated != nil {
			r.cbs.ThreadCreated(snapshot)
		}
	})
	r.mu.Unlock()

	r.tracker.Init(snapshot.ThreadID)
	telemetry.Threads.WithLabelValues("active").Inc()
	r.record(models.Interaction{ID: snapshot.ThreadID, Kind: "thread_created", UserID: creatorID, ChatID: chatID, ThreadID: snapshot.ThreadID, TS: now})
	logger.Info("thread_created", "thread", snapshot.ThreadID, "chat", chatID, "creator", creatorID)
	return snapshot, nil
}

func (r *Registry) indexLocked(th *models.Thread, userID string) {
	if r.byChat[th.ChatID] == nil {
		r.byChat[th.ChatID] = make(map[string]bool)
	}
	r.byChat[th.ChatID][th.ThreadID] = true
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]bool)
	}
	r.byUser[userID][th.ThreadID] = true
	r.byParentMessage[th.ParentMessageID] = th.ThreadID
}

// GetThread returns a copy of the thread and counts the view.
func (r *Registry) GetThread(threadID string) (models.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return models.Thread{}, ErrNotFound
	}
	th.ViewCount++
	return *th, nil
}

// GetThreadByParentMessage resolves the thread anchored to a message.
func (r *Registry) GetThreadByParentMessage(parentMessageID string) (models.Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byParentMessage[parentMessageID]
	if !ok {
		return models.Thread{}, false
	}
	return *r.threads[id], true
}

// UpdateThread merges non-nil patch fields into the thread and bumps
// updatedAt.
func (r *Registry) UpdateThread(threadID string, patch models.ThreadPatch) (models.Thread, error) {
	if patch.Title != nil && len(*patch.Title) > maxTitleLen {
		return models.Thread{}, ErrInvalidArgument
	}
	if patch.Description != nil && len(*patch.Description) > maxDescriptionLen {
		return models.Thread{}, ErrInvalidArgument
	}
	now := r.clk.Now()

	r.mu.Lock()
	th, ok := r.threads[threadID]
	if !ok {
		r.mu.Unlock()
		return models.Thread{}, ErrNotFound
	}
	if patch.Title != nil {
		th.Title = *patch.Title
	}
	if patch.Description != nil {
		th.Description = *patch.Description
	}
	if patch.Visibility != nil {
		th.Visibility = *patch.Visibility
	}
	if patch.AllowReactions != nil {
		th.AllowReactions = *patch.AllowReactions
	}
	if patch.AllowReplies != nil {
		th.AllowReplies = *patch.AllowReplies
	}
	if patch.AutoArchive != nil {
		th.AutoArchive = *patch.AutoArchive
	}
	if patch.AutoArchiveDuration != nil && *patch.AutoArchiveDuration > 0 {
		th.AutoArchiveDuration = *patch.AutoArchiveDuration
	}
	if patch.MaxParticipants != nil && *patch.MaxParticipants > 0 {
		th.MaxParticipants = *patch.MaxParticipants
	}
	if patch.Tags != nil {
		th.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.Category != nil {
		th.Category = *patch.Category
	}
	if patch.Priority != nil {
		th.Priority = *patch.Priority
	}
	th.UpdatedAt = now
	snapshot := *th
	r.enqueueLocked(models.ThreadEvent{
		Type:      models.ThreadUpdated,
		ThreadID:  threadID,
		Thread:    &snapshot,
		Timestamp: now,
	}, func() {
		if r.cbs.ThreadUpdated != nil {
			r.cbs.ThreadUpdated(snapshot, "update")
		}
	})
	r.mu.Unlock()

	logger.Debug("thread_updated", "thread", threadID)
	return snapshot, nil
}

// ArchiveThread puts a thread to rest. Requires Moderator or better.
func (r *Registry) ArchiveThread(threadID, actingUserID string) error {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	if !r.hasPermissionLocked(threadID, actingUserID, models.LevelModerator) {
		return ErrPermissionDenied
	}
	if th.Status == models.StatusArchived {
		return nil
	}
	r.archiveLocked(th, actingUserID, "manual", now)
	return nil
}

// archiveLocked transitions the thread and publishes the event. Must
// be called with r.mu held.
func (r *Registry) archiveLocked(th *models.Thread, actingUserID, reason string, now time.Time) {
	prev := statusLabel(th.Status)
	th.Status = models.StatusArchived
	th.UpdatedAt = now
	snapshot := *th
	r.enqueueLocked(models.ThreadEvent{
		Type:      models.ThreadArchived,
		ThreadID:  th.ThreadID,
		UserID:    actingUserID,
		Reason:    reason,
		Thread:    &snapshot,
		Timestamp: now,
	}, func() {
		if r.cbs.ThreadUpdated != nil {
			r.cbs.ThreadUpdated(snapshot, reason)
		}
	})
	telemetry.Threads.WithLabelValues(prev).Dec()
	telemetry.Threads.WithLabelValues("archived").Inc()
	logger.Info("thread_archived", "thread", th.ThreadID, "reason", reason)
}

// UnarchiveThread reactivates an archived thread. Requires Moderator
// or better. Archived is the only status that can move back to Active.
func (r *Registry) UnarchiveThread(threadID, actingUserID string) error {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	if !r.hasPermissionLocked(threadID, actingUserID, models.LevelModerator) {
		return ErrPermissionDenied
	}
	if th.Status != models.StatusArchived {
		return ErrInvalidArgument
	}
	th.Status = models.StatusActive
	th.UpdatedAt = now
	th.LastActivity = now
	snapshot := *th
	r.enqueueLocked(models.ThreadEvent{
		Type:      models.ThreadUpdated,
		ThreadID:  threadID,
		UserID:    actingUserID,
		Reason:    "unarchive",
		Thread:    &snapshot,
		Timestamp: now,
	}, func() {
		if r.cbs.ThreadUpdated != nil {
			r.cbs.ThreadUpdated(snapshot, "unarchive")
		}
	})
	telemetry.Threads.WithLabelValues("archived").Dec()
	telemetry.Threads.WithLabelValues("active").Inc()
	logger.Info("thread_unarchived", "thread", threadID)
	return nil
}

// DeleteThread soft-deletes a thread. Requires Admin. The record stays
// in place so replies keep resolving.
func (r *Registry) DeleteThread(threadID, actingUserID string) error {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	if !r.hasPermissionLocked(threadID, actingUserID, models.LevelAdmin) {
		return ErrPermissionDenied
	}
	if th.Status == models.StatusDeleted {
		return nil
	}
	prev := statusLabel(th.Status)
	th.Status = models.StatusDeleted
	th.UpdatedAt = now
	snapshot := *th
	r.enqueueLocked(models.ThreadEvent{
		Type:      models.ThreadDeleted,
		ThreadID:  threadID,
		UserID:    actingUserID,
		Thread:    &snapshot,
		Timestamp: now,
	}, nil)
	telemetry.Threads.WithLabelValues(prev).Dec()
	telemetry.Threads.WithLabelValues("deleted").Inc()
	r.record(models.Interaction{ID: threadID, Kind: "thread_deleted", UserID: actingUserID, ChatID: th.ChatID, ThreadID: threadID, TS: now})
	logger.Info("thread_deleted", "thread", threadID, "actor", actingUserID)
	return nil
}

// AddThreadMessage records a message posted into the thread: bumps the
// message counter and activity timestamps, the author's contribution
// counter, unread counts for everyone else, and the analytics window.
func (r *Registry) AddThreadMessage(threadID, messageID, userID string, length int) error {
	if threadID == "" || userID == "" {
		return ErrInvalidArgument
	}
	now := r.clk.Now()

	r.mu.Lock()
	th, ok := r.threads[threadID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	th.MessageCount++
	th.LastActivity = now
	th.UpdatedAt = now
	for uid, p := range r.participants[threadID] {
		if uid == userID {
			p.MessagesSent++
			p.LastActive = now
		} else if !p.IsMuted {
			p.UnreadCount++
		}
	}
	snapshot := *th
	r.enqueueLocked(models.ThreadEvent{
		Type:      models.MessageReplied,
		ThreadID:  threadID,
		UserID:    userID,
		Thread:    &snapshot,
		Timestamp: now,
	}, nil)
	r.mu.Unlock()

	r.tracker.RecordMessage(threadID, userID, length)
	r.record(models.Interaction{ID: messageID, Kind: "thread_message", UserID: userID, ChatID: snapshot.ChatID, ThreadID: threadID, TS: now})
	return nil
}

// RecordReaction counts a reaction toward the thread's analytics
// window. Threads that disallow reactions reject the call.
func (r *Registry) RecordReaction(threadID, userID, reaction string) error {
	r.mu.Lock()
	th, ok := r.threads[threadID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if !th.AllowReactions {
		r.mu.Unlock()
		return ErrPermissionDenied
	}
	if p := r.participants[threadID][userID]; p != nil {
		p.ReactionsGiven++
	}
	r.mu.Unlock()

	r.tracker.RecordReaction(threadID, reaction)
	return nil
}

// GetUserThreads returns threads the user participates in, most
// recently active first.
func (r *Registry) GetUserThreads(userID string) []models.Thread {
	r.mu.RLock()
	out := make([]models.Thread, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		if th := r.threads[id]; th != nil && th.Status != models.StatusDeleted {
			out = append(out, *th)
		}
	}
	r.mu.RUnlock()
	sortByActivity(out)
	return out
}

// GetChatThreads returns the chat's threads, most recently active
// first. Archived threads are included only when asked for; deleted
// threads never are.
func (r *Registry) GetChatThreads(chatID string, includeArchived bool) []models.Thread {
	r.mu.RLock()
	out := make([]models.Thread, 0, len(r.byChat[chatID]))
	for id := range r.byChat[chatID] {
		th := r.threads[id]
		if th == nil || th.Status == models.StatusDeleted {
			continue
		}
		if th.Status == models.StatusArchived && !includeArchived {
			continue
		}
		out = append(out, *th)
	}
	r.mu.RUnlock()
	sortByActivity(out)
	return out
}

// GetTrendingThreads returns up to limit active threads ranked by the
// last computed engagement score.
func (r *Registry) GetTrendingThreads(limit int) []models.Thread {
	ranked := r.tracker.Top(0)
	out := make([]models.Thread, 0, limit)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ranked {
		th := r.threads[id]
		if th == nil || th.Status != models.StatusActive {
			continue
		}
		out = append(out, *th)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func sortByActivity(ths []models.Thread) {
	sort.Slice(ths, func(i, j int) bool {
		if !ths[i].LastActivity.Equal(ths[j].LastActivity) {
			return ths[i].LastActivity.After(ths[j].LastActivity)
		}
		return ths[i].ThreadID < ths[j].ThreadID
	})
}

// AutoArchiveStale archives every active auto-archiving thread whose
// inactivity exceeds its configured duration. Called by the background
// sweeper. Returns the number archived.
func (r *Registry) AutoArchiveStale() int {
	now := r.clk.Now()
	archived := 0

	r.mu.Lock()
	if !r.autoArchiveEnabled {
		r.mu.Unlock()
		return 0
	}
	for _, th := range r.threads {
		if th.Status != models.StatusActive || !th.AutoArchive {
			continue
		}
		if now.Sub(th.LastActivity) <= th.AutoArchiveDuration {
			continue
		}
		r.archiveLocked(th, "", "auto_archive", now)
		archived++
	}
	r.mu.Unlock()

	if archived > 0 {
		logger.Info("threads_auto_archived", "count", archived)
	}
	return archived
}

// RecomputeAnalytics refreshes trending scores and derived rates from
// the current registry facts. Called by the background sweeper.
func (r *Registry) RecomputeAnalytics() int {
	return r.tracker.Recompute(func(threadID string) (analytics.ThreadActivity, bool) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		th, ok := r.threads[threadID]
		if !ok {
			return analytics.ThreadActivity{}, false
		}
		return analytics.ThreadActivity{
			LastActivity:     th.LastActivity,
			ParticipantCount: th.ParticipantCount,
		}, true
	})
}

// CheckConsistency verifies that each thread's participantCount matches
// the participant map, repairing and logging divergences. Returns the
// number of threads repaired.
func (r *Registry) CheckConsistency() int {
	repaired := 0
	r.mu.Lock()
	for id, th := range r.threads {
		actual := uint32(len(r.participants[id]))
		if th.ParticipantCount != actual {
			logger.Error("thread_state_diverged", "thread", id, "counted", th.ParticipantCount, "actual", actual)
			th.ParticipantCount = actual
			repaired++
		}
	}
	r.mu.Unlock()
	return repaired
}

func statusLabel(s models.ThreadStatus) string {
	switch s {
	case models.StatusActive:
		return "active"
	case models.StatusArchived:
		return "archived"
	case models.StatusLocked:
		return "locked"
	case models.StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// enqueueLocked hands an event to the single notifier worker. Enqueue
// order under r.mu is delivery order. Must be called with r.mu held.
func (r *Registry) enqueueLocked(ev models.ThreadEvent, cb func()) {
	chatID := ""
	if ev.Thread != nil {
		chatID = ev.Thread.ChatID
	}
	err := r.notifier.TrySubmit(func() {
		n := r.hub.Publish("thread:"+ev.ThreadID, ev)
		if chatID != "" {
			n += r.hub.Publish("chat-threads:"+chatID, ev)
		}
		telemetry.HubDeliveries.Add(float64(n))
		if cb != nil {
			cb()
		}
	})
	if err != nil {
		logger.Warn("thread_notify_dropped", "thread", ev.ThreadID, "type", string(ev.Type), "error", err)
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
