package threads

import (
	"sort"

	"chatstate/pkg/logger"
	"chatstate/pkg/models"
)

// AddParticipant enrolls userID in the thread at the given level.
// Returns (false, nil) when already a member and ErrCapacityExceeded
// when the thread is full.
func (r *Registry) AddParticipant(threadID, userID string, level models.ParticipationLevel) (bool, error) {
	if threadID == "" || userID == "" {
		return false, ErrInvalidArgument
	}
	if level < models.LevelObserver || level > models.LevelAdmin {
		return false, ErrInvalidArgument
	}
	now := r.clk.Now()

	r.mu.Lock()
	th, ok := r.threads[threadID]
	if !ok || th.Status == models.StatusDeleted {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	members := r.participants[threadID]
	if members == nil {
		members = make(map[string]*models.ThreadParticipant)
		r.participants[threadID] = members
	}
	if _, exists := members[userID]; exists {
		r.mu.Unlock()
		return false, nil
	}
	if uint32(len(members)) >= th.MaxParticipants {
		r.mu.Unlock()
		return false, ErrCapacityExceeded
	}
	p := &models.ThreadParticipant{
		UserID:               userID,
		ThreadID:             threadID,
		Level:                level,
		JoinedAt:             now,
		LastActive:           now,
		NotificationsEnabled: true,
	}
	members[userID] = p
	th.ParticipantCount = uint32(len(members))
	th.LastActivity = now
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]bool)
	}
	r.byUser[userID][threadID] = true
	snapshot := *p
	r.enqueueLocked(models.ThreadEvent{
		Type:        models.ParticipantJoined,
		ThreadID:    threadID,
		UserID:      userID,
		Participant: &snapshot,
		Timestamp:   now,
	}, nil)
	active := uint32(len(members))
	r.mu.Unlock()

	r.tracker.RecordConcurrency(threadID, active)
	logger.Debug("participant_joined", "thread", threadID, "user", userID, "level", int(level))
	return true, nil
}

// RemoveParticipant drops userID from the thread. Removing a
// non-member returns (false, nil). When the departing user was the
// only Admin, the longest-standing remaining member is promoted so an
// active thread never loses its last Admin.
func (r *Registry) RemoveParticipant(threadID, userID string) (bool, error) {
	if threadID == "" || userID == "" {
		return false, ErrInvalidArgument
	}
	now := r.clk.Now()

	r.mu.Lock()
	th, ok := r.threads[threadID]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	members := r.participants[threadID]
	leaving, exists := members[userID]
	if !exists {
		r.mu.Unlock()
		return false, nil
	}
	delete(members, userID)
	delete(r.byUser[userID], threadID)
	th.ParticipantCount = uint32(len(members))

	if leaving.Level == models.LevelAdmin && len(members) > 0 && !anyAdmin(members) {
		oldest := oldestMember(members)
		oldest.Level = models.LevelAdmin
		logger.Info("participant_promoted", "thread", threadID, "user", oldest.UserID)
	}
	r.enqueueLocked(models.ThreadEvent{
		Type:      models.ParticipantLeft,
		ThreadID:  threadID,
		UserID:    userID,
		Timestamp: now,
	}, nil)
	r.mu.Unlock()

	logger.Debug("participant_left", "thread", threadID, "user", userID)
	return true, nil
}

func anyAdmin(members map[string]*models.ThreadParticipant) bool {
	for _, p := range members {
		if p.Level == models.LevelAdmin {
			return true
		}
	}
	return false
}

func oldestMember(members map[string]*models.ThreadParticipant) *models.ThreadParticipant {
	var oldest *models.ThreadParticipant
	for _, p := range members {
		if oldest == nil ||
			p.JoinedAt.Before(oldest.JoinedAt) ||
			(p.JoinedAt.Equal(oldest.JoinedAt) && p.UserID < oldest.UserID) {
			oldest = p
		}
	}
	return oldest
}

// UpdateParticipationLevel changes a member's level. Demoting the only
// Admin is rejected so the thread keeps at least one. Returns
// (false, nil) for non-members.
func (r *Registry) UpdateParticipationLevel(threadID, userID string, level models.ParticipationLevel) (bool, error) {
	if level < models.LevelObserver || level > models.LevelAdmin {
		return false, ErrInvalidArgument
	}
	now := r.clk.Now()

	r.mu.Lock()
	if _, ok := r.threads[threadID]; !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	members := r.participants[threadID]
	p, exists := members[userID]
	if !exists {
		r.mu.Unlock()
		return false, nil
	}
	if p.Level == models.LevelAdmin && level < models.LevelAdmin && countAdmins(members) == 1 {
		r.mu.Unlock()
		return false, ErrInvalidArgument
	}
	p.Level = level
	snapshot := *p
	r.enqueueLocked(models.ThreadEvent{
		Type:        models.ParticipantLevelChanged,
		ThreadID:    threadID,
		UserID:      userID,
		Participant: &snapshot,
		Timestamp:   now,
	}, nil)
	r.mu.Unlock()

	logger.Debug("participant_level_changed", "thread", threadID, "user", userID, "level", int(level))
	return true, nil
}

func countAdmins(members map[string]*models.ThreadParticipant) int {
	n := 0
	for _, p := range members {
		if p.Level == models.LevelAdmin {
			n++
		}
	}
	return n
}

// HasPermission reports whether userID holds at least the required
// level in the thread. Non-members hold nothing.
func (r *Registry) HasPermission(threadID, userID string, required models.ParticipationLevel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasPermissionLocked(threadID, userID, required)
}

func (r *Registry) hasPermissionLocked(threadID, userID string, required models.ParticipationLevel) bool {
	p, ok := r.participants[threadID][userID]
	if !ok {
		return false
	}
	return p.Level.Satisfies(required)
}

// CanView reports whether userID may read the thread. Public threads
// are readable by anyone; private and restricted ones require at least
// Observer membership. Deleted threads are invisible to everyone.
func (r *Registry) CanView(threadID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	th, ok := r.threads[threadID]
	if !ok || th.Status == models.StatusDeleted {
		return false
	}
	if th.Visibility == models.VisibilityPublic {
		return true
	}
	return r.hasPermissionLocked(threadID, userID, models.LevelObserver)
}

// CanParticipate reports whether userID may post into the thread.
func (r *Registry) CanParticipate(threadID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	th, ok := r.threads[threadID]
	if !ok || th.Status != models.StatusActive || !th.AllowReplies {
		return false
	}
	return r.hasPermissionLocked(threadID, userID, models.LevelParticipant)
}

// CanModerate reports whether userID may archive or moderate the
// thread.
func (r *Registry) CanModerate(threadID, userID string) bool {
	return r.HasPermission(threadID, userID, models.LevelModerator)
}

// MarkThreadRead resets the member's unread counter and stamps
// lastRead. Returns (false, nil) for non-members.
func (r *Registry) MarkThreadRead(threadID, userID string) (bool, error) {
	now := r.clk.Now()
	r.mu.Lock()
	if _, ok := r.threads[threadID]; !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	p, exists := r.participants[threadID][userID]
	if !exists {
		r.mu.Unlock()
		return false, nil
	}
	p.LastRead = now
	p.LastActive = now
	p.UnreadCount = 0
	r.enqueueLocked(models.ThreadEvent{
		Type:      models.ThreadRead,
		ThreadID:  threadID,
		UserID:    userID,
		Timestamp: now,
	}, nil)
	r.mu.Unlock()
	return true, nil
}

// GetUnreadCount returns the member's unread counter, zero for
// non-members.
func (r *Registry) GetUnreadCount(threadID, userID string) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.participants[threadID][userID]; ok {
		return p.UnreadCount
	}
	return 0
}

// SetParticipantNotifications updates a member's notification flags.
func (r *Registry) SetParticipantNotifications(threadID, userID string, enabled, muted bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[threadID]; !ok {
		return false, ErrNotFound
	}
	p, exists := r.participants[threadID][userID]
	if !exists {
		return false, nil
	}
	p.NotificationsEnabled = enabled
	p.IsMuted = muted
	return true, nil
}

// GetParticipants returns the thread's members ordered by join time.
func (r *Registry) GetParticipants(threadID string) []models.ThreadParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.participants[threadID]
	out := make([]models.ThreadParticipant, 0, len(members))
	for _, p := range members {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
