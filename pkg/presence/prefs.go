package presence

import (
	"chatstate/pkg/models"
)

// SetNotificationConfig stores a user's presence notification
// preferences, replacing any existing entry.
func (r *Registry) SetNotificationConfig(cfg models.NotificationConfig) error {
	if cfg.UserID == "" {
		return ErrInvalidArgument
	}
	r.prefMu.Lock()
	r.prefs[cfg.UserID] = cfg
	r.prefMu.Unlock()
	return nil
}

// GetNotificationConfig returns the stored preferences for userID, or
// the defaults when none were set. Configs are never auto-deleted.
func (r *Registry) GetNotificationConfig(userID string) models.NotificationConfig {
	r.prefMu.RLock()
	cfg, ok := r.prefs[userID]
	r.prefMu.RUnlock()
	if !ok {
		return models.DefaultNotificationConfig(userID)
	}
	return cfg
}

// ShouldNotify reports whether observerID wants to see the given
// indicator: notifications enabled, the activity kind visible, and the
// typer is someone else.
func (r *Registry) ShouldNotify(observerID string, ind models.TypingIndicator) bool {
	if observerID == ind.UserID {
		return false
	}
	cfg := r.GetNotificationConfig(observerID)
	if !cfg.Enabled {
		return false
	}
	return cfg.VisibleActivities[ind.Activity]
}

func draftKey(userID, chatID string) string { return userID + "|" + chatID }

// SaveTypingDraft stores the in-progress message text for (userID,
// chatID) and flags the live indicator, if any, as draft-backed.
func (r *Registry) SaveTypingDraft(userID, chatID, text string) error {
	if userID == "" || chatID == "" {
		return ErrInvalidArgument
	}
	r.draftMu.Lock()
	r.drafts[draftKey(userID, chatID)] = text
	r.draftMu.Unlock()
	r.mutateIndicator(userID, chatID, func(ind *models.TypingIndicator) {
		ind.IsDraftSaved = true
		ind.EstimatedLength = uint32(len(text))
	})
	if r.tracker != nil {
		r.tracker.RecordDraftSave(userID)
	}
	return nil
}

// GetTypingDraft returns the saved draft for (userID, chatID).
func (r *Registry) GetTypingDraft(userID, chatID string) (string, bool) {
	r.draftMu.RLock()
	text, ok := r.drafts[draftKey(userID, chatID)]
	r.draftMu.RUnlock()
	return text, ok
}

// ClearTypingDraft discards the saved draft, reporting whether one
// existed. Invoked automatically when a stop carries messageSent.
func (r *Registry) ClearTypingDraft(userID, chatID string) bool {
	key := draftKey(userID, chatID)
	r.draftMu.Lock()
	_, ok := r.drafts[key]
	delete(r.drafts, key)
	r.draftMu.Unlock()
	return ok
}
