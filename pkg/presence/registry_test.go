package presence

import (
	"errors"
	"testing"
	"time"

	"chatstate/pkg/analytics"
	"chatstate/pkg/clock"
	"chatstate/pkg/hub"
	"chatstate/pkg/models"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewRegistry(WithClock(fc))
	t.Cleanup(r.Close)
	return r, fc
}

func collectEvents(t *testing.T, h *hub.Hub, key string) <-chan models.TypingEvent {
	t.Helper()
	ch := make(chan models.TypingEvent, 64)
	h.Subscribe(key, "test-listener", func(ev any) {
		ch <- ev.(models.TypingEvent)
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan models.TypingEvent) models.TypingEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.TypingEvent{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan models.TypingEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s for %s", ev.Type, ev.UserID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartTypingDefaults(t *testing.T) {
	r, fc := newTestRegistry(t)
	now := fc.Now()

	ind, err := r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	if err != nil {
		t.Fatalf("StartTyping: %v", err)
	}
	if ind.UserID != "alice" || ind.ChatID != "chat1" {
		t.Fatalf("unexpected identity: %+v", ind)
	}
	if !ind.ExpiresAt.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("expected 10s default timeout, got expiry %v", ind.ExpiresAt)
	}
	if ind.TypingID == "" {
		t.Fatal("expected a generated typing id")
	}

	typers := r.GetChatTypers("chat1")
	if len(typers) != 1 || typers[0].UserID != "alice" {
		t.Fatalf("expected exactly alice, got %+v", typers)
	}
}

func TestStartTypingValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	cases := []struct {
		name                string
		user, chat          string
		ctx                 models.TypingContext
		threadID, replyToID string
	}{
		{"empty user", "", "chat1", models.ContextMainChat, "", ""},
		{"empty chat", "alice", "", models.ContextMainChat, "", ""},
		{"thread context without thread id", "alice", "chat1", models.ContextThread, "", ""},
		{"reply context without reply id", "alice", "chat1", models.ContextReply, "", ""},
	}
	for _, tc := range cases {
		_, err := r.StartTyping(tc.user, tc.chat, models.ActivityTyping, tc.ctx, tc.threadID, tc.replyToID)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
	}
	if r.ActiveCount() != 0 {
		t.Fatal("rejected calls must not mutate state")
	}
}

func TestStartOverwritesExisting(t *testing.T) {
	r, fc := newTestRegistry(t)
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	fc.Advance(5 * time.Second)
	ind, err := r.StartTyping("alice", "chat1", models.ActivityRecordingAudio, models.ContextMainChat, "", "")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("expected one indicator per (user, chat), got %d", r.ActiveCount())
	}
	if ind.Activity != models.ActivityRecordingAudio {
		t.Fatalf("expected overwritten activity, got %v", ind.Activity)
	}
	st, ok := r.GetChatTypingState("chat1")
	if !ok || st.GroupSize(models.ActivityTyping) != 0 || st.GroupSize(models.ActivityRecordingAudio) != 1 {
		t.Fatalf("activity groups not moved on overwrite: %+v", st)
	}
}

func TestStopTypingIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")

	ok, err := r.StopTyping("alice", "chat1", false)
	if !ok || err != nil {
		t.Fatalf("first stop: got (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = r.StopTyping("alice", "chat1", false)
	if ok || err != nil {
		t.Fatalf("second stop: got (%v, %v), want (false, nil)", ok, err)
	}
}

func TestStopTypingExpiredIndicator(t *testing.T) {
	r, fc := newTestRegistry(t)
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	fc.Advance(11 * time.Second)

	ok, err := r.StopTyping("alice", "chat1", false)
	if ok || err != nil {
		t.Fatalf("stop of expired indicator: got (%v, %v), want (false, nil)", ok, err)
	}
	// the sweep still owns the removal
	if n := r.ExpireStale(); n != 1 {
		t.Fatalf("expected sweep to remove the indicator, got %d", n)
	}
}

func TestActivitySwitchDropsEmptyGroup(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	if _, err := r.UpdateTyping("alice", "chat1", models.ActivityRecordingAudio, 0, 0); err != nil {
		t.Fatalf("UpdateTyping: %v", err)
	}

	st, ok := r.GetChatTypingState("chat1")
	if !ok {
		t.Fatal("missing chat state")
	}
	if _, stale := st.ActivityGroups[models.ActivityTyping]; stale {
		t.Fatalf("empty group left behind after switch: %+v", st.ActivityGroups)
	}
	if st.GroupSize(models.ActivityRecordingAudio) != 1 {
		t.Fatalf("user not in new group: %+v", st.ActivityGroups)
	}
}

func TestTypingSessionsFeedAnalytics(t *testing.T) {
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tr := analytics.NewTracker(fc, 0)
	r := NewRegistry(WithClock(fc), WithAnalytics(tr))
	t.Cleanup(r.Close)

	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	r.SaveTypingDraft("alice", "chat1", "hello")
	r.RecordTypingMetrics("alice", "chat1", 20, 35, false)
	fc.Advance(4 * time.Second)
	r.StopTyping("alice", "chat1", true)

	u, ok := tr.UserStats("alice")
	if !ok {
		t.Fatal("no stats for alice")
	}
	if u.TotalSessions != 1 || u.CompletedSessions != 1 {
		t.Fatalf("alice sessions: %+v", u)
	}
	if u.TotalTypingTime != 4*time.Second {
		t.Fatalf("session time: %v", u.TotalTypingTime)
	}
	if u.PeakSpeedWPM != 35 {
		t.Fatalf("speed: %v", u.PeakSpeedWPM)
	}
	if u.ActivityCounts["typing"] != 1 || u.DraftSaves != 1 {
		t.Fatalf("activity and drafts: %+v", u)
	}

	// an expired session is counted but never completed
	r.StartTyping("bob", "chat1", models.ActivityRecordingAudio, models.ContextMainChat, "", "")
	fc.Advance(11 * time.Second)
	if n := r.ExpireStale(); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	b, ok := tr.UserStats("bob")
	if !ok {
		t.Fatal("no stats for bob")
	}
	if b.TotalSessions != 1 || b.CompletedSessions != 0 || b.CompletionRate != 0 {
		t.Fatalf("bob sessions: %+v", b)
	}
	if b.ActivityCounts["recording audio"] != 1 {
		t.Fatalf("bob activities: %+v", b.ActivityCounts)
	}
}

func TestTTLLazyFiltering(t *testing.T) {
	r, fc := newTestRegistry(t)
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")

	fc.Advance(11 * time.Second)

	if typers := r.GetChatTypers("chat1"); len(typers) != 0 {
		t.Fatalf("expired indicator visible in GetChatTypers: %+v", typers)
	}
	if _, found := r.GetUserTypingState("alice", "chat1"); found {
		t.Fatal("expired indicator visible in GetUserTypingState")
	}
	st, ok := r.GetChatTypingState("chat1")
	if !ok {
		t.Fatal("state should exist until swept")
	}
	if st.TotalActiveTypers != 0 {
		t.Fatalf("expected 0 active typers in snapshot, got %d", st.TotalActiveTypers)
	}
}

func TestExpiresExactlyAtDeadline(t *testing.T) {
	r, fc := newTestRegistry(t)
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	fc.Advance(10 * time.Second)
	if _, found := r.GetUserTypingState("alice", "chat1"); found {
		t.Fatal("indicator must be expired at exactly now == expiresAt")
	}
}

func TestExpireStaleSweep(t *testing.T) {
	r, fc := newTestRegistry(t)
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	r.StartTyping("bob", "chat2", models.ActivityEditing, models.ContextMainChat, "", "")

	fc.Advance(11 * time.Second)
	if n := r.ExpireStale(); n != 2 {
		t.Fatalf("expected 2 expired, got %d", n)
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("expected empty registry after sweep, got %d", r.ActiveCount())
	}
	if _, ok := r.GetChatTypingState("chat1"); ok {
		t.Fatal("empty chat aggregate must be garbage-collected by the sweep")
	}
	// second sweep is a no-op
	if n := r.ExpireStale(); n != 0 {
		t.Fatalf("expected idempotent sweep, got %d", n)
	}
}

func TestUpdateTypingAbsent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ok, err := r.UpdateTyping("ghost", "chat1", models.ActivityTyping, 0, 0)
	if ok || err != nil {
		t.Fatalf("got (%v, %v), want (false, nil)", ok, err)
	}
}

func TestUpdateTypingSilentRefresh(t *testing.T) {
	r, fc := newTestRegistry(t)
	ch := collectEvents(t, r.Hub(), "chat:chat1")

	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	if ev := waitEvent(t, ch); ev.Type != models.TypingStarted {
		t.Fatalf("expected typing_started, got %s", ev.Type)
	}

	fc.Advance(8 * time.Second)
	ok, err := r.UpdateTyping("alice", "chat1", models.ActivityTyping, 42, 55)
	if !ok || err != nil {
		t.Fatalf("refresh: got (%v, %v)", ok, err)
	}
	// same-activity refresh publishes nothing
	assertNoEvent(t, ch)

	// but the TTL moved forward
	fc.Advance(8 * time.Second)
	ind, found := r.GetUserTypingState("alice", "chat1")
	if !found {
		t.Fatal("refreshed indicator expired too early")
	}
	if ind.EstimatedLength != 42 || ind.TypingSpeedWPM != 55 {
		t.Fatalf("metrics not applied: %+v", ind)
	}
}

func TestUpdateTypingActivityChange(t *testing.T) {
	r, _ := newTestRegistry(t)
	ch := collectEvents(t, r.Hub(), "user:alice")

	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	waitEvent(t, ch)

	ok, err := r.UpdateTyping("alice", "chat1", models.ActivityRecordingAudio, 0, 0)
	if !ok || err != nil {
		t.Fatalf("update: got (%v, %v)", ok, err)
	}
	ev := waitEvent(t, ch)
	if ev.Type != models.ActivityChanged {
		t.Fatalf("expected activity_changed, got %s", ev.Type)
	}
	if ev.Activity != models.ActivityRecordingAudio {
		t.Fatalf("event carries stale activity: %v", ev.Activity)
	}

	st, _ := r.GetChatTypingState("chat1")
	if st.GroupSize(models.ActivityTyping) != 0 || st.GroupSize(models.ActivityRecordingAudio) != 1 {
		t.Fatalf("user not moved between activity groups: %+v", st.ActivityGroups)
	}
}

func TestAggregateConsistency(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	r.StartTyping("bob", "chat1", models.ActivityRecordingAudio, models.ContextMainChat, "", "")
	r.StartTyping("carol", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	r.UpdateTyping("bob", "chat1", models.ActivityUploadingFile, 0, 0)
	r.StopTyping("carol", "chat1", true)

	st, ok := r.GetChatTypingState("chat1")
	if !ok {
		t.Fatal("missing state")
	}
	sum := 0
	for act := range st.ActivityGroups {
		sum += st.GroupSize(act)
	}
	if int(st.TotalActiveTypers) != len(st.ActiveTypers) || sum != len(st.ActiveTypers) {
		t.Fatalf("aggregate diverged: total=%d typers=%d grouped=%d", st.TotalActiveTypers, len(st.ActiveTypers), sum)
	}
	if st.TypingTextCount != 1 || st.UploadingFileCount != 1 || st.RecordingAudioCount != 0 {
		t.Fatalf("unexpected counters: %+v", st)
	}
}

func TestStopDeliversOrderedAfterStart(t *testing.T) {
	r, _ := newTestRegistry(t)
	ch := collectEvents(t, r.Hub(), "chat:chat1")

	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	r.StopTyping("alice", "chat1", false)

	first := waitEvent(t, ch)
	second := waitEvent(t, ch)
	if first.Type != models.TypingStarted || second.Type != models.TypingStopped {
		t.Fatalf("events out of order: %s then %s", first.Type, second.Type)
	}
	if second.State.TotalActiveTypers != 0 {
		t.Fatalf("stop snapshot should be empty, got %d", second.State.TotalActiveTypers)
	}
}

func TestCallbacks(t *testing.T) {
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	started := make(chan models.TypingIndicator, 1)
	stopped := make(chan bool, 1)
	changed := make(chan models.TypingIndicator, 1)
	r := NewRegistry(WithClock(fc), WithCallbacks(Callbacks{
		TypingStarted:   func(ind models.TypingIndicator) { started <- ind },
		TypingStopped:   func(_, _ string, sent bool) { stopped <- sent },
		ActivityChanged: func(ind models.TypingIndicator) { changed <- ind },
	}))
	defer r.Close()

	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	select {
	case ind := <-started:
		if ind.UserID != "alice" {
			t.Fatalf("wrong indicator in callback: %+v", ind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("started callback never fired")
	}

	r.UpdateTyping("alice", "chat1", models.ActivityThinking, 0, 0)
	select {
	case ind := <-changed:
		if ind.Activity != models.ActivityThinking {
			t.Fatalf("wrong activity in callback: %v", ind.Activity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("activity changed callback never fired")
	}

	r.StopTyping("alice", "chat1", true)
	select {
	case sent := <-stopped:
		if !sent {
			t.Fatal("messageSent not propagated to callback")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stopped callback never fired")
	}
}

func TestThreadAndReplyScopes(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.StartThreadTyping("alice", "chat1", "th1", models.ActivityTyping); err != nil {
		t.Fatalf("StartThreadTyping: %v", err)
	}
	if _, err := r.StartReplyTyping("bob", "chat1", "msg9", models.ActivityTyping); err != nil {
		t.Fatalf("StartReplyTyping: %v", err)
	}

	inThread := r.GetThreadTypers("chat1", "th1")
	if len(inThread) != 1 || inThread[0].UserID != "alice" {
		t.Fatalf("expected alice in thread th1, got %+v", inThread)
	}
	ind, found := r.GetUserTypingState("bob", "chat1")
	if !found || ind.Context != models.ContextReply || ind.ReplyToMessageID != "msg9" {
		t.Fatalf("reply scope lost: %+v", ind)
	}
}

func TestDeviceAndAppContext(t *testing.T) {
	r, _ := newTestRegistry(t)
	if ok, _ := r.SetDeviceContext("alice", "chat1", "mobile", "ios", true); ok {
		t.Fatal("expected false for absent indicator")
	}
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")
	if ok, err := r.SetDeviceContext("alice", "chat1", "mobile", "ios", true); !ok || err != nil {
		t.Fatalf("SetDeviceContext: (%v, %v)", ok, err)
	}
	if ok, err := r.SetAppContext("alice", "chat1", false, false); !ok || err != nil {
		t.Fatalf("SetAppContext: (%v, %v)", ok, err)
	}
	ind, _ := r.GetUserTypingState("alice", "chat1")
	if ind.DeviceType != "mobile" || ind.Platform != "ios" || !ind.IsMobileKeyboard {
		t.Fatalf("device context not applied: %+v", ind)
	}
	if ind.InForeground || ind.HasFocus {
		t.Fatalf("app context not applied: %+v", ind)
	}
}

func TestTypingDrafts(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")

	if err := r.SaveTypingDraft("alice", "chat1", "hello wor"); err != nil {
		t.Fatalf("SaveTypingDraft: %v", err)
	}
	text, ok := r.GetTypingDraft("alice", "chat1")
	if !ok || text != "hello wor" {
		t.Fatalf("draft round trip failed: (%q, %v)", text, ok)
	}
	ind, _ := r.GetUserTypingState("alice", "chat1")
	if !ind.IsDraftSaved || ind.EstimatedLength != 9 {
		t.Fatalf("indicator not annotated with draft: %+v", ind)
	}

	// sending the message discards the draft
	r.StopTyping("alice", "chat1", true)
	if _, ok := r.GetTypingDraft("alice", "chat1"); ok {
		t.Fatal("draft must be cleared when the message was sent")
	}
}

func TestConsistencyRepair(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.StartTyping("alice", "chat1", models.ActivityTyping, models.ContextMainChat, "", "")

	// corrupt the aggregate behind the registry's back
	r.mu.Lock()
	r.chats["chat1"].TotalActiveTypers = 99
	r.mu.Unlock()

	if repaired := r.CheckConsistency(); repaired != 1 {
		t.Fatalf("expected 1 repair, got %d", repaired)
	}
	st, _ := r.GetChatTypingState("chat1")
	if st.TotalActiveTypers != 1 {
		t.Fatalf("counters not rebuilt: %d", st.TotalActiveTypers)
	}
}

func TestNotificationConfig(t *testing.T) {
	r, _ := newTestRegistry(t)

	cfg := r.GetNotificationConfig("alice")
	if !cfg.Enabled || cfg.NotificationDelay != 500*time.Millisecond || cfg.MinDuration != time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.VisibleActivities[models.ActivityTyping] || cfg.VisibleActivities[models.ActivityThinking] {
		t.Fatalf("unexpected default visibility: %+v", cfg.VisibleActivities)
	}

	cfg.Enabled = false
	if err := r.SetNotificationConfig(cfg); err != nil {
		t.Fatalf("SetNotificationConfig: %v", err)
	}
	if got := r.GetNotificationConfig("alice"); got.Enabled {
		t.Fatal("stored config not returned")
	}
	if err := r.SetNotificationConfig(models.NotificationConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty user, got %v", err)
	}
}

func TestShouldNotify(t *testing.T) {
	r, _ := newTestRegistry(t)
	ind := models.TypingIndicator{UserID: "alice", ChatID: "chat1", Activity: models.ActivityTyping}

	if r.ShouldNotify("alice", ind) {
		t.Fatal("users must not be notified about themselves")
	}
	if !r.ShouldNotify("bob", ind) {
		t.Fatal("default config should surface typing")
	}

	cfg := models.DefaultNotificationConfig("bob")
	cfg.VisibleActivities = map[models.TypingActivity]bool{}
	r.SetNotificationConfig(cfg)
	if r.ShouldNotify("bob", ind) {
		t.Fatal("invisible activity should not notify")
	}
}
