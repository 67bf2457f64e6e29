package threads

import (
	"sort"

	"chatstate/pkg/ident"
	"chatstate/pkg/logger"
	"chatstate/pkg/models"
)

// CreateReply records a parent->child edge in the reply graph and
// computes the child's depth. Depth is derived by walking the parent
// chain with a visited set; a cycle or a chain longer than the
// configured maximum clamps the depth instead of failing, since the
// originating message already exists. When the parent chain roots in a
// thread the thread's counters and analytics are bumped as well.
func (r *Registry) CreateReply(parentMessageID, replyingMessageID, userID, quotedText string) (models.MessageReply, error) {
	if parentMessageID == "" || replyingMessageID == "" || userID == "" {
		return models.MessageReply{}, ErrInvalidArgument
	}
	if parentMessageID == replyingMessageID {
		return models.MessageReply{}, ErrInvalidArgument
	}
	now := r.clk.Now()

	r.mu.Lock()
	depth := r.depthLocked(parentMessageID) + 1
	if depth > r.maxDepth {
		depth = r.maxDepth
	}
	_, starter := r.byParentMessage[parentMessageID]
	reply := &models.MessageReply{
		ReplyID:           ident.Reply(),
		ParentMessageID:   parentMessageID,
		ReplyingMessageID: replyingMessageID,
		UserID:            userID,
		QuotedText:        quotedText,
		CreatedAt:         now,
		IsThreadStarter:   starter,
		DepthLevel:        depth,
	}
	r.replies[reply.ReplyID] = reply
	r.replyByMessage[replyingMessageID] = reply
	r.replyChildren[parentMessageID] = append(r.replyChildren[parentMessageID], reply.ReplyID)

	threadID, rootedInThread := r.threadForMessageLocked(parentMessageID)
	var th *models.Thread
	if rootedInThread {
		th = r.threads[threadID]
		th.MessageCount++
		th.LastActivity = now
		th.UpdatedAt = now
		if p := r.participants[threadID][userID]; p != nil {
			p.MessagesSent++
			p.LastActive = now
		}
	}
	snapshot := *reply
	ev := models.ThreadEvent{
		Type:      models.MessageReplied,
		ThreadID:  threadID,
		UserID:    userID,
		Reply:     &snapshot,
		Timestamp: now,
	}
	if th != nil {
		tcopy := *th
		ev.Thread = &tcopy
	}
	r.enqueueLocked(ev, func() {
		if r.cbs.ReplyAdded != nil {
			r.cbs.ReplyAdded(snapshot)
		}
	})
	r.mu.Unlock()

	if rootedInThread {
		r.tracker.RecordMessage(threadID, userID, len(quotedText))
	}
	r.record(models.Interaction{ID: snapshot.ReplyID, Kind: "reply_created", UserID: userID, ThreadID: threadID, TS: now})
	return snapshot, nil
}

// depthLocked walks messageID's parent chain and returns its depth,
// where a message with no parent edge sits at depth 0. The walk keeps
// a visited set and an iteration cap so a corrupted graph terminates
// with a clamped value. Must be called with r.mu held.
func (r *Registry) depthLocked(messageID string) uint32 {
	depth := uint32(0)
	visited := map[string]bool{messageID: true}
	cur := messageID
	for {
		edge, ok := r.replyByMessage[cur]
		if !ok {
			return depth
		}
		depth++
		if depth >= r.maxDepth {
			logger.Warn("reply_depth_capped", "message", messageID, "depth", depth)
			return r.maxDepth
		}
		cur = edge.ParentMessageID
		if visited[cur] {
			logger.Warn("reply_cycle_detected", "message", messageID, "at", cur)
			return r.maxDepth
		}
		visited[cur] = true
	}
}

// threadForMessageLocked resolves the thread whose anchor message
// roots the chain containing messageID, walking upward with the same
// cycle guards as the depth computation. Must be called with r.mu
// held.
func (r *Registry) threadForMessageLocked(messageID string) (string, bool) {
	visited := make(map[string]bool)
	cur := messageID
	for steps := uint32(0); steps <= r.maxDepth; steps++ {
		if id, ok := r.byParentMessage[cur]; ok {
			return id, true
		}
		if visited[cur] {
			return "", false
		}
		visited[cur] = true
		edge, ok := r.replyByMessage[cur]
		if !ok {
			return "", false
		}
		cur = edge.ParentMessageID
	}
	return "", false
}

// GetReply returns one reply edge by id.
func (r *Registry) GetReply(replyID string) (models.MessageReply, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reply, ok := r.replies[replyID]
	if !ok {
		return models.MessageReply{}, ErrNotFound
	}
	return *reply, nil
}

// GetReplies returns the direct replies to a message in creation
// order.
func (r *Registry) GetReplies(parentMessageID string) []models.MessageReply {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.replyChildren[parentMessageID]
	out := make([]models.MessageReply, 0, len(ids))
	for _, id := range ids {
		if reply := r.replies[id]; reply != nil {
			out = append(out, *reply)
		}
	}
	return out
}

// GetThreadReplies returns every reply in the subtree rooted at the
// thread's anchor message, ordered by creation time then reply id.
func (r *Registry) GetThreadReplies(threadID string) ([]models.MessageReply, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	th, ok := r.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}

	var out []models.MessageReply
	visited := make(map[string]bool)
	queue := []string{th.ParentMessageID}
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		if visited[msg] {
			continue
		}
		visited[msg] = true
		for _, id := range r.replyChildren[msg] {
			reply := r.replies[id]
			if reply == nil {
				continue
			}
			out = append(out, *reply)
			queue = append(queue, reply.ReplyingMessageID)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ReplyID < out[j].ReplyID
	})
	return out, nil
}
