package threads

import (
	"sort"
	"strings"
	"time"

	"chatstate/pkg/models"
)

// SearchThreads filters, ranks and paginates thread discovery. Filters
// apply in a fixed order (chat, creator, status, visibility, archived
// inclusion, date range, participant range, category, tags) followed by
// the optional text relevance filter. Results sort by the requested
// key with a stable tie-break on thread id, so repeated calls over the
// same state return identical orderings.
func (r *Registry) SearchThreads(q models.ThreadSearchQuery) []models.Thread {
	now := r.clk.Now()

	r.mu.RLock()
	candidates := make([]models.Thread, 0, len(r.threads))
	for _, th := range r.threads {
		if matches(th, q) {
			candidates = append(candidates, *th)
		}
	}
	r.mu.RUnlock()

	scores := make(map[string]float64, len(candidates))
	if q.QueryText != "" {
		filtered := candidates[:0]
		for _, th := range candidates {
			s := relevance(&th, q.QueryText, now)
			if s > 0 {
				scores[th.ThreadID] = s
				filtered = append(filtered, th)
			}
		}
		candidates = filtered
	}

	sortResults(candidates, q, scores)
	return paginate(candidates, q.Offset, q.Limit)
}

func matches(th *models.Thread, q models.ThreadSearchQuery) bool {
	if th.Status == models.StatusDeleted {
		return false
	}
	if q.ChatID != "" && th.ChatID != q.ChatID {
		return false
	}
	if q.CreatorID != "" && th.CreatorID != q.CreatorID {
		return false
	}
	if q.Status != nil && th.Status != *q.Status {
		return false
	}
	if q.Visibility != nil && th.Visibility != *q.Visibility {
		return false
	}
	if th.Status == models.StatusArchived && !q.IncludeArchived && q.Status == nil {
		return false
	}
	if !q.CreatedAfter.IsZero() && th.CreatedAt.Before(q.CreatedAfter) {
		return false
	}
	if !q.CreatedBefore.IsZero() && th.CreatedAt.After(q.CreatedBefore) {
		return false
	}
	if q.MinParticipants > 0 && th.ParticipantCount < q.MinParticipants {
		return false
	}
	if q.MaxParticipants > 0 && th.ParticipantCount > q.MaxParticipants {
		return false
	}
	if q.Category != "" && th.Category != q.Category {
		return false
	}
	for _, want := range q.Tags {
		if !hasTag(th.Tags, want) {
			return false
		}
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

// relevance scores a text match: title hits weigh 10, description 5,
// each matching tag 3, with a recency bonus and small linear boosts
// from engagement counters.
func relevance(th *models.Thread, query string, now time.Time) float64 {
	needle := strings.ToLower(query)
	score := 0.0
	if strings.Contains(strings.ToLower(th.Title), needle) {
		score += 10
	}
	if strings.Contains(strings.ToLower(th.Description), needle) {
		score += 5
	}
	for _, tag := range th.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			score += 3
		}
	}
	if score == 0 {
		return 0
	}
	switch idle := now.Sub(th.LastActivity); {
	case idle <= 24*time.Hour:
		score += 2
	case idle <= 7*24*time.Hour:
		score += 1
	}
	score += 0.1 * float64(th.MessageCount)
	score += 0.2 * float64(th.ParticipantCount)
	return score
}

// sortResults orders by the requested key with an ascending tie-break
// on thread id regardless of direction, keeping results stable across
// calls. Relevance and count keys default to descending semantics via
// q.Ascending=false.
func sortResults(ths []models.Thread, q models.ThreadSearchQuery, scores map[string]float64) {
	sort.Slice(ths, func(i, j int) bool {
		c := compareKey(&ths[i], &ths[j], q.SortBy, scores)
		if c != 0 {
			if q.Ascending {
				return c < 0
			}
			return c > 0
		}
		return ths[i].ThreadID < ths[j].ThreadID
	})
}

func compareKey(a, b *models.Thread, key models.ThreadSortBy, scores map[string]float64) int {
	switch key {
	case models.SortByCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case models.SortByUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case models.SortByLastActivity:
		return a.LastActivity.Compare(b.LastActivity)
	case models.SortByMessageCount:
		return compareUint(a.MessageCount, b.MessageCount)
	case models.SortByParticipantCount:
		return compareUint(a.ParticipantCount, b.ParticipantCount)
	case models.SortByRelevance:
		sa, sb := scores[a.ThreadID], scores[b.ThreadID]
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
	}
	return 0
}

func compareUint(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func paginate(ths []models.Thread, offset, limit int) []models.Thread {
	if offset > 0 {
		if offset >= len(ths) {
			return nil
		}
		ths = ths[offset:]
	}
	if limit > 0 && len(ths) > limit {
		ths = ths[:limit]
	}
	return ths
}
