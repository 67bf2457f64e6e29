package presence

import (
	"fmt"
	"sort"
	"time"

	"chatstate/pkg/models"
)

// CalculateTypingSpeed estimates words per minute from a character
// count over elapsed time, using the five-characters-per-word
// convention. Returns 0 for degenerate input.
func CalculateTypingSpeed(charCount int, elapsed time.Duration) float64 {
	if charCount <= 0 || elapsed <= 0 {
		return 0
	}
	words := float64(charCount) / 5.0
	return words / elapsed.Minutes()
}

// ReasonableSpeed filters out values no human produces.
func ReasonableSpeed(wpm float64) bool {
	return wpm > 0 && wpm <= 200
}

// SpeedDescription buckets a WPM figure into a display label.
func SpeedDescription(wpm float64) string {
	switch {
	case wpm <= 0:
		return ""
	case wpm < 20:
		return "typing slowly"
	case wpm < 40:
		return "typing"
	case wpm < 60:
		return "typing quickly"
	default:
		return "typing very fast"
	}
}

// FormatNotification renders a chat's aggregate presence into display
// text like "alice is typing..." or "3 people are recording audio...".
// resolve maps user ids to display names; nil uses the raw ids. Empty
// aggregates render as "".
func FormatNotification(state *models.ChatTypingState, cfg models.NotificationConfig, resolve func(userID string) string) string {
	if state == nil || !cfg.Enabled || len(state.ActiveTypers) == 0 {
		return ""
	}
	if resolve == nil {
		resolve = func(id string) string { return id }
	}

	// Group by activity and describe the largest visible group.
	type group struct {
		activity models.TypingActivity
		users    []string
	}
	var groups []group
	for act, members := range state.ActivityGroups {
		if !cfg.VisibleActivities[act] {
			continue
		}
		var users []string
		for uid := range members {
			users = append(users, uid)
		}
		if len(users) == 0 {
			continue
		}
		sort.Strings(users)
		groups = append(groups, group{activity: act, users: users})
	}
	if len(groups) == 0 {
		return ""
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].users) != len(groups[j].users) {
			return len(groups[i].users) > len(groups[j].users)
		}
		return groups[i].activity < groups[j].activity
	})

	g := groups[0]
	verb := g.activity.String()
	switch len(g.users) {
	case 1:
		return fmt.Sprintf("%s is %s...", resolve(g.users[0]), verb)
	case 2:
		return fmt.Sprintf("%s and %s are %s...", resolve(g.users[0]), resolve(g.users[1]), verb)
	case 3:
		return fmt.Sprintf("%s, %s and %s are %s...", resolve(g.users[0]), resolve(g.users[1]), resolve(g.users[2]), verb)
	default:
		return fmt.Sprintf("%d people are %s...", len(g.users), verb)
	}
}
