// Package history owns a session's conversation log. Merge is the only way
// messages enter it: entries are deduplicated by id (the incoming copy wins)
// and kept in ascending id order, so applying the same page twice is a
// no-op. Log pages backwards through the backend's history with an
// exclusive before-id cursor.
package history

import (
	"sort"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

// Merge returns a new log holding existing and incoming deduplicated by ID,
// sorted ascending. For an ID present in both, the incoming message wins.
// Neither input is modified.
func Merge(existing, incoming []domain.Message) []domain.Message {
	byID := make(map[int64]int, len(existing)+len(incoming))
	out := make([]domain.Message, 0, len(existing)+len(incoming))
	for _, batch := range [][]domain.Message{existing, incoming} {
		for _, m := range batch {
			if i, seen := byID[m.ID]; seen {
				out[i] = m
				continue
			}
			byID[m.ID] = len(out)
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
