// Package grouping splits a message sequence into presentation groups.
package grouping

import (
	"time"

	"github.com/matheus3301/inboxsync/internal/message"
)

// Window is the largest gap between two adjacent messages of one group.
const Window = 5 * time.Minute

// MessageGroup is a maximal run of consecutive messages from the same sender
// with the same internal-note flag.
type MessageGroup struct {
	SenderID   int64                  `json:"senderId"`
	SenderType string                 `json:"senderType"`
	IsInternal bool                   `json:"isInternal"`
	StartedAt  time.Time              `json:"startedAt"`
	EndedAt    time.Time              `json:"endedAt"`
	Messages   []message.InboxMessage `json:"messages"`
}

// GroupMessages groups msgs in their given order. Each message joins the
// current group when it matches the previous message's sender and internal
// flag and lies within Window of it.
func GroupMessages(msgs []message.InboxMessage) []MessageGroup {
	var groups []MessageGroup
	for i, m := range msgs {
		if i > 0 && sameGroup(msgs[i-1], m) {
			g := &groups[len(groups)-1]
			g.Messages = append(g.Messages, m)
			g.EndedAt = m.CreatedAt
			continue
		}
		groups = append(groups, MessageGroup{
			SenderID:   m.SenderID,
			SenderType: m.SenderType,
			IsInternal: m.IsInternal,
			StartedAt:  m.CreatedAt,
			EndedAt:    m.CreatedAt,
			Messages:   []message.InboxMessage{m},
		})
	}
	return groups
}

func sameGroup(prev, cur message.InboxMessage) bool {
	if prev.SenderID != cur.SenderID || prev.SenderType != cur.SenderType || prev.IsInternal != cur.IsInternal {
		return false
	}
	gap := cur.CreatedAt.Sub(prev.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= Window
}
