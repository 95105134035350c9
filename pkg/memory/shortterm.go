package memory

import (
	"github.com/dotsetgreg/ctxkeeper/pkg/conversation"
)

// ShortTermBuffer is the verbatim, in-process tier: an append-only list of
// messages for one session, cleared wholesale when promoted to mid-term.
type ShortTermBuffer struct {
	sessionID string
	msgs      []conversation.Message
}

func NewShortTermBuffer(sessionID string) *ShortTermBuffer {
	return &ShortTermBuffer{sessionID: sessionID}
}

func (b *ShortTermBuffer) SessionID() string { return b.sessionID }

func (b *ShortTermBuffer) Append(msgs ...conversation.Message) {
	b.msgs = append(b.msgs, msgs...)
}

func (b *ShortTermBuffer) Len() int { return len(b.msgs) }

// Messages returns a copy of the buffered messages in append order.
func (b *ShortTermBuffer) Messages() []conversation.Message {
	return conversation.CloneMessages(b.msgs)
}

// Clear drops everything. Promotion calls this after the compacted session
// is durably saved.
func (b *ShortTermBuffer) Clear() { b.msgs = nil }
