package workflow

import (
	"github.com/google/uuid"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// appendMessage adds an entry to the task's log. A message identical in
// type and text to the previous entry is dropped.
func appendMessage(t *domain.Task, typ domain.MessageType, stage domain.Stage, text string, now int64) {
	if n := len(t.Messages); n > 0 {
		last := t.Messages[n-1]
		if last.Type == typ && last.Text == text {
			return
		}
	}
	t.LastMessageSeq++
	t.Messages = append(t.Messages, domain.Message{
		ID:            uuid.NewString(),
		TaskID:        t.TaskID,
		Seq:           t.LastMessageSeq,
		Type:          typ,
		Stage:         stage,
		Text:          text,
		CreatedAtUnix: now,
	})
}

// MessagesSince returns log entries with a sequence number above since.
func MessagesSince(t *domain.Task, since int64) []domain.Message {
	var out []domain.Message
	for _, m := range t.Messages {
		if m.Seq > since {
			out = append(out, m)
		}
	}
	return out
}
