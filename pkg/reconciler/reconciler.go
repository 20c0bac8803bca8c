// Package reconciler maintains a client-visible message list fed by both
// delivery paths. Optimistic copies rendered from the immediate echo are
// replaced in place when the store-confirmed copy arrives, matched by the
// client-generated temp id, so the message never jumps position and never
// duplicates.
package reconciler

import (
	"sync"

	"chatrelay/pkg/models"
)

// List is one conversation's ordered message list. Safe for concurrent use.
type List struct {
	mu   sync.Mutex
	msgs []models.Message
}

// NewList returns an empty list.
func NewList() *List { return &List{} }

// Reset replaces the list with a fetched history snapshot.
func (l *List) Reset(history []models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs[:0], history...)
}

// Messages returns a copy of the current list.
func (l *List) Messages() []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the current list length.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Apply folds one delivered envelope into the list. Every operation is
// idempotent: both paths may deliver the same change and the log path may
// replay it, so applying twice must equal applying once.
func (l *List) Apply(env models.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch env.Type {
	case models.EventReceiveMessage, models.EventReceiveAIMessage:
		m, err := env.MessagePayload()
		if err != nil {
			return
		}
		l.upsert(m)
	case models.EventMessageEdited:
		p, err := env.RefPayload()
		if err != nil {
			return
		}
		if i := l.indexByID(p.MessageID); i >= 0 {
			l.msgs[i].Text = p.Text
			l.msgs[i].IsEdited = true
		}
	case models.EventMessageDeleted:
		p, err := env.RefPayload()
		if err != nil {
			return
		}
		if i := l.indexByID(p.MessageID); i >= 0 {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
		}
	case models.EventMessageRead:
		p, err := env.RefPayload()
		if err != nil {
			return
		}
		if i := l.indexByID(p.MessageID); i >= 0 {
			l.msgs[i].IsRead = true
		}
	}
}

// upsert replaces the optimistic copy by temp id, else the confirmed copy
// by durable id, else appends.
func (l *List) upsert(m models.Message) {
	if m.TempID != "" {
		for i := range l.msgs {
			if l.msgs[i].TempID == m.TempID {
				l.msgs[i] = m
				return
			}
		}
	}
	if m.ID != "" {
		if i := l.indexByID(m.ID); i >= 0 {
			l.msgs[i] = m
			return
		}
	}
	l.msgs = append(l.msgs, m)
}

func (l *List) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			return i
		}
	}
	return -1
}
