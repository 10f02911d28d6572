package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"slotattend/internal/attendance"
)

// TypeMarked is published after a student's attendance is recorded.
const TypeMarked = "attendance.marked"

// Notifier publishes attendance events onto a queue.
type Notifier struct {
	q Queue
}

func NewNotifier(q Queue) *Notifier {
	return &Notifier{q: q}
}

// PublishMarked enqueues an attendance.marked event.
func (n *Notifier) PublishMarked(ctx context.Context, evt attendance.MarkedEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", TypeMarked, err)
	}
	return n.q.Publish(ctx, Message{Type: TypeMarked, Body: body})
}

// DecodeMarked parses the body of an attendance.marked message.
func DecodeMarked(msg Message) (attendance.MarkedEvent, error) {
	var evt attendance.MarkedEvent
	if msg.Type != TypeMarked {
		return evt, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return evt, fmt.Errorf("decode %s: %w", TypeMarked, err)
	}
	return evt, nil
}
