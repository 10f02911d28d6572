package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSQueue publishes to a NATS subject and consumes through a queue group,
// so each message reaches one worker.
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
}

// NewNATSQueue wraps an established connection.
func NewNATSQueue(conn *nats.Conn, subject, group string) *NATSQueue {
	if subject == "" {
		subject = "slotattend.events"
	}
	if group == "" {
		group = "slotattend-workers"
	}
	return &NATSQueue{conn: conn, subject: subject, group: group}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// Publish sends a message.
func (q *NATSQueue) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.conn.Publish(q.subject, []byte(serialize(msg)))
}

// Consume subscribes until ctx is done.
func (q *NATSQueue) Consume(ctx context.Context) (<-chan Message, error) {
	in := make(chan *nats.Msg, 64)
	sub, err := q.conn.ChanQueueSubscribe(q.subject, q.group, in)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", q.subject, err)
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case m := <-in:
				select {
				case out <- deserialize(string(m.Data)):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
