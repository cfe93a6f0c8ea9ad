// Package rabbitmq queues asynchronous coaching turns.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// JobMessage is the queue payload: the Job row in the database holds the
// prompt, the message only carries its id.
type JobMessage struct {
	JobID string `json:"job_id"`
}

// Topology names the three queues behind one turn queue: rejected deliveries
// dead-letter from Main into DLQ, while Retry TTLs messages back onto Main.
type Topology struct {
	Main  string
	Retry string
	DLQ   string
}

func TopologyFor(queue string) Topology {
	return Topology{
		Main:  queue,
		Retry: queue + ".retry",
		DLQ:   queue + ".dlq",
	}
}

// DeclareTopology declares the turn-queue topology on ch. Both the publisher
// and the worker call this so either side can start first.
func DeclareTopology(ch *amqp.Channel, queue string) (Topology, error) {
	t := TopologyFor(queue)

	if _, err := ch.QueueDeclare(t.DLQ, true, false, false, false, nil); err != nil {
		return t, fmt.Errorf("declare %s: %w", t.DLQ, err)
	}

	if _, err := ch.QueueDeclare(t.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Main,
	}); err != nil {
		return t, fmt.Errorf("declare %s: %w", t.Retry, err)
	}

	if _, err := ch.QueueDeclare(t.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DLQ,
	}); err != nil {
		return t, fmt.Errorf("declare %s: %w", t.Main, err)
	}

	return t, nil
}

// Publisher enqueues coaching turn jobs for the worker.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	topology Topology
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	t, err := DeclareTopology(ch, queue)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, topology: t}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishJob enqueues one job id onto the main queue.
func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"", // default exchange routes by queue name
		p.topology.Main,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    jobID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}
