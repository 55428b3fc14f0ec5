// Package queue übergibt pending Lessons per RabbitMQ an den Content-Generator.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"deixis/services"

	amqp "github.com/rabbitmq/amqp091-go"
)

const dialTimeout = 5 * time.Second

// Dial verbindet sich mit dem Broker und deklariert queueName, damit Nachrichten vor dem
// ersten Consumer nicht verloren gehen. ctx bricht den Verbindungsaufbau ab.
func Dial(ctx context.Context, url, queueName string) (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      contextDialer(ctx, dialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := declare(ch, queueName); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// contextDialer baut die TCP-Verbindung unter ctx auf. Die Deadline gilt für den
// AMQP-Handshake; amqp091 setzt sie nach dem Öffnen der Verbindung zurück.
func contextDialer(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func declare(ch *amqp.Channel, queueName string) error {
	_, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue failed: %w", err)
	}
	return nil
}

// Publisher implementiert services.Dispatcher auf einer RabbitMQ-Queue.
type Publisher struct {
	conn      *amqp.Connection
	queueName string
}

var _ services.Dispatcher = (*Publisher)(nil)

func NewPublisher(conn *amqp.Connection, queueName string) *Publisher {
	return &Publisher{conn: conn, queueName: queueName}
}

// Publish sendet req als persistente JSON-Nachricht.
func (p *Publisher) Publish(ctx context.Context, req services.LessonRequest) error {
	msg, err := newPublishing(req)
	if err != nil {
		return err
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := ch.PublishWithContext(ctx, "", p.queueName, false, false, msg); err != nil {
		return fmt.Errorf("publish lesson request failed: %w", err)
	}
	return nil
}

// Close schließt die Verbindung zum Broker.
func (p *Publisher) Close() error {
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close()
}

func newPublishing(req services.LessonRequest) (amqp.Publishing, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal lesson request failed: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("lesson-%d", req.LessonID),
		Timestamp:    time.Now().UTC(),
		Type:         "lesson.generate",
		Body:         payload,
	}, nil
}
